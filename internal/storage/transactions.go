package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridian-hie/conduit/internal/model"
)

const transactionColumns = `id, channel_id, client_id, parent_id, child_ids, exchange, status,
	can_rerun, auto_retry, auto_retry_attempt, was_rerun`

// CreateTransaction inserts a transaction record. The rerun socket path uses
// this to record the child transaction the ingress pipeline would otherwise write.
func (db *DB) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	exchange, err := json.Marshal(tx.Exchange)
	if err != nil {
		return fmt.Errorf("storage: marshal exchange: %w", err)
	}
	ts := tx.RequestTimestamp()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	childIDs := tx.ChildIDs
	if childIDs == nil {
		childIDs = []uuid.UUID{}
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO transactions (`+transactionColumns+`, request_timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tx.ID, tx.ChannelID, tx.ClientID, tx.ParentID, childIDs, exchange, string(tx.Status),
		tx.CanRerun, tx.AutoRetry, tx.AutoRetryAttempt, tx.WasRerun, ts,
	)
	if err != nil {
		return fmt.Errorf("storage: create transaction: %w: %w", model.ErrPersistence, err)
	}
	return nil
}

// GetTransaction returns a transaction by id.
func (db *DB) GetTransaction(ctx context.Context, id uuid.UUID) (model.Transaction, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		return model.Transaction{}, notFound("get transaction", err)
	}
	return tx, nil
}

// AppendChild links a rerun to its original: childID is appended to the
// original's child ids and the original is flagged as rerun.
func (db *DB) AppendChild(ctx context.Context, originalID, childID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE transactions
		 SET child_ids = CASE WHEN $2 = ANY(child_ids) THEN child_ids ELSE array_append(child_ids, $2) END,
		     was_rerun = true
		 WHERE id = $1`,
		originalID, childID)
	if err != nil {
		return fmt.Errorf("storage: append child: %w: %w", model.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: append child to %s: %w", originalID, ErrNotFound)
	}
	return nil
}

// MarkNotReplayable permanently clears can_rerun. There is deliberately no
// inverse: once a body has been truncated the transaction stays unreplayable.
func (db *DB) MarkNotReplayable(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `UPDATE transactions SET can_rerun = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: mark not replayable: %w: %w", model.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: mark not replayable %s: %w", id, ErrNotFound)
	}
	return nil
}

// CullCursor is a keyset position in (request_timestamp, id) order.
type CullCursor struct {
	Timestamp time.Time
	ID        uuid.UUID
}

// CullWindow bounds the transactions a culling pass may touch on a channel.
type CullWindow struct {
	ChannelID uuid.UUID
	After     *time.Time // exclusive; nil means no lower bound
	UpTo      time.Time  // inclusive
}

// ListCullCandidates returns up to limit transactions in the window that
// still reference at least one body blob, strictly after cursor.
func (db *DB) ListCullCandidates(ctx context.Context, w CullWindow, cursor CullCursor, limit int) ([]model.Transaction, []time.Time, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+transactionColumns+`, request_timestamp FROM transactions
		 WHERE channel_id = $1
		   AND request_timestamp <= $2
		   AND ($3::timestamptz IS NULL OR request_timestamp > $3)
		   AND (request_timestamp, id) > ($4, $5)
		   AND exchange::text LIKE '%"bodyRef"%'
		 ORDER BY request_timestamp, id
		 LIMIT $6`,
		w.ChannelID, w.UpTo, w.After, cursor.Timestamp, cursor.ID, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: list cull candidates: %w", err)
	}
	defer rows.Close()

	var (
		txs []model.Transaction
		tss []time.Time
	)
	for rows.Next() {
		var ts time.Time
		tx, err := scanTransaction(rows, &ts)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: list cull candidates: scan: %w", err)
		}
		txs = append(txs, tx)
		tss = append(tss, ts)
	}
	return txs, tss, rows.Err()
}

// ReplaceExchanges overwrites the exchange tree of each transaction in one
// statement. Culling uses it to persist trees with their bodyRefs stripped.
func (db *DB) ReplaceExchanges(ctx context.Context, updates map[uuid.UUID]model.Exchange) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	ids := make([]uuid.UUID, 0, len(updates))
	docs := make([]string, 0, len(updates))
	for id, ex := range updates {
		b, err := json.Marshal(ex)
		if err != nil {
			return 0, fmt.Errorf("storage: marshal exchange %s: %w", id, err)
		}
		ids = append(ids, id)
		docs = append(docs, string(b))
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE transactions t SET exchange = u.exchange::jsonb
		 FROM unnest($1::uuid[], $2::text[]) AS u(id, exchange)
		 WHERE t.id = u.id`,
		ids, docs)
	if err != nil {
		return 0, fmt.Errorf("storage: replace exchanges: %w: %w", model.ErrPersistence, err)
	}
	return tag.RowsAffected(), nil
}

func scanTransaction(row pgx.Row, extra ...any) (model.Transaction, error) {
	var (
		tx       model.Transaction
		status   string
		exchange []byte
	)
	dest := append([]any{&tx.ID, &tx.ChannelID, &tx.ClientID, &tx.ParentID, &tx.ChildIDs, &exchange, &status,
		&tx.CanRerun, &tx.AutoRetry, &tx.AutoRetryAttempt, &tx.WasRerun}, extra...)
	if err := row.Scan(dest...); err != nil {
		return model.Transaction{}, err
	}
	tx.Status = model.TransactionStatus(status)
	if len(exchange) > 0 {
		if err := json.Unmarshal(exchange, &tx.Exchange); err != nil {
			return model.Transaction{}, fmt.Errorf("unmarshal exchange: %w", err)
		}
	}
	return tx, nil
}
