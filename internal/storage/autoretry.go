package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridian-hie/conduit/internal/model"
)

// InsertAutoRetryEntries queues transactions for the auto-retry sweeper.
// Re-queuing a transaction that is already queued is a no-op.
func (db *DB) InsertAutoRetryEntries(ctx context.Context, entries ...model.AutoRetryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO autoretry_entries (transaction_id, channel_id, request_timestamp)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (transaction_id) DO NOTHING`,
			e.TransactionID, e.ChannelID, e.RequestTimestamp)
	}
	if err := db.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("storage: insert auto-retry entries: %w: %w", model.ErrPersistence, err)
	}
	return nil
}

// FlagAutoRetry marks a transaction as being under automatic retry.
func (db *DB) FlagAutoRetry(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `UPDATE transactions SET auto_retry = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: flag auto-retry: %w: %w", model.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: flag auto-retry %s: %w", id, ErrNotFound)
	}
	return nil
}

// PopAutoRetryEntries deletes and returns every entry on channelID whose
// request timestamp is at or before cutoff. DELETE ... RETURNING makes the
// find and remove one statement, so two sweeps can never pop the same row.
func (db *DB) PopAutoRetryEntries(ctx context.Context, channelID uuid.UUID, cutoff time.Time) ([]model.AutoRetryEntry, error) {
	rows, err := db.pool.Query(ctx,
		`DELETE FROM autoretry_entries
		 WHERE channel_id = $1 AND request_timestamp <= $2
		 RETURNING transaction_id, channel_id, request_timestamp`,
		channelID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("storage: pop auto-retry entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AutoRetryEntry, error) {
		var e model.AutoRetryEntry
		err := row.Scan(&e.TransactionID, &e.ChannelID, &e.RequestTimestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: pop auto-retry entries: scan: %w", err)
	}
	return entries, nil
}
