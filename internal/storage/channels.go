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

const channelColumns = `id, name, type, routes, status, tcp_host, tcp_port, timeout_ms,
	auto_retry_enabled, auto_retry_period_minutes, auto_retry_max_attempts,
	max_body_age_days, last_body_culled_at`

// CreateChannel inserts a channel. Channels are normally owned by the
// administrative layer; this exists for seeding and tests.
func (db *DB) CreateChannel(ctx context.Context, ch *model.Channel) error {
	if ch.ID == uuid.Nil {
		ch.ID = uuid.New()
	}
	if ch.Status == "" {
		ch.Status = model.ChannelStatusEnabled
	}
	if ch.Type == "" {
		ch.Type = model.ChannelTypeHTTP
	}
	routes, err := json.Marshal(ch.Routes)
	if err != nil {
		return fmt.Errorf("storage: marshal routes: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO channels (`+channelColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ch.ID, ch.Name, string(ch.Type), routes, string(ch.Status), ch.TCPHost, ch.TCPPort, ch.TimeoutMillis,
		ch.AutoRetryEnabled, ch.AutoRetryPeriodMinutes, ch.AutoRetryMaxAttempts,
		ch.MaxBodyAgeDays, ch.LastBodyCulledAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create channel: %w", err)
	}
	return nil
}

// GetChannel returns a channel by id.
func (db *DB) GetChannel(ctx context.Context, id uuid.UUID) (model.Channel, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	ch, err := scanChannel(row)
	if err != nil {
		return model.Channel{}, notFound("get channel", err)
	}
	return ch, nil
}

// ListAutoRetryChannels returns enabled channels that have auto-retry turned on.
func (db *DB) ListAutoRetryChannels(ctx context.Context) ([]model.Channel, error) {
	return db.listChannels(ctx, "list auto-retry channels",
		`SELECT `+channelColumns+` FROM channels
		 WHERE auto_retry_enabled AND status = 'enabled'
		 ORDER BY created_at`)
}

// ListCullableChannels returns non-deleted channels with a body retention policy.
func (db *DB) ListCullableChannels(ctx context.Context) ([]model.Channel, error) {
	return db.listChannels(ctx, "list cullable channels",
		`SELECT `+channelColumns+` FROM channels
		 WHERE max_body_age_days IS NOT NULL AND status <> 'deleted'
		 ORDER BY created_at`)
}

// SetLastBodyCulledAt records the end of a culling pass for a channel.
func (db *DB) SetLastBodyCulledAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := db.pool.Exec(ctx, `UPDATE channels SET last_body_culled_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("storage: set last body culled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: set last body culled %s: %w", id, ErrNotFound)
	}
	return nil
}

func (db *DB) listChannels(ctx context.Context, op, query string) ([]model.Channel, error) {
	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: %s: %w", op, err)
	}
	defer rows.Close()

	var out []model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: %s: scan: %w", op, err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func scanChannel(row pgx.Row) (model.Channel, error) {
	var (
		ch          model.Channel
		typ, status string
		routes      []byte
	)
	err := row.Scan(&ch.ID, &ch.Name, &typ, &routes, &status, &ch.TCPHost, &ch.TCPPort, &ch.TimeoutMillis,
		&ch.AutoRetryEnabled, &ch.AutoRetryPeriodMinutes, &ch.AutoRetryMaxAttempts,
		&ch.MaxBodyAgeDays, &ch.LastBodyCulledAt)
	if err != nil {
		return model.Channel{}, err
	}
	ch.Type = model.ChannelType(typ)
	ch.Status = model.ChannelStatus(status)
	if len(routes) > 0 {
		if err := json.Unmarshal(routes, &ch.Routes); err != nil {
			return model.Channel{}, fmt.Errorf("unmarshal routes: %w", err)
		}
	}
	return ch, nil
}
