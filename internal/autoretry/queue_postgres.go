package autoretry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-hie/conduit/internal/model"
)

// PostgresStore is the subset of storage.DB the Postgres queue needs.
type PostgresStore interface {
	InsertAutoRetryEntries(ctx context.Context, entries ...model.AutoRetryEntry) error
	PopAutoRetryEntries(ctx context.Context, channelID uuid.UUID, cutoff time.Time) ([]model.AutoRetryEntry, error)
}

// PostgresQueue keeps entries in the autoretry_entries table.
type PostgresQueue struct {
	store PostgresStore
}

// NewPostgresQueue creates a queue backed by store.
func NewPostgresQueue(store PostgresStore) *PostgresQueue {
	return &PostgresQueue{store: store}
}

func (q *PostgresQueue) Push(ctx context.Context, entries ...model.AutoRetryEntry) error {
	return q.store.InsertAutoRetryEntries(ctx, entries...)
}

func (q *PostgresQueue) Pop(ctx context.Context, channelID uuid.UUID, cutoff time.Time) ([]model.AutoRetryEntry, error) {
	return q.store.PopAutoRetryEntries(ctx, channelID, cutoff)
}
