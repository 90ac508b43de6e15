// Package autoretry decides which failed transactions are retried
// automatically, keeps them in a per-channel retry queue, and periodically
// folds due entries into a single rerun task.
package autoretry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-hie/conduit/internal/model"
	"github.com/meridian-hie/conduit/internal/telemetry"
)

// Queue holds AutoRetryEntries until the sweeper pops them. Pop must remove
// and return the due entries atomically so that concurrent sweeps, in this
// process or another, never receive the same entry.
type Queue interface {
	Push(ctx context.Context, entries ...model.AutoRetryEntry) error
	Pop(ctx context.Context, channelID uuid.UUID, cutoff time.Time) ([]model.AutoRetryEntry, error)
}

// Flagger marks a transaction as under automatic retry.
type Flagger interface {
	FlagAutoRetry(ctx context.Context, id uuid.UUID) error
}

// ReachedMaxAttempts reports whether tx has used up its channel's automatic
// retries. A limit of zero means unlimited.
func ReachedMaxAttempts(tx model.Transaction, ch model.Channel) bool {
	return ch.AutoRetryMaxAttempts > 0 && tx.AutoRetryAttempt >= ch.AutoRetryMaxAttempts
}

// Service is the entry point the transaction-update path uses to queue failures.
type Service struct {
	queue  Queue
	flags  Flagger
	logger *slog.Logger
	inst   *telemetry.Instruments
}

// NewService creates a Service.
func NewService(queue Queue, flags Flagger, logger *slog.Logger, inst *telemetry.Instruments) *Service {
	return &Service{queue: queue, flags: flags, logger: logger, inst: inst}
}

// QueueForRetry queues tx for the sweeper unless its channel has auto-retry
// off or its attempts are exhausted. It reports whether tx was queued.
func (s *Service) QueueForRetry(ctx context.Context, tx model.Transaction, ch model.Channel) (bool, error) {
	if !ch.AutoRetryEnabled || ch.ID != tx.ChannelID {
		return false, nil
	}
	if ReachedMaxAttempts(tx, ch) {
		s.logger.Debug("autoretry: max attempts reached",
			"transaction_id", tx.ID, "channel_id", ch.ID, "attempt", tx.AutoRetryAttempt)
		return false, nil
	}
	if err := s.flags.FlagAutoRetry(ctx, tx.ID); err != nil {
		return false, fmt.Errorf("autoretry: queue %s: %w", tx.ID, err)
	}
	ts := tx.RequestTimestamp()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if err := s.queue.Push(ctx, model.AutoRetryEntry{
		TransactionID:    tx.ID,
		ChannelID:        tx.ChannelID,
		RequestTimestamp: ts,
	}); err != nil {
		return false, fmt.Errorf("autoretry: queue %s: %w", tx.ID, err)
	}
	s.inst.RetriesQueued.Add(ctx, 1)
	return true, nil
}
