package autoretry

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-hie/conduit/internal/model"
	"github.com/meridian-hie/conduit/internal/telemetry"
)

// SweepStore is what the sweeper reads channels from and writes tasks to.
type SweepStore interface {
	ListAutoRetryChannels(ctx context.Context) ([]model.Channel, error)
	CreateTask(ctx context.Context, task *model.Task) error
}

// Sweeper turns due retry-queue entries into one rerun task per pass.
type Sweeper struct {
	store  SweepStore
	queue  Queue
	logger *slog.Logger
	inst   *telemetry.Instruments
	now    func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(store SweepStore, queue Queue, logger *slog.Logger, inst *telemetry.Instruments) *Sweeper {
	return &Sweeper{
		store:  store,
		queue:  queue,
		logger: logger,
		inst:   inst,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Cutoff returns the newest request time that is due for retry on ch at now.
func Cutoff(ch model.Channel, now time.Time) time.Time {
	return now.Add(-time.Duration(ch.AutoRetryPeriodMinutes-1) * time.Minute)
}

// Sweep runs one pass. Failures on one channel are logged and do not stop
// the others. It returns the created task, or nil when nothing was due or
// the task could not be saved; in the latter case the popped entries are
// pushed back so they are picked up by a later pass.
func (s *Sweeper) Sweep(ctx context.Context) *model.Task {
	channels, err := s.store.ListAutoRetryChannels(ctx)
	if err != nil {
		s.logger.Error("autoretry: list channels failed", "error", err)
		return nil
	}

	now := s.now()
	var popped []model.AutoRetryEntry
	for _, ch := range channels {
		if ctx.Err() != nil {
			break
		}
		entries, err := s.queue.Pop(ctx, ch.ID, Cutoff(ch, now))
		if err != nil {
			s.logger.Error("autoretry: pop entries failed", "channel_id", ch.ID, "channel", ch.Name, "error", err)
		}
		popped = append(popped, entries...)
	}
	if len(popped) == 0 {
		return nil
	}

	tids := make([]uuid.UUID, 0, len(popped))
	for _, e := range popped {
		tids = append(tids, e.TransactionID)
	}
	task := model.NewRetryTask(tids)
	if err := s.store.CreateTask(ctx, &task); err != nil {
		s.logger.Error("autoretry: save task failed", "transactions", len(tids), "error", err)
		if perr := s.queue.Push(context.WithoutCancel(ctx), popped...); perr != nil {
			s.logger.Error("autoretry: requeue after failed save", "transactions", len(tids), "error", perr)
		}
		return nil
	}

	s.inst.RetryTasksCreated.Add(ctx, 1)
	s.logger.Info("autoretry: task created", "task_id", task.ID, "transactions", len(tids))
	return &task
}
