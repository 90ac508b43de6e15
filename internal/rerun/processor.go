// Package rerun claims queued rerun tasks and replays their transactions in
// rounds. Any number of processors, in one process or many, may poll the same
// database: the atomic Queued to Processing claim is the only coordination.
package rerun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/meridian-hie/conduit/internal/model"
	"github.com/meridian-hie/conduit/internal/telemetry"
)

const drainPollInterval = 50 * time.Millisecond

// ErrDrainTimeout is returned by Stop when an in-flight round outlives the
// caller's context.
var ErrDrainTimeout = errors.New("rerun: drain timed out")

// Store is the task and transaction persistence the processor needs.
type Store interface {
	ClaimQueuedTask(ctx context.Context) (model.Task, bool, error)
	MarkEntriesProcessing(ctx context.Context, taskID uuid.UUID, positions []int) error
	SaveRound(ctx context.Context, task *model.Task, positions []int) error
	GetTaskStatus(ctx context.Context, id uuid.UUID) (model.TaskStatus, error)
	FinalizeTask(ctx context.Context, id uuid.UUID, status model.TaskStatus, completedAt *time.Time) error
	CountTasksByStatus(ctx context.Context, status model.TaskStatus) (int64, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (model.Transaction, error)
	GetChannel(ctx context.Context, id uuid.UUID) (model.Channel, error)
}

// Waker is implemented by stores that can signal newly queued tasks. The
// processor still polls on its interval when the store offers no wakeups.
type Waker interface {
	WatchQueuedTasks(ctx context.Context) (<-chan struct{}, error)
}

// Replayer sends one transaction back through its channel. *Rerunner is the
// production implementation.
type Replayer interface {
	RerunHTTP(ctx context.Context, taskID uuid.UUID, tx model.Transaction, ch model.Channel) error
	RerunSocket(ctx context.Context, taskID uuid.UUID, tx model.Transaction, ch model.Channel) error
}

// Processor polls for queued tasks and processes one round per claim.
type Processor struct {
	store        Store
	replayer     Replayer
	logger       *slog.Logger
	inst         *telemetry.Instruments
	tracer       trace.Tracer
	pollInterval time.Duration
	now          func() time.Time

	running     atomic.Bool
	inFlight    atomic.Int64
	mu          sync.Mutex
	cancelLoop  context.CancelFunc
	loopDone    chan struct{}
	metricsOnce sync.Once
}

// NewProcessor creates a Processor that polls every pollInterval.
func NewProcessor(store Store, replayer Replayer, logger *slog.Logger, inst *telemetry.Instruments, pollInterval time.Duration) *Processor {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Processor{
		store:        store,
		replayer:     replayer,
		logger:       logger,
		inst:         inst,
		tracer:       telemetry.Tracer("github.com/meridian-hie/conduit/internal/rerun"),
		pollInterval: pollInterval,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Start begins polling. Calling Start on a running processor is a no-op.
func (p *Processor) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Warn("rerun: Start called on a running processor, ignoring")
		return
	}
	p.metricsOnce.Do(p.registerMetrics)

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.mu.Lock()
	p.cancelLoop, p.loopDone = cancel, done
	p.mu.Unlock()

	go p.pollLoop(loopCtx, done)
	p.logger.Info("rerun: processor started", "poll_interval", p.pollInterval)
}

// Stop halts polling at once and then waits until every in-flight round has
// finished. Rounds are never interrupted; if ctx expires first Stop returns
// ErrDrainTimeout and the rounds keep running to completion.
func (p *Processor) Stop(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.mu.Lock()
	cancel, done := p.cancelLoop, p.loopDone
	p.mu.Unlock()
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ErrDrainTimeout
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for p.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ErrDrainTimeout
		case <-ticker.C:
		}
	}
	p.logger.Info("rerun: processor stopped")
	return nil
}

// IsRunning reports whether the processor is polling.
func (p *Processor) IsRunning() bool { return p.running.Load() }

// InFlight returns the number of rounds currently being processed.
func (p *Processor) InFlight() int64 { return p.inFlight.Load() }

func (p *Processor) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var wake <-chan struct{}
	if w, ok := p.store.(Waker); ok {
		ch, err := w.WatchQueuedTasks(ctx)
		if err != nil {
			p.logger.Info("rerun: queued-task notifications unavailable, polling only", "error", err)
		} else {
			wake = ch
		}
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				// Notifications stopped; fall back to the ticker alone.
				wake = nil
				continue
			}
		}
		// Keep claiming while there is work; a round in progress must not be
		// cut short by Stop, so it runs on a context that ignores cancellation.
		for ctx.Err() == nil {
			claimed, err := p.FindAndProcessOneQueuedTask(context.WithoutCancel(ctx))
			if err != nil {
				p.logger.Error("rerun: round failed", "error", err)
			}
			if !claimed {
				break
			}
		}
	}
}

// FindAndProcessOneQueuedTask claims at most one queued task and processes
// one round of it. It reports whether a task was claimed.
func (p *Processor) FindAndProcessOneQueuedTask(ctx context.Context) (bool, error) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	task, ok, err := p.store.ClaimQueuedTask(ctx)
	if err != nil {
		return false, fmt.Errorf("rerun: claim task: %w", err)
	}
	if !ok {
		return false, nil
	}
	return true, p.processRound(ctx, &task)
}

func (p *Processor) processRound(ctx context.Context, task *model.Task) error {
	ctx, span := p.tracer.Start(ctx, "rerun.round", trace.WithAttributes(
		attribute.String("conduit.task.id", task.ID.String()),
		attribute.Int("conduit.task.remaining", task.RemainingTransactions),
	))
	defer span.End()

	positions := task.NextRound()
	if len(positions) > 0 {
		if err := p.replayRound(ctx, task, positions); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.logger.Error("rerun: round abandoned, task left Processing", "task_id", task.ID, "error", err)
			return err
		}
	}

	// Pause and cancel requests only touch the status column; read it back
	// so one that landed mid-round is kept.
	observed, err := p.store.GetTaskStatus(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("rerun: task %s: read status: %w", task.ID, err)
	}
	task.Finalize(observed, p.now())
	if err := p.store.FinalizeTask(ctx, task.ID, task.Status, task.CompletedAt); err != nil {
		return fmt.Errorf("rerun: task %s: %w", task.ID, err)
	}
	span.SetAttributes(attribute.String("conduit.task.status", string(task.Status)))
	p.logger.Info("rerun: round complete",
		"task_id", task.ID, "status", task.Status, "remaining", task.RemainingTransactions, "round", len(positions))
	return nil
}

// replayRound replays the entries at positions concurrently and persists
// their outcomes. Per-entry failures are recorded on the entry.
func (p *Processor) replayRound(ctx context.Context, task *model.Task, positions []int) error {
	if err := p.store.MarkEntriesProcessing(ctx, task.ID, positions); err != nil {
		return fmt.Errorf("rerun: task %s: %w", task.ID, err)
	}

	var (
		mu       sync.Mutex
		g        errgroup.Group
		channels singleflight.Group
	)
	for _, pos := range positions {
		task.Transactions[pos].TStatus = model.EntryStatusProcessing
	}
	for _, pos := range positions {
		tid := task.Transactions[pos].TID
		g.Go(func() error {
			err := p.replay(ctx, task.ID, tid, &channels)

			mu.Lock()
			defer mu.Unlock()
			e := &task.Transactions[pos]
			if err != nil {
				e.TStatus = model.EntryStatusFailed
				e.Error = err.Error()
				p.inst.RerunsFailed.Add(ctx, 1)
				p.logger.Warn("rerun: replay failed", "task_id", task.ID, "transaction_id", tid, "error", err)
			} else {
				e.TStatus = model.EntryStatusCompleted
				e.Error = ""
			}
			if task.RemainingTransactions > 0 {
				task.RemainingTransactions--
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := p.store.SaveRound(ctx, task, positions); err != nil {
		return fmt.Errorf("rerun: task %s: %w", task.ID, err)
	}
	return nil
}

func (p *Processor) replay(ctx context.Context, taskID, tid uuid.UUID, channels *singleflight.Group) error {
	tx, err := p.store.GetTransaction(ctx, tid)
	if err != nil {
		return fmt.Errorf("rerun: load transaction %s: %w", tid, err)
	}
	if !tx.CanRerun {
		return fmt.Errorf("rerun: transaction %s: %w", tid, model.ErrNotReplayable)
	}
	v, err, _ := channels.Do(tx.ChannelID.String(), func() (any, error) {
		return p.store.GetChannel(ctx, tx.ChannelID)
	})
	if err != nil {
		return fmt.Errorf("rerun: load channel %s: %w", tx.ChannelID, err)
	}
	ch := v.(model.Channel)

	p.inst.RerunsDispatched.Add(ctx, 1)
	switch {
	case ch.Type.IsHTTPFamily():
		return p.replayer.RerunHTTP(ctx, taskID, tx, ch)
	case ch.Type.IsSocketFamily():
		return p.replayer.RerunSocket(ctx, taskID, tx, ch)
	default:
		return fmt.Errorf("rerun: channel %s has unsupported type %q: %w", ch.ID, ch.Type, model.ErrValidation)
	}
}

func (p *Processor) registerMetrics() {
	meter := telemetry.Meter("github.com/meridian-hie/conduit/internal/rerun")

	_, _ = meter.Int64ObservableGauge("conduit.tasks.queued",
		metric.WithDescription("Rerun tasks waiting to be claimed"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := p.store.CountTasksByStatus(ctx, model.TaskStatusQueued)
			if err != nil {
				return nil
			}
			o.Observe(n)
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("conduit.rerun.rounds_inflight",
		metric.WithDescription("Rerun rounds being processed by this instance"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.inFlight.Load())
			return nil
		}),
	)
}
