// Package scheduler runs named background jobs on cron expressions or
// "@every <duration>" intervals. A job never overlaps with itself inside one
// process; cross-process exclusion is the job's own concern.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnknownJob is returned by RunNow and Trigger for a name that was never added.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// ErrStopped is returned by RunNow and Trigger once Stop has been called.
var ErrStopped = errors.New("scheduler: stopped")

// Job is one unit of scheduled work. The context is cancelled only when
// Stop gives up waiting for running jobs.
type Job func(ctx context.Context) error

// JobInfo describes a registered job.
type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitzero"`
}

type entry struct {
	id       cron.EntryID
	schedule string
}

// Scheduler owns a cron runner and the context its jobs run under.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]entry
	stopped bool
	manual  sync.WaitGroup
}

// New creates a stopped Scheduler. Schedules are evaluated in UTC.
func New(logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]entry),
	}
}

// Add registers job under name. spec is a standard five-field cron
// expression or a descriptor such as "@hourly" or "@every 5m".
func (s *Scheduler) Add(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}
	id, err := s.cron.AddFunc(spec, s.wrap(name, job))
	if err != nil {
		return fmt.Errorf("scheduler: job %q: invalid schedule %q: %w", name, spec, err)
	}
	s.jobs[name] = entry{id: id, schedule: spec}
	return nil
}

func (s *Scheduler) wrap(name string, job Job) func() {
	return func() {
		start := time.Now()
		err := job(s.ctx)
		elapsed := time.Since(start)
		if err != nil {
			s.logger.Error("scheduler: job failed", "job", name, "duration", elapsed, "error", err)
			return
		}
		s.logger.Debug("scheduler: job finished", "job", name, "duration", elapsed)
	}
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler: started", "jobs", len(s.Jobs()))
}

// Stop prevents further runs and waits for running jobs to return, including
// runs started by RunNow or Trigger. If ctx expires first, the jobs' context
// is cancelled and ctx's error returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.manual.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		s.logger.Info("scheduler: stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		s.logger.Warn("scheduler: stop timed out, cancelled running jobs")
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

// RunNow runs the named job synchronously through the same overlap guard
// as scheduled runs: if the job is already running, the call is skipped.
func (s *Scheduler) RunNow(name string) error {
	job, err := s.begin(name)
	if err != nil {
		return err
	}
	defer s.manual.Done()
	job.Run()
	return nil
}

// Trigger is RunNow in the background. Stop waits for the run like any
// scheduled one.
func (s *Scheduler) Trigger(name string) error {
	job, err := s.begin(name)
	if err != nil {
		return err
	}
	go func() {
		defer s.manual.Done()
		job.Run()
	}()
	return nil
}

// begin registers a manual run with Stop's wait group. The caller must call
// s.manual.Done when the run returns.
func (s *Scheduler) begin(name string) (cron.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	e, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	s.manual.Add(1)
	return s.cron.Entry(e.id).WrappedJob, nil
}

// Jobs lists registered jobs by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for name, e := range s.jobs {
		ce := s.cron.Entry(e.id)
		out = append(out, JobInfo{Name: name, Schedule: e.schedule, Next: ce.Next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes the cron runner's own logging to slog. Its Info output
// is per-tick chatter, so it is logged at debug.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("scheduler: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("scheduler: "+msg, append(keysAndValues, "error", err)...)
}
