package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-hie/conduit/internal/scheduler"
	"github.com/meridian-hie/conduit/internal/testutil"
)

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := scheduler.New(testutil.TestLogger())
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add("autoretry", "@every 1m", noop))
	require.NoError(t, s.Add("cull", "0 * * * *", noop))
	assert.Error(t, s.Add("autoretry", "@every 5m", noop), "names are unique")
	assert.Error(t, s.Add("broken", "every minute", noop))

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "autoretry", jobs[0].Name)
	assert.Equal(t, "@every 1m", jobs[0].Schedule)
	assert.Equal(t, "cull", jobs[1].Name)
}

func TestJobsRunOnInterval(t *testing.T) {
	t.Parallel()
	s := scheduler.New(testutil.TestLogger())
	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return errors.New("logged, not fatal")
	}))
	s.Start()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	after := runs.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")
}

func TestJobNeverOverlapsItself(t *testing.T) {
	t.Parallel()
	s := scheduler.New(testutil.TestLogger())
	var running, maxRunning, runs atomic.Int32
	require.NoError(t, s.Add("slow", "@every 1s", func(context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		time.Sleep(2500 * time.Millisecond)
		return nil
	}))
	s.Start()

	time.Sleep(4 * time.Second)
	require.NoError(t, s.Stop(context.Background()))
	assert.EqualValues(t, 1, maxRunning.Load())
	assert.GreaterOrEqual(t, runs.Load(), int32(1))
}

func TestStopWaitsForRunningJob(t *testing.T) {
	t.Parallel()
	s := scheduler.New(testutil.TestLogger())
	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, s.Add("cull", "@every 1s", func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
		return nil
	}))
	s.Start()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, finished.Load())
}

func TestStopTimeoutCancelsJobs(t *testing.T) {
	t.Parallel()
	s := scheduler.New(testutil.TestLogger())
	started := make(chan struct{}, 1)
	cancelled := make(chan struct{})
	require.NoError(t, s.Add("stuck", "@every 1s", func(ctx context.Context) error {
		started <- struct{}{}
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))
	s.Start()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("job context was not cancelled")
	}
}

func TestRunNow(t *testing.T) {
	t.Parallel()
	s := scheduler.New(testutil.TestLogger())
	var runs atomic.Int32
	require.NoError(t, s.Add("sweep", "@every 1h", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.RunNow("sweep"))
	assert.EqualValues(t, 1, runs.Load())
	assert.ErrorIs(t, s.RunNow("missing"), scheduler.ErrUnknownJob)
}

func TestStopWaitsForTriggeredJob(t *testing.T) {
	t.Parallel()
	s := scheduler.New(testutil.TestLogger())
	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, s.Add("cull", "@every 1h", func(ctx context.Context) error {
		close(started)
		time.Sleep(300 * time.Millisecond)
		finished.Store(ctx.Err() == nil)
		return nil
	}))
	s.Start()

	require.NoError(t, s.Trigger("cull"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, finished.Load(), "Stop returned before the triggered run finished")

	assert.ErrorIs(t, s.Trigger("cull"), scheduler.ErrStopped)
	assert.ErrorIs(t, s.RunNow("cull"), scheduler.ErrStopped)
}

func TestTriggerUnknownJob(t *testing.T) {
	t.Parallel()
	s := scheduler.New(testutil.TestLogger())
	assert.ErrorIs(t, s.Trigger("missing"), scheduler.ErrUnknownJob)
}
