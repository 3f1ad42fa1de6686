package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulse/errors"
	pulsetest "github.com/teranos/pulse/internal/testing"
)

// fastConfig keeps integration tests quick: 10ms tick resolution.
func fastConfig() Config {
	return Config{
		TickInterval:   10 * time.Millisecond,
		MaxConcurrent:  10,
		DefaultTimeout: time.Second,
		RecheckDelay:   10 * time.Millisecond,
	}
}

func TestScheduler_IntervalJobRunsRepeatedly(t *testing.T) {
	s := New(fastConfig(), nil, nil)
	defer s.Stop()

	var runs atomic.Int32
	cfg := NewJobConfig("ticker", "interval job", func(ctx context.Context, ec ExecutionContext) error {
		runs.Add(1)
		return nil
	}, Every(30*time.Millisecond))
	require.NoError(t, s.Register(cfg))

	s.Start()

	assert.Eventually(t, func() bool {
		return runs.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond)

	job, ok := s.GetJob("ticker")
	require.True(t, ok)
	assert.GreaterOrEqual(t, job.SuccessCount, 3)
	assert.Equal(t, job.ExecutionCount, job.SuccessCount)
	require.NotNil(t, job.NextRunAt, "recurring job stays scheduled")
}

func TestScheduler_GlobalConcurrencyCap(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrent = 2
	s := New(cfg, nil, nil)
	defer s.Stop()

	var current, peak, done atomic.Int32
	handler := func(ctx context.Context, ec ExecutionContext) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		current.Add(-1)
		done.Add(1)
		return nil
	}

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.Register(NewJobConfig(id, "slow "+id, handler, Immediately())))
	}

	s.Start()

	assert.Eventually(t, func() bool {
		return done.Load() == 5
	}, 3*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2), "admission must respect the global cap")
}

func TestScheduler_PriorityOrdering(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	s := New(cfg, nil, nil)
	defer s.Stop()

	var mu sync.Mutex
	var order []string
	handler := func(ctx context.Context, ec ExecutionContext) error {
		mu.Lock()
		order = append(order, ec.JobID)
		mu.Unlock()
		return nil
	}

	low := NewJobConfig("low", "low priority", handler, Immediately())
	low.Priority = PriorityLow
	critical := NewJobConfig("critical", "critical priority", handler, Immediately())
	critical.Priority = PriorityCritical

	// Registered low first; admission must still order by weight
	require.NoError(t, s.Register(low))
	require.NoError(t, s.Register(critical))

	s.Start()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"critical", "low"}, order)
}

func TestScheduler_RetryExhaustionIsOneExecution(t *testing.T) {
	s := New(fastConfig(), nil, nil)
	defer s.Stop()

	var attempts atomic.Int32
	cfg := NewJobConfig("flaky", "always fails", func(ctx context.Context, ec ExecutionContext) error {
		attempts.Add(1)
		return errors.New("persistent failure")
	}, Immediately())
	cfg.Retry = RetryPolicy{Strategy: RetryFixed, MaxAttempts: 3, InitialDelay: 5 * time.Millisecond}
	require.NoError(t, s.Register(cfg))

	var retryEvents atomic.Int32
	s.On(EventRetrying, func(Event) { retryEvents.Add(1) })

	s.Start()

	assert.Eventually(t, func() bool {
		job, _ := s.GetJob("flaky")
		return job.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	job, _ := s.GetJob("flaky")
	assert.Equal(t, int32(3), attempts.Load(), "all attempts consumed")
	assert.Equal(t, 1, job.ExecutionCount, "one logical execution")
	assert.Equal(t, 1, job.FailureCount)
	assert.Equal(t, 0, job.SuccessCount)
	require.NotNil(t, job.LastResult)
	assert.Equal(t, 3, job.LastResult.Attempts)
	assert.Contains(t, job.LastResult.Error, "persistent failure")
	assert.Equal(t, int32(2), retryEvents.Load(), "retrying fires between attempts only")
}

func TestScheduler_RetrySucceedsMidway(t *testing.T) {
	s := New(fastConfig(), nil, nil)
	defer s.Stop()

	var attempts atomic.Int32
	cfg := NewJobConfig("recovers", "fails once", func(ctx context.Context, ec ExecutionContext) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}, Immediately())
	cfg.Retry = RetryPolicy{Strategy: RetryFixed, MaxAttempts: 3, InitialDelay: 5 * time.Millisecond}
	require.NoError(t, s.Register(cfg))

	s.Start()

	assert.Eventually(t, func() bool {
		job, _ := s.GetJob("recovers")
		return job.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	job, _ := s.GetJob("recovers")
	assert.Equal(t, 1, job.SuccessCount)
	assert.Equal(t, 0, job.FailureCount)
	require.NotNil(t, job.LastResult)
	assert.Equal(t, 2, job.LastResult.Attempts)
}

func TestScheduler_ExecuteNow(t *testing.T) {
	s := New(fastConfig(), nil, nil)
	defer s.Stop()

	var ran atomic.Bool
	// Far-future schedule: only ExecuteNow can trigger it
	cfg := NewJobConfig("manual", "manual job", func(ctx context.Context, ec ExecutionContext) error {
		ran.Store(true)
		return nil
	}, Once(time.Now().Add(24*time.Hour)))
	require.NoError(t, s.Register(cfg))

	result, err := s.ExecuteNow("manual")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.True(t, ran.Load())

	job, _ := s.GetJob("manual")
	assert.Equal(t, 1, job.ExecutionCount)

	_, err = s.ExecuteNow("no-such-job")
	assert.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestScheduler_CancelRunningJob(t *testing.T) {
	s := New(fastConfig(), nil, nil)
	defer s.Stop()

	started := make(chan struct{})
	cfg := NewJobConfig("long", "long running", func(ctx context.Context, ec ExecutionContext) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Immediately())
	require.NoError(t, s.Register(cfg))

	s.Start()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	assert.True(t, s.Cancel("long"))

	assert.Eventually(t, func() bool {
		job, _ := s.GetJob("long")
		return job.Status == StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	// Explicit cancel is terminal: no follow-up run
	job, _ := s.GetJob("long")
	assert.Nil(t, job.NextRunAt)
	assert.False(t, s.Cancel("long"), "cancelling a settled job fails")
}

func TestScheduler_TimeoutFailsExecution(t *testing.T) {
	s := New(fastConfig(), nil, nil)
	defer s.Stop()

	cfg := NewJobConfig("slow", "exceeds timeout", func(ctx context.Context, ec ExecutionContext) error {
		<-ctx.Done()
		return ctx.Err()
	}, Immediately())
	cfg.Timeout = 30 * time.Millisecond
	require.NoError(t, s.Register(cfg))

	s.Start()

	assert.Eventually(t, func() bool {
		job, _ := s.GetJob("slow")
		return job.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	job, _ := s.GetJob("slow")
	assert.Equal(t, 1, job.FailureCount)
	require.NotNil(t, job.LastResult)
	assert.Equal(t, 1, job.LastResult.Attempts, "timeout consumes the attempt")
}

func TestScheduler_PanickingHandlerIsContained(t *testing.T) {
	s := New(fastConfig(), nil, nil)
	defer s.Stop()

	cfg := NewJobConfig("bomb", "panics", func(ctx context.Context, ec ExecutionContext) error {
		panic("handler bug")
	}, Immediately())
	require.NoError(t, s.Register(cfg))

	s.Start()

	assert.Eventually(t, func() bool {
		job, _ := s.GetJob("bomb")
		return job.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	job, _ := s.GetJob("bomb")
	require.NotNil(t, job.LastResult)
	assert.Contains(t, job.LastResult.Error, "handler panicked")
	assert.True(t, s.IsRunning(), "scheduler survives handler panics")
}

func TestScheduler_ShutdownRequeuesRunningJob(t *testing.T) {
	s := New(fastConfig(), nil, nil)

	started := make(chan struct{})
	cfg := NewJobConfig("interrupted", "runs across shutdown", func(ctx context.Context, ec ExecutionContext) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Immediately())
	require.NoError(t, s.Register(cfg))

	s.Start()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	s.Stop()

	// Shutdown cancellation leaves the run claimable: pending with an
	// immediate next run, so a restart re-executes it (at-least-once)
	job, _ := s.GetJob("interrupted")
	assert.Equal(t, StatusPending, job.Status)
	require.NotNil(t, job.NextRunAt)
	assert.False(t, job.NextRunAt.After(time.Now()))
}

func TestScheduler_Restartable(t *testing.T) {
	s := New(fastConfig(), nil, nil)
	defer s.Stop()

	var runs atomic.Int32
	cfg := NewJobConfig("phoenix", "restarts", func(ctx context.Context, ec ExecutionContext) error {
		runs.Add(1)
		return nil
	}, Every(20*time.Millisecond))
	require.NoError(t, s.Register(cfg))

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
	settled := runs.Load()

	s.Start()
	assert.True(t, s.IsRunning())
	assert.Eventually(t, func() bool {
		return runs.Load() > settled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	s := New(fastConfig(), nil, nil)

	s.Start()
	s.Start() // second start is a no-op
	assert.True(t, s.IsRunning())

	s.Stop()
	s.Stop() // second stop is a no-op
	assert.False(t, s.IsRunning())
}

func TestScheduler_StopContextAbandonsUncooperativeHandler(t *testing.T) {
	s := New(fastConfig(), nil, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	cfg := NewJobConfig("stubborn", "ignores cancellation", func(ctx context.Context, ec ExecutionContext) error {
		close(started)
		<-release // deliberately ignores ctx
		return nil
	}, Immediately())
	require.NoError(t, s.Register(cfg))

	s.Start()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	// The execution settles as soon as cancellation is observed; the
	// stuck handler goroutine is abandoned, so shutdown stays prompt.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.StopContext(ctx))
	assert.False(t, s.IsRunning())

	job, _ := s.GetJob("stubborn")
	assert.Equal(t, StatusPending, job.Status, "shutdown requeues the interrupted run")

	close(release)
}

func TestScheduler_Events(t *testing.T) {
	s := New(fastConfig(), nil, nil)
	defer s.Stop()

	var mu sync.Mutex
	var seen []EventType
	s.OnAny(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	cfg := NewJobConfig("observed", "emits events", noopHandler, Immediately())
	require.NoError(t, s.Register(cfg))

	s.Start()

	assert.Eventually(t, func() bool {
		job, _ := s.GetJob("observed")
		return job.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	s.Unregister("observed")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, EventRegistered)
	assert.Contains(t, seen, EventSchedulerStarted)
	assert.Contains(t, seen, EventStarted)
	assert.Contains(t, seen, EventCompleted)
	assert.Contains(t, seen, EventUnregistered)
}

func TestScheduler_StatsAndHealth(t *testing.T) {
	s := New(fastConfig(), nil, nil)
	defer s.Stop()

	require.NoError(t, s.Register(NewJobConfig("ok", "succeeds", noopHandler, Immediately())))
	require.NoError(t, s.Register(NewJobConfig("bad", "fails", func(ctx context.Context, ec ExecutionContext) error {
		return errors.New("nope")
	}, Immediately())))

	s.Start()

	assert.Eventually(t, func() bool {
		st := s.Stats()
		return st.TotalExecutions >= 2
	}, 2*time.Second, 10*time.Millisecond)

	st := s.Stats()
	assert.Equal(t, 2, st.TotalJobs)
	assert.Equal(t, 1, st.TotalSuccesses)
	assert.Equal(t, 1, st.TotalFailures)
	assert.InDelta(t, 0.5, st.SuccessRate, 0.001)
	assert.Equal(t, HealthDegraded, st.Health)
	assert.Greater(t, st.Uptime, time.Duration(0))
}

func TestScheduler_StatsEmpty(t *testing.T) {
	s := New(fastConfig(), nil, nil)

	st := s.Stats()
	assert.Equal(t, 0, st.TotalJobs)
	assert.Equal(t, 1.0, st.SuccessRate, "no settled runs counts as fully successful")
	assert.Equal(t, HealthHealthy, st.Health)
	assert.Equal(t, time.Duration(0), st.Uptime)
}

func TestScheduler_PersistenceRoundTrip(t *testing.T) {
	database := pulsetest.CreateTestDB(t)
	store := NewStore(database)

	s := New(fastConfig(), store, nil)
	require.NoError(t, s.Register(NewJobConfig("durable", "persisted job", noopHandler, Immediately())))

	s.Start()
	assert.Eventually(t, func() bool {
		job, _ := s.GetJob("durable")
		return job.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	// Projection reflects the settled state
	rec, err := store.GetJob("durable")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 1, rec.ExecutionCount)

	// Execution history was appended
	executions, err := store.ListExecutions("durable", 10)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, StatusCompleted, executions[0].Status)

	// A second scheduler restores the metadata; the job runs again only
	// after re-registration attaches a live handler
	s2 := New(fastConfig(), NewStore(database), nil)
	records, err := s2.RestoreMetadata()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "durable", records[0].ID)

	_, ok := s2.GetJob("durable")
	assert.False(t, ok, "restored metadata is not a registered job")
}

func TestScheduler_RestoreRecoversOrphans(t *testing.T) {
	database := pulsetest.CreateTestDB(t)
	store := NewStore(database)

	// Simulate a crash: a projection stuck in running
	job := testRegisteredJob("orphan")
	job.Status = StatusRunning
	require.NoError(t, store.SaveJob(job))

	s := New(fastConfig(), NewStore(database), nil)
	records, err := s.RestoreMetadata()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StatusPending, records[0].Status)
}

func TestScheduler_Destroy(t *testing.T) {
	s := New(fastConfig(), nil, nil)

	require.NoError(t, s.Register(NewJobConfig("a", "a", noopHandler, Every(time.Hour))))
	require.NoError(t, s.Register(NewJobConfig("b", "b", noopHandler, Every(time.Hour))))

	s.Start()
	s.Destroy()

	assert.False(t, s.IsRunning())
	assert.Empty(t, s.ListJobs(nil))
}

func TestScheduler_ListJobsFilter(t *testing.T) {
	s := New(fastConfig(), nil, nil)

	require.NoError(t, s.Register(NewJobConfig("a", "a", noopHandler, Every(time.Hour))))
	require.NoError(t, s.Register(NewJobConfig("b", "b", noopHandler, Every(time.Hour))))
	require.True(t, s.Pause("b"))

	assert.Len(t, s.ListJobs(nil), 2)

	pending := StatusPending
	assert.Len(t, s.ListJobs(&pending), 1)

	paused := StatusPaused
	filtered := s.ListJobs(&paused)
	require.Len(t, filtered, 1)
	assert.Equal(t, "b", filtered[0].Config.ID)
}

func TestScheduler_ReregisterRevivesFailedJob(t *testing.T) {
	s := New(fastConfig(), nil, nil)
	defer s.Stop()

	fail := NewJobConfig("revive", "always fails", func(ctx context.Context, ec ExecutionContext) error {
		return errors.New("boom")
	}, Immediately())
	require.NoError(t, s.Register(fail))

	s.Start()

	assert.Eventually(t, func() bool {
		job, ok := s.GetJob("revive")
		return ok && job.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	// Re-registering the same ID with a working handler must make the
	// dispatcher pick it up again.
	var runs atomic.Int32
	fixed := NewJobConfig("revive", "fixed handler", func(ctx context.Context, ec ExecutionContext) error {
		runs.Add(1)
		return nil
	}, Every(20*time.Millisecond))
	require.NoError(t, s.Register(fixed))

	assert.Eventually(t, func() bool {
		return runs.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	job, ok := s.GetJob("revive")
	require.True(t, ok)
	assert.GreaterOrEqual(t, job.SuccessCount, 1)
	assert.Equal(t, 1, job.FailureCount)
}

func TestScheduler_PerJobCapDefersScheduledRun(t *testing.T) {
	s := New(fastConfig(), nil, nil)
	defer s.Stop()

	release := make(chan struct{})
	var runs atomic.Int32
	cfg := NewJobConfig("capped", "single slot", func(ctx context.Context, ec ExecutionContext) error {
		runs.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, Every(20*time.Millisecond))
	require.NoError(t, s.Register(cfg))

	s.Start()

	assert.Eventually(t, func() bool {
		return runs.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Land the job back in pending while its only slot is still held,
	// so the next due run meets a saturated cap.
	require.True(t, s.Pause("capped"))
	require.True(t, s.Resume("capped"))
	job, ok := s.GetJob("capped")
	require.True(t, ok)
	require.NotNil(t, job.NextRunAt)
	baseline := *job.NextRunAt

	// The due run is pushed back by the recheck delay, not dropped.
	assert.Eventually(t, func() bool {
		j, ok := s.GetJob("capped")
		return ok && j.NextRunAt != nil && j.NextRunAt.After(baseline)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "no second run while the slot is held")

	close(release)
	assert.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_RestartConcurrentExecuteNow(t *testing.T) {
	s := New(fastConfig(), nil, nil)

	var runs atomic.Int32
	cfg := NewJobConfig("adhoc", "manual job", func(ctx context.Context, ec ExecutionContext) error {
		runs.Add(1)
		return nil
	}, Once(time.Now().Add(time.Hour)))
	require.NoError(t, s.Register(cfg))

	s.Start()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = s.ExecuteNow("adhoc")
			}
		}()
	}

	// Restart while manual executions are in flight; the pipeline must
	// see a consistent lifecycle context throughout.
	s.Stop()
	s.Start()
	wg.Wait()
	s.Stop()

	assert.False(t, s.IsRunning())
	assert.Eventually(t, func() bool {
		return runs.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}
