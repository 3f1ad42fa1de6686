package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulse/errors"
)

// Defaults for Config fields left zero.
const (
	DefaultTickInterval  = 1 * time.Second
	DefaultMaxConcurrent = 10
	DefaultTimeout       = 30 * time.Second
	DefaultRecheckDelay  = 500 * time.Millisecond
)

// Config contains scheduler tuning knobs.
type Config struct {
	// TickInterval is the dispatcher polling period (default: 1s).
	// Scheduling precision is bounded by it; sub-second precision is a
	// non-goal.
	TickInterval time.Duration `json:"tick_interval"`
	// MaxConcurrent is the global cap on in-flight executions,
	// enforced by the dispatcher's admission check each tick.
	MaxConcurrent int `json:"max_concurrent"`
	// DefaultTimeout applies to jobs without their own timeout.
	DefaultTimeout time.Duration `json:"default_timeout"`
	// RecheckDelay re-queues a job whose per-job cap is saturated.
	RecheckDelay time.Duration `json:"recheck_delay"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:   DefaultTickInterval,
		MaxConcurrent:  DefaultMaxConcurrent,
		DefaultTimeout: DefaultTimeout,
		RecheckDelay:   DefaultRecheckDelay,
	}
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.RecheckDelay <= 0 {
		c.RecheckDelay = DefaultRecheckDelay
	}
}

// Scheduler is an explicit instance owning its registry, event bus and
// store. There is no package-level singleton, so tests can run several
// schedulers side by side.
type Scheduler struct {
	cfg      Config
	registry *registry
	bus      *Bus
	store    *Store // nil disables persistence
	log      *zap.SugaredLogger

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	running   bool
	startedAt time.Time

	timeNow func() time.Time
}

// New creates a scheduler with a background parent context.
func New(cfg Config, store *Store, log *zap.SugaredLogger) *Scheduler {
	return NewWithContext(context.Background(), cfg, store, log)
}

// NewWithContext creates a scheduler whose lifetime is bounded by the
// parent context. store may be nil for in-memory operation.
func NewWithContext(parent context.Context, cfg Config, store *Store, log *zap.SugaredLogger) *Scheduler {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("pulse")

	ctx, cancel := context.WithCancel(parent)
	bus := NewBus(log)
	s := &Scheduler{
		cfg:       cfg,
		bus:       bus,
		store:     store,
		log:       log,
		parentCtx: parent,
		ctx:       ctx,
		cancel:    cancel,
		timeNow:   time.Now,
	}
	s.registry = newRegistry(storeOrNil(store), bus, log, func() time.Time { return s.timeNow() })
	return s
}

// baseCtx returns the current lifecycle context. Start rewrites the
// field on restart, so concurrent readers (the pipeline, ExecuteNow)
// must go through the lock.
func (s *Scheduler) baseCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// storeOrNil avoids storing a typed-nil *Store inside the persister
// interface.
func storeOrNil(s *Store) persister {
	if s == nil {
		return nil
	}
	return s
}

// Register adds a job. Idempotent by ID: re-registering replaces the
// config (and reattaches the handler to restored metadata) without
// duplicating the entry.
func (s *Scheduler) Register(cfg JobConfig) error {
	return s.registry.register(cfg)
}

// Unregister removes a job, cancelling its current run if any.
func (s *Scheduler) Unregister(id string) bool { return s.registry.unregister(id) }

// Pause holds a pending or running job until Resume.
func (s *Scheduler) Pause(id string) bool { return s.registry.pause(id) }

// Resume returns a paused job to pending, recomputing its next run from now.
func (s *Scheduler) Resume(id string) bool { return s.registry.resume(id) }

// Cancel requests cooperative cancellation of a running job.
func (s *Scheduler) Cancel(id string) bool { return s.registry.cancelRunning(id) }

// GetJob returns a snapshot of one job.
func (s *Scheduler) GetJob(id string) (RegisteredJob, bool) { return s.registry.get(id) }

// ListJobs returns snapshots of all jobs, optionally filtered by status.
func (s *Scheduler) ListJobs(filter *Status) []RegisteredJob { return s.registry.list(filter) }

// On subscribes to one lifecycle event type; the returned function
// unsubscribes.
func (s *Scheduler) On(t EventType, fn Listener) func() { return s.bus.On(t, fn) }

// OnAny subscribes to every lifecycle event.
func (s *Scheduler) OnAny(fn Listener) func() { return s.bus.OnAny(fn) }

// ExecuteNow runs a job immediately, bypassing its schedule but going
// through the same retry/timeout pipeline. Blocks until the execution
// settles.
func (s *Scheduler) ExecuteNow(id string) (*ExecutionResult, error) {
	job, err := s.registry.beginExecution(id)
	if err != nil {
		return nil, err
	}
	return s.execute(job, s.timeNow()), nil
}

// Start begins the dispatcher tick loop. Restartable after Stop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	// recreate the context after a previous Stop
	select {
	case <-s.ctx.Done():
		s.ctx, s.cancel = context.WithCancel(s.parentCtx)
	default:
	}
	s.running = true
	s.startedAt = s.timeNow()
	s.mu.Unlock()

	if warning := s.checkMemoryPressure(); warning != "" {
		s.log.Warnw("memory pressure warning", "warning", warning, "max_concurrent", s.cfg.MaxConcurrent)
	}

	s.wg.Add(1)
	go s.run()

	s.bus.Emit(Event{Type: EventSchedulerStarted})
	s.log.Infow("scheduler started",
		"tick_interval", s.cfg.TickInterval,
		"max_concurrent", s.cfg.MaxConcurrent)
}

// Stop halts the tick loop, requests cancellation of in-flight jobs and
// waits for them to settle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.bus.Emit(Event{Type: EventSchedulerStopped})
	s.log.Infow("scheduler stopped")
}

// StopContext stops with a deadline. In-flight handlers keep
// checkpointing in the background if the deadline expires; bookkeeping
// is already settled either way.
func (s *Scheduler) StopContext(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.bus.Emit(Event{Type: EventSchedulerStopped})
		s.log.Infow("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warnw("scheduler stop deadline exceeded, executions may still be unwinding")
		return ctx.Err()
	}
}

// Destroy stops the scheduler and drops every registered job.
func (s *Scheduler) Destroy() {
	s.Stop()
	for _, job := range s.registry.list(nil) {
		s.registry.unregister(job.Config.ID)
	}
}

// IsRunning reports whether the tick loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RestoreMetadata lists job projections persisted by a previous process.
// Restored entries are informational until the host re-registers the
// same ID with a live handler; handlers never cross the durability
// boundary. Rows still marked running from a crash are flagged back to
// pending in the store.
func (s *Scheduler) RestoreMetadata() ([]JobRecord, error) {
	if s.store == nil {
		return nil, nil
	}
	recovered, err := s.store.RecoverOrphans()
	if err != nil {
		return nil, errors.Wrap(err, "failed to recover orphaned jobs")
	}
	if recovered > 0 {
		s.log.Infow("recovered orphaned jobs from previous run", "count", recovered)
	}
	return s.store.ListJobs()
}

// Health classifies scheduler state for external monitors.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// SchedulerStats aggregates registry counters for monitoring.
type SchedulerStats struct {
	TotalJobs       int            `json:"total_jobs"`
	ByStatus        map[Status]int `json:"by_status"`
	RunningJobs     int            `json:"running_jobs"`
	TotalExecutions int            `json:"total_executions"`
	TotalSuccesses  int            `json:"total_successes"`
	TotalFailures   int            `json:"total_failures"`
	SuccessRate     float64        `json:"success_rate"`
	AvgDurationMs   float64        `json:"avg_duration_ms"`
	Uptime          time.Duration  `json:"uptime"`
	Health          Health         `json:"health"`
	Memory          *MemoryStats   `json:"memory,omitempty"`
}

// Stats aggregates per-status counts, success rate, mean duration,
// uptime and the health classification.
func (s *Scheduler) Stats() SchedulerStats {
	jobs := s.registry.list(nil)

	stats := SchedulerStats{
		TotalJobs: len(jobs),
		ByStatus:  make(map[Status]int),
	}
	var durWeight float64
	for _, job := range jobs {
		stats.ByStatus[job.Status]++
		stats.TotalExecutions += job.ExecutionCount
		stats.TotalSuccesses += job.SuccessCount
		stats.TotalFailures += job.FailureCount
		durWeight += job.AverageDurationMs * float64(job.ExecutionCount)
	}
	stats.RunningJobs = stats.ByStatus[StatusRunning]

	if settled := stats.TotalSuccesses + stats.TotalFailures; settled > 0 {
		stats.SuccessRate = float64(stats.TotalSuccesses) / float64(settled)
	} else {
		stats.SuccessRate = 1
	}
	if stats.TotalExecutions > 0 {
		stats.AvgDurationMs = durWeight / float64(stats.TotalExecutions)
	}

	s.mu.Lock()
	if s.running {
		stats.Uptime = s.timeNow().Sub(s.startedAt)
	}
	s.mu.Unlock()

	stats.Health = classifyHealth(stats)
	if mem, err := readMemoryStats(); err == nil {
		stats.Memory = mem
	}
	return stats
}

// classifyHealth applies the monitor contract: healthy needs a success
// rate of at least 0.9 with at most half the jobs running, degraded
// needs at least 0.5. Failures outnumbering successes is always
// unhealthy.
func classifyHealth(st SchedulerStats) Health {
	if st.TotalFailures > st.TotalSuccesses {
		return HealthUnhealthy
	}
	switch {
	case st.SuccessRate >= 0.9 && (st.TotalJobs == 0 || st.RunningJobs*2 <= st.TotalJobs):
		return HealthHealthy
	case st.SuccessRate >= 0.5:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}
