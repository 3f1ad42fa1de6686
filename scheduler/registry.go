package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulse/errors"
)

// persister is the slice of the store the registry needs. nil disables
// persistence entirely (tests, in-memory setups).
type persister interface {
	SaveJob(j RegisteredJob) error
	DeleteJob(id string) error
}

// registry owns the authoritative job table. All mutation goes through
// its methods under one mutex; the Dispatcher and Pipeline never touch a
// RegisteredJob directly. Persistence failures are logged and swallowed:
// durability is best-effort and must never abort execution.
type registry struct {
	mu      sync.Mutex
	jobs    map[string]*RegisteredJob
	store   persister
	bus     *Bus
	log     *zap.SugaredLogger
	timeNow func() time.Time
}

func newRegistry(store persister, bus *Bus, log *zap.SugaredLogger, timeNow func() time.Time) *registry {
	return &registry{
		jobs:    make(map[string]*RegisteredJob),
		store:   store,
		bus:     bus,
		log:     log,
		timeNow: timeNow,
	}
}

// register adds a job or, for an existing ID, replaces its config while
// keeping the runtime counters. Registration is how a host reattaches a
// handler to metadata restored from the store.
func (r *registry) register(cfg JobConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeNow()
	if existing, ok := r.jobs[cfg.ID]; ok {
		r.log.Warnw("job already registered, replacing config",
			"job_id", cfg.ID,
			"name", cfg.Name)
		cfg.CreatedAt = existing.Config.CreatedAt
		cfg.UpdatedAt = now
		existing.Config = cfg
		if existing.Status != StatusRunning && existing.Status != StatusPaused {
			// A terminal job becomes schedulable again under its new
			// config, and the old run history must not suppress the
			// replacement schedule.
			r.setStatus(existing, StatusPending)
			existing.LastRunAt = nil
			r.reschedule(existing, now)
		}
		r.persist(existing)
		r.bus.Emit(Event{Type: EventRegistered, JobID: cfg.ID, JobName: cfg.Name, At: now})
		return nil
	}

	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	job := &RegisteredJob{
		Config:             cfg,
		Status:             StatusPending,
		LastStatusChangeAt: now,
	}
	r.reschedule(job, now)

	r.jobs[cfg.ID] = job
	r.persist(job)
	r.bus.Emit(Event{Type: EventRegistered, JobID: cfg.ID, JobName: cfg.Name, At: now})

	r.log.Infow("job registered",
		"job_id", cfg.ID,
		"name", cfg.Name,
		"schedule", cfg.Schedule.Kind,
		"priority", cfg.Priority,
		"next_run_at", job.NextRunAt)
	return nil
}

// reschedule recomputes NextRunAt from the schedule. A schedule that
// never fires again leaves NextRunAt nil (dead-instant).
func (r *registry) reschedule(j *RegisteredJob, now time.Time) {
	if next, ok := j.Config.Schedule.NextRun(now, j.LastRunAt); ok {
		j.NextRunAt = &next
	} else {
		j.NextRunAt = nil
	}
}

func (r *registry) unregister(id string) bool {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if ok {
		if job.cancel != nil {
			job.cancel()
		}
		delete(r.jobs, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if r.store != nil {
		if err := r.store.DeleteJob(id); err != nil {
			r.log.Warnw("failed to delete persisted job", "job_id", id, "error", err)
		}
	}
	r.bus.Emit(Event{Type: EventUnregistered, JobID: id, At: r.timeNow()})
	return true
}

// pause holds a pending or running job. A running execution is not
// interrupted; its settlement sees the paused status and leaves it alone.
func (r *registry) pause(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || (job.Status != StatusPending && job.Status != StatusRunning) {
		return false
	}
	r.setStatus(job, StatusPaused)
	job.NextRunAt = nil
	r.persist(job)
	r.bus.Emit(Event{Type: EventPaused, JobID: id, JobName: job.Config.Name, At: r.timeNow()})
	return true
}

// resume returns a paused job to pending with NextRunAt recomputed from now.
func (r *registry) resume(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status != StatusPaused {
		return false
	}
	now := r.timeNow()
	r.setStatus(job, StatusPending)
	r.reschedule(job, now)
	r.persist(job)
	r.bus.Emit(Event{Type: EventResumed, JobID: id, JobName: job.Config.Name, At: now})
	return true
}

// cancelRunning requests cooperative cancellation of the job's current
// execution. Only meaningful while running.
func (r *registry) cancelRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status != StatusRunning || job.cancel == nil {
		return false
	}
	job.cancel()
	return true
}

func (r *registry) get(id string) (RegisteredJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return RegisteredJob{}, false
	}
	return job.snapshot(), true
}

// list returns snapshots, optionally filtered by status.
func (r *registry) list(filter *Status) []RegisteredJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RegisteredJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		if filter != nil && job.Status != *filter {
			continue
		}
		out = append(out, job.snapshot())
	}
	return out
}

// beginExecution marks a job running for one execution. Used by
// ExecuteNow; the dispatcher admits through admitDue instead.
func (r *registry) beginExecution(id string) (RegisteredJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return RegisteredJob{}, errors.Wrapf(errors.ErrNotFound, "job %q", id)
	}
	if job.inFlight >= job.Config.maxConcurrent() {
		return RegisteredJob{}, errors.Newf("job %q is already at its concurrency cap", id)
	}
	job.inFlight++
	r.setStatus(job, StatusRunning)
	r.persist(job)
	return job.snapshot(), nil
}

// attachCancel stores the cancellation hook for the job's current run.
func (r *registry) attachCancel(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job, ok := r.jobs[id]; ok {
		job.cancel = cancel
	}
}

// recordResult settles one logical execution: counters, running average,
// last result, and the follow-up status. next is nil for terminal jobs.
func (r *registry) recordResult(id string, res ExecutionResult, next *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return // unregistered mid-flight
	}

	job.inFlight--
	if job.inFlight < 0 {
		job.inFlight = 0
	}
	job.cancel = nil

	durMs := float64(res.Duration.Milliseconds())
	job.AverageDurationMs = (job.AverageDurationMs*float64(job.ExecutionCount) + durMs) / float64(job.ExecutionCount+1)
	job.ExecutionCount++
	switch res.Status {
	case StatusCompleted:
		job.SuccessCount++
	case StatusFailed:
		job.FailureCount++
	}

	job.LastResult = &res
	started := res.StartedAt
	job.LastRunAt = &started

	// A pause issued while the job was running wins over rescheduling.
	if job.Status == StatusPaused {
		job.NextRunAt = nil
		r.persist(job)
		return
	}

	job.NextRunAt = next
	if next != nil {
		r.setStatus(job, StatusPending)
	} else {
		r.setStatus(job, res.Status)
	}
	r.persist(job)
}

func (r *registry) setStatus(j *RegisteredJob, s Status) {
	if j.Status != s {
		j.Status = s
		j.LastStatusChangeAt = r.timeNow()
	}
}

// runningCount is the number of in-flight executions across all jobs.
func (r *registry) runningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningCountLocked()
}

func (r *registry) runningCountLocked() int {
	n := 0
	for _, job := range r.jobs {
		n += job.inFlight
	}
	return n
}

// persist writes the metadata projection; errors are logged, never
// propagated.
func (r *registry) persist(j *RegisteredJob) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveJob(j.snapshot()); err != nil {
		r.log.Warnw("failed to persist job state",
			"job_id", j.Config.ID,
			"status", j.Status,
			"error", err)
	}
}
