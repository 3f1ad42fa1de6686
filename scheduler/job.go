// Package scheduler provides a process-local background job scheduler:
// named jobs with once/interval/cron/immediate schedules, priority-aware
// dispatch under a global concurrency cap, retries with backoff, typed
// lifecycle events, and metadata persistence.
package scheduler

import (
	"context"
	"time"

	"github.com/teranos/pulse/errors"
)

// Status represents the current state of a registered job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders admission when more jobs are due than the concurrency
// budget allows. Higher weight is admitted first.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// Weight returns the numeric admission weight for the priority.
// Unknown priorities sort with normal.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 75
	case PriorityNormal:
		return 50
	case PriorityLow:
		return 25
	case PriorityBackground:
		return 10
	default:
		return 50
	}
}

// Handler is the unit of work a job executes. Handlers MUST check
// ctx.Done() periodically and unwind promptly when cancelled: the
// pipeline's timeout and explicit Cancel only request cancellation,
// they never forcibly stop a handler.
type Handler func(ctx context.Context, ec ExecutionContext) error

// ExecutionContext carries per-attempt information into a handler.
// A fresh context is built for every attempt.
type ExecutionContext struct {
	JobID        string            `json:"job_id"`
	JobName      string            `json:"job_name"`
	ScheduledFor time.Time         `json:"scheduled_for"` // instant the run was due
	StartedAt    time.Time         `json:"started_at"`    // instant the attempt actually started
	Attempt      int               `json:"attempt"`       // 1-based
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ExecutionResult records the terminal outcome of one logical execution
// (all attempts included).
type ExecutionResult struct {
	ExecutionID string        `json:"execution_id"`
	JobID       string        `json:"job_id"`
	Status      Status        `json:"status"` // completed, failed or cancelled
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Attempts    int           `json:"attempts"`
	Error       string        `json:"error,omitempty"`
}

// JobConfig describes a job at registration time. The Handler is never
// persisted; everything else round-trips through the store.
type JobConfig struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Handler  Handler           `json:"-"`
	Schedule Schedule          `json:"schedule"`
	Priority Priority          `json:"priority"`
	Retry    RetryPolicy       `json:"retry"`
	Timeout  time.Duration     `json:"timeout"`
	// MaxConcurrent caps in-flight executions of this job. Zero means 1.
	// Overlap happens when ExecuteNow races a scheduled run.
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
	Enabled       bool              `json:"enabled"`
	Tags          map[string]string `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewJobConfig builds a config with defaults: normal priority, no
// retries, 30s timeout, enabled.
func NewJobConfig(id, name string, handler Handler, schedule Schedule) JobConfig {
	now := time.Now()
	return JobConfig{
		ID:        id,
		Name:      name,
		Handler:   handler,
		Schedule:  schedule,
		Priority:  PriorityNormal,
		Retry:     DefaultRetryPolicy(),
		Timeout:   DefaultTimeout,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks a config at registration time. Configuration problems
// are surfaced synchronously here, never swallowed into the dispatch loop.
func (c *JobConfig) Validate() error {
	if c.ID == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "job id is required")
	}
	if c.Handler == nil {
		return errors.Wrapf(errors.ErrInvalidConfig, "job %q has no handler", c.ID)
	}
	if err := c.Schedule.Validate(); err != nil {
		return errors.Wrapf(err, "job %q schedule", c.ID)
	}
	if err := c.Retry.Validate(); err != nil {
		return errors.Wrapf(err, "job %q retry policy", c.ID)
	}
	if c.Timeout < 0 {
		return errors.Wrapf(errors.ErrInvalidConfig, "job %q has negative timeout", c.ID)
	}
	if c.MaxConcurrent < 0 {
		return errors.Wrapf(errors.ErrInvalidConfig, "job %q has negative max_concurrent", c.ID)
	}
	return nil
}

// maxConcurrent resolves the per-job in-flight cap (zero value means 1).
func (c *JobConfig) maxConcurrent() int {
	if c.MaxConcurrent <= 0 {
		return 1
	}
	return c.MaxConcurrent
}

// RegisteredJob wraps a JobConfig with its runtime state. The Registry is
// the single writer; Dispatcher and Pipeline mutate only through it.
// Values handed out by Get/List are snapshots.
type RegisteredJob struct {
	Config JobConfig `json:"config"`
	Status Status    `json:"status"`
	// NextRunAt is nil when the schedule will never fire again.
	NextRunAt          *time.Time       `json:"next_run_at,omitempty"`
	LastRunAt          *time.Time       `json:"last_run_at,omitempty"`
	LastResult         *ExecutionResult `json:"last_result,omitempty"`
	ExecutionCount     int              `json:"execution_count"`
	SuccessCount       int              `json:"success_count"`
	FailureCount       int              `json:"failure_count"`
	AverageDurationMs  float64          `json:"average_duration_ms"`
	LastStatusChangeAt time.Time        `json:"last_status_change_at"`

	// in-flight executions of this job (ExecuteNow can overlap a
	// scheduled run); not exported, not persisted
	inFlight int
	// cancel requests cooperative cancellation of the current run
	cancel context.CancelFunc
}

// snapshot returns a copy safe to hand outside the registry lock.
func (j *RegisteredJob) snapshot() RegisteredJob {
	cp := *j
	cp.cancel = nil
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		cp.NextRunAt = &t
	}
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		cp.LastRunAt = &t
	}
	if j.LastResult != nil {
		r := *j.LastResult
		cp.LastResult = &r
	}
	return cp
}
