package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/pulse/errors"
)

// execute runs one logical execution of an admitted job: up to
// MaxAttempts handler invocations, each raced against the job's timeout,
// with the retry policy's delay between attempts. The job was already
// marked running by the caller (admitDue or beginExecution).
func (s *Scheduler) execute(job RegisteredJob, due time.Time) *ExecutionResult {
	cfg := job.Config

	runCtx, cancel := context.WithCancel(s.baseCtx())
	defer cancel()
	s.registry.attachCancel(cfg.ID, cancel)

	startedAt := s.timeNow()
	s.bus.Emit(Event{Type: EventStarted, JobID: cfg.ID, JobName: cfg.Name, At: startedAt})
	s.log.Debugw("job started",
		"job_id", cfg.ID,
		"name", cfg.Name,
		"due", due.Format(time.RFC3339))

	var attemptErr error
	attempts := 0
	for attempt := 1; attempt <= cfg.Retry.MaxAttempts; attempt++ {
		attempts = attempt
		ec := ExecutionContext{
			JobID:        cfg.ID,
			JobName:      cfg.Name,
			ScheduledFor: due,
			StartedAt:    s.timeNow(),
			Attempt:      attempt,
			Metadata:     cfg.Metadata,
		}

		attemptErr = s.invoke(runCtx, cfg, ec)
		if attemptErr == nil {
			break
		}
		if runCtx.Err() != nil {
			// explicit cancel, shutdown, or unregister; no retry
			break
		}
		if attempt == cfg.Retry.MaxAttempts {
			break
		}

		delay := cfg.Retry.Delay(attempt)
		s.bus.Emit(Event{
			Type:    EventRetrying,
			JobID:   cfg.ID,
			JobName: cfg.Name,
			Attempt: attempt,
			Error:   attemptErr.Error(),
		})
		s.log.Warnw("job attempt failed, retrying",
			"job_id", cfg.ID,
			"attempt", attempt,
			"max_attempts", cfg.Retry.MaxAttempts,
			"delay", delay,
			"error", attemptErr)

		if delay > 0 {
			select {
			case <-runCtx.Done():
			case <-time.After(delay):
			}
		}
	}

	completedAt := s.timeNow()
	result := ExecutionResult{
		ExecutionID: uuid.NewString(),
		JobID:       cfg.ID,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(startedAt),
		Attempts:    attempts,
	}

	cancelled := runCtx.Err() != nil
	switch {
	case cancelled:
		result.Status = StatusCancelled
		result.Error = "execution cancelled"
	case attemptErr == nil:
		result.Status = StatusCompleted
	default:
		result.Status = StatusFailed
		result.Error = attemptErr.Error()
	}

	s.settle(job, &result, cancelled)
	return &result
}

// settle records the result, computes the follow-up run, persists the
// execution history and emits the terminal event.
func (s *Scheduler) settle(job RegisteredJob, result *ExecutionResult, cancelled bool) {
	cfg := job.Config
	now := s.timeNow()

	var next *time.Time
	switch {
	case cancelled && s.baseCtx().Err() != nil:
		// scheduler shutdown: leave the run claimable after restart
		// (at-least-once, never exactly-once)
		result.Error = "scheduler stopped"
		n := now
		next = &n
	case cancelled:
		// explicit cancel is terminal until the host intervenes
		next = nil
	default:
		// Recurring jobs keep their schedule even after a failed
		// execution: the schedule retries, not just the attempt.
		// Recurrence is based on "now", accepting drift under repeated
		// failures.
		if n, ok := cfg.Schedule.NextRun(now, &now); ok {
			next = &n
		}
	}

	s.registry.recordResult(cfg.ID, *result, next)
	s.recordHistory(result)

	switch result.Status {
	case StatusCompleted:
		s.bus.Emit(Event{Type: EventCompleted, JobID: cfg.ID, JobName: cfg.Name, Result: result})
		s.log.Infow("job completed",
			"job_id", cfg.ID,
			"name", cfg.Name,
			"duration_ms", result.Duration.Milliseconds(),
			"attempts", result.Attempts,
			"next_run_at", next)
	case StatusFailed:
		s.bus.Emit(Event{Type: EventFailed, JobID: cfg.ID, JobName: cfg.Name, Error: result.Error, Result: result})
		s.log.Errorw("job failed",
			"job_id", cfg.ID,
			"name", cfg.Name,
			"attempts", result.Attempts,
			"error", result.Error,
			"next_run_at", next)
	case StatusCancelled:
		s.bus.Emit(Event{Type: EventCancelled, JobID: cfg.ID, JobName: cfg.Name, Result: result})
		s.log.Infow("job cancelled", "job_id", cfg.ID, "name", cfg.Name)
	}
}

// invoke runs a single attempt: the handler raced against the timeout.
// The timeout only requests cancellation through the context; an
// uncooperative handler goroutine is abandoned, never killed.
func (s *Scheduler) invoke(runCtx context.Context, cfg JobConfig, ec ExecutionContext) error {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(runCtx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("handler panicked: %v", r)
			}
		}()
		done <- cfg.Handler(attemptCtx, ec)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		return errors.Wrapf(errors.ErrTimeout, "attempt %d exceeded %s", ec.Attempt, timeout)
	}
}

// recordHistory persists one execution record; failures are logged and
// swallowed like all persistence errors.
func (s *Scheduler) recordHistory(result *ExecutionResult) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveExecution(*result); err != nil {
		s.log.Warnw("failed to persist execution record",
			"execution_id", result.ExecutionID,
			"job_id", result.JobID,
			"error", err)
	}
}
