package scheduler

import (
	"sort"
	"time"
)

// admission is one dispatch decision: a job snapshot plus the instant it
// was due, handed to the pipeline asynchronously.
type admission struct {
	job RegisteredJob
	due time.Time
}

// run is the dispatcher loop. One tick drives every scheduling decision;
// handler execution is asynchronous, so the tick never blocks on a job.
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	// Each Start spawns a fresh loop bound to its own context, so one
	// capture is enough.
	ctx := s.baseCtx()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick admits as many due jobs as the global concurrency budget allows
// and hands each to the execution pipeline.
func (s *Scheduler) tick(now time.Time) {
	admitted := s.registry.admitDue(now, s.cfg.MaxConcurrent, s.cfg.RecheckDelay)
	for _, adm := range admitted {
		s.wg.Add(1)
		go func(adm admission) {
			defer s.wg.Done()
			s.execute(adm.job, adm.due)
		}(adm)
	}
}

// admitDue selects, orders and claims due jobs in one critical section so
// a job can never be admitted twice for the same due instant.
//
// Selection: enabled, pending, NextRunAt <= now. Ordering: priority
// weight descending, ties broken by earliest NextRunAt, deterministic
// within a tick. A job whose own concurrency cap is saturated is pushed
// back by recheck rather than dropped. Admission stops when the global
// budget is spent; the budget is soft between ticks by design.
func (r *registry) admitDue(now time.Time, globalLimit int, recheck time.Duration) []admission {
	r.mu.Lock()
	defer r.mu.Unlock()

	budget := globalLimit - r.runningCountLocked()
	if budget <= 0 {
		return nil
	}

	var due []*RegisteredJob
	for _, job := range r.jobs {
		if !job.Config.Enabled || job.Status != StatusPending {
			continue
		}
		if job.NextRunAt == nil || job.NextRunAt.After(now) {
			continue
		}
		due = append(due, job)
	}
	if len(due) == 0 {
		return nil
	}

	sort.Slice(due, func(i, j int) bool {
		wi, wj := due[i].Config.Priority.Weight(), due[j].Config.Priority.Weight()
		if wi != wj {
			return wi > wj
		}
		return due[i].NextRunAt.Before(*due[j].NextRunAt)
	})

	var admitted []admission
	for _, job := range due {
		if budget <= 0 {
			break
		}
		if job.inFlight >= job.Config.maxConcurrent() {
			// saturated on its own cap: re-check shortly instead of
			// dropping the run
			recheckAt := now.Add(recheck)
			job.NextRunAt = &recheckAt
			r.persist(job)
			continue
		}

		dueAt := *job.NextRunAt
		job.inFlight++
		r.setStatus(job, StatusRunning)
		r.persist(job)
		admitted = append(admitted, admission{job: job.snapshot(), due: dueAt})
		budget--
	}
	return admitted
}
