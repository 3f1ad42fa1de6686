package scheduler

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/pulse/errors"
)

// Store persists job metadata projections and execution history to
// SQLite. Handlers are never stored: a restored row runs again only
// after the host re-registers the same ID with a live handler.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open database. The schema is managed
// by the db package's migrations.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// JobRecord is the persisted projection of a RegisteredJob: everything
// except the handler and in-flight bookkeeping.
type JobRecord struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Schedule          Schedule      `json:"schedule"`
	Priority          Priority      `json:"priority"`
	Retry             RetryPolicy   `json:"retry"`
	Timeout           time.Duration `json:"timeout"`
	MaxConcurrent     int           `json:"max_concurrent,omitempty"`
	Enabled           bool          `json:"enabled"`
	Status            Status        `json:"status"`
	NextRunAt         *time.Time    `json:"next_run_at,omitempty"`
	ExecutionCount    int           `json:"execution_count"`
	SuccessCount      int           `json:"success_count"`
	FailureCount      int           `json:"failure_count"`
	AverageDurationMs float64       `json:"average_duration_ms"`
}

// SaveJob upserts the projection of one job. Called on every state
// transition, so it is a single statement.
func (s *Store) SaveJob(j RegisteredJob) error {
	scheduleJSON, err := json.Marshal(j.Config.Schedule)
	if err != nil {
		return errors.Wrap(err, "failed to marshal schedule")
	}
	retryJSON, err := json.Marshal(j.Config.Retry)
	if err != nil {
		return errors.Wrap(err, "failed to marshal retry policy")
	}

	query := `
		INSERT INTO scheduled_jobs (
			id, name, schedule, priority, retry,
			timeout_ms, max_concurrent, enabled, status,
			next_run_at, execution_count, success_count, failure_count,
			average_duration_ms, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			priority = excluded.priority,
			retry = excluded.retry,
			timeout_ms = excluded.timeout_ms,
			max_concurrent = excluded.max_concurrent,
			enabled = excluded.enabled,
			status = excluded.status,
			next_run_at = excluded.next_run_at,
			execution_count = excluded.execution_count,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			average_duration_ms = excluded.average_duration_ms,
			updated_at = excluded.updated_at
	`

	var nextRunAt interface{}
	if j.NextRunAt != nil {
		nextRunAt = j.NextRunAt.Format(time.RFC3339Nano)
	}
	now := time.Now().Format(time.RFC3339Nano)

	_, err = s.db.Exec(query,
		j.Config.ID,
		j.Config.Name,
		string(scheduleJSON),
		j.Config.Priority,
		string(retryJSON),
		j.Config.Timeout.Milliseconds(),
		j.Config.MaxConcurrent,
		j.Config.Enabled,
		j.Status,
		nextRunAt,
		j.ExecutionCount,
		j.SuccessCount,
		j.FailureCount,
		j.AverageDurationMs,
		j.Config.CreatedAt.Format(time.RFC3339Nano),
		now,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save job %s", j.Config.ID)
	}
	return nil
}

// DeleteJob removes a job projection and its execution history.
func (s *Store) DeleteJob(id string) error {
	if _, err := s.db.Exec(`DELETE FROM job_executions WHERE job_id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete executions for job %s", id)
	}
	if _, err := s.db.Exec(`DELETE FROM scheduled_jobs WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete job %s", id)
	}
	return nil
}

// GetJob retrieves one persisted projection.
func (s *Store) GetJob(id string) (*JobRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, name, schedule, priority, retry, timeout_ms,
		       max_concurrent, enabled, status, next_run_at,
		       execution_count, success_count, failure_count, average_duration_ms
		FROM scheduled_jobs WHERE id = ?`, id)

	rec, err := scanJobRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return rec, nil
}

// ListJobs enumerates every persisted projection, newest registration first.
func (s *Store) ListJobs() ([]JobRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, name, schedule, priority, retry, timeout_ms,
		       max_concurrent, enabled, status, next_run_at,
		       execution_count, success_count, failure_count, average_duration_ms
		FROM scheduled_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		rec, err := scanJobRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job row")
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// RecoverOrphans flips rows stuck in running from a previous crash back
// to pending. Returns how many rows were touched. Metadata only: the
// jobs run again only once re-registered.
func (s *Store) RecoverOrphans() (int, error) {
	res, err := s.db.Exec(
		`UPDATE scheduled_jobs SET status = ?, updated_at = ? WHERE status = ?`,
		StatusPending, time.Now().Format(time.RFC3339Nano), StatusRunning)
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover orphaned jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count recovered jobs")
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJobRecord(row rowScanner) (*JobRecord, error) {
	var rec JobRecord
	var scheduleJSON, retryJSON string
	var timeoutMs int64
	var nextRunAt sql.NullString

	err := row.Scan(
		&rec.ID,
		&rec.Name,
		&scheduleJSON,
		&rec.Priority,
		&retryJSON,
		&timeoutMs,
		&rec.MaxConcurrent,
		&rec.Enabled,
		&rec.Status,
		&nextRunAt,
		&rec.ExecutionCount,
		&rec.SuccessCount,
		&rec.FailureCount,
		&rec.AverageDurationMs,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scheduleJSON), &rec.Schedule); err != nil {
		return nil, errors.Wrapf(err, "corrupt schedule for job %s", rec.ID)
	}
	if err := json.Unmarshal([]byte(retryJSON), &rec.Retry); err != nil {
		return nil, errors.Wrapf(err, "corrupt retry policy for job %s", rec.ID)
	}
	rec.Timeout = time.Duration(timeoutMs) * time.Millisecond

	if nextRunAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, nextRunAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt next_run_at for job %s", rec.ID)
		}
		rec.NextRunAt = &t
	}
	return &rec, nil
}

// SaveExecution appends one execution history record.
func (s *Store) SaveExecution(res ExecutionResult) error {
	query := `
		INSERT INTO job_executions (
			id, job_id, status, started_at, completed_at,
			duration_ms, attempts, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	var errMsg interface{}
	if res.Error != "" {
		errMsg = res.Error
	}
	_, err := s.db.Exec(query,
		res.ExecutionID,
		res.JobID,
		res.Status,
		res.StartedAt.Format(time.RFC3339Nano),
		res.CompletedAt.Format(time.RFC3339Nano),
		res.Duration.Milliseconds(),
		res.Attempts,
		errMsg,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save execution %s", res.ExecutionID)
	}
	return nil
}

// ListExecutions returns a job's execution history, newest first,
// capped at limit.
func (s *Store) ListExecutions(jobID string, limit int) ([]ExecutionResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, job_id, status, started_at, completed_at,
		       duration_ms, attempts, error
		FROM job_executions
		WHERE job_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list executions for job %s", jobID)
	}
	defer rows.Close()

	var results []ExecutionResult
	for rows.Next() {
		var res ExecutionResult
		var startedAt, completedAt string
		var durationMs int64
		var errMsg sql.NullString

		if err := rows.Scan(
			&res.ExecutionID,
			&res.JobID,
			&res.Status,
			&startedAt,
			&completedAt,
			&durationMs,
			&res.Attempts,
			&errMsg,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution row")
		}

		if res.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, errors.Wrapf(err, "corrupt started_at for execution %s", res.ExecutionID)
		}
		if res.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt); err != nil {
			return nil, errors.Wrapf(err, "corrupt completed_at for execution %s", res.ExecutionID)
		}
		res.Duration = time.Duration(durationMs) * time.Millisecond
		res.Error = errMsg.String
		results = append(results, res)
	}
	return results, rows.Err()
}

// PruneExecutions deletes history older than the cutoff. Returns rows
// removed. Used by the daemon's built-in retention job.
func (s *Store) PruneExecutions(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM job_executions WHERE started_at < ?`,
		olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune executions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pruned executions")
	}
	return int(n), nil
}
