package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/webmonitor/sitewatch/internal/monitor"
)

const jobColumns = `
	id, site_id, type, status, priority, progress, retry_count, max_retries,
	metadata, result, error_text, created_at, scheduled_for, started_at, completed_at`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job monitor.Job) error {
	metadata, err := marshalJSON(job.Metadata)
	if err != nil {
		return err
	}
	result, err := marshalJSON(job.Result)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO jobs (
	id, site_id, type, status, priority, progress, retry_count, max_retries,
	metadata, result, error_text, created_at, scheduled_for, started_at, completed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		job.ID, job.SiteID, job.Type, job.Status, job.Priority, job.Progress,
		job.RetryCount, job.MaxRetries, metadata, result, job.ErrorText,
		job.CreatedAt, job.ScheduledFor, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (monitor.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Job{}, monitor.ErrNotFound
	}
	if err != nil {
		return monitor.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJob replaces the mutable fields of a job row, repairing
// timestamp invariants first.
func (s *Store) UpdateJob(ctx context.Context, job monitor.Job) error {
	job = job.Normalized(s.clock.Now())
	metadata, err := marshalJSON(job.Metadata)
	if err != nil {
		return err
	}
	result, err := marshalJSON(job.Result)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET
	status = $2,
	priority = $3,
	progress = $4,
	retry_count = $5,
	metadata = $6,
	result = $7,
	error_text = $8,
	scheduled_for = $9,
	started_at = $10,
	completed_at = $11
WHERE id = $1`,
		job.ID, job.Status, job.Priority, job.Progress, job.RetryCount,
		metadata, result, job.ErrorText, job.ScheduledFor, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter monitor.JobFilter) ([]monitor.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT`+jobColumns+` FROM jobs
WHERE ($1 = '' OR site_id = $1)
  AND ($2 = '' OR status = $2)
ORDER BY created_at DESC
LIMIT $3`,
		filter.SiteID, string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListQueuedJobs returns due queued jobs ordered by priority then age.
func (s *Store) ListQueuedJobs(ctx context.Context, now time.Time, limit int) ([]monitor.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
SELECT`+jobColumns+` FROM jobs
WHERE status = 'queued' AND (scheduled_for IS NULL OR scheduled_for <= $1)
ORDER BY priority DESC, created_at ASC
LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// AcquireJobLease transitions queued -> running atomically; the WHERE
// clause on status is the compare of the compare-and-set.
func (s *Store) AcquireJobLease(ctx context.Context, jobID string, now time.Time) (monitor.Job, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE jobs SET status = 'running', started_at = $2
WHERE id = $1 AND status = 'queued'
RETURNING`+jobColumns,
		jobID, now)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing job from one someone else leased.
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return monitor.Job{}, getErr
		}
		return monitor.Job{}, monitor.ErrLeaseConflict
	}
	if err != nil {
		return monitor.Job{}, fmt.Errorf("acquire job lease: %w", err)
	}
	return job, nil
}

// FindStuckJobs returns running jobs whose lease started before the
// cutoff.
func (s *Store) FindStuckJobs(ctx context.Context, runningSince time.Time) ([]monitor.Job, error) {
	rows, err := s.pool.Query(ctx, `
SELECT`+jobColumns+` FROM jobs
WHERE status = 'running' AND started_at < $1`,
		runningSince)
	if err != nil {
		return nil, fmt.Errorf("find stuck jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// DeleteOldJobs removes terminal jobs completed before the cutoff.
func (s *Store) DeleteOldJobs(ctx context.Context, completedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM jobs
WHERE status IN ('completed','failed','cancelled') AND completed_at < $1`,
		completedBefore)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// JobStats counts jobs by the statuses the stats endpoint reports.
func (s *Store) JobStats(ctx context.Context) (monitor.JobStats, error) {
	var stats monitor.JobStats
	err := s.pool.QueryRow(ctx, `
SELECT
	COUNT(*) FILTER (WHERE status = 'queued'),
	COUNT(*) FILTER (WHERE status = 'running'),
	COUNT(*) FILTER (WHERE status = 'failed')
FROM jobs`).Scan(&stats.Queued, &stats.Running, &stats.Failed)
	if err != nil {
		return monitor.JobStats{}, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

func collectJobs(rows pgx.Rows) ([]monitor.Job, error) {
	var out []monitor.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (monitor.Job, error) {
	var (
		job              monitor.Job
		metadata, result []byte
	)
	err := row.Scan(
		&job.ID, &job.SiteID, &job.Type, &job.Status, &job.Priority, &job.Progress,
		&job.RetryCount, &job.MaxRetries, &metadata, &result, &job.ErrorText,
		&job.CreatedAt, &job.ScheduledFor, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return monitor.Job{}, err
	}
	if err := unmarshalJSON(metadata, &job.Metadata); err != nil {
		return monitor.Job{}, err
	}
	if err := unmarshalJSON(result, &job.Result); err != nil {
		return monitor.Job{}, err
	}
	return job, nil
}
