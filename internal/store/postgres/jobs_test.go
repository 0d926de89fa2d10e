package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/webmonitor/sitewatch/internal/monitor"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fixedID struct{ id string }

func (g fixedID) NewID() string { return g.id }

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store, err := NewWithPool(mock, fixedClock{now: now}, fixedID{id: "generated-id"})
	require.NoError(t, err)
	return mock, store, now
}

func jobRows(jobs ...monitor.Job) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{
		"id", "site_id", "type", "status", "priority", "progress", "retry_count",
		"max_retries", "metadata", "result", "error_text", "created_at",
		"scheduled_for", "started_at", "completed_at",
	})
	for _, j := range jobs {
		rows.AddRow(
			j.ID, j.SiteID, j.Type, j.Status, j.Priority, j.Progress, j.RetryCount,
			j.MaxRetries, []byte("null"), []byte("null"), j.ErrorText, j.CreatedAt,
			j.ScheduledFor, j.StartedAt, j.CompletedAt,
		)
	}
	return rows
}

func TestAcquireJobLeaseWins(t *testing.T) {
	t.Parallel()
	mock, store, now := newMockStore(t)

	leased := monitor.Job{
		ID:        "job-1",
		SiteID:    "site-1",
		Type:      monitor.JobTypeScan,
		Status:    monitor.JobStatusRunning,
		CreatedAt: now.Add(-time.Minute),
		StartedAt: &now,
	}
	mock.ExpectQuery("UPDATE jobs SET status = 'running'").
		WithArgs("job-1", now).
		WillReturnRows(jobRows(leased))

	job, err := store.AcquireJobLease(context.Background(), "job-1", now)
	require.NoError(t, err)
	require.Equal(t, monitor.JobStatusRunning, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireJobLeaseConflict(t *testing.T) {
	t.Parallel()
	mock, store, now := newMockStore(t)

	running := monitor.Job{ID: "job-1", Status: monitor.JobStatusRunning, CreatedAt: now}
	mock.ExpectQuery("UPDATE jobs SET status = 'running'").
		WithArgs("job-1", now).
		WillReturnRows(jobRows())
	mock.ExpectQuery("SELECT(.|\n)+FROM jobs WHERE id =").
		WithArgs("job-1").
		WillReturnRows(jobRows(running))

	_, err := store.AcquireJobLease(context.Background(), "job-1", now)
	require.ErrorIs(t, err, monitor.ErrLeaseConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireJobLeaseMissing(t *testing.T) {
	t.Parallel()
	mock, store, now := newMockStore(t)

	mock.ExpectQuery("UPDATE jobs SET status = 'running'").
		WithArgs("missing", now).
		WillReturnRows(jobRows())
	mock.ExpectQuery("SELECT(.|\n)+FROM jobs WHERE id =").
		WithArgs("missing").
		WillReturnRows(jobRows())

	_, err := store.AcquireJobLease(context.Background(), "missing", now)
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListQueuedJobs(t *testing.T) {
	t.Parallel()
	mock, store, now := newMockStore(t)

	queued := monitor.Job{ID: "job-1", Status: monitor.JobStatusQueued, Priority: 5, CreatedAt: now.Add(-time.Minute)}
	mock.ExpectQuery("SELECT(.|\n)+FROM jobs\nWHERE status = 'queued'").
		WithArgs(now, 10).
		WillReturnRows(jobRows(queued))

	jobs, err := store.ListQueuedJobs(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "job-1", jobs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobNormalizesCompletion(t *testing.T) {
	t.Parallel()
	mock, store, now := newMockStore(t)

	started := now.Add(-time.Minute)
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs(
			"job-1", monitor.JobStatusCompleted, 0, 100, 0,
			[]byte("null"), []byte("null"), "", (*time.Time)(nil), &started, &now,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateJob(context.Background(), monitor.Job{
		ID:        "job-1",
		Status:    monitor.JobStatusCompleted,
		Progress:  40,
		StartedAt: &started,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOldJobs(t *testing.T) {
	t.Parallel()
	mock, store, now := newMockStore(t)

	cutoff := now.Add(-30 * 24 * time.Hour)
	mock.ExpectExec("DELETE FROM jobs").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := store.DeleteOldJobs(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
