package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webmonitor/sitewatch/internal/compare"
	"github.com/webmonitor/sitewatch/internal/monitor"
	"github.com/webmonitor/sitewatch/internal/queue"
	"github.com/webmonitor/sitewatch/internal/store/memory"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type seqID struct{ n int }

func (s *seqID) NewID() string {
	s.n++
	return fmt.Sprintf("id-%d", s.n)
}

type recordingQueue struct {
	queue.NoOpProvider
	published []queue.Message
}

func (q *recordingQueue) Publish(_ context.Context, msg queue.Message) error {
	q.published = append(q.published, msg)
	return nil
}

func newTestServer(t *testing.T) (*Server, *memory.Store, *recordingQueue) {
	t.Helper()
	clock := fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := memory.New(clock, &seqID{})
	q := &recordingQueue{}
	comparer := compare.NewEngine(store, zap.NewNop())
	srv := NewServer(store, q, comparer, &seqID{}, clock, zap.NewNop())
	return srv, store, q
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func seedSite(store *memory.Store) {
	store.PutSite(monitor.Site{
		ID:      "site-1",
		RootURL: "https://example.com",
		Status:  monitor.SiteStatusActive,
	})
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "2026-03-01T10:00:00Z", body["timestamp"])
	require.Equal(t, Version, body["version"])
}

func TestCreateJobQueuesAndNotifies(t *testing.T) {
	t.Parallel()
	srv, store, q := newTestServer(t)
	seedSite(store)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs", map[string]any{
		"site_id":  "site-1",
		"priority": 5,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Job monitor.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, monitor.JobStatusQueued, resp.Job.Status)
	require.Equal(t, monitor.JobTypeScan, resp.Job.Type, "type defaults to scan")
	require.Equal(t, 5, resp.Job.Priority)
	require.Equal(t, monitor.DefaultMaxRetries, resp.Job.MaxRetries)

	stored, err := store.GetJob(context.Background(), resp.Job.ID)
	require.NoError(t, err)
	require.Equal(t, monitor.JobStatusQueued, stored.Status)

	require.Len(t, q.published, 1)
	require.Equal(t, resp.Job.ID, q.published[0].JobID)
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	srv, store, _ := newTestServer(t)
	seedSite(store)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing site", map[string]any{}, http.StatusBadRequest},
		{"unknown site", map[string]any{"site_id": "ghost"}, http.StatusNotFound},
		{"unknown type", map[string]any{"site_id": "site-1", "type": "sabotage"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs", tc.body)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, monitor.Job{
		ID: "job-1", SiteID: "site-1", Type: monitor.JobTypeScan, Status: monitor.JobStatusQueued,
	}))

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/job-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, monitor.JobStatusCancelled, got.Status)

	// A second cancel hits a terminal job.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/job-1/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/ghost/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryJob(t *testing.T) {
	t.Parallel()
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateJob(ctx, monitor.Job{
		ID: "failed-job", SiteID: "site-1", Type: monitor.JobTypeScan,
		Status: monitor.JobStatusFailed, MaxRetries: 3, RetryCount: 1,
		ErrorText: "fetch blew up", StartedAt: &started, CompletedAt: &started,
	}))

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/failed-job/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := store.GetJob(ctx, "failed-job")
	require.NoError(t, err)
	require.Equal(t, monitor.JobStatusQueued, got.Status)
	require.Equal(t, 2, got.RetryCount)
	require.Empty(t, got.ErrorText)
	require.Nil(t, got.StartedAt)
}

func TestRetryJobRejections(t *testing.T) {
	t.Parallel()
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, monitor.Job{
		ID: "queued-job", SiteID: "site-1", Type: monitor.JobTypeScan, Status: monitor.JobStatusQueued,
	}))
	require.NoError(t, store.CreateJob(ctx, monitor.Job{
		ID: "spent-job", SiteID: "site-1", Type: monitor.JobTypeScan,
		Status: monitor.JobStatusFailed, MaxRetries: 3, RetryCount: 3,
	}))

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/queued-job/retry", nil)
	require.Equal(t, http.StatusConflict, rec.Code, "only failed jobs are retryable")

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/spent-job/retry", nil)
	require.Equal(t, http.StatusConflict, rec.Code, "retry budget is enforced")
}

func TestListJobsAndStats(t *testing.T) {
	t.Parallel()
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, monitor.Job{
		ID: "job-1", SiteID: "site-1", Type: monitor.JobTypeScan, Status: monitor.JobStatusQueued,
	}))
	require.NoError(t, store.CreateJob(ctx, monitor.Job{
		ID: "job-2", SiteID: "site-2", Type: monitor.JobTypeScan, Status: monitor.JobStatusFailed,
	}))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/jobs?status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Jobs []monitor.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Jobs, 1)
	require.Equal(t, "job-1", listResp.Jobs[0].ID)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/jobs/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var statsResp struct {
		Stats monitor.JobStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statsResp))
	require.Equal(t, monitor.JobStats{Queued: 1, Failed: 1}, statsResp.Stats)
}

func TestCompareScans(t *testing.T) {
	t.Parallel()
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateScan(ctx, monitor.Scan{ID: "scan-1", SiteID: "site-1", Status: monitor.ScanStatusCompleted, StartedAt: now}))
	require.NoError(t, store.CreateScan(ctx, monitor.Scan{ID: "scan-2", SiteID: "site-1", Status: monitor.ScanStatusCompleted, StartedAt: now}))
	require.NoError(t, store.CreateScan(ctx, monitor.Scan{ID: "scan-other", SiteID: "site-2", Status: monitor.ScanStatusCompleted, StartedAt: now}))

	require.NoError(t, store.InsertSnapshots(ctx, []monitor.PageSnapshot{
		{ID: "s1", ScanID: "scan-1", PageID: "p1", URL: "https://example.com/a", Title: "Old"},
		{ID: "s2", ScanID: "scan-2", PageID: "p1", URL: "https://example.com/a", Title: "New"},
	}))

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/scans/scan-1/compare/scan-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result compare.RunComparison
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 1, result.Summary.Modified)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/scans/scan-1/compare/scan-other", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, "cross-site comparisons are rejected")

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/scans/ghost/compare/scan-2", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetScanAndSnapshots(t *testing.T) {
	t.Parallel()
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateScan(ctx, monitor.Scan{ID: "scan-1", SiteID: "site-1", Status: monitor.ScanStatusCompleted, StartedAt: now}))
	require.NoError(t, store.InsertSnapshots(ctx, []monitor.PageSnapshot{
		{ID: "s1", ScanID: "scan-1", PageID: "p1", URL: "https://example.com/a"},
	}))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/scans/scan-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/scans/scan-1/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Snapshots []monitor.PageSnapshot `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Snapshots, 1)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/scans/ghost/snapshots", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
