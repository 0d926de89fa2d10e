// Package api exposes the HTTP interface for the monitoring service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/webmonitor/sitewatch/internal/compare"
	"github.com/webmonitor/sitewatch/internal/metrics"
	"github.com/webmonitor/sitewatch/internal/monitor"
	"github.com/webmonitor/sitewatch/internal/queue"
)

// maxJobListLimit caps GET /jobs responses.
const maxJobListLimit = 100

// Version is reported by /health; stamped at build time via -ldflags.
var Version = "dev"

// Server wires HTTP handlers to the store, the queue and the
// comparison engine.
type Server struct {
	router   chi.Router
	store    monitor.Store
	queue    queue.Provider
	comparer compare.Comparer
	idGen    monitor.IDGenerator
	clock    monitor.Clock
	log      *zap.Logger
}

// NewServer constructs a Server with middleware and routes. queueProv
// may be a NoOpProvider when only the polling dispatcher runs.
func NewServer(
	store monitor.Store,
	queueProv queue.Provider,
	comparer compare.Comparer,
	idGen monitor.IDGenerator,
	clock monitor.Clock,
	log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		store:    store,
		queue:    queueProv,
		comparer: comparer,
		idGen:    idGen,
		clock:    clock,
		log:      log.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Get("/stats", s.jobStats)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
				r.Post("/retry", s.retryJob)
			})
		})
		r.Route("/scans", func(r chi.Router) {
			r.Get("/{scan_id}", s.getScan)
			r.Get("/{scan_id}/snapshots", s.listSnapshots)
			r.Post("/{base_id}/compare/{other_id}", s.compareScans)
		})
		r.Get("/sites/{site_id}", s.getSite)
		r.Get("/sites/{site_id}/scans", s.listScans)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "persistence unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": s.clock.Now().UTC().Format(time.RFC3339),
		"version":   Version,
	})
}

type createJobRequest struct {
	SiteID       string         `json:"site_id"`
	Type         string         `json:"type"`
	Priority     int            `json:"priority"`
	ScheduledFor *time.Time     `json:"scheduled_for"`
	MaxRetries   *int           `json:"max_retries"`
	Metadata     map[string]any `json:"metadata"`
}

var validJobTypes = map[monitor.JobType]struct{}{
	monitor.JobTypeScan:       {},
	monitor.JobTypeDiscovery:  {},
	monitor.JobTypeExtraction: {},
	monitor.JobTypeComparison: {},
	monitor.JobTypeCleanup:    {},
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SiteID == "" {
		writeError(w, http.StatusBadRequest, "site_id is required")
		return
	}
	jobType := monitor.JobType(req.Type)
	if req.Type == "" {
		jobType = monitor.JobTypeScan
	}
	if _, ok := validJobTypes[jobType]; !ok {
		writeError(w, http.StatusBadRequest, "unknown job type")
		return
	}
	if _, err := s.store.GetSite(r.Context(), req.SiteID); err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			writeError(w, http.StatusNotFound, "site not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "load site")
		return
	}

	maxRetries := monitor.DefaultMaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}
	job := monitor.Job{
		ID:           s.idGen.NewID(),
		SiteID:       req.SiteID,
		Type:         jobType,
		Status:       monitor.JobStatusQueued,
		Priority:     req.Priority,
		MaxRetries:   maxRetries,
		Metadata:     req.Metadata,
		CreatedAt:    s.clock.Now(),
		ScheduledFor: req.ScheduledFor,
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.log.Error("create job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create job")
		return
	}

	// The notification is a nudge, not the source of truth; the
	// polling dispatcher picks the job up regardless.
	msg := queue.Message{
		JobID:     job.ID,
		SiteID:    job.SiteID,
		Type:      string(job.Type),
		Timestamp: job.CreatedAt,
	}
	if err := s.queue.Publish(r.Context(), msg); err != nil {
		s.log.Warn("publish job notification", zap.String("job_id", job.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := monitor.JobFilter{
		SiteID: r.URL.Query().Get("siteID"),
		Status: monitor.JobStatus(r.URL.Query().Get("status")),
		Limit:  maxJobListLimit,
	}
	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.log.Error("list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.JobStats(r.Context())
	if err != nil {
		s.log.Error("job stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "job stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

// cancelJob flips a queued or running job to cancelled. Running jobs
// notice the flip at their next batch boundary and exit cleanly.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	job.Status = monitor.JobStatusCancelled
	job.ErrorText = "cancelled via API"
	if err := s.store.UpdateJob(r.Context(), job); err != nil {
		s.log.Error("cancel job", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(monitor.JobStatusCancelled)})
}

// retryJob requeues a failed job while its retry budget lasts.
func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status != monitor.JobStatusFailed {
		writeError(w, http.StatusConflict, "only failed jobs can be retried")
		return
	}
	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = monitor.DefaultMaxRetries
	}
	if job.RetryCount >= maxRetries {
		writeError(w, http.StatusConflict, "retry budget exhausted")
		return
	}
	job.Status = monitor.JobStatusQueued
	job.RetryCount++
	job.Progress = 0
	job.ErrorText = ""
	job.ScheduledFor = nil
	if err := s.store.UpdateJob(r.Context(), job); err != nil {
		s.log.Error("retry job", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "retry job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	scan, err := s.store.GetScan(r.Context(), chi.URLParam(r, "scan_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scan": scan})
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")
	if _, err := s.store.GetScan(r.Context(), scanID); err != nil {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	snaps, err := s.store.ListSnapshots(r.Context(), scanID)
	if err != nil {
		s.log.Error("list snapshots", zap.String("scan_id", scanID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list snapshots")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

// compareScans diffs two scans of the same site.
func (s *Server) compareScans(w http.ResponseWriter, r *http.Request) {
	baseID := chi.URLParam(r, "base_id")
	otherID := chi.URLParam(r, "other_id")

	base, err := s.store.GetScan(r.Context(), baseID)
	if err != nil {
		writeError(w, http.StatusNotFound, "base scan not found")
		return
	}
	other, err := s.store.GetScan(r.Context(), otherID)
	if err != nil {
		writeError(w, http.StatusNotFound, "compare scan not found")
		return
	}
	if base.SiteID != other.SiteID {
		writeError(w, http.StatusBadRequest, "scans belong to different sites")
		return
	}

	result, err := s.comparer.Compare(r.Context(), baseID, otherID)
	if err != nil {
		s.log.Error("compare scans", zap.String("base", baseID), zap.String("other", otherID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "comparison failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getSite(w http.ResponseWriter, r *http.Request) {
	site, err := s.store.GetSite(r.Context(), chi.URLParam(r, "site_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "site not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"site": site})
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "site_id")
	scans, err := s.store.ListScans(r.Context(), siteID, 50)
	if err != nil {
		s.log.Error("list scans", zap.String("site_id", siteID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list scans")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": scans})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
