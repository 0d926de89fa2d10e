package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/webmonitor/sitewatch/internal/metrics"
	"github.com/webmonitor/sitewatch/internal/monitor"
)

// ReaperConfig tunes the maintenance sweep.
type ReaperConfig struct {
	// Interval is how often a sweep runs.
	Interval time.Duration
	// StuckAfter fails jobs that have been running longer than this.
	StuckAfter time.Duration
	// JobRetention deletes terminal jobs older than this.
	JobRetention time.Duration
	// ArchiveRetention deletes sites archived longer ago than this.
	ArchiveRetention time.Duration
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 2 * time.Hour
	}
	if c.JobRetention <= 0 {
		c.JobRetention = 30 * 24 * time.Hour
	}
	if c.ArchiveRetention <= 0 {
		c.ArchiveRetention = 30 * 24 * time.Hour
	}
	return c
}

// Reaper periodically fails stuck jobs, deletes old terminal jobs and
// purges long-archived sites. A worker that dies mid-scan leaves its
// job running forever; the reaper is what eventually frees that site
// for new scans.
type Reaper struct {
	store monitor.Store
	clock monitor.Clock
	cfg   ReaperConfig
	log   *zap.Logger
}

// NewReaper builds a Reaper.
func NewReaper(store monitor.Store, clock monitor.Clock, cfg ReaperConfig, log *zap.Logger) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	metrics.Init()
	return &Reaper{store: store, clock: clock, cfg: cfg.withDefaults(), log: log.Named("reaper")}
}

// Run sweeps on the configured interval until the context finishes.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		r.Sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one maintenance pass. Each action is independent; a
// failure in one does not block the others.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.clock.Now()

	stuck, err := r.store.FindStuckJobs(ctx, now.Add(-r.cfg.StuckAfter))
	if err != nil {
		r.log.Error("find stuck jobs", zap.Error(err))
	}
	for _, job := range stuck {
		job.Status = monitor.JobStatusFailed
		job.ErrorText = fmt.Sprintf("timed out after %d hours", int(r.cfg.StuckAfter.Hours()))
		// Spend the budget so a retry endpoint cannot resurrect a job
		// whose worker may still be half-alive.
		if job.MaxRetries <= 0 {
			job.MaxRetries = monitor.DefaultMaxRetries
		}
		job.RetryCount = job.MaxRetries
		if err := r.store.UpdateJob(ctx, job); err != nil {
			r.log.Error("fail stuck job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		r.failRunningScan(ctx, job, now)
		metrics.ObserveReaperAction("stuck_job_failed")
		r.log.Warn("failed stuck job",
			zap.String("job_id", job.ID),
			zap.String("site_id", job.SiteID),
			zap.Timep("started_at", job.StartedAt))
	}

	deleted, err := r.store.DeleteOldJobs(ctx, now.Add(-r.cfg.JobRetention))
	if err != nil {
		r.log.Error("delete old jobs", zap.Error(err))
	} else if deleted > 0 {
		for i := 0; i < deleted; i++ {
			metrics.ObserveReaperAction("old_job_deleted")
		}
		r.log.Info("deleted old jobs", zap.Int("count", deleted))
	}

	purged, err := r.store.DeleteArchivedSites(ctx, now.Add(-r.cfg.ArchiveRetention))
	if err != nil {
		r.log.Error("delete archived sites", zap.Error(err))
	} else if purged > 0 {
		for i := 0; i < purged; i++ {
			metrics.ObserveReaperAction("archived_site_deleted")
		}
		r.log.Info("deleted archived sites", zap.Int("count", purged))
	}
}

// failRunningScan closes out the scan row a stuck job was driving, so
// the site's scan history never shows a run as running forever.
func (r *Reaper) failRunningScan(ctx context.Context, job monitor.Job, now time.Time) {
	scans, err := r.store.ListScans(ctx, job.SiteID, 10)
	if err != nil {
		r.log.Error("list scans for stuck job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	for _, scan := range scans {
		if scan.Status != monitor.ScanStatusRunning {
			continue
		}
		scan.Status = monitor.ScanStatusFailed
		scan.ErrorText = fmt.Sprintf("timed out after %d hours", int(r.cfg.StuckAfter.Hours()))
		completed := now
		scan.CompletedAt = &completed
		if err := r.store.UpdateScan(ctx, scan); err != nil {
			r.log.Error("fail stuck scan", zap.String("scan_id", scan.ID), zap.Error(err))
			continue
		}
		r.log.Warn("failed stuck scan",
			zap.String("scan_id", scan.ID),
			zap.String("site_id", scan.SiteID))
	}
}
