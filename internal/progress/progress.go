// Package progress propagates scan progress to observers.
//
// A scan moves through coarse bands: discovery ends at 25, fetching
// walks 25 to 75, persistence walks 75 to 95, and completion is 100.
// Reporters receive each milestone and decide what to do with it;
// reporting is best-effort and never fails a scan.
package progress

import (
	"context"

	"go.uber.org/zap"

	"github.com/webmonitor/sitewatch/internal/monitor"
)

// Reporter consumes progress milestones for a running job.
// Implementations must be safe for concurrent use.
type Reporter interface {
	Report(ctx context.Context, jobID string, percent int, note string)
}

// NopReporter discards all milestones.
type NopReporter struct{}

// Report does nothing.
func (NopReporter) Report(context.Context, string, int, string) {}

// LogReporter writes milestones to a zap logger.
type LogReporter struct {
	log *zap.Logger
}

// NewLogReporter builds a LogReporter.
func NewLogReporter(log *zap.Logger) *LogReporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogReporter{log: log.Named("progress")}
}

// Report logs the milestone at debug level.
func (r *LogReporter) Report(_ context.Context, jobID string, percent int, note string) {
	r.log.Debug("scan progress",
		zap.String("job_id", jobID),
		zap.Int("percent", percent),
		zap.String("note", note),
	)
}

// StoreReporter persists the progress percentage onto the job row so
// API clients polling the job can see how far along a scan is.
type StoreReporter struct {
	store monitor.Store
	log   *zap.Logger
}

// NewStoreReporter builds a StoreReporter.
func NewStoreReporter(store monitor.Store, log *zap.Logger) *StoreReporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &StoreReporter{store: store, log: log.Named("progress.store")}
}

// Report writes the percentage to the job row. Failures are logged and
// swallowed; a lost progress update must not abort the scan.
func (r *StoreReporter) Report(ctx context.Context, jobID string, percent int, _ string) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		r.log.Warn("load job for progress update", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if !job.Status.Terminal() {
		job.Progress = percent
		if err := r.store.UpdateJob(ctx, job); err != nil {
			r.log.Warn("persist progress", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

// Multi fans one milestone out to several reporters.
type Multi []Reporter

// Report forwards to every reporter in order.
func (m Multi) Report(ctx context.Context, jobID string, percent int, note string) {
	for _, r := range m {
		r.Report(ctx, jobID, percent, note)
	}
}
