package monitor

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound      = errors.New("not found")
	ErrLeaseConflict = errors.New("job lease conflict")
)

// ErrPermanent marks job failures that must not be retried, such as a
// job referencing a site that no longer exists.
var ErrPermanent = errors.New("permanent failure")

// Store persists sites, scans, pages, snapshots and jobs. Postgres and
// in-memory implementations must behave identically with respect to
// the documented invariants.
type Store interface {
	// Sites.
	GetSite(ctx context.Context, siteID string) (Site, error)
	UpdateSiteRollup(ctx context.Context, siteID string, counters ScanCounters, lastScan, nextScan time.Time) error
	DeleteArchivedSites(ctx context.Context, archivedBefore time.Time) (int, error)

	// Scans.
	CreateScan(ctx context.Context, scan Scan) error
	GetScan(ctx context.Context, scanID string) (Scan, error)
	UpdateScan(ctx context.Context, scan Scan) error
	ListScans(ctx context.Context, siteID string, limit int) ([]Scan, error)

	// Pages. UpsertPage keys on (SiteID, URL): inserts create the row
	// with FirstSeen = LastSeen = now; updates preserve FirstSeen and
	// refresh everything else. The page ID is returned either way.
	UpsertPage(ctx context.Context, page Page) (string, error)
	ListPages(ctx context.Context, siteID string) ([]Page, error)
	MarkPagesRemoved(ctx context.Context, siteID string, seenBefore time.Time) (int, error)

	// Snapshots. InsertSnapshots is batch-oriented; a snapshot is
	// immutable once written.
	InsertSnapshots(ctx context.Context, snapshots []PageSnapshot) error
	ListSnapshots(ctx context.Context, scanID string) ([]PageSnapshot, error)

	// Jobs.
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	UpdateJob(ctx context.Context, job Job) error
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	ListQueuedJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// AcquireJobLease transitions queued -> running atomically. It
	// returns ErrLeaseConflict when the job is no longer queued.
	AcquireJobLease(ctx context.Context, jobID string, now time.Time) (Job, error)
	FindStuckJobs(ctx context.Context, runningSince time.Time) ([]Job, error)
	DeleteOldJobs(ctx context.Context, completedBefore time.Time) (int, error)
	JobStats(ctx context.Context) (JobStats, error)

	// Ping probes connectivity for the health endpoint.
	Ping(ctx context.Context) error
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	SiteID string
	Status JobStatus
	Limit  int
}

// Fetcher retrieves a single URL. Transport failures are reported in
// the result, never as a panic.
type Fetcher interface {
	Fetch(ctx context.Context, url string) FetchResult
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs (UUIDs).
type IDGenerator interface {
	NewID() string
}
