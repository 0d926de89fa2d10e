// Package monitor defines core types shared across subsystems.
package monitor

import (
	"strings"
	"time"
)

// SiteStatus represents the lifecycle state of a monitored site.
type SiteStatus string

// Site status values persisted in the store.
const (
	SiteStatusActive   SiteStatus = "active"
	SiteStatusPaused   SiteStatus = "paused"
	SiteStatusError    SiteStatus = "error"
	SiteStatusArchived SiteStatus = "archived"
)

// Site is a registered external web property the system monitors.
type Site struct {
	ID         string             `json:"id"`
	OwnerID    string             `json:"owner_id"`
	Name       string             `json:"name"`
	RootURL    string             `json:"root_url"`
	Status     SiteStatus         `json:"status"`
	Discovery  DiscoverySettings  `json:"discovery"`
	Extraction ExtractionSettings `json:"extraction"`
	Schedule   ScheduleSettings   `json:"schedule"`

	// Rollup counters reflect the last completed scan only.
	TotalPages   int `json:"total_pages"`
	NewPages     int `json:"new_pages"`
	ChangedPages int `json:"changed_pages"`
	RemovedPages int `json:"removed_pages"`

	LastScan   *time.Time `json:"last_scan,omitempty"`
	NextScan   *time.Time `json:"next_scan,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ScheduleSettings controls automatic re-scan cadence.
type ScheduleSettings struct {
	Interval time.Duration `json:"interval"`
}

// ScanStatus represents the lifecycle state of a scan run.
type ScanStatus string

// Scan status values persisted in the store.
const (
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// Scan is one end-to-end discovery + fetch + extract + persist pass
// over a site. Settings are snapshotted at start so a scan row is
// self-describing even after the site configuration changes.
type Scan struct {
	ID              string             `json:"id"`
	SiteID          string             `json:"site_id"`
	Status          ScanStatus         `json:"status"`
	DiscoveryMethod DiscoveryMethod    `json:"discovery_method"`
	Settings        ExtractionSettings `json:"settings"`
	Counters        ScanCounters       `json:"counters"`
	ErrorText       string             `json:"error_text,omitempty"`
	Warnings        []string           `json:"warnings,omitempty"`
	// ScannedURLs is a bounded preview of the URL set, capped at
	// MaxScannedURLPreview entries.
	ScannedURLs []string   `json:"scanned_urls,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// MaxScannedURLPreview bounds the per-scan URL preview list.
const MaxScannedURLPreview = 1000

// Duration returns completedAt - startedAt, or zero while running.
func (s Scan) Duration() time.Duration {
	if s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(s.StartedAt)
}

// ScanCounters tracks per-scan page statistics.
type ScanCounters struct {
	TotalPages   int `json:"total_pages"`
	NewPages     int `json:"new_pages"`
	ChangedPages int `json:"changed_pages"`
	RemovedPages int `json:"removed_pages"`
	ErrorPages   int `json:"error_pages"`
}

// PageStatus is the latest known state of a page within a site.
type PageStatus string

// Page status values persisted in the store.
const (
	PageStatusActive  PageStatus = "active"
	PageStatusRemoved PageStatus = "removed"
	PageStatusError   PageStatus = "error"
)

// Page is the per-site identity row for one URL. (SiteID, URL) is
// unique; rows are never deleted by the core, only by site deletion
// cascade.
type Page struct {
	ID              string     `json:"id"`
	SiteID          string     `json:"site_id"`
	URL             string     `json:"url"`
	Status          PageStatus `json:"status"`
	ContentHash     string     `json:"content_hash"`
	Title           string     `json:"title"`
	MetaDescription string     `json:"meta_description"`
	CanonicalURL    string     `json:"canonical_url"`
	ResponseCode    int        `json:"response_code"`
	LoadTimeMs      int64      `json:"load_time_ms"`
	FirstSeen       time.Time  `json:"first_seen"`
	LastSeen        time.Time  `json:"last_seen"`
}

// Heading is one entry of a page's heading outline.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// PageSnapshot is the immutable extracted record for one URL within
// one scan. (ScanID, PageID) is unique.
type PageSnapshot struct {
	ID              string         `json:"id"`
	ScanID          string         `json:"scan_id"`
	PageID          string         `json:"page_id"`
	URL             string         `json:"url"`
	Title           string         `json:"title"`
	MetaDescription string         `json:"meta_description"`
	CanonicalURL    string         `json:"canonical_url"`
	Breadcrumbs     []string       `json:"breadcrumbs,omitempty"`
	Headings        []Heading      `json:"headings,omitempty"`
	CustomData      map[string]any `json:"custom_data,omitempty"`
	ContentHash     string         `json:"content_hash"`
	ResponseCode    int            `json:"response_code"`
	LoadTimeMs      int64          `json:"load_time_ms"`
	ExtractionID    string         `json:"extraction_id,omitempty"`
	// BlobURI points at the archived raw body when archiving is on.
	BlobURI   string    `json:"blob_uri,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// JobType identifies the unit of work a job drives.
type JobType string

// Job types accepted by the dispatcher.
const (
	JobTypeScan       JobType = "scan"
	JobTypeDiscovery  JobType = "discovery"
	JobTypeExtraction JobType = "extraction"
	JobTypeComparison JobType = "comparison"
	JobTypeCleanup    JobType = "cleanup"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job status values persisted in the store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// DefaultMaxRetries is applied to jobs submitted without an explicit
// retry budget.
const DefaultMaxRetries = 3

// Job is a scheduled or in-flight unit of work executed by the
// dispatcher.
//
// Invariants maintained by the store implementations:
//   - StartedAt is set iff status is running or terminal.
//   - CompletedAt is set iff status is terminal.
//   - Progress is 100 iff status is completed.
type Job struct {
	ID           string         `json:"id"`
	SiteID       string         `json:"site_id"`
	Type         JobType        `json:"type"`
	Status       JobStatus      `json:"status"`
	Priority     int            `json:"priority"`
	Progress     int            `json:"progress"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorText    string         `json:"error_text,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// JobStats summarizes queue depth for the stats endpoint.
type JobStats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Failed  int `json:"failed"`
}

// FetchResult is the outcome of fetching one URL. Transport failures
// produce StatusCode 0 with Err set; HTTP-level failures carry the
// actual status code.
type FetchResult struct {
	URL         string
	StatusCode  int
	Headers     map[string][]string
	Body        []byte
	ContentType string
	LoadTime    time.Duration
	ContentHash string
	Err         error
}

// OK reports whether the response is in the [200, 400) band.
func (r FetchResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 400
}

// IsHTML reports whether the response body claims to be HTML.
func (r FetchResult) IsHTML() bool {
	for _, v := range r.Headers["Content-Type"] {
		if containsLower(v, "text/html") || containsLower(v, "application/xhtml") {
			return true
		}
	}
	return containsLower(r.ContentType, "text/html") || containsLower(r.ContentType, "application/xhtml")
}

func containsLower(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
