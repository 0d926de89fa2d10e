// Package memory provides an in-memory Store for development and
// testing. It mirrors the postgres implementation's semantics,
// including lease acquisition and upsert behavior.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/webmonitor/sitewatch/internal/monitor"
)

// Store keeps everything under one mutex. Good enough for tests and
// single-process development.
type Store struct {
	mu        sync.RWMutex
	sites     map[string]monitor.Site
	scans     map[string]monitor.Scan
	pages     map[string]monitor.Page         // by page ID
	pageIndex map[string]string               // siteID+"\x00"+url -> page ID
	snapshots map[string][]monitor.PageSnapshot // by scan ID
	jobs      map[string]monitor.Job

	clock monitor.Clock
	idGen monitor.IDGenerator
}

// New constructs an empty Store.
func New(clock monitor.Clock, idGen monitor.IDGenerator) *Store {
	return &Store{
		sites:     make(map[string]monitor.Site),
		scans:     make(map[string]monitor.Scan),
		pages:     make(map[string]monitor.Page),
		pageIndex: make(map[string]string),
		snapshots: make(map[string][]monitor.PageSnapshot),
		jobs:      make(map[string]monitor.Job),
		clock:     clock,
		idGen:     idGen,
	}
}

func pageKey(siteID, url string) string {
	return siteID + "\x00" + url
}

// PutSite inserts or replaces a site. Not part of the Store
// interface; site management belongs to the dashboard layer, but
// tests and dev seeding need a way in.
func (s *Store) PutSite(site monitor.Site) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[site.ID] = site
}

// GetSite returns a site by ID.
func (s *Store) GetSite(_ context.Context, siteID string) (monitor.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	if !ok {
		return monitor.Site{}, monitor.ErrNotFound
	}
	return site, nil
}

// UpdateSiteRollup updates the last-scan counters and schedule fields.
func (s *Store) UpdateSiteRollup(_ context.Context, siteID string, counters monitor.ScanCounters, lastScan, nextScan time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[siteID]
	if !ok {
		return monitor.ErrNotFound
	}
	site.TotalPages = counters.TotalPages
	site.NewPages = counters.NewPages
	site.ChangedPages = counters.ChangedPages
	site.RemovedPages = counters.RemovedPages
	site.LastScan = ptrTime(lastScan)
	site.NextScan = ptrTime(nextScan)
	s.sites[siteID] = site
	return nil
}

// DeleteArchivedSites removes sites archived before the cutoff along
// with their pages, scans, snapshots, and jobs.
func (s *Store) DeleteArchivedSites(_ context.Context, archivedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, site := range s.sites {
		if site.Status != monitor.SiteStatusArchived || site.ArchivedAt == nil || !site.ArchivedAt.Before(archivedBefore) {
			continue
		}
		delete(s.sites, id)
		deleted++
		for pid, page := range s.pages {
			if page.SiteID == id {
				delete(s.pages, pid)
				delete(s.pageIndex, pageKey(id, page.URL))
			}
		}
		for scanID, scan := range s.scans {
			if scan.SiteID == id {
				delete(s.scans, scanID)
				delete(s.snapshots, scanID)
			}
		}
		for jobID, job := range s.jobs {
			if job.SiteID == id {
				delete(s.jobs, jobID)
			}
		}
	}
	return deleted, nil
}

// CreateScan stores a new scan row.
func (s *Store) CreateScan(_ context.Context, scan monitor.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans[scan.ID] = scan
	return nil
}

// GetScan returns a scan by ID.
func (s *Store) GetScan(_ context.Context, scanID string) (monitor.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scan, ok := s.scans[scanID]
	if !ok {
		return monitor.Scan{}, monitor.ErrNotFound
	}
	return scan, nil
}

// UpdateScan replaces a scan row.
func (s *Store) UpdateScan(_ context.Context, scan monitor.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[scan.ID]; !ok {
		return monitor.ErrNotFound
	}
	s.scans[scan.ID] = scan
	return nil
}

// ListScans returns a site's scans, newest first.
func (s *Store) ListScans(_ context.Context, siteID string, limit int) ([]monitor.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Scan
	for _, scan := range s.scans {
		if scan.SiteID == siteID {
			out = append(out, scan)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertPage inserts or refreshes the (siteID, url) identity row.
// FirstSeen is preserved across updates; LastSeen always advances.
func (s *Store) UpsertPage(_ context.Context, page monitor.Page) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	key := pageKey(page.SiteID, page.URL)
	if existingID, ok := s.pageIndex[key]; ok {
		existing := s.pages[existingID]
		page.ID = existing.ID
		page.FirstSeen = existing.FirstSeen
		page.LastSeen = now
		s.pages[existingID] = page
		return existing.ID, nil
	}
	if page.ID == "" {
		page.ID = s.idGen.NewID()
	}
	page.FirstSeen = now
	page.LastSeen = now
	s.pages[page.ID] = page
	s.pageIndex[key] = page.ID
	return page.ID, nil
}

// ListPages returns every page row for a site.
func (s *Store) ListPages(_ context.Context, siteID string) ([]monitor.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Page
	for _, page := range s.pages {
		if page.SiteID == siteID {
			out = append(out, page)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// MarkPagesRemoved flips active pages not seen since the cutoff to
// removed and reports how many changed.
func (s *Store) MarkPagesRemoved(_ context.Context, siteID string, seenBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for id, page := range s.pages {
		if page.SiteID != siteID || page.Status != monitor.PageStatusActive {
			continue
		}
		if page.LastSeen.Before(seenBefore) {
			page.Status = monitor.PageStatusRemoved
			s.pages[id] = page
			changed++
		}
	}
	return changed, nil
}

// InsertSnapshots appends immutable snapshot rows.
func (s *Store) InsertSnapshots(_ context.Context, snapshots []monitor.PageSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snapshots {
		s.snapshots[snap.ScanID] = append(s.snapshots[snap.ScanID], snap)
	}
	return nil
}

// ListSnapshots returns all snapshots for a scan.
func (s *Store) ListSnapshots(_ context.Context, scanID string) ([]monitor.PageSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[scanID]
	out := make([]monitor.PageSnapshot, len(snaps))
	copy(out, snaps)
	return out, nil
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job monitor.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (monitor.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return monitor.Job{}, monitor.ErrNotFound
	}
	return job, nil
}

// UpdateJob replaces a job row, repairing timestamp invariants.
func (s *Store) UpdateJob(_ context.Context, job monitor.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return monitor.ErrNotFound
	}
	s.jobs[job.ID] = job.Normalized(s.clock.Now())
	return nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(_ context.Context, filter monitor.JobFilter) ([]monitor.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Job
	for _, job := range s.jobs {
		if filter.SiteID != "" && job.SiteID != filter.SiteID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListQueuedJobs returns due queued jobs ordered by priority then age.
func (s *Store) ListQueuedJobs(_ context.Context, now time.Time, limit int) ([]monitor.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Job
	for _, job := range s.jobs {
		if job.Status != monitor.JobStatusQueued {
			continue
		}
		if job.ScheduledFor != nil && job.ScheduledFor.After(now) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AcquireJobLease transitions queued -> running atomically.
func (s *Store) AcquireJobLease(_ context.Context, jobID string, now time.Time) (monitor.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return monitor.Job{}, monitor.ErrNotFound
	}
	if job.Status != monitor.JobStatusQueued {
		return monitor.Job{}, monitor.ErrLeaseConflict
	}
	job.Status = monitor.JobStatusRunning
	job.StartedAt = ptrTime(now)
	s.jobs[jobID] = job
	return job, nil
}

// FindStuckJobs returns running jobs whose lease started before the
// cutoff.
func (s *Store) FindStuckJobs(_ context.Context, runningSince time.Time) ([]monitor.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Job
	for _, job := range s.jobs {
		if job.Status != monitor.JobStatusRunning || job.StartedAt == nil {
			continue
		}
		if job.StartedAt.Before(runningSince) {
			out = append(out, job)
		}
	}
	return out, nil
}

// DeleteOldJobs removes terminal jobs completed before the cutoff.
func (s *Store) DeleteOldJobs(_ context.Context, completedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, job := range s.jobs {
		if !job.Status.Terminal() || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.Before(completedBefore) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// JobStats counts jobs by the statuses the stats endpoint reports.
func (s *Store) JobStats(_ context.Context) (monitor.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats monitor.JobStats
	for _, job := range s.jobs {
		switch job.Status {
		case monitor.JobStatusQueued:
			stats.Queued++
		case monitor.JobStatusRunning:
			stats.Running++
		case monitor.JobStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(context.Context) error {
	return nil
}

func ptrTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
