// Package scan runs one end-to-end scan of a site: discover URLs,
// fetch and extract each page, persist snapshots, and roll the
// results up onto the site.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/webmonitor/sitewatch/internal/crawl"
	"github.com/webmonitor/sitewatch/internal/metrics"
	"github.com/webmonitor/sitewatch/internal/monitor"
	"github.com/webmonitor/sitewatch/internal/pattern"
	"github.com/webmonitor/sitewatch/internal/pool"
	"github.com/webmonitor/sitewatch/internal/progress"
	"github.com/webmonitor/sitewatch/internal/sitemap"
)

// defaultRescanInterval schedules the next scan when the site has no
// explicit schedule.
const defaultRescanInterval = 6 * time.Hour

// Progress bands. Discovery owns [0,25), fetching [25,75), persistence
// [75,95), rollup the rest.
const (
	progressDiscovered = 25
	progressFetched    = 75
	progressPersisted  = 95
	progressDone       = 100
)

// fetchChunkSize bounds how many URLs go to the pool per call so
// progress can advance and cancellation is observed between chunks.
const fetchChunkSize = 50

// persistBatchSize bounds snapshot writes per store round.
const persistBatchSize = 100

// SitemapDiscoverer enumerates URLs from sitemap sources.
type SitemapDiscoverer interface {
	Discover(ctx context.Context, rootURL string, settings monitor.DiscoverySettings) (sitemap.Result, error)
}

// LinkCrawler enumerates URLs by walking the site's link graph.
type LinkCrawler interface {
	Discover(ctx context.Context, rootURL string, cfg monitor.CrawlSettings) (crawl.Result, error)
}

// PagePool fetches and extracts a set of URLs.
type PagePool interface {
	Process(ctx context.Context, scanID string, tasks []pool.Task) []pool.PageResult
}

// Orchestrator executes scan jobs against a store.
type Orchestrator struct {
	store    monitor.Store
	sitemaps SitemapDiscoverer
	crawler  LinkCrawler
	pool     PagePool
	clock    monitor.Clock
	ids      monitor.IDGenerator
	reporter progress.Reporter
	log      *zap.Logger
}

// New builds an Orchestrator.
func New(
	store monitor.Store,
	sitemaps SitemapDiscoverer,
	crawler LinkCrawler,
	pagePool PagePool,
	clock monitor.Clock,
	ids monitor.IDGenerator,
	reporter progress.Reporter,
	log *zap.Logger,
) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if reporter == nil {
		reporter = progress.NopReporter{}
	}
	metrics.Init()
	return &Orchestrator{
		store:    store,
		sitemaps: sitemaps,
		crawler:  crawler,
		pool:     pagePool,
		clock:    clock,
		ids:      ids,
		reporter: reporter,
		log:      log.Named("scan"),
	}
}

// Run executes one scan job end to end. The job must already hold the
// lease (status running). Run records the terminal job status itself;
// the returned error signals whether the dispatcher should requeue:
// nil means done (completed or cancelled), an error wrapping
// monitor.ErrPermanent means failed for good, anything else is
// retryable.
func (o *Orchestrator) Run(ctx context.Context, job monitor.Job) error {
	log := o.log.With(zap.String("job_id", job.ID), zap.String("site_id", job.SiteID))
	metrics.IncActiveScans()
	defer metrics.DecActiveScans()

	site, err := o.store.GetSite(ctx, job.SiteID)
	if err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			err = fmt.Errorf("site %s: %w", job.SiteID, monitor.ErrPermanent)
			o.failJob(ctx, job, "site not found")
			return err
		}
		o.failJob(ctx, job, err.Error())
		return fmt.Errorf("load site: %w", err)
	}
	if site.Status != monitor.SiteStatusActive {
		err = fmt.Errorf("site %s is %s: %w", site.ID, site.Status, monitor.ErrPermanent)
		o.failJob(ctx, job, fmt.Sprintf("site is %s", site.Status))
		return err
	}

	startedAt := o.clock.Now()
	scan := monitor.Scan{
		ID:              o.ids.NewID(),
		SiteID:          site.ID,
		Status:          monitor.ScanStatusRunning,
		DiscoveryMethod: site.Discovery.Method,
		Settings:        site.Extraction,
		StartedAt:       startedAt,
	}
	if err := o.store.CreateScan(ctx, scan); err != nil {
		o.failJob(ctx, job, err.Error())
		return fmt.Errorf("create scan: %w", err)
	}
	log = log.With(zap.String("scan_id", scan.ID))
	log.Info("scan started", zap.String("method", string(site.Discovery.Method)))
	o.reporter.Report(ctx, job.ID, 0, "discovery started")

	urls, warnings, err := o.discover(ctx, site)
	if err != nil {
		return o.finish(ctx, job, scan, site, nil, warnings, err)
	}
	o.reporter.Report(ctx, job.ID, progressDiscovered, fmt.Sprintf("discovered %d urls", len(urls)))
	log.Info("discovery finished", zap.Int("urls", len(urls)), zap.Int("warnings", len(warnings)))

	results, err := o.fetchAll(ctx, job, scan.ID, site, urls)
	if err != nil {
		return o.finish(ctx, job, scan, site, results, warnings, err)
	}
	o.reporter.Report(ctx, job.ID, progressFetched, "fetching finished")

	scan.ScannedURLs = urlPreview(urls)
	return o.finish(ctx, job, scan, site, results, warnings, nil)
}

// discover enumerates the URL set per the site's discovery method and
// normalizes it for page identity. Per-source failures surface as
// warnings, not errors; only cancellation aborts discovery.
func (o *Orchestrator) discover(ctx context.Context, site monitor.Site) ([]string, []string, error) {
	var (
		raw      []string
		warnings []string
	)
	switch site.Discovery.Method {
	case monitor.DiscoveryCrawling:
		res, err := o.crawler.Discover(ctx, site.RootURL, site.Discovery.Crawl)
		if err != nil {
			return nil, res.Warnings, fmt.Errorf("crawl discovery: %w", err)
		}
		raw = res.URLs
		warnings = res.Warnings
	default:
		res, err := o.sitemaps.Discover(ctx, site.RootURL, site.Discovery)
		if err != nil {
			return nil, res.Warnings, fmt.Errorf("sitemap discovery: %w", err)
		}
		for _, entry := range res.URLs {
			raw = append(raw, entry.Loc)
		}
		warnings = res.Warnings
	}

	seen := make(map[string]struct{}, len(raw))
	urls := make([]string, 0, len(raw))
	for _, u := range raw {
		normalized, err := monitor.NormalizeURL(u)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("skipping unparseable url %q", u))
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		urls = append(urls, normalized)
	}
	return urls, warnings, nil
}

// errCancelled signals that the job row was flipped to cancelled from
// outside while the scan was running.
var errCancelled = errors.New("job cancelled")

// jobCancelled checks the job row for an external cancel request. The
// check is best-effort: if the row cannot be read the scan carries on.
func (o *Orchestrator) jobCancelled(ctx context.Context, jobID string) bool {
	job, err := o.store.GetJob(ctx, jobID)
	return err == nil && job.Status == monitor.JobStatusCancelled
}

// fetchAll runs the pool over the URL set in chunks, reporting
// progress and re-checking for cancellation between chunks.
func (o *Orchestrator) fetchAll(ctx context.Context, job monitor.Job, scanID string, site monitor.Site, urls []string) ([]pool.PageResult, error) {
	results := make([]pool.PageResult, 0, len(urls))
	for start := 0; start < len(urls); start += fetchChunkSize {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("fetching canceled: %w", err)
		}
		if o.jobCancelled(ctx, job.ID) {
			return results, errCancelled
		}
		end := start + fetchChunkSize
		if end > len(urls) {
			end = len(urls)
		}
		tasks := make([]pool.Task, 0, end-start)
		for _, u := range urls[start:end] {
			cfg := ResolveConfig(site.Extraction, u)
			tasks = append(tasks, pool.Task{URL: u, Config: cfg, ExtractionID: cfg.ID})
		}
		chunk := o.pool.Process(ctx, scanID, tasks)
		for _, r := range chunk {
			metrics.ObserveFetch(r.StatusCode, time.Duration(r.LoadTimeMs)*time.Millisecond)
		}
		results = append(results, chunk...)

		percent := progressDiscovered + (progressFetched-progressDiscovered)*len(results)/len(urls)
		o.reporter.Report(ctx, job.ID, percent, fmt.Sprintf("fetched %d/%d", len(results), len(urls)))
	}
	return results, nil
}

// finish persists whatever the scan produced, derives the terminal
// status, and records it on the scan, the site and the job.
func (o *Orchestrator) finish(ctx context.Context, job monitor.Job, scan monitor.Scan, site monitor.Site, results []pool.PageResult, warnings []string, runErr error) error {
	counters, persistWarnings, persistErr := o.persist(ctx, job, scan, site, results)
	warnings = append(warnings, persistWarnings...)

	status, errText := deriveFinalStatus(ctx, runErr, persistErr)
	now := o.clock.Now()
	scan.Status = status
	scan.Counters = counters
	scan.ErrorText = errText
	scan.Warnings = warnings
	scan.CompletedAt = &now
	if err := o.store.UpdateScan(ctx, scan); err != nil {
		o.log.Error("record scan outcome", zap.String("scan_id", scan.ID), zap.Error(err))
	}

	if status == monitor.ScanStatusCompleted {
		interval := site.Schedule.Interval
		if interval <= 0 {
			interval = defaultRescanInterval
		}
		if err := o.store.UpdateSiteRollup(ctx, site.ID, counters, now, now.Add(interval)); err != nil {
			o.log.Error("update site rollup", zap.String("site_id", site.ID), zap.Error(err))
		}
	}

	metrics.ObserveScan(string(status))
	o.log.Info("scan finished",
		zap.String("scan_id", scan.ID),
		zap.String("status", string(status)),
		zap.Int("total_pages", counters.TotalPages),
		zap.Int("changed_pages", counters.ChangedPages),
		zap.Int("error_pages", counters.ErrorPages),
	)

	job.Result = map[string]any{
		"scan_id":       scan.ID,
		"total_pages":   counters.TotalPages,
		"new_pages":     counters.NewPages,
		"changed_pages": counters.ChangedPages,
		"removed_pages": counters.RemovedPages,
		"error_pages":   counters.ErrorPages,
	}
	switch status {
	case monitor.ScanStatusCancelled:
		job.Status = monitor.JobStatusCancelled
		job.ErrorText = errText
	case monitor.ScanStatusFailed:
		job.Status = monitor.JobStatusFailed
		job.ErrorText = errText
	default:
		job.Status = monitor.JobStatusCompleted
		job.ErrorText = ""
	}
	if err := o.store.UpdateJob(ctx, job); err != nil {
		o.log.Error("record job outcome", zap.String("job_id", job.ID), zap.Error(err))
	}
	if job.Status == monitor.JobStatusCompleted {
		o.reporter.Report(ctx, job.ID, progressDone, "scan completed")
		return nil
	}
	if job.Status == monitor.JobStatusCancelled {
		return nil
	}
	if persistErr != nil {
		return persistErr
	}
	return runErr
}

// persist writes pages and snapshots in batches and computes the scan
// counters against the previous page state.
func (o *Orchestrator) persist(ctx context.Context, job monitor.Job, scan monitor.Scan, site monitor.Site, results []pool.PageResult) (monitor.ScanCounters, []string, error) {
	var (
		counters monitor.ScanCounters
		warnings []string
	)
	if len(results) == 0 {
		return counters, nil, nil
	}

	previous, err := o.store.ListPages(ctx, site.ID)
	if err != nil {
		return counters, warnings, fmt.Errorf("load previous pages: %w", err)
	}
	// Newness is judged against the previous scan's URL set: a page an
	// earlier scan marked removed that comes back counts as new again.
	prevByURL := make(map[string]monitor.Page, len(previous))
	for _, p := range previous {
		if p.Status == monitor.PageStatusRemoved {
			continue
		}
		prevByURL[p.URL] = p
	}

	for start := 0; start < len(results); start += persistBatchSize {
		if err := ctx.Err(); err != nil {
			return counters, warnings, fmt.Errorf("persistence canceled: %w", err)
		}
		if o.jobCancelled(ctx, job.ID) {
			return counters, warnings, errCancelled
		}
		end := start + persistBatchSize
		if end > len(results) {
			end = len(results)
		}

		snapshots := make([]monitor.PageSnapshot, 0, end-start)
		for _, r := range results[start:end] {
			warnings = append(warnings, r.Warnings...)

			page := monitor.Page{
				SiteID:       site.ID,
				URL:          r.URL,
				Status:       monitor.PageStatusActive,
				ContentHash:  r.ContentHash,
				ResponseCode: r.StatusCode,
				LoadTimeMs:   r.LoadTimeMs,
			}
			// An error page is a bad response code, not a failed
			// extraction: a 200 PDF is recorded, not counted as broken.
			if r.StatusCode < 200 || r.StatusCode >= 400 {
				counters.ErrorPages++
				page.Status = monitor.PageStatusError
			}
			if !r.Extracted {
				if prev, ok := prevByURL[r.URL]; ok {
					// Keep the last good extraction on the identity row.
					page.ContentHash = prev.ContentHash
					page.Title = prev.Title
					page.MetaDescription = prev.MetaDescription
					page.CanonicalURL = prev.CanonicalURL
				}
			} else {
				page.Title = r.Extraction.Title
				page.MetaDescription = r.Extraction.MetaDescription
				page.CanonicalURL = r.Extraction.CanonicalURL
			}

			pageID, err := o.store.UpsertPage(ctx, page)
			if err != nil {
				return counters, warnings, fmt.Errorf("upsert page %s: %w", r.URL, err)
			}

			counters.TotalPages++
			prev, existed := prevByURL[r.URL]
			switch {
			case !existed:
				counters.NewPages++
			case r.Extracted && prev.ContentHash != r.ContentHash:
				counters.ChangedPages++
			}

			if r.Extracted {
				snapshots = append(snapshots, monitor.PageSnapshot{
					ID:              o.ids.NewID(),
					ScanID:          scan.ID,
					PageID:          pageID,
					URL:             r.URL,
					Title:           r.Extraction.Title,
					MetaDescription: r.Extraction.MetaDescription,
					CanonicalURL:    r.Extraction.CanonicalURL,
					Breadcrumbs:     r.Extraction.Breadcrumbs,
					Headings:        r.Extraction.Headings,
					CustomData:      r.Extraction.CustomData,
					ContentHash:     r.ContentHash,
					ResponseCode:    r.StatusCode,
					LoadTimeMs:      r.LoadTimeMs,
					ExtractionID:    r.ExtractionID,
					BlobURI:         r.BlobURI,
					CreatedAt:       o.clock.Now(),
				})
			}
		}
		if len(snapshots) > 0 {
			if err := o.store.InsertSnapshots(ctx, snapshots); err != nil {
				return counters, warnings, fmt.Errorf("insert snapshots: %w", err)
			}
		}

		percent := progressFetched + (progressPersisted-progressFetched)*end/len(results)
		o.reporter.Report(ctx, job.ID, percent, fmt.Sprintf("persisted %d/%d", end, len(results)))
	}

	removed, err := o.store.MarkPagesRemoved(ctx, site.ID, scan.StartedAt)
	if err != nil {
		return counters, warnings, fmt.Errorf("mark removed pages: %w", err)
	}
	counters.RemovedPages = removed

	return counters, warnings, nil
}

// failJob records a terminal failure for jobs that never reached the
// scan stage.
func (o *Orchestrator) failJob(ctx context.Context, job monitor.Job, errText string) {
	job.Status = monitor.JobStatusFailed
	job.ErrorText = errText
	if err := o.store.UpdateJob(ctx, job); err != nil {
		o.log.Error("record job failure", zap.String("job_id", job.ID), zap.Error(err))
	}
	metrics.ObserveScan(string(monitor.ScanStatusFailed))
}

// deriveFinalStatus folds the run and persistence outcomes into a
// scan status. Cancellation wins over everything; an empty URL set is
// a completed scan of zero pages, not a failure.
func deriveFinalStatus(ctx context.Context, runErr, persistErr error) (monitor.ScanStatus, string) {
	if ctx.Err() != nil || errors.Is(runErr, errCancelled) || errors.Is(persistErr, errCancelled) {
		return monitor.ScanStatusCancelled, "scan canceled"
	}
	if runErr != nil {
		return monitor.ScanStatusFailed, runErr.Error()
	}
	if persistErr != nil {
		return monitor.ScanStatusFailed, persistErr.Error()
	}
	return monitor.ScanStatusCompleted, ""
}

// ResolveConfig picks the extraction config for a URL: the matching
// override with the highest priority wins, ties broken by list order,
// falling back to the site default. The result always has package
// defaults applied.
func ResolveConfig(settings monitor.ExtractionSettings, url string) monitor.ExtractionConfig {
	best := -1
	cfg := settings.Default
	for _, o := range settings.Overrides {
		if o.Priority > best && pattern.Matches(url, []string{o.Pattern}) {
			best = o.Priority
			cfg = o.Config
		}
	}
	if best < 0 && extractionConfigEmpty(cfg) {
		cfg = monitor.DefaultExtractionConfig()
	}
	return cfg.ApplyDefaults()
}

func extractionConfigEmpty(c monitor.ExtractionConfig) bool {
	return !c.Title && !c.MetaDescription && !c.Canonical && !c.MetaKeywords &&
		!c.OpenGraph.Enabled && !c.Headings.Enabled && !c.Navigation.Enabled &&
		!c.Content.Enabled && !c.Ecommerce.Enabled && len(c.CustomSelectors) == 0
}

func urlPreview(urls []string) []string {
	if len(urls) <= monitor.MaxScannedURLPreview {
		return urls
	}
	return urls[:monitor.MaxScannedURLPreview]
}
