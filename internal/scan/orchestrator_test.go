package scan

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webmonitor/sitewatch/internal/crawl"
	"github.com/webmonitor/sitewatch/internal/extract"
	"github.com/webmonitor/sitewatch/internal/monitor"
	"github.com/webmonitor/sitewatch/internal/pool"
	"github.com/webmonitor/sitewatch/internal/sitemap"
	"github.com/webmonitor/sitewatch/internal/store/memory"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

// steppingClock lets a test move time forward between phases.
type steppingClock struct{ now time.Time }

func (c *steppingClock) Now() time.Time { return c.now }

type seqID struct{ n int }

func (s *seqID) NewID() string {
	s.n++
	return fmt.Sprintf("id-%d", s.n)
}

type fakeSitemaps struct {
	result sitemap.Result
	err    error
}

func (f fakeSitemaps) Discover(context.Context, string, monitor.DiscoverySettings) (sitemap.Result, error) {
	return f.result, f.err
}

type fakeCrawler struct {
	result crawl.Result
	err    error
}

func (f fakeCrawler) Discover(context.Context, string, monitor.CrawlSettings) (crawl.Result, error) {
	return f.result, f.err
}

// fakePool returns a canned result per URL and records the tasks it
// was handed.
type fakePool struct {
	byURL map[string]pool.PageResult
	tasks []pool.Task
}

func (f *fakePool) Process(_ context.Context, _ string, tasks []pool.Task) []pool.PageResult {
	f.tasks = append(f.tasks, tasks...)
	out := make([]pool.PageResult, 0, len(tasks))
	for _, t := range tasks {
		if r, ok := f.byURL[t.URL]; ok {
			r.URL = t.URL
			r.ExtractionID = t.ExtractionID
			out = append(out, r)
			continue
		}
		out = append(out, pool.PageResult{
			URL:         t.URL,
			StatusCode:  200,
			ContentHash: "hash-" + t.URL,
			Extracted:   true,
			Extraction:  extract.Result{Title: "Title " + t.URL},
		})
	}
	return out
}

func activeSite() monitor.Site {
	return monitor.Site{
		ID:      "site-1",
		Name:    "Example",
		RootURL: "https://example.com",
		Status:  monitor.SiteStatusActive,
		Discovery: monitor.DiscoverySettings{
			Method:     monitor.DiscoverySitemap,
			AutoDetect: true,
		},
	}
}

func newOrchestrator(t *testing.T, store *memory.Store, sitemaps SitemapDiscoverer, crawler LinkCrawler, p PagePool) *Orchestrator {
	t.Helper()
	clock := fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	return New(store, sitemaps, crawler, p, clock, &seqID{}, nil, zap.NewNop())
}

func runningJob(id string) monitor.Job {
	return monitor.Job{ID: id, SiteID: "site-1", Type: monitor.JobTypeScan, Status: monitor.JobStatusRunning}
}

func TestRunCompletesAndRollsUp(t *testing.T) {
	t.Parallel()

	clock := fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := memory.New(clock, &seqID{})
	store.PutSite(activeSite())
	ctx := context.Background()

	job := runningJob("job-1")
	require.NoError(t, store.CreateJob(ctx, job))

	sitemaps := fakeSitemaps{result: sitemap.Result{URLs: []sitemap.Entry{
		{Loc: "https://example.com/a"},
		{Loc: "https://example.com/b"},
		{Loc: "https://example.com/a"}, // duplicate drops out
	}}}
	p := &fakePool{}
	o := newOrchestrator(t, store, sitemaps, fakeCrawler{}, p)

	require.NoError(t, o.Run(ctx, job))

	scans, err := store.ListScans(ctx, "site-1", 10)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	scan := scans[0]
	require.Equal(t, monitor.ScanStatusCompleted, scan.Status)
	require.Equal(t, monitor.DiscoverySitemap, scan.DiscoveryMethod)
	require.Equal(t, monitor.ScanCounters{TotalPages: 2, NewPages: 2}, scan.Counters)
	require.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, scan.ScannedURLs)
	require.NotNil(t, scan.CompletedAt)

	snaps, err := store.ListSnapshots(ctx, scan.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	site, err := store.GetSite(ctx, "site-1")
	require.NoError(t, err)
	require.Equal(t, 2, site.TotalPages)
	require.Equal(t, 2, site.NewPages)
	require.NotNil(t, site.NextScan)
	require.Equal(t, clock.now.Add(6*time.Hour), *site.NextScan)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, monitor.JobStatusCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.Equal(t, scan.ID, got.Result["scan_id"])
}

func TestRunCountsChangedAndRemovedPages(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// Seed the previous scan's pages a day in the past, so their
	// LastSeen lands behind the sweep cutoff: /a's content will change,
	// /gone will not be discovered again.
	clock := &steppingClock{now: now.Add(-24 * time.Hour)}
	store := memory.New(clock, &seqID{})
	store.PutSite(activeSite())
	_, err := store.UpsertPage(ctx, monitor.Page{
		SiteID: "site-1", URL: "https://example.com/a",
		Status: monitor.PageStatusActive, ContentHash: "old-hash",
	})
	require.NoError(t, err)
	_, err = store.UpsertPage(ctx, monitor.Page{
		SiteID: "site-1", URL: "https://example.com/gone",
		Status: monitor.PageStatusActive, ContentHash: "gone-hash",
	})
	require.NoError(t, err)
	clock.now = now

	job := runningJob("job-1")
	require.NoError(t, store.CreateJob(ctx, job))

	sitemaps := fakeSitemaps{result: sitemap.Result{URLs: []sitemap.Entry{{Loc: "https://example.com/a"}}}}
	p := &fakePool{byURL: map[string]pool.PageResult{
		"https://example.com/a": {
			StatusCode:  200,
			ContentHash: "new-hash",
			Extracted:   true,
			Extraction:  extract.Result{Title: "A"},
		},
	}}

	o := New(store, sitemaps, fakeCrawler{}, p, clock, &seqID{}, nil, zap.NewNop())
	require.NoError(t, o.Run(ctx, job))

	scans, err := store.ListScans(ctx, "site-1", 10)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	counters := scans[0].Counters
	require.Equal(t, 1, counters.TotalPages)
	require.Equal(t, 0, counters.NewPages)
	require.Equal(t, 1, counters.ChangedPages)
	require.Equal(t, 1, counters.RemovedPages, "the undiscovered page is swept")

	pages, err := store.ListPages(ctx, "site-1")
	require.NoError(t, err)
	statusByURL := map[string]monitor.PageStatus{}
	for _, pg := range pages {
		statusByURL[pg.URL] = pg.Status
	}
	require.Equal(t, monitor.PageStatusActive, statusByURL["https://example.com/a"])
	require.Equal(t, monitor.PageStatusRemoved, statusByURL["https://example.com/gone"])
}

func TestRunReappearingPageCountsAsNew(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	clock := &steppingClock{now: now.Add(-24 * time.Hour)}
	store := memory.New(clock, &seqID{})
	store.PutSite(activeSite())

	// /back dropped out of the previous scan; it is not part of that
	// scan's URL set, so its return counts as a new page.
	_, err := store.UpsertPage(ctx, monitor.Page{
		SiteID: "site-1", URL: "https://example.com/back",
		Status: monitor.PageStatusRemoved, ContentHash: "stale-hash",
	})
	require.NoError(t, err)
	clock.now = now

	job := runningJob("job-1")
	require.NoError(t, store.CreateJob(ctx, job))

	sitemaps := fakeSitemaps{result: sitemap.Result{URLs: []sitemap.Entry{{Loc: "https://example.com/back"}}}}
	o := New(store, sitemaps, fakeCrawler{}, &fakePool{}, clock, &seqID{}, nil, zap.NewNop())
	require.NoError(t, o.Run(ctx, job))

	scans, err := store.ListScans(ctx, "site-1", 10)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	require.Equal(t, 1, scans[0].Counters.NewPages)
	require.Equal(t, 0, scans[0].Counters.ChangedPages)
}

func TestRunNonHTMLPageIsNotAnError(t *testing.T) {
	t.Parallel()

	clock := fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := memory.New(clock, &seqID{})
	store.PutSite(activeSite())
	ctx := context.Background()

	job := runningJob("job-1")
	require.NoError(t, store.CreateJob(ctx, job))

	sitemaps := fakeSitemaps{result: sitemap.Result{URLs: []sitemap.Entry{{Loc: "https://example.com/report.pdf"}}}}
	p := &fakePool{byURL: map[string]pool.PageResult{
		// 200 with a non-HTML body: recorded but never extracted.
		"https://example.com/report.pdf": {StatusCode: 200, ContentHash: "pdf-hash"},
	}}
	o := newOrchestrator(t, store, sitemaps, fakeCrawler{}, p)

	require.NoError(t, o.Run(ctx, job))

	scans, err := store.ListScans(ctx, "site-1", 10)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	require.Equal(t, 0, scans[0].Counters.ErrorPages)

	pages, err := store.ListPages(ctx, "site-1")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, monitor.PageStatusActive, pages[0].Status)
}

func TestRunErrorPagesKeepLastGoodExtraction(t *testing.T) {
	t.Parallel()

	clock := fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := memory.New(clock, &seqID{})
	store.PutSite(activeSite())
	ctx := context.Background()

	_, err := store.UpsertPage(ctx, monitor.Page{
		SiteID: "site-1", URL: "https://example.com/flaky",
		Status: monitor.PageStatusActive, ContentHash: "good-hash", Title: "Flaky",
	})
	require.NoError(t, err)

	job := runningJob("job-1")
	require.NoError(t, store.CreateJob(ctx, job))

	sitemaps := fakeSitemaps{result: sitemap.Result{URLs: []sitemap.Entry{{Loc: "https://example.com/flaky"}}}}
	p := &fakePool{byURL: map[string]pool.PageResult{
		"https://example.com/flaky": {StatusCode: 503, Err: errors.New("upstream unavailable")},
	}}
	o := newOrchestrator(t, store, sitemaps, fakeCrawler{}, p)

	require.NoError(t, o.Run(ctx, job))

	scans, err := store.ListScans(ctx, "site-1", 10)
	require.NoError(t, err)
	require.Equal(t, 1, scans[0].Counters.ErrorPages)
	require.Equal(t, 0, scans[0].Counters.ChangedPages)

	snaps, err := store.ListSnapshots(ctx, scans[0].ID)
	require.NoError(t, err)
	require.Empty(t, snaps, "failed fetches produce no snapshot")

	pages, err := store.ListPages(ctx, "site-1")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, monitor.PageStatusError, pages[0].Status)
	require.Equal(t, "good-hash", pages[0].ContentHash, "identity row keeps the last good hash")
	require.Equal(t, "Flaky", pages[0].Title)
}

func TestRunMissingSiteFailsPermanently(t *testing.T) {
	t.Parallel()

	clock := fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := memory.New(clock, &seqID{})
	ctx := context.Background()

	job := runningJob("job-1")
	require.NoError(t, store.CreateJob(ctx, job))

	o := newOrchestrator(t, store, fakeSitemaps{}, fakeCrawler{}, &fakePool{})
	err := o.Run(ctx, job)
	require.ErrorIs(t, err, monitor.ErrPermanent)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, monitor.JobStatusFailed, got.Status)
	require.Equal(t, "site not found", got.ErrorText)
}

func TestRunPausedSiteFailsPermanently(t *testing.T) {
	t.Parallel()

	clock := fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := memory.New(clock, &seqID{})
	site := activeSite()
	site.Status = monitor.SiteStatusPaused
	store.PutSite(site)
	ctx := context.Background()

	job := runningJob("job-1")
	require.NoError(t, store.CreateJob(ctx, job))

	o := newOrchestrator(t, store, fakeSitemaps{}, fakeCrawler{}, &fakePool{})
	err := o.Run(ctx, job)
	require.ErrorIs(t, err, monitor.ErrPermanent)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, monitor.JobStatusFailed, got.Status)
}

func TestRunEmptyDiscoveryCompletes(t *testing.T) {
	t.Parallel()

	clock := fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := memory.New(clock, &seqID{})
	store.PutSite(activeSite())
	ctx := context.Background()

	job := runningJob("job-1")
	require.NoError(t, store.CreateJob(ctx, job))

	sitemaps := fakeSitemaps{result: sitemap.Result{Warnings: []string{"sitemap auto-detection found no sitemap"}}}
	o := newOrchestrator(t, store, sitemaps, fakeCrawler{}, &fakePool{})

	require.NoError(t, o.Run(ctx, job))

	scans, err := store.ListScans(ctx, "site-1", 10)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	require.Equal(t, monitor.ScanStatusCompleted, scans[0].Status)
	require.Equal(t, monitor.ScanCounters{}, scans[0].Counters)
	require.NotEmpty(t, scans[0].Warnings)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, monitor.JobStatusCompleted, got.Status)
}

// cancellingPool flips the job row to cancelled mid-scan, the way the
// cancel endpoint would from another process.
type cancellingPool struct {
	store *memory.Store
	jobID string
	inner fakePool
}

func (c *cancellingPool) Process(ctx context.Context, scanID string, tasks []pool.Task) []pool.PageResult {
	job, err := c.store.GetJob(ctx, c.jobID)
	if err == nil {
		job.Status = monitor.JobStatusCancelled
		_ = c.store.UpdateJob(ctx, job)
	}
	return c.inner.Process(ctx, scanID, tasks)
}

func TestRunObservesJobRowCancellation(t *testing.T) {
	t.Parallel()

	clock := fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := memory.New(clock, &seqID{})
	store.PutSite(activeSite())
	ctx := context.Background()

	job := runningJob("job-1")
	require.NoError(t, store.CreateJob(ctx, job))

	// Two chunks of URLs; the cancel lands after the first chunk.
	entries := make([]sitemap.Entry, 0, fetchChunkSize+1)
	for i := 0; i < fetchChunkSize+1; i++ {
		entries = append(entries, sitemap.Entry{Loc: fmt.Sprintf("https://example.com/p/%d", i)})
	}
	sitemaps := fakeSitemaps{result: sitemap.Result{URLs: entries}}
	p := &cancellingPool{store: store, jobID: "job-1"}
	o := newOrchestrator(t, store, sitemaps, fakeCrawler{}, p)

	require.NoError(t, o.Run(ctx, job))

	scans, err := store.ListScans(ctx, "site-1", 10)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	require.Equal(t, monitor.ScanStatusCancelled, scans[0].Status)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, monitor.JobStatusCancelled, got.Status)
}

func TestRunCancelledContext(t *testing.T) {
	t.Parallel()

	clock := fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := memory.New(clock, &seqID{})
	store.PutSite(activeSite())

	job := runningJob("job-1")
	require.NoError(t, store.CreateJob(context.Background(), job))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sitemaps := fakeSitemaps{result: sitemap.Result{URLs: []sitemap.Entry{{Loc: "https://example.com/a"}}}}
	o := newOrchestrator(t, store, sitemaps, fakeCrawler{}, &fakePool{})

	require.NoError(t, o.Run(ctx, job), "cancellation is not a dispatch error")

	got, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, monitor.JobStatusCancelled, got.Status)

	scans, err := store.ListScans(context.Background(), "site-1", 10)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	require.Equal(t, monitor.ScanStatusCancelled, scans[0].Status)
}

func TestRunCrawlDiscovery(t *testing.T) {
	t.Parallel()

	clock := fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := memory.New(clock, &seqID{})
	site := activeSite()
	site.Discovery = monitor.DiscoverySettings{
		Method: monitor.DiscoveryCrawling,
		Crawl:  monitor.DefaultCrawlSettings(),
	}
	store.PutSite(site)
	ctx := context.Background()

	job := runningJob("job-1")
	require.NoError(t, store.CreateJob(ctx, job))

	crawler := fakeCrawler{result: crawl.Result{URLs: []string{"https://example.com/", "https://example.com/about"}}}
	p := &fakePool{}
	o := newOrchestrator(t, store, fakeSitemaps{}, crawler, p)

	require.NoError(t, o.Run(ctx, job))

	scans, err := store.ListScans(ctx, "site-1", 10)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	require.Equal(t, monitor.DiscoveryCrawling, scans[0].DiscoveryMethod)
	require.Equal(t, 2, scans[0].Counters.TotalPages)
	require.Len(t, p.tasks, 2)
}

func TestResolveConfigOverrides(t *testing.T) {
	t.Parallel()

	settings := monitor.ExtractionSettings{
		Default: monitor.ExtractionConfig{ID: "default", Title: true},
		Overrides: []monitor.ExtractionOverride{
			{Pattern: "*/products/*", Priority: 1, Config: monitor.ExtractionConfig{ID: "products", Title: true}},
			{Pattern: "*/products/sale/*", Priority: 5, Config: monitor.ExtractionConfig{ID: "sale", Title: true}},
			{Pattern: "*/products/sale/*", Priority: 5, Config: monitor.ExtractionConfig{ID: "sale-later", Title: true}},
		},
	}

	require.Equal(t, "default", ResolveConfig(settings, "https://example.com/about").ID)
	require.Equal(t, "products", ResolveConfig(settings, "https://example.com/products/widget").ID)
	// Highest priority wins; equal priorities break toward list order.
	require.Equal(t, "sale", ResolveConfig(settings, "https://example.com/products/sale/widget").ID)
}

func TestResolveConfigEmptySettingsFallsBack(t *testing.T) {
	t.Parallel()

	got := ResolveConfig(monitor.ExtractionSettings{}, "https://example.com/")
	require.True(t, got.Title)
	require.True(t, got.Headings.Enabled)
	require.Equal(t, []int{1, 2, 3}, got.Headings.Levels)
}
