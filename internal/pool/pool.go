// Package pool runs fetch-and-extract work over a bounded set of
// workers with global token-bucket pacing.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/webmonitor/sitewatch/internal/extract"
	"github.com/webmonitor/sitewatch/internal/monitor"
)

// Archiver persists raw page bodies and returns a URI. Optional; a
// nil archiver disables archiving.
type Archiver interface {
	Put(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// Task is one URL to fetch and extract.
type Task struct {
	URL          string
	Config       monitor.ExtractionConfig
	ExtractionID string
}

// PageResult is the outcome for one task. Extracted is false for
// non-2xx/3xx responses and non-HTML bodies; those still produce a
// result so the orchestrator can record the status code.
type PageResult struct {
	URL          string
	StatusCode   int
	LoadTimeMs   int64
	ContentHash  string
	Extracted    bool
	Extraction   extract.Result
	ExtractionID string
	BlobURI      string
	Err          error
	Warnings     []string
}

// Config sizes the pool.
type Config struct {
	Workers    int
	CrawlDelay time.Duration
}

// Pool fans tasks out to Workers goroutines. A single shared limiter
// paces requests across all workers, so concurrency controls overlap
// while the crawl delay controls aggregate request rate.
type Pool struct {
	fetcher   monitor.Fetcher
	extractor *extract.Extractor
	hasher    monitor.Hasher
	archiver  Archiver
	cfg       Config
	log       *zap.Logger
}

// New builds a Pool. archiver may be nil.
func New(fetcher monitor.Fetcher, hasher monitor.Hasher, archiver Archiver, cfg Config, log *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		fetcher:   fetcher,
		extractor: extract.New(log),
		hasher:    hasher,
		archiver:  archiver,
		cfg:       cfg,
		log:       log.Named("pool"),
	}
}

// Process fetches and extracts every task, returning results in task
// order. Cancellation stops the intake; tasks already picked up drain
// normally and unstarted tasks come back with the context error.
func (p *Pool) Process(ctx context.Context, scanID string, tasks []Task) []PageResult {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if p.cfg.CrawlDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(p.cfg.CrawlDelay), 1)
	}

	results := make([]PageResult, len(tasks))
	indexes := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < p.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				results[i] = p.processOne(ctx, scanID, tasks[i], limiter)
			}
		}()
	}

	for i := range tasks {
		select {
		case <-ctx.Done():
			results[i] = PageResult{URL: tasks[i].URL, Err: ctx.Err()}
			continue
		case indexes <- i:
		}
	}
	close(indexes)
	wg.Wait()

	return results
}

func (p *Pool) processOne(ctx context.Context, scanID string, task Task, limiter *rate.Limiter) PageResult {
	res := PageResult{URL: task.URL, ExtractionID: task.ExtractionID}

	if err := limiter.Wait(ctx); err != nil {
		res.Err = fmt.Errorf("pacing wait: %w", err)
		return res
	}

	fetched := p.fetcher.Fetch(ctx, task.URL)
	res.StatusCode = fetched.StatusCode
	res.LoadTimeMs = fetched.LoadTime.Milliseconds()
	res.Err = fetched.Err

	if !fetched.OK() || !fetched.IsHTML() {
		return res
	}

	res.ContentHash = p.hasher.Hash(fetched.Body)

	extracted, err := p.extractor.Extract(fetched.Body, fetched.URL, task.Config)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("extract %s: %v", task.URL, err))
		return res
	}
	res.Extracted = true
	res.Extraction = extracted
	res.Warnings = append(res.Warnings, extracted.Warnings...)

	if p.archiver != nil && len(fetched.Body) > 0 {
		path := fmt.Sprintf("%s/%s.html", scanID, res.ContentHash)
		uri, err := p.archiver.Put(ctx, path, "text/html; charset=utf-8", fetched.Body)
		if err != nil {
			p.log.Warn("archive put failed", zap.String("url", task.URL), zap.Error(err))
			res.Warnings = append(res.Warnings, fmt.Sprintf("archive %s: %v", task.URL, err))
		} else {
			res.BlobURI = uri
		}
	}

	return res
}
