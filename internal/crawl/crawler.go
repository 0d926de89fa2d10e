// Package crawl implements breadth-first link discovery bounded by
// depth, page count, URL patterns, and domain policy.
package crawl

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/webmonitor/sitewatch/internal/extract"
	"github.com/webmonitor/sitewatch/internal/monitor"
	"github.com/webmonitor/sitewatch/internal/pattern"
)

// RobotsPolicy answers whether a URL may be fetched. The production
// implementation is fetch.RobotsAgent.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Crawler walks a site's link graph starting at the root URL.
type Crawler struct {
	fetcher   monitor.Fetcher
	robots    RobotsPolicy
	extractor *extract.Extractor
	log       *zap.Logger
}

// New builds a Crawler. robots may be nil when robots.txt is not
// enforced.
func New(fetcher monitor.Fetcher, robots RobotsPolicy, log *zap.Logger) *Crawler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Crawler{
		fetcher:   fetcher,
		robots:    robots,
		extractor: extract.New(log),
		log:       log.Named("crawl"),
	}
}

// Result carries the discovered URL set in first-seen order plus
// non-fatal warnings.
type Result struct {
	URLs     []string
	Warnings []string
}

type frontierItem struct {
	url   string
	depth int
}

type fetchOutcome struct {
	item   frontierItem
	result monitor.FetchResult
}

// Discover runs a breadth-first crawl from rootURL. A URL counts as
// discovered only when it fetches as 2xx HTML; its links feed the
// frontier until the depth or page cap is reached. Cancellation is
// honored between batches; in-flight fetches drain first.
func (c *Crawler) Discover(ctx context.Context, rootURL string, cfg monitor.CrawlSettings) (Result, error) {
	cfg = cfg.ApplyDefaults()

	root, err := monitor.NormalizeURL(rootURL)
	if err != nil {
		return Result{}, fmt.Errorf("parse root url: %w", err)
	}
	rootHost, err := registeredDomain(root)
	if err != nil {
		return Result{}, fmt.Errorf("resolve root domain: %w", err)
	}

	var res Result
	visited := map[string]struct{}{root: {}}
	discovered := make(map[string]struct{})
	frontier := []frontierItem{{url: root, depth: 0}}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("crawl canceled: %w", err)
		}
		if len(discovered) >= cfg.MaxPages {
			break
		}

		batch := frontier
		if len(batch) > cfg.MaxConcurrency {
			batch = batch[:cfg.MaxConcurrency]
		}
		frontier = frontier[len(batch):]

		outcomes := c.fetchBatch(ctx, batch)

		for _, out := range outcomes {
			if len(discovered) >= cfg.MaxPages {
				break
			}
			if out.result.Err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("crawl %s: %v", out.item.url, out.result.Err))
				continue
			}
			if out.result.StatusCode < 200 || out.result.StatusCode >= 300 || !out.result.IsHTML() {
				continue
			}

			if _, dup := discovered[out.item.url]; !dup {
				discovered[out.item.url] = struct{}{}
				res.URLs = append(res.URLs, out.item.url)
			}

			if out.item.depth >= cfg.MaxDepth {
				continue
			}
			for _, link := range c.pageLinks(out.result, out.item.url) {
				if _, seen := visited[link]; seen {
					continue
				}
				if !c.admit(ctx, link, rootHost, cfg) {
					continue
				}
				visited[link] = struct{}{}
				frontier = append(frontier, frontierItem{url: link, depth: out.item.depth + 1})
			}
		}

		if len(frontier) > 0 && cfg.Delay() > 0 {
			if err := sleepWithContext(ctx, cfg.Delay()); err != nil {
				return res, fmt.Errorf("crawl canceled: %w", err)
			}
		}
	}

	return res, nil
}

// fetchBatch fetches one frontier batch concurrently and returns the
// outcomes in batch order.
func (c *Crawler) fetchBatch(ctx context.Context, batch []frontierItem) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(batch))
	var wg sync.WaitGroup
	for i, item := range batch {
		wg.Add(1)
		go func(i int, item frontierItem) {
			defer wg.Done()
			outcomes[i] = fetchOutcome{item: item, result: c.fetcher.Fetch(ctx, item.url)}
		}(i, item)
	}
	wg.Wait()
	return outcomes
}

// pageLinks extracts and normalizes the anchors of a fetched page.
func (c *Crawler) pageLinks(result monitor.FetchResult, base string) []string {
	extracted, err := c.extractor.Extract(result.Body, base, monitor.ExtractionConfig{})
	if err != nil {
		return nil
	}
	links := make([]string, 0, len(extracted.Links))
	for _, link := range extracted.Links {
		normalized, err := monitor.NormalizeURL(link)
		if err != nil {
			continue
		}
		links = append(links, normalized)
	}
	return links
}

// admit applies domain policy, include/exclude patterns, and robots
// rules to a candidate frontier URL.
func (c *Crawler) admit(ctx context.Context, link, rootHost string, cfg monitor.CrawlSettings) bool {
	if !cfg.FollowExternal {
		domain, err := registeredDomain(link)
		if err != nil || domain != rootHost {
			return false
		}
	}
	if !pattern.ShouldInclude(link, cfg.IncludePatterns, cfg.ExcludePatterns) {
		return false
	}
	if cfg.RespectRobots && c.robots != nil && !c.robots.Allowed(ctx, link) {
		return false
	}
	return true
}

// registeredDomain maps a URL to its effective TLD plus one, so
// shop.example.com and www.example.com compare equal.
func registeredDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Bare hosts (localhost, IPs) have no public suffix; compare
		// them verbatim.
		return host, nil
	}
	return domain, nil
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
