// Package sitemap discovers URL sets from XML sitemaps and sitemap
// index files, including recursive index expansion and root-relative
// auto-detection.
package sitemap

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/webmonitor/sitewatch/internal/monitor"
)

// dateOnlyFormat is the date-only layout for sitemap lastmod values.
const dateOnlyFormat = "2006-01-02"

// maxIndexDepth bounds sitemap index recursion so a self-referencing
// index cannot loop forever.
const maxIndexDepth = 5

// autoDetectPaths are probed in order when a site configures
// auto-detection instead of an explicit sitemap list.
var autoDetectPaths = []string{"/sitemap.xml", "/sitemap_index.xml", "/sitemaps.xml"}

// Entry is a single URL pulled from a sitemap.
type Entry struct {
	Loc     string     `json:"loc"`
	LastMod *time.Time `json:"lastmod,omitempty"`
}

type xmlURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []xmlURL `xml:"url"`
}

type xmlURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

type xmlSitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []xmlSitemap `xml:"sitemap"`
}

type xmlSitemap struct {
	Loc string `xml:"loc"`
}

// Discoverer fetches and parses sitemaps into a deduplicated URL set.
type Discoverer struct {
	fetcher monitor.Fetcher
	log     *zap.Logger
}

// NewDiscoverer builds a Discoverer over a fetcher.
func NewDiscoverer(fetcher monitor.Fetcher, log *zap.Logger) *Discoverer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Discoverer{fetcher: fetcher, log: log.Named("sitemap")}
}

// Result carries the discovered URLs plus per-source warnings. A
// sitemap that fails to fetch or parse is skipped with a warning;
// discovery only errors when the context is done.
type Result struct {
	URLs     []Entry
	Warnings []string
}

// Discover resolves the configured sitemap sources into one URL set,
// deduplicated preserving first-seen order. Disabled refs are
// ignored; auto-detect probes well-known paths under rootURL when the
// list is empty.
func (d *Discoverer) Discover(ctx context.Context, rootURL string, settings monitor.DiscoverySettings) (Result, error) {
	var sources []string
	for _, ref := range settings.Sitemaps {
		if ref.Enabled {
			sources = append(sources, ref.URL)
		}
	}

	var res Result
	seen := make(map[string]struct{})

	if len(sources) == 0 && settings.AutoDetect {
		if err := d.autoDetect(ctx, rootURL, settings.FollowSitemapIndex, seen, &res); err != nil {
			return Result{}, err
		}
		return res, nil
	}

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("sitemap discovery canceled: %w", err)
		}
		d.collect(ctx, src, settings.FollowSitemapIndex, 0, seen, &res)
	}
	return res, nil
}

// autoDetect probes well-known sitemap paths under the site root and
// collects from the first one that exists. Unlike configured sources,
// a candidate that does not exist is not worth a warning.
func (d *Discoverer) autoDetect(ctx context.Context, rootURL string, followIndex bool, seen map[string]struct{}, res *Result) error {
	root, err := url.Parse(rootURL)
	if err != nil {
		return fmt.Errorf("parse root url: %w", err)
	}
	for _, p := range autoDetectPaths {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sitemap discovery canceled: %w", err)
		}
		candidate := root.Scheme + "://" + root.Host + p
		fetched := d.fetcher.Fetch(ctx, candidate)
		if fetched.Err != nil || !fetched.OK() {
			continue
		}
		d.parseInto(ctx, candidate, fetched.Body, followIndex, 0, seen, res)
		return nil
	}
	res.Warnings = append(res.Warnings, "sitemap auto-detection found no sitemap")
	return nil
}

// collect fetches one sitemap source, recursing into index children
// when followIndex is set.
func (d *Discoverer) collect(ctx context.Context, src string, followIndex bool, depth int, seen map[string]struct{}, res *Result) {
	if depth > maxIndexDepth {
		res.Warnings = append(res.Warnings, fmt.Sprintf("sitemap %s: index nesting exceeds %d levels", src, maxIndexDepth))
		return
	}

	fetched := d.fetcher.Fetch(ctx, src)
	if fetched.Err != nil || !fetched.OK() {
		d.log.Warn("sitemap fetch failed",
			zap.String("url", src),
			zap.Int("status", fetched.StatusCode),
			zap.Error(fetched.Err))
		res.Warnings = append(res.Warnings, fmt.Sprintf("sitemap %s: fetch failed (status %d)", src, fetched.StatusCode))
		return
	}

	d.parseInto(ctx, src, fetched.Body, followIndex, depth, seen, res)
}

// parseInto decodes one sitemap body and merges its URLs (or its
// children's, recursively) into res.
func (d *Discoverer) parseInto(ctx context.Context, src string, body []byte, followIndex bool, depth int, seen map[string]struct{}, res *Result) {
	children, entries, err := parse(body)
	if err != nil {
		d.log.Warn("sitemap parse failed", zap.String("url", src), zap.Error(err))
		res.Warnings = append(res.Warnings, fmt.Sprintf("sitemap %s: %v", src, err))
		return
	}

	if len(children) > 0 {
		if !followIndex {
			res.Warnings = append(res.Warnings, fmt.Sprintf("sitemap %s is an index but follow_sitemap_index is off", src))
			return
		}
		for _, child := range children {
			if ctx.Err() != nil {
				return
			}
			d.collect(ctx, child, followIndex, depth+1, seen, res)
		}
		return
	}

	for _, e := range entries {
		loc := strings.TrimSpace(e.Loc)
		if loc == "" {
			continue
		}
		if _, dup := seen[loc]; dup {
			continue
		}
		seen[loc] = struct{}{}
		res.URLs = append(res.URLs, Entry{Loc: loc, LastMod: e.LastMod})
	}
}

// parse decodes body as either a sitemap index (returning child
// sitemap URLs) or a urlset (returning entries).
func parse(body []byte) (children []string, entries []Entry, err error) {
	var index xmlSitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		for _, s := range index.Sitemaps {
			if loc := strings.TrimSpace(s.Loc); loc != "" {
				children = append(children, loc)
			}
		}
		return children, nil, nil
	}

	var urlset xmlURLSet
	if err := xml.Unmarshal(body, &urlset); err != nil {
		return nil, nil, fmt.Errorf("parse sitemap: %w", err)
	}
	entries = make([]Entry, 0, len(urlset.URLs))
	for i := range urlset.URLs {
		e := Entry{Loc: urlset.URLs[i].Loc}
		if raw := urlset.URLs[i].LastMod; raw != "" {
			if t, perr := parseLastMod(raw); perr == nil {
				e.LastMod = &t
			}
		}
		entries = append(entries, e)
	}
	return nil, entries, nil
}

// parseLastMod tries RFC 3339 first, then the date-only layout.
func parseLastMod(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)

	t, err := time.Parse(time.RFC3339, trimmed)
	if err == nil {
		return t, nil
	}

	t, dateErr := time.Parse(dateOnlyFormat, trimmed)
	if dateErr == nil {
		return t, nil
	}

	return time.Time{}, fmt.Errorf("parse lastmod %q: %w", trimmed, dateErr)
}
