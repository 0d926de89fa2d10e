// Package extract derives structured page snapshots from raw HTML.
// Extraction is tolerant: malformed markup, missing elements and
// failing selectors degrade to empty fields and warnings, never
// errors or panics.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/webmonitor/sitewatch/internal/monitor"
)

// Result carries everything pulled out of one document. Warnings list
// soft failures (a custom selector that matched nothing, a required
// field missing); they never abort extraction.
type Result struct {
	Title           string
	MetaDescription string
	CanonicalURL    string
	Headings        []monitor.Heading
	Breadcrumbs     []string
	CustomData      map[string]any
	Links           []string
	Warnings        []string
}

// Extractor parses HTML bodies with goquery.
type Extractor struct {
	log *zap.Logger
}

// New returns an Extractor logging through log.
func New(log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{log: log.Named("extract")}
}

// Extract parses body and captures the fields cfg enables. The only
// hard error is an unparseable document; goquery accepts nearly
// anything, so in practice that means a broken reader, not bad HTML.
func (e *Extractor) Extract(body []byte, baseURL string, cfg monitor.ExtractionConfig) (Result, error) {
	res := Result{CustomData: map[string]any{}}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("parse html: %w", err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
		res.Warnings = append(res.Warnings, fmt.Sprintf("invalid base url %q", baseURL))
	}

	if cfg.Title {
		res.Title = normalizeText(doc.Find("title").First().Text())
	}
	if cfg.MetaDescription {
		if v, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
			res.MetaDescription = normalizeText(v)
		}
	}
	if cfg.Canonical {
		if v, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
			res.CanonicalURL = resolveLink(base, v)
		}
	}
	if cfg.MetaKeywords {
		if v, ok := doc.Find(`meta[name="keywords"]`).First().Attr("content"); ok && v != "" {
			res.CustomData["meta_keywords"] = normalizeText(v)
		}
	}
	if cfg.OpenGraph.Enabled {
		extractOpenGraph(doc, cfg.OpenGraph.Properties, res.CustomData)
	}
	if cfg.Headings.Enabled {
		res.Headings = extractHeadings(doc, cfg.Headings)
	}
	if cfg.Navigation.Enabled {
		res.Breadcrumbs = extractBreadcrumbs(doc, cfg.Navigation)
	}
	if cfg.Content.Enabled {
		if text := extractContent(doc, cfg.Content); text != "" {
			res.CustomData["content"] = text
		}
	}
	if cfg.Ecommerce.Enabled {
		extractSelectorMap(doc, cfg.Ecommerce.ProductSelectors, res.CustomData)
		extractSelectorMap(doc, cfg.Ecommerce.CategorySelectors, res.CustomData)
	}
	for _, sel := range cfg.CustomSelectors {
		if !sel.Enabled {
			continue
		}
		value, warn := extractCustom(doc, base, sel)
		if warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
		if value != nil {
			res.CustomData[sel.Name] = value
		}
	}

	res.Links = extractLinks(doc, base)

	if len(res.CustomData) == 0 {
		res.CustomData = nil
	}
	return res, nil
}

// extractHeadings collects the configured levels, stable-sorted by
// level first and document order within a level.
func extractHeadings(doc *goquery.Document, cfg monitor.HeadingsConfig) []monitor.Heading {
	wanted := make(map[int]bool, len(cfg.Levels))
	for _, l := range cfg.Levels {
		if l >= 1 && l <= 6 {
			wanted[l] = true
		}
	}

	type ordered struct {
		monitor.Heading
		pos int
	}
	var all []ordered
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(i int, s *goquery.Selection) {
		tag := goquery.NodeName(s)
		if len(tag) != 2 || tag[0] != 'h' {
			return
		}
		level := int(tag[1] - '0')
		if !wanted[level] {
			return
		}
		text := truncate(normalizeText(s.Text()), cfg.MaxLength)
		if text == "" {
			return
		}
		all = append(all, ordered{Heading: monitor.Heading{Level: level, Text: text}, pos: i})
	})

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Level != all[j].Level {
			return all[i].Level < all[j].Level
		}
		return all[i].pos < all[j].pos
	})

	out := make([]monitor.Heading, len(all))
	for i, h := range all {
		out[i] = h.Heading
	}
	return out
}

func extractOpenGraph(doc *goquery.Document, properties []string, into map[string]any) {
	wanted := make(map[string]bool, len(properties))
	for _, p := range properties {
		wanted[strings.TrimPrefix(strings.ToLower(p), "og:")] = true
	}
	doc.Find(`meta[property^="og:"]`).Each(func(_ int, s *goquery.Selection) {
		prop, _ := s.Attr("property")
		name := strings.TrimPrefix(strings.ToLower(prop), "og:")
		if name == "" {
			return
		}
		if len(wanted) > 0 && !wanted[name] {
			return
		}
		if content, ok := s.Attr("content"); ok && content != "" {
			into["og:"+name] = normalizeText(content)
		}
	})
}

func extractContent(doc *goquery.Document, cfg monitor.ContentConfig) string {
	selector := cfg.Selector
	if selector == "" {
		selector = "body"
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return ""
	}
	sel.Find("script, style, noscript").Remove()
	for _, drop := range cfg.ExcludeSelectors {
		sel.Find(drop).Remove()
	}
	return truncate(normalizeText(sel.Text()), cfg.MaxLength)
}

func extractSelectorMap(doc *goquery.Document, selectors map[string]string, into map[string]any) {
	for name, selector := range selectors {
		if name == "" || selector == "" {
			continue
		}
		if text := normalizeText(doc.Find(selector).First().Text()); text != "" {
			into[name] = text
		}
	}
}

// extractLinks returns every resolvable http(s) anchor href, deduped
// in document order.
func extractLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved := resolveLink(base, href)
		if resolved == "" {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})
	return links
}

// resolveLink resolves href against base and drops anything that is
// not an absolute http(s) URL after resolution. Fragments are
// stripped so anchors on the same page collapse to one URL.
func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	if ref.Host == "" {
		return ""
	}
	ref.Fragment = ""
	return ref.String()
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate cuts s to max runes and appends "..." as the truncation
// marker. max <= 0 means unlimited.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
