package extract

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/webmonitor/sitewatch/internal/monitor"
)

// breadcrumbPresets maps framework names to the selectors that find
// their trail items. Selectors are tried in list order; the first one
// yielding a non-empty trail wins. The schema preset has no CSS
// selectors: it is served by the JSON-LD pass, which always runs
// first anyway.
var breadcrumbPresets = map[string][]string{
	"schema":     nil,
	"bootstrap":  {`.breadcrumb .breadcrumb-item`, `.breadcrumb li`},
	"foundation": {`.breadcrumbs li`},
	"bulma":      {`.breadcrumb li`},
	"tailwind":   {`nav[aria-label="breadcrumb"] a`},
	"material":   {`.mdc-breadcrumb__item`, `.mat-breadcrumb li`},
}

// extractBreadcrumbs resolves the trail with fixed precedence:
// JSON-LD BreadcrumbList first, then the configured preset's
// selectors, then any custom selectors. The first source producing a
// non-empty trail wins.
func extractBreadcrumbs(doc *goquery.Document, cfg monitor.NavigationConfig) []string {
	trail := breadcrumbsFromJSONLD(doc)
	if len(trail) == 0 && cfg.BreadcrumbPreset != "" && cfg.BreadcrumbPreset != "custom" {
		trail = breadcrumbsFromSelectors(doc, breadcrumbPresets[cfg.BreadcrumbPreset])
	}
	if len(trail) == 0 {
		trail = breadcrumbsFromSelectors(doc, cfg.CustomBreadcrumbs)
	}
	if len(trail) == 0 {
		return nil
	}

	if cfg.RemoveHome && strings.EqualFold(trail[0], "home") {
		trail = trail[1:]
	}
	if cfg.MaxDepth > 0 && len(trail) > cfg.MaxDepth {
		trail = trail[:cfg.MaxDepth]
	}
	if len(trail) == 0 {
		return nil
	}
	return trail
}

func breadcrumbsFromSelectors(doc *goquery.Document, selectors []string) []string {
	for _, selector := range selectors {
		if selector == "" {
			continue
		}
		var trail []string
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			if text := normalizeText(s.Text()); text != "" {
				trail = append(trail, text)
			}
		})
		if len(trail) > 0 {
			return trail
		}
	}
	return nil
}

// ldBreadcrumb mirrors the subset of schema.org BreadcrumbList the
// trail needs. Name may live on the element or on its nested item.
type ldBreadcrumb struct {
	Type     string       `json:"@type"`
	Elements []ldListItem `json:"itemListElement"`
}

type ldListItem struct {
	Position int    `json:"position"`
	Name     string `json:"name"`
	Item     struct {
		Name string `json:"name"`
	} `json:"item"`
}

func (i ldListItem) name() string {
	if i.Name != "" {
		return i.Name
	}
	return i.Item.Name
}

// breadcrumbsFromJSONLD scans ld+json script blocks for the first
// BreadcrumbList. Blocks that fail to parse are skipped; publishers
// routinely ship broken JSON-LD alongside valid blocks.
func breadcrumbsFromJSONLD(doc *goquery.Document) []string {
	var trail []string
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, candidate := range decodeJSONLD(s.Text()) {
			if !strings.EqualFold(candidate.Type, "BreadcrumbList") || len(candidate.Elements) == 0 {
				continue
			}
			items := append([]ldListItem(nil), candidate.Elements...)
			sort.SliceStable(items, func(a, b int) bool { return items[a].Position < items[b].Position })
			for _, item := range items {
				if name := normalizeText(item.name()); name != "" {
					trail = append(trail, name)
				}
			}
			if len(trail) > 0 {
				return false
			}
		}
		return true
	})
	return trail
}

// decodeJSONLD handles the three shapes seen in the wild: a single
// object, a top-level array, and an object wrapping a @graph array.
func decodeJSONLD(raw string) []ldBreadcrumb {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var single ldBreadcrumb
	if err := json.Unmarshal([]byte(raw), &single); err == nil && single.Type != "" {
		return []ldBreadcrumb{single}
	}

	var many []ldBreadcrumb
	if err := json.Unmarshal([]byte(raw), &many); err == nil && len(many) > 0 {
		return many
	}

	var graph struct {
		Graph []ldBreadcrumb `json:"@graph"`
	}
	if err := json.Unmarshal([]byte(raw), &graph); err == nil {
		return graph.Graph
	}
	return nil
}
