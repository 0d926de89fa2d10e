// Package compare diffs two scan runs of the same site into
// page-level change records with per-field impact classification.
package compare

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/webmonitor/sitewatch/internal/monitor"
)

// ChangeType classifies a page or a field between two runs.
type ChangeType string

// Change types in a run comparison. Field changes use the first three;
// unchanged applies only at the page level.
const (
	ChangeAdded     ChangeType = "added"
	ChangeRemoved   ChangeType = "removed"
	ChangeModified  ChangeType = "modified"
	ChangeUnchanged ChangeType = "unchanged"
)

// Impact ranks how disruptive a field change is.
type Impact string

// Impact levels, ordered high > medium > low.
const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
	ImpactNone   Impact = ""
)

func (i Impact) rank() int {
	switch i {
	case ImpactHigh:
		return 3
	case ImpactMedium:
		return 2
	case ImpactLow:
		return 1
	default:
		return 0
	}
}

// maxImpact returns the more severe of two impacts.
func maxImpact(a, b Impact) Impact {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// FieldChange is one field-level difference on a page.
type FieldChange struct {
	Field    string     `json:"field"`
	Type     ChangeType `json:"type"`
	OldValue string     `json:"old_value"`
	NewValue string     `json:"new_value"`
	Impact   Impact     `json:"impact"`
}

// PageResult is the comparison outcome for one URL. Snapshots are
// attached when the corresponding run captured the page.
type PageResult struct {
	URL             string                `json:"url"`
	ChangeType      ChangeType            `json:"change_type"`
	Severity        Impact                `json:"severity,omitempty"`
	Changes         []FieldChange         `json:"changes,omitempty"`
	BaseSnapshot    *monitor.PageSnapshot `json:"base_snapshot,omitempty"`
	CompareSnapshot *monitor.PageSnapshot `json:"compare_snapshot,omitempty"`
}

// Summary counts pages by change type alongside the per-run totals and
// the error-page counts from the two scan rows.
type Summary struct {
	BaseTotal     int `json:"base_total"`
	CompareTotal  int `json:"compare_total"`
	Added         int `json:"added"`
	Removed       int `json:"removed"`
	Modified      int `json:"modified"`
	Unchanged     int `json:"unchanged"`
	BaseErrors    int `json:"base_errors"`
	CompareErrors int `json:"compare_errors"`
}

// RunComparison is the full diff between a base scan and a later one.
type RunComparison struct {
	BaseScanID    string       `json:"base_scan_id"`
	CompareScanID string       `json:"compare_scan_id"`
	Summary       Summary      `json:"summary"`
	Pages         []PageResult `json:"pages"`
}

// breadcrumbSeparator joins trails for field-level comparison.
const breadcrumbSeparator = " > "

// Engine computes run comparisons from persisted snapshots.
type Engine struct {
	store monitor.Store
	log   *zap.Logger
}

// NewEngine builds an Engine over a store.
func NewEngine(store monitor.Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, log: log.Named("compare")}
}

// Compare diffs the snapshots of two scans. Both scans must belong to
// the same site; the caller is expected to have validated that.
func (e *Engine) Compare(ctx context.Context, baseScanID, compareScanID string) (RunComparison, error) {
	baseScan, err := e.store.GetScan(ctx, baseScanID)
	if err != nil {
		return RunComparison{}, fmt.Errorf("load base scan: %w", err)
	}
	compareScan, err := e.store.GetScan(ctx, compareScanID)
	if err != nil {
		return RunComparison{}, fmt.Errorf("load compare scan: %w", err)
	}
	baseSnaps, err := e.store.ListSnapshots(ctx, baseScanID)
	if err != nil {
		return RunComparison{}, fmt.Errorf("load base snapshots: %w", err)
	}
	compareSnaps, err := e.store.ListSnapshots(ctx, compareScanID)
	if err != nil {
		return RunComparison{}, fmt.Errorf("load compare snapshots: %w", err)
	}

	result := Diff(baseSnaps, compareSnaps)
	result.BaseScanID = baseScanID
	result.CompareScanID = compareScanID
	result.Summary.BaseErrors = baseScan.Counters.ErrorPages
	result.Summary.CompareErrors = compareScan.Counters.ErrorPages
	return result, nil
}

// Diff computes the comparison over two snapshot sets keyed by URL.
func Diff(base, compare []monitor.PageSnapshot) RunComparison {
	baseByURL := snapshotsByURL(base)
	compareByURL := snapshotsByURL(compare)

	urls := make([]string, 0, len(baseByURL)+len(compareByURL))
	for u := range baseByURL {
		urls = append(urls, u)
	}
	for u := range compareByURL {
		if _, dup := baseByURL[u]; !dup {
			urls = append(urls, u)
		}
	}
	sort.Strings(urls)

	var out RunComparison
	out.Summary.BaseTotal = len(baseByURL)
	out.Summary.CompareTotal = len(compareByURL)
	for _, u := range urls {
		before, inBase := baseByURL[u]
		after, inCompare := compareByURL[u]

		switch {
		case !inBase:
			changes := allFields(after, ChangeAdded)
			out.Pages = append(out.Pages, PageResult{
				URL:             u,
				ChangeType:      ChangeAdded,
				Severity:        severityOf(changes),
				Changes:         changes,
				CompareSnapshot: ref(after),
			})
			out.Summary.Added++
		case !inCompare:
			changes := allFields(before, ChangeRemoved)
			out.Pages = append(out.Pages, PageResult{
				URL:          u,
				ChangeType:   ChangeRemoved,
				Severity:     severityOf(changes),
				Changes:      changes,
				BaseSnapshot: ref(before),
			})
			out.Summary.Removed++
		default:
			changes := diffSnapshots(before, after)
			if len(changes) == 0 {
				out.Pages = append(out.Pages, PageResult{
					URL:             u,
					ChangeType:      ChangeUnchanged,
					BaseSnapshot:    ref(before),
					CompareSnapshot: ref(after),
				})
				out.Summary.Unchanged++
				continue
			}
			out.Pages = append(out.Pages, PageResult{
				URL:             u,
				ChangeType:      ChangeModified,
				Severity:        severityOf(changes),
				Changes:         changes,
				BaseSnapshot:    ref(before),
				CompareSnapshot: ref(after),
			})
			out.Summary.Modified++
		}
	}
	return out
}

func ref(s monitor.PageSnapshot) *monitor.PageSnapshot {
	return &s
}

func severityOf(changes []FieldChange) Impact {
	severity := ImpactNone
	for _, c := range changes {
		severity = maxImpact(severity, c.Impact)
	}
	return severity
}

func snapshotsByURL(snaps []monitor.PageSnapshot) map[string]monitor.PageSnapshot {
	out := make(map[string]monitor.PageSnapshot, len(snaps))
	for _, s := range snaps {
		out[s.URL] = s
	}
	return out
}

// allFields expands every captured field of a snapshot into one
// FieldChange of the given type, for pages present in only one run.
func allFields(s monitor.PageSnapshot, typ ChangeType) []FieldChange {
	emit := func(field, value string, impact Impact) (FieldChange, bool) {
		if value == "" {
			return FieldChange{}, false
		}
		fc := FieldChange{Field: field, Type: typ, Impact: impact}
		if typ == ChangeAdded {
			fc.NewValue = value
		} else {
			fc.OldValue = value
		}
		return fc, true
	}

	var changes []FieldChange
	scalars := []struct {
		field  string
		value  string
		impact Impact
	}{
		{"title", s.Title, ImpactHigh},
		{"metaDescription", s.MetaDescription, ImpactMedium},
		{"canonical", s.CanonicalURL, ImpactMedium},
		{"breadcrumbs", strings.Join(s.Breadcrumbs, breadcrumbSeparator), ImpactLow},
	}
	for _, sc := range scalars {
		if fc, ok := emit(sc.field, sc.value, sc.impact); ok {
			changes = append(changes, fc)
		}
	}
	for _, h := range s.Headings {
		if fc, ok := emit(fmt.Sprintf("header-h%d", h.Level), h.Text, headingImpact(h.Level)); ok {
			changes = append(changes, fc)
		}
	}
	keys := make([]string, 0, len(s.CustomData))
	for k := range s.CustomData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if fc, ok := emit(k, formatValue(s.CustomData[k]), customImpact(k)); ok {
			changes = append(changes, fc)
		}
	}
	return changes
}

// fieldChangeType classifies a scalar move: empty-to-value is an
// addition, value-to-empty a removal, anything else a modification.
func fieldChangeType(oldValue, newValue string) ChangeType {
	switch {
	case oldValue == "":
		return ChangeAdded
	case newValue == "":
		return ChangeRemoved
	default:
		return ChangeModified
	}
}

func diffSnapshots(before, after monitor.PageSnapshot) []FieldChange {
	var changes []FieldChange

	appendIfChanged := func(field, b, a string, impact Impact) {
		if b != a {
			changes = append(changes, FieldChange{
				Field:    field,
				Type:     fieldChangeType(b, a),
				OldValue: b,
				NewValue: a,
				Impact:   impact,
			})
		}
	}

	appendIfChanged("title", before.Title, after.Title, ImpactHigh)
	appendIfChanged("metaDescription", before.MetaDescription, after.MetaDescription, ImpactMedium)
	appendIfChanged("canonical", before.CanonicalURL, after.CanonicalURL, ImpactMedium)
	appendIfChanged("breadcrumbs",
		strings.Join(before.Breadcrumbs, breadcrumbSeparator),
		strings.Join(after.Breadcrumbs, breadcrumbSeparator),
		ImpactLow)

	changes = append(changes, diffHeadings(before.Headings, after.Headings)...)
	changes = append(changes, diffCustomData(before.CustomData, after.CustomData)...)

	return changes
}

// diffHeadings aligns headings by (level, index within level): the
// n-th h2 of the base run is compared to the n-th h2 of the other.
func diffHeadings(before, after []monitor.Heading) []FieldChange {
	byLevel := func(hs []monitor.Heading) map[int][]string {
		out := make(map[int][]string)
		for _, h := range hs {
			out[h.Level] = append(out[h.Level], h.Text)
		}
		return out
	}
	b := byLevel(before)
	a := byLevel(after)

	var changes []FieldChange
	for level := 1; level <= 6; level++ {
		bTexts, aTexts := b[level], a[level]
		n := len(bTexts)
		if len(aTexts) > n {
			n = len(aTexts)
		}
		for i := 0; i < n; i++ {
			var bText, aText string
			if i < len(bTexts) {
				bText = bTexts[i]
			}
			if i < len(aTexts) {
				aText = aTexts[i]
			}
			if bText == aText {
				continue
			}
			changes = append(changes, FieldChange{
				Field:    fmt.Sprintf("header-h%d", level),
				Type:     fieldChangeType(bText, aText),
				OldValue: bText,
				NewValue: aText,
				Impact:   headingImpact(level),
			})
		}
	}
	return changes
}

func headingImpact(level int) Impact {
	if level <= 2 {
		return ImpactHigh
	}
	return ImpactMedium
}

// diffCustomData compares extracted custom values by key. Price moves
// are treated as high impact; everything else custom is low.
func diffCustomData(before, after map[string]any) []FieldChange {
	keys := make([]string, 0, len(before)+len(after))
	for k := range before {
		keys = append(keys, k)
	}
	for k := range after {
		if _, dup := before[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var changes []FieldChange
	for _, k := range keys {
		bVal := formatValue(before[k])
		aVal := formatValue(after[k])
		if bVal == aVal {
			continue
		}
		changes = append(changes, FieldChange{
			Field:    k,
			Type:     fieldChangeType(bVal, aVal),
			OldValue: bVal,
			NewValue: aVal,
			Impact:   customImpact(k),
		})
	}
	return changes
}

func customImpact(key string) Impact {
	if strings.EqualFold(key, "price") {
		return ImpactHigh
	}
	return ImpactLow
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON round-trips numbers as float64; trim the mantissa for
		// whole values so 42 never reads "42.000000".
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
