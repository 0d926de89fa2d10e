package monitor

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DiscoveryMethod selects how a scan enumerates URLs.
type DiscoveryMethod string

// Supported discovery methods.
const (
	DiscoverySitemap  DiscoveryMethod = "sitemap"
	DiscoveryCrawling DiscoveryMethod = "crawling"
)

// SitemapRef is one configured sitemap source.
type SitemapRef struct {
	URL     string `json:"url" mapstructure:"url"`
	Name    string `json:"name,omitempty" mapstructure:"name"`
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	// ExtractionID optionally names a per-sitemap extraction override.
	ExtractionID string `json:"extraction_id,omitempty" mapstructure:"extraction_id"`
}

// CrawlSettings bounds the breadth-first link crawler.
type CrawlSettings struct {
	MaxDepth        int      `json:"max_depth" mapstructure:"max_depth"`
	MaxPages        int      `json:"max_pages" mapstructure:"max_pages"`
	// CrawlDelayMs is the pause between fetch batches. Zero means
	// unset and default-fills; -1 disables pacing explicitly.
	CrawlDelayMs    int      `json:"crawl_delay_ms" mapstructure:"crawl_delay_ms"`
	MaxConcurrency  int      `json:"max_concurrency" mapstructure:"max_concurrency"`
	TimeoutSeconds  int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	FollowExternal  bool     `json:"follow_external" mapstructure:"follow_external"`
	FollowRedirects bool     `json:"follow_redirects" mapstructure:"follow_redirects"`
	RespectRobots   bool     `json:"respect_robots" mapstructure:"respect_robots"`
	IncludePatterns []string `json:"include_patterns,omitempty" mapstructure:"include_patterns"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty" mapstructure:"exclude_patterns"`
}

// Delay converts CrawlDelayMs into a duration. Negative values mean
// pacing was disabled and report zero.
func (c CrawlSettings) Delay() time.Duration {
	if c.CrawlDelayMs < 0 {
		return 0
	}
	return time.Duration(c.CrawlDelayMs) * time.Millisecond
}

// Timeout converts TimeoutSeconds into a duration.
func (c CrawlSettings) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DiscoverySettings carries either a sitemap list or a crawl config,
// selected by Method.
type DiscoverySettings struct {
	Method DiscoveryMethod `json:"method" mapstructure:"method"`

	Sitemaps           []SitemapRef `json:"sitemaps,omitempty" mapstructure:"sitemaps"`
	AutoDetect         bool         `json:"auto_detect" mapstructure:"auto_detect"`
	FollowSitemapIndex bool         `json:"follow_sitemap_index" mapstructure:"follow_sitemap_index"`

	Crawl CrawlSettings `json:"crawl" mapstructure:"crawl"`
}

// CustomSelectorType enumerates the cast applied to a custom selector
// value.
type CustomSelectorType string

// Supported custom selector data types.
const (
	SelectorText    CustomSelectorType = "text"
	SelectorNumber  CustomSelectorType = "number"
	SelectorURL     CustomSelectorType = "url"
	SelectorDate    CustomSelectorType = "date"
	SelectorBoolean CustomSelectorType = "boolean"
)

// CustomSelector captures one user-defined extraction rule.
type CustomSelector struct {
	Name      string             `json:"name" mapstructure:"name"`
	Selector  string             `json:"selector" mapstructure:"selector"`
	Attribute string             `json:"attribute,omitempty" mapstructure:"attribute"`
	Type      CustomSelectorType `json:"type" mapstructure:"type"`
	Required  bool               `json:"required" mapstructure:"required"`
	Enabled   bool               `json:"enabled" mapstructure:"enabled"`
}

// HeadingsConfig selects which heading levels are captured.
type HeadingsConfig struct {
	Enabled          bool  `json:"enabled" mapstructure:"enabled"`
	Levels           []int `json:"levels,omitempty" mapstructure:"levels"`
	IncludeStructure bool  `json:"include_structure" mapstructure:"include_structure"`
	MaxLength        int   `json:"max_length" mapstructure:"max_length"`
}

// NavigationConfig controls breadcrumb and nav extraction.
type NavigationConfig struct {
	Enabled           bool     `json:"enabled" mapstructure:"enabled"`
	MainSelector      string   `json:"main_selector,omitempty" mapstructure:"main_selector"`
	FooterSelector    string   `json:"footer_selector,omitempty" mapstructure:"footer_selector"`
	SidebarSelector   string   `json:"sidebar_selector,omitempty" mapstructure:"sidebar_selector"`
	BreadcrumbPreset  string   `json:"breadcrumb_preset,omitempty" mapstructure:"breadcrumb_preset"`
	CustomBreadcrumbs []string `json:"custom_breadcrumbs,omitempty" mapstructure:"custom_breadcrumbs"`
	Separator         string   `json:"separator,omitempty" mapstructure:"separator"`
	RemoveHome        bool     `json:"remove_home" mapstructure:"remove_home"`
	MaxDepth          int      `json:"max_depth" mapstructure:"max_depth"`
}

// ContentConfig controls main-content capture.
type ContentConfig struct {
	Enabled            bool     `json:"enabled" mapstructure:"enabled"`
	Selector           string   `json:"selector,omitempty" mapstructure:"selector"`
	ExcludeSelectors   []string `json:"exclude_selectors,omitempty" mapstructure:"exclude_selectors"`
	MaxLength          int      `json:"max_length" mapstructure:"max_length"`
	IncludeImages      bool     `json:"include_images" mapstructure:"include_images"`
	IncludeLinks       bool     `json:"include_links" mapstructure:"include_links"`
	PreserveFormatting bool     `json:"preserve_formatting" mapstructure:"preserve_formatting"`
}

// EcommerceConfig names the selector sets for product and category
// pages.
type EcommerceConfig struct {
	Enabled           bool              `json:"enabled" mapstructure:"enabled"`
	ProductSelectors  map[string]string `json:"product_selectors,omitempty" mapstructure:"product_selectors"`
	CategorySelectors map[string]string `json:"category_selectors,omitempty" mapstructure:"category_selectors"`
}

// OpenGraphConfig selects which og: properties are captured.
type OpenGraphConfig struct {
	Enabled    bool     `json:"enabled" mapstructure:"enabled"`
	Properties []string `json:"properties,omitempty" mapstructure:"properties"`
}

// ExtractionConfig names which fields to capture from a page.
type ExtractionConfig struct {
	ID              string           `json:"id,omitempty" mapstructure:"id"`
	Title           bool             `json:"title" mapstructure:"title"`
	MetaDescription bool             `json:"meta_description" mapstructure:"meta_description"`
	Canonical       bool             `json:"canonical" mapstructure:"canonical"`
	MetaKeywords    bool             `json:"meta_keywords" mapstructure:"meta_keywords"`
	OpenGraph       OpenGraphConfig  `json:"open_graph" mapstructure:"open_graph"`
	Headings        HeadingsConfig   `json:"headings" mapstructure:"headings"`
	Navigation      NavigationConfig `json:"navigation" mapstructure:"navigation"`
	Content         ContentConfig    `json:"content" mapstructure:"content"`
	Ecommerce       EcommerceConfig  `json:"ecommerce" mapstructure:"ecommerce"`
	CustomSelectors []CustomSelector `json:"custom_selectors,omitempty" mapstructure:"custom_selectors"`
}

// ExtractionOverride binds an extraction config to a URL pattern.
// Higher priority wins; ties are broken by list order.
type ExtractionOverride struct {
	Pattern  string           `json:"pattern" mapstructure:"pattern"`
	Priority int              `json:"priority" mapstructure:"priority"`
	Config   ExtractionConfig `json:"config" mapstructure:"config"`
}

// ExtractionSettings is a default config plus ordered per-URL-pattern
// overrides.
type ExtractionSettings struct {
	Default   ExtractionConfig     `json:"default" mapstructure:"default"`
	Overrides []ExtractionOverride `json:"overrides,omitempty" mapstructure:"overrides"`
}

// DefaultExtractionConfig returns the config used when a site supplies
// nothing. Every capture group the diff engine understands is enabled.
func DefaultExtractionConfig() ExtractionConfig {
	return ExtractionConfig{
		Title:           true,
		MetaDescription: true,
		Canonical:       true,
		Headings: HeadingsConfig{
			Enabled:   true,
			Levels:    []int{1, 2, 3},
			MaxLength: 200,
		},
		Navigation: NavigationConfig{
			Enabled:          true,
			BreadcrumbPreset: "schema",
			Separator:        " > ",
			MaxDepth:         10,
		},
	}
}

// DefaultCrawlSettings returns the crawl bounds applied when a site
// supplies nothing.
func DefaultCrawlSettings() CrawlSettings {
	return CrawlSettings{
		MaxDepth:        3,
		MaxPages:        500,
		CrawlDelayMs:    500,
		MaxConcurrency:  20,
		TimeoutSeconds:  30,
		FollowRedirects: true,
		RespectRobots:   true,
	}
}

// ApplyDefaults fills unset fields from the package defaults. Callers
// provide a partial struct; anything zero-valued falls back.
func (c ExtractionConfig) ApplyDefaults() ExtractionConfig {
	def := DefaultExtractionConfig()
	if c.Headings.Enabled && len(c.Headings.Levels) == 0 {
		c.Headings.Levels = def.Headings.Levels
	}
	if c.Headings.MaxLength <= 0 {
		c.Headings.MaxLength = def.Headings.MaxLength
	}
	if c.Navigation.Enabled && c.Navigation.BreadcrumbPreset == "" && len(c.Navigation.CustomBreadcrumbs) == 0 {
		c.Navigation.BreadcrumbPreset = def.Navigation.BreadcrumbPreset
	}
	if c.Navigation.Separator == "" {
		c.Navigation.Separator = def.Navigation.Separator
	}
	if c.Navigation.MaxDepth <= 0 {
		c.Navigation.MaxDepth = def.Navigation.MaxDepth
	}
	return c
}

// ApplyDefaults fills unset crawl bounds from the package defaults.
func (c CrawlSettings) ApplyDefaults() CrawlSettings {
	def := DefaultCrawlSettings()
	if c.MaxDepth <= 0 {
		c.MaxDepth = def.MaxDepth
	}
	if c.MaxPages <= 0 {
		c.MaxPages = def.MaxPages
	}
	if c.CrawlDelayMs == 0 {
		c.CrawlDelayMs = def.CrawlDelayMs
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = def.TimeoutSeconds
	}
	return c
}

// Validate checks for obviously bad settings combinations.
func (d DiscoverySettings) Validate() error {
	switch d.Method {
	case DiscoverySitemap:
		if len(d.Sitemaps) == 0 && !d.AutoDetect {
			return fmt.Errorf("sitemap discovery requires a sitemap list or auto_detect")
		}
		for _, ref := range d.Sitemaps {
			if _, err := url.ParseRequestURI(ref.URL); err != nil {
				return fmt.Errorf("invalid sitemap url %q: %w", ref.URL, err)
			}
		}
	case DiscoveryCrawling:
		if d.Crawl.MaxDepth < 0 {
			return fmt.Errorf("crawl.max_depth must be >= 0")
		}
		if d.Crawl.MaxPages < 0 {
			return fmt.Errorf("crawl.max_pages must be >= 0")
		}
	default:
		return fmt.Errorf("unknown discovery method %q", d.Method)
	}
	return nil
}

// NormalizeURL canonicalizes a URL for page identity: lowercases the
// scheme and host, strips default ports and fragments, and keeps the
// query order as-is.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
