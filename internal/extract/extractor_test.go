package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webmonitor/sitewatch/internal/monitor"
)

const productPage = `<!DOCTYPE html>
<html>
<head>
  <title>  Blue   Suede Shoes — Example Shop </title>
  <meta name="description" content="Classic blue suede shoes.">
  <meta name="keywords" content="shoes, suede">
  <meta property="og:title" content="Blue Suede Shoes">
  <meta property="og:image" content="https://cdn.example.com/shoes.jpg">
  <link rel="canonical" href="/products/blue-suede-shoes">
</head>
<body>
  <h2>Details</h2>
  <h1>Blue Suede Shoes</h1>
  <h3>Care instructions</h3>
  <h2>Reviews</h2>
  <span class="price">$1,299.00</span>
  <span class="stock">In Stock</span>
  <a href="/products/red">Red</a>
  <a href="https://other.example.org/x">Elsewhere</a>
  <a href="mailto:sales@example.com">Mail</a>
  <a href="/products/red#reviews">Red reviews</a>
  <a href=":::">broken</a>
</body>
</html>`

func fullConfig() monitor.ExtractionConfig {
	return monitor.ExtractionConfig{
		Title:           true,
		MetaDescription: true,
		Canonical:       true,
		MetaKeywords:    true,
		OpenGraph:       monitor.OpenGraphConfig{Enabled: true, Properties: []string{"title"}},
		Headings:        monitor.HeadingsConfig{Enabled: true, Levels: []int{1, 2}, MaxLength: 200},
	}
}

func TestExtractBasicFields(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	res, err := e.Extract([]byte(productPage), "https://shop.example.com/products/blue-suede-shoes", fullConfig())
	require.NoError(t, err)

	require.Equal(t, "Blue Suede Shoes — Example Shop", res.Title)
	require.Equal(t, "Classic blue suede shoes.", res.MetaDescription)
	require.Equal(t, "https://shop.example.com/products/blue-suede-shoes", res.CanonicalURL)
	require.Equal(t, "shoes, suede", res.CustomData["meta_keywords"])
	require.Equal(t, "Blue Suede Shoes", res.CustomData["og:title"])
	require.NotContains(t, res.CustomData, "og:image")
}

func TestExtractHeadingsSortedByLevelThenOrder(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	res, err := e.Extract([]byte(productPage), "https://shop.example.com/", fullConfig())
	require.NoError(t, err)

	require.Equal(t, []monitor.Heading{
		{Level: 1, Text: "Blue Suede Shoes"},
		{Level: 2, Text: "Details"},
		{Level: 2, Text: "Reviews"},
	}, res.Headings)
}

func TestExtractHeadingTruncation(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	cfg := monitor.ExtractionConfig{Headings: monitor.HeadingsConfig{Enabled: true, Levels: []int{1}, MaxLength: 10}}
	res, err := e.Extract([]byte(`<h1>a very long heading indeed</h1>`), "https://example.com/", cfg)
	require.NoError(t, err)
	require.Equal(t, []monitor.Heading{{Level: 1, Text: "a very lon..."}}, res.Headings)
}

func TestExtractLinks(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	res, err := e.Extract([]byte(productPage), "https://shop.example.com/products/blue-suede-shoes", fullConfig())
	require.NoError(t, err)

	require.Equal(t, []string{
		"https://shop.example.com/products/red",
		"https://other.example.org/x",
	}, res.Links)
}

func TestExtractCustomSelectors(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	cfg := monitor.ExtractionConfig{
		CustomSelectors: []monitor.CustomSelector{
			{Name: "price", Selector: ".price", Type: monitor.SelectorNumber, Enabled: true},
			{Name: "in_stock", Selector: ".stock", Type: monitor.SelectorBoolean, Enabled: true},
			{Name: "sku", Selector: ".sku", Type: monitor.SelectorText, Required: true, Enabled: true},
			{Name: "disabled", Selector: ".price", Type: monitor.SelectorText},
		},
	}
	res, err := e.Extract([]byte(productPage), "https://shop.example.com/", cfg)
	require.NoError(t, err)

	require.Equal(t, float64(1299), res.CustomData["price"])
	require.Equal(t, true, res.CustomData["in_stock"])
	require.NotContains(t, res.CustomData, "sku")
	require.NotContains(t, res.CustomData, "disabled")
	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], "sku")
}

func TestExtractToleratesBrokenHTML(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	res, err := e.Extract([]byte(`<html><h1>Unclosed <p>everywhere<div>`), "https://example.com/", monitor.ExtractionConfig{
		Title:    true,
		Headings: monitor.HeadingsConfig{Enabled: true, Levels: []int{1}},
	})
	require.NoError(t, err)
	require.Equal(t, "", res.Title)
	// HTML5 tree construction nests the open <p> inside the unclosed
	// <h1>, so its text is folded into the heading.
	require.Equal(t, []monitor.Heading{{Level: 1, Text: "Unclosed everywhere"}}, res.Headings)
}

func TestExtractContent(t *testing.T) {
	t.Parallel()

	e := New(zap.NewNop())
	cfg := monitor.ExtractionConfig{
		Content: monitor.ContentConfig{
			Enabled:          true,
			Selector:         "main",
			ExcludeSelectors: []string{".ads"},
		},
	}
	body := `<body><main>Hello <script>x()</script><div class="ads">buy now</div>world</main></body>`
	res, err := e.Extract([]byte(body), "https://example.com/", cfg)
	require.NoError(t, err)
	require.Equal(t, "Hello world", res.CustomData["content"])
}
