package extract

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/webmonitor/sitewatch/internal/monitor"
)

// dateLayouts are tried in order when casting a date selector.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// extractCustom evaluates one custom selector. A missing match or a
// failed cast returns a nil value; the warning is non-empty when the
// selector is marked required or the cast failed.
func extractCustom(doc *goquery.Document, base *url.URL, sel monitor.CustomSelector) (any, string) {
	node := doc.Find(sel.Selector).First()
	if node.Length() == 0 {
		if sel.Required {
			return nil, fmt.Sprintf("required selector %q matched nothing", sel.Name)
		}
		return nil, ""
	}

	raw := ""
	if sel.Attribute != "" {
		raw, _ = node.Attr(sel.Attribute)
	} else {
		raw = node.Text()
	}
	raw = normalizeText(raw)
	if raw == "" {
		if sel.Required {
			return nil, fmt.Sprintf("required selector %q produced an empty value", sel.Name)
		}
		return nil, ""
	}

	value, err := castValue(raw, sel.Type, base)
	if err != nil {
		return nil, fmt.Sprintf("selector %q: %v", sel.Name, err)
	}
	return value, ""
}

func castValue(raw string, typ monitor.CustomSelectorType, base *url.URL) (any, error) {
	switch typ {
	case monitor.SelectorNumber:
		return castNumber(raw)
	case monitor.SelectorURL:
		resolved := resolveLink(base, raw)
		if resolved == "" {
			return nil, fmt.Errorf("cannot resolve %q as url", raw)
		}
		return resolved, nil
	case monitor.SelectorDate:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.Format(time.RFC3339), nil
			}
		}
		return nil, fmt.Errorf("cannot parse %q as date", raw)
	case monitor.SelectorBoolean:
		switch strings.ToLower(raw) {
		case "true", "yes", "1", "on", "in stock", "available":
			return true, nil
		case "false", "no", "0", "off", "out of stock", "unavailable":
			return false, nil
		}
		return nil, fmt.Errorf("cannot parse %q as boolean", raw)
	case monitor.SelectorText, "":
		return raw, nil
	default:
		return raw, nil
	}
}

// castNumber strips currency symbols and thousands separators before
// parsing, so "$1,299.00" comes out as 1299.
func castNumber(raw string) (any, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return -1
		}
	}, raw)
	if cleaned == "" {
		return nil, fmt.Errorf("cannot parse %q as number", raw)
	}
	n, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %q as number", raw)
	}
	return n, nil
}
