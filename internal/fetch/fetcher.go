// Package fetch implements the single-URL fetcher using gocolly.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/webmonitor/sitewatch/internal/monitor"
)

// DefaultUserAgent identifies the crawler when no override is set.
const DefaultUserAgent = "WebMonitor-Crawler/1.0"

// Config controls collector behavior.
type Config struct {
	UserAgent       string
	Timeout         time.Duration
	FollowRedirects bool
	MaxRedirects    int
}

// Client implements monitor.Fetcher using a Colly collector. A
// transport error never surfaces as a Go error: it is reported in the
// result with StatusCode 0 and Err set, so callers treat fetch
// outcomes uniformly.
type Client struct {
	cfg           Config
	log           *zap.Logger
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Client.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	if log == nil {
		log = zap.NewNop()
	}

	// colly v2.1.0's Async option ignores its argument and always
	// enables async mode; the collector default is synchronous, which
	// is what Fetch's blocking Visit pattern requires.
	c := colly.NewCollector()
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true

	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Client{
		cfg:           cfg,
		log:           log.Named("fetch"),
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. Robots policy is the caller's
// concern; the client only enforces transport limits.
func (c *Client) Fetch(ctx context.Context, rawURL string) monitor.FetchResult {
	result := monitor.FetchResult{URL: rawURL}
	start := time.Now()

	collector := c.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.UserAgent = c.cfg.UserAgent
	collector.SetRequestTimeout(c.cfg.Timeout)
	collector.WithTransport(c.transport)
	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if !c.cfg.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) >= c.cfg.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", c.cfg.MaxRedirects)
		}
		return nil
	})

	var responded bool
	collector.OnResponse(func(r *colly.Response) {
		responded = true
		result.URL = r.Request.URL.String()
		result.StatusCode = r.StatusCode
		result.Headers = r.Headers.Clone()
		result.Body = append([]byte(nil), r.Body...)
		result.ContentType = r.Headers.Get("Content-Type")
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			responded = true
			result.StatusCode = r.StatusCode
			if r.Headers != nil {
				result.Headers = r.Headers.Clone()
				result.ContentType = r.Headers.Get("Content-Type")
			}
			result.Body = append([]byte(nil), r.Body...)
		}
		result.Err = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		result.Err = fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && result.Err == nil {
			result.Err = err
		}
	}

	result.LoadTime = time.Since(start)
	if responded {
		// A response arrived; the error (if any) describes a post-read
		// problem the status code already reflects.
		if result.StatusCode > 0 && result.Err != nil && result.OK() {
			result.Err = nil
		}
	} else {
		result.StatusCode = 0
	}

	if result.Err != nil {
		c.log.Debug("fetch failed",
			zap.String("url", rawURL),
			zap.Int("status", result.StatusCode),
			zap.Error(result.Err))
	}
	return result
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
