package ingest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// FetcherConfig controls collector behavior.
type FetcherConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// PageFetcher retrieves raw page HTML over plain HTTP using Colly. It
// serves form inference for sites that render server-side; JS-heavy sites
// go through the headless browser instead.
type PageFetcher struct {
	cfg           FetcherConfig
	baseCollector *colly.Collector
}

// NewPageFetcher builds a PageFetcher.
func NewPageFetcher(cfg FetcherConfig) *PageFetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	// Form URLs arrive explicitly from intake, never from crawling.
	c.IgnoreRobotsTxt = true
	return &PageFetcher{cfg: cfg, baseCollector: c}
}

// FetchHTML executes a single HTTP GET and returns the response body.
func (f *PageFetcher) FetchHTML(ctx context.Context, rawURL string) (string, error) {
	var (
		body     []byte
		fetchErr error
	)
	collector := f.collector()
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return "", err
	}
	return string(body), nil
}

func (f *PageFetcher) collector() *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("page fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("page visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("page response failed: %w", *fetchErr)
		}
		return nil
	}
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
