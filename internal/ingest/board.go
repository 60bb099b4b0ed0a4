package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

// BoardFetcher scrapes a job-board listing page into raw postings. It is a
// thin convenience connector; dedicated per-source connectors feed the
// intake path the same way from outside the service.
type BoardFetcher struct {
	fetcher *PageFetcher
	clock   apply.Clock
}

// NewBoardFetcher builds a BoardFetcher sharing the page fetcher's
// transport settings.
func NewBoardFetcher(fetcher *PageFetcher, clock apply.Clock) *BoardFetcher {
	return &BoardFetcher{fetcher: fetcher, clock: clock}
}

// boardRowSelectors cover the row markup common to generic listing pages.
var boardRowSelectors = []string{
	"div.job-listing", "li.job-result", "article.job", "div[data-job-id]",
}

// FetchBoard visits the listing page and extracts one raw posting per job
// row. Rows missing a link or title are skipped.
func (b *BoardFetcher) FetchBoard(ctx context.Context, boardURL string) ([]apply.RawPosting, error) {
	base, err := url.Parse(boardURL)
	if err != nil {
		return nil, fmt.Errorf("parse board url: %w", err)
	}
	source := strings.ToLower(base.Hostname())
	now := b.clock.Now()

	var (
		postings []apply.RawPosting
		fetchErr error
	)
	collector := b.fetcher.collector()
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})
	for _, sel := range boardRowSelectors {
		collector.OnHTML(sel, func(e *colly.HTMLElement) {
			raw, ok := b.extractRow(e, base, source, now)
			if ok {
				postings = append(postings, raw)
			}
		})
	}

	if err := runCollector(ctx, collector, boardURL, &fetchErr); err != nil {
		return nil, err
	}
	return postings, nil
}

func (b *BoardFetcher) extractRow(e *colly.HTMLElement, base *url.URL, source string, now time.Time) (apply.RawPosting, bool) {
	href := e.ChildAttr("a[href]", "href")
	title := firstChildText(e, "h2", "h3", ".job-title", "a[href]")
	if href == "" || title == "" {
		return apply.RawPosting{}, false
	}
	link, err := base.Parse(href)
	if err != nil {
		return apply.RawPosting{}, false
	}
	return apply.RawPosting{
		Source:   source,
		URL:      link.String(),
		Title:    title,
		Company:  firstChildText(e, ".company", ".company-name", "[data-company]"),
		Location: firstChildText(e, ".location", ".job-location", "[data-location]"),
		PostedAt: now,
	}, true
}

// firstChildText returns the first selector's non-empty text. A combined
// selector would concatenate the text of every match.
func firstChildText(e *colly.HTMLElement, selectors ...string) string {
	for _, sel := range selectors {
		if txt := strings.TrimSpace(e.DOM.Find(sel).First().Text()); txt != "" {
			return txt
		}
	}
	return ""
}
