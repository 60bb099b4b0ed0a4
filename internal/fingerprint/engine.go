// Package fingerprint computes canonical posting identities and merges
// duplicates arriving from multiple sources.
package fingerprint

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

// MergeEvent is emitted when an existing posting absorbs a new arrival.
type MergeEvent struct {
	Fingerprint    string
	AbsorbedSource string
	TS             time.Time
}

// Engine validates raw postings, assigns fingerprints, and upserts them
// into the posting store.
type Engine struct {
	store   apply.PostingStore
	hasher  apply.Hasher
	clock   apply.Clock
	logger  *zap.Logger
	onMerge func(MergeEvent)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMergeHook registers a callback invoked for every merge, for audit.
func WithMergeHook(fn func(MergeEvent)) Option {
	return func(e *Engine) { e.onMerge = fn }
}

// New constructs an Engine.
func New(store apply.PostingStore, hasher apply.Hasher, clock apply.Clock, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:  store,
		hasher: hasher,
		clock:  clock,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fingerprint computes the canonical identity hash for a raw posting.
// Company, title and location must all be present.
func (e *Engine) Fingerprint(raw apply.RawPosting) (string, error) {
	company := Normalize(raw.Company)
	title := Normalize(raw.Title)
	location := Normalize(raw.Location)
	switch {
	case company == "":
		return "", &apply.ValidationError{Field: "company"}
	case title == "":
		return "", &apply.ValidationError{Field: "title"}
	case location == "":
		return "", &apply.ValidationError{Field: "location"}
	}
	key := strings.Join([]string{company, title, location}, "|")
	digest, err := e.hasher.Hash([]byte(key))
	if err != nil {
		return "", fmt.Errorf("hash fingerprint key: %w", err)
	}
	return digest, nil
}

// Ingest fingerprints a raw posting and stores it, merging into an existing
// posting when the fingerprint is already known. The returned posting is
// the canonical post-merge record.
func (e *Engine) Ingest(ctx context.Context, raw apply.RawPosting) (apply.Posting, error) {
	fp, err := e.Fingerprint(raw)
	if err != nil {
		return apply.Posting{}, err
	}
	scrapedAt := raw.PostedAt
	if scrapedAt.IsZero() {
		scrapedAt = e.clock.Now()
	}
	posting := apply.Posting{
		Fingerprint: fp,
		Sources:     []string{raw.Source},
		URL:         raw.URL,
		Title:       raw.Title,
		Company:     raw.Company,
		Location:    raw.Location,
		SalaryMin:   raw.SalaryMin,
		SalaryMax:   raw.SalaryMax,
		Description: raw.Description,
		ScrapedAt:   scrapedAt,
		MatchScore:  raw.MatchScore,
	}
	merged, created, err := e.store.Upsert(ctx, posting)
	if err != nil {
		return apply.Posting{}, fmt.Errorf("upsert posting: %w", err)
	}
	if !created {
		evt := MergeEvent{
			Fingerprint:    fp,
			AbsorbedSource: raw.Source,
			TS:             e.clock.Now(),
		}
		e.logger.Info("posting merged",
			zap.String("fingerprint", fp),
			zap.String("source", raw.Source),
			zap.Strings("sources", merged.Sources),
		)
		if e.onMerge != nil {
			e.onMerge(evt)
		}
	}
	return merged, nil
}

// Merge combines two postings sharing a fingerprint. It is commutative and
// idempotent: sources are unioned, the richer of each field is retained,
// and the earliest scrape time wins.
func Merge(a, b apply.Posting) apply.Posting {
	out := a
	out.Sources = unionSources(a.Sources, b.Sources)
	out.URL = richerString(a.URL, b.URL)
	out.Title = richerString(a.Title, b.Title)
	out.Company = richerString(a.Company, b.Company)
	out.Location = richerString(a.Location, b.Location)
	out.Description = richerString(a.Description, b.Description)
	out.SalaryMin = lowerSalary(a.SalaryMin, b.SalaryMin)
	out.SalaryMax = higherSalary(a.SalaryMax, b.SalaryMax)
	if !b.ScrapedAt.IsZero() && (a.ScrapedAt.IsZero() || b.ScrapedAt.Before(a.ScrapedAt)) {
		out.ScrapedAt = b.ScrapedAt
	}
	if b.MatchScore > a.MatchScore {
		out.MatchScore = b.MatchScore
	}
	return out
}

func unionSources(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// richerString prefers the longer value; equal lengths break ties
// lexicographically so merge order cannot change the result.
func richerString(a, b string) string {
	switch {
	case len(a) > len(b):
		return a
	case len(b) > len(a):
		return b
	case a <= b:
		return a
	default:
		return b
	}
}

func lowerSalary(a, b *int) *int {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b < *a:
		return b
	default:
		return a
	}
}

func higherSalary(a, b *int) *int {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b > *a:
		return b
	default:
		return a
	}
}
