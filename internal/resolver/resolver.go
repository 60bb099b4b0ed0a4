// Package resolver selects or infers a form automation strategy for a
// destination URL, consulting the pattern store.
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/ljluestc/awesome-apply/internal/apply"
	"github.com/ljluestc/awesome-apply/internal/metrics"
	"github.com/ljluestc/awesome-apply/internal/pattern"
)

// Selection thresholds: a cached strategy is trusted once its confidence
// and usage clear these bounds; anything less triggers fresh inference.
const (
	ConfidenceThreshold = 0.6
	MinTrustedUsage     = 3
)

// PageFetcher returns the rendered HTML of a destination page. Form-heavy
// application sites need JavaScript, so the production implementation is
// the headless browser; tests feed static HTML.
type PageFetcher interface {
	FetchHTML(ctx context.Context, url string) (string, error)
}

// Resolver implements apply.Resolver.
type Resolver struct {
	patterns apply.PatternStore
	fetcher  PageFetcher
	idGen    apply.IDGenerator
	clock    apply.Clock
	logger   *zap.Logger
	minUsage int
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithMinTrustedUsage overrides the usage count a cached strategy needs
// before it is selected without fresh inference.
func WithMinTrustedUsage(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.minUsage = n
		}
	}
}

// New constructs a Resolver.
func New(patterns apply.PatternStore, fetcher PageFetcher, idGen apply.IDGenerator, clock apply.Clock, logger *zap.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		patterns: patterns,
		fetcher:  fetcher,
		idGen:    idGen,
		clock:    clock,
		logger:   logger,
		minUsage: MinTrustedUsage,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve picks the domain's best trusted strategy, or infers a new one by
// scanning the destination form. Inference failures surface as
// apply.ErrCannotAutomate and are never charged against existing strategy
// confidence.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (apply.Strategy, error) {
	domain, err := Domain(rawURL)
	if err != nil {
		return apply.Strategy{}, err
	}

	snapshots, err := r.patterns.Get(ctx, domain)
	if err != nil {
		return apply.Strategy{}, fmt.Errorf("pattern lookup for %s: %w", domain, err)
	}
	if len(snapshots) > 0 {
		top := snapshots[0]
		if top.Confidence >= ConfidenceThreshold && top.UsageCount >= r.minUsage {
			r.logger.Debug("known strategy selected",
				zap.String("domain", domain),
				zap.String("strategy_id", top.StrategyID),
				zap.Float64("confidence", top.Confidence),
			)
			return apply.Strategy{
				ID:             top.StrategyID,
				Domain:         domain,
				Kind:           apply.StrategyKnown,
				Mapping:        top.Mapping,
				SubmitSelector: top.SubmitSel,
				Confidence:     top.Confidence,
				UsageCount:     top.UsageCount,
			}, nil
		}
	}

	return r.infer(ctx, rawURL, domain)
}

func (r *Resolver) infer(ctx context.Context, rawURL, domain string) (apply.Strategy, error) {
	html, err := r.fetcher.FetchHTML(ctx, rawURL)
	if err != nil {
		return apply.Strategy{}, fmt.Errorf("fetch destination page: %w", err)
	}
	candidates, err := scanForms(html)
	if err != nil {
		return apply.Strategy{}, err
	}
	best, ok := pickCandidate(candidates)
	if !ok {
		metrics.ObserveResolution(domain, "cannot_automate")
		return apply.Strategy{}, fmt.Errorf("%w: no input elements matched on %s", apply.ErrCannotAutomate, domain)
	}
	if missing := best.mapping.Missing(apply.MandatoryFields); len(missing) > 0 {
		metrics.ObserveResolution(domain, "cannot_automate")
		return apply.Strategy{}, fmt.Errorf("%w: unmapped mandatory fields %v on %s", apply.ErrCannotAutomate, missing, domain)
	}

	id, err := r.idGen.NewID()
	if err != nil {
		return apply.Strategy{}, fmt.Errorf("generate strategy id: %w", err)
	}
	record := apply.PatternRecord{
		Domain:     domain,
		StrategyID: id,
		Mapping:    best.mapping,
		SubmitSel:  best.submitSel,
		Confidence: pattern.InitialInferredConfidence,
		LastUsed:   r.clock.Now(),
	}
	if err := r.patterns.Insert(ctx, record); err != nil {
		return apply.Strategy{}, fmt.Errorf("register inferred strategy: %w", err)
	}
	metrics.ObserveResolution(domain, "inferred")
	r.logger.Info("strategy inferred",
		zap.String("domain", domain),
		zap.String("strategy_id", id),
		zap.Int("mapped_fields", len(best.mapping)),
	)
	return apply.Strategy{
		ID:             id,
		Domain:         domain,
		Kind:           apply.StrategyInferred,
		Mapping:        best.mapping,
		SubmitSelector: best.submitSel,
		Confidence:     record.Confidence,
	}, nil
}

// pickCandidate prefers the mapping covering the most mandatory fields,
// then the one with fewer steps.
func pickCandidate(candidates []candidateMapping) (candidateMapping, bool) {
	best := candidateMapping{}
	bestCovered := -1
	for _, cand := range candidates {
		covered := len(apply.MandatoryFields) - len(cand.mapping.Missing(apply.MandatoryFields))
		switch {
		case covered > bestCovered:
			best = cand
			bestCovered = covered
		case covered == bestCovered && len(cand.mapping) < len(best.mapping):
			best = cand
		}
	}
	return best, bestCovered >= 0
}

// Domain extracts the lowercase hostname from a destination URL.
func Domain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse destination url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("destination url %q has no host", rawURL)
	}
	return host, nil
}
