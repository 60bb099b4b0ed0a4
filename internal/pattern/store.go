// Package pattern implements the per-domain cache of form automation
// strategies with confidence and usage tracking.
package pattern

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ljluestc/awesome-apply/internal/apply"
	"github.com/ljluestc/awesome-apply/internal/metrics"
)

// Confidence update parameters. Alpha is the EWMA smoothing factor; a
// strategy is deprecated once its confidence falls under DeprecationFloor
// after at least DeprecationMinUsage attempts.
const (
	Alpha               = 0.2
	DeprecationFloor    = 0.1
	DeprecationMinUsage = 10

	// InitialInferredConfidence seeds records registered by the resolver.
	InitialInferredConfidence = 0.3
)

// Persister is an optional durable backend the store writes through to.
type Persister interface {
	SaveRecord(ctx context.Context, record apply.PatternRecord) error
}

// Store is the in-memory authoritative pattern cache. Mutations to one
// domain's records are serialized under that domain's lock, so concurrent
// outcome recordings never lose an update. Reads return copies.
type Store struct {
	mu        sync.RWMutex
	domains   map[string]*domainEntry
	clock     apply.Clock
	logger    *zap.Logger
	persister Persister
}

type domainEntry struct {
	mu      sync.Mutex
	records map[string]*apply.PatternRecord
}

// Option customizes a Store.
type Option func(*Store)

// WithPersister makes every mutation write through to a durable backend.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// NewStore constructs a Store.
func NewStore(clock apply.Clock, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		domains: make(map[string]*domainEntry),
		clock:   clock,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the non-deprecated strategies cached for a domain, ordered by
// descending confidence. An unseen domain yields an empty slice. When the
// exact domain is unknown, parent domains are consulted so a strategy
// learned for example.com serves jobs.example.com as well.
func (s *Store) Get(_ context.Context, domain string) ([]apply.StrategySnapshot, error) {
	domain = strings.ToLower(domain)
	for _, candidate := range domainCandidates(domain) {
		entry := s.lookup(candidate)
		if entry == nil {
			continue
		}
		snapshots := entry.snapshot()
		if len(snapshots) > 0 {
			return snapshots, nil
		}
	}
	return nil, nil
}

// Insert registers a new strategy record. Only the resolver creates
// records; the store never invents field mappings on its own.
func (s *Store) Insert(ctx context.Context, record apply.PatternRecord) error {
	if record.Domain == "" || record.StrategyID == "" {
		return fmt.Errorf("pattern record requires domain and strategy id")
	}
	record.Domain = strings.ToLower(record.Domain)
	record.Confidence = clamp01(record.Confidence)

	entry := s.entry(record.Domain)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, exists := entry.records[record.StrategyID]; exists {
		return fmt.Errorf("strategy %s already registered for %s", record.StrategyID, record.Domain)
	}
	stored := record
	entry.records[record.StrategyID] = &stored
	s.logger.Info("pattern registered",
		zap.String("domain", record.Domain),
		zap.String("strategy_id", record.StrategyID),
		zap.Float64("confidence", record.Confidence),
	)
	return s.persist(ctx, stored)
}

// RecordOutcome folds one attempt outcome into a strategy's statistics.
// usage_count grows by one for every outcome; the confidence EWMA moves
// toward the outcome's success indicator. A strategy that sinks below the
// deprecation floor is excluded from future selection but kept for audit.
// Strategies served through parent-domain fallback report the subdomain
// they ran on, so the same candidate chain Get walks is searched for the
// owning record.
func (s *Store) RecordOutcome(ctx context.Context, domain, strategyID string, outcome apply.Outcome) error {
	domain = strings.ToLower(domain)
	known := false
	for _, candidate := range domainCandidates(domain) {
		entry := s.lookup(candidate)
		if entry == nil {
			continue
		}
		known = true
		found, err := s.foldOutcome(ctx, entry, candidate, strategyID, outcome)
		if found {
			return err
		}
	}
	if !known {
		return fmt.Errorf("unknown domain %q", domain)
	}
	return fmt.Errorf("unknown strategy %q for domain %q", strategyID, domain)
}

// foldOutcome applies the outcome when the entry owns the strategy. The
// bool reports whether the strategy was found there.
func (s *Store) foldOutcome(ctx context.Context, entry *domainEntry, domain, strategyID string, outcome apply.Outcome) (bool, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	record, ok := entry.records[strategyID]
	if !ok {
		return false, nil
	}

	indicator := outcome.SuccessIndicator()
	record.UsageCount++
	if outcome.Success() {
		record.SuccessCount++
	}
	record.Confidence = clamp01(record.Confidence*(1-Alpha) + Alpha*indicator)
	record.LastUsed = s.clock.Now()
	if !record.Deprecated && record.Confidence < DeprecationFloor && record.UsageCount >= DeprecationMinUsage {
		record.Deprecated = true
		metrics.ObserveDeprecation(domain)
		s.logger.Warn("pattern deprecated",
			zap.String("domain", domain),
			zap.String("strategy_id", strategyID),
			zap.Float64("confidence", record.Confidence),
			zap.Int("usage_count", record.UsageCount),
		)
	}
	metrics.SetTopConfidence(domain, entry.topConfidenceLocked())
	return true, s.persist(ctx, *record)
}

// TopConfidence returns the best live confidence for a domain, zero when
// the domain has no usable strategy. Used for ticket ordering.
func (s *Store) TopConfidence(ctx context.Context, domain string) float64 {
	snapshots, _ := s.Get(ctx, domain)
	if len(snapshots) == 0 {
		return 0
	}
	return snapshots[0].Confidence
}

// Load seeds the cache from previously persisted records, typically at
// startup.
func (s *Store) Load(records []apply.PatternRecord) {
	for _, rec := range records {
		rec.Domain = strings.ToLower(rec.Domain)
		entry := s.entry(rec.Domain)
		entry.mu.Lock()
		stored := rec
		entry.records[rec.StrategyID] = &stored
		entry.mu.Unlock()
	}
}

func (s *Store) persist(ctx context.Context, record apply.PatternRecord) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.SaveRecord(ctx, record); err != nil {
		return fmt.Errorf("persist pattern record: %w", err)
	}
	return nil
}

func (s *Store) lookup(domain string) *domainEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.domains[domain]
}

func (s *Store) entry(domain string) *domainEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.domains[domain]
	if !ok {
		entry = &domainEntry{records: make(map[string]*apply.PatternRecord)}
		s.domains[domain] = entry
	}
	return entry
}

func (e *domainEntry) snapshot() []apply.StrategySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]apply.StrategySnapshot, 0, len(e.records))
	for _, rec := range e.records {
		if rec.Deprecated {
			continue
		}
		mapping := make(apply.FieldMapping, len(rec.Mapping))
		for k, v := range rec.Mapping {
			mapping[k] = v
		}
		out = append(out, apply.StrategySnapshot{
			StrategyID: rec.StrategyID,
			Mapping:    mapping,
			SubmitSel:  rec.SubmitSel,
			Confidence: rec.Confidence,
			UsageCount: rec.UsageCount,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].UsageCount != out[j].UsageCount {
			return out[i].UsageCount > out[j].UsageCount
		}
		return out[i].StrategyID < out[j].StrategyID
	})
	return out
}

// topConfidenceLocked reports the best live confidence. Caller holds e.mu.
func (e *domainEntry) topConfidenceLocked() float64 {
	var top float64
	for _, rec := range e.records {
		if !rec.Deprecated && rec.Confidence > top {
			top = rec.Confidence
		}
	}
	return top
}

// domainCandidates lists the domain and its parents, most specific first.
func domainCandidates(domain string) []string {
	candidates := []string{domain}
	parts := strings.Split(domain, ".")
	for i := 1; i < len(parts)-1; i++ {
		candidates = append(candidates, strings.Join(parts[i:], "."))
	}
	return candidates
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
