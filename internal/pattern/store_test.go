package pattern

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type capturePersister struct {
	mu      sync.Mutex
	records []apply.PatternRecord
}

func (p *capturePersister) SaveRecord(_ context.Context, record apply.PatternRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record)
	return nil
}

func (p *capturePersister) Records() []apply.PatternRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]apply.PatternRecord, len(p.records))
	copy(out, p.records)
	return out
}

func newTestStore(opts ...Option) *Store {
	clock := fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewStore(clock, nil, opts...)
}

func record(domain, id string, confidence float64) apply.PatternRecord {
	return apply.PatternRecord{
		Domain:     domain,
		StrategyID: id,
		Mapping: apply.FieldMapping{
			apply.FieldEmail: {Selector: "#email", Kind: apply.ElementText},
		},
		SubmitSel:  "#submit",
		Confidence: confidence,
	}
}

func TestInsertRejectsDuplicates(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, record("example.com", "s1", 0.3)))
	require.Error(t, store.Insert(ctx, record("example.com", "s1", 0.3)))
}

func TestRecordOutcomeMovesConfidenceByEWMA(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, record("example.com", "s1", 0.8)))

	require.NoError(t, store.RecordOutcome(ctx, "example.com", "s1", apply.OutcomeTransientError))
	require.InDelta(t, 0.64, store.TopConfidence(ctx, "example.com"), 1e-9)

	require.NoError(t, store.RecordOutcome(ctx, "example.com", "s1", apply.OutcomeSubmitted))
	require.InDelta(t, 0.712, store.TopConfidence(ctx, "example.com"), 1e-9)

	// Manual steps count half weight.
	require.NoError(t, store.RecordOutcome(ctx, "example.com", "s1", apply.OutcomeRequiresManual))
	require.InDelta(t, 0.6696, store.TopConfidence(ctx, "example.com"), 1e-9)
}

func TestRecordOutcomeTracksUsageAndSuccess(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, record("example.com", "s1", 0.5)))

	require.NoError(t, store.RecordOutcome(ctx, "example.com", "s1", apply.OutcomeSubmitted))
	require.NoError(t, store.RecordOutcome(ctx, "example.com", "s1", apply.OutcomeDuplicate))
	require.NoError(t, store.RecordOutcome(ctx, "example.com", "s1", apply.OutcomePermanentError))

	snapshots, err := store.Get(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	require.Equal(t, 3, snapshots[0].UsageCount)
}

func TestRecordOutcomeDeprecatesAfterSustainedFailure(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, record("example.com", "s1", 0.5)))

	for i := 0; i < DeprecationMinUsage; i++ {
		require.NoError(t, store.RecordOutcome(ctx, "example.com", "s1", apply.OutcomeTransientError))
	}

	snapshots, err := store.Get(ctx, "example.com")
	require.NoError(t, err)
	require.Empty(t, snapshots, "deprecated strategies must not be selectable")
	require.Zero(t, store.TopConfidence(ctx, "example.com"))

	// Deprecated records stay for audit; recording against them still works.
	require.NoError(t, store.RecordOutcome(ctx, "example.com", "s1", apply.OutcomeSubmitted))
}

func TestGetFallsBackToParentDomain(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, record("example.com", "s1", 0.7)))

	snapshots, err := store.Get(ctx, "jobs.example.com")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	require.Equal(t, "s1", snapshots[0].StrategyID)
}

func TestRecordOutcomeFollowsParentDomainFallback(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, record("example.com", "s1", 0.7)))

	snapshots, err := store.Get(ctx, "jobs.example.com")
	require.NoError(t, err)
	require.Len(t, snapshots, 1, "subdomain is served by the parent record")

	// The outcome must land on the owning parent record, not vanish.
	require.NoError(t, store.RecordOutcome(ctx, "jobs.example.com", "s1", apply.OutcomeSubmitted))

	snapshots, err = store.Get(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	require.Equal(t, 1, snapshots[0].UsageCount)
	require.InDelta(t, 0.76, snapshots[0].Confidence, 1e-9)

	require.Error(t, store.RecordOutcome(ctx, "jobs.example.com", "other", apply.OutcomeSubmitted))
	require.Error(t, store.RecordOutcome(ctx, "unseen.net", "s1", apply.OutcomeSubmitted))
}

func TestGetOrdersByConfidenceThenUsage(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, record("example.com", "low", 0.2)))
	require.NoError(t, store.Insert(ctx, record("example.com", "high", 0.9)))
	require.NoError(t, store.Insert(ctx, record("example.com", "mid", 0.5)))

	snapshots, err := store.Get(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, snapshots, 3)
	require.Equal(t, "high", snapshots[0].StrategyID)
	require.Equal(t, "mid", snapshots[1].StrategyID)
	require.Equal(t, "low", snapshots[2].StrategyID)
}

func TestConcurrentRecordOutcomeNeverLosesUpdates(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, record("example.com", "s1", 0.5)))

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_ = store.RecordOutcome(ctx, "example.com", "s1", apply.OutcomeSubmitted)
			}
		}()
	}
	wg.Wait()

	snapshots, err := store.Get(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	require.Equal(t, writers*perWriter, snapshots[0].UsageCount)
	require.GreaterOrEqual(t, snapshots[0].Confidence, 0.0)
	require.LessOrEqual(t, snapshots[0].Confidence, 1.0)
}

func TestWriteThroughPersister(t *testing.T) {
	t.Parallel()

	persister := &capturePersister{}
	store := newTestStore(WithPersister(persister))
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, record("example.com", "s1", 0.3)))
	require.NoError(t, store.RecordOutcome(ctx, "example.com", "s1", apply.OutcomeSubmitted))

	records := persister.Records()
	require.Len(t, records, 2)
	require.Equal(t, "s1", records[1].StrategyID)
	require.Equal(t, 1, records[1].UsageCount)
}

func TestLoadSeedsCache(t *testing.T) {
	t.Parallel()

	store := newTestStore()
	store.Load([]apply.PatternRecord{record("Example.COM", "s1", 0.75)})

	require.InDelta(t, 0.75, store.TopConfidence(context.Background(), "example.com"), 1e-9)
}
