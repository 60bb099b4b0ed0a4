package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ljluestc/awesome-apply/internal/apply"
	"github.com/ljluestc/awesome-apply/internal/clock/system"
	"github.com/ljluestc/awesome-apply/internal/queue"
	"github.com/ljluestc/awesome-apply/internal/storage/memory"
)

type fakeResolver struct {
	mu       sync.Mutex
	strategy apply.Strategy
	err      error
	calls    int
}

func (r *fakeResolver) Resolve(context.Context, string) (apply.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return apply.Strategy{}, r.err
	}
	return r.strategy, nil
}

// fakeExecutor returns scripted outcomes in order, repeating the last one,
// and tracks per-domain concurrency.
type fakeExecutor struct {
	mu       sync.Mutex
	outcomes []apply.Outcome
	err      error
	calls    int
	inFlight map[string]int
	overlap  bool
	delay    time.Duration
}

func newFakeExecutor(delay time.Duration, outcomes ...apply.Outcome) *fakeExecutor {
	return &fakeExecutor{
		outcomes: outcomes,
		inFlight: make(map[string]int),
		delay:    delay,
	}
}

func (e *fakeExecutor) Execute(ctx context.Context, req apply.ExecutionRequest) (apply.ExecutionResult, error) {
	domain := req.Strategy.Domain
	e.mu.Lock()
	e.inFlight[domain]++
	if e.inFlight[domain] > 1 {
		e.overlap = true
	}
	idx := e.calls
	e.calls++
	if idx >= len(e.outcomes) {
		idx = len(e.outcomes) - 1
	}
	outcome := e.outcomes[idx]
	e.mu.Unlock()

	start := time.Now()
	if e.delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(e.delay):
		}
	}

	e.mu.Lock()
	e.inFlight[domain]--
	execErr := e.err
	e.mu.Unlock()

	if execErr != nil {
		return apply.ExecutionResult{
			Outcome:    apply.OutcomeTransientError,
			ErrorKind:  apply.ErrorKindCanceled,
			Reason:     "attempt interrupted",
			StartedAt:  start,
			FinishedAt: time.Now(),
		}, execErr
	}
	return apply.ExecutionResult{
		Outcome:    outcome,
		Reason:     string(outcome),
		StartedAt:  start,
		FinishedAt: time.Now(),
	}, nil
}

func (e *fakeExecutor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *fakeExecutor) Overlapped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overlap
}

type fakePatternStore struct {
	mu       sync.Mutex
	outcomes []apply.Outcome
}

func (p *fakePatternStore) Get(context.Context, string) ([]apply.StrategySnapshot, error) {
	return nil, nil
}

func (p *fakePatternStore) Insert(context.Context, apply.PatternRecord) error { return nil }

func (p *fakePatternStore) RecordOutcome(_ context.Context, _, _ string, outcome apply.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, outcome)
	return nil
}

type fakeProfiles struct{}

func (fakeProfiles) Profile(context.Context) (apply.Profile, error) {
	return apply.Profile{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}, nil
}

type fakePostings struct {
	mu       sync.Mutex
	postings map[string]apply.Posting
}

func (s *fakePostings) Upsert(_ context.Context, p apply.Posting) (apply.Posting, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postings[p.Fingerprint] = p
	return p, true, nil
}

func (s *fakePostings) Get(_ context.Context, fp string) (apply.Posting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.postings[fp]
	if !ok {
		return apply.Posting{}, fmt.Errorf("posting %s not found", fp)
	}
	return p, nil
}

func (s *fakePostings) List(context.Context) ([]apply.Posting, error) { return nil, nil }

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("attempt-%d", g.n), nil
}

type harness struct {
	sched    *Scheduler
	resolver *fakeResolver
	executor *fakeExecutor
	patterns *fakePatternStore
	attempts *memory.AttemptStore
	postings *fakePostings
}

func newHarness(t *testing.T, cfg Config, executor *fakeExecutor) *harness {
	t.Helper()
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 10 * time.Millisecond
	}
	h := &harness{
		resolver: &fakeResolver{strategy: apply.Strategy{
			ID: "s1", Domain: "example.com", Kind: apply.StrategyKnown,
		}},
		executor: executor,
		patterns: &fakePatternStore{},
		attempts: memory.NewAttemptStore(),
		postings: &fakePostings{postings: make(map[string]apply.Posting)},
	}
	h.sched = New(cfg, queue.New(64, nil), h.resolver, h.executor, h.patterns,
		h.attempts, fakeProfiles{}, h.postings, nil, &seqIDGen{}, system.New(), nil)
	return h
}

func (h *harness) submit(t *testing.T, fp string, score float64) apply.ScheduleTicket {
	t.Helper()
	posting := apply.Posting{
		Fingerprint: fp,
		URL:         "https://example.com/jobs/" + fp + "/apply",
		MatchScore:  score,
	}
	_, _, err := h.postings.Upsert(context.Background(), posting)
	require.NoError(t, err)
	ticket, err := h.sched.Submit(context.Background(), posting)
	require.NoError(t, err)
	return ticket
}

func (h *harness) run(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return cancel
}

func (h *harness) waitTerminal(t *testing.T, fp string) apply.ScheduleTicket {
	t.Helper()
	var ticket apply.ScheduleTicket
	require.Eventually(t, func() bool {
		got, ok := h.sched.Ticket(fp)
		if !ok || !got.State.Terminal() {
			return false
		}
		ticket = got
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return ticket
}

func TestSubmittedOutcomeSucceedsTicket(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 2}, newFakeExecutor(0, apply.OutcomeSubmitted))
	h.submit(t, "fp-1", 0.8)
	h.run(t)

	ticket := h.waitTerminal(t, "fp-1")
	require.Equal(t, apply.TicketSucceeded, ticket.State)

	history, err := h.attempts.History(context.Background(), "fp-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, apply.OutcomeSubmitted, history[0].Outcome)
	require.Equal(t, "s1", history[0].StrategyID)
}

func TestDuplicateDetectionCountsAsSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1}, newFakeExecutor(0, apply.OutcomeDuplicate))
	h.submit(t, "fp-1", 0.5)
	h.run(t)

	ticket := h.waitTerminal(t, "fp-1")
	require.Equal(t, apply.TicketSucceeded, ticket.State)
	require.Contains(t, ticket.Reason, "existing application")
	require.Equal(t, 1, h.executor.Calls())
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1},
		newFakeExecutor(0, apply.OutcomeTransientError, apply.OutcomeSubmitted))
	h.submit(t, "fp-1", 0.5)
	h.run(t)

	ticket := h.waitTerminal(t, "fp-1")
	require.Equal(t, apply.TicketSucceeded, ticket.State)
	require.Equal(t, 2, h.executor.Calls())

	history, err := h.attempts.History(context.Background(), "fp-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, 1, history[1].RetryCount)
}

func TestAbandonedAfterRetryExhaustion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1, MaxRetries: 2},
		newFakeExecutor(0, apply.OutcomeTransientError))
	h.submit(t, "fp-1", 0.5)
	h.run(t)

	ticket := h.waitTerminal(t, "fp-1")
	require.Equal(t, apply.TicketAbandoned, ticket.State)
	require.Contains(t, ticket.Reason, "abandoned after 3 attempts")
	require.Equal(t, 3, h.executor.Calls(), "initial attempt plus two retries")
}

func TestPermanentFailureNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1}, newFakeExecutor(0, apply.OutcomePermanentError))
	h.submit(t, "fp-1", 0.5)
	h.run(t)

	ticket := h.waitTerminal(t, "fp-1")
	require.Equal(t, apply.TicketAbandoned, ticket.State)
	require.Contains(t, ticket.Reason, "not retried")
	require.Equal(t, 1, h.executor.Calls())
}

func TestCannotAutomateFinishesRequiresManual(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1}, newFakeExecutor(0, apply.OutcomeSubmitted))
	h.resolver.err = fmt.Errorf("%w: unmapped mandatory fields", apply.ErrCannotAutomate)
	h.submit(t, "fp-1", 0.5)
	h.run(t)

	ticket := h.waitTerminal(t, "fp-1")
	require.Equal(t, apply.TicketRequiresManual, ticket.State)
	require.Zero(t, h.executor.Calls(), "executor must not run without a strategy")

	history, err := h.attempts.History(context.Background(), "fp-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, apply.OutcomeCannotAutomate, history[0].Outcome)
}

func TestPerDomainAttemptsNeverOverlap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 4}, newFakeExecutor(20*time.Millisecond, apply.OutcomeSubmitted))
	for i := 0; i < 4; i++ {
		h.submit(t, fmt.Sprintf("fp-%d", i), 0.5)
	}
	h.run(t)

	for i := 0; i < 4; i++ {
		h.waitTerminal(t, fmt.Sprintf("fp-%d", i))
	}
	require.False(t, h.executor.Overlapped(), "attempts against one domain must serialize")
}

func TestSubmitRejectsLiveAndSucceededTickets(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1}, newFakeExecutor(0, apply.OutcomeSubmitted))
	posting := apply.Posting{Fingerprint: "fp-1", URL: "https://example.com/apply"}
	_, _, err := h.postings.Upsert(context.Background(), posting)
	require.NoError(t, err)

	_, err = h.sched.Submit(context.Background(), posting)
	require.NoError(t, err)
	_, err = h.sched.Submit(context.Background(), posting)
	require.ErrorIs(t, err, ErrAlreadyScheduled)

	h.run(t)
	h.waitTerminal(t, "fp-1")
	_, err = h.sched.Submit(context.Background(), posting)
	require.ErrorIs(t, err, ErrAlreadyScheduled, "succeeded tickets stay closed to resubmission")
}

func TestCancelQueuedTicketImmediately(t *testing.T) {
	t.Parallel()

	// Scheduler not running: tickets stay queued.
	h := newHarness(t, Config{Workers: 1}, newFakeExecutor(0, apply.OutcomeSubmitted))
	h.submit(t, "fp-1", 0.5)

	affected, err := h.sched.Cancel("fp-1")
	require.NoError(t, err)
	require.Equal(t, 1, affected)

	ticket, ok := h.sched.Ticket("fp-1")
	require.True(t, ok)
	require.Equal(t, apply.TicketCanceled, ticket.State)
	require.Equal(t, "canceled while queued", ticket.Reason)

	// Terminal tickets are not double-counted.
	affected, err = h.sched.Cancel("fp-1")
	require.NoError(t, err)
	require.Zero(t, affected)
}

func TestCancelUnknownTicket(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1}, newFakeExecutor(0, apply.OutcomeSubmitted))
	_, err := h.sched.Cancel("nope")
	require.ErrorIs(t, err, ErrUnknownTicket)
}

func TestCancelSuppressesPendingRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1, BackoffBase: 50 * time.Millisecond, BackoffCap: time.Second},
		newFakeExecutor(0, apply.OutcomeTransientError))
	h.submit(t, "fp-1", 0.5)
	h.run(t)

	// Wait for the first failure, then cancel during the backoff window.
	require.Eventually(t, func() bool {
		return h.executor.Calls() >= 1
	}, 5*time.Second, time.Millisecond)
	_, err := h.sched.Cancel("fp-1")
	require.NoError(t, err)

	ticket := h.waitTerminal(t, "fp-1")
	require.Equal(t, apply.TicketCanceled, ticket.State)
	require.Equal(t, 1, h.executor.Calls(), "the retry must not execute after cancellation")
}

func TestInterruptedAttemptStillRecorded(t *testing.T) {
	t.Parallel()

	exec := newFakeExecutor(0, apply.OutcomeSubmitted)
	exec.err = context.Canceled
	h := newHarness(t, Config{Workers: 1}, exec)
	h.submit(t, "fp-1", 0.5)
	h.run(t)

	require.Eventually(t, func() bool {
		history, err := h.attempts.History(context.Background(), "fp-1")
		return err == nil && len(history) == 1
	}, 5*time.Second, 5*time.Millisecond)

	history, err := h.attempts.History(context.Background(), "fp-1")
	require.NoError(t, err)
	require.Equal(t, apply.OutcomeTransientError, history[0].Outcome)
	require.Equal(t, apply.ErrorKindCanceled, history[0].ErrorKind)

	// The ticket parks as queued so a restart can resume it.
	ticket, ok := h.sched.Ticket("fp-1")
	require.True(t, ok)
	require.Equal(t, apply.TicketQueued, ticket.State)
	require.Contains(t, ticket.Reason, "interrupted")
}

func TestCancelAllCountsNonTerminalTickets(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1}, newFakeExecutor(0, apply.OutcomeSubmitted))
	h.submit(t, "fp-1", 0.5)
	h.submit(t, "fp-2", 0.5)

	require.Equal(t, 2, h.sched.CancelAll())
	require.Zero(t, h.sched.CancelAll())
}

func TestTicketsOrderedByPriority(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1}, newFakeExecutor(0, apply.OutcomeSubmitted))
	h.submit(t, "fp-low", 0.1)
	h.submit(t, "fp-high", 0.9)

	tickets := h.sched.Tickets()
	require.Len(t, tickets, 2)
	require.Equal(t, "fp-high", tickets[0].Fingerprint)
	require.Equal(t, "fp-low", tickets[1].Fingerprint)
}
