// Package scheduler orchestrates application attempts under global and
// per-domain concurrency bounds, owning retry, backoff, and cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ljluestc/awesome-apply/internal/apply"
	"github.com/ljluestc/awesome-apply/internal/events"
	"github.com/ljluestc/awesome-apply/internal/metrics"
	"github.com/ljluestc/awesome-apply/internal/resolver"
)

// ErrAlreadyScheduled reports that a posting already has a live or
// succeeded ticket. Duplicate submissions are never scheduled.
var ErrAlreadyScheduled = errors.New("posting already scheduled")

// ErrUnknownTicket reports a cancellation target that was never submitted.
var ErrUnknownTicket = errors.New("unknown ticket")

// Config controls scheduler concurrency and retry behavior.
type Config struct {
	Workers           int
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MinDomainInterval time.Duration
}

// DefaultWorkers bounds simultaneous executor runs.
const DefaultWorkers = 5

// Scheduler drains the ticket queue through a bounded worker pool. Attempts
// against one domain never overlap; outcomes feed back into the pattern
// store and the attempt audit log.
type Scheduler struct {
	cfg      Config
	queue    apply.TicketQueue
	resolver apply.Resolver
	executor apply.Executor
	patterns apply.PatternStore
	attempts apply.AttemptStore
	profiles apply.ProfileProvider
	postings apply.PostingStore
	hub      *events.Hub
	idGen    apply.IDGenerator
	clock    apply.Clock
	logger   *zap.Logger
	pacer    *domainPacer
	backoff  Backoff

	mu      sync.Mutex
	tickets map[string]*ticketRecord

	retryWG sync.WaitGroup
}

type ticketRecord struct {
	ticket          apply.ScheduleTicket
	cancelRequested bool
}

// New constructs a Scheduler. The hub may be nil when event fan-out is not
// wanted.
func New(
	cfg Config,
	queue apply.TicketQueue,
	res apply.Resolver,
	exec apply.Executor,
	patterns apply.PatternStore,
	attempts apply.AttemptStore,
	profiles apply.ProfileProvider,
	postings apply.PostingStore,
	hub *events.Hub,
	idGen apply.IDGenerator,
	clock apply.Clock,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		queue:    queue,
		resolver: res,
		executor: exec,
		patterns: patterns,
		attempts: attempts,
		profiles: profiles,
		postings: postings,
		hub:      hub,
		idGen:    idGen,
		clock:    clock,
		logger:   logger,
		pacer:    newDomainPacer(cfg.MinDomainInterval),
		backoff:  Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
		tickets:  make(map[string]*ticketRecord),
	}
}

// Submit creates and enqueues a ticket for the posting. A posting with a
// queued, running, or succeeded ticket is rejected; abandoned and canceled
// tickets may be resubmitted.
func (s *Scheduler) Submit(ctx context.Context, posting apply.Posting) (apply.ScheduleTicket, error) {
	domain, err := resolver.Domain(posting.URL)
	if err != nil {
		return apply.ScheduleTicket{}, fmt.Errorf("submit ticket: %w", err)
	}
	ticket := apply.ScheduleTicket{
		Fingerprint: posting.Fingerprint,
		URL:         posting.URL,
		Domain:      domain,
		Priority:    posting.MatchScore,
		State:       apply.TicketQueued,
	}

	s.mu.Lock()
	if rec, ok := s.tickets[ticket.Fingerprint]; ok {
		state := rec.ticket.State
		if !state.Terminal() || state == apply.TicketSucceeded {
			s.mu.Unlock()
			return rec.ticket, fmt.Errorf("%w: ticket is %s", ErrAlreadyScheduled, state)
		}
	}
	s.tickets[ticket.Fingerprint] = &ticketRecord{ticket: ticket}
	s.mu.Unlock()

	if err := s.queue.Enqueue(ctx, ticket); err != nil {
		s.mu.Lock()
		delete(s.tickets, ticket.Fingerprint)
		s.mu.Unlock()
		return apply.ScheduleTicket{}, fmt.Errorf("submit ticket: %w", err)
	}
	metrics.SetQueueDepth(s.queue.Len())
	s.logger.Info("ticket queued",
		zap.String("fingerprint", ticket.Fingerprint),
		zap.String("domain", ticket.Domain),
		zap.Float64("priority", ticket.Priority),
	)
	return ticket, nil
}

// Run blocks, draining the queue with the configured worker pool until the
// context finishes. Pending backoff timers are waited out on exit.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.workerLoop(ctx)
			return nil
		})
	}
	err := g.Wait()
	s.retryWG.Wait()
	return err
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	for {
		ticket, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		metrics.SetQueueDepth(s.queue.Len())
		s.process(ctx, ticket)
	}
}

// Cancel requests cooperative cancellation for the given tickets. Queued
// tickets are canceled immediately; running attempts finish and only their
// future retries are suppressed. It returns how many tickets were affected.
func (s *Scheduler) Cancel(fingerprints ...string) (int, error) {
	affected := 0
	var missing []string
	for _, fp := range fingerprints {
		s.mu.Lock()
		rec, ok := s.tickets[fp]
		if !ok {
			s.mu.Unlock()
			missing = append(missing, fp)
			continue
		}
		n := s.cancelLocked(rec)
		s.mu.Unlock()
		affected += n
	}
	if len(missing) > 0 {
		return affected, fmt.Errorf("%w: %v", ErrUnknownTicket, missing)
	}
	return affected, nil
}

// CancelAll cancels every non-terminal ticket and returns how many were
// affected. In-flight attempts drain to a terminal state on their own.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	affected := 0
	for _, rec := range s.tickets {
		affected += s.cancelLocked(rec)
	}
	return affected
}

func (s *Scheduler) cancelLocked(rec *ticketRecord) int {
	if rec.ticket.State.Terminal() || rec.cancelRequested {
		return 0
	}
	rec.cancelRequested = true
	if rec.ticket.State == apply.TicketQueued {
		s.finalizeLocked(rec, apply.TicketCanceled, "canceled while queued")
	}
	return 1
}

// Ticket returns the current view of one ticket.
func (s *Scheduler) Ticket(fingerprint string) (apply.ScheduleTicket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tickets[fingerprint]
	if !ok {
		return apply.ScheduleTicket{}, false
	}
	return rec.ticket, true
}

// Tickets returns all known tickets ordered by priority, then fingerprint.
func (s *Scheduler) Tickets() []apply.ScheduleTicket {
	s.mu.Lock()
	out := make([]apply.ScheduleTicket, 0, len(s.tickets))
	for _, rec := range s.tickets {
		out = append(out, rec.ticket)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

func (s *Scheduler) process(ctx context.Context, ticket apply.ScheduleTicket) {
	s.mu.Lock()
	rec, ok := s.tickets[ticket.Fingerprint]
	if !ok || rec.ticket.State.Terminal() {
		s.mu.Unlock()
		return
	}
	if rec.cancelRequested {
		s.finalizeLocked(rec, apply.TicketCanceled, "canceled before start")
		s.mu.Unlock()
		return
	}
	rec.ticket.RetryCount = ticket.RetryCount
	s.mu.Unlock()

	if wait := time.Until(ticket.NotBefore); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.requeueOnShutdown(ticket)
			return
		case <-timer.C:
		}
	}

	release, err := s.pacer.acquire(ctx, ticket.Domain)
	if err != nil {
		s.requeueOnShutdown(ticket)
		return
	}
	defer release()

	// Cancellation may have landed while waiting for the domain slot.
	s.mu.Lock()
	rec, ok = s.tickets[ticket.Fingerprint]
	if !ok || rec.ticket.State.Terminal() {
		s.mu.Unlock()
		return
	}
	if rec.cancelRequested {
		s.finalizeLocked(rec, apply.TicketCanceled, "canceled before start")
		s.mu.Unlock()
		return
	}
	rec.ticket.State = apply.TicketRunning
	s.mu.Unlock()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	s.attempt(ctx, ticket)
}

func (s *Scheduler) attempt(ctx context.Context, ticket apply.ScheduleTicket) {
	strategy, err := s.resolver.Resolve(ctx, ticket.URL)
	if err != nil {
		if errors.Is(err, apply.ErrCannotAutomate) {
			s.recordAttempt(ctx, ticket, apply.Strategy{}, apply.ExecutionResult{
				Outcome:    apply.OutcomeCannotAutomate,
				Reason:     err.Error(),
				StartedAt:  s.clock.Now(),
				FinishedAt: s.clock.Now(),
			})
			s.finish(ticket, apply.TicketRequiresManual, err.Error())
			return
		}
		if ctx.Err() != nil {
			s.requeueOnShutdown(ticket)
			return
		}
		s.retryOrAbandon(ctx, ticket, apply.TicketError, fmt.Sprintf("strategy resolution failed: %v", err))
		return
	}

	posting, err := s.postings.Get(ctx, ticket.Fingerprint)
	if err != nil {
		s.finish(ticket, apply.TicketAbandoned, fmt.Sprintf("posting lookup failed: %v", err))
		return
	}
	profile, err := s.profiles.Profile(ctx)
	if err != nil {
		s.retryOrAbandon(ctx, ticket, apply.TicketError, fmt.Sprintf("profile fetch failed: %v", err))
		return
	}

	result, err := s.executor.Execute(ctx, apply.ExecutionRequest{
		Strategy:   strategy,
		Posting:    posting,
		Profile:    profile,
		RetryCount: ticket.RetryCount,
	})
	if err != nil {
		// An interrupted attempt still gets its audit record before the
		// ticket is parked for restart.
		if result.Outcome == "" {
			result.Outcome = apply.OutcomeTransientError
		}
		if result.ErrorKind == apply.ErrorKindNone {
			result.ErrorKind = apply.ErrorKindCanceled
		}
		if result.Reason == "" {
			result.Reason = err.Error()
		}
		s.recordAttempt(context.WithoutCancel(ctx), ticket, strategy, result)
		s.requeueOnShutdown(ticket)
		return
	}

	s.recordAttempt(ctx, ticket, strategy, result)
	if err := s.patterns.RecordOutcome(ctx, ticket.Domain, strategy.ID, result.Outcome); err != nil {
		s.logger.Error("record outcome failed",
			zap.String("domain", ticket.Domain),
			zap.String("strategy_id", strategy.ID),
			zap.Error(err),
		)
	}

	switch result.Outcome {
	case apply.OutcomeSubmitted:
		s.finish(ticket, apply.TicketSucceeded, "application submitted")
	case apply.OutcomeDuplicate:
		s.finish(ticket, apply.TicketSucceeded, "site reported an existing application")
	case apply.OutcomeRequiresManual, apply.OutcomeCannotAutomate:
		s.finish(ticket, apply.TicketRequiresManual, result.Reason)
	case apply.OutcomePermanentError:
		s.finish(ticket, apply.TicketAbandoned, fmt.Sprintf("permanent failure, not retried: %s", result.Reason))
	default:
		s.retryOrAbandon(ctx, ticket, apply.TicketFailed, result.Reason)
	}
}

// retryOrAbandon re-queues a failed ticket after backoff, or abandons it
// once the retry bound is exhausted. Cancellation suppresses the retry.
func (s *Scheduler) retryOrAbandon(ctx context.Context, ticket apply.ScheduleTicket, state apply.TicketState, reason string) {
	s.mu.Lock()
	rec, ok := s.tickets[ticket.Fingerprint]
	canceled := ok && rec.cancelRequested
	s.mu.Unlock()
	if canceled {
		s.finish(ticket, apply.TicketCanceled, fmt.Sprintf("retries suppressed by cancellation after: %s", reason))
		return
	}
	if ticket.RetryCount >= s.cfg.MaxRetries {
		s.finish(ticket, apply.TicketAbandoned,
			fmt.Sprintf("abandoned after %d attempts, last failure: %s", ticket.RetryCount+1, reason))
		return
	}

	delay := s.backoff.Delay(ticket.RetryCount)
	next := ticket
	next.State = apply.TicketQueued
	next.RetryCount = ticket.RetryCount + 1
	next.Reason = reason
	next.NotBefore = s.clock.Now().Add(delay)
	next.EnqueuedSeq = 0

	s.setState(ticket.Fingerprint, state, reason)
	metrics.ObserveRetry(ticket.Domain)
	s.logger.Warn("ticket retry scheduled",
		zap.String("fingerprint", ticket.Fingerprint),
		zap.String("domain", ticket.Domain),
		zap.Int("retry_count", next.RetryCount),
		zap.Duration("backoff", delay),
		zap.String("reason", reason),
	)

	s.retryWG.Add(1)
	go func() {
		defer s.retryWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.setState(next.Fingerprint, apply.TicketQueued, reason)
		if err := s.queue.Enqueue(ctx, next); err != nil {
			if ctx.Err() == nil {
				s.logger.Error("retry enqueue failed",
					zap.String("fingerprint", next.Fingerprint),
					zap.Error(err),
				)
			}
			return
		}
		metrics.SetQueueDepth(s.queue.Len())
	}()
}

func (s *Scheduler) recordAttempt(ctx context.Context, ticket apply.ScheduleTicket, strategy apply.Strategy, result apply.ExecutionResult) {
	id, err := s.idGen.NewID()
	if err != nil {
		s.logger.Error("attempt id generation failed", zap.Error(err))
		id = ticket.Fingerprint
	}
	attempt := apply.ApplicationAttempt{
		ID:          id,
		Fingerprint: ticket.Fingerprint,
		Domain:      ticket.Domain,
		StrategyID:  strategy.ID,
		StartedAt:   result.StartedAt,
		FinishedAt:  result.FinishedAt,
		Outcome:     result.Outcome,
		ErrorKind:   result.ErrorKind,
		Reason:      result.Reason,
		RetryCount:  ticket.RetryCount,
	}
	if err := s.attempts.Record(ctx, attempt); err != nil {
		s.logger.Error("attempt record failed",
			zap.String("fingerprint", ticket.Fingerprint),
			zap.Error(err),
		)
	}

	dur := result.FinishedAt.Sub(result.StartedAt)
	metrics.ObserveAttempt(ticket.Domain, string(result.Outcome), dur)
	s.emit(events.Event{
		Kind:        events.KindAttemptDone,
		TS:          s.clock.Now(),
		Fingerprint: ticket.Fingerprint,
		Domain:      ticket.Domain,
		StrategyID:  strategy.ID,
		Outcome:     result.Outcome,
		RetryCount:  ticket.RetryCount,
		Dur:         dur,
		Note:        result.Reason,
	})
}

// finish moves a ticket to a terminal state, emits the terminal event, and
// logs the human-readable reason.
func (s *Scheduler) finish(ticket apply.ScheduleTicket, state apply.TicketState, reason string) {
	s.mu.Lock()
	rec, ok := s.tickets[ticket.Fingerprint]
	if !ok || rec.ticket.State.Terminal() {
		s.mu.Unlock()
		return
	}
	s.finalizeLocked(rec, state, reason)
	s.mu.Unlock()
}

// finalizeLocked requires s.mu held and the record non-terminal.
func (s *Scheduler) finalizeLocked(rec *ticketRecord, state apply.TicketState, reason string) {
	rec.ticket.State = state
	rec.ticket.Reason = reason
	metrics.ObserveTicket(string(state))
	s.emit(events.Event{
		Kind:        events.KindTicketTerminal,
		TS:          s.clock.Now(),
		Fingerprint: rec.ticket.Fingerprint,
		Domain:      rec.ticket.Domain,
		TicketState: state,
		RetryCount:  rec.ticket.RetryCount,
		Note:        reason,
	})
	s.logger.Info("ticket finished",
		zap.String("fingerprint", rec.ticket.Fingerprint),
		zap.String("domain", rec.ticket.Domain),
		zap.String("state", string(state)),
		zap.Int("retry_count", rec.ticket.RetryCount),
		zap.String("reason", reason),
	)
}

func (s *Scheduler) setState(fingerprint string, state apply.TicketState, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tickets[fingerprint]
	if !ok || rec.ticket.State.Terminal() {
		return
	}
	rec.ticket.State = state
	if reason != "" {
		rec.ticket.Reason = reason
	}
}

// requeueOnShutdown restores the queued state so a restart can resume the
// ticket. The queue itself is not re-populated; the process is exiting.
func (s *Scheduler) requeueOnShutdown(ticket apply.ScheduleTicket) {
	s.setState(ticket.Fingerprint, apply.TicketQueued, "interrupted by shutdown")
}

func (s *Scheduler) emit(evt events.Event) {
	if s.hub != nil {
		s.hub.Emit(evt)
	}
}
