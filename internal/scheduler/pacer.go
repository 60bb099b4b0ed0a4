package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ljluestc/awesome-apply/internal/metrics"
)

// domainPacer serializes attempts per domain and enforces a minimum
// inter-request spacing. A domain slot is held for the full duration of an
// attempt so no two attempts against one site ever overlap.
type domainPacer struct {
	mu       sync.Mutex
	entries  map[string]*pacerEntry
	interval time.Duration
}

type pacerEntry struct {
	slot    chan struct{}
	limiter *rate.Limiter
}

func newDomainPacer(minInterval time.Duration) *domainPacer {
	return &domainPacer{
		entries:  make(map[string]*pacerEntry),
		interval: minInterval,
	}
}

func (p *domainPacer) entry(domain string) *pacerEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[domain]
	if !ok {
		limit := rate.Inf
		if p.interval > 0 {
			limit = rate.Every(p.interval)
		}
		e = &pacerEntry{
			slot:    make(chan struct{}, 1),
			limiter: rate.NewLimiter(limit, 1),
		}
		p.entries[domain] = e
	}
	return e
}

// acquire blocks until the domain slot is free and the pacing interval has
// elapsed. The returned release function must be called once the attempt
// reaches a terminal state.
func (p *domainPacer) acquire(ctx context.Context, domain string) (func(), error) {
	e := p.entry(domain)
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("domain slot wait: %w", ctx.Err())
	case e.slot <- struct{}{}:
	}
	start := time.Now()
	if err := e.limiter.Wait(ctx); err != nil {
		<-e.slot
		return nil, fmt.Errorf("domain pacing wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return func() { <-e.slot }, nil
}
