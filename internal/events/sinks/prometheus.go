package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ljluestc/awesome-apply/internal/events"
)

// PrometheusSink exports pipeline outcome metrics via Prometheus. It owns
// the collectors for merges, attempts, and terminal ticket counts.
type PrometheusSink struct {
	postingsMerged  prometheus.Counter
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	ticketsFinished *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		postingsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apply_postings_merged_total",
			Help: "Total postings merged into an existing fingerprint.",
		}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apply_attempts_total",
			Help: "Application attempts partitioned by domain and outcome.",
		}, []string{"domain", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apply_attempt_duration_seconds",
			Help:    "Wall time per application attempt partitioned by outcome.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"outcome"}),
		ticketsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apply_tickets_finished_total",
			Help: "Tickets reaching a terminal state partitioned by state.",
		}, []string{"state"}),
	}
	for _, collector := range []prometheus.Collector{
		s.postingsMerged,
		s.attemptsTotal,
		s.attemptDuration,
		s.ticketsFinished,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Kind {
	case events.KindPostingMerged:
		s.postingsMerged.Inc()
	case events.KindAttemptDone:
		s.attemptsTotal.WithLabelValues(evt.Domain, string(evt.Outcome)).Inc()
		if evt.Dur > 0 {
			s.attemptDuration.WithLabelValues(string(evt.Outcome)).Observe(evt.Dur.Seconds())
		}
	case events.KindTicketTerminal:
		s.ticketsFinished.WithLabelValues(string(evt.TicketState)).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
