// Package events defines the outcome event stream emitted by the pipeline
// for analytics and audit.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindPostingMerged  Kind = "POSTING_MERGED"
	KindAttemptDone    Kind = "ATTEMPT_DONE"
	KindTicketTerminal Kind = "TICKET_TERMINAL"
)

// Event captures a single pipeline milestone.
type Event struct {
	// Kind denotes which milestone occurred.
	Kind Kind `json:"kind"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Fingerprint identifies the posting the event concerns.
	Fingerprint string `json:"fingerprint"`
	// Domain scopes attempt events to a destination site.
	Domain string `json:"domain,omitempty"`
	// StrategyID identifies the strategy used for attempt events.
	StrategyID string `json:"strategy_id,omitempty"`
	// Outcome carries the attempt classification for ATTEMPT_DONE.
	Outcome apply.Outcome `json:"outcome,omitempty"`
	// TicketState carries the final state for TICKET_TERMINAL.
	TicketState apply.TicketState `json:"ticket_state,omitempty"`
	// RetryCount is the attempt's retry ordinal.
	RetryCount int `json:"retry_count,omitempty"`
	// Dur captures attempt latency.
	Dur time.Duration `json:"duration,omitempty"`
	// Note lets emitters attach low-volume context (e.g. reason text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindPostingMerged:
	case KindAttemptDone:
		if e.Domain == "" {
			return errors.New("attempt event requires domain")
		}
		if e.Outcome == "" {
			return errors.New("attempt event requires outcome")
		}
	case KindTicketTerminal:
		if e.TicketState == "" {
			return errors.New("ticket event requires state")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
