package apply

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind labels the failure cause recorded on an attempt.
type ErrorKind string

// Error kinds persisted in attempt records.
const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindNetwork   ErrorKind = "network"
	ErrorKindScript    ErrorKind = "script"
	ErrorKindWithdrawn ErrorKind = "withdrawn"
	ErrorKindCanceled  ErrorKind = "canceled"
)

// ErrCannotAutomate indicates no viable field mapping exists for the
// destination form. It routes the ticket to manual review and never
// penalizes the domain's existing strategy confidence.
var ErrCannotAutomate = errors.New("cannot automate destination form")

// ErrPostingWithdrawn indicates the destination reports the posting as
// closed or removed. Not retryable.
var ErrPostingWithdrawn = errors.New("posting withdrawn")

// ValidationError reports a malformed incoming posting. The posting is
// dropped and never retried.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("posting validation: missing %s", e.Field)
}

// TimeoutError reports that a bounded wait was exceeded. Transient.
type TimeoutError struct {
	Op      string
	Elapsed string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Elapsed)
}

// ClassifyError maps an execution error to the outcome taxonomy. Context
// cancellation keeps its own kind so a drained batch is distinguishable
// from a flaky site.
func ClassifyError(err error) (Outcome, ErrorKind) {
	switch {
	case err == nil:
		return OutcomeSubmitted, ErrorKindNone
	case errors.Is(err, context.Canceled):
		return OutcomeTransientError, ErrorKindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTransientError, ErrorKindTimeout
	case errors.Is(err, ErrPostingWithdrawn):
		return OutcomePermanentError, ErrorKindWithdrawn
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return OutcomeTransientError, ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeTransientError, ErrorKindNetwork
	}
	return OutcomeTransientError, ErrorKindScript
}
