package scheduler

import "time"

// Retry and backoff defaults.
const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffCap  = 30 * time.Minute
)

// Backoff computes exponential retry delays with a hard cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the given retry ordinal: base doubled per
// retry, never exceeding the cap. Retry 0 is the first re-attempt.
func (b Backoff) Delay(retry int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	cap := b.Cap
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	if retry < 0 {
		retry = 0
	}
	delay := base
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
