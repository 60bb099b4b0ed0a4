package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

// AttemptStore keeps append-only attempt records in memory.
type AttemptStore struct {
	mu       sync.RWMutex
	attempts map[string][]apply.ApplicationAttempt
}

// NewAttemptStore constructs an AttemptStore.
func NewAttemptStore() *AttemptStore {
	return &AttemptStore{
		attempts: make(map[string][]apply.ApplicationAttempt),
	}
}

// Record appends one attempt row.
func (s *AttemptStore) Record(_ context.Context, attempt apply.ApplicationAttempt) error {
	if attempt.Fingerprint == "" {
		return errors.New("attempt fingerprint is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.Fingerprint] = append(s.attempts[attempt.Fingerprint], attempt)
	return nil
}

// History returns all recorded attempts for a fingerprint, oldest first.
func (s *AttemptStore) History(_ context.Context, fingerprint string) ([]apply.ApplicationAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempts := s.attempts[fingerprint]
	out := make([]apply.ApplicationAttempt, len(attempts))
	copy(out, attempts)
	return out, nil
}
