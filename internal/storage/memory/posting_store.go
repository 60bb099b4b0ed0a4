// Package memory provides store implementations for development/testing.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

// ErrPostingNotFound is returned when a fingerprint has no stored posting.
var ErrPostingNotFound = errors.New("posting not found")

// PostingStore keeps canonical postings in memory. Merges for a given
// fingerprint are serialized under the store lock so concurrent ingests of
// the same posting never lose a source.
type PostingStore struct {
	mu       sync.RWMutex
	postings map[string]apply.Posting
	merge    apply.PostingMerger
}

// NewPostingStore constructs a PostingStore using the supplied merger for
// fingerprint collisions.
func NewPostingStore(merge apply.PostingMerger) *PostingStore {
	return &PostingStore{
		postings: make(map[string]apply.Posting),
		merge:    merge,
	}
}

// Upsert inserts a new posting or merges into the existing one. The second
// return value reports whether a new record was created.
func (s *PostingStore) Upsert(_ context.Context, posting apply.Posting) (apply.Posting, bool, error) {
	if posting.Fingerprint == "" {
		return apply.Posting{}, false, errors.New("posting fingerprint is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.postings[posting.Fingerprint]
	if !ok {
		s.postings[posting.Fingerprint] = posting
		return posting, true, nil
	}
	merged := s.merge(existing, posting)
	s.postings[posting.Fingerprint] = merged
	return merged, false, nil
}

// Get fetches a posting by fingerprint.
func (s *PostingStore) Get(_ context.Context, fingerprint string) (apply.Posting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	posting, ok := s.postings[fingerprint]
	if !ok {
		return apply.Posting{}, ErrPostingNotFound
	}
	return posting, nil
}

// List returns a copy of all stored postings.
func (s *PostingStore) List(_ context.Context) ([]apply.Posting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]apply.Posting, 0, len(s.postings))
	for _, p := range s.postings {
		out = append(out, p)
	}
	return out, nil
}
