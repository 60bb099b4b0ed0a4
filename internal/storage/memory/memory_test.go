package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

func unionMerge(a, b apply.Posting) apply.Posting {
	merged := a
	merged.Sources = append(append([]string(nil), a.Sources...), b.Sources...)
	return merged
}

func TestPostingStoreUpsertCreatesThenMerges(t *testing.T) {
	t.Parallel()

	store := NewPostingStore(unionMerge)
	ctx := context.Background()

	first, created, err := store.Upsert(ctx, apply.Posting{Fingerprint: "fp", Sources: []string{"a"}})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, []string{"a"}, first.Sources)

	merged, created, err := store.Upsert(ctx, apply.Posting{Fingerprint: "fp", Sources: []string{"b"}})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, []string{"a", "b"}, merged.Sources)

	got, err := store.Get(ctx, "fp")
	require.NoError(t, err)
	require.Equal(t, merged, got)
}

func TestPostingStoreRejectsEmptyFingerprint(t *testing.T) {
	t.Parallel()

	store := NewPostingStore(unionMerge)
	_, _, err := store.Upsert(context.Background(), apply.Posting{})
	require.Error(t, err)
}

func TestPostingStoreGetMissing(t *testing.T) {
	t.Parallel()

	store := NewPostingStore(unionMerge)
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrPostingNotFound)
}

func TestPostingStoreConcurrentUpsertsNeverLoseSources(t *testing.T) {
	t.Parallel()

	store := NewPostingStore(unionMerge)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _ = store.Upsert(ctx, apply.Posting{
				Fingerprint: "fp",
				Sources:     []string{fmt.Sprintf("board-%d", i)},
			})
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, "fp")
	require.NoError(t, err)
	require.Len(t, got.Sources, writers)
}

func TestAttemptStoreHistoryOldestFirst(t *testing.T) {
	t.Parallel()

	store := NewAttemptStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(ctx, apply.ApplicationAttempt{
			ID:          fmt.Sprintf("a-%d", i),
			Fingerprint: "fp",
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			Outcome:     apply.OutcomeTransientError,
			RetryCount:  i,
		}))
	}

	history, err := store.History(ctx, "fp")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, attempt := range history {
		require.Equal(t, i, attempt.RetryCount)
	}

	other, err := store.History(ctx, "other")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestAttemptStoreRequiresFingerprint(t *testing.T) {
	t.Parallel()

	store := NewAttemptStore()
	require.Error(t, store.Record(context.Background(), apply.ApplicationAttempt{ID: "a-1"}))
}

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "resumes/ada.pdf", "application/pdf", []byte("resume bytes"))
	require.NoError(t, err)
	require.Equal(t, "memory://resumes/ada.pdf", uri)

	data, err := store.GetObject(ctx, uri)
	require.NoError(t, err)
	require.Equal(t, []byte("resume bytes"), data)

	_, err = store.GetObject(ctx, "memory://missing")
	require.Error(t, err)

	_, err = store.PutObject(ctx, "  ", "application/pdf", nil)
	require.Error(t, err)
}
