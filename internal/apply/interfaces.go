package apply

import (
	"context"
	"time"
)

// PostingStore persists canonical postings. Implementations must serialize
// merges per fingerprint so concurrent ingests never lose a source.
type PostingStore interface {
	Upsert(ctx context.Context, posting Posting) (Posting, bool, error)
	Get(ctx context.Context, fingerprint string) (Posting, error)
	List(ctx context.Context) ([]Posting, error)
}

// StrategySnapshot is a read-only view of one cached strategy returned by
// PatternStore.Get, ordered by descending confidence.
type StrategySnapshot struct {
	StrategyID string
	Mapping    FieldMapping
	SubmitSel  string
	Confidence float64
	UsageCount int
}

// PatternStore is the per-domain cache of automation strategies. Writes to
// one (domain, strategy) key are linearizable; reads are snapshots.
type PatternStore interface {
	Get(ctx context.Context, domain string) ([]StrategySnapshot, error)
	Insert(ctx context.Context, record PatternRecord) error
	RecordOutcome(ctx context.Context, domain, strategyID string, outcome Outcome) error
}

// AttemptStore appends application attempt audit records.
type AttemptStore interface {
	Record(ctx context.Context, attempt ApplicationAttempt) error
	History(ctx context.Context, fingerprint string) ([]ApplicationAttempt, error)
}

// BlobStore reads and writes document artifacts by reference.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
}

// ProfileProvider supplies the applicant profile and document references.
type ProfileProvider interface {
	Profile(ctx context.Context) (Profile, error)
}

// Resolver selects or infers an automation strategy for a destination URL.
// It returns ErrCannotAutomate when mandatory fields stay unmapped.
type Resolver interface {
	Resolve(ctx context.Context, url string) (Strategy, error)
}

// Executor runs one strategy against one posting. It classifies every
// failure itself; the returned error is non-nil only when the context ends
// before a terminal state is reached.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// TicketQueue orders schedule tickets for the scheduler.
type TicketQueue interface {
	Enqueue(ctx context.Context, ticket ScheduleTicket) error
	Dequeue(ctx context.Context) (ScheduleTicket, error)
	Len() int
}

// Publisher pushes outcome events to an external topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for fingerprinting.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces attempt and strategy IDs.
type IDGenerator interface {
	NewID() (string, error)
}
