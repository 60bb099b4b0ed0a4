// Package ingest is the intake path for scraped postings: it fingerprints
// raw arrivals, merges duplicates, and schedules application tickets.
package ingest

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ljluestc/awesome-apply/internal/apply"
	"github.com/ljluestc/awesome-apply/internal/scheduler"
)

// Fingerprinter deduplicates raw postings into canonical ones.
type Fingerprinter interface {
	Ingest(ctx context.Context, raw apply.RawPosting) (apply.Posting, error)
}

// Submitter schedules an application ticket for a canonical posting.
type Submitter interface {
	Submit(ctx context.Context, posting apply.Posting) (apply.ScheduleTicket, error)
}

// Result reports what happened to one raw posting during intake.
type Result struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	Scheduled   bool   `json:"scheduled"`
	Dropped     bool   `json:"dropped"`
	Reason      string `json:"reason,omitempty"`
}

// Service runs the intake pipeline for batches of raw postings.
type Service struct {
	engine    Fingerprinter
	submitter Submitter
	logger    *zap.Logger
}

// NewService constructs an intake Service.
func NewService(engine Fingerprinter, submitter Submitter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: engine, submitter: submitter, logger: logger}
}

// Intake fingerprints and schedules each raw posting. Malformed postings
// are dropped and reported; they never fail the batch.
func (s *Service) Intake(ctx context.Context, raws []apply.RawPosting) ([]Result, error) {
	results := make([]Result, 0, len(raws))
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, s.intakeOne(ctx, raw))
	}
	return results, nil
}

func (s *Service) intakeOne(ctx context.Context, raw apply.RawPosting) Result {
	posting, err := s.engine.Ingest(ctx, raw)
	if err != nil {
		var vErr *apply.ValidationError
		if errors.As(err, &vErr) {
			s.logger.Warn("posting dropped",
				zap.String("source", raw.Source),
				zap.String("url", raw.URL),
				zap.Error(err),
			)
			return Result{Dropped: true, Reason: err.Error()}
		}
		s.logger.Error("posting ingest failed",
			zap.String("source", raw.Source),
			zap.String("url", raw.URL),
			zap.Error(err),
		)
		return Result{Dropped: true, Reason: err.Error()}
	}

	ticket, err := s.submitter.Submit(ctx, posting)
	if err != nil {
		if errors.Is(err, scheduler.ErrAlreadyScheduled) {
			return Result{Fingerprint: posting.Fingerprint, Reason: err.Error()}
		}
		s.logger.Error("ticket submit failed",
			zap.String("fingerprint", posting.Fingerprint),
			zap.Error(err),
		)
		return Result{Fingerprint: posting.Fingerprint, Reason: err.Error()}
	}
	return Result{Fingerprint: ticket.Fingerprint, Scheduled: true}
}
