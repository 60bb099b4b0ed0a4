package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

// AttemptStoreConfig controls the Postgres connection pool used for the
// attempt audit log.
type AttemptStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// AttemptStore appends application attempt rows into Postgres.
type AttemptStore struct {
	pool  querier
	table string
}

// NewAttemptStore creates a Postgres-backed AttemptStore using the
// provided config.
func NewAttemptStore(ctx context.Context, cfg AttemptStoreConfig) (*AttemptStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "application_attempts"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &AttemptStore{pool: pool, table: table}, nil
}

// NewAttemptStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewAttemptStoreWithPool(pool querier, table string) (*AttemptStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "application_attempts"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &AttemptStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *AttemptStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Record inserts one attempt row. Rows are append-only.
func (s *AttemptStore) Record(ctx context.Context, attempt apply.ApplicationAttempt) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("attempt store is not configured")
	}
	if attempt.ID == "" {
		return fmt.Errorf("attempt id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	fingerprint,
	domain,
	strategy_id,
	started_at,
	finished_at,
	outcome,
	error_kind,
	reason,
	retry_count
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.table)

	args := []any{
		attempt.ID,
		attempt.Fingerprint,
		attempt.Domain,
		attempt.StrategyID,
		attempt.StartedAt,
		attempt.FinishedAt,
		string(attempt.Outcome),
		string(attempt.ErrorKind),
		attempt.Reason,
		attempt.RetryCount,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// History returns all recorded attempts for a fingerprint, oldest first.
func (s *AttemptStore) History(ctx context.Context, fingerprint string) ([]apply.ApplicationAttempt, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("attempt store is not configured")
	}
	query := fmt.Sprintf(`
SELECT id, fingerprint, domain, strategy_id, started_at, finished_at,
	outcome, error_kind, reason, retry_count
FROM %s
WHERE fingerprint = $1
ORDER BY started_at ASC`, s.table)

	rows, err := s.pool.Query(ctx, query, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []apply.ApplicationAttempt
	for rows.Next() {
		var (
			attempt   apply.ApplicationAttempt
			outcome   string
			errorKind string
		)
		if err := rows.Scan(
			&attempt.ID,
			&attempt.Fingerprint,
			&attempt.Domain,
			&attempt.StrategyID,
			&attempt.StartedAt,
			&attempt.FinishedAt,
			&outcome,
			&errorKind,
			&attempt.Reason,
			&attempt.RetryCount,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempt.Outcome = apply.Outcome(outcome)
		attempt.ErrorKind = apply.ErrorKind(errorKind)
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}
