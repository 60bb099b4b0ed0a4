// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// PatternStoreConfig controls the Postgres connection pool used for
// pattern records.
type PatternStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// PatternStore persists pattern records in Postgres. The in-memory cache
// stays authoritative at runtime; this store is its write-through backend
// and the source of records at startup.
type PatternStore struct {
	pool  querier
	table string
}

// NewPatternStore creates a Postgres-backed PatternStore using the
// provided config.
func NewPatternStore(ctx context.Context, cfg PatternStoreConfig) (*PatternStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "pattern_records"
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
	return &PatternStore{pool: pool, table: table}, nil
}

// NewPatternStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPatternStoreWithPool(pool querier, table string) (*PatternStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "pattern_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PatternStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *PatternStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveRecord upserts one pattern record keyed by (domain, strategy_id).
func (s *PatternStore) SaveRecord(ctx context.Context, record apply.PatternRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("pattern store is not configured")
	}
	if record.Domain == "" || record.StrategyID == "" {
		return fmt.Errorf("record domain and strategy id are required")
	}
	mappingJSON, err := json.Marshal(record.Mapping)
	if err != nil {
		return fmt.Errorf("marshal field mapping: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	domain,
	strategy_id,
	field_mapping,
	submit_selector,
	confidence_score,
	usage_count,
	success_count,
	last_used,
	deprecated
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
) ON CONFLICT (domain, strategy_id) DO UPDATE SET
	field_mapping = EXCLUDED.field_mapping,
	submit_selector = EXCLUDED.submit_selector,
	confidence_score = EXCLUDED.confidence_score,
	usage_count = EXCLUDED.usage_count,
	success_count = EXCLUDED.success_count,
	last_used = EXCLUDED.last_used,
	deprecated = EXCLUDED.deprecated`, s.table)

	args := []any{
		record.Domain,
		record.StrategyID,
		mappingJSON,
		record.SubmitSel,
		record.Confidence,
		record.UsageCount,
		record.SuccessCount,
		record.LastUsed,
		record.Deprecated,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert pattern record: %w", err)
	}
	return nil
}

// LoadAll returns every persisted record for warming the in-memory cache.
func (s *PatternStore) LoadAll(ctx context.Context) ([]apply.PatternRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("pattern store is not configured")
	}
	query := fmt.Sprintf(`
SELECT domain, strategy_id, field_mapping, submit_selector,
	confidence_score, usage_count, success_count, last_used, deprecated
FROM %s`, s.table)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query pattern records: %w", err)
	}
	defer rows.Close()

	var records []apply.PatternRecord
	for rows.Next() {
		var (
			record      apply.PatternRecord
			mappingJSON []byte
		)
		if err := rows.Scan(
			&record.Domain,
			&record.StrategyID,
			&mappingJSON,
			&record.SubmitSel,
			&record.Confidence,
			&record.UsageCount,
			&record.SuccessCount,
			&record.LastUsed,
			&record.Deprecated,
		); err != nil {
			return nil, fmt.Errorf("scan pattern record: %w", err)
		}
		if len(mappingJSON) > 0 {
			if err := json.Unmarshal(mappingJSON, &record.Mapping); err != nil {
				return nil, fmt.Errorf("unmarshal field mapping: %w", err)
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pattern records: %w", err)
	}
	return records, nil
}
