package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

func TestSaveRecordUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPatternStoreWithPool(mock, "pattern_records")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := apply.PatternRecord{
		Domain:     "example.com",
		StrategyID: "s1",
		Mapping: apply.FieldMapping{
			apply.FieldEmail: {Selector: "#email", Kind: apply.ElementText},
		},
		SubmitSel:    "#submit",
		Confidence:   0.72,
		UsageCount:   4,
		SuccessCount: 3,
		LastUsed:     now,
	}

	mock.ExpectExec("INSERT INTO pattern_records").
		WithArgs(
			rec.Domain,
			rec.StrategyID,
			[]byte(`{"email":{"selector":"#email","kind":"text"}}`),
			rec.SubmitSel,
			rec.Confidence,
			rec.UsageCount,
			rec.SuccessCount,
			rec.LastUsed,
			rec.Deprecated,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveRecord(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordRequiresKeys(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPatternStoreWithPool(mock, "pattern_records")
	require.NoError(t, err)

	require.Error(t, store.SaveRecord(context.Background(), apply.PatternRecord{StrategyID: "s1"}))
	require.Error(t, store.SaveRecord(context.Background(), apply.PatternRecord{Domain: "example.com"}))
}

func TestLoadAllScansRecords(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPatternStoreWithPool(mock, "pattern_records")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"domain", "strategy_id", "field_mapping", "submit_selector",
		"confidence_score", "usage_count", "success_count", "last_used", "deprecated",
	}).AddRow(
		"example.com", "s1",
		[]byte(`{"email":{"selector":"#email","kind":"text"}}`),
		"#submit", 0.72, 4, 3, now, false,
	)
	mock.ExpectQuery("FROM pattern_records").WillReturnRows(rows)

	records, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "example.com", records[0].Domain)
	require.Equal(t, "#email", records[0].Mapping[apply.FieldEmail].Selector)
	require.InDelta(t, 0.72, records[0].Confidence, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPatternStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPatternStoreWithPool(mock, "pattern_records; DROP TABLE x")
	require.Error(t, err)

	_, err = NewPatternStoreWithPool(nil, "pattern_records")
	require.Error(t, err)
}
