package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_CommitOutcome_Success(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	out := successOutcome("doc-1", "primary")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO extraction_results .* WHERE NOT extraction_results.success`).
		WithArgs("doc-1", "primary", "primary", true, pgxmock.AnyArg(), pgxmock.AnyArg(), 2, "", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"extraction_attempts"}, attemptColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO preset_stats`).
		WithArgs("primary", int64(1), int64(0), int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.CommitOutcome(context.Background(), out))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitOutcome_SkipsZeroDeltas(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	out := failureOutcome("doc-2", "primary", "fallback")
	out.Deltas = append(out.Deltas, out.Deltas[1])
	out.Deltas[2].Failure = 0

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO extraction_results`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"extraction_attempts"}, attemptColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO preset_stats`).
		WithArgs("primary", int64(0), int64(1), int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO preset_stats`).
		WithArgs("fallback", int64(0), int64(1), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.CommitOutcome(context.Background(), out))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitOutcome_AlreadySucceeded(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO extraction_results`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	err := s.CommitOutcome(context.Background(), successOutcome("doc-3", "primary"))
	assert.ErrorIs(t, err, ErrAlreadySucceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitOutcome_RollsBackOnCounterFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO extraction_results`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"extraction_attempts"}, attemptColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO preset_stats`).
		WillReturnError(errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"))
	mock.ExpectRollback()

	err := s.CommitOutcome(context.Background(), successOutcome("doc-4", "primary"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "increment stats primary")
	assert.Contains(t, err.Error(), "deadlock detected")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_HasSucceeded(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("doc-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.HasSucceeded(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetResult(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	rationale := "a city article"

	mock.ExpectQuery(`SELECT identifier, preset, primary_preset, success, rationale, fields, attempts, last_error, created_at, updated_at FROM extraction_results WHERE identifier = \$1`).
		WithArgs("doc-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"identifier", "preset", "primary_preset", "success", "rationale", "fields",
			"attempts", "last_error", "created_at", "updated_at",
		}).AddRow("doc-1", "fallback", "primary", true, &rationale, []byte(`{"domain":"geography","has_see_also":false}`),
			4, "", now, now))

	r, err := s.GetResult(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "fallback", r.Preset)
	assert.Equal(t, "primary", r.PrimaryPreset)
	assert.Equal(t, "a city article", *r.Rationale)
	assert.Equal(t, map[string]any{"domain": "geography", "has_see_also": false}, r.Fields)
	assert.Equal(t, 4, r.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetResult_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM extraction_results WHERE identifier = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetResult(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListResults_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	success := true

	mock.ExpectQuery(`FROM extraction_results WHERE true AND preset = \$1 AND success = \$2 ORDER BY updated_at DESC, identifier LIMIT \$3 OFFSET \$4`).
		WithArgs("primary", true, 10, 20).
		WillReturnRows(pgxmock.NewRows([]string{
			"identifier", "preset", "primary_preset", "success", "rationale", "fields",
			"attempts", "last_error", "created_at", "updated_at",
		}))

	rows, err := s.ListResults(context.Background(), ResultFilter{Preset: "primary", Success: &success, Limit: 10, Offset: 20})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListPresetStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT preset_name, success_count, failure_count, retry_error_count FROM preset_stats ORDER BY preset_name`).
		WillReturnRows(pgxmock.NewRows([]string{"preset_name", "success_count", "failure_count", "retry_error_count"}).
			AddRow("fallback", int64(2), int64(1), int64(0)).
			AddRow("primary", int64(10), int64(3), int64(7)))

	stats, err := s.ListPresetStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "primary", stats[1].Preset)
	assert.Equal(t, int64(7), stats[1].RetryErrorCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetPresetStats_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM preset_stats WHERE preset_name = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetPresetStats(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PingAndMigrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS extraction_results`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
