package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/metadata-extractor/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path. The pool is limited
// to one connection so every transaction is serialized through a single
// writer, and the pragmas below apply to that connection.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS extraction_results (
	identifier     TEXT PRIMARY KEY,
	preset         TEXT NOT NULL,
	primary_preset TEXT NOT NULL,
	success        INTEGER NOT NULL CHECK (success IN (0, 1)),
	rationale      TEXT,
	fields         TEXT,
	attempts       INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS preset_stats (
	preset_name       TEXT PRIMARY KEY,
	success_count     INTEGER NOT NULL DEFAULT 0,
	failure_count     INTEGER NOT NULL DEFAULT 0,
	retry_error_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS extraction_attempts (
	correlation_id TEXT PRIMARY KEY,
	identifier     TEXT NOT NULL,
	attempt_index  INTEGER NOT NULL,
	preset         TEXT NOT NULL,
	outcome        TEXT NOT NULL CHECK (outcome IN ('success', 'validation_failed', 'transport_failed')),
	error_kind     TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	raw_response   TEXT,
	started_at     DATETIME NOT NULL,
	finished_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extraction_results_preset ON extraction_results(preset);
CREATE INDEX IF NOT EXISTS idx_extraction_results_success ON extraction_results(success);
CREATE INDEX IF NOT EXISTS idx_extraction_attempts_identifier ON extraction_attempts(identifier);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CommitOutcome(ctx context.Context, out *model.Outcome) error {
	if err := validateOutcome(out); err != nil {
		return err
	}
	rationale, fields, err := encodeRecord(out)
	if err != nil {
		return eris.Wrap(err, "sqlite: commit outcome")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var fieldsArg any
	if fields != nil {
		fieldsArg = string(fields)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO extraction_results
			(identifier, preset, primary_preset, success, rationale, fields, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identifier) DO UPDATE SET
			preset = excluded.preset,
			primary_preset = excluded.primary_preset,
			success = excluded.success,
			rationale = excluded.rationale,
			fields = excluded.fields,
			attempts = extraction_results.attempts + excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
		WHERE extraction_results.success = 0`,
		out.RequestID, out.Preset, out.PrimaryPreset, out.Success, rationale, fieldsArg,
		len(out.Attempts), out.LastError, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert result %s", out.RequestID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrAlreadySucceeded
	}

	for _, a := range out.Attempts {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO extraction_attempts
				(correlation_id, identifier, attempt_index, preset, outcome, error_kind, error, raw_response, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.CorrelationID, out.RequestID, a.Index, a.Preset, string(a.Outcome),
			a.ErrorKind, a.Error, a.RawResponse, a.StartedAt.UTC(), a.FinishedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert attempt %s", a.CorrelationID)
		}
	}

	for _, d := range out.Deltas {
		if d.IsZero() {
			continue
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO preset_stats (preset_name, success_count, failure_count, retry_error_count)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (preset_name) DO UPDATE SET
				success_count = preset_stats.success_count + excluded.success_count,
				failure_count = preset_stats.failure_count + excluded.failure_count,
				retry_error_count = preset_stats.retry_error_count + excluded.retry_error_count`,
			d.Preset, d.Success, d.Failure, d.RetryError,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: increment stats %s", d.Preset)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit outcome")
}

func (s *SQLiteStore) HasSucceeded(ctx context.Context, identifier string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM extraction_results WHERE identifier = ? AND success = 1`, identifier,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: has succeeded %s", identifier)
	}
	return n > 0, nil
}

const sqliteResultColumns = `identifier, preset, primary_preset, success, rationale, fields, attempts, last_error, created_at, updated_at`

func (s *SQLiteStore) GetResult(ctx context.Context, identifier string) (*model.ResultRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteResultColumns+` FROM extraction_results WHERE identifier = ?`, identifier,
	)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: result %s", identifier)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get result %s", identifier)
	}
	return r, nil
}

func (s *SQLiteStore) ListResults(ctx context.Context, filter ResultFilter) ([]model.ResultRow, error) {
	query := `SELECT ` + sqliteResultColumns + ` FROM extraction_results WHERE 1=1`
	var args []any

	if filter.Preset != "" {
		query += ` AND preset = ?`
		args = append(args, filter.Preset)
	}
	if filter.Success != nil {
		query += ` AND success = ?`
		args = append(args, *filter.Success)
	}
	query += ` ORDER BY updated_at DESC, identifier LIMIT ?`
	args = append(args, filter.limit())

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list results")
	}
	defer rows.Close() //nolint:errcheck

	var results []model.ResultRow
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		results = append(results, *r)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, identifier string) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT correlation_id, identifier, attempt_index, preset, outcome, error_kind, error, raw_response, started_at, finished_at
		FROM extraction_attempts WHERE identifier = ? ORDER BY started_at, rowid`, identifier,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list attempts %s", identifier)
	}
	defer rows.Close() //nolint:errcheck

	var attempts []model.Attempt
	for rows.Next() {
		var a model.Attempt
		var outcome string
		var raw sql.NullString
		if err := rows.Scan(&a.CorrelationID, &a.RequestID, &a.Index, &a.Preset, &outcome,
			&a.ErrorKind, &a.Error, &raw, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		a.Outcome = model.AttemptOutcome(outcome)
		if raw.Valid {
			a.RawResponse = &raw.String
		}
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

func (s *SQLiteStore) GetPresetStats(ctx context.Context, preset string) (*model.PresetStats, error) {
	st := model.PresetStats{Preset: preset}
	err := s.db.QueryRowContext(ctx,
		`SELECT success_count, failure_count, retry_error_count FROM preset_stats WHERE preset_name = ?`, preset,
	).Scan(&st.SuccessCount, &st.FailureCount, &st.RetryErrorCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: preset stats %s", preset)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get preset stats %s", preset)
	}
	return &st, nil
}

func (s *SQLiteStore) ListPresetStats(ctx context.Context) ([]model.PresetStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT preset_name, success_count, failure_count, retry_error_count FROM preset_stats ORDER BY preset_name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list preset stats")
	}
	defer rows.Close() //nolint:errcheck

	var stats []model.PresetStats
	for rows.Next() {
		var st model.PresetStats
		if err := rows.Scan(&st.Preset, &st.SuccessCount, &st.FailureCount, &st.RetryErrorCount); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan preset stats")
		}
		stats = append(stats, st)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: list preset stats iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanResult(row scannable) (*model.ResultRow, error) {
	var r model.ResultRow
	var rationale, fields sql.NullString
	if err := row.Scan(&r.Identifier, &r.Preset, &r.PrimaryPreset, &r.Success, &rationale, &fields,
		&r.Attempts, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if rationale.Valid {
		r.Rationale = &rationale.String
	}
	f, err := decodeFields([]byte(fields.String))
	if err != nil {
		return nil, err
	}
	r.Fields = f
	return &r, nil
}
