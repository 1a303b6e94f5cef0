package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/metadata-extractor/internal/db"
	"github.com/sells-group/metadata-extractor/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS extraction_results (
	identifier     TEXT PRIMARY KEY,
	preset         TEXT NOT NULL,
	primary_preset TEXT NOT NULL,
	success        BOOLEAN NOT NULL,
	rationale      TEXT,
	fields         JSONB,
	attempts       INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS preset_stats (
	preset_name       TEXT PRIMARY KEY,
	success_count     BIGINT NOT NULL DEFAULT 0,
	failure_count     BIGINT NOT NULL DEFAULT 0,
	retry_error_count BIGINT NOT NULL DEFAULT 0
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
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extraction_results_preset ON extraction_results(preset);
CREATE INDEX IF NOT EXISTS idx_extraction_results_success ON extraction_results(success);
CREATE INDEX IF NOT EXISTS idx_extraction_attempts_identifier ON extraction_attempts(identifier);
`

var attemptColumns = []string{
	"correlation_id", "identifier", "attempt_index", "preset", "outcome",
	"error_kind", "error", "raw_response", "started_at", "finished_at",
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CommitOutcome(ctx context.Context, out *model.Outcome) error {
	if err := validateOutcome(out); err != nil {
		return err
	}
	rationale, fields, err := encodeRecord(out)
	if err != nil {
		return eris.Wrap(err, "postgres: commit outcome")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`INSERT INTO extraction_results
			(identifier, preset, primary_preset, success, rationale, fields, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (identifier) DO UPDATE SET
			preset = EXCLUDED.preset,
			primary_preset = EXCLUDED.primary_preset,
			success = EXCLUDED.success,
			rationale = EXCLUDED.rationale,
			fields = EXCLUDED.fields,
			attempts = extraction_results.attempts + EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
		WHERE NOT extraction_results.success`,
		out.RequestID, out.Preset, out.PrimaryPreset, out.Success, rationale, fields,
		len(out.Attempts), out.LastError, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert result %s", out.RequestID)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadySucceeded
	}

	rows := make([][]any, 0, len(out.Attempts))
	for _, a := range out.Attempts {
		rows = append(rows, []any{
			a.CorrelationID, out.RequestID, a.Index, a.Preset, string(a.Outcome),
			a.ErrorKind, a.Error, a.RawResponse, a.StartedAt.UTC(), a.FinishedAt.UTC(),
		})
	}
	if _, err := db.CopyFrom(ctx, tx, "extraction_attempts", attemptColumns, rows); err != nil {
		return eris.Wrapf(err, "postgres: insert attempts %s", out.RequestID)
	}

	for _, d := range out.Deltas {
		if d.IsZero() {
			continue
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO preset_stats (preset_name, success_count, failure_count, retry_error_count)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (preset_name) DO UPDATE SET
				success_count = preset_stats.success_count + EXCLUDED.success_count,
				failure_count = preset_stats.failure_count + EXCLUDED.failure_count,
				retry_error_count = preset_stats.retry_error_count + EXCLUDED.retry_error_count`,
			d.Preset, d.Success, d.Failure, d.RetryError,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: increment stats %s", d.Preset)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit outcome")
}

func (s *PostgresStore) HasSucceeded(ctx context.Context, identifier string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM extraction_results WHERE identifier = $1 AND success)`, identifier,
	).Scan(&ok)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: has succeeded %s", identifier)
	}
	return ok, nil
}

const postgresResultColumns = `identifier, preset, primary_preset, success, rationale, fields, attempts, last_error, created_at, updated_at`

func (s *PostgresStore) GetResult(ctx context.Context, identifier string) (*model.ResultRow, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+postgresResultColumns+` FROM extraction_results WHERE identifier = $1`, identifier,
	)
	r, err := scanPostgresResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: result %s", identifier)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get result %s", identifier)
	}
	return r, nil
}

func (s *PostgresStore) ListResults(ctx context.Context, filter ResultFilter) ([]model.ResultRow, error) {
	query := `SELECT ` + postgresResultColumns + ` FROM extraction_results WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Preset != "" {
		query += fmt.Sprintf(` AND preset = $%d`, argIdx)
		args = append(args, filter.Preset)
		argIdx++
	}
	if filter.Success != nil {
		query += fmt.Sprintf(` AND success = $%d`, argIdx)
		args = append(args, *filter.Success)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC, identifier LIMIT $%d`, argIdx)
	args = append(args, filter.limit())
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list results")
	}
	defer rows.Close()

	var results []model.ResultRow
	for rows.Next() {
		r, err := scanPostgresResult(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		results = append(results, *r)
	}
	return results, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

func (s *PostgresStore) ListAttempts(ctx context.Context, identifier string) ([]model.Attempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT correlation_id, identifier, attempt_index, preset, outcome, error_kind, error, raw_response, started_at, finished_at
		FROM extraction_attempts WHERE identifier = $1 ORDER BY started_at, attempt_index`, identifier,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list attempts %s", identifier)
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		var a model.Attempt
		var outcome string
		if err := rows.Scan(&a.CorrelationID, &a.RequestID, &a.Index, &a.Preset, &outcome,
			&a.ErrorKind, &a.Error, &a.RawResponse, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		a.Outcome = model.AttemptOutcome(outcome)
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

func (s *PostgresStore) GetPresetStats(ctx context.Context, preset string) (*model.PresetStats, error) {
	st := model.PresetStats{Preset: preset}
	err := s.pool.QueryRow(ctx,
		`SELECT success_count, failure_count, retry_error_count FROM preset_stats WHERE preset_name = $1`, preset,
	).Scan(&st.SuccessCount, &st.FailureCount, &st.RetryErrorCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: preset stats %s", preset)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get preset stats %s", preset)
	}
	return &st, nil
}

func (s *PostgresStore) ListPresetStats(ctx context.Context) ([]model.PresetStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT preset_name, success_count, failure_count, retry_error_count FROM preset_stats ORDER BY preset_name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list preset stats")
	}
	defer rows.Close()

	var stats []model.PresetStats
	for rows.Next() {
		var st model.PresetStats
		if err := rows.Scan(&st.Preset, &st.SuccessCount, &st.FailureCount, &st.RetryErrorCount); err != nil {
			return nil, eris.Wrap(err, "postgres: scan preset stats")
		}
		stats = append(stats, st)
	}
	return stats, eris.Wrap(rows.Err(), "postgres: list preset stats iterate")
}

func scanPostgresResult(row pgx.Row) (*model.ResultRow, error) {
	var r model.ResultRow
	var fields []byte
	if err := row.Scan(&r.Identifier, &r.Preset, &r.PrimaryPreset, &r.Success, &r.Rationale, &fields,
		&r.Attempts, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	f, err := decodeFields(fields)
	if err != nil {
		return nil, err
	}
	r.Fields = f
	return &r, nil
}
