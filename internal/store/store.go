// Package store persists extraction outcomes and per-preset counters.
package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metadata-extractor/internal/model"
)

var (
	// ErrAlreadySucceeded is returned by CommitOutcome when the identifier
	// already has a successful result. Nothing is written in that case.
	ErrAlreadySucceeded = eris.New("store: identifier already has a successful result")

	// ErrNotFound is returned by single-row readers.
	ErrNotFound = eris.New("store: not found")
)

// ResultFilter specifies criteria for listing results.
type ResultFilter struct {
	Preset  string `json:"preset,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// Store defines the persistence interface for extraction runs.
type Store interface {
	// CommitOutcome writes a request's result row, its attempts and the
	// counter increments in a single transaction.
	CommitOutcome(ctx context.Context, out *model.Outcome) error

	// Results
	HasSucceeded(ctx context.Context, identifier string) (bool, error)
	GetResult(ctx context.Context, identifier string) (*model.ResultRow, error)
	ListResults(ctx context.Context, filter ResultFilter) ([]model.ResultRow, error)
	ListAttempts(ctx context.Context, identifier string) ([]model.Attempt, error)

	// Counters
	GetPresetStats(ctx context.Context, preset string) (*model.PresetStats, error)
	ListPresetStats(ctx context.Context) ([]model.PresetStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func (f ResultFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// encodeRecord returns the rationale and JSON field map of a successful
// outcome, or nils for a failure marker.
func encodeRecord(out *model.Outcome) (*string, []byte, error) {
	if !out.Success || out.Record == nil {
		return nil, nil, nil
	}
	fields, err := json.Marshal(out.Record.Values())
	if err != nil {
		return nil, nil, eris.Wrap(err, "marshal fields")
	}
	rationale := out.Record.Rationale
	return &rationale, fields, nil
}

func decodeFields(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, eris.Wrap(err, "unmarshal fields")
	}
	return fields, nil
}

func validateOutcome(out *model.Outcome) error {
	if out == nil || out.RequestID == "" {
		return eris.New("store: outcome without request id")
	}
	if out.Success && out.Record == nil {
		return eris.Errorf("store: successful outcome %s without record", out.RequestID)
	}
	return nil
}
