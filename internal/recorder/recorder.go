// Package recorder commits terminal resolutions: the result row, the attempt
// history and the per-preset counter increments, all in one transaction.
package recorder

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/metadata-extractor/internal/attempt"
	"github.com/sells-group/metadata-extractor/internal/model"
	"github.com/sells-group/metadata-extractor/internal/resilience"
	"github.com/sells-group/metadata-extractor/internal/store"
)

// Status says what Record did with a resolution.
type Status string

const (
	StatusRecorded  Status = "recorded"
	StatusDuplicate Status = "duplicate" // identifier already had a success
	StatusSkipped   Status = "skipped"   // resolution was not terminal
)

// PersistenceError means the store could not be written. It is fatal to
// the run.
type PersistenceError struct {
	RequestID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("recorder: persist %s: %v", e.RequestID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Recorder writes resolutions to a Store. It is safe for concurrent use;
// counter consistency is the store's transaction guarantee.
type Recorder struct {
	store store.Store
	retry resilience.RetryConfig
}

// New creates a Recorder that retries transient store errors with retry.
func New(st store.Store, retry resilience.RetryConfig) *Recorder {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("store", "commit_outcome")
	}
	return &Recorder{store: st, retry: retry}
}

// Record commits a terminal resolution. The write is detached from ctx
// cancellation so a resolution reached before an interrupt is never lost.
func (r *Recorder) Record(ctx context.Context, res *attempt.Resolution) (Status, error) {
	if res == nil || !res.State.Terminal() {
		return StatusSkipped, nil
	}
	out := Outcome(res)

	wctx := context.WithoutCancel(ctx)
	err := resilience.Do(wctx, r.retry, func(ctx context.Context) error {
		return r.store.CommitOutcome(ctx, out)
	})
	switch {
	case errors.Is(err, store.ErrAlreadySucceeded):
		zap.L().Info("identifier already succeeded, outcome discarded",
			zap.String("request_id", out.RequestID),
		)
		return StatusDuplicate, nil
	case err != nil:
		return "", &PersistenceError{RequestID: out.RequestID, Err: err}
	}

	zap.L().Debug("outcome recorded",
		zap.String("request_id", out.RequestID),
		zap.Bool("success", out.Success),
		zap.String("preset", out.Preset),
		zap.Int("attempts", len(out.Attempts)),
	)
	return StatusRecorded, nil
}

// Outcome converts a terminal resolution to the store's commit unit.
func Outcome(res *attempt.Resolution) *model.Outcome {
	out := &model.Outcome{
		RequestID:     res.Request.ID,
		PrimaryPreset: res.PrimaryPreset(),
		Success:       res.State == attempt.StateSuccess,
		Attempts:      res.History,
		Deltas:        Deltas(res),
	}
	if out.Success {
		out.Preset = res.SucceededPreset
		out.Record = res.Record
		return out
	}
	out.LastError = res.LastError()
	if n := len(res.ExhaustedPresets); n > 0 {
		out.Preset = res.ExhaustedPresets[n-1]
	} else {
		out.Preset = out.PrimaryPreset
	}
	return out
}

// Deltas computes the counter increments of a terminal resolution:
//   - success +1 for the preset that produced the record,
//   - failure +1 for every preset whose attempt budget was exhausted,
//   - retry_error +1 for every failed attempt that was followed by another.
//
// Deltas are returned in the order presets were first used.
func Deltas(res *attempt.Resolution) []model.StatDelta {
	var order []string
	byPreset := map[string]*model.StatDelta{}
	get := func(preset string) *model.StatDelta {
		d, ok := byPreset[preset]
		if !ok {
			d = &model.StatDelta{Preset: preset}
			byPreset[preset] = d
			order = append(order, preset)
		}
		return d
	}

	for i, a := range res.History {
		d := get(a.Preset)
		if a.Failed() && i < len(res.History)-1 {
			d.RetryError++
		}
	}
	for _, p := range res.ExhaustedPresets {
		get(p).Failure++
	}
	if res.State == attempt.StateSuccess {
		get(res.SucceededPreset).Success++
	}

	out := make([]model.StatDelta, 0, len(order))
	for _, p := range order {
		if d := byPreset[p]; !d.IsZero() {
			out = append(out, *d)
		}
	}
	return out
}
