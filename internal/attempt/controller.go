// Package attempt drives one extraction request through its model calls:
// bounded retries on the primary preset, escalation to a fallback preset,
// and exactly one terminal resolution.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metadata-extractor/internal/invoke"
	"github.com/sells-group/metadata-extractor/internal/model"
	"github.com/sells-group/metadata-extractor/internal/parse"
	"github.com/sells-group/metadata-extractor/internal/resilience"
	"github.com/sells-group/metadata-extractor/internal/schema"
)

// State is a step of the per-request state machine.
type State string

const (
	StatePending    State = "pending"
	StateAttempting State = "attempting"
	StateEscalating State = "escalating"
	StateSuccess    State = "success"
	StateExhausted  State = "exhausted"
	// StateAbandoned means the run was cancelled before the request reached
	// a terminal state. Abandoned resolutions are not recorded.
	StateAbandoned State = "abandoned"
)

// Terminal reports whether s is Success or Exhausted.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateExhausted
}

// ErrorKindTransport is the Attempt.ErrorKind of transport failures.
const ErrorKindTransport = "transport"

// Config is the retry and escalation policy.
type Config struct {
	PrimaryPreset  string
	FallbackPreset string // empty disables escalation
	// MaxAttemptsPerPreset is each preset's independent attempt budget.
	MaxAttemptsPerPreset int
	// Backoff supplies the delay between attempts on the same preset.
	Backoff resilience.RetryConfig
	Timeout time.Duration
}

// DefaultConfig returns three attempts per preset, a fixed five second
// delay between them and a two minute call timeout.
func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerPreset: 3,
		Backoff:              resilience.FixedBackoff(3, 5*time.Second),
		Timeout:              2 * time.Minute,
	}
}

// PromptFunc builds the prompt text for a request.
type PromptFunc func(req model.ExtractionRequest) (string, error)

// Resolution is the outcome of Run.
type Resolution struct {
	Request         model.ExtractionRequest
	State           State
	Record          *model.ExtractionRecord
	SucceededPreset string
	// History holds every issued attempt in order.
	History []model.Attempt
	// ExhaustedPresets lists the presets whose attempt budget ran out.
	ExhaustedPresets []string
	// Err is an *ExhaustionError when State is Exhausted.
	Err error
}

// PrimaryPreset is the preset the request started on.
func (r *Resolution) PrimaryPreset() string {
	if len(r.History) > 0 {
		return r.History[0].Preset
	}
	return r.Request.Preset
}

// LastError returns the error text of the last failed attempt.
func (r *Resolution) LastError() string {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Failed() {
			return r.History[i].Error
		}
	}
	return ""
}

// ExhaustionError is the informational terminal failure of a request.
type ExhaustionError struct {
	RequestID string
	Presets   []string
	Attempts  int
	Last      error
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("attempt: request %s exhausted %d attempts on %s: %v",
		e.RequestID, e.Attempts, strings.Join(e.Presets, ", "), e.Last)
}

func (e *ExhaustionError) Unwrap() error {
	return e.Last
}

// Controller runs the state machine. It is safe for concurrent use; each
// Run call handles one request with strictly sequential attempts.
type Controller struct {
	inv    invoke.Invoker
	schema *schema.Schema
	prompt PromptFunc
	ids    *CorrelationSource
	cfg    Config
	now    func() time.Time
}

// New creates a Controller.
func New(inv invoke.Invoker, s *schema.Schema, prompt PromptFunc, ids *CorrelationSource, cfg Config) *Controller {
	if cfg.MaxAttemptsPerPreset <= 0 {
		cfg.MaxAttemptsPerPreset = 3
	}
	if ids == nil {
		ids = NewCorrelationSource()
	}
	return &Controller{
		inv:    inv,
		schema: s,
		prompt: prompt,
		ids:    ids,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Phases returns the presets a request starting on primary walks through.
func (c *Controller) Phases(primary string) []string {
	if primary == "" {
		primary = c.cfg.PrimaryPreset
	}
	phases := []string{primary}
	if fb := c.cfg.FallbackPreset; fb != "" && fb != primary {
		phases = append(phases, fb)
	}
	return phases
}

// Run resolves req. The returned error is non-nil only when the prompt
// cannot be built; every model and validation failure is absorbed into the
// Resolution.
func (c *Controller) Run(ctx context.Context, req model.ExtractionRequest) (*Resolution, error) {
	phases := c.Phases(req.Preset)
	req.Preset = phases[0]
	res := &Resolution{Request: req, State: StatePending}

	prompt, err := c.prompt(req)
	if err != nil {
		return nil, eris.Wrapf(err, "attempt: build prompt for %s", req.ID)
	}

	log := zap.L().With(zap.String("request_id", req.ID))
	var last error

	for i, preset := range phases {
		if i > 0 {
			res.State = StateEscalating
			log.Info("escalating to fallback preset",
				zap.String("from", phases[i-1]),
				zap.String("preset", preset),
			)
		}

		rec, err := c.runPhase(ctx, res, preset, prompt, log)
		if rec != nil {
			res.State = StateSuccess
			res.Record = rec
			res.SucceededPreset = preset
			return res, nil
		}
		if res.State == StateAbandoned {
			return res, nil
		}
		last = err
		res.ExhaustedPresets = append(res.ExhaustedPresets, preset)
	}

	res.State = StateExhausted
	res.Err = &ExhaustionError{
		RequestID: req.ID,
		Presets:   res.ExhaustedPresets,
		Attempts:  len(res.History),
		Last:      last,
	}
	log.Warn("request exhausted",
		zap.Strings("presets", res.ExhaustedPresets),
		zap.Int("attempts", len(res.History)),
		zap.Error(last),
	)
	return res, nil
}

// runPhase spends one preset's attempt budget. It returns the record on
// success, or the last attempt error. It sets res.State to Abandoned when
// the run is cancelled before the budget is spent.
func (c *Controller) runPhase(ctx context.Context, res *Resolution, preset, prompt string, log *zap.Logger) (*model.ExtractionRecord, error) {
	var last error
	for index := 1; index <= c.cfg.MaxAttemptsPerPreset; index++ {
		if index > 1 {
			if err := resilience.Sleep(ctx, c.cfg.Backoff.Backoff(index-2)); err != nil {
				res.State = StateAbandoned
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			res.State = StateAbandoned
			return nil, err
		}

		res.State = StateAttempting
		a, rec, err := c.issue(ctx, res.Request.ID, preset, index, prompt)
		if errors.Is(err, invoke.ErrNotIssued) {
			res.State = StateAbandoned
			return nil, err
		}
		res.History = append(res.History, a)

		fields := []zap.Field{
			zap.String("correlation_id", a.CorrelationID),
			zap.String("preset", preset),
			zap.Int("attempt", index),
			zap.String("outcome", string(a.Outcome)),
		}
		if rec != nil {
			log.Debug("attempt succeeded", fields...)
			return rec, nil
		}
		log.Warn("attempt failed", append(fields, zap.String("error_kind", a.ErrorKind), zap.Error(err))...)
		last = err
	}
	return nil, last
}

// issue performs one attempt and classifies its outcome.
func (c *Controller) issue(ctx context.Context, requestID, preset string, index int, prompt string) (model.Attempt, *model.ExtractionRecord, error) {
	call := invoke.Call{
		Preset:        preset,
		Prompt:        prompt,
		CorrelationID: c.ids.Next(),
		Timeout:       c.cfg.Timeout,
	}
	a := model.Attempt{
		RequestID:     requestID,
		CorrelationID: call.CorrelationID,
		Index:         index,
		Preset:        preset,
		StartedAt:     c.now().UTC(),
	}

	resp, err := c.inv.Invoke(ctx, call)
	a.FinishedAt = c.now().UTC()
	if err == nil && resp.CorrelationID != call.CorrelationID {
		err = &invoke.TransportError{
			Preset:        preset,
			CorrelationID: call.CorrelationID,
			Err:           eris.Errorf("stale response for correlation id %s", resp.CorrelationID),
		}
	}
	if err != nil {
		a.Outcome = model.AttemptTransportFailed
		a.ErrorKind = ErrorKindTransport
		a.Error = err.Error()
		return a, nil, err
	}

	raw := resp.Text
	a.RawResponse = &raw
	rec, err := parse.Parse(raw, c.schema)
	if err != nil {
		a.Outcome = model.AttemptValidationFailed
		a.ErrorKind = string(parse.KindOf(err))
		a.Error = err.Error()
		return a, nil, err
	}

	a.Outcome = model.AttemptSuccess
	return a, rec, nil
}
