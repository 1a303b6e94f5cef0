// Package invoke calls language models on behalf of the attempt controller.
// Every call carries a correlation id and every failure is a *TransportError.
package invoke

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrNotIssued marks a call that was abandoned before it reached the model,
// e.g. because the run was cancelled while waiting for the rate limiter.
var ErrNotIssued = eris.New("invoke: call not issued")

// Call is a single model invocation.
type Call struct {
	Preset        string
	Prompt        string
	CorrelationID string
	Timeout       time.Duration
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"` // 0 when the model is not priced
}

// LogCost emits a cost attribution entry for one call.
func (u Usage) LogCost(preset, model, correlationID string) {
	zap.L().Debug("cost attribution",
		zap.String("preset", preset),
		zap.String("model", model),
		zap.String("correlation_id", correlationID),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Float64("estimated_cost_usd", u.CostUSD),
	)
}

// Response is the raw text a model produced for a Call.
type Response struct {
	CorrelationID string
	Text          string
	Model         string
	Usage         Usage
}

// Invoker runs model calls.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (*Response, error)
}

// TransportError means the call did not produce a usable response.
type TransportError struct {
	Preset        string
	CorrelationID string
	Err           error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("invoke %s [%s]: %v", e.Preset, e.CorrelationID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportError(call Call, err error) *TransportError {
	return &TransportError{Preset: call.Preset, CorrelationID: call.CorrelationID, Err: err}
}
