package invoke

import (
	"context"

	"github.com/sells-group/metadata-extractor/internal/cost"
	"github.com/sells-group/metadata-extractor/pkg/anthropic"
)

// AnthropicBackend calls a Claude model through the Messages API.
type AnthropicBackend struct {
	Client      anthropic.Client
	Model       string
	MaxTokens   int64
	Temperature *float64
	System      string
	Pricing     *cost.Calculator // nil leaves CostUSD at 0
}

// Generate implements Backend.
func (b *AnthropicBackend) Generate(ctx context.Context, call Call) (*Response, error) {
	maxTokens := b.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	resp, err := b.Client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:         b.Model,
		MaxTokens:     maxTokens,
		System:        b.System,
		Messages:      []anthropic.Message{{Role: "user", Content: call.Prompt}},
		Temperature:   b.Temperature,
		CorrelationID: call.CorrelationID,
	})
	if err != nil {
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = b.Model
	}
	return &Response{
		CorrelationID: call.CorrelationID,
		Text:          resp.Text(),
		Model:         model,
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CostUSD:      b.Pricing.Tokens(model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		},
	}, nil
}
