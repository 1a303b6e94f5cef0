package invoke

import (
	"context"
	"errors"
	"net/http"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/sells-group/metadata-extractor/internal/cost"
	"github.com/sells-group/metadata-extractor/internal/resilience"
)

// CorrelationHeader is sent with every model request.
const CorrelationHeader = "X-Correlation-Id"

// ContentGenerator is the subset of *genai.Models used by GeminiBackend.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiBackend calls a Gemini model through the genai SDK.
type GeminiBackend struct {
	Models      ContentGenerator
	Model       string
	MaxTokens   int32
	Temperature *float32
	Pricing     *cost.Calculator
}

// NewGeminiClient builds a genai client for the Gemini API or Vertex AI.
func NewGeminiClient(ctx context.Context, apiKey, backend, project, location string) (*genai.Client, error) {
	cc := &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  apiKey,
	}
	if backend == "vertex" {
		cc = &genai.ClientConfig{
			Backend:  genai.BackendVertexAI,
			Project:  project,
			Location: location,
		}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: new client")
	}
	return client, nil
}

// Generate implements Backend.
func (b *GeminiBackend) Generate(ctx context.Context, call Call) (*Response, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: b.Temperature,
		HTTPOptions: &genai.HTTPOptions{
			Headers: http.Header{CorrelationHeader: []string{call.CorrelationID}},
		},
	}
	if b.MaxTokens > 0 {
		cfg.MaxOutputTokens = b.MaxTokens
	}

	resp, err := b.Models.GenerateContent(ctx, b.Model, genai.Text(call.Prompt), cfg)
	if err != nil {
		return nil, classifyGemini(err)
	}
	if len(resp.Candidates) == 0 {
		return nil, eris.New("gemini: no candidates in response")
	}

	out := &Response{
		CorrelationID: call.CorrelationID,
		Text:          resp.Text(),
		Model:         b.Model,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			InputTokens:  int64(u.PromptTokenCount),
			OutputTokens: int64(u.CandidatesTokenCount),
		}
		// Priced by the configured name; ModelVersion may carry a suffix.
		out.Usage.CostUSD = b.Pricing.Tokens(b.Model, out.Usage.InputTokens, out.Usage.OutputTokens)
	}
	return out, nil
}

func classifyGemini(err error) error {
	wrapped := eris.Wrap(err, "gemini: generate content")

	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	if resilience.IsTransientHTTPStatus(code) {
		return resilience.NewTransientError(wrapped, code)
	}
	return wrapped
}
