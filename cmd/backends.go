package main

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metadata-extractor/internal/config"
	"github.com/sells-group/metadata-extractor/internal/cost"
	"github.com/sells-group/metadata-extractor/internal/invoke"
	"github.com/sells-group/metadata-extractor/internal/resilience"
	"github.com/sells-group/metadata-extractor/internal/schema"
	"github.com/sells-group/metadata-extractor/pkg/anthropic"
)

// buildRouter registers a backend for every named preset. Offline runs
// answer every preset with the stub backend.
func buildRouter(ctx context.Context, s *schema.Schema, presets []string, offline bool) (*invoke.Router, error) {
	cb := resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs)
	router := invoke.NewRouter(resilience.NewBreakers(cb))
	pricing := cost.NewCalculator(cfg.Rates())

	var (
		claude anthropic.Client
		gemini invoke.ContentGenerator
	)

	for _, name := range presets {
		if name == "" || router.Has(name) {
			continue
		}
		p, ok := cfg.Presets[name]
		if offline || (ok && p.Provider == config.ProviderStub) {
			router.Register(name, invoke.Route{Backend: &invoke.StubBackend{Schema: s}})
			continue
		}
		if !ok {
			return nil, eris.Errorf("preset %q is not configured", name)
		}

		route := invoke.Route{RPS: p.RPS, Burst: p.Burst}
		switch p.Provider {
		case config.ProviderAnthropic:
			if claude == nil {
				var opts []option.RequestOption
				if cfg.Anthropic.BaseURL != "" {
					opts = append(opts, option.WithBaseURL(cfg.Anthropic.BaseURL))
				}
				claude = anthropic.NewClient(cfg.Anthropic.Key, opts...)
			}
			route.Backend = &invoke.AnthropicBackend{
				Client:      claude,
				Model:       p.Model,
				MaxTokens:   int64(p.MaxTokens),
				Temperature: p.Temperature,
				Pricing:     pricing,
			}
		case config.ProviderGemini:
			if gemini == nil {
				client, err := invoke.NewGeminiClient(ctx, cfg.Gemini.Key, cfg.Gemini.Backend, cfg.Gemini.Project, cfg.Gemini.Location)
				if err != nil {
					return nil, err
				}
				gemini = client.Models
			}
			var temp *float32
			if p.Temperature != nil {
				t := float32(*p.Temperature)
				temp = &t
			}
			route.Backend = &invoke.GeminiBackend{
				Models:      gemini,
				Model:       p.Model,
				MaxTokens:   int32(p.MaxTokens),
				Temperature: temp,
				Pricing:     pricing,
			}
		default:
			return nil, eris.Errorf("preset %q: unknown provider %q", name, p.Provider)
		}

		router.Register(name, route)
		zap.L().Debug("registered preset",
			zap.String("preset", name),
			zap.String("provider", p.Provider),
			zap.String("model", p.Model),
			zap.Float64("rps", p.RPS),
			zap.Bool("priced", pricing.Known(p.Model)),
		)
	}
	return router, nil
}
