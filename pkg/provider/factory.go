package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/time/rate"

	"github.com/abdhe/tryon-inference-proxy/pkg/config"
	"github.com/abdhe/tryon-inference-proxy/pkg/resilience"
)

type constructor func(ctx context.Context, cfg config.ProviderConfig) (Provider, error)

var registry = map[string]constructor{
	"openai": newOpenAI,
	"gemini": newGemini,
}

// New builds the provider named in cfg, wrapped in an outbound rate limiter
// when cfg.RPS is positive. Unknown names fail here, at startup.
func New(ctx context.Context, cfg config.ProviderConfig) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	build, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("provider: unknown provider %q (available: %s)", cfg.Name, strings.Join(Names(), ", "))
	}

	p, err := build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		p = WithRateLimit(p, rate.NewLimiter(rate.Limit(cfg.RPS), burst))
	}
	return p, nil
}

// Names lists the registered providers.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func newOpenAI(_ context.Context, cfg config.ProviderConfig) (Provider, error) {
	keys := resilience.NewKeyPool(cfg.OpenAI.APIKeys)
	if keys.Size() == 0 {
		return nil, fmt.Errorf("provider: openai: %w", resilience.ErrNoKeys)
	}
	return NewOpenAIProvider(OpenAIConfig{
		BaseURL:        cfg.OpenAI.BaseURL,
		Model:          cfg.OpenAI.Model,
		Size:           cfg.OpenAI.Size,
		Quality:        cfg.OpenAI.Quality,
		ResponseFormat: cfg.OpenAI.ResponseFormat,
	}, keys), nil
}

func newGemini(ctx context.Context, cfg config.ProviderConfig) (Provider, error) {
	if cfg.Gemini.APIKey == "" {
		return nil, fmt.Errorf("provider: gemini: api key is required")
	}
	backend, err := NewGenAIBackend(ctx, cfg.Gemini.APIKey, cfg.Gemini.AnalysisModel, cfg.Gemini.ImageModel)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}
	return NewGeminiProvider(backend, backend, GeminiConfig{FallbackPrompt: cfg.Gemini.FallbackPrompt}), nil
}
