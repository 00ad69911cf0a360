// Package provider selects and assembles completion backends from configuration.
package provider

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/ai/anthropic"
	"github.com/teranos/loom/ai/cache"
	"github.com/teranos/loom/ai/gemini"
	"github.com/teranos/loom/ai/openrouter"
	"github.com/teranos/loom/ai/policy"
	"github.com/teranos/loom/am"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
)

// Provider represents an LLM provider type
type Provider string

const (
	// ProviderLocal uses local inference (Ollama, LocalAI)
	ProviderLocal Provider = "local"
	// ProviderOpenRouter uses OpenRouter.ai API
	ProviderOpenRouter Provider = "openrouter"
	// ProviderAnthropic uses direct Anthropic API
	ProviderAnthropic Provider = "anthropic"
	// ProviderGemini uses the Google GenAI API
	ProviderGemini Provider = "gemini"
	// ProviderAuto automatically selects based on configuration
	ProviderAuto Provider = "auto"
)

// ClientConfig holds common configuration for creating backends
type ClientConfig struct {
	DB            *sql.DB
	Verbosity     int
	OperationType string
	Logger        *zap.SugaredLogger
}

// New creates the backend for a specific provider.
// Use ProviderAuto to let the factory decide based on configuration.
func New(ctx context.Context, cfg *am.Config, provider Provider, clientCfg ClientConfig) (ai.Backend, error) {
	switch provider {
	case ProviderLocal:
		return newLocalClient(cfg, clientCfg), nil
	case ProviderAnthropic:
		return newAnthropicClient(cfg, clientCfg), nil
	case ProviderGemini:
		return newGeminiClient(ctx, cfg, clientCfg)
	case ProviderOpenRouter:
		return newOpenRouterClient(cfg, clientCfg), nil
	case ProviderAuto, "":
		return New(ctx, cfg, AutoSelect(cfg), clientCfg)
	}
	return nil, errors.NewInvalidRequestError("unknown provider: %s", provider)
}

// AutoSelect picks the provider the configuration makes available.
// Priority: LocalInference (if enabled) → Anthropic → Gemini → OpenRouter.
func AutoSelect(cfg *am.Config) Provider {
	if cfg.LocalInference.Enabled {
		return ProviderLocal
	}
	if cfg.Anthropic.APIKey != "" {
		return ProviderAnthropic
	}
	if cfg.Gemini.APIKey != "" {
		return ProviderGemini
	}
	return ProviderOpenRouter
}

// Build creates the configured backend and wraps it with the configured
// policies. Order from the outside: cache, retry, budget, throttle, client.
// Each retry attempt passes the budget and throttle again.
func Build(ctx context.Context, cfg *am.Config, clientCfg ClientConfig) (ai.Backend, error) {
	p, err := ParseProvider(cfg.Backend.Provider)
	if err != nil {
		return nil, err
	}
	backend, err := New(ctx, cfg, p, clientCfg)
	if err != nil {
		return nil, err
	}
	log := logger.OrNop(clientCfg.Logger)

	if rl := cfg.Backend.RateLimit; rl.RequestsPerMinute > 0 {
		backend = policy.Throttle(backend, policy.NewRateLimiter(rl.RequestsPerMinute, rl.Burst))
	}
	if cfg.Backend.CallsPerMinute > 0 {
		backend = policy.Budget(backend, policy.NewLimiter(cfg.Backend.CallsPerMinute))
	}
	if r := cfg.Backend.Retry; r.MaxAttempts > 1 {
		backend = policy.Retry(backend, policy.RetryConfig{
			MaxAttempts: r.MaxAttempts,
			BaseDelay:   time.Duration(r.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(r.MaxDelayMS) * time.Millisecond,
			Logger:      logger.ChildLogger(log, logger.FieldComponent, "ai.policy"),
		})
	}
	if c := cfg.Cache; c.Enabled {
		backend = cache.New(backend, c.Addr, c.Password, c.DB,
			cache.WithTTL(time.Duration(c.TTLSeconds)*time.Second),
			cache.WithPrefix(c.Prefix),
			cache.WithLogger(logger.ChildLogger(log, logger.FieldComponent, "ai.cache")),
		)
	}

	log.Debugw("Backend assembled", logger.FieldProvider, ai.Describe(backend, string(p)))
	return backend, nil
}

func newLocalClient(cfg *am.Config, clientCfg ClientConfig) *LocalProvider {
	return NewLocalProvider(cfg.LocalInference, LocalOptions{
		DB:            clientCfg.DB,
		Verbosity:     clientCfg.Verbosity,
		OperationType: clientCfg.OperationType,
		Logger:        componentLogger(clientCfg, "ai.local"),
	})
}

func newAnthropicClient(cfg *am.Config, clientCfg ClientConfig) *anthropic.Client {
	return anthropic.NewClient(anthropic.Config{
		APIKey:        cfg.Anthropic.APIKey,
		Model:         cfg.Anthropic.Model,
		Temperature:   cfg.Anthropic.Temperature,
		MaxTokens:     cfg.Anthropic.MaxTokens,
		Logger:        componentLogger(clientCfg, "ai.anthropic"),
		DB:            clientCfg.DB,
		Verbosity:     clientCfg.Verbosity,
		OperationType: clientCfg.OperationType,
	})
}

func newGeminiClient(ctx context.Context, cfg *am.Config, clientCfg ClientConfig) (*gemini.Client, error) {
	return gemini.NewClient(ctx, gemini.Config{
		APIKey:        cfg.Gemini.APIKey,
		Model:         cfg.Gemini.Model,
		Temperature:   cfg.Gemini.Temperature,
		MaxTokens:     cfg.Gemini.MaxTokens,
		Logger:        componentLogger(clientCfg, "ai.gemini"),
		DB:            clientCfg.DB,
		Verbosity:     clientCfg.Verbosity,
		OperationType: clientCfg.OperationType,
	})
}

func newOpenRouterClient(cfg *am.Config, clientCfg ClientConfig) *openrouter.Client {
	return openrouter.NewClient(openrouter.Config{
		APIKey:        cfg.OpenRouter.APIKey,
		Model:         cfg.OpenRouter.Model,
		Temperature:   cfg.OpenRouter.Temperature,
		MaxTokens:     cfg.OpenRouter.MaxTokens,
		Logger:        componentLogger(clientCfg, "ai.openrouter"),
		DB:            clientCfg.DB,
		Verbosity:     clientCfg.Verbosity,
		OperationType: clientCfg.OperationType,
	})
}

func componentLogger(clientCfg ClientConfig, name string) *zap.SugaredLogger {
	if clientCfg.Logger != nil {
		return clientCfg.Logger.Named(name)
	}
	return logger.ComponentLogger(name)
}

// AvailableProviders returns the providers the configuration can serve
func AvailableProviders(cfg *am.Config) []Provider {
	var providers []Provider

	if cfg.LocalInference.Enabled {
		providers = append(providers, ProviderLocal)
	}
	if cfg.Anthropic.APIKey != "" {
		providers = append(providers, ProviderAnthropic)
	}
	if cfg.Gemini.APIKey != "" {
		providers = append(providers, ProviderGemini)
	}
	if cfg.OpenRouter.APIKey != "" {
		providers = append(providers, ProviderOpenRouter)
	}

	return providers
}

// ParseProvider converts a string to a Provider type
func ParseProvider(s string) (Provider, error) {
	switch s {
	case "local", "ollama", "localai":
		return ProviderLocal, nil
	case "openrouter", "or":
		return ProviderOpenRouter, nil
	case "anthropic", "claude":
		return ProviderAnthropic, nil
	case "gemini", "google":
		return ProviderGemini, nil
	case "auto", "":
		return ProviderAuto, nil
	}
	return "", errors.WithHint(
		errors.NewInvalidRequestError("unknown provider: %s", s),
		"valid providers: local, openrouter, anthropic, gemini, auto",
	)
}

// Verify interfaces are implemented
var (
	_ ai.Backend   = (*openrouter.Client)(nil)
	_ ai.Backend   = (*anthropic.Client)(nil)
	_ ai.Backend   = (*gemini.Client)(nil)
	_ ai.Backend   = (*LocalProvider)(nil)
	_ ai.Describer = (*LocalProvider)(nil)
)
