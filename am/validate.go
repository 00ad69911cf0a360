package am

import (
	"strings"

	"github.com/teranos/loom/errors"
)

var (
	validProviders    = []string{"", "auto", "local", "openrouter", "anthropic", "gemini"}
	validEmbedders    = []string{"", "hashing", "ollama", "gemini"}
	validVectorStores = []string{"", "memory", "sqlite", "qdrant", "pgvector"}
)

// Validate checks that the configuration is valid.
// Zero means zero: a zero limit disables the feature, negatives are rejected.
func (c *Config) Validate() error {
	if !oneOf(c.Backend.Provider, validProviders) {
		return errors.Newf("backend.provider must be one of %s, got %q", strings.Join(validProviders[1:], ", "), c.Backend.Provider)
	}
	if c.Backend.Retry.MaxAttempts < 0 {
		return errors.Newf("backend.retry.max_attempts must be >= 0, got %d", c.Backend.Retry.MaxAttempts)
	}
	if c.Backend.Retry.BaseDelayMS < 0 || c.Backend.Retry.MaxDelayMS < 0 {
		return errors.New("backend.retry delays must be >= 0")
	}
	if c.Backend.Retry.MaxDelayMS > 0 && c.Backend.Retry.BaseDelayMS > c.Backend.Retry.MaxDelayMS {
		return errors.Newf("backend.retry.base_delay_ms (%d) exceeds max_delay_ms (%d)", c.Backend.Retry.BaseDelayMS, c.Backend.Retry.MaxDelayMS)
	}
	if c.Backend.RateLimit.RequestsPerMinute < 0 {
		return errors.Newf("backend.rate_limit.requests_per_minute must be >= 0, got %d", c.Backend.RateLimit.RequestsPerMinute)
	}
	if c.Backend.RateLimit.Burst < 0 {
		return errors.Newf("backend.rate_limit.burst must be >= 0, got %d", c.Backend.RateLimit.Burst)
	}
	if c.Backend.CallsPerMinute < 0 {
		return errors.Newf("backend.calls_per_minute must be >= 0, got %d", c.Backend.CallsPerMinute)
	}

	if err := validateSampling("openrouter", c.OpenRouter.Temperature, c.OpenRouter.MaxTokens); err != nil {
		return err
	}
	if err := validateSampling("anthropic", c.Anthropic.Temperature, c.Anthropic.MaxTokens); err != nil {
		return err
	}
	if err := validateSampling("gemini", c.Gemini.Temperature, c.Gemini.MaxTokens); err != nil {
		return err
	}

	if c.LocalInference.Enabled {
		if c.LocalInference.BaseURL == "" {
			return errors.New("local_inference.base_url cannot be empty when enabled")
		}
		if c.LocalInference.Model == "" {
			return errors.New("local_inference.model cannot be empty when enabled")
		}
		if c.LocalInference.TimeoutSeconds <= 0 {
			return errors.Newf("local_inference.timeout_seconds must be > 0, got %d", c.LocalInference.TimeoutSeconds)
		}
	}

	if !oneOf(c.Embeddings.Provider, validEmbedders) {
		return errors.Newf("embeddings.provider must be one of %s, got %q", strings.Join(validEmbedders[1:], ", "), c.Embeddings.Provider)
	}
	if c.Embeddings.Dimensions < 0 {
		return errors.Newf("embeddings.dimensions must be >= 0, got %d", c.Embeddings.Dimensions)
	}

	if !oneOf(c.VectorStore.Backend, validVectorStores) {
		return errors.Newf("vector_store.backend must be one of %s, got %q", strings.Join(validVectorStores[1:], ", "), c.VectorStore.Backend)
	}
	if c.VectorStore.Backend == "qdrant" && c.VectorStore.Qdrant.URL == "" {
		return errors.New("vector_store.qdrant.url cannot be empty when backend is qdrant")
	}
	if c.VectorStore.Backend == "pgvector" && c.VectorStore.Postgres.DSN == "" {
		return errors.WithHint(
			errors.New("vector_store.postgres.dsn cannot be empty when backend is pgvector"),
			"set LOOM_POSTGRES_DSN",
		)
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		return errors.New("cache.addr cannot be empty when cache is enabled")
	}
	if c.Cache.TTLSeconds < 0 {
		return errors.Newf("cache.ttl_seconds must be >= 0, got %d", c.Cache.TTLSeconds)
	}

	if c.Chain.MapConcurrency < 0 {
		return errors.Newf("chain.map_concurrency must be >= 0, got %d", c.Chain.MapConcurrency)
	}
	if c.Server.RequestTimeoutSeconds < 0 {
		return errors.Newf("server.request_timeout_seconds must be >= 0, got %d", c.Server.RequestTimeoutSeconds)
	}

	return nil
}

func validateSampling(section string, temperature *float64, maxTokens *int) error {
	if temperature != nil && (*temperature < 0 || *temperature > 2) {
		return errors.Newf("%s.temperature must be between 0 and 2, got %v", section, *temperature)
	}
	if maxTokens != nil && *maxTokens < 1 {
		return errors.Newf("%s.max_tokens must be >= 1, got %d (omit for default)", section, *maxTokens)
	}
	return nil
}

func oneOf(s string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
