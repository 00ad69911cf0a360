package am

import (
	"github.com/spf13/viper"
)

// Default values referenced outside this package
const (
	DefaultDatabasePath   = "loom.db"
	DefaultServerAddr     = "127.0.0.1:8740"
	DefaultCollection     = "loom"
	DefaultEmbeddingDims  = 256
	DefaultMapConcurrency = 4
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	// Backend selection and policies
	v.SetDefault("backend.provider", "auto")
	v.SetDefault("backend.retry.max_attempts", 3)
	v.SetDefault("backend.retry.base_delay_ms", 1000)
	v.SetDefault("backend.retry.max_delay_ms", 10000)
	v.SetDefault("backend.rate_limit.requests_per_minute", 0) // unlimited
	v.SetDefault("backend.rate_limit.burst", 1)
	v.SetDefault("backend.calls_per_minute", 0)

	// Local Inference (Ollama) defaults
	v.SetDefault("local_inference.enabled", false)
	v.SetDefault("local_inference.base_url", "http://localhost:11434")
	v.SetDefault("local_inference.model", "llama3.2:3b")
	v.SetDefault("local_inference.timeout_seconds", 300)

	// OpenRouter defaults
	v.SetDefault("openrouter.model", "openai/gpt-4o-mini") // Cost-effective default
	v.SetDefault("openrouter.temperature", 0.2)
	v.SetDefault("openrouter.max_tokens", 1000)

	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("gemini.model", "gemini-2.0-flash")

	// Embeddings: hashing works offline and is deterministic
	v.SetDefault("embeddings.provider", "hashing")
	v.SetDefault("embeddings.dimensions", DefaultEmbeddingDims)
	v.SetDefault("embeddings.model", "nomic-embed-text")
	v.SetDefault("embeddings.base_url", "http://localhost:11434")

	v.SetDefault("vector_store.backend", "sqlite")
	v.SetDefault("vector_store.collection", DefaultCollection)
	v.SetDefault("vector_store.qdrant.url", "http://localhost:6333")

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.ttl_seconds", 86400)
	v.SetDefault("cache.prefix", "loom:completion:")

	v.SetDefault("prompts.dir", "prompts")
	v.SetDefault("prompts.watch", false)
	v.SetDefault("pipelines.dir", "pipelines")

	v.SetDefault("chain.map_concurrency", DefaultMapConcurrency)

	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.request_timeout_seconds", 120)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables.
// Provider-native names are accepted alongside the LOOM_ prefixed ones.
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("openrouter.api_key", "LOOM_OPENROUTER_API_KEY", "OPENROUTER_API_KEY")
	_ = v.BindEnv("anthropic.api_key", "LOOM_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("gemini.api_key", "LOOM_GEMINI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("vector_store.qdrant.api_key", "LOOM_QDRANT_API_KEY", "QDRANT_API_KEY")
	_ = v.BindEnv("vector_store.postgres.dsn", "LOOM_POSTGRES_DSN")
	_ = v.BindEnv("cache.password", "LOOM_REDIS_PASSWORD")
	_ = v.BindEnv("database.path", "LOOM_DATABASE_PATH")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// GetCollection returns the vector store collection name
func (c *Config) GetCollection() string {
	if c.VectorStore.Collection == "" {
		return DefaultCollection
	}
	return c.VectorStore.Collection
}

// GetMapConcurrency returns the map-reduce fan-out, at least 1
func (c *Config) GetMapConcurrency() int {
	if c.Chain.MapConcurrency <= 0 {
		return DefaultMapConcurrency
	}
	return c.Chain.MapConcurrency
}
