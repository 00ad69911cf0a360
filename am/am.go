// Package am holds loom's configuration ("I am"): where the database lives,
// which completion backend to use and how to reach the vector store.
package am

// Config represents the loom configuration
type Config struct {
	Database       DatabaseConfig       `mapstructure:"database"`
	Backend        BackendConfig        `mapstructure:"backend"`
	OpenRouter     OpenRouterConfig     `mapstructure:"openrouter"`
	Anthropic      AnthropicConfig      `mapstructure:"anthropic"`
	Gemini         GeminiConfig         `mapstructure:"gemini"`
	LocalInference LocalInferenceConfig `mapstructure:"local_inference"`
	Embeddings     EmbeddingsConfig     `mapstructure:"embeddings"`
	VectorStore    VectorStoreConfig    `mapstructure:"vector_store"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Prompts        PromptsConfig        `mapstructure:"prompts"`
	Pipelines      PipelinesConfig      `mapstructure:"pipelines"`
	Chain          ChainConfig          `mapstructure:"chain"`
	Server         ServerConfig         `mapstructure:"server"`
}

// DatabaseConfig configures the SQLite database (usage tracking, sqlite vector store)
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BackendConfig selects the completion backend and the policies wrapped around it
type BackendConfig struct {
	Provider  string          `mapstructure:"provider"` // auto, local, openrouter, anthropic, gemini
	Retry     RetryConfig     `mapstructure:"retry"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	// CallsPerMinute rejects calls beyond this many per sliding minute (0 = no budget)
	CallsPerMinute int `mapstructure:"calls_per_minute"`
}

// RetryConfig configures retries of retriable backend errors.
// MaxAttempts counts the first call; 1 disables retries.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelayMS int `mapstructure:"base_delay_ms"`
	MaxDelayMS  int `mapstructure:"max_delay_ms"`
}

// RateLimitConfig throttles backend calls (0 requests = unlimited)
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// OpenRouterConfig configures OpenRouter.ai API access
type OpenRouterConfig struct {
	APIKey      string   `mapstructure:"api_key"`
	Model       string   `mapstructure:"model"`       // e.g. "openai/gpt-4o-mini"
	Temperature *float64 `mapstructure:"temperature"` // nil = default 0.2
	MaxTokens   *int     `mapstructure:"max_tokens"`  // nil = default 1000
}

// AnthropicConfig configures direct Anthropic Messages API access
type AnthropicConfig struct {
	APIKey      string   `mapstructure:"api_key"`
	Model       string   `mapstructure:"model"`
	Temperature *float64 `mapstructure:"temperature"`
	MaxTokens   *int     `mapstructure:"max_tokens"` // nil = default 4096
}

// GeminiConfig configures the Gemini API through the genai SDK
type GeminiConfig struct {
	APIKey      string   `mapstructure:"api_key"`
	Model       string   `mapstructure:"model"`
	Temperature *float64 `mapstructure:"temperature"`
	MaxTokens   *int     `mapstructure:"max_tokens"`
}

// LocalInferenceConfig configures local model inference (Ollama, LocalAI, etc.)
type LocalInferenceConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"` // e.g. "http://localhost:11434"
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	ContextSize    int    `mapstructure:"context_size"` // 0 = model default
}

// EmbeddingsConfig selects the embedder used for indexing and retrieval
type EmbeddingsConfig struct {
	Provider   string `mapstructure:"provider"` // hashing, ollama, gemini
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"` // hashing embedder only
	BaseURL    string `mapstructure:"base_url"`   // ollama only
}

// VectorStoreConfig selects the vector store backend
type VectorStoreConfig struct {
	Backend    string         `mapstructure:"backend"` // memory, sqlite, qdrant, pgvector
	Collection string         `mapstructure:"collection"`
	Qdrant     QdrantConfig   `mapstructure:"qdrant"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// QdrantConfig configures the Qdrant REST endpoint
type QdrantConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// PostgresConfig configures the pgvector store
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// CacheConfig configures the Redis completion cache
type CacheConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"` // 0 = no expiry
	Prefix     string `mapstructure:"prefix"`
}

// PromptsConfig configures the prompt document library
type PromptsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// PipelinesConfig locates pipeline definitions (YAML or TOML)
type PipelinesConfig struct {
	Dir string `mapstructure:"dir"`
}

// ChainConfig configures chain execution defaults
type ChainConfig struct {
	MapConcurrency int `mapstructure:"map_concurrency"` // parallel map calls in map-reduce steps
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Addr                  string `mapstructure:"addr"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
