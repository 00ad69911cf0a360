// Package openrouter implements ai.Backend over OpenRouter's
// OpenAI-compatible chat completions API.
package openrouter

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/ai/tracker"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/internal/httpclient"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/prompt"
)

const (
	// DefaultModel is the fallback model when none is specified.
	// Should match the default in am/defaults.go.
	DefaultModel = "openai/gpt-4o-mini"

	// ProviderName is recorded in usage rows and backend errors
	ProviderName = "openrouter"

	defaultBaseURL = "https://openrouter.ai/api/v1"
	requestTimeout = 120 * time.Second
)

// Client represents an OpenRouter.ai API client
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *httpclient.SaferClient
	config       Config
	usageTracker *tracker.UsageTracker
	logger       *zap.SugaredLogger
}

// Config holds AI client configuration
type Config struct {
	APIKey        string
	Model         string
	Temperature   *float64 // nil = use default (0.2)
	MaxTokens     *int     // nil = use default (1000)
	Logger        *zap.SugaredLogger
	DB            *sql.DB // Database for cost/usage tracking (nil disables tracking)
	Verbosity     int
	OperationType string // Operation type for tracking and the X-Title header
}

// NewClient creates a new OpenRouter.ai client with defaults applied
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Temperature == nil {
		defaultTemp := 0.2
		config.Temperature = &defaultTemp
	}
	if config.MaxTokens == nil {
		defaultTokens := 1000
		config.MaxTokens = &defaultTokens
	}

	var usageTracker *tracker.UsageTracker
	if config.DB != nil {
		usageTracker = tracker.NewUsageTracker(config.DB, config.Verbosity)
	}

	return &Client{
		apiKey:       config.APIKey,
		baseURL:      defaultBaseURL,
		httpClient:   httpclient.New(requestTimeout),
		config:       config,
		usageTracker: usageTracker,
		logger:       logger.OrNop(config.Logger),
	}
}

// NewClientWithAPIKey creates a new OpenRouter.ai client with just an API key
func NewClientWithAPIKey(apiKey string) *Client {
	return NewClient(Config{APIKey: apiKey})
}

// ChatCompletionRequest represents a request to the chat completions endpoint
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Message represents a message in a chat completion
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse represents the response from chat completions
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   ai.Usage `json:"usage"`
}

// Choice represents a completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Provider implements ai.Describer
func (c *Client) Provider() string { return ProviderName }

// Model implements ai.Describer
func (c *Client) Model() string { return c.config.Model }

// CreateChatCompletion sends one chat completion request to OpenRouter
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	title := "loom"
	if c.config.OperationType != "" {
		title = fmt.Sprintf("loom/%s", c.config.OperationType)
	}
	headers := map[string]string{
		"Authorization": "Bearer " + c.apiKey,
		"X-Title":       title,
	}

	var resp ChatCompletionResponse
	if err := ai.PostJSON(ctx, c.httpClient, ProviderName, c.baseURL+"/chat/completions", headers, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Complete implements ai.Backend. One request, no retries.
func (c *Client) Complete(ctx context.Context, messages []prompt.Message) (*ai.Completion, error) {
	if !c.IsConfigured() {
		return nil, &ai.BackendError{
			Provider: ProviderName,
			Kind:     ai.KindAuth,
			Err:      errors.WithHint(errors.New("OpenRouter API key not configured"), "set LOOM_OPENROUTER_API_KEY or openrouter.api_key in am.toml"),
		}
	}

	temperature := *c.config.Temperature
	maxTokens := *c.config.MaxTokens
	model := c.config.Model

	req := ChatCompletionRequest{
		Model:       model,
		Messages:    toMessages(messages),
		Temperature: &temperature,
		MaxTokens:   maxTokens,
	}

	log := logger.ChildLogger(c.logger, logger.FieldsFromContext(ctx)...)
	log.Debugw("AI chat request",
		logger.FieldModel, model,
		"temperature", temperature,
		"max_tokens", maxTokens,
		logger.FieldCount, len(messages),
	)

	call := tracker.StartCall(ctx, ProviderName, model, c.config.OperationType, &temperature, &maxTokens, len(messages))
	resp, err := c.CreateChatCompletion(ctx, req)
	if err != nil {
		log.Warnw("OpenRouter API error",
			logger.FieldError, err,
			logger.FieldModel, model,
			logger.FieldRetriable, ai.IsRetriable(err),
		)
		c.usageTracker.Record(c.logger, call, nil, err)
		return nil, err
	}

	if len(resp.Choices) == 0 {
		err := ai.NewBackendError(ProviderName, ai.KindMalformed, errors.New("no response choices from OpenRouter"))
		c.usageTracker.Record(c.logger, call, nil, err)
		return nil, err
	}

	choice := resp.Choices[0]
	completion := &ai.Completion{
		Role:         prompt.RoleAssistant,
		Content:      strings.TrimSpace(choice.Message.Content),
		Model:        model,
		Provider:     ProviderName,
		FinishReason: choice.FinishReason,
		Usage:        resp.Usage,
	}
	if resp.Model != "" {
		completion.Model = resp.Model
	}

	log.Debugw("OpenRouter response",
		logger.FieldSize, len(completion.Content),
		logger.FieldTokens, resp.Usage.TotalTokens,
	)
	c.usageTracker.Record(c.logger, call, completion, nil)

	return completion, nil
}

func toMessages(messages []prompt.Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}

// IsConfigured returns true if the client has a valid API key
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// SetHTTPClient allows overriding the HTTP client for testing.
// Production code should use the default SSRF-safer client.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.Wrap(client)
}
