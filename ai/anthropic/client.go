// Package anthropic implements ai.Backend over the Anthropic Messages API.
package anthropic

import (
	"context"
	"database/sql"
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
	// DefaultModel is the default Claude model
	DefaultModel = "claude-sonnet-4-20250514"

	// BaseURL is the Anthropic API endpoint
	BaseURL = "https://api.anthropic.com/v1"

	// APIVersion is the required Anthropic API version header
	APIVersion = "2023-06-01"

	// ProviderName is recorded in usage rows and backend errors
	ProviderName = "anthropic"

	requestTimeout = 120 * time.Second
)

// Client represents an Anthropic API client
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *httpclient.SaferClient
	config       Config
	usageTracker *tracker.UsageTracker
	logger       *zap.SugaredLogger
}

// Config holds Anthropic client configuration
type Config struct {
	APIKey        string
	Model         string
	Temperature   *float64 // nil = use default (0.2)
	MaxTokens     *int     // nil = use default (4096)
	Logger        *zap.SugaredLogger
	DB            *sql.DB // Database for cost/usage tracking (nil disables tracking)
	Verbosity     int
	OperationType string
}

// NewClient creates a new Anthropic API client
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Temperature == nil {
		defaultTemp := 0.2
		config.Temperature = &defaultTemp
	}
	if config.MaxTokens == nil {
		// Messages API requires max_tokens; Claude gets a higher default
		defaultTokens := 4096
		config.MaxTokens = &defaultTokens
	}

	var usageTracker *tracker.UsageTracker
	if config.DB != nil {
		usageTracker = tracker.NewUsageTracker(config.DB, config.Verbosity)
	}

	return &Client{
		apiKey:       config.APIKey,
		baseURL:      BaseURL,
		httpClient:   httpclient.New(requestTimeout),
		config:       config,
		usageTracker: usageTracker,
		logger:       logger.OrNop(config.Logger),
	}
}

// MessagesRequest represents a request to the Anthropic Messages API
type MessagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Message represents a message in the conversation
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// MessagesResponse represents the response from the Messages API
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// ContentBlock represents a content block in the response
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage represents token usage information
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Provider implements ai.Describer
func (c *Client) Provider() string { return ProviderName }

// Model implements ai.Describer
func (c *Client) Model() string { return c.config.Model }

// openingTurn stands in for the user turn the API requires before a
// leading assistant turn. Empty content is rejected there.
const openingTurn = "Continue."

// BuildRequest converts rendered messages into a Messages API request.
// System messages are hoisted into the system field and consecutive turns of
// the same role are merged. Empty turns are dropped except a final assistant
// turn, and a conversation that does not open with user gets openingTurn.
func BuildRequest(model string, temperature float64, maxTokens int, messages []prompt.Message) MessagesRequest {
	var system []string
	var turns []Message
	for i, m := range messages {
		if m.Role == prompt.RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		role := string(m.Role)
		if m.Content == "" && !(m.Role == prompt.RoleAssistant && isLastTurn(messages, i)) {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			if m.Content != "" {
				turns[n-1].Content = joinTurn(turns[n-1].Content, m.Content)
			}
			continue
		}
		turns = append(turns, Message{Role: role, Content: m.Content})
	}
	if len(turns) == 0 || turns[0].Role != string(prompt.RoleUser) {
		turns = append([]Message{{Role: string(prompt.RoleUser), Content: openingTurn}}, turns...)
	}

	return MessagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    turns,
		System:      strings.Join(system, "\n\n"),
		Temperature: &temperature,
	}
}

// isLastTurn reports whether no user or assistant message follows messages[i]
func isLastTurn(messages []prompt.Message, i int) bool {
	for _, m := range messages[i+1:] {
		if m.Role != prompt.RoleSystem {
			return false
		}
	}
	return true
}

func joinTurn(a, b string) string {
	if a == "" {
		return b
	}
	return a + "\n\n" + b
}

// Complete implements ai.Backend. One request, no retries.
func (c *Client) Complete(ctx context.Context, messages []prompt.Message) (*ai.Completion, error) {
	if !c.IsConfigured() {
		return nil, &ai.BackendError{
			Provider: ProviderName,
			Kind:     ai.KindAuth,
			Err:      errors.WithHint(errors.New("Anthropic API key not configured"), "set ANTHROPIC_API_KEY or anthropic.api_key in am.toml"),
		}
	}

	temperature := *c.config.Temperature
	maxTokens := *c.config.MaxTokens
	model := c.config.Model
	req := BuildRequest(model, temperature, maxTokens, messages)

	log := logger.ChildLogger(c.logger, logger.FieldsFromContext(ctx)...)
	log.Debugw("Anthropic messages request",
		logger.FieldModel, model,
		logger.FieldCount, len(req.Messages),
		"has_system", req.System != "",
	)

	call := tracker.StartCall(ctx, ProviderName, model, c.config.OperationType, &temperature, &maxTokens, len(messages))
	resp, err := c.createMessages(ctx, req)
	if err != nil {
		log.Warnw("Anthropic API error",
			logger.FieldError, err,
			logger.FieldModel, model,
			logger.FieldRetriable, ai.IsRetriable(err),
		)
		c.usageTracker.Record(c.logger, call, nil, err)
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 && resp.StopReason != "max_tokens" {
		err := ai.NewBackendError(ProviderName, ai.KindMalformed, errors.Newf("no text content in response (stop_reason %q)", resp.StopReason))
		c.usageTracker.Record(c.logger, call, nil, err)
		return nil, err
	}

	completion := &ai.Completion{
		Role:         prompt.RoleAssistant,
		Content:      strings.TrimSpace(text.String()),
		Model:        model,
		Provider:     ProviderName,
		FinishReason: resp.StopReason,
		Usage: ai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	if resp.Model != "" {
		completion.Model = resp.Model
	}

	log.Debugw("Anthropic response",
		logger.FieldSize, len(completion.Content),
		logger.FieldTokens, completion.Usage.TotalTokens,
	)
	c.usageTracker.Record(c.logger, call, completion, nil)

	return completion, nil
}

func (c *Client) createMessages(ctx context.Context, req MessagesRequest) (*MessagesResponse, error) {
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": APIVersion,
	}
	var resp MessagesResponse
	if err := ai.PostJSON(ctx, c.httpClient, ProviderName, c.baseURL+"/messages", headers, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IsConfigured returns true if the client has an API key
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// SetHTTPClient allows overriding the HTTP client for testing
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.Wrap(client)
}
