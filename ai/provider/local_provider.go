package provider

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/ai/tracker"
	"github.com/teranos/loom/am"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/internal/httpclient"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/prompt"
)

// localProviderName is recorded in usage rows; local calls cost nothing
const localProviderName = "local"

// LocalProvider implements ai.Backend for local inference servers.
// Supports Ollama, LocalAI, or any OpenAI-compatible local endpoint.
type LocalProvider struct {
	baseURL      string
	model        string
	httpClient   *httpclient.SaferClient
	config       am.LocalInferenceConfig
	usageTracker *tracker.UsageTracker
	operation    string
	temperature  float64
	maxTokens    int
	logger       *zap.SugaredLogger
}

// LocalOptions carries the tracking and logging wiring for a LocalProvider
type LocalOptions struct {
	DB            *sql.DB
	Verbosity     int
	OperationType string
	Logger        *zap.SugaredLogger
	Temperature   *float64 // nil = default (0.7)
	MaxTokens     *int     // nil = default (4096)
}

// NewLocalProvider creates a provider for local inference.
// Private addresses are allowed since local servers live on them.
func NewLocalProvider(cfg am.LocalInferenceConfig, opts LocalOptions) *LocalProvider {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	var usageTracker *tracker.UsageTracker
	if opts.DB != nil {
		usageTracker = tracker.NewUsageTracker(opts.DB, opts.Verbosity)
	}
	if opts.Temperature == nil {
		defaultTemp := 0.7
		opts.Temperature = &defaultTemp
	}
	if opts.MaxTokens == nil {
		defaultTokens := 4096
		opts.MaxTokens = &defaultTokens
	}

	return &LocalProvider{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		httpClient:   httpclient.NewLocal(timeout),
		config:       cfg,
		usageTracker: usageTracker,
		operation:    opts.OperationType,
		logger:       logger.OrNop(opts.Logger),
		temperature:  *opts.Temperature,
		maxTokens:    *opts.MaxTokens,
	}
}

// ChatCompletionRequest matches OpenAI API format (Ollama is compatible)
type ChatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []ChatMessage   `json:"messages"`
	Stream      bool            `json:"stream"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Options     *CompletionOpts `json:"options,omitempty"` // Ollama-specific options
}

// ChatMessage is one OpenAI-format message
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionOpts are Ollama runtime options
type CompletionOpts struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"num_predict,omitempty"` // Ollama uses num_predict
	NumCtx      int      `json:"num_ctx,omitempty"`     // Context window size (Ollama default: 4096)
}

// ChatCompletionResponse matches OpenAI API format
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *ai.Usage `json:"usage,omitempty"`
}

// Provider implements ai.Describer
func (lp *LocalProvider) Provider() string { return localProviderName }

// Model implements ai.Describer
func (lp *LocalProvider) Model() string { return lp.model }

// Complete implements ai.Backend. One request, no retries.
func (lp *LocalProvider) Complete(ctx context.Context, messages []prompt.Message) (*ai.Completion, error) {
	chat := make([]ChatMessage, len(messages))
	for i, m := range messages {
		chat[i] = ChatMessage{Role: string(m.Role), Content: m.Content}
	}

	temperature := lp.temperature
	reqBody := ChatCompletionRequest{
		Model:       lp.model,
		Messages:    chat,
		Temperature: &temperature,
		MaxTokens:   lp.maxTokens,
		Options: &CompletionOpts{
			Temperature: &temperature,
			MaxTokens:   lp.maxTokens,
			NumCtx:      lp.config.ContextSize, // 0 = model default
		},
	}

	log := logger.ChildLogger(lp.logger, logger.FieldsFromContext(ctx)...)
	call := tracker.StartCall(ctx, localProviderName, lp.model, lp.operation, &lp.temperature, &lp.maxTokens, len(messages))

	var resp ChatCompletionResponse
	err := ai.PostJSON(ctx, lp.httpClient, localProviderName, lp.baseURL+"/v1/chat/completions", nil, reqBody, &resp)
	if err != nil {
		log.Warnw("Local inference error",
			logger.FieldError, err,
			logger.FieldModel, lp.model,
			logger.FieldAddress, lp.baseURL,
		)
		lp.usageTracker.Record(lp.logger, call, nil, err)
		return nil, err
	}
	if len(resp.Choices) == 0 {
		err := ai.NewBackendError(localProviderName, ai.KindMalformed, errors.New("no completion choices returned"))
		lp.usageTracker.Record(lp.logger, call, nil, err)
		return nil, err
	}

	completion := &ai.Completion{
		Role:         prompt.RoleAssistant,
		Content:      strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:        lp.model,
		Provider:     localProviderName,
		FinishReason: resp.Choices[0].FinishReason,
	}
	if resp.Usage != nil {
		completion.Usage = *resp.Usage
	}

	log.Debugw("Local inference response", logger.FieldSize, len(completion.Content), logger.FieldTokens, completion.Usage.TotalTokens)
	lp.usageTracker.Record(lp.logger, call, completion, nil)
	return completion, nil
}

// SetHTTPClient allows overriding the HTTP client for testing
func (lp *LocalProvider) SetHTTPClient(client *http.Client) {
	lp.httpClient = httpclient.Wrap(client)
}
