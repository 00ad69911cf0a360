// Package gemini implements ai.Backend on the Google GenAI SDK.
package gemini

import (
	"context"
	"database/sql"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/ai/tracker"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/prompt"
)

const (
	// DefaultModel is the default Gemini model
	DefaultModel = "gemini-2.0-flash"

	// ProviderName is recorded in usage rows and backend errors
	ProviderName = "gemini"

	roleUser  = "user"
	roleModel = "model"
)

// generator is the slice of *genai.Models the client uses
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config holds Gemini client configuration
type Config struct {
	APIKey        string
	Model         string
	Temperature   *float64 // nil = use default (0.2)
	MaxTokens     *int     // nil = let the model decide
	Logger        *zap.SugaredLogger
	DB            *sql.DB
	Verbosity     int
	OperationType string
	HTTPClient    *http.Client // optional, passed to the SDK
}

// Client wraps the GenAI SDK models service
type Client struct {
	models       generator
	config       Config
	usageTracker *tracker.UsageTracker
	logger       *zap.SugaredLogger
}

// NewClient creates a Gemini client. The SDK requires an API key up front.
func NewClient(ctx context.Context, config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, errors.WithHint(
			errors.Wrap(errors.ErrInvalidRequest, "Gemini API key not configured"),
			"set GEMINI_API_KEY or gemini.api_key in am.toml",
		)
	}

	sdk, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: config.HTTPClient,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GenAI client")
	}
	return newClient(sdk.Models, config), nil
}

func newClient(models generator, config Config) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Temperature == nil {
		defaultTemp := 0.2
		config.Temperature = &defaultTemp
	}

	var usageTracker *tracker.UsageTracker
	if config.DB != nil {
		usageTracker = tracker.NewUsageTracker(config.DB, config.Verbosity)
	}

	return &Client{
		models:       models,
		config:       config,
		usageTracker: usageTracker,
		logger:       logger.OrNop(config.Logger),
	}
}

// Provider implements ai.Describer
func (c *Client) Provider() string { return ProviderName }

// Model implements ai.Describer
func (c *Client) Model() string { return c.config.Model }

// BuildContents splits rendered messages into the system instruction and
// the conversation contents. Assistant turns use the SDK's "model" role.
func BuildContents(messages []prompt.Message) (*genai.Content, []*genai.Content) {
	var system []*genai.Part
	var contents []*genai.Content
	for _, m := range messages {
		if m.Role == prompt.RoleSystem {
			system = append(system, &genai.Part{Text: m.Content})
			continue
		}
		role := roleUser
		if m.Role == prompt.RoleAssistant {
			role = roleModel
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}
	if len(contents) == 0 {
		contents = append(contents, &genai.Content{Role: roleUser, Parts: []*genai.Part{{Text: ""}}})
	}

	var instruction *genai.Content
	if len(system) > 0 {
		instruction = &genai.Content{Parts: system}
	}
	return instruction, contents
}

// Complete implements ai.Backend. One request, no retries.
func (c *Client) Complete(ctx context.Context, messages []prompt.Message) (*ai.Completion, error) {
	temperature := *c.config.Temperature
	model := c.config.Model

	system, contents := BuildContents(messages)
	genConfig := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(float32(temperature)),
		SystemInstruction: system,
	}
	if c.config.MaxTokens != nil {
		genConfig.MaxOutputTokens = int32(*c.config.MaxTokens)
	}

	log := logger.ChildLogger(c.logger, logger.FieldsFromContext(ctx)...)
	log.Debugw("Gemini generate request", logger.FieldModel, model, logger.FieldCount, len(contents))

	call := tracker.StartCall(ctx, ProviderName, model, c.config.OperationType, &temperature, c.config.MaxTokens, len(messages))
	resp, err := c.models.GenerateContent(ctx, model, contents, genConfig)
	if err != nil {
		berr := classify(err)
		log.Warnw("Gemini API error",
			logger.FieldError, berr,
			logger.FieldModel, model,
			logger.FieldRetriable, berr.Retriable,
		)
		c.usageTracker.Record(c.logger, call, nil, berr)
		return nil, berr
	}
	if resp == nil || len(resp.Candidates) == 0 {
		berr := ai.NewBackendError(ProviderName, ai.KindMalformed, errors.New("no candidates in Gemini response"))
		c.usageTracker.Record(c.logger, call, nil, berr)
		return nil, berr
	}

	completion := &ai.Completion{
		Role:         prompt.RoleAssistant,
		Content:      strings.TrimSpace(resp.Text()),
		Model:        model,
		Provider:     ProviderName,
		FinishReason: string(resp.Candidates[0].FinishReason),
	}
	if resp.ModelVersion != "" {
		completion.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		completion.Usage = ai.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}

	log.Debugw("Gemini response", logger.FieldSize, len(completion.Content), logger.FieldTokens, completion.Usage.TotalTokens)
	c.usageTracker.Record(c.logger, call, completion, nil)
	return completion, nil
}

// classify maps SDK errors onto backend error kinds
func classify(err error) *ai.BackendError {
	var apiErr genai.APIError
	code := 0
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	} else {
		var apiErrPtr *genai.APIError
		if errors.As(err, &apiErrPtr) {
			code = apiErrPtr.Code
		}
	}

	var kind ai.ErrorKind
	var retriable bool
	if code != 0 {
		kind, retriable = ai.ClassifyStatus(code)
	} else {
		kind, retriable = ai.ClassifyTransport(err)
	}
	return &ai.BackendError{Provider: ProviderName, Kind: kind, Retriable: retriable, StatusCode: code, Err: err}
}
