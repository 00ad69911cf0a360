package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/db"
	"github.com/teranos/loom/logger"
)

// Call captures one in-flight backend request so clients can record it in
// both the success and failure paths with the same context.
type Call struct {
	Provider      string
	Model         string
	OperationType string
	ChainName     string
	RunID         string
	Temperature   *float64
	MaxTokens     *int
	MessageCount  int
	Started       time.Time
}

// DefaultOperationType is recorded when a client has no operation type configured
const DefaultOperationType = "completion"

// StartCall begins tracking a request, picking up chain name and run id from ctx
func StartCall(ctx context.Context, provider, model, operationType string, temperature *float64, maxTokens *int, messageCount int) *Call {
	if operationType == "" {
		operationType = DefaultOperationType
	}
	return &Call{
		Provider:      provider,
		Model:         model,
		OperationType: operationType,
		ChainName:     ai.ChainNameFromContext(ctx),
		RunID:         logger.RunIDFromContext(ctx),
		Temperature:   temperature,
		MaxTokens:     maxTokens,
		MessageCount:  messageCount,
		Started:       time.Now(),
	}
}

// Finish builds the usage row for the finished call. Pass the completion on
// success or the error on failure.
func (c *Call) Finish(completion *ai.Completion, err error) *ModelUsage {
	responseTime := time.Now()
	usage := &ModelUsage{
		OperationType:     c.OperationType,
		ChainName:         c.ChainName,
		RunID:             c.RunID,
		ModelName:         c.Model,
		ModelProvider:     c.Provider,
		ModelConfig:       NewModelConfig(c.Temperature, c.MaxTokens),
		RequestTimestamp:  c.Started,
		ResponseTimestamp: &responseTime,
		Success:           err == nil,
	}

	meta := UsageMetadata{MessageCount: c.MessageCount}
	if err != nil {
		errMsg := err.Error()
		usage.ErrorMessage = &errMsg
		if be, ok := ai.AsBackendError(err); ok {
			meta.ErrorKind = string(be.Kind)
			meta.StatusCode = be.StatusCode
		}
	}
	if completion != nil {
		if completion.Model != "" {
			usage.ModelName = completion.Model
		}
		promptTokens := completion.Usage.PromptTokens
		completionTokens := completion.Usage.CompletionTokens
		total := completion.Usage.TotalTokens
		if total == 0 {
			total = promptTokens + completionTokens
		}
		cost := CalculateCost(c.Provider, c.Model, promptTokens, completionTokens)
		usage.PromptTokens = &promptTokens
		usage.CompletionTokens = &completionTokens
		usage.TokensUsed = &total
		usage.Cost = &cost

		outLen := len(completion.Content)
		meta.OutputLength = &outLen
		meta.FinishReason = completion.FinishReason
	}
	usage.Metadata = NewUsageMetadata(meta)
	return usage
}

// Record finishes c and stores it. A nil tracker is a no-op. Tracking
// failures are logged and never surface to the caller.
func (t *UsageTracker) Record(log *zap.SugaredLogger, c *Call, completion *ai.Completion, err error) {
	if t == nil || c == nil {
		return
	}
	usage := c.Finish(completion, err)
	if trackErr := t.TrackUsage(usage); trackErr != nil {
		// Shutdown closes the database under in-flight requests
		if db.IsDatabaseClosed(trackErr) {
			logger.OrNop(log).Debugw("Usage not tracked, database closed", logger.FieldProvider, c.Provider)
			return
		}
		logger.OrNop(log).Warnw("Failed to track usage",
			logger.FieldError, trackErr,
			logger.FieldProvider, c.Provider,
			logger.FieldModel, c.Model,
		)
	}
}
