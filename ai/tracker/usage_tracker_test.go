package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/errors"
	loomtest "github.com/teranos/loom/internal/testing"
	"github.com/teranos/loom/logger"
)

func TestTrackUsage(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	tracker := NewUsageTracker(db, 1)

	now := time.Now()
	responseTime := now.Add(2 * time.Second)

	usage := &ModelUsage{
		OperationType:     "summarize",
		ChainName:         "capital",
		RunID:             "run-1",
		ModelName:         "gpt-4o-mini",
		ModelProvider:     "openrouter",
		ModelConfig:       NewModelConfig(float64Ptr(0.2), intPtr(2000)),
		RequestTimestamp:  now,
		ResponseTimestamp: &responseTime,
		PromptTokens:      intPtr(100),
		CompletionTokens:  intPtr(50),
		TokensUsed:        intPtr(150),
		Cost:              float64Ptr(0.05),
		Success:           true,
	}
	require.NoError(t, tracker.TrackUsage(usage))

	var stored ModelUsage
	err := db.QueryRow(`
		SELECT operation_type, chain_name, run_id, model_name, model_provider,
		       prompt_tokens, tokens_used, cost, success
		FROM ai_model_usage WHERE id = 1`).Scan(
		&stored.OperationType, &stored.ChainName, &stored.RunID,
		&stored.ModelName, &stored.ModelProvider, &stored.PromptTokens,
		&stored.TokensUsed, &stored.Cost, &stored.Success)
	require.NoError(t, err)

	assert.Equal(t, "summarize", stored.OperationType)
	assert.Equal(t, "capital", stored.ChainName)
	assert.Equal(t, "run-1", stored.RunID)
	assert.Equal(t, "gpt-4o-mini", stored.ModelName)
	assert.Equal(t, 100, *stored.PromptTokens)
	assert.Equal(t, 150, *stored.TokensUsed)
	assert.Equal(t, 0.05, *stored.Cost)
	assert.True(t, stored.Success)
}

func TestTrackUsageWithError(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	tracker := NewUsageTracker(db, 1)

	errorMsg := "API key invalid"
	require.NoError(t, tracker.TrackUsage(&ModelUsage{
		OperationType:    "completion",
		ModelName:        "claude-3-haiku",
		ModelProvider:    "openrouter",
		RequestTimestamp: time.Now(),
		Success:          false,
		ErrorMessage:     &errorMsg,
	}))

	var storedSuccess bool
	var storedErrorMsg sql.NullString
	err := db.QueryRow("SELECT success, error_message FROM ai_model_usage WHERE id = 1").Scan(&storedSuccess, &storedErrorMsg)
	require.NoError(t, err)
	assert.False(t, storedSuccess)
	assert.Equal(t, "API key invalid", storedErrorMsg.String)

	assert.Error(t, tracker.TrackUsage(nil))
}

func seedUsage(t *testing.T, tracker *UsageTracker, at time.Time) {
	t.Helper()
	responseTime := at.Add(2 * time.Second)
	usages := []*ModelUsage{
		{ChainName: "summary", ModelName: "gpt-4o-mini", ModelProvider: "openrouter", RequestTimestamp: at, ResponseTimestamp: &responseTime, TokensUsed: intPtr(100), Cost: float64Ptr(0.02), Success: true},
		{ChainName: "summary", ModelName: "gpt-4o-mini", ModelProvider: "openrouter", RequestTimestamp: at, ResponseTimestamp: &responseTime, TokensUsed: intPtr(200), Cost: float64Ptr(0.04), Success: true},
		{ChainName: "score", ModelName: "claude-3-haiku", ModelProvider: "openrouter", RequestTimestamp: at, ResponseTimestamp: &responseTime, TokensUsed: intPtr(150), Cost: float64Ptr(0.03), Success: true},
		{ChainName: "score", ModelName: "gpt-4o-mini", ModelProvider: "openrouter", RequestTimestamp: at, Success: false},
	}
	for _, u := range usages {
		u.OperationType = "completion"
		require.NoError(t, tracker.TrackUsage(u))
	}
}

func TestGetUsageStats(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	tracker := NewUsageTracker(db, 1)

	now := time.Now()
	seedUsage(t, tracker, now.Add(-time.Hour))

	stats, err := tracker.GetUsageStats(now.Add(-2 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalRequests)
	assert.Equal(t, 3, stats.SuccessfulRequests)
	assert.Equal(t, 450, stats.TotalTokens)
	assert.InDelta(t, 0.09, stats.TotalCost, 1e-9)
	assert.Equal(t, 2, stats.UniqueModels)
	assert.InDelta(t, 0.75, stats.SuccessRate, 0.001)

	recent, err := tracker.GetUsageStats(now.Add(-30 * time.Minute))
	require.NoError(t, err)
	assert.Zero(t, recent.TotalRequests)
	assert.Zero(t, recent.TotalTokens)
	assert.Zero(t, recent.SuccessRate)
}

func TestGetModelBreakdown(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	tracker := NewUsageTracker(db, 1)

	now := time.Now()
	seedUsage(t, tracker, now.Add(-time.Hour))

	breakdown, err := tracker.GetModelBreakdown(now.Add(-2 * time.Hour))
	require.NoError(t, err)
	require.Len(t, breakdown, 2)

	// ordered by cost, failed calls excluded
	gpt := breakdown[0]
	assert.Equal(t, "gpt-4o-mini", gpt.ModelName)
	assert.Equal(t, 2, gpt.RequestCount)
	assert.Equal(t, 300, gpt.TotalTokens)
	assert.InDelta(t, 0.06, gpt.TotalCost, 1e-9)
	require.NotNil(t, gpt.AvgResponseTimeMs)
	assert.InDelta(t, 2000, *gpt.AvgResponseTimeMs, 1)
}

func TestGetChainBreakdown(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	tracker := NewUsageTracker(db, 1)

	now := time.Now()
	seedUsage(t, tracker, now.Add(-time.Hour))

	chains, err := tracker.GetChainBreakdown(now.Add(-2 * time.Hour))
	require.NoError(t, err)
	require.Len(t, chains, 2)

	// equal request counts, so name order decides
	assert.Equal(t, "score", chains[0].ChainName)
	assert.Equal(t, 2, chains[0].RequestCount)
	assert.Equal(t, 1, chains[0].FailedCount)
	assert.Equal(t, "summary", chains[1].ChainName)
	assert.Equal(t, 300, chains[1].TotalTokens)
}

func TestNewModelConfig(t *testing.T) {
	temp := 0.7
	maxTokens := 1000

	config := NewModelConfig(&temp, &maxTokens)
	require.NotNil(t, config)
	assert.JSONEq(t, `{"temperature":0.7,"max_tokens":1000}`, *config)

	assert.Nil(t, NewModelConfig(nil, nil))
	assert.NotNil(t, NewModelConfig(&temp, nil))
}

func TestCall_Finish(t *testing.T) {
	ctx := ai.WithChainName(logger.WithRunID(context.Background(), "run-9"), "capital")
	temp := 0.2

	t.Run("success records tokens and cost", func(t *testing.T) {
		call := StartCall(ctx, "anthropic", "claude-sonnet-4-20250514", "", &temp, nil, 2)
		usage := call.Finish(&ai.Completion{
			Content:      "Paris",
			FinishReason: "end_turn",
			Usage:        ai.Usage{PromptTokens: 1_000_000, CompletionTokens: 0},
		}, nil)

		assert.True(t, usage.Success)
		assert.Equal(t, DefaultOperationType, usage.OperationType)
		assert.Equal(t, "capital", usage.ChainName)
		assert.Equal(t, "run-9", usage.RunID)
		require.NotNil(t, usage.TokensUsed)
		assert.Equal(t, 1_000_000, *usage.TokensUsed)
		require.NotNil(t, usage.Cost)
		assert.InDelta(t, 3.00, *usage.Cost, 1e-9)
		assert.Nil(t, usage.ErrorMessage)

		var meta UsageMetadata
		require.NoError(t, json.Unmarshal([]byte(*usage.Metadata), &meta))
		assert.Equal(t, "end_turn", meta.FinishReason)
		assert.Equal(t, 2, meta.MessageCount)
	})

	t.Run("failure records error kind", func(t *testing.T) {
		call := StartCall(ctx, "openrouter", "openai/gpt-4o-mini", "chain", nil, nil, 1)
		err := &ai.BackendError{Provider: "openrouter", Kind: ai.KindRateLimited, StatusCode: 429, Err: errors.New("slow down")}
		usage := call.Finish(nil, err)

		assert.False(t, usage.Success)
		require.NotNil(t, usage.ErrorMessage)
		assert.Contains(t, *usage.ErrorMessage, "slow down")
		assert.Nil(t, usage.TokensUsed)

		var meta UsageMetadata
		require.NoError(t, json.Unmarshal([]byte(*usage.Metadata), &meta))
		assert.Equal(t, "rate_limited", meta.ErrorKind)
		assert.Equal(t, 429, meta.StatusCode)
	})

	t.Run("nil tracker record is a no-op", func(t *testing.T) {
		var tr *UsageTracker
		assert.NotPanics(t, func() {
			tr.Record(nil, StartCall(ctx, "local", "llama", "", nil, nil, 1), nil, nil)
		})
	})
}

func TestCalculateCost(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
		prompt   int
		complete int
		want     float64
	}{
		{"openrouter known model", "openrouter", "openai/gpt-4o-mini", 1_000_000, 1_000_000, 0.75},
		{"anthropic known model", "anthropic", "claude-3-haiku-20240307", 2_000_000, 0, 0.50},
		{"anthropic latest alias", "anthropic", "claude-3-5-haiku-latest", 0, 1_000_000, 4.00},
		{"gemini known model", "gemini", "gemini-2.0-flash", 1_000_000, 0, 0.10},
		{"unknown model falls back", "openrouter", "nobody/unknown", 10, 10, DefaultPricingFallback},
		{"unknown provider falls back", "acme", "x", 10, 10, DefaultPricingFallback},
		{"local is free", "local", "llama3.2:3b", 1_000_000, 1_000_000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CalculateCost(tt.provider, tt.model, tt.prompt, tt.complete), 1e-9)
		})
	}
}

// --- Sqlmock Tests ---

func TestTrackUsage_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tracker := NewUsageTracker(db, 1)
	usage := &ModelUsage{
		OperationType:    "completion",
		ChainName:        "summary",
		ModelName:        "gpt-4o-mini",
		ModelProvider:    "openrouter",
		RequestTimestamp: time.Now(),
		TokensUsed:       intPtr(100),
		Cost:             float64Ptr(0.02),
		Success:          true,
	}

	mock.ExpectExec(`INSERT INTO ai_model_usage`).
		WithArgs(
			usage.OperationType,
			usage.ChainName,
			usage.RunID,
			usage.ModelName,
			usage.ModelProvider,
			sqlmock.AnyArg(), // model_config
			usage.RequestTimestamp,
			sqlmock.AnyArg(), // response_timestamp
			sqlmock.AnyArg(), // prompt_tokens
			sqlmock.AnyArg(), // completion_tokens
			usage.TokensUsed,
			usage.Cost,
			usage.Success,
			sqlmock.AnyArg(), // error_message
			sqlmock.AnyArg(), // metadata
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, tracker.TrackUsage(usage))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackUsage_SqlmockFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO ai_model_usage`).WillReturnError(sql.ErrConnDone)

	err = NewUsageTracker(db, 1).TrackUsage(&ModelUsage{ModelName: "m", ModelProvider: "p", RequestTimestamp: time.Now()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sql.ErrConnDone))
	assert.Contains(t, err.Error(), "p/m")
}

func TestGetUsageStats_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	since := time.Now().Add(-1 * time.Hour)
	rows := sqlmock.NewRows([]string{
		"total_requests", "successful_requests", "total_tokens", "total_cost", "unique_models",
	}).AddRow(10, 8, 1500, 0.50, 3)

	mock.ExpectQuery(`SELECT.*FROM ai_model_usage WHERE request_timestamp`).
		WithArgs(since).
		WillReturnRows(rows)

	stats, err := NewUsageTracker(db, 1).GetUsageStats(since)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.TotalRequests)
	assert.Equal(t, 8, stats.SuccessfulRequests)
	assert.Equal(t, 1500, stats.TotalTokens)
	assert.InDelta(t, 0.8, stats.SuccessRate, 0.001)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetModelBreakdown_SqlmockScanError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	since := time.Now().Add(-2 * time.Hour)
	rows := sqlmock.NewRows([]string{
		"model_name", "model_provider", "request_count", "total_tokens", "total_cost", "avg_response_time_ms",
	}).AddRow("gpt-4o-mini", "openrouter", "not-a-number", 300, 0.06, 2000.0)

	mock.ExpectQuery(`SELECT.*FROM ai_model_usage WHERE request_timestamp.*AND success.*GROUP BY model_name, model_provider ORDER BY total_cost DESC`).
		WithArgs(since).
		WillReturnRows(rows)

	_, err = NewUsageTracker(db, 1).GetModelBreakdown(since)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func intPtr(i int) *int {
	return &i
}

func float64Ptr(f float64) *float64 {
	return &f
}
