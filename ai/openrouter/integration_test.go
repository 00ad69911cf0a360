//go:build integration

package openrouter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/prompt"
)

// Integration tests that hit the real OpenRouter API
// Run with: go test -tags=integration ./ai/openrouter
// Requires: OPENROUTER_API_KEY environment variable

func TestIntegration_RealAPI(t *testing.T) {
	apiKey := os.Getenv("OPENROUTER_API_KEY")
	if apiKey == "" {
		t.Skip("OPENROUTER_API_KEY not set, skipping integration tests")
	}

	temp := 0.1
	maxTokens := 50
	client := NewClient(Config{
		APIKey:      apiKey,
		Model:       "openai/gpt-4o-mini",
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	completion, err := client.Complete(ctx, []prompt.Message{
		{Role: prompt.RoleSystem, Content: "You are a test assistant. Respond briefly."},
		{Role: prompt.RoleUser, Content: "Say hello in exactly 3 words."},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, completion.Content)
	assert.NotZero(t, completion.Usage.TotalTokens)

	t.Logf("Response: %s", completion.Content)
	t.Logf("Token usage: %d total (%d prompt, %d completion)",
		completion.Usage.TotalTokens, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
}
