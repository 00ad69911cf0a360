package gemini

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/prompt"
)

type fakeModels struct {
	resp     *genai.GenerateContentResponse
	err      error
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.contents = contents
	f.config = config
	return f.resp, f.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     8,
			CandidatesTokenCount: 2,
			TotalTokenCount:      10,
		},
	}
}

func TestBuildContents(t *testing.T) {
	system, contents := BuildContents([]prompt.Message{
		{Role: prompt.RoleSystem, Content: "Be brief."},
		{Role: prompt.RoleUser, Content: "Hi"},
		{Role: prompt.RoleAssistant, Content: "Hello"},
		{Role: prompt.RoleUser, Content: "Bye"},
	})

	require.NotNil(t, system)
	require.Len(t, system.Parts, 1)
	assert.Equal(t, "Be brief.", system.Parts[0].Text)

	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "Hello", contents[1].Parts[0].Text)
	assert.Equal(t, "user", contents[2].Role)

	system, contents = BuildContents(nil)
	assert.Nil(t, system)
	require.Len(t, contents, 1)
}

func TestClient_Complete(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fake := &fakeModels{resp: textResponse(" Paris ")}
		maxTokens := 64
		client := newClient(fake, Config{MaxTokens: &maxTokens})

		completion, err := client.Complete(context.Background(), []prompt.Message{
			{Role: prompt.RoleSystem, Content: "Be brief."},
			{Role: prompt.RoleUser, Content: "Capital of France?"},
		})
		require.NoError(t, err)

		assert.Equal(t, "Paris", completion.Content)
		assert.Equal(t, ProviderName, completion.Provider)
		assert.Equal(t, 10, completion.Usage.TotalTokens)
		assert.Equal(t, DefaultModel, fake.model)
		require.NotNil(t, fake.config.Temperature)
		assert.InDelta(t, 0.2, *fake.config.Temperature, 1e-6)
		assert.Equal(t, int32(64), fake.config.MaxOutputTokens)
		assert.NotNil(t, fake.config.SystemInstruction)
	})

	t.Run("api error is classified by code", func(t *testing.T) {
		fake := &fakeModels{err: genai.APIError{Code: 429, Message: "quota", Status: "RESOURCE_EXHAUSTED"}}
		client := newClient(fake, Config{})

		_, err := client.Complete(context.Background(), []prompt.Message{{Role: prompt.RoleUser, Content: "hi"}})
		be, ok := ai.AsBackendError(err)
		require.True(t, ok)
		assert.Equal(t, ai.KindRateLimited, be.Kind)
		assert.True(t, be.Retriable)
		assert.Equal(t, 429, be.StatusCode)
	})

	t.Run("transport error", func(t *testing.T) {
		fake := &fakeModels{err: errors.New("dial tcp: connection refused")}
		client := newClient(fake, Config{})

		_, err := client.Complete(context.Background(), []prompt.Message{{Role: prompt.RoleUser, Content: "hi"}})
		be, ok := ai.AsBackendError(err)
		require.True(t, ok)
		assert.Equal(t, ai.KindUnavailable, be.Kind)
	})

	t.Run("no candidates", func(t *testing.T) {
		client := newClient(&fakeModels{resp: &genai.GenerateContentResponse{}}, Config{})

		_, err := client.Complete(context.Background(), []prompt.Message{{Role: prompt.RoleUser, Content: "hi"}})
		be, ok := ai.AsBackendError(err)
		require.True(t, ok)
		assert.Equal(t, ai.KindMalformed, be.Kind)
	})
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}
