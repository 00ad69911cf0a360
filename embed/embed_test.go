package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/errors"
)

func TestHashing(t *testing.T) {
	h := NewHashing(64)
	assert.Equal(t, 64, h.Dim())
	assert.Equal(t, "hashing-64", h.Name())

	vecs, err := h.Embed(context.Background(), []string{
		"The capital of France is Paris",
		"the CAPITAL of france, is paris!",
		"Quantum chromodynamics of gluons",
		"",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 4)

	for _, v := range vecs[:3] {
		assert.Len(t, v, 64)
		assert.InDelta(t, 1.0, Cosine(v, v), 1e-6)
	}
	assert.InDelta(t, 1.0, Cosine(vecs[0], vecs[1]), 1e-6, "case and punctuation are ignored")
	assert.Greater(t, Cosine(vecs[0], vecs[1]), Cosine(vecs[0], vecs[2]))
	assert.Zero(t, Cosine(vecs[0], vecs[3]), "empty text embeds to the zero vector")

	again, err := h.Embed(context.Background(), []string{"The capital of France is Paris"})
	require.NoError(t, err)
	assert.Equal(t, vecs[0], again[0], "deterministic")

	assert.Equal(t, DefaultHashingDim, NewHashing(0).Dim())
}

func TestHashing_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHashing(8).Embed(ctx, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42"}, Tokenize("Hello, World! 42"))
	assert.Empty(t, Tokenize("  ... "))
}

func TestCosineAndNormalize(t *testing.T) {
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-2, 0}), 1e-9)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))

	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.Equal(t, []float32{0, 0}, Normalize([]float32{0, 0}))
}

func TestOllama(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)

		resp := ollamaResponse{Model: req.Model}
		for i := range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(i), 1, 0})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	o := NewOllama(server.URL, "")
	assert.Zero(t, o.Dim())

	vecs, err := o.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1, 0}, {1, 1, 0}}, vecs)
	assert.Equal(t, 3, o.Dim())

	v, err := EmbedOne(context.Background(), o, "c")
	require.NoError(t, err)
	assert.Len(t, v, 3)
}

func TestOllama_Mismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings": []}`))
	}))
	defer server.Close()

	_, err := NewOllama(server.URL, "m").Embed(context.Background(), []string{"a"})
	assert.Error(t, err)
}

type fakeEmbedContent struct {
	config *genai.EmbedContentConfig
}

func (f *fakeEmbedContent) EmbedContent(_ context.Context, _ string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	f.config = config
	resp := &genai.EmbedContentResponse{}
	for range contents {
		resp.Embeddings = append(resp.Embeddings, &genai.ContentEmbedding{Values: []float32{0.1, 0.2}})
	}
	return resp, nil
}

func TestGemini(t *testing.T) {
	fake := &fakeEmbedContent{}
	g := newGemini(fake, "", 0)
	assert.Equal(t, "gemini-text-embedding-004", g.Name())

	vecs, err := g.Embed(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Nil(t, fake.config)
	assert.Equal(t, 2, g.Dim())

	sized := newGemini(fake, "m", 128)
	_, err = sized.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.NotNil(t, fake.config)
	assert.Equal(t, int32(128), *fake.config.OutputDimensionality)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	e, err := New(ctx, am.EmbeddingsConfig{Provider: "hashing", Dimensions: 32}, "")
	require.NoError(t, err)
	assert.Equal(t, 32, e.Dim())

	e, err = New(ctx, am.EmbeddingsConfig{Provider: "ollama", Model: "all-minilm"}, "")
	require.NoError(t, err)
	assert.Equal(t, "ollama-all-minilm", e.Name())

	_, err = New(ctx, am.EmbeddingsConfig{Provider: "gemini"}, "")
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = New(ctx, am.EmbeddingsConfig{Provider: "word2vec"}, "")
	assert.True(t, errors.IsInvalidRequestError(err))
}
