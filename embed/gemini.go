package embed

import (
	"context"
	"sync/atomic"

	"google.golang.org/genai"

	"github.com/teranos/loom/errors"
)

// DefaultGeminiModel is used when no embedding model is configured
const DefaultGeminiModel = "text-embedding-004"

type contentEmbedder interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// Gemini embeds through the GenAI SDK's EmbedContent
type Gemini struct {
	models    contentEmbedder
	model     string
	requested int // output dimensionality sent to the API, 0 = native
	dim       atomic.Int64
}

// NewGemini creates a Gemini embedder. dim <= 0 keeps the model's native size.
func NewGemini(ctx context.Context, apiKey, model string, dim int) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.WithHint(
			errors.Wrap(errors.ErrInvalidRequest, "Gemini API key not configured"),
			"set GEMINI_API_KEY or gemini.api_key in am.toml",
		)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GenAI client")
	}
	return newGemini(client.Models, model, dim), nil
}

func newGemini(models contentEmbedder, model string, dim int) *Gemini {
	if model == "" {
		model = DefaultGeminiModel
	}
	if dim < 0 {
		dim = 0
	}
	g := &Gemini{models: models, model: model, requested: dim}
	g.dim.Store(int64(dim))
	return g
}

// Name implements Embedder
func (g *Gemini) Name() string { return ProviderGemini + "-" + g.model }

// Dim implements Embedder; 0 until known when no dimension was requested
func (g *Gemini) Dim() int { return int(g.dim.Load()) }

// Embed implements Embedder
func (g *Gemini) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: t}}}
	}

	var config *genai.EmbedContentConfig
	if g.requested > 0 {
		config = &genai.EmbedContentConfig{OutputDimensionality: genai.Ptr(int32(g.requested))}
	}

	resp, err := g.models.EmbedContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, errors.Wrapf(err, "embed %d texts with %s", len(texts), g.model)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, errors.Newf("gemini returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	if len(out[0]) > 0 {
		g.dim.CompareAndSwap(0, int64(len(out[0])))
	}
	return out, nil
}
