// Package embed turns text into vectors for similarity search.
package embed

import (
	"context"
	"math"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/errors"
)

// Embedder maps texts to fixed-dimension vectors, one per input, in order
type Embedder interface {
	Name() string
	Dim() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedOne embeds a single text
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, errors.Newf("embedder %s returned %d vectors for 1 input", e.Name(), len(vecs))
	}
	return vecs[0], nil
}

// Normalize scales v to unit length in place. Zero vectors are left alone.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// Cosine returns the cosine similarity of a and b, 0 when either is zero
// or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// New builds the embedder named by cfg.Provider. geminiAPIKey is only
// consulted for the gemini provider.
func New(ctx context.Context, cfg am.EmbeddingsConfig, geminiAPIKey string) (Embedder, error) {
	switch cfg.Provider {
	case "", ProviderHashing:
		return NewHashing(cfg.Dimensions), nil
	case ProviderOllama:
		return NewOllama(cfg.BaseURL, cfg.Model), nil
	case ProviderGemini:
		return NewGemini(ctx, geminiAPIKey, cfg.Model, cfg.Dimensions)
	}
	return nil, errors.WithHint(
		errors.NewInvalidRequestError("unknown embeddings provider: %s", cfg.Provider),
		"valid providers: hashing, ollama, gemini",
	)
}

// Provider names accepted by New
const (
	ProviderHashing = "hashing"
	ProviderOllama  = "ollama"
	ProviderGemini  = "gemini"
)
