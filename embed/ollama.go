package embed

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/internal/httpclient"
)

// DefaultOllamaModel is used when no embedding model is configured
const DefaultOllamaModel = "nomic-embed-text"

// Ollama calls a local Ollama server's /api/embed endpoint
type Ollama struct {
	baseURL    string
	model      string
	httpClient *httpclient.SaferClient
	dim        atomic.Int64
}

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllama creates an Ollama embedder. Private addresses are allowed.
func NewOllama(baseURL, model string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpclient.NewLocal(60 * time.Second),
	}
}

// Name implements Embedder
func (o *Ollama) Name() string { return ProviderOllama + "-" + o.model }

// Dim reports the dimension seen in the last response, 0 before the first call
func (o *Ollama) Dim() int { return int(o.dim.Load()) }

// Embed implements Embedder
func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp ollamaResponse
	err := ai.PostJSON(ctx, o.httpClient, ProviderOllama, o.baseURL+"/api/embed", nil, ollamaRequest{Model: o.model, Input: texts}, &resp)
	if err != nil {
		return nil, errors.Wrapf(err, "embed %d texts with %s", len(texts), o.model)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, errors.Newf("ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	if len(resp.Embeddings[0]) > 0 {
		o.dim.Store(int64(len(resp.Embeddings[0])))
	}
	return resp.Embeddings, nil
}
