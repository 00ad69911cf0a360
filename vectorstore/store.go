// Package vectorstore stores embedding vectors with a JSON payload and answers
// nearest-neighbour queries by cosine similarity.
//
// Every backend keeps an insertion sequence per id: the first Upsert of an id
// fixes its position, later upserts replace vector and payload but keep it.
// Query results are ordered by descending score with ties broken by that
// sequence, so two equally similar records come back in the order they were
// first stored.
package vectorstore

import (
	"context"
	"math"
	"sort"

	"github.com/teranos/loom/errors"
)

// Backend names accepted by New
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendQdrant   = "qdrant"
	BackendPgvector = "pgvector"
)

// Store is the vector store capability consumed by the retriever
type Store interface {
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error
	Query(ctx context.Context, vector []float32, k int) ([]Hit, error)
}

// Hit is one query result
type Hit struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`

	seq int64
}

// sortHits orders hits by descending score, then ascending insertion sequence
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].seq < hits[j].seq
	})
}

// topK sorts hits and keeps the first k
func topK(hits []Hit, k int) []Hit {
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func validateUpsert(id string, vector []float32) error {
	if id == "" {
		return errors.NewInvalidRequestError("vector id cannot be empty")
	}
	return validateVector(vector)
}

func validateVector(vector []float32) error {
	if len(vector) == 0 {
		return errors.NewInvalidRequestError("vector cannot be empty")
	}
	var norm float64
	for _, x := range vector {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return errors.NewInvalidRequestError("vector contains NaN or Inf")
		}
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return errors.WithHint(
			errors.NewInvalidRequestError("vector has zero norm"),
			"cosine similarity is undefined for the zero vector; check that the embedded text is not empty",
		)
	}
	return nil
}

func validateK(k int) error {
	if k <= 0 {
		return errors.NewInvalidRequestError("k must be > 0, got %d", k)
	}
	return nil
}

// clonePayload copies the top level of a payload so stored values cannot be
// mutated through the caller's map
func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
