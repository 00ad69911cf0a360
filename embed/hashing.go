package embed

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"unicode"
)

// DefaultHashingDim is used when NewHashing gets a non-positive dimension
const DefaultHashingDim = 256

// Hashing is a deterministic bag-of-words embedder using the hashing trick.
// Unigrams and adjacent bigrams are hashed into buckets with a signed
// weight, then the vector is L2 normalized. It needs no model or network,
// which makes it the default for tests and offline runs.
type Hashing struct {
	dim int
}

// NewHashing creates a hashing embedder with dim buckets
func NewHashing(dim int) *Hashing {
	if dim <= 0 {
		dim = DefaultHashingDim
	}
	return &Hashing{dim: dim}
}

// Name implements Embedder
func (h *Hashing) Name() string { return ProviderHashing + "-" + strconv.Itoa(h.dim) }

// Dim implements Embedder
func (h *Hashing) Dim() int { return h.dim }

// Embed implements Embedder
func (h *Hashing) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *Hashing) vector(text string) []float32 {
	v := make([]float32, h.dim)
	tokens := Tokenize(text)
	for i, tok := range tokens {
		h.add(v, tok, 1)
		if i > 0 {
			h.add(v, tokens[i-1]+" "+tok, 0.5)
		}
	}
	return Normalize(v)
}

func (h *Hashing) add(v []float32, feature string, weight float32) {
	hasher := fnv.New64a()
	hasher.Write([]byte(feature))
	sum := hasher.Sum64()
	bucket := int(sum % uint64(h.dim))
	if sum>>63 == 1 {
		weight = -weight
	}
	v[bucket] += weight
}

// Tokenize lowercases text and splits it on anything that is not a letter or digit
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
