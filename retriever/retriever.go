// Package retriever augments a prompt context with the stored records most
// similar to a query, and indexes records for later retrieval.
package retriever

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/loom/chain"
	"github.com/teranos/loom/embed"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/prompt"
	"github.com/teranos/loom/record"
	"github.com/teranos/loom/vectorstore"
)

// RetrievedKey is the reserved context key Augment binds
const RetrievedKey = "retrieved"

// DefaultBatchSize is how many records Index embeds per call
const DefaultBatchSize = 32

// Payload keys written by Index
const (
	PayloadText     = "text"
	PayloadMetadata = "metadata"
)

// recordNamespace derives stable ids for records that carry a source
var recordNamespace = uuid.MustParse("b3f0a9c4-58e1-4f7e-a2d6-91c4e0b7d315")

// Retriever pairs an embedder with a vector store
type Retriever struct {
	embedder  embed.Embedder
	store     vectorstore.Store
	batchSize int
	log       *zap.SugaredLogger
}

// New creates a retriever
func New(embedder embed.Embedder, store vectorstore.Store, log *zap.SugaredLogger) *Retriever {
	return &Retriever{
		embedder:  embedder,
		store:     store,
		batchSize: DefaultBatchSize,
		log:       logger.OrNop(log),
	}
}

// Search embeds query and returns the k nearest stored records, highest
// similarity first, ties in store insertion order
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]vectorstore.Hit, error) {
	vec, err := embed.EmbedOne(ctx, r.embedder, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to embed query")
	}
	hits, err := r.store.Query(ctx, vec, k)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query vector store")
	}
	return hits, nil
}

// Augment binds the k records most similar to query under RetrievedKey in
// pctx, as a sequence of {id, score, text, metadata} mappings in hit order.
// It is purely additive: an existing binding is a ContextConflictError, and
// on any failure pctx is left unchanged.
func (r *Retriever) Augment(ctx context.Context, pctx *prompt.Context, query string, k int) (*prompt.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, &chain.CancelledError{Chain: RetrievedKey, Cause: err}
	}
	if pctx == nil {
		return nil, errors.NewInvalidRequestError("augment needs a context to bind %q into", RetrievedKey)
	}
	if pctx.Has(RetrievedKey) {
		return nil, &prompt.ContextConflictError{Key: RetrievedKey}
	}

	start := time.Now()
	hits, err := r.Search(ctx, query, k)
	if ctx.Err() != nil {
		return nil, &chain.CancelledError{Chain: RetrievedKey, Cause: ctx.Err()}
	}
	if err != nil {
		return nil, err
	}

	if err := pctx.Set(RetrievedKey, HitsValue(hits)); err != nil {
		return nil, err
	}

	r.log.Debugw("context augmented",
		logger.FieldCount, len(hits),
		"k", k,
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	return pctx, nil
}

// HitsValue converts hits to the context value Augment binds
func HitsValue(hits []vectorstore.Hit) []any {
	out := make([]any, len(hits))
	for i, h := range hits {
		item := map[string]any{
			"id":    h.ID,
			"score": h.Score,
		}
		for k, v := range h.Payload {
			if _, reserved := item[k]; !reserved {
				item[k] = v
			}
		}
		if _, ok := item[PayloadText]; !ok {
			item[PayloadText] = ""
		}
		out[i] = item
	}
	return out
}

// Index embeds records and upserts them, returning their ids in order.
// A record's id is its "id" metadata, else derived from its source and chunk,
// else random.
func (r *Retriever) Index(ctx context.Context, records []record.Record) ([]string, error) {
	ids := make([]string, 0, len(records))
	for start := 0; start < len(records); start += r.batchSize {
		end := min(start+r.batchSize, len(records))
		batch := records[start:end]

		texts := make([]string, len(batch))
		for i, rec := range batch {
			texts[i] = rec.Text()
		}
		vecs, err := r.embedder.Embed(ctx, texts)
		if err != nil {
			return ids, errors.Wrapf(err, "failed to embed records %d-%d", start, end-1)
		}
		if len(vecs) != len(batch) {
			return ids, errors.Newf("embedder %s returned %d vectors for %d records", r.embedder.Name(), len(vecs), len(batch))
		}

		for i, rec := range batch {
			id := RecordID(rec)
			payload := map[string]any{
				PayloadText:     rec.Text(),
				PayloadMetadata: rec.Metadata(),
			}
			if err := r.store.Upsert(ctx, id, vecs[i], payload); err != nil {
				return ids, errors.Wrapf(err, "failed to store record %s", id)
			}
			ids = append(ids, id)
		}

		r.log.Debugw("indexed batch",
			logger.FieldBatchSize, len(batch),
			logger.FieldCount, len(ids))
	}

	r.log.Infow("indexed records",
		logger.FieldCount, len(ids),
		"embedder", r.embedder.Name())
	return ids, nil
}

// RecordID returns the id Index stores rec under
func RecordID(rec record.Record) string {
	if id := strings.TrimSpace(rec.MetaString(record.MetaID)); id != "" {
		return id
	}
	if src := rec.MetaString(record.MetaSource); src != "" {
		key := src
		if chunk, ok := rec.Meta(record.MetaChunk); ok {
			key = fmt.Sprintf("%s#%v", src, chunk)
		}
		return uuid.NewSHA1(recordNamespace, []byte(key)).String()
	}
	return uuid.NewString()
}
