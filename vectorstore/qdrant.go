package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/internal/httpclient"
	"github.com/teranos/loom/logger"
)

// Reserved payload keys. Qdrant point ids must be UUIDs or integers, so the
// caller's id and the insertion sequence ride along in the payload.
const (
	qdrantIDKey  = "_loom_id"
	qdrantSeqKey = "_loom_seq"
)

// qdrantNamespace derives stable point UUIDs from string ids
var qdrantNamespace = uuid.MustParse("6f1c2b0e-7a51-4d3c-9a8e-3c1f6d0b9e42")

// qdrantTieSlack is how many extra points each search page asks for beyond k
const qdrantTieSlack = 8

// Qdrant talks to a Qdrant server over its REST API
type Qdrant struct {
	baseURL    string
	apiKey     string
	collection string
	httpClient *httpclient.SaferClient
	log        *zap.SugaredLogger

	mu      sync.Mutex
	ready   bool
	lastSeq int64
	now     func() time.Time
}

// QdrantConfig configures a Qdrant store
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
	Logger     *zap.SugaredLogger
}

// NewQdrant creates a Qdrant store. Private addresses are allowed since Qdrant
// usually runs next to loom.
func NewQdrant(cfg QdrantConfig) *Qdrant {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Qdrant{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		httpClient: httpclient.NewLocal(cfg.Timeout),
		log:        logger.OrNop(cfg.Logger),
		now:        time.Now,
	}
}

// PointID returns the UUID a string id is stored under
func PointID(id string) string {
	return uuid.NewSHA1(qdrantNamespace, []byte(id)).String()
}

type qdrantEnvelope struct {
	Status any             `json:"status"`
	Result json.RawMessage `json:"result"`
}

type qdrantPoint struct {
	ID      any            `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Score   float64        `json:"score,omitempty"`
}

// CreateCollection creates the collection with cosine distance.
// An existing collection is left as is.
func (q *Qdrant) CreateCollection(ctx context.Context, dim int) error {
	exists, err := q.CollectionExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	body := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	if err := q.do(ctx, http.MethodPut, q.collectionPath(""), body, nil); err != nil {
		return errors.Wrapf(err, "failed to create collection %s", q.collection)
	}
	q.log.Infow("created qdrant collection",
		logger.FieldCollection, q.collection,
		"dim", dim)
	return nil
}

func (q *Qdrant) ensureCollection(ctx context.Context, dim int) error {
	q.mu.Lock()
	ready := q.ready
	q.mu.Unlock()
	if ready {
		return nil
	}
	if err := q.CreateCollection(ctx, dim); err != nil {
		return err
	}
	q.mu.Lock()
	q.ready = true
	q.mu.Unlock()
	return nil
}

// DeleteCollection drops the collection and every point in it
func (q *Qdrant) DeleteCollection(ctx context.Context) error {
	if err := q.do(ctx, http.MethodDelete, q.collectionPath(""), nil, nil); err != nil {
		return errors.Wrapf(err, "failed to delete collection %s", q.collection)
	}
	q.mu.Lock()
	q.ready = false
	q.mu.Unlock()
	q.log.Infow("deleted qdrant collection", logger.FieldCollection, q.collection)
	return nil
}

// CollectionExists reports whether the collection is present
func (q *Qdrant) CollectionExists(ctx context.Context) (bool, error) {
	err := q.do(ctx, http.MethodGet, q.collectionPath(""), nil, nil)
	if errors.IsNotFoundError(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to look up collection %s", q.collection)
	}
	return true, nil
}

// Upsert implements Store. The collection is created on first use.
func (q *Qdrant) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	if err := validateUpsert(id, vector); err != nil {
		return err
	}
	if err := q.ensureCollection(ctx, len(vector)); err != nil {
		return err
	}

	pointID := PointID(id)
	seq, err := q.existingSeq(ctx, pointID)
	if err != nil {
		return err
	}
	if seq == 0 {
		seq = q.nextSeq()
	}

	stored := clonePayload(payload)
	stored[qdrantIDKey] = id
	stored[qdrantSeqKey] = seq

	body := map[string]any{
		"points": []qdrantPoint{{ID: pointID, Vector: vector, Payload: stored}},
	}
	if err := q.do(ctx, http.MethodPut, q.collectionPath("/points?wait=true"), body, nil); err != nil {
		return errors.Wrapf(err, "failed to upsert point %s", id)
	}

	q.log.Debugw("upserted qdrant point",
		logger.FieldCollection, q.collection,
		logger.FieldKey, id)
	return nil
}

// Query implements Store. Qdrant orders equal scores arbitrarily, so search
// pages continue past k while they still tie with the k-th score; the ties
// are then ordered by insertion sequence.
func (q *Qdrant) Query(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	if err := validateVector(vector); err != nil {
		return nil, err
	}

	limit := k + qdrantTieSlack
	var hits []Hit
	for offset := 0; ; offset += limit {
		body := map[string]any{
			"vector":       vector,
			"limit":        limit,
			"offset":       offset,
			"with_payload": true,
		}
		var points []qdrantPoint
		err := q.do(ctx, http.MethodPost, q.collectionPath("/points/search"), body, &points)
		if errors.IsNotFoundError(err) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to search %s (k=%d)", q.collection, k)
		}
		for _, p := range points {
			hits = append(hits, pointHit(p))
		}
		if len(points) < limit || len(hits) < k || hits[len(hits)-1].Score < hits[k-1].Score {
			break
		}
	}
	return topK(hits, k), nil
}

// existingSeq returns the stored sequence of a point, 0 when it is new
func (q *Qdrant) existingSeq(ctx context.Context, pointID string) (int64, error) {
	body := map[string]any{
		"ids":          []string{pointID},
		"with_payload": []string{qdrantSeqKey},
	}
	var points []qdrantPoint
	if err := q.do(ctx, http.MethodPost, q.collectionPath("/points"), body, &points); err != nil {
		return 0, errors.Wrapf(err, "failed to read point %s", pointID)
	}
	if len(points) == 0 {
		return 0, nil
	}
	return payloadSeq(points[0].Payload), nil
}

// nextSeq hands out increasing sequence numbers based on wall time, so
// separate processes writing the same collection still order by insertion.
// Microseconds keep the value exact through JSON's float64 numbers.
func (q *Qdrant) nextSeq() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	seq := q.now().UnixMicro()
	if seq <= q.lastSeq {
		seq = q.lastSeq + 1
	}
	q.lastSeq = seq
	return seq
}

func pointHit(p qdrantPoint) Hit {
	h := Hit{Score: p.Score, Payload: map[string]any{}}
	for k, v := range p.Payload {
		switch k {
		case qdrantIDKey:
			h.ID, _ = v.(string)
		case qdrantSeqKey:
		default:
			h.Payload[k] = v
		}
	}
	h.seq = payloadSeq(p.Payload)
	if h.ID == "" {
		h.ID = fmt.Sprint(p.ID)
	}
	return h
}

func payloadSeq(p map[string]any) int64 {
	switch v := p[qdrantSeqKey].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

func (q *Qdrant) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(q.collection) + suffix
}

// do sends one request and decodes the result field of the response into out.
// A 404 comes back as ErrNotFound.
func (q *Qdrant) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.Mark(err, errors.ErrServiceUnavailable), "qdrant request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read qdrant response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.NewNotFoundError("qdrant %s %s", method, path)
	case resp.StatusCode >= 500:
		return errors.Wrapf(errors.ErrServiceUnavailable, "qdrant %s %s: status %d: %s", method, path, resp.StatusCode, respBody)
	case resp.StatusCode != http.StatusOK:
		return errors.Newf("qdrant %s %s: status %d: %s", method, path, resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	var env qdrantEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return errors.Wrap(err, "failed to decode qdrant response")
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return errors.Wrap(err, "failed to decode qdrant result")
	}
	return nil
}
