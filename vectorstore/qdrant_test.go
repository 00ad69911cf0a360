package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/embed"
	"github.com/teranos/loom/errors"
)

type fakePoint struct {
	vector  []float32
	payload map[string]any
}

// fakeQdrant implements the handful of Qdrant endpoints the store calls.
// Search returns equal scores in reverse insertion order so the client has
// to apply the tie-break itself.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]map[string]*fakePoint
	order       map[string][]string
	apiKey      string
	requests    []string
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{
		collections: map[string]map[string]*fakePoint{},
		order:       map[string][]string{},
	}
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.apiKey = r.Header.Get("api-key")

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "collections" {
		http.NotFound(w, r)
		return
	}
	name := parts[1]
	points, exists := f.collections[name]

	reply := func(result any) {
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "result": result})
	}

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		if !exists {
			http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
			return
		}
		reply(map[string]any{"status": "green"})
	case len(parts) == 2 && r.Method == http.MethodPut:
		f.collections[name] = map[string]*fakePoint{}
		reply(true)
	case len(parts) == 2 && r.Method == http.MethodDelete:
		delete(f.collections, name)
		delete(f.order, name)
		reply(true)
	case !exists:
		http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
	case len(parts) == 3 && r.Method == http.MethodPut:
		var body struct {
			Points []struct {
				ID      string         `json:"id"`
				Vector  []float32      `json:"vector"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		for _, p := range body.Points {
			if _, ok := points[p.ID]; !ok {
				f.order[name] = append(f.order[name], p.ID)
			}
			points[p.ID] = &fakePoint{vector: p.Vector, payload: p.Payload}
		}
		reply(map[string]any{"status": "completed"})
	case len(parts) == 3 && r.Method == http.MethodPost:
		var body struct {
			IDs []string `json:"ids"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		var out []map[string]any
		for _, id := range body.IDs {
			if p, ok := points[id]; ok {
				out = append(out, map[string]any{"id": id, "payload": p.payload})
			}
		}
		reply(out)
	case len(parts) == 4 && parts[3] == "search":
		var body struct {
			Vector []float32 `json:"vector"`
			Limit  int       `json:"limit"`
			Offset int       `json:"offset"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		var out []map[string]any
		ids := f.order[name]
		for i := len(ids) - 1; i >= 0; i-- {
			p := points[ids[i]]
			if len(p.vector) != len(body.Vector) {
				continue
			}
			out = append(out, map[string]any{
				"id":      ids[i],
				"score":   embed.Cosine(body.Vector, p.vector),
				"payload": p.payload,
			})
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i]["score"].(float64) > out[j]["score"].(float64)
		})
		if body.Offset >= len(out) {
			out = nil
		} else {
			out = out[body.Offset:]
		}
		if len(out) > body.Limit {
			out = out[:body.Limit]
		}
		reply(out)
	default:
		http.NotFound(w, r)
	}
}

func newTestQdrant(t *testing.T) (*Qdrant, *fakeQdrant) {
	fake := newFakeQdrant()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	q := NewQdrant(QdrantConfig{URL: server.URL + "/", APIKey: "secret", Collection: "docs"})
	base := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return base }
	return q, fake
}

func TestQdrantStore(t *testing.T) {
	q, fake := newTestQdrant(t)
	testStoreContract(t, q)
	assert.Equal(t, "secret", fake.apiKey)
}

func TestQdrantStore_StripsReservedPayload(t *testing.T) {
	ctx := context.Background()
	q, fake := newTestQdrant(t)

	require.NoError(t, q.Upsert(ctx, "doc-1", []float32{1, 0}, map[string]any{"text": "hello"}))
	stored := fake.collections["docs"][PointID("doc-1")]
	require.NotNil(t, stored)
	assert.Equal(t, "doc-1", stored.payload[qdrantIDKey])

	hits, err := q.Query(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "doc-1", hits[0].ID)
	assert.Equal(t, map[string]any{"text": "hello"}, hits[0].Payload)
}

func TestQdrantStore_CollectionLifecycle(t *testing.T) {
	ctx := context.Background()
	q, fake := newTestQdrant(t)

	exists, err := q.CollectionExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	hits, err := q.Query(ctx, []float32{1}, 3)
	require.NoError(t, err, "searching a missing collection finds nothing")
	assert.Empty(t, hits)

	require.NoError(t, q.CreateCollection(ctx, 2))
	require.NoError(t, q.CreateCollection(ctx, 2))
	exists, err = q.CollectionExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, q.DeleteCollection(ctx))
	exists, err = q.CollectionExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	// the next upsert recreates it
	require.NoError(t, q.Upsert(ctx, "x", []float32{1, 1}, nil))
	assert.Contains(t, fake.collections, "docs")
}

func TestQdrantStore_TiesBeyondOnePage(t *testing.T) {
	ctx := context.Background()
	q, fake := newTestQdrant(t)

	limit := 2 + qdrantTieSlack
	n := 2*limit + 3
	for i := 0; i < n; i++ {
		require.NoError(t, q.Upsert(ctx, fmt.Sprintf("doc-%02d", i), []float32{1, 0}, nil))
	}
	fake.requests = nil

	hits, err := q.Query(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "doc-00", hits[0].ID)
	assert.Equal(t, "doc-01", hits[1].ID)
	assert.Len(t, fake.requests, 3, "pages until the ties run out")
}

func TestQdrantStore_ServerDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	q := NewQdrant(QdrantConfig{URL: server.URL, Collection: "docs"})
	_, err := q.Query(context.Background(), []float32{1}, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

func TestPointID(t *testing.T) {
	assert.Equal(t, PointID("a"), PointID("a"))
	assert.NotEqual(t, PointID("a"), PointID("b"))
	assert.Len(t, PointID("a"), 36)
}

func TestQdrantNextSeqIsMonotonic(t *testing.T) {
	q := NewQdrant(QdrantConfig{URL: "http://localhost:6333", Collection: "c"})
	fixed := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return fixed }

	first := q.nextSeq()
	second := q.nextSeq()
	assert.Equal(t, fixed.UnixMicro(), first)
	assert.Equal(t, first+1, second)
}
