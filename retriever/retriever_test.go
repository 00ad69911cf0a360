package retriever

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/chain"
	"github.com/teranos/loom/embed"
	"github.com/teranos/loom/errors"
	loomtest "github.com/teranos/loom/internal/testing"
	"github.com/teranos/loom/prompt"
	"github.com/teranos/loom/record"
	"github.com/teranos/loom/vectorstore"
)

// axisEmbedder maps known texts onto fixed vectors
type axisEmbedder map[string][]float32

func (a axisEmbedder) Name() string { return "axis" }
func (a axisEmbedder) Dim() int     { return 2 }
func (a axisEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := a[t]
		if !ok {
			return nil, errors.Newf("unknown text %q", t)
		}
		out[i] = v
	}
	return out, nil
}

var axes = axisEmbedder{
	"paris is in france":   {1, 0},
	"lyon is in france":    {1, 0},
	"berlin is in germany": {0, 1},
	"cities in france":     {0.9, 0.1},
	"mostly germany":       {0.2, 0.8},
}

func indexed(t *testing.T, store vectorstore.Store) *Retriever {
	t.Helper()
	r := New(axes, store, nil)
	_, err := r.Index(context.Background(), []record.Record{
		record.New("paris is in france", map[string]any{record.MetaID: "paris"}),
		record.New("berlin is in germany", map[string]any{record.MetaID: "berlin"}),
		record.New("lyon is in france", map[string]any{record.MetaID: "lyon", "region": "rhone"}),
	})
	require.NoError(t, err)
	return r
}

func TestAugment(t *testing.T) {
	r := indexed(t, vectorstore.NewMemory())
	pctx, err := prompt.NewContextFrom(map[string]any{"question": "cities in france"})
	require.NoError(t, err)

	out, err := r.Augment(context.Background(), pctx, "cities in france", 2)
	require.NoError(t, err)
	assert.Same(t, pctx, out)

	v, ok := pctx.Get(RetrievedKey)
	require.True(t, ok)
	items := v.([]any)
	require.Len(t, items, 2)

	first := items[0].(map[string]any)
	second := items[1].(map[string]any)
	assert.Equal(t, "paris", first["id"], "equal scores keep insertion order")
	assert.Equal(t, "lyon", second["id"])
	assert.Equal(t, "paris is in france", first["text"])
	assert.Equal(t, first["score"], second["score"])
	assert.Equal(t, "rhone", second["metadata"].(map[string]any)["region"])
}

func TestAugment_SQLiteStore(t *testing.T) {
	r := indexed(t, vectorstore.NewSQLite(loomtest.CreateTestDB(t), "retriever", nil))
	pctx := prompt.NewContext()

	_, err := r.Augment(context.Background(), pctx, "mostly germany", 3)
	require.NoError(t, err)

	v, _ := pctx.Get(RetrievedKey)
	var ids []string
	for _, item := range v.([]any) {
		ids = append(ids, item.(map[string]any)["id"].(string))
	}
	assert.Equal(t, []string{"berlin", "paris", "lyon"}, ids)
}

func TestAugment_IsAdditive(t *testing.T) {
	r := indexed(t, vectorstore.NewMemory())

	pctx, err := prompt.NewContextFrom(map[string]any{RetrievedKey: "mine"})
	require.NoError(t, err)
	_, err = r.Augment(context.Background(), pctx, "cities in france", 1)
	assert.True(t, errors.IsConflictError(err))
	v, _ := pctx.Get(RetrievedKey)
	assert.Equal(t, "mine", v)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	empty := prompt.NewContext()
	_, err = r.Augment(ctx, empty, "cities in france", 1)
	assert.True(t, errors.IsCancelledError(err))
	assert.Zero(t, empty.Len())

	_, err = r.Augment(context.Background(), empty, "not embeddable", 1)
	require.Error(t, err)
	assert.Zero(t, empty.Len())
}

func TestAugment_NilContext(t *testing.T) {
	r := indexed(t, vectorstore.NewMemory())
	_, err := r.Augment(context.Background(), nil, "cities in france", 1)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestRetrievalFeedsChain(t *testing.T) {
	r := indexed(t, vectorstore.NewMemory())
	step, err := NewStep("lookup", "{{#user}}{{question}}{{/user}}", 1, r)
	require.NoError(t, err)
	assert.Equal(t, []string{"question"}, step.Variables())

	var sent []prompt.Message
	backend := ai.BackendFunc(func(_ context.Context, msgs []prompt.Message) (*ai.Completion, error) {
		sent = msgs
		return &ai.Completion{Content: "Paris"}, nil
	})
	answer, err := chain.FromSource(
		"{{#system}}Context:{{#each retrieved as doc}} {{doc.text}}{{/each}}{{/system}}{{#user}}{{question}}{{/user}}",
		backend, chain.WithOutputKey("answer"))
	require.NoError(t, err)

	comp, err := chain.NewComposer([]chain.Step{step, answer})
	require.NoError(t, err)

	pctx, err := prompt.NewContextFrom(map[string]any{"question": "cities in france"})
	require.NoError(t, err)
	run, err := comp.Run(context.Background(), pctx)
	require.NoError(t, err)

	assert.Equal(t, "Context: paris is in france", sent[0].Content)
	assert.Equal(t, "Paris", run.Steps[1].Result.Value)
}

func TestIndex(t *testing.T) {
	store := vectorstore.NewMemory()
	r := New(embed.NewHashing(32), store, nil)
	r.batchSize = 2

	recs := record.New("one two three four five six", map[string]any{record.MetaSource: "doc.txt"}).Split(3)
	ids, err := r.Index(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, 3, store.Len())

	again, err := r.Index(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, ids, again, "ids are stable for sourced records")
	assert.Equal(t, 3, store.Len())

	payload, err := store.Get(context.Background(), ids[1])
	require.NoError(t, err)
	assert.Equal(t, "three four", payload[PayloadText])
}

func TestRecordID(t *testing.T) {
	assert.Equal(t, "given", RecordID(record.New("x", map[string]any{record.MetaID: " given "})))
	a := RecordID(record.New("x", map[string]any{record.MetaSource: "s", record.MetaChunk: 0}))
	b := RecordID(record.New("y", map[string]any{record.MetaSource: "s", record.MetaChunk: 1}))
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, RecordID(record.New("x", nil)), RecordID(record.New("x", nil)))
}

func TestNewStep_Validation(t *testing.T) {
	_, err := NewStep("s", "{{q}}", 0, nil)
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = NewStep("s", "{{#user}}", 1, nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}
