package chain

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/prompt"
)

// echoBackend answers with the last message upper-cased, after a delay that
// shrinks with the input so map calls finish out of order
func echoBackend(inflight, peak *atomic.Int32) ai.Backend {
	return ai.BackendFunc(func(ctx context.Context, msgs []prompt.Message) (*ai.Completion, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		last := msgs[len(msgs)-1].Content
		time.Sleep(time.Duration(10-len(last)%10) * time.Millisecond)
		return &ai.Completion{
			Content: strings.ToUpper(last),
			Usage:   ai.Usage{TotalTokens: 1},
		}, nil
	})
}

func TestMapReduce(t *testing.T) {
	var inflight, peak atomic.Int32
	backend := echoBackend(&inflight, &peak)

	mapper := mustChain(t, "{{#user}}{{doc.text}}{{/user}}", backend, WithName("map"))
	reducer := mustChain(t, "{{#user}}{{#each mapped as m}}{{m}};{{/each}}{{/user}}", backend, WithName("reduce"))

	mr, err := NewMapReduce(MapReduceConfig{
		Name:        "summarize",
		ItemsKey:    "docs",
		ItemName:    "doc",
		Map:         mapper,
		Reduce:      reducer,
		OutputKey:   "summary",
		Concurrency: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"docs"}, mr.Variables())

	pctx := mustContext(t, map[string]any{"docs": []any{
		map[string]any{"text": "a"},
		map[string]any{"text": "bb"},
		map[string]any{"text": "ccc"},
		map[string]any{"text": "dddd"},
	}})

	res, err := mr.Execute(context.Background(), pctx)
	require.NoError(t, err)
	assert.Equal(t, "A;BB;CCC;DDDD;", res.Value, "map outputs keep input order")
	assert.Equal(t, 5, res.Completion.Usage.TotalTokens)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	v, ok := pctx.Get("summary")
	require.True(t, ok)
	assert.Equal(t, "A;BB;CCC;DDDD;", v)
	assert.False(t, pctx.Has("doc"), "items are bound in child scopes only")
	assert.False(t, pctx.Has(MappedKey))
}

func TestMapReduce_InComposer(t *testing.T) {
	var inflight, peak atomic.Int32
	backend := echoBackend(&inflight, &peak)

	mr, err := NewMapReduce(MapReduceConfig{
		Name:      "mr",
		ItemsKey:  "items",
		Map:       mustChain(t, "{{item}} in {{lang}}", backend),
		Reduce:    mustChain(t, "{{#each mapped}}{{this}} {{/each}}", backend),
		OutputKey: "joined",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"items", "lang"}, mr.Variables())

	final := mustChain(t, "final: {{joined}}", backend, WithOutputKey("final"))
	comp, err := NewComposer([]Step{mr, final})
	require.NoError(t, err)

	run, err := comp.Run(context.Background(), mustContext(t, map[string]any{
		"items": []any{"x", "y"},
		"lang":  "go",
	}))
	require.NoError(t, err)
	assert.Equal(t, "FINAL: X IN GO Y IN GO", run.Steps[1].Result.Value)
}

func TestMapReduce_Errors(t *testing.T) {
	backend := &recorder{}
	mapper := mustChain(t, "{{item.missing}}", backend)
	reducer := mustChain(t, "{{mapped}}", backend)

	_, err := NewMapReduce(MapReduceConfig{Map: mapper, Reduce: reducer})
	assert.True(t, errors.IsInvalidRequestError(err))

	mr, err := NewMapReduce(MapReduceConfig{ItemsKey: "items", Map: mapper, Reduce: reducer, OutputKey: "out"})
	require.NoError(t, err)

	t.Run("items missing", func(t *testing.T) {
		_, err := mr.Execute(context.Background(), prompt.NewContext())
		var rerr *prompt.RenderError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, prompt.RenderMissingKey, rerr.Kind)
	})

	t.Run("items not a sequence", func(t *testing.T) {
		_, err := mr.Execute(context.Background(), mustContext(t, map[string]any{"items": "one"}))
		var rerr *prompt.RenderError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, prompt.RenderNotSequence, rerr.Kind)
	})

	t.Run("map failure", func(t *testing.T) {
		pctx := mustContext(t, map[string]any{"items": []any{map[string]any{"present": 1}}})
		_, err := mr.Execute(context.Background(), pctx)
		var rerr *prompt.RenderError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, "item.missing", rerr.Path)
		assert.False(t, pctx.Has("out"))
		assert.Zero(t, backend.calls.Load())
	})

	t.Run("output conflict", func(t *testing.T) {
		_, err := mr.Execute(context.Background(), mustContext(t, map[string]any{"items": []any{}, "out": 1}))
		assert.True(t, errors.IsConflictError(err))
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := mr.Execute(ctx, mustContext(t, map[string]any{"items": []any{}}))
		assert.True(t, errors.IsCancelledError(err))
	})
}

func TestMapReduce_NilContext(t *testing.T) {
	backend := &recorder{}
	mr, err := NewMapReduce(MapReduceConfig{
		ItemsKey:  "docs",
		Map:       mustChain(t, "{{item}}", backend),
		Reduce:    mustChain(t, "{{mapped}}", backend),
		OutputKey: "summary",
	})
	require.NoError(t, err)

	_, err = mr.Execute(context.Background(), nil)
	var rerr *prompt.RenderError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "docs", rerr.Path)
	assert.Zero(t, backend.calls.Load())
}
