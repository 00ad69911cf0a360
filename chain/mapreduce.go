package chain

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/prompt"
)

// MappedKey is where the reduce chain finds the ordered map outputs
const MappedKey = "mapped"

// DefaultItemName is the name each element is bound under for the map chain
const DefaultItemName = "item"

// MapReduce runs a map chain once per element of a sequence in the context,
// then a reduce chain over the ordered map outputs.
//
// Each map call sees its own child scope with the element bound under the
// item name; the reduce chain sees a child scope with the outputs bound under
// MappedKey. Only the reduce result is bound in the executing context.
type MapReduce struct {
	name        string
	itemsKey    string
	itemName    string
	mapper      *Chain
	reducer     *Chain
	outputKey   string
	concurrency int
	log         *zap.SugaredLogger
}

// MapReduceConfig configures a MapReduce step
type MapReduceConfig struct {
	Name        string
	ItemsKey    string // context key holding the sequence
	ItemName    string // defaults to "item"
	Map         *Chain
	Reduce      *Chain
	OutputKey   string
	Concurrency int // parallel map calls, at least 1
	Logger      *zap.SugaredLogger
}

// NewMapReduce creates a map-reduce step
func NewMapReduce(cfg MapReduceConfig) (*MapReduce, error) {
	if cfg.ItemsKey == "" {
		return nil, errors.NewInvalidRequestError("map-reduce %q: items key is required", cfg.Name)
	}
	if cfg.Map == nil || cfg.Reduce == nil {
		return nil, errors.NewInvalidRequestError("map-reduce %q: map and reduce chains are required", cfg.Name)
	}
	if cfg.ItemName == "" {
		cfg.ItemName = DefaultItemName
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &MapReduce{
		name:        cfg.Name,
		itemsKey:    cfg.ItemsKey,
		itemName:    cfg.ItemName,
		mapper:      cfg.Map,
		reducer:     cfg.Reduce,
		outputKey:   cfg.OutputKey,
		concurrency: cfg.Concurrency,
		log:         logger.OrNop(cfg.Logger),
	}, nil
}

// Name implements Step
func (m *MapReduce) Name() string { return m.name }

// OutputKey implements Step
func (m *MapReduce) OutputKey() string { return m.outputKey }

// Variables implements Step: the items key plus whatever the map and reduce
// templates read beyond the keys bound for them
func (m *MapReduce) Variables() []string {
	seen := map[string]bool{m.itemsKey: true}
	out := []string{m.itemsKey}
	add := func(vars []string, local string) {
		for _, v := range vars {
			if v != local && !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	add(m.mapper.Variables(), m.itemName)
	add(m.reducer.Variables(), MappedKey)
	return out
}

// Execute implements Step
func (m *MapReduce) Execute(ctx context.Context, pctx *prompt.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled(m.name, err)
	}
	if m.outputKey != "" && pctx.Has(m.outputKey) {
		return nil, &prompt.ContextConflictError{Key: m.outputKey}
	}

	raw, ok := pctx.Get(m.itemsKey)
	if !ok {
		return nil, &prompt.RenderError{Kind: prompt.RenderMissingKey, Path: m.itemsKey, Detail: "map-reduce items"}
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, &prompt.RenderError{Kind: prompt.RenderNotSequence, Path: m.itemsKey, Detail: "map-reduce items"}
	}

	start := time.Now()
	mapped := make([]any, len(items))
	completions := make([]*ai.Completion, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, item := range items {
		g.Go(func() error {
			scope := pctx.NewScope()
			if err := scope.Set(m.itemName, item); err != nil {
				return err
			}
			res, err := m.mapper.Execute(gctx, scope)
			if err != nil {
				return errors.WithDetailf(err, "map item %d", i)
			}
			mapped[i] = res.Value
			completions[i] = res.Completion
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(m.name, ctx.Err())
		}
		return nil, err
	}

	m.log.Debugw("map phase done",
		logger.FieldChain, m.name,
		logger.FieldCount, len(items),
		logger.FieldDurationMS, time.Since(start).Milliseconds())

	scope := pctx.NewScope()
	if err := scope.Set(MappedKey, mapped); err != nil {
		return nil, err
	}
	res, err := m.reducer.Execute(ctx, scope)
	if err != nil {
		return nil, err
	}

	if m.outputKey != "" {
		if err := pctx.Set(m.outputKey, res.Value); err != nil {
			return nil, err
		}
	}

	return &Result{
		Value:      res.Value,
		Messages:   res.Messages,
		Completion: sumUsage(res.Completion, completions),
	}, nil
}

// sumUsage returns a copy of final whose usage covers every call of the step
func sumUsage(final *ai.Completion, others []*ai.Completion) *ai.Completion {
	if final == nil {
		return nil
	}
	out := *final
	for _, c := range others {
		if c == nil {
			continue
		}
		out.Usage.PromptTokens += c.Usage.PromptTokens
		out.Usage.CompletionTokens += c.Usage.CompletionTokens
		out.Usage.TotalTokens += c.Usage.TotalTokens
	}
	return &out
}
