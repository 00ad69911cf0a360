// Package chain executes prompt templates against completion backends.
//
// A Chain renders one template against a prompt.Context, sends the messages
// to its backend, parses the reply and binds the result under its output key.
// Bindings are additive: a chain never overwrites a key. A Composer runs
// chains in order over one shared context and stops at the first failure.
package chain

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/prompt"
)

// Result is the outcome of one chain execution
type Result struct {
	Value      any              `json:"value"`
	Messages   []prompt.Message `json:"messages,omitempty"`
	Completion *ai.Completion   `json:"completion,omitempty"`
}

// Chain binds one template to one backend. It holds no per-execution state
// and may be executed concurrently against different contexts.
type Chain struct {
	name      string
	template  *prompt.Template
	backend   ai.Backend
	outputKey string
	parser    Parser
	memory    Memory
	log       *zap.SugaredLogger
}

// Option configures a Chain
type Option func(*Chain)

// WithName sets the chain name. It shows up in logs, metrics and usage
// tracking and has no effect on execution.
func WithName(name string) Option {
	return func(c *Chain) { c.name = name }
}

// WithOutputKey binds each result under key in the executing context
func WithOutputKey(key string) Option {
	return func(c *Chain) { c.outputKey = key }
}

// WithParser replaces the default TextParser
func WithParser(p Parser) Option {
	return func(c *Chain) { c.parser = p }
}

// WithMemory attaches conversation memory
func WithMemory(m Memory) Option {
	return func(c *Chain) { c.memory = m }
}

// WithLogger sets the logger
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Chain) { c.log = log }
}

// New creates a chain. The template is owned by the chain; the backend is shared.
func New(t *prompt.Template, backend ai.Backend, opts ...Option) *Chain {
	c := &Chain{
		template: t,
		backend:  backend,
		parser:   TextParser{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrNop(c.log)
	return c
}

// FromSource parses source and creates a chain from it
func FromSource(source string, backend ai.Backend, opts ...Option) (*Chain, error) {
	t, err := prompt.Parse(source)
	if err != nil {
		return nil, err
	}
	return New(t, backend, opts...), nil
}

// Name returns the chain name, possibly empty
func (c *Chain) Name() string { return c.name }

// OutputKey returns the key results are bound under, "" for none
func (c *Chain) OutputKey() string { return c.outputKey }

// Template returns the chain's template
func (c *Chain) Template() *prompt.Template { return c.template }

// Variables returns the context keys the template reads
func (c *Chain) Variables() []string { return c.template.Variables() }

// Render renders the chain's messages without calling the backend,
// history included
func (c *Chain) Render(pctx *prompt.Context) ([]prompt.Message, error) {
	msgs, err := c.template.Render(pctx)
	if err != nil {
		return nil, err
	}
	if c.memory != nil {
		msgs = withHistory(c.memory.History(), msgs)
	}
	return msgs, nil
}

// Execute renders the template against pctx, completes it and parses the
// reply. With an output key the value is bound in pctx.
//
// Errors: *prompt.RenderError from rendering, *ai.BackendError from the
// backend or the parser, *prompt.ContextConflictError when the output key is
// already bound, *CancelledError when ctx ends first. pctx is only modified
// on success. A nil pctx renders as empty but cannot take an output key.
func (c *Chain) Execute(ctx context.Context, pctx *prompt.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled(c.name, err)
	}
	// fail before spending a backend call on a result that cannot be bound
	if c.outputKey != "" && pctx == nil {
		return nil, errors.NewInvalidRequestError("chain %q binds %q but was given no context", c.name, c.outputKey)
	}
	if c.outputKey != "" && pctx.Has(c.outputKey) {
		return nil, &prompt.ContextConflictError{Key: c.outputKey}
	}

	rendered, err := c.template.Render(pctx)
	if err != nil {
		return nil, err
	}
	msgs := rendered
	if c.memory != nil {
		msgs = withHistory(c.memory.History(), rendered)
	}

	start := time.Now()
	completion, err := c.backend.Complete(ai.WithChainName(ctx, c.name), msgs)
	if ctx.Err() != nil {
		return nil, cancelled(c.name, ctx.Err())
	}
	if err != nil {
		c.log.Debugw("completion failed",
			logger.FieldChain, c.name,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			logger.FieldError, err)
		return nil, asBackendError(err)
	}
	if completion == nil {
		return nil, ai.NewBackendError("", ai.KindMalformed, errors.New("backend returned no completion"))
	}

	value, err := c.parser.Parse(completion)
	if err != nil {
		return nil, asBackendError(err)
	}

	if c.outputKey != "" {
		if err := pctx.Set(c.outputKey, value); err != nil {
			return nil, err
		}
	}
	if c.memory != nil {
		c.memory.Save(rendered, prompt.Message{Role: prompt.RoleAssistant, Content: completion.Content})
	}

	c.log.Debugw("chain executed",
		logger.FieldChain, c.name,
		logger.FieldKey, c.outputKey,
		logger.FieldModel, completion.Model,
		logger.FieldTokens, completion.Usage.TotalTokens,
		logger.FieldDurationMS, time.Since(start).Milliseconds())

	return &Result{Value: value, Messages: msgs, Completion: completion}, nil
}

// asBackendError makes sure backend failures surface as *ai.BackendError
func asBackendError(err error) error {
	if _, ok := ai.AsBackendError(err); ok {
		return err
	}
	return ai.NewBackendError("", ai.KindUnknown, err)
}
