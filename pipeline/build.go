package pipeline

import (
	"go.uber.org/zap"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/chain"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/prompt"
	"github.com/teranos/loom/retriever"
)

type buildConfig struct {
	library     *prompt.Library
	retriever   *retriever.Retriever
	hooks       []chain.Hooks
	concurrency int
	log         *zap.SugaredLogger
}

// BuildOption configures Build
type BuildOption func(*buildConfig)

// WithLibrary resolves prompt steps against lib
func WithLibrary(lib *prompt.Library) BuildOption {
	return func(c *buildConfig) { c.library = lib }
}

// WithRetriever enables retrieve steps
func WithRetriever(r *retriever.Retriever) BuildOption {
	return func(c *buildConfig) { c.retriever = r }
}

// WithHooks adds composer lifecycle hooks
func WithHooks(h chain.Hooks) BuildOption {
	return func(c *buildConfig) { c.hooks = append(c.hooks, h) }
}

// WithMapConcurrency sets the default map-reduce concurrency for steps that don't set one
func WithMapConcurrency(n int) BuildOption {
	return func(c *buildConfig) { c.concurrency = n }
}

// WithLogger sets the logger handed to chains and the composer
func WithLogger(log *zap.SugaredLogger) BuildOption {
	return func(c *buildConfig) { c.log = log }
}

// Build turns a definition into a composer whose chains call backend
func Build(def *Definition, backend ai.Backend, opts ...BuildOption) (*chain.Composer, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, errors.NewInvalidRequestError("pipeline %q: backend is required", def.Name)
	}
	cfg := &buildConfig{concurrency: 1}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.log = logger.OrNop(cfg.log).With(logger.FieldPipeline, def.Name)

	steps := make([]chain.Step, 0, len(def.Steps))
	for i := range def.Steps {
		s, err := cfg.step(&def.Steps[i], backend)
		if err != nil {
			return nil, errors.Wrapf(err, "pipeline %q: step %q", def.Name, def.Steps[i].Name)
		}
		steps = append(steps, s)
	}

	copts := []chain.ComposerOption{
		chain.WithComposerName(def.Name),
		chain.WithComposerLogger(cfg.log),
	}
	for _, h := range cfg.hooks {
		copts = append(copts, chain.WithHooks(h))
	}
	comp, err := chain.NewComposer(steps, copts...)
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline %q", def.Name)
	}
	return comp, nil
}

func (cfg *buildConfig) step(s *StepDef, backend ai.Backend) (chain.Step, error) {
	kind, err := s.kind()
	if err != nil {
		return nil, err
	}
	switch kind {
	case "retrieve":
		if cfg.retriever == nil {
			return nil, errors.WithHint(
				errors.NewInvalidRequestError("retrieve step needs a retriever"),
				"configure [embeddings] and [vector_store] in am.toml")
		}
		if s.Output != "" && s.Output != retriever.RetrievedKey {
			return nil, errors.NewInvalidRequestError("retrieve step always binds %q, got output %q", retriever.RetrievedKey, s.Output)
		}
		return retriever.NewStep(s.Name, s.Retrieve.Query, s.Retrieve.K, cfg.retriever)

	case "map_reduce":
		mr := s.MapReduce
		mapper, err := cfg.newChain(&mr.Map, backend, s.Name+".map", false)
		if err != nil {
			return nil, err
		}
		reducer, err := cfg.newChain(&mr.Reduce, backend, s.Name+".reduce", false)
		if err != nil {
			return nil, err
		}
		concurrency := mr.Concurrency
		if concurrency < 1 {
			concurrency = cfg.concurrency
		}
		output := s.Output
		if output == "" {
			output = s.Name
		}
		return chain.NewMapReduce(chain.MapReduceConfig{
			Name:        s.Name,
			ItemsKey:    mr.Items,
			ItemName:    mr.As,
			Map:         mapper,
			Reduce:      reducer,
			OutputKey:   output,
			Concurrency: concurrency,
			Logger:      cfg.log,
		})
	}

	return cfg.newChain(s, backend, s.Name, true)
}

// newChain builds a template or prompt step. A bound chain without an output
// takes the document's frontmatter output, then the step name. Map and reduce
// chains bind nothing in the run's context.
func (cfg *buildConfig) newChain(s *StepDef, backend ai.Backend, name string, bind bool) (*chain.Chain, error) {
	output := s.Output
	parserName := s.Parser
	var tmpl *prompt.Template

	if s.Template != "" {
		t, err := prompt.Parse(s.Template)
		if err != nil {
			return nil, err
		}
		tmpl = t
	} else {
		doc, err := cfg.document(s)
		if err != nil {
			return nil, err
		}
		tmpl = doc.Template
		if output == "" {
			output = doc.Metadata.Output
		}
		if parserName == "" {
			parserName = doc.Metadata.Parser
		}
	}
	switch {
	case !bind:
		output = ""
	case output == "":
		output = s.Name
	}

	parser, err := chain.ParserByName(parserName)
	if err != nil {
		return nil, err
	}
	return chain.New(tmpl, backend,
		chain.WithName(name),
		chain.WithOutputKey(output),
		chain.WithParser(parser),
		chain.WithLogger(cfg.log),
	), nil
}

func (cfg *buildConfig) document(s *StepDef) (*prompt.Document, error) {
	if cfg.library == nil {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("prompt %q needs a prompt library", s.Prompt),
			"set prompts.dir in am.toml")
	}
	if s.Version != "" {
		return cfg.library.GetVersion(s.Prompt, s.Version)
	}
	return cfg.library.Get(s.Prompt)
}
