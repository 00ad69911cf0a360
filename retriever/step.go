package retriever

import (
	"context"
	"strings"

	"github.com/teranos/loom/chain"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/prompt"
)

// Step runs Augment as a composer step. The query is a template rendered
// against the run's context, so later chains can read {{retrieved}} for
// whatever the run is about.
type Step struct {
	name      string
	query     *prompt.Template
	k         int
	retriever *Retriever
}

// NewStep creates a retrieval step from a query template such as "{{question}}"
func NewStep(name, querySource string, k int, r *Retriever) (*Step, error) {
	if k <= 0 {
		return nil, errors.NewInvalidRequestError("retrieval step %q: k must be > 0, got %d", name, k)
	}
	t, err := prompt.Parse(querySource)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieval step %q query", name)
	}
	return &Step{name: name, query: t, k: k, retriever: r}, nil
}

// Name implements chain.Step
func (s *Step) Name() string { return s.name }

// OutputKey implements chain.Step
func (s *Step) OutputKey() string { return RetrievedKey }

// Variables implements chain.Step
func (s *Step) Variables() []string { return s.query.Variables() }

// Execute implements chain.Step
func (s *Step) Execute(ctx context.Context, pctx *prompt.Context) (*chain.Result, error) {
	msgs, err := s.query.Render(pctx)
	if err != nil {
		return nil, err
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if c := strings.TrimSpace(m.Content); c != "" {
			parts = append(parts, c)
		}
	}
	if _, err := s.retriever.Augment(ctx, pctx, strings.Join(parts, "\n"), s.k); err != nil {
		return nil, err
	}
	value, _ := pctx.Get(RetrievedKey)
	return &chain.Result{Value: value}, nil
}

var _ chain.Step = (*Step)(nil)
