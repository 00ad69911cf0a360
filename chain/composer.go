package chain

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/prompt"
)

// Step is one unit of a composition. *Chain and *MapReduce are steps.
type Step interface {
	Name() string
	// OutputKey is the key the step binds, "" for none
	OutputKey() string
	// Variables are the context keys the step reads
	Variables() []string
	Execute(ctx context.Context, pctx *prompt.Context) (*Result, error)
}

// State is the lifecycle state of a composer run
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// IsTerminal reports whether no further transitions are possible
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// canTransition lists the forward-only edges of the run state machine.
// Running -> Running moves to the next step.
func canTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateSucceeded
	case StateRunning:
		return to == StateRunning || to == StateSucceeded || to == StateFailed
	}
	return false
}

// StepResult is the outcome of one successful step
type StepResult struct {
	Index     int           `json:"index"`
	Name      string        `json:"name,omitempty"`
	OutputKey string        `json:"output_key,omitempty"`
	Result    *Result       `json:"result"`
	Duration  time.Duration `json:"duration"`
}

// Run is the record of one composer run
type Run struct {
	ID      string          `json:"id"`
	Context *prompt.Context `json:"context"`
	Steps   []StepResult    `json:"steps"`

	mu      sync.Mutex
	state   State
	current int
	err     error
}

// State returns the run state
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Current returns the index of the running or failed step, -1 before the first
func (r *Run) Current() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Err returns the failure of a failed run
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Run) transition(to State, step int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !canTransition(r.state, to) || (to == StateRunning && r.state == StateRunning && step <= r.current) {
		panic(errors.AssertionFailedf("composer run %s: illegal transition %s(%d) -> %s(%d)", r.ID, r.state, r.current, to, step))
	}
	r.state = to
	r.current = step
	r.err = err
}

// Hooks observe a composer run. Any field may be nil. Hooks run synchronously
// on the run's goroutine.
type Hooks struct {
	RunStarted  func(run *Run)
	StepStarted func(run *Run, index int, step Step)
	StepDone    func(run *Run, index int, step Step, result *Result, err error, elapsed time.Duration)
	RunDone     func(run *Run, err error)
}

// Composer runs steps in declared order over one shared context
type Composer struct {
	name  string
	steps []Step
	hooks []Hooks
	log   *zap.SugaredLogger
}

// ComposerOption configures a Composer
type ComposerOption func(*Composer)

// WithComposerName names the composition (e.g. the pipeline name)
func WithComposerName(name string) ComposerOption {
	return func(c *Composer) { c.name = name }
}

// WithHooks adds lifecycle hooks; several sets may be added
func WithHooks(h Hooks) ComposerOption {
	return func(c *Composer) { c.hooks = append(c.hooks, h) }
}

// WithComposerLogger sets the logger
func WithComposerLogger(log *zap.SugaredLogger) ComposerOption {
	return func(c *Composer) { c.log = log }
}

// NewComposer creates a composer over steps. Forward dependency order is
// checked: no step may read a key bound by itself or a later step. Two steps
// binding the same key are allowed here and fail at run time with a
// ContextConflictError on the second write.
func NewComposer(steps []Step, opts ...ComposerOption) (*Composer, error) {
	c := &Composer{steps: append([]Step(nil), steps...)}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrNop(c.log)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Name returns the composition name
func (c *Composer) Name() string { return c.name }

// Steps returns the steps in order
func (c *Composer) Steps() []Step { return append([]Step(nil), c.steps...) }

// Validate checks forward dependency order
func (c *Composer) Validate() error {
	boundAt := make(map[string]int)
	for i, s := range c.steps {
		if s == nil {
			return errors.NewInvalidRequestError("step %d is nil", i)
		}
		if key := s.OutputKey(); key != "" {
			if _, dup := boundAt[key]; !dup {
				boundAt[key] = i
			}
		}
	}
	for i, s := range c.steps {
		for _, v := range s.Variables() {
			if j, ok := boundAt[v]; ok && j >= i {
				who := "a later step"
				if j == i {
					who = "itself"
				}
				return errors.WithHintf(
					errors.NewInvalidRequestError("step %d (%s) reads %q, which is bound by %s", i, stepName(s, i), v, who),
					"a step may only read keys bound by earlier steps or the initial context",
				)
			}
		}
	}
	return nil
}

// Missing returns the keys the steps read that neither pctx nor an earlier
// step provides. Running with missing keys fails with a RenderError.
func (c *Composer) Missing(pctx *prompt.Context) []string {
	bound := make(map[string]bool)
	var missing []string
	for _, s := range c.steps {
		for _, v := range s.Variables() {
			if _, ok := pctx.Get(v); !ok && !bound[v] {
				missing = append(missing, v)
				bound[v] = true
			}
		}
		if key := s.OutputKey(); key != "" {
			bound[key] = true
		}
	}
	return missing
}

// Run executes the steps in order against pctx. It stops at the first failing
// step i and returns the run, holding exactly i step results, together with a
// *CompositionError for step i. Bindings made by earlier steps stay in pctx.
// A nil pctx runs against a fresh context, returned as Run.Context.
func (c *Composer) Run(ctx context.Context, pctx *prompt.Context) (*Run, error) {
	if pctx == nil {
		pctx = prompt.NewContext()
	}
	run := &Run{
		ID:      uuid.NewString(),
		Context: pctx,
		Steps:   make([]StepResult, 0, len(c.steps)),
		state:   StatePending,
		current: -1,
	}
	ctx = logger.WithRunID(ctx, run.ID)
	log := logger.ChildLogger(c.log, logger.FieldRunID, run.ID, logger.FieldPipeline, c.name)

	c.fire(func(h Hooks) {
		if h.RunStarted != nil {
			h.RunStarted(run)
		}
	})
	log.Debugw("composer run started", logger.FieldCount, len(c.steps))

	for i, step := range c.steps {
		run.transition(StateRunning, i, nil)
		c.fire(func(h Hooks) {
			if h.StepStarted != nil {
				h.StepStarted(run, i, step)
			}
		})

		start := time.Now()
		var (
			result *Result
			err    error
		)
		if cerr := ctx.Err(); cerr != nil {
			err = cancelled(step.Name(), cerr)
		} else {
			result, err = step.Execute(ctx, pctx)
		}
		elapsed := time.Since(start)

		c.fire(func(h Hooks) {
			if h.StepDone != nil {
				h.StepDone(run, i, step, result, err, elapsed)
			}
		})

		if err != nil {
			cerr := &CompositionError{Index: i, Step: step.Name(), Err: err}
			run.transition(StateFailed, i, cerr)
			log.Warnw("composer run failed",
				logger.FieldStep, i,
				logger.FieldChain, step.Name(),
				logger.FieldDurationMS, elapsed.Milliseconds(),
				logger.FieldError, err)
			c.fire(func(h Hooks) {
				if h.RunDone != nil {
					h.RunDone(run, cerr)
				}
			})
			return run, cerr
		}

		run.Steps = append(run.Steps, StepResult{
			Index:     i,
			Name:      step.Name(),
			OutputKey: step.OutputKey(),
			Result:    result,
			Duration:  elapsed,
		})
		log.Debugw("step succeeded",
			logger.FieldStep, i,
			logger.FieldChain, step.Name(),
			logger.FieldKey, step.OutputKey(),
			logger.FieldDurationMS, elapsed.Milliseconds())
	}

	run.transition(StateSucceeded, len(c.steps), nil)
	log.Debugw("composer run succeeded", logger.FieldCount, len(run.Steps))
	c.fire(func(h Hooks) {
		if h.RunDone != nil {
			h.RunDone(run, nil)
		}
	})
	return run, nil
}

func (c *Composer) fire(f func(Hooks)) {
	for _, h := range c.hooks {
		f(h)
	}
}

func stepName(s Step, i int) string {
	if n := strings.TrimSpace(s.Name()); n != "" {
		return n
	}
	return "#" + strconv.Itoa(i)
}
