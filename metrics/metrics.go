// Package metrics exposes chain execution as Prometheus collectors, fed by
// composer lifecycle hooks.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/chain"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/prompt"
)

// Step status label values
const (
	StatusOK        = "ok"
	StatusCancelled = "cancelled"
	StatusConflict  = "conflict"
	StatusRender    = "render_error"
	StatusParse     = "parse_error"
	StatusBackend   = "backend_error"
	StatusError     = "error"
)

// unnamed labels steps and compositions without a name
const unnamed = "unnamed"

// Metrics holds the loom collectors
type Metrics struct {
	Steps        *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	Tokens       *prometheus.CounterVec
	Runs         *prometheus.CounterVec
	BackendErrs  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_chain_steps_total",
			Help: "Composer steps executed, by step name and outcome",
		}, []string{"chain", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_chain_step_duration_seconds",
			Help:    "Duration of composer steps",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"chain"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_completion_tokens_total",
			Help: "Tokens reported by completion backends, by step name and kind (prompt, completion)",
		}, []string{"chain", "kind"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_composer_runs_total",
			Help: "Composer runs, by composition and final state",
		}, []string{"pipeline", "status"}),
		BackendErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_backend_errors_total",
			Help: "Backend failures surfaced by steps, by error kind",
		}, []string{"kind", "retriable"}),
	}
	for _, c := range []prometheus.Collector{m.Steps, m.StepDuration, m.Tokens, m.Runs, m.BackendErrs} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "failed to register loom collectors")
		}
	}
	return m, nil
}

// Hooks returns composer hooks recording into m. pipeline labels the runs.
func (m *Metrics) Hooks(pipeline string) chain.Hooks {
	if pipeline == "" {
		pipeline = unnamed
	}
	return chain.Hooks{
		StepDone: func(_ *chain.Run, _ int, step chain.Step, result *chain.Result, err error, elapsed time.Duration) {
			m.ObserveStep(step.Name(), result, err, elapsed)
		},
		RunDone: func(run *chain.Run, _ error) {
			m.Runs.WithLabelValues(pipeline, string(run.State())).Inc()
		},
	}
}

// ObserveStep records one step outcome
func (m *Metrics) ObserveStep(name string, result *chain.Result, err error, elapsed time.Duration) {
	if name == "" {
		name = unnamed
	}
	m.Steps.WithLabelValues(name, Status(err)).Inc()
	m.StepDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if be, ok := ai.AsBackendError(err); ok {
		retriable := "false"
		if be.Retriable {
			retriable = "true"
		}
		m.BackendErrs.WithLabelValues(string(be.Kind), retriable).Inc()
	}

	if result != nil && result.Completion != nil {
		u := result.Completion.Usage
		m.Tokens.WithLabelValues(name, "prompt").Add(float64(u.PromptTokens))
		m.Tokens.WithLabelValues(name, "completion").Add(float64(u.CompletionTokens))
	}
}

// Status maps a step error to its status label
func Status(err error) string {
	if err == nil {
		return StatusOK
	}
	var (
		parseErr  *prompt.ParseError
		renderErr *prompt.RenderError
	)
	switch {
	case errors.IsCancelledError(err):
		return StatusCancelled
	case errors.IsConflictError(err):
		return StatusConflict
	case errors.As(err, &renderErr):
		return StatusRender
	case errors.As(err, &parseErr):
		return StatusParse
	}
	if _, ok := ai.AsBackendError(err); ok {
		return StatusBackend
	}
	return StatusError
}
