package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/chain"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/pipeline"
	"github.com/teranos/loom/prompt"
	"github.com/teranos/loom/version"
)

// HandleHealth serves GET /healthz
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	s.mu.RLock()
	count := len(s.pipelines)
	s.mu.RUnlock()

	status := http.StatusOK
	health := HealthResponse{
		Status:    "ok",
		State:     s.getState().String(),
		Version:   info.Version,
		Commit:    info.CommitHash,
		Pipelines: count,
		Backend:   ai.Describe(s.opts.Backend, ""),
	}
	if s.getState() == ServerStateDraining {
		health.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	_ = writeJSON(w, status, health)
}

// HandleRender serves POST /v1/render: template plus context in, messages out
func (s *Server) HandleRender(w http.ResponseWriter, r *http.Request) {
	log := logger.ChildLogger(s.logger, logger.FieldsFromContext(r.Context())...)

	var req RenderRequest
	if err := readJSON(w, r, &req); err != nil {
		writeFailure(w, log, err)
		return
	}
	tmpl, err := s.renderTemplate(&req)
	if err != nil {
		writeFailure(w, log, err)
		return
	}
	pctx, err := decodeContext(req.Context)
	if err != nil {
		writeFailure(w, log, err)
		return
	}
	msgs, err := tmpl.Render(pctx)
	if err != nil {
		writeFailure(w, log, err)
		return
	}
	vars := tmpl.Variables()
	if vars == nil {
		vars = []string{}
	}
	_ = writeJSON(w, http.StatusOK, RenderResponse{Messages: msgs, Variables: vars})
}

func (s *Server) renderTemplate(req *RenderRequest) (*prompt.Template, error) {
	switch {
	case req.Template != "" && req.Prompt != "":
		return nil, errors.NewInvalidRequestError("template and prompt are mutually exclusive")
	case req.Template != "":
		return prompt.Parse(req.Template)
	case req.Prompt != "":
		if s.opts.Library == nil {
			return nil, errors.NewInvalidRequestError("no prompt library configured")
		}
		var (
			doc *prompt.Document
			err error
		)
		if req.Version != "" {
			doc, err = s.opts.Library.GetVersion(req.Prompt, req.Version)
		} else {
			doc, err = s.opts.Library.Get(req.Prompt)
		}
		if err != nil {
			return nil, err
		}
		return doc.Template, nil
	}
	return nil, errors.NewInvalidRequestError("template or prompt is required")
}

// HandleListPipelines serves GET /v1/pipelines
func (s *Server) HandleListPipelines(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defs := s.pipelines
	s.mu.RUnlock()

	infos := make([]PipelineInfo, 0, len(defs))
	for _, name := range pipeline.Names(defs) {
		def := defs[name]
		steps := make([]string, len(def.Steps))
		for i, st := range def.Steps {
			steps[i] = st.Name
		}
		infos = append(infos, PipelineInfo{Name: def.Name, Description: def.Description, Steps: steps})
	}
	_ = writeJSON(w, http.StatusOK, map[string][]PipelineInfo{"pipelines": infos})
}

// HandleRunPipeline serves POST /v1/pipelines/{name}/run. A failed run
// answers with the status of its error and still reports the steps that
// succeeded and the bindings they made.
func (s *Server) HandleRunPipeline(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	log := logger.ChildLogger(s.logger, append(logger.FieldsFromContext(r.Context()), logger.FieldPipeline, name)...)

	def, ok := s.pipeline(name)
	if !ok {
		writeFailure(w, log, errors.NewNotFoundError("pipeline %q", name))
		return
	}

	var req RunRequest
	if err := readJSON(w, r, &req); err != nil {
		writeFailure(w, log, err)
		return
	}
	pctx, err := decodeContext(req.Context)
	if err != nil {
		writeFailure(w, log, err)
		return
	}

	opts := []pipeline.BuildOption{
		pipeline.WithLibrary(s.opts.Library),
		pipeline.WithRetriever(s.opts.Retriever),
		pipeline.WithLogger(log),
	}
	if s.opts.MapConcurrency > 0 {
		opts = append(opts, pipeline.WithMapConcurrency(s.opts.MapConcurrency))
	}
	if s.opts.Metrics != nil {
		opts = append(opts, pipeline.WithHooks(s.opts.Metrics.Hooks(def.Name)))
	}
	comp, err := pipeline.Build(def, s.opts.Backend, opts...)
	if err != nil {
		writeFailure(w, log, err)
		return
	}

	ctx := r.Context()
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	run, runErr := comp.Run(ctx, pctx)
	resp := RunResponse{
		RunID:    run.ID,
		Pipeline: def.Name,
		State:    string(run.State()),
		Steps:    stepViews(run.Steps),
		Context:  pctx,
	}
	status := http.StatusOK
	if runErr != nil {
		status, resp.Error = errorBody(runErr)
		log.Infow("pipeline run failed",
			logger.FieldRunID, run.ID,
			logger.FieldStep, run.Current(),
			logger.FieldError, runErr)
	} else {
		log.Infow("pipeline run succeeded",
			logger.FieldRunID, run.ID,
			logger.FieldCount, len(run.Steps))
	}
	_ = writeJSON(w, status, resp)
}

func stepViews(steps []chain.StepResult) []StepView {
	views := make([]StepView, len(steps))
	for i, st := range steps {
		v := StepView{
			Index:      st.Index,
			Name:       st.Name,
			OutputKey:  st.OutputKey,
			DurationMS: st.Duration.Milliseconds(),
		}
		if st.Result != nil {
			v.Value = st.Result.Value
			if c := st.Result.Completion; c != nil {
				usage := c.Usage
				v.Model = c.Model
				v.Usage = &usage
			}
		}
		views[i] = v
	}
	return views
}

// decodeContext parses a JSON object into a root context; absent means empty.
// A key repeated in the object is a conflict.
func decodeContext(raw json.RawMessage) (*prompt.Context, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return prompt.NewContext(), nil
	}
	pctx, err := prompt.ParseJSON(raw)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "context"), errors.ErrInvalidRequest)
	}
	return pctx, nil
}
