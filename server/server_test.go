package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/metrics"
	"github.com/teranos/loom/pipeline"
	"github.com/teranos/loom/prompt"
)

const pipelinesYAML = `
name: brief
description: summarize then title
steps:
  - name: summary
    template: "{{#user}}summarize {{topic}}{{/user}}"
  - name: title
    template: "{{#user}}title for {{summary}}{{/user}}"
`

// upper answers with the last message upper-cased; "fail" anywhere is a 503 upstream
func upper() ai.Backend {
	return ai.BackendFunc(func(_ context.Context, msgs []prompt.Message) (*ai.Completion, error) {
		last := msgs[len(msgs)-1].Content
		if strings.Contains(last, "fail") {
			return nil, ai.NewBackendError("test", ai.KindUnavailable, io.ErrUnexpectedEOF)
		}
		return &ai.Completion{
			Content: strings.ToUpper(last),
			Model:   "test-model",
			Usage:   ai.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
		}, nil
	})
}

func newTestServer(t *testing.T) (*Server, *prometheus.Registry) {
	t.Helper()
	def, err := pipeline.Parse([]byte(pipelinesYAML), "yaml")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	s, err := New(Options{
		Backend:   upper(),
		Pipelines: map[string]*pipeline.Definition{def.Name: def},
		Metrics:   m,
		Gatherer:  reg,
	})
	require.NoError(t, err)
	return s, reg
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func errorKind(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "no error in %v", body)
	return e["kind"].(string)
}

func TestNew_RequiresBackend(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 1.0, body["pipelines"])
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestRender(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := do(t, s, http.MethodPost, "/v1/render", `{
		"template": "{{#system}}Be brief.{{/system}}{{#user}}Hi {{name}}{{/user}}",
		"context": {"name": "Ada"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []any{
		map[string]any{"role": "system", "content": "Be brief."},
		map[string]any{"role": "user", "content": "Hi Ada"},
	}, body["messages"])
	assert.Equal(t, []any{"name"}, body["variables"])
}

func TestRender_Errors(t *testing.T) {
	s, _ := newTestServer(t)
	tests := []struct {
		name   string
		body   string
		status int
		kind   string
	}{
		{"missing key", `{"template": "{{#user}}{{name}}{{/user}}"}`, http.StatusUnprocessableEntity, KindRender},
		{"unclosed block", `{"template": "{{#user}}hi"}`, http.StatusUnprocessableEntity, KindParse},
		{"no template", `{}`, http.StatusBadRequest, KindInvalid},
		{"unknown field", `{"template": "x", "bogus": 1}`, http.StatusBadRequest, KindInvalid},
		{"context not an object", `{"template": "x", "context": [1]}`, http.StatusBadRequest, KindInvalid},
		{"prompt without library", `{"prompt": "capital"}`, http.StatusBadRequest, KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, s, http.MethodPost, "/v1/render", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, errorKind(t, body))
		})
	}
}

func TestListPipelines(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := do(t, s, http.MethodGet, "/v1/pipelines", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{map[string]any{
		"name":        "brief",
		"description": "summarize then title",
		"steps":       []any{"summary", "title"},
	}}, body["pipelines"])
}

func TestRunPipeline(t *testing.T) {
	s, reg := newTestServer(t)
	rec, body := do(t, s, http.MethodPost, "/v1/pipelines/brief/run", `{"context": {"topic": "tides"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "succeeded", body["state"])
	assert.NotEmpty(t, body["run_id"])
	assert.Equal(t, map[string]any{
		"topic":   "tides",
		"summary": "SUMMARIZE TIDES",
		"title":   "TITLE FOR SUMMARIZE TIDES",
	}, body["context"])
	steps := body["steps"].([]any)
	require.Len(t, steps, 2)
	assert.Equal(t, "title", steps[1].(map[string]any)["output_key"])

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "loom_chain_steps_total")
	assert.Contains(t, names, "loom_composer_runs_total")

	mrec, _ := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, mrec.Code)
	assert.Contains(t, mrec.Body.String(), `loom_composer_runs_total{pipeline="brief",status="succeeded"} 1`)
}

func TestRunPipeline_Failures(t *testing.T) {
	s, _ := newTestServer(t)

	t.Run("backend failure", func(t *testing.T) {
		rec, body := do(t, s, http.MethodPost, "/v1/pipelines/brief/run", `{"context": {"topic": "fail"}}`)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "failed", body["state"])
		e := body["error"].(map[string]any)
		assert.Equal(t, "backend/unavailable", e["kind"])
		assert.Equal(t, 0.0, e["step"])
		assert.Equal(t, true, e["retriable"])
		assert.Empty(t, body["steps"])
	})

	t.Run("output key already bound", func(t *testing.T) {
		rec, body := do(t, s, http.MethodPost, "/v1/pipelines/brief/run", `{"context": {"topic": "tides", "title": "preset"}}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		e := body["error"].(map[string]any)
		assert.Equal(t, KindConflict, e["kind"])
		assert.Equal(t, 1.0, e["step"])
		assert.Len(t, body["steps"], 1)
		ctx := body["context"].(map[string]any)
		assert.Equal(t, "preset", ctx["title"])
		assert.Equal(t, "SUMMARIZE TIDES", ctx["summary"])
	})

	t.Run("missing input", func(t *testing.T) {
		rec, body := do(t, s, http.MethodPost, "/v1/pipelines/brief/run", `{}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, KindRender, errorKind(t, body))
	})

	t.Run("unknown pipeline", func(t *testing.T) {
		rec, body := do(t, s, http.MethodPost, "/v1/pipelines/nope/run", `{}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, KindNotFound, errorKind(t, body))
	})

	t.Run("client gone", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodPost, "/v1/pipelines/brief/run", strings.NewReader(`{"context": {"topic": "tides"}}`)).WithContext(ctx)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, StatusClientClosedRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), `"kind":"cancelled"`)
	})
}

func TestRunPipeline_RequestTimeout(t *testing.T) {
	def, err := pipeline.Parse([]byte(pipelinesYAML), "yaml")
	require.NoError(t, err)
	hang := ai.BackendFunc(func(ctx context.Context, _ []prompt.Message) (*ai.Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s, err := New(Options{
		Backend:        hang,
		Pipelines:      map[string]*pipeline.Definition{def.Name: def},
		RequestTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	rec, body := do(t, s, http.MethodPost, "/v1/pipelines/brief/run", `{"context": {"topic": "tides"}}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, KindTimeout, errorKind(t, body))
	assert.Equal(t, "failed", body["state"])
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/render", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServe_GracefulShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(ShutdownTimeout):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, ServerStateStopped, s.getState())
}
