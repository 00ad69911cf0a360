package server

import (
	"encoding/json"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/prompt"
)

// ServerState represents the server lifecycle state
type ServerState int32

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Shutdown started, in-flight requests finishing
	ServerStateStopped                     // Listener closed
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	}
	return "unknown"
}

// RenderRequest is the body of POST /v1/render
type RenderRequest struct {
	Template string `json:"template"` // template source; or name a library prompt
	Prompt   string `json:"prompt,omitempty"`
	Version  string `json:"version,omitempty"` // semver constraint for Prompt
	// Context is a JSON object; key order is kept
	Context json.RawMessage `json:"context,omitempty"`
}

// RenderResponse lists the rendered messages
type RenderResponse struct {
	Messages  []prompt.Message `json:"messages"`
	Variables []string         `json:"variables"`
}

// RunRequest is the body of POST /v1/pipelines/{name}/run
type RunRequest struct {
	Context json.RawMessage `json:"context,omitempty"`
}

// StepView summarises one completed step
type StepView struct {
	Index      int       `json:"index"`
	Name       string    `json:"name"`
	OutputKey  string    `json:"output_key,omitempty"`
	Value      any       `json:"value"`
	DurationMS int64     `json:"duration_ms"`
	Model      string    `json:"model,omitempty"`
	Usage      *ai.Usage `json:"usage,omitempty"`
}

// RunResponse is returned for a finished run, successful or not
type RunResponse struct {
	RunID    string          `json:"run_id"`
	Pipeline string          `json:"pipeline"`
	State    string          `json:"state"`
	Steps    []StepView      `json:"steps"`
	Context  *prompt.Context `json:"context"`
	Error    *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody describes a failure
type ErrorBody struct {
	Message   string   `json:"message"`
	Kind      string   `json:"kind"`
	Step      *int     `json:"step,omitempty"` // failing step of a composition
	StepName  string   `json:"step_name,omitempty"`
	Retriable bool     `json:"retriable,omitempty"`
	Hints     []string `json:"hints,omitempty"`
}

// PipelineInfo describes one pipeline for GET /v1/pipelines
type PipelineInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps"`
}

// HealthResponse is returned by GET /healthz
type HealthResponse struct {
	Status    string `json:"status"`
	State     string `json:"state"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Pipelines int    `json:"pipelines"`
	Backend   string `json:"backend,omitempty"`
}
