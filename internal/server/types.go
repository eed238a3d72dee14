package server

import (
	"encoding/json"
	"time"

	"github.com/danshapiro/hwbuild/internal/metrics"
	"github.com/danshapiro/hwbuild/internal/parts"
	"github.com/danshapiro/hwbuild/internal/pipeline/runstate"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

// BuildRequest is the POST /build, /build/stream and /build/ws body.
type BuildRequest struct {
	Prompt string `json:"prompt"`
	// RunID is optional. If empty, a ULID is generated.
	RunID string `json:"run_id,omitempty"`
}

// AgentLogEntry is the public view of one envelope.
type AgentLogEntry struct {
	Agent      string   `json:"agent"`
	Task       string   `json:"task"`
	Status     string   `json:"status"`
	DurationMS int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
	ErrorKind  string   `json:"error_kind,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

func agentLogView(log []runtime.Envelope) []AgentLogEntry {
	out := make([]AgentLogEntry, 0, len(log))
	for _, env := range log {
		out = append(out, AgentLogEntry{
			Agent:      string(env.To),
			Task:       env.Task,
			Status:     string(env.Status),
			DurationMS: env.DurationMS,
			Error:      env.Error,
			ErrorKind:  env.ErrorKind,
			Warnings:   env.Warnings,
		})
	}
	return out
}

// BuildResponse is returned by POST /build and carried by the stream
// result event.
type BuildResponse struct {
	RunID    string                  `json:"run_id"`
	Status   string                  `json:"status"`
	Project  *runtime.ProjectContext `json:"project"`
	AgentLog []AgentLogEntry         `json:"agent_log"`
}

// A2ARequest is the POST /a2a/build body.
type A2ARequest struct {
	Task        string `json:"task,omitempty"`
	Prompt      string `json:"prompt"`
	CallbackURL string `json:"callback_url,omitempty"`
	// Context belongs to the caller and is echoed back untouched.
	Context json.RawMessage `json:"context,omitempty"`
}

// A2AResponse is the A2A envelope for both outcomes; Error is set only
// on failure.
type A2AResponse struct {
	Protocol  string          `json:"protocol"`
	Task      string          `json:"task"`
	Status    string          `json:"status"`
	DurationS float64         `json:"duration_s"`
	RunID     string          `json:"run_id,omitempty"`
	Result    any             `json:"result,omitempty"`
	AgentLog  []AgentLogEntry `json:"agent_log,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Capability is one advertised A2A task.
type Capability struct {
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	InputSchema        map[string]any `json:"input_schema"`
	EstimatedDurationS int            `json:"estimated_duration_s,omitempty"`
	OutputFormat       string         `json:"output_format,omitempty"`
}

// AgentCard is returned by GET /a2a/discover.
type AgentCard struct {
	Agent        string            `json:"agent"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	Protocol     string            `json:"protocol"`
	Capabilities []Capability      `json:"capabilities"`
	Endpoints    map[string]string `json:"endpoints"`
}

type SearchResponse struct {
	Query   string       `json:"query"`
	Count   int          `json:"count"`
	Results []parts.Part `json:"results"`
}

type HealthResponse struct {
	Status   string            `json:"status"`
	DBPath   string            `json:"db_path"`
	DBExists bool              `json:"db_exists"`
	Builds   int               `json:"active_builds"`
	Metrics  *metrics.Snapshot `json:"metrics,omitempty"`
}

// BuildStatus is the live view of a build this process is running.
type BuildStatus struct {
	RunID         string     `json:"run_id"`
	State         string     `json:"state"`
	CurrentStage  string     `json:"current_stage,omitempty"`
	LastEvent     string     `json:"last_event,omitempty"`
	LastEventAt   *time.Time `json:"last_event_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
}

// RunResponse is returned by GET /runs/{id}.
type RunResponse struct {
	Snapshot *runstate.Snapshot      `json:"snapshot"`
	Live     *BuildStatus            `json:"live,omitempty"`
	Context  *runtime.ProjectContext `json:"context,omitempty"`
	AgentLog []AgentLogEntry         `json:"agent_log,omitempty"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
