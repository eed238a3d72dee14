package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danshapiro/hwbuild/internal/parts"
	"github.com/danshapiro/hwbuild/internal/pipeline/checkpoint"
	"github.com/danshapiro/hwbuild/internal/pipeline/engine"
	"github.com/danshapiro/hwbuild/internal/pipeline/runstate"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

const (
	a2aProtocol  = "a2a/1.0"
	taskBuild    = "hardware_build"
	taskSpec     = "hardware_spec"
	taskSearch   = "parts_search"
	maxBodyBytes = 1 << 20

	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// requestError carries the HTTP status a build could not start with.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func writeRequestError(w http.ResponseWriter, err error) {
	var re *requestError
	if errors.As(err, &re) {
		writeError(w, re.status, re.msg)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

// newBuild validates req and registers a build whose context derives
// from parent.
func (s *Server) newBuild(parent context.Context, req BuildRequest) (*BuildState, context.Context, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, nil, badRequest("prompt is required")
	}
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = engine.NewRunID()
	}
	if err := checkpoint.ValidateRunID(runID); err != nil {
		return nil, nil, badRequest("%v", err)
	}
	if st := s.store(); st != nil && req.RunID != "" {
		_, err := st.Load(parent, runID)
		if err == nil || !errors.Is(err, checkpoint.ErrNotFound) {
			return nil, nil, &requestError{status: http.StatusConflict, msg: fmt.Sprintf("run %s already exists", runID)}
		}
	}

	ctx, cancel := context.WithCancelCause(parent)
	bs := &BuildState{
		RunID:       runID,
		Broadcaster: NewBroadcaster(),
		Cancel:      cancel,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.registry.Register(bs); err != nil {
		cancel(nil)
		return nil, nil, &requestError{status: http.StatusConflict, msg: err.Error()}
	}
	return bs, ctx, nil
}

// runBuild drives one build to completion on a copy of the template
// orchestrator, streaming its progress to the build's broadcaster.
func (s *Server) runBuild(ctx context.Context, bs *BuildState, prompt string) (*engine.Result, error) {
	defer bs.Cancel(nil)
	defer bs.Broadcaster.Close()

	o := *s.opts.Orchestrator
	progress, err := runstate.NewProgressLog(o.RunDir(bs.RunID))
	if err != nil {
		s.logger.Warn("progress.open_failed", "run_id", bs.RunID, "err", err)
	}
	o.Progress = func(ev engine.Event) {
		if progress != nil {
			if err := progress.Append(ev); err != nil {
				s.logger.Warn("progress.append_failed", "run_id", bs.RunID, "err", err)
			}
		}
		bs.Broadcaster.Send(Message{Name: "status", Data: ev})
	}

	res, err := o.RunWithID(ctx, bs.RunID, prompt)
	bs.SetResult(res, err)
	if err != nil {
		s.logger.Error("build.failed", "run_id", bs.RunID, "err", err)
		bs.Broadcaster.Send(Message{Name: "error", Data: map[string]string{"run_id": bs.RunID, "error": err.Error()}})
		return nil, err
	}
	bs.Broadcaster.Send(Message{Name: "result", Data: buildResponse(res)})
	return res, nil
}

func buildResponse(res *engine.Result) BuildResponse {
	return BuildResponse{
		RunID:    res.RunID,
		Status:   string(res.Context.Status),
		Project:  res.Context,
		AgentLog: agentLogView(res.AgentLog),
	}
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req BuildRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	bs, ctx, err := s.newBuild(r.Context(), req)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	res, err := s.runBuild(ctx, bs, req.Prompt)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"run_id": bs.RunID,
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, buildResponse(res))
}

// handleBuildStream runs the build detached from the request so a client
// that goes away does not cancel it. The build slot is held until the
// build finishes.
func (s *Server) handleBuildStream(w http.ResponseWriter, r *http.Request) {
	var req BuildRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	bs, ctx, err := s.newBuild(s.baseCtx, req)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.runBuild(ctx, bs, req.Prompt)
	}()
	WriteSSE(w, r, bs.Broadcaster)
	<-done
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AgentCard{
		Agent:       "hardware-builder",
		Version:     "1.0.0",
		Description: "Turns a natural-language hardware idea into requirements, a BOM, a PCB design, enclosure CAD, assembly steps and a quote.",
		Protocol:    a2aProtocol,
		Capabilities: []Capability{
			{
				Name:        taskBuild,
				Description: "Run the full hardware build pipeline",
				InputSchema: map[string]any{
					"type":       "object",
					"required":   []string{"prompt"},
					"properties": map[string]any{"prompt": map[string]any{"type": "string"}},
				},
				EstimatedDurationS: 120,
				OutputFormat:       "project_context",
			},
			{
				Name:        taskSpec,
				Description: "Validate a build request without running it",
				InputSchema: map[string]any{
					"type":       "object",
					"required":   []string{"prompt"},
					"properties": map[string]any{"prompt": map[string]any{"type": "string"}},
				},
			},
			{
				Name:        taskSearch,
				Description: "Search the parts catalog",
				InputSchema: map[string]any{
					"type":       "object",
					"required":   []string{"prompt"},
					"properties": map[string]any{"prompt": map[string]any{"type": "string", "description": "search query"}},
				},
				OutputFormat: "parts_list",
			},
		},
		Endpoints: map[string]string{
			"build":  "/a2a/build",
			"stream": "/build/stream",
			"ws":     "/build/ws",
			"search": "/search",
		},
	})
}

func (s *Server) handleA2ABuild(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req A2ARequest
	if err := decodeBody(w, r, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	task := strings.TrimSpace(req.Task)
	if task == "" {
		task = taskBuild
	}
	if task != taskBuild && task != taskSpec && task != taskSearch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown task %q", task))
		return
	}
	if req.CallbackURL != "" {
		if err := validCallback(req.CallbackURL); err != nil {
			writeRequestError(w, err)
			return
		}
	}

	resp := A2AResponse{Protocol: a2aProtocol, Task: task, Context: req.Context}
	status := http.StatusOK
	fail := func(err error) {
		status = http.StatusInternalServerError
		resp.Status = "error"
		resp.Error = err.Error()
	}

	switch task {
	case taskSpec:
		if strings.TrimSpace(req.Prompt) == "" {
			writeError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		resp.Status = "ready"
		resp.Result = map[string]any{"prompt": req.Prompt, "stages": runtime.Stages()}
	case taskSearch:
		results, err := s.search(r.Context(), req.Prompt, defaultSearchLimit)
		if err != nil {
			writeRequestError(w, err)
			return
		}
		resp.Status = "success"
		resp.Result = SearchResponse{Query: req.Prompt, Count: len(results), Results: results}
	case taskBuild:
		bs, ctx, err := s.newBuild(r.Context(), BuildRequest{Prompt: req.Prompt})
		if err != nil {
			writeRequestError(w, err)
			return
		}
		resp.RunID = bs.RunID
		res, err := s.runBuild(ctx, bs, req.Prompt)
		if err != nil {
			fail(err)
			break
		}
		resp.Status = "success"
		resp.Result = res.Context
		resp.AgentLog = agentLogView(res.AgentLog)
	}
	resp.DurationS = math.Round(time.Since(start).Seconds()*10) / 10

	if req.CallbackURL != "" {
		go s.notify(req.CallbackURL, resp)
	}
	writeJSON(w, status, resp)
}

func validCallback(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return badRequest("callback_url must be an absolute http(s) URL")
	}
	return nil
}

// notify POSTs the A2A result to the caller's callback. Failures are
// logged only.
func (s *Server) notify(callback string, resp A2AResponse) {
	ctx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
	defer cancel()
	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("a2a.callback_failed", "url", callback, "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callback, strings.NewReader(string(body)))
	if err != nil {
		s.logger.Warn("a2a.callback_failed", "url", callback, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("a2a.callback_failed", "url", callback, "err", err)
		return
	}
	res.Body.Close()
	s.logger.Info("a2a.callback", "url", callback, "status", res.StatusCode, "run_id", resp.RunID)
}

func (s *Server) search(ctx context.Context, query string, limit int) ([]parts.Part, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, badRequest("q is required")
	}
	if s.opts.Catalog == nil {
		return nil, &requestError{status: http.StatusServiceUnavailable, msg: "parts database unavailable"}
	}
	results, err := s.opts.Catalog.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []parts.Part{}
	}
	return results, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSearchLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxSearchLimit))
			return
		}
		limit = n
	}
	results, err := s.search(r.Context(), q, limit)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Query: strings.TrimSpace(q), Count: len(results), Results: results})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "parts database unavailable")
		return
	}
	st, err := s.opts.Catalog.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "no_db", DBPath: s.opts.DBPath, Builds: s.registry.Active()}
	if s.opts.DBPath != "" {
		if _, err := os.Stat(s.opts.DBPath); err == nil {
			resp.Status = "ok"
			resp.DBExists = true
		}
	}
	if s.opts.Metrics != nil {
		snap := s.opts.Metrics.Snapshot()
		resp.Metrics = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := checkpoint.ValidateRunID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var resp RunResponse
	if bs, ok := s.registry.Get(id); ok {
		st := bs.Status()
		resp.Live = &st
	}

	var cp *runtime.Checkpoint
	if st := s.store(); st != nil {
		loaded, err := st.Load(r.Context(), id)
		switch {
		case err == nil:
			cp = loaded
		case !errors.Is(err, checkpoint.ErrNotFound):
			// Corrupt records land here too.
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if cp == nil && resp.Live == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", id))
		return
	}

	snap, err := runstate.Load(s.opts.Orchestrator.RunDir(id), cp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp.Snapshot = snap
	if cp != nil {
		resp.Context = cp.Context
		resp.AgentLog = agentLogView(cp.AgentLog)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	bs, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("build %s is not running on this server", id))
		return
	}
	WriteSSE(w, r, bs.Broadcaster)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
