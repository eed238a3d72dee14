package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danshapiro/hwbuild/internal/llm/llmtest"
	"github.com/danshapiro/hwbuild/internal/metrics"
	"github.com/danshapiro/hwbuild/internal/parts"
	"github.com/danshapiro/hwbuild/internal/pipeline/checkpoint"
	"github.com/danshapiro/hwbuild/internal/pipeline/engine"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
	"github.com/danshapiro/hwbuild/internal/pipeline/stages"
	"github.com/danshapiro/hwbuild/internal/pipeline/stages/stagetest"
)

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	gen   *llmtest.Scripted
	store *checkpoint.FSStore
}

// newTestServer wires a full pipeline over a scripted generator and wraps
// the server's handler in httptest.Server.
func newTestServer(t *testing.T, gen *llmtest.Scripted, mutate ...func(*Options)) *testEnv {
	t.Helper()
	root := t.TempDir()
	store, err := checkpoint.NewFSStore(root)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	quiet := slog.New(slog.DiscardHandler)
	m := metrics.New()
	d, err := engine.NewDispatcher(stages.Table(stages.Deps{Generator: gen, Logger: quiet}),
		engine.WithLogger(quiet), engine.WithMetrics(m))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	opts := Options{
		Addr:          ":0",
		Orchestrator:  &engine.Orchestrator{Dispatcher: d, Store: store, StateRoot: root, Logger: quiet, Metrics: m},
		Metrics:       m,
		Logger:        quiet,
		MaxConcurrent: 2,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown()
	})
	return &testEnv{srv: srv, ts: ts, gen: gen, store: store}
}

func seededCatalog(t *testing.T) *parts.Catalog {
	t.Helper()
	c, err := parts.Open(context.Background(), filepath.Join(t.TempDir(), "parts.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	_, err = c.Import(context.Background(), []parts.ImportPart{
		{Name: "ESP32 DevKit V1 WiFi Bluetooth Board", URL: "https://robu.in/p/esp32-devkit", Price: 450, Category: "Development Boards"},
		{Name: "BME280 Temperature Humidity Pressure Sensor", URL: "https://robu.in/p/bme280", Price: 310, Category: "Sensors"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	return c
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getURL(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func buildBody(prompt string) string {
	b, _ := json.Marshal(BuildRequest{Prompt: prompt})
	return string(b)
}

// failingStore refuses every save, which the orchestrator treats as a
// fault.
type failingStore struct{}

func (failingStore) Save(context.Context, *runtime.Checkpoint) error {
	return errors.New("disk full")
}
func (failingStore) Load(context.Context, string) (*runtime.Checkpoint, error) {
	return nil, checkpoint.ErrNotFound
}
func (failingStore) List(context.Context, string) ([]string, error) { return nil, nil }
func (failingStore) Close() error                                   { return nil }

func TestIntegration_BuildReturnsReadyProject(t *testing.T) {
	env := newTestServer(t, stagetest.Generator())

	resp := postJSON(t, env.ts.URL+"/build", buildBody(stagetest.WeatherStationPrompt))
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status=%d body=%s", resp.StatusCode, b)
	}
	if id := resp.Header.Get("X-Request-Id"); len(id) != 26 {
		t.Fatalf("X-Request-Id=%q want a ULID", id)
	}
	if resp.Header.Get("X-Duration-Ms") == "" {
		t.Fatal("missing X-Duration-Ms")
	}

	var body BuildResponse
	decode(t, resp, &body)
	if body.Status != "ready" || body.Project == nil || body.Project.Requirements.ProjectName != "Solar Weather Station" {
		t.Fatalf("unexpected body: status=%s project=%+v", body.Status, body.Project)
	}
	if len(body.AgentLog) != 6 {
		t.Fatalf("agent_log=%d want 6", len(body.AgentLog))
	}
	for _, e := range body.AgentLog {
		if e.Status != "done" || e.Task == "" {
			t.Fatalf("agent entry %+v", e)
		}
	}
}

func TestIntegration_BuildRejectsBadRequests(t *testing.T) {
	env := newTestServer(t, stagetest.Generator())
	for _, body := range []string{`{}`, `{"prompt": "   "}`, `not json`, `{"prompt": "x", "run_id": "bad id"}`} {
		resp := postJSON(t, env.ts.URL+"/build", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status=%d want 400", body, resp.StatusCode)
		}
	}
	if len(env.gen.Calls()) != 0 {
		t.Fatal("rejected request reached the generator")
	}
}

func TestIntegration_BuildRefusesExistingRunID(t *testing.T) {
	env := newTestServer(t, stagetest.Generator())
	if err := env.store.Save(context.Background(), runtime.NewCheckpoint("01TAKEN", "p")); err != nil {
		t.Fatal(err)
	}
	resp := postJSON(t, env.ts.URL+"/build", `{"prompt": "p", "run_id": "01TAKEN"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status=%d want 409", resp.StatusCode)
	}
}

func TestIntegration_BuildFaultIs500(t *testing.T) {
	env := newTestServer(t, stagetest.Generator(), func(o *Options) {
		o.Orchestrator.Store = failingStore{}
	})
	resp := postJSON(t, env.ts.URL+"/build", buildBody("a lamp"))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d want 500", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["status"] != "error" || !strings.Contains(body["error"], "disk full") {
		t.Fatalf("body=%v", body)
	}
}

func readSSE(t *testing.T, r io.Reader) (names []string, data []string) {
	t.Helper()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
		if d, ok := strings.CutPrefix(line, "data: "); ok {
			data = append(data, d)
		}
	}
	return names, data
}

func TestIntegration_BuildStreamEmitsStatusResultDone(t *testing.T) {
	env := newTestServer(t, stagetest.Generator())

	resp := postJSON(t, env.ts.URL+"/build/stream", buildBody(stagetest.WeatherStationPrompt))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}
	names, data := readSSE(t, resp.Body)
	if len(names) < 3 {
		t.Fatalf("events=%v", names)
	}
	n := len(names)
	if names[n-2] != "result" || names[n-1] != "done" {
		t.Fatalf("stream should end with result, done: %v", names)
	}
	for _, name := range names[:n-2] {
		if name != "status" {
			t.Fatalf("unexpected event %q before result: %v", name, names)
		}
	}
	var first engine.Event
	if err := json.Unmarshal([]byte(data[0]), &first); err != nil || first.Event != engine.EventRunStart || first.Message == "" {
		t.Fatalf("first status=%s err=%v", data[0], err)
	}
	var result BuildResponse
	if err := json.Unmarshal([]byte(data[n-2]), &result); err != nil || result.Status != "ready" {
		t.Fatalf("result=%s err=%v", data[n-2], err)
	}
}

func TestIntegration_BuildStreamFaultEmitsError(t *testing.T) {
	env := newTestServer(t, stagetest.Generator(), func(o *Options) {
		o.Orchestrator.Store = failingStore{}
	})
	resp := postJSON(t, env.ts.URL+"/build/stream", buildBody("a lamp"))
	names, _ := readSSE(t, resp.Body)
	if strings.Join(names, ",") != "status,error,done" {
		t.Fatalf("events=%v", names)
	}
}

func TestIntegration_BuildWebsocket(t *testing.T) {
	env := newTestServer(t, stagetest.Generator())

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/build/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("upgrade response lacks X-Request-Id")
	}
	if err := conn.WriteJSON(BuildRequest{Prompt: stagetest.WeatherStationPrompt}); err != nil {
		t.Fatalf("write prompt: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var names []string
	for {
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		names = append(names, frame.Event)
		if frame.Event == "done" {
			break
		}
	}
	n := len(names)
	if n < 3 || names[0] != "status" || names[n-2] != "result" || names[n-1] != "done" {
		t.Fatalf("frames=%v", names)
	}
}

func TestIntegration_BuildLimitReturns429(t *testing.T) {
	env := newTestServer(t, stagetest.Generator(), func(o *Options) { o.MaxConcurrent = 1 })
	if !env.srv.builds.TryAcquire(1) {
		t.Fatal("fresh server has no free build slot")
	}

	for _, path := range []string{"/build", "/build/stream", "/a2a/build"} {
		resp := postJSON(t, env.ts.URL+path, buildBody("a lamp"))
		if resp.StatusCode != http.StatusTooManyRequests {
			t.Fatalf("%s: status=%d want 429", path, resp.StatusCode)
		}
		if resp.Header.Get("Retry-After") != "30" {
			t.Fatalf("%s: Retry-After=%q", path, resp.Header.Get("Retry-After"))
		}
		var body ErrorResponse
		decode(t, resp, &body)
		if body.Error != busyMessage {
			t.Fatalf("%s: error=%q", path, body.Error)
		}
	}
	if resp := getURL(t, env.ts.URL+"/health"); resp.StatusCode != http.StatusOK {
		t.Fatalf("health is not limited: %d", resp.StatusCode)
	}

	env.srv.builds.Release(1)
	if resp := postJSON(t, env.ts.URL+"/build", buildBody(stagetest.WeatherStationPrompt)); resp.StatusCode != http.StatusOK {
		t.Fatalf("after release: status=%d", resp.StatusCode)
	}
}

func TestIntegration_A2ADiscover(t *testing.T) {
	env := newTestServer(t, stagetest.Generator())
	var card AgentCard
	decode(t, getURL(t, env.ts.URL+"/a2a/discover"), &card)
	if card.Agent != "hardware-builder" || card.Protocol != "a2a/1.0" || card.Version != "1.0.0" {
		t.Fatalf("card=%+v", card)
	}
	var names []string
	for _, c := range card.Capabilities {
		names = append(names, c.Name)
	}
	if strings.Join(names, ",") != "hardware_build,hardware_spec,parts_search" {
		t.Fatalf("capabilities=%v", names)
	}
}

func TestIntegration_A2ABuildEchoesContextAndCallsBack(t *testing.T) {
	env := newTestServer(t, stagetest.Generator())

	got := make(chan A2AResponse, 1)
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body A2AResponse
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
	}))
	defer cb.Close()

	req := `{"prompt": "` + stagetest.WeatherStationPrompt + `", "callback_url": "` + cb.URL + `", "context": {"ticket": 42, "tags": ["x"]}}`
	resp := postJSON(t, env.ts.URL+"/a2a/build", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var body map[string]json.RawMessage
	decode(t, resp, &body)
	if string(body["task"]) != `"hardware_build"` || string(body["status"]) != `"success"` || string(body["protocol"]) != `"a2a/1.0"` {
		t.Fatalf("envelope=%v", body)
	}
	if string(body["context"]) != `{"ticket":42,"tags":["x"]}` {
		t.Fatalf("context not echoed verbatim: %s", body["context"])
	}
	if _, ok := body["duration_s"]; !ok {
		t.Fatal("missing duration_s")
	}

	select {
	case cbBody := <-got:
		if cbBody.Status != "success" || cbBody.Task != "hardware_build" {
			t.Fatalf("callback body=%+v", cbBody)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never arrived")
	}
}

func TestIntegration_A2ATasks(t *testing.T) {
	env := newTestServer(t, stagetest.Generator(), func(o *Options) { o.Catalog = seededCatalog(t) })

	resp := postJSON(t, env.ts.URL+"/a2a/build", `{"task": "hardware_spec", "prompt": "a lamp"}`)
	var spec A2AResponse
	decode(t, resp, &spec)
	if resp.StatusCode != http.StatusOK || spec.Status != "ready" {
		t.Fatalf("spec: %d %+v", resp.StatusCode, spec)
	}
	if len(env.gen.Calls()) != 0 {
		t.Fatal("hardware_spec ran the pipeline")
	}

	resp = postJSON(t, env.ts.URL+"/a2a/build", `{"task": "parts_search", "prompt": "ESP32"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("parts_search status=%d", resp.StatusCode)
	}

	for _, body := range []string{
		`{"task": "teleport", "prompt": "x"}`,
		`{"prompt": "x", "callback_url": "ftp://example.com/hook"}`,
	} {
		if resp := postJSON(t, env.ts.URL+"/a2a/build", body); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status=%d want 400", body, resp.StatusCode)
		}
	}
}

func TestIntegration_A2AFault(t *testing.T) {
	env := newTestServer(t, stagetest.Generator(), func(o *Options) {
		o.Orchestrator.Store = failingStore{}
	})
	resp := postJSON(t, env.ts.URL+"/a2a/build", `{"prompt": "a lamp"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d want 500", resp.StatusCode)
	}
	var body A2AResponse
	decode(t, resp, &body)
	if body.Status != "error" || body.Error == "" || body.Protocol != "a2a/1.0" {
		t.Fatalf("body=%+v", body)
	}
}

func TestIntegration_SearchAndStats(t *testing.T) {
	env := newTestServer(t, stagetest.Generator(), func(o *Options) { o.Catalog = seededCatalog(t) })

	var res SearchResponse
	resp := getURL(t, env.ts.URL+"/search?q=ESP32&limit=5")
	decode(t, resp, &res)
	if resp.StatusCode != http.StatusOK || res.Count != 1 || res.Results[0].URL != "https://robu.in/p/esp32-devkit" {
		t.Fatalf("search: %d %+v", resp.StatusCode, res)
	}
	for _, q := range []string{"/search", "/search?q=x&limit=0", "/search?q=x&limit=101", "/search?q=x&limit=ten"} {
		if resp := getURL(t, env.ts.URL+q); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status=%d want 400", q, resp.StatusCode)
		}
	}

	var st parts.Stats
	resp = getURL(t, env.ts.URL+"/stats")
	decode(t, resp, &st)
	if st.TotalParts != 2 || st.Categories != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestIntegration_SearchWithoutCatalog(t *testing.T) {
	env := newTestServer(t, stagetest.Generator())
	for _, p := range []string{"/search?q=esp32", "/stats"} {
		if resp := getURL(t, env.ts.URL+p); resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s: status=%d want 503", p, resp.StatusCode)
		}
	}
}

func TestIntegration_Health(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "parts.db")
	env := newTestServer(t, stagetest.Generator(), func(o *Options) { o.DBPath = dbPath })

	var h HealthResponse
	decode(t, getURL(t, env.ts.URL+"/health"), &h)
	if h.Status != "no_db" || h.DBExists {
		t.Fatalf("before db: %+v", h)
	}
	if err := os.WriteFile(dbPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	decode(t, getURL(t, env.ts.URL+"/health"), &h)
	if h.Status != "ok" || !h.DBExists || h.Metrics == nil {
		t.Fatalf("after db: %+v", h)
	}
}

func TestIntegration_RunLookup(t *testing.T) {
	env := newTestServer(t, stagetest.Generator())
	resp := postJSON(t, env.ts.URL+"/build", `{"prompt": "`+stagetest.WeatherStationPrompt+`", "run_id": "01LOOKUP"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("build status=%d", resp.StatusCode)
	}

	var run RunResponse
	resp = getURL(t, env.ts.URL+"/runs/01LOOKUP")
	decode(t, resp, &run)
	if resp.StatusCode != http.StatusOK || run.Snapshot == nil {
		t.Fatalf("lookup: %d %+v", resp.StatusCode, run)
	}
	if run.Snapshot.State != "ready" || len(run.Snapshot.CompletedStages) != 6 || run.Snapshot.LastEvent != engine.EventRunDone {
		t.Fatalf("snapshot=%+v", run.Snapshot)
	}
	if run.Live == nil || run.Live.State != "ready" {
		t.Fatalf("live=%+v", run.Live)
	}

	names, _ := readSSE(t, getURL(t, env.ts.URL+"/runs/01LOOKUP/events").Body)
	if n := len(names); n < 2 || names[n-2] != "result" || names[n-1] != "done" {
		t.Fatalf("replay=%v", names)
	}

	if resp := getURL(t, env.ts.URL+"/runs/01MISSING"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing: status=%d want 404", resp.StatusCode)
	}
	if resp := getURL(t, env.ts.URL+"/runs/bad~id"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid: status=%d want 400", resp.StatusCode)
	}
	if resp := getURL(t, env.ts.URL+"/runs/01MISSING/events"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("events of unknown build: status=%d want 404", resp.StatusCode)
	}

	if err := os.WriteFile(env.store.Path("01LOOKUP"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if resp := getURL(t, env.ts.URL+"/runs/01LOOKUP"); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("corrupt: status=%d want 500", resp.StatusCode)
	}
}

func TestIntegration_MetricsAndCORS(t *testing.T) {
	env := newTestServer(t, stagetest.Generator())
	postJSON(t, env.ts.URL+"/build", buildBody(stagetest.WeatherStationPrompt))

	b, _ := io.ReadAll(getURL(t, env.ts.URL+"/metrics").Body)
	for _, want := range []string{"hwbuild_builds_total", "hwbuild_stage_total"} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("/metrics lacks %s", want)
		}
	}

	req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+"/build", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight: %d %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

func TestNew_RequiresOrchestrator(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without orchestrator")
	}
}
