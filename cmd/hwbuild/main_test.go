package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danshapiro/hwbuild/internal/config"
	"github.com/danshapiro/hwbuild/internal/llm"
	"github.com/danshapiro/hwbuild/internal/pipeline/checkpoint"
	"github.com/danshapiro/hwbuild/internal/pipeline/engine"
	"github.com/danshapiro/hwbuild/internal/pipeline/runstate"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
	"github.com/danshapiro/hwbuild/internal/pipeline/stages/stagetest"
)

// TestMain swaps in the scripted weather-station generator. When
// HWB_TEST_CHILD is set the test binary acts as hwbuild itself, which is
// how --staged children are exercised.
func TestMain(m *testing.M) {
	baseGenerator = func(*config.Config) (llm.Generator, error) {
		if os.Getenv("HWB_TEST_SCRIPT") == "failing_pcb" {
			return stagetest.FailingPCB(), nil
		}
		return stagetest.Generator(), nil
	}
	if os.Getenv("HWB_TEST_CHILD") == "1" {
		os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

type testDirs struct {
	state  string
	output string
	db     string
}

func setupEnv(t *testing.T) testDirs {
	t.Helper()
	root := t.TempDir()
	d := testDirs{
		state:  filepath.Join(root, "runs"),
		output: filepath.Join(root, "output"),
		db:     filepath.Join(root, "data", "parts.db"),
	}
	t.Setenv("HWB_STATE_DIR", d.state)
	t.Setenv("HWB_OUTPUT_DIR", d.output)
	t.Setenv("HWB_PARTS_DB", d.db)
	t.Setenv("HWB_CACHE_TTL", "0")
	t.Setenv("HWB_RETRY_BASE_MS", "1")
	t.Setenv("HWB_LOG_LEVEL", "error")
	t.Setenv("HWB_CHECKPOINT_URL", "")
	t.Setenv("HWB_TEST_SCRIPT", "")
	return d
}

func runCLI(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errb bytes.Buffer
	code = run(args, &out, &errb)
	return code, out.String(), errb.String()
}

func decodeResult(t *testing.T, s string) engine.Result {
	t.Helper()
	var res engine.Result
	if err := json.Unmarshal([]byte(s), &res); err != nil {
		t.Fatalf("decode result: %v\n%s", err, s)
	}
	return res
}

func saveStoppedRun(t *testing.T, d testDirs, runID string) {
	t.Helper()
	store, err := checkpoint.NewFSStore(d.state)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	if err := store.Save(context.Background(), runtime.NewCheckpoint(runID, stagetest.WeatherStationPrompt)); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
}

func TestBuild_JSONAndOutputFile(t *testing.T) {
	d := setupEnv(t)
	out := filepath.Join(t.TempDir(), "project.json")

	code, stdout, stderr := runCLI(t, "build", "--json", "-o", out, "--run-id", "cli-json", stagetest.WeatherStationPrompt)
	if code != 0 {
		t.Fatalf("exit %d\nstderr: %s", code, stderr)
	}
	res := decodeResult(t, stdout)
	if res.RunID != "cli-json" || res.Context.Status != runtime.ProjectReady {
		t.Fatalf("result: run_id=%q status=%q", res.RunID, res.Context.Status)
	}
	if len(res.AgentLog) == 0 {
		t.Fatal("expected agent log entries")
	}
	saved, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got := decodeResult(t, string(saved)); got.RunID != "cli-json" {
		t.Fatalf("saved run_id = %q", got.RunID)
	}
	if !strings.Contains(stderr, "stage.done") {
		t.Fatalf("progress missing from stderr:\n%s", stderr)
	}
	runDir := filepath.Join(d.state, "cli-json")
	for _, f := range []string{runstate.ProgressFile, runstate.PIDFile} {
		if _, err := os.Stat(filepath.Join(runDir, f)); err != nil {
			t.Fatalf("%s: %v", f, err)
		}
	}
}

func TestBuild_SummarySavedUnderOutputDir(t *testing.T) {
	d := setupEnv(t)

	code, stdout, stderr := runCLI(t, "build", "--run-id", "cli-summary", stagetest.WeatherStationPrompt)
	if code != 0 {
		t.Fatalf("exit %d\nstderr: %s", code, stderr)
	}
	for _, want := range []string{"Project:", "Status:", "ready", "cli-summary"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("summary missing %q:\n%s", want, stdout)
		}
	}
	path := filepath.Join(d.output, "cli-summary.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default output: %v", err)
	}
	if !strings.Contains(stderr, "saved to "+path) {
		t.Fatalf("stderr does not name the output file:\n%s", stderr)
	}
}

func TestBuild_PartialProjectIsNotAFailure(t *testing.T) {
	setupEnv(t)
	t.Setenv("HWB_TEST_SCRIPT", "failing_pcb")

	code, stdout, stderr := runCLI(t, "build", "--json", "--run-id", "cli-partial", stagetest.WeatherStationPrompt)
	if code != 0 {
		t.Fatalf("exit %d\nstderr: %s", code, stderr)
	}
	res := decodeResult(t, stdout)
	if res.Context.Status != runtime.ProjectPartial {
		t.Fatalf("status = %q, want partial", res.Context.Status)
	}
	if res.Context.Assembly == nil {
		t.Fatal("stages after the failed one should still run")
	}
}

func TestCLI_UsageErrorsExitTwo(t *testing.T) {
	setupEnv(t)
	cases := [][]string{
		{"build"},
		{"build", "   "},
		{"build", "--no-such-flag", "x"},
		{"status"},
		{"resume"},
		{"abort"},
		{"stage", "--run-id", "r1", "--stage", "firmware"},
		{"search", "--limit", "0", "esp32"},
	}
	for _, args := range cases {
		code, _, stderr := runCLI(t, args...)
		if code != 2 {
			t.Fatalf("%v: exit %d, want 2\nstderr: %s", args, code, stderr)
		}
	}
}

func TestStatus_AfterBuild(t *testing.T) {
	setupEnv(t)
	if code, _, stderr := runCLI(t, "build", "--run-id", "cli-status", stagetest.WeatherStationPrompt); code != 0 {
		t.Fatalf("build exit %d\n%s", code, stderr)
	}

	code, stdout, stderr := runCLI(t, "status", "--run-id", "cli-status", "--json")
	if code != 0 {
		t.Fatalf("status exit %d\n%s", code, stderr)
	}
	var snap runstate.Snapshot
	if err := json.Unmarshal([]byte(stdout), &snap); err != nil {
		t.Fatalf("decode snapshot: %v\n%s", err, stdout)
	}
	if snap.State != runstate.StateReady {
		t.Fatalf("state = %q, want ready", snap.State)
	}
	if len(snap.CompletedStages) != len(runtime.Stages()) {
		t.Fatalf("completed = %v", snap.CompletedStages)
	}
	if snap.LastEvent != engine.EventRunDone {
		t.Fatalf("last event = %q", snap.LastEvent)
	}

	code, stdout, _ = runCLI(t, "status", "--run-id", "cli-status")
	if code != 0 || !strings.Contains(stdout, "ready") {
		t.Fatalf("text status exit %d:\n%s", code, stdout)
	}
}

func TestStatus_UnknownRun(t *testing.T) {
	setupEnv(t)
	code, _, stderr := runCLI(t, "status", "--run-id", "nope")
	if code != 1 || !strings.Contains(stderr, "not found") {
		t.Fatalf("exit %d stderr %q", code, stderr)
	}
}

func TestResume_FinishesStoppedRun(t *testing.T) {
	d := setupEnv(t)
	saveStoppedRun(t, d, "cli-resume")

	code, stdout, stderr := runCLI(t, "resume", "--run-id", "cli-resume", "--json")
	if code != 0 {
		t.Fatalf("exit %d\nstderr: %s", code, stderr)
	}
	if res := decodeResult(t, stdout); res.Context.Status != runtime.ProjectReady {
		t.Fatalf("status = %q", res.Context.Status)
	}
}

func TestResume_UnknownRunLeavesNoState(t *testing.T) {
	d := setupEnv(t)
	code, _, _ := runCLI(t, "resume", "--run-id", "ghost")
	if code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
	if _, err := os.Stat(filepath.Join(d.state, "ghost")); !os.IsNotExist(err) {
		t.Fatalf("run dir created for unknown run: %v", err)
	}
}

func TestAbort_SealsRunAndResumeRefuses(t *testing.T) {
	d := setupEnv(t)
	saveStoppedRun(t, d, "cli-abort")

	code, stdout, stderr := runCLI(t, "abort", "--run-id", "cli-abort", "--reason", "bench test")
	if code != 0 || !strings.Contains(stdout, "aborted") {
		t.Fatalf("abort exit %d\nstdout: %s\nstderr: %s", code, stdout, stderr)
	}

	code, _, stderr = runCLI(t, "resume", "--run-id", "cli-abort")
	if code != 1 || !strings.Contains(stderr, "aborted") {
		t.Fatalf("resume exit %d stderr %q", code, stderr)
	}

	code, stdout, _ = runCLI(t, "status", "--run-id", "cli-abort", "--json")
	if code != 0 {
		t.Fatalf("status exit %d", code)
	}
	var snap runstate.Snapshot
	if err := json.Unmarshal([]byte(stdout), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.State != runstate.StateAborted || snap.LastEvent != engine.EventRunAbort {
		t.Fatalf("snapshot = %+v", snap)
	}

	code, _, stderr = runCLI(t, "abort", "--run-id", "cli-abort")
	if code != 1 || !strings.Contains(stderr, "already finished") {
		t.Fatalf("second abort exit %d stderr %q", code, stderr)
	}
}

func TestStage_RefusesOutOfOrder(t *testing.T) {
	d := setupEnv(t)
	saveStoppedRun(t, d, "cli-stage")

	code, _, stderr := runCLI(t, "stage", "--run-id", "cli-stage", "--stage", "pcb")
	if code != 1 || !strings.Contains(stderr, "out of order") {
		t.Fatalf("exit %d stderr %q", code, stderr)
	}
	code, _, stderr = runCLI(t, "stage", "--run-id", "cli-stage", "--stage", "requirements")
	if code != 0 {
		t.Fatalf("requirements exit %d\n%s", code, stderr)
	}
}

func TestBuild_StagedRunsEveryStageInAChild(t *testing.T) {
	setupEnv(t)
	t.Setenv("HWB_TEST_CHILD", "1")

	code, stdout, stderr := runCLI(t, "build", "--staged", "--json", "--run-id", "cli-staged", stagetest.WeatherStationPrompt)
	if code != 0 {
		t.Fatalf("exit %d\nstderr: %s", code, stderr)
	}
	res := decodeResult(t, stdout)
	if res.Context.Status != runtime.ProjectReady {
		t.Fatalf("status = %q", res.Context.Status)
	}
	if res.Context.Assembly == nil || len(res.Context.BOM) == 0 {
		t.Fatalf("context missing stage results: %+v", res.Context)
	}
}

func TestParts_ImportSearchStats(t *testing.T) {
	setupEnv(t)

	code, _, stderr := runCLI(t, "search", "esp32")
	if code != 1 || !strings.Contains(stderr, "hwbuild parts import") {
		t.Fatalf("search without db: exit %d stderr %q", code, stderr)
	}

	file := filepath.Join(t.TempDir(), "parts.json")
	body := `[
  {"name": "ESP32 DevKit V1 WiFi Bluetooth Board", "url": "https://robu.in/p/esp32-devkit", "price": 450, "category": "Development Boards"},
  {"name": "BME280 Temperature Humidity Pressure Sensor", "url": "https://robu.in/p/bme280", "category": "Sensors"}
]`
	if err := os.WriteFile(file, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	code, stdout, stderr := runCLI(t, "parts", "import", file)
	if code != 0 || !strings.Contains(stdout, "imported 2 parts") {
		t.Fatalf("import exit %d\nstdout: %s\nstderr: %s", code, stdout, stderr)
	}

	code, stdout, _ = runCLI(t, "search", "esp32")
	if code != 0 || !strings.Contains(stdout, "ESP32 DevKit") || !strings.Contains(stdout, "$5.40") {
		t.Fatalf("search exit %d:\n%s", code, stdout)
	}
	code, stdout, _ = runCLI(t, "search", "bme280")
	if code != 0 || !strings.Contains(stdout, "N/A") {
		t.Fatalf("unpriced search exit %d:\n%s", code, stdout)
	}

	code, stdout, _ = runCLI(t, "stats", "--json")
	if code != 0 {
		t.Fatalf("stats exit %d", code)
	}
	var s struct {
		TotalParts  int `json:"total_parts"`
		PricedParts int `json:"priced_parts"`
	}
	if err := json.Unmarshal([]byte(stdout), &s); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if s.TotalParts != 2 || s.PricedParts != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestBuild_RefusesExistingRunID(t *testing.T) {
	d := setupEnv(t)
	if code, _, stderr := runCLI(t, "build", "--run-id", "cli-taken", stagetest.WeatherStationPrompt); code != 0 {
		t.Fatalf("first build exit %d\n%s", code, stderr)
	}
	code, _, stderr := runCLI(t, "build", "--run-id", "cli-taken", "a different project")
	if code != 1 || !strings.Contains(stderr, "already exists") {
		t.Fatalf("second build exit %d stderr %q", code, stderr)
	}

	saveStoppedRun(t, d, "cli-sealed")
	if code, _, stderr := runCLI(t, "abort", "--run-id", "cli-sealed"); code != 0 {
		t.Fatalf("abort exit %d\n%s", code, stderr)
	}
	for _, args := range [][]string{
		{"build", "--run-id", "cli-sealed", stagetest.WeatherStationPrompt},
		{"build", "--staged", "--run-id", "cli-sealed", stagetest.WeatherStationPrompt},
	} {
		code, _, stderr := runCLI(t, args...)
		if code != 1 || !strings.Contains(stderr, "already exists") {
			t.Fatalf("%v: exit %d stderr %q", args, code, stderr)
		}
	}

	store, err := checkpoint.NewFSStore(d.state)
	if err != nil {
		t.Fatal(err)
	}
	cp, err := store.Load(context.Background(), "cli-sealed")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cp.Aborted || len(cp.CompletedStages) != 0 {
		t.Fatalf("sealed run was rewritten: aborted=%v completed=%v", cp.Aborted, cp.CompletedStages)
	}
	cp, err = store.Load(context.Background(), "cli-taken")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.Context.Prompt != stagetest.WeatherStationPrompt {
		t.Fatalf("finished run was rewritten with prompt %q", cp.Context.Prompt)
	}
}
