package runtime

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func completedEnvelope(t *testing.T, stage StageID, result string) Envelope {
	t.Helper()
	e := NewEnvelope(stage, map[string]any{"prompt": "x"})
	now := time.Unix(2000, 0)
	if err := e.Start(now); err != nil {
		t.Fatal(err)
	}
	if err := e.Complete(json.RawMessage(result), now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	return e.Snapshot()
}

func sampleCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	cp := NewCheckpoint("01J0000000000000000000RUN1", "weather station")
	req := `{"project_name":"Weather Station","components_needed":["ESP32","BME280"]}`
	if err := cp.Context.Merge(StageRequirements, json.RawMessage(req)); err != nil {
		t.Fatal(err)
	}
	if err := cp.MarkCompleted(completedEnvelope(t, StageRequirements, req), time.Now()); err != nil {
		t.Fatal(err)
	}
	return cp
}

func TestCheckpoint_EncodeDecodeRoundTrip(t *testing.T) {
	cp := sampleCheckpoint(t)
	b, err := EncodeCheckpoint(cp)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeCheckpoint(cp.RunID, b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(got.Context, cp.Context) {
		t.Fatalf("context differs\n got=%+v\nwant=%+v", got.Context, cp.Context)
	}
	if next, _ := got.NextStage(); next != StageParts {
		t.Fatalf("next=%s", next)
	}
}

func TestCheckpoint_DecodeDetectsCorruption(t *testing.T) {
	cp := sampleCheckpoint(t)
	b, _ := EncodeCheckpoint(cp)

	cases := map[string][]byte{
		"truncated":   b[:len(b)/2],
		"edited":      []byte(strings.Replace(string(b), "Weather Station", "Weather Statio", 1)),
		"garbage":     []byte("not json"),
		"wrong run":   nil,
		"no checksum": []byte(`{"checkpoint":{}}`),
	}
	for name, data := range cases {
		runID := cp.RunID
		if name == "wrong run" {
			data = b
			runID = "01J0000000000000000000RUN2"
		}
		_, err := DecodeCheckpoint(runID, data)
		var ce *CorruptCheckpointError
		if !errors.As(err, &ce) {
			t.Fatalf("%s: want CorruptCheckpointError, got %v", name, err)
		}
		if ErrorKind(err) != KindCorruptCheckpoint {
			t.Fatalf("%s: kind=%s", name, ErrorKind(err))
		}
	}
}

func TestCheckpoint_ValidateRejectsInconsistentRecords(t *testing.T) {
	cp := sampleCheckpoint(t)
	cp.CompletedStages = []StageID{StageParts}
	if err := cp.Validate(); err == nil {
		t.Fatal("out-of-order completed_stages accepted")
	}

	cp = sampleCheckpoint(t)
	cp.AgentLog = nil
	if err := cp.Validate(); err == nil {
		t.Fatal("missing agent_log entry accepted")
	}

	cp = sampleCheckpoint(t)
	cp.Context.Requirements = nil
	if err := cp.Validate(); err == nil {
		t.Fatal("completed stage without its field accepted")
	}
}

func TestCheckpoint_MarkCompletedEnforcesOrder(t *testing.T) {
	cp := NewCheckpoint("r", "x")
	if err := cp.MarkCompleted(completedEnvelope(t, StagePCB, `{}`), time.Now()); err == nil {
		t.Fatal("pcb recorded before requirements")
	}
	pending := *NewEnvelope(StageRequirements, nil)
	if err := cp.MarkCompleted(pending, time.Now()); err == nil {
		t.Fatal("non-terminal envelope recorded")
	}
}

func TestWriteJSONAtomicFile_ReplacesContent(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "state.json")
	if err := WriteJSONAtomicFile(p, map[string]int{"a": 1}); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := WriteJSONAtomicFile(p, map[string]int{"a": 2}); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	var got map[string]int
	if err := ReadJSONFile(p, &got); err != nil || got["a"] != 2 {
		t.Fatalf("got=%v err=%v", got, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(p))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}
