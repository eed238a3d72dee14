package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/danshapiro/hwbuild/internal/llm/llmtest"
	"github.com/danshapiro/hwbuild/internal/pipeline/checkpoint"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
	"github.com/danshapiro/hwbuild/internal/pipeline/stages"
)

type harness struct {
	o     *Orchestrator
	store *checkpoint.FSStore
	gen   *llmtest.Scripted
	root  string

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, gen *llmtest.Scripted, opts ...DispatcherOption) *harness {
	t.Helper()
	root := t.TempDir()
	store, err := checkpoint.NewFSStore(root)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	quiet := slog.New(slog.DiscardHandler)
	d, err := NewDispatcher(stages.Table(stages.Deps{Generator: gen, Logger: quiet}),
		append([]DispatcherOption{WithLogger(quiet)}, opts...)...)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	h := &harness{store: store, gen: gen, root: root}
	h.o = &Orchestrator{Dispatcher: d, Store: store, StateRoot: root, Logger: quiet, Progress: h.record}
	return h
}

func (h *harness) record(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *harness) eventNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.events))
	for _, ev := range h.events {
		name := ev.Event
		if ev.Stage != "" {
			name += ":" + ev.Stage
		}
		out = append(out, name)
	}
	return out
}

// seed saves a fresh checkpoint without running anything.
func (h *harness) seed(t *testing.T, runID, prompt string) {
	t.Helper()
	if err := h.store.Save(context.Background(), runtime.NewCheckpoint(runID, prompt)); err != nil {
		t.Fatalf("seed %s: %v", runID, err)
	}
}

func (h *harness) load(t *testing.T, runID string) *runtime.Checkpoint {
	t.Helper()
	cp, err := h.store.Load(context.Background(), runID)
	if err != nil {
		t.Fatalf("load %s: %v", runID, err)
	}
	return cp
}

// stubHandler lets dispatcher tests script a handler directly.
type stubHandler struct {
	stage    runtime.StageID
	required []string
	fn       func(ctx context.Context, in *stages.Input) (any, error)
}

func (s stubHandler) Stage() runtime.StageID { return s.stage }
func (s stubHandler) Task() string           { return s.stage.Task() }
func (s stubHandler) Required() []string     { return s.required }
func (s stubHandler) Handle(ctx context.Context, in *stages.Input) (any, error) {
	return s.fn(ctx, in)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
