package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"

	"github.com/danshapiro/hwbuild/internal/metrics"
	"github.com/danshapiro/hwbuild/internal/pipeline/checkpoint"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

var (
	ErrNoStore     = errors.New("orchestrator has no checkpoint store")
	ErrRunAborted  = errors.New("run was aborted")
	ErrRunComplete = errors.New("run is already complete")
	ErrOutOfOrder  = errors.New("stage requested out of order")
	ErrRunExists   = errors.New("run already exists")
)

// Result is a finished (or resumed-to-finish) run.
type Result struct {
	RunID    string                  `json:"run_id"`
	Context  *runtime.ProjectContext `json:"context"`
	AgentLog []runtime.Envelope      `json:"agent_log"`
}

// Orchestrator runs the six stages in order over one project context.
// Stage failures are data: the stage's field gets its empty default and
// the run continues. Only store faults and cancellation stop a run.
type Orchestrator struct {
	Dispatcher *Dispatcher
	// Store is optional for Run and required by Resume, RunStage and Abort.
	Store checkpoint.Store
	// StateRoot holds one directory per run; artifacts go to
	// <StateRoot>/<run_id>/artifacts.
	StateRoot string
	Progress  ProgressFunc
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	now func() time.Time
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now()
}

// RunDir is the state directory of runID.
func (o *Orchestrator) RunDir(runID string) string {
	return runDir(o.StateRoot, runID)
}

func (o *Orchestrator) ArtifactDir(runID string) string {
	return filepath.Join(o.RunDir(runID), "artifacts")
}

func runDir(root, runID string) string {
	if root == "" {
		root = filepath.Join(os.TempDir(), "hwbuild", "runs")
	}
	return filepath.Join(root, runID)
}

func (o *Orchestrator) emit(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = o.clock().UTC()
	}
	if o.Progress != nil {
		o.Progress(ev)
	}
}

// Run starts a new run under a fresh id.
func (o *Orchestrator) Run(ctx context.Context, prompt string) (*Result, error) {
	return o.RunWithID(ctx, NewRunID(), prompt)
}

// RunWithID starts a new run under runID. An id that already has a
// checkpoint is refused with ErrRunExists; use Resume for it.
func (o *Orchestrator) RunWithID(ctx context.Context, runID, prompt string) (*Result, error) {
	if err := checkpoint.ValidateRunID(runID); err != nil {
		return nil, err
	}
	if o.Store != nil {
		_, err := o.Store.Load(ctx, runID)
		switch {
		case err == nil:
			return nil, fmt.Errorf("%w: %s", ErrRunExists, runID)
		case !errors.Is(err, checkpoint.ErrNotFound):
			return nil, fmt.Errorf("check run %s: %w", runID, err)
		}
	}
	cp := runtime.NewCheckpoint(runID, prompt)
	o.logger().Info("run.start", "run_id", runID, "prompt_bytes", len(prompt))
	o.emit(Event{RunID: runID, Event: EventRunStart, Message: fmt.Sprintf("analyzing %q", truncate(prompt, 120))})
	if o.Store != nil {
		if err := o.Store.Save(ctx, cp); err != nil {
			return nil, fmt.Errorf("save initial checkpoint: %w", err)
		}
	}
	return o.drive(ctx, cp)
}

// Resume continues a stored run from its first incomplete stage. A run
// that is already complete is returned as stored.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*Result, error) {
	cp, err := o.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp.Aborted {
		return resultOf(cp), fmt.Errorf("%w: %s", ErrRunAborted, runID)
	}
	o.logger().Info("run.resume", "run_id", runID, "completed", len(cp.CompletedStages))
	o.emit(Event{RunID: runID, Event: EventRunResume,
		Message: fmt.Sprintf("resuming after %d of %d stages", len(cp.CompletedStages), len(runtime.Stages()))})
	if cp.Done() {
		return resultOf(cp), nil
	}
	return o.drive(ctx, cp)
}

// RunStage performs exactly one stage of a stored run. stage must be the
// run's next stage.
func (o *Orchestrator) RunStage(ctx context.Context, runID string, stage runtime.StageID) error {
	cp, err := o.load(ctx, runID)
	if err != nil {
		return err
	}
	if cp.Aborted {
		return fmt.Errorf("%w: %s", ErrRunAborted, runID)
	}
	next, ok := cp.NextStage()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunComplete, runID)
	}
	if next != stage {
		return fmt.Errorf("%w: %s requested, next is %s", ErrOutOfOrder, stage, next)
	}
	started := o.clock()
	if err := o.step(ctx, cp, stage, runtime.NewAgentLog(cp.AgentLog)); err != nil {
		return err
	}
	if cp.Done() {
		o.finished(cp, o.clock().Sub(started))
	}
	return nil
}

// Abort seals a stored run. Later resumes refuse to run it.
func (o *Orchestrator) Abort(ctx context.Context, runID, reason string) error {
	cp, err := o.load(ctx, runID)
	if err != nil {
		return err
	}
	if err := cp.Context.Abort(reason); err != nil {
		return fmt.Errorf("abort %s: %w", runID, err)
	}
	cp.Aborted = true
	cp.UpdatedAt = o.clock().UTC()
	if err := o.Store.Save(ctx, cp); err != nil {
		return fmt.Errorf("save aborted checkpoint: %w", err)
	}
	o.logger().Info("run.abort", "run_id", runID, "reason", reason)
	o.emit(Event{RunID: runID, Event: EventRunAbort, Status: string(runtime.ProjectAborted), Message: reason})
	if o.Metrics != nil {
		o.Metrics.ObserveBuild(string(runtime.ProjectAborted), 0)
	}
	return nil
}

func (o *Orchestrator) load(ctx context.Context, runID string) (*runtime.Checkpoint, error) {
	if o.Store == nil {
		return nil, ErrNoStore
	}
	cp, err := o.Store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	return cp, nil
}

func (o *Orchestrator) drive(ctx context.Context, cp *runtime.Checkpoint) (*Result, error) {
	started := o.clock()
	log := runtime.NewAgentLog(cp.AgentLog)
	for !cp.Done() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run %s interrupted before %s: %w", cp.RunID, nextName(cp), err)
		}
		stage, _ := cp.NextStage()
		if err := o.step(ctx, cp, stage, log); err != nil {
			return nil, err
		}
	}
	o.finished(cp, o.clock().Sub(started))
	return resultOf(cp), nil
}

// step dispatches stage and commits the envelope the dispatcher appended
// to log. log must mirror cp.AgentLog. cp is replaced only once the new
// record has been saved.
func (o *Orchestrator) step(ctx context.Context, cp *runtime.Checkpoint, stage runtime.StageID, log *runtime.AgentLog) error {
	if err := os.MkdirAll(o.ArtifactDir(cp.RunID), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	o.emit(Event{RunID: cp.RunID, Event: EventStageStart, Stage: string(stage), Message: stage.Task()})
	env, err := o.Dispatcher.Dispatch(ctx, RunRef{ID: cp.RunID, ArtifactDir: o.ArtifactDir(cp.RunID)}, stage, cp.Context, log)
	if err != nil {
		return fmt.Errorf("run %s interrupted during %s: %w", cp.RunID, stage, err)
	}
	logged, ok := log.Last()
	if !ok || log.Len() != len(cp.AgentLog)+1 || logged.To != stage {
		return fmt.Errorf("commit %s: agent log out of step with checkpoint (%d entries, %d stored)", stage, log.Len(), len(cp.AgentLog))
	}

	next := cp.Clone()
	if env.Status == runtime.StatusDone {
		err = next.Context.Merge(stage, env.Result)
	} else {
		if err = next.Context.RecordError(stage, env.ErrorKind); err == nil {
			err = next.Context.MergeDefault(stage)
		}
	}
	if err != nil {
		return fmt.Errorf("commit %s: %w", stage, err)
	}
	now := o.clock()
	if err := next.MarkCompleted(logged, now); err != nil {
		return err
	}
	if next.Done() {
		if err := next.Context.Finish(); err != nil {
			return fmt.Errorf("finish run %s: %w", cp.RunID, err)
		}
	}
	if o.Store != nil {
		if err := o.Store.Save(ctx, next); err != nil {
			return fmt.Errorf("save checkpoint after %s: %w", stage, err)
		}
	}
	*cp = *next
	o.emit(stageEvent(cp.RunID, env))
	return nil
}

func stageEvent(runID string, env *runtime.Envelope) Event {
	ev := Event{RunID: runID, Stage: string(env.To), Status: string(env.Status)}
	if env.Status == runtime.StatusDone {
		ev.Event = EventStageDone
		ev.Message = summarize(env.To, env)
	} else {
		ev.Event = EventStageError
		ev.ErrorKind = env.ErrorKind
		ev.Message = env.Error
	}
	return ev
}

func (o *Orchestrator) finished(cp *runtime.Checkpoint, elapsed time.Duration) {
	status := string(cp.Context.Status)
	o.logger().Info("run.done", "run_id", cp.RunID, "status", status,
		"errors", len(cp.Context.Errors), "total_cost", cp.Context.TotalCost)
	o.emit(Event{RunID: cp.RunID, Event: EventRunDone, Status: status,
		Message: fmt.Sprintf("%s with %d stage errors, total $%.2f", status, len(cp.Context.Errors), cp.Context.TotalCost)})
	if o.Metrics != nil {
		o.Metrics.ObserveBuild(status, elapsed)
	}
}

func resultOf(cp *runtime.Checkpoint) *Result {
	c := cp.Clone()
	return &Result{RunID: c.RunID, Context: c.Context, AgentLog: c.AgentLog}
}

// summarize probes the result for a one-line human summary.
func summarize(stage runtime.StageID, env *runtime.Envelope) string {
	r := gjson.ParseBytes(env.Result)
	switch stage {
	case runtime.StageRequirements:
		return fmt.Sprintf("project: %s (%d components)", r.Get("project_name").String(), len(r.Get("components_needed").Array()))
	case runtime.StageParts:
		return fmt.Sprintf("bom: %d parts", len(r.Array()))
	case runtime.StagePCB:
		return fmt.Sprintf("pcb: %d connections", len(r.Get("circuit_design.connections").Array()))
	case runtime.StageCAD:
		return fmt.Sprintf("cad: %d files", len(r.Array()))
	case runtime.StageAssembler:
		return fmt.Sprintf("assembly: %d steps", len(r.Get("steps").Array()))
	case runtime.StageQuoter:
		return fmt.Sprintf("quote: $%.2f", r.Get("total").Float())
	}
	return string(stage)
}

func nextName(cp *runtime.Checkpoint) string {
	if s, ok := cp.NextStage(); ok {
		return string(s)
	}
	return "finish"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
