package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/danshapiro/hwbuild/internal/metrics"
	"github.com/danshapiro/hwbuild/internal/pipeline/checkpoint"
	"github.com/danshapiro/hwbuild/internal/pipeline/runstate"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

// ErrStageNotRecorded means a stage unit exited without committing its
// stage to the checkpoint.
var ErrStageNotRecorded = errors.New("stage unit exited without recording")

// StageExecutor runs one stage of a stored run in its own execution unit.
// The unit commits its outcome to the shared checkpoint store.
type StageExecutor interface {
	ExecuteStage(ctx context.Context, runID string, stage runtime.StageID) error
}

// ProcessExecutor re-executes a binary as
// `<Binary> <Args...> stage --run-id ID --stage S`.
type ProcessExecutor struct {
	// Binary defaults to the running executable.
	Binary string
	// Args go before the stage subcommand, typically global flags.
	Args []string
	// Env is appended to the parent environment.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// WaitDelay bounds how long a canceled child may take to exit.
	WaitDelay time.Duration
}

func (p *ProcessExecutor) ExecuteStage(ctx context.Context, runID string, stage runtime.StageID) error {
	exe := p.Binary
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		exe = self
	}
	args := append(append([]string{}, p.Args...), "stage", "--run-id", runID, "--stage", string(stage))
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Stdin = strings.NewReader("")
	// Own process group so cancellation reaches anything the child spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 10 * time.Second
	}
	var tail bytes.Buffer
	cmd.Stdout = p.Stdout
	cmd.Stderr = &tail
	if p.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&tail, p.Stderr)
	}
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(tail.String())
		if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
			msg = msg[i+1:]
		}
		if msg != "" {
			return fmt.Errorf("stage %s child: %w: %s", stage, err, msg)
		}
		return fmt.Errorf("stage %s child: %w", stage, err)
	}
	return nil
}

// LocalExecutor runs each stage on a freshly built orchestrator in the
// current process.
type LocalExecutor struct {
	New func() (*Orchestrator, error)
}

func (l LocalExecutor) ExecuteStage(ctx context.Context, runID string, stage runtime.StageID) error {
	o, err := l.New()
	if err != nil {
		return err
	}
	return o.RunStage(ctx, runID, stage)
}

// StagedRunner drives a run one stage per execution unit, reloading the
// checkpoint between stages. It owns run.pid and progress.ndjson.
type StagedRunner struct {
	Store     checkpoint.Store
	Executor  StageExecutor
	StateRoot string
	Progress  ProgressFunc
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	now func() time.Time
}

func (r *StagedRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *StagedRunner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *StagedRunner) RunDir(runID string) string {
	return runDir(r.StateRoot, runID)
}

// Run continues runID, creating it from prompt when the store has no
// checkpoint for it. An empty runID starts a new run.
func (r *StagedRunner) Run(ctx context.Context, runID, prompt string) (*Result, error) {
	if r.Store == nil {
		return nil, ErrNoStore
	}
	if r.Executor == nil {
		return nil, errors.New("staged runner has no stage executor")
	}
	if runID == "" {
		runID = NewRunID()
	}
	if err := checkpoint.ValidateRunID(runID); err != nil {
		return nil, err
	}

	dir := r.RunDir(runID)
	plog, err := runstate.NewProgressLog(dir)
	if err != nil {
		return nil, err
	}
	if err := runstate.WritePID(dir, os.Getpid()); err != nil {
		return nil, fmt.Errorf("write pid: %w", err)
	}
	emit := func(ev Event) {
		if ev.TS.IsZero() {
			ev.TS = r.clock().UTC()
		}
		if err := plog.Append(ev); err != nil {
			r.logger().Warn("progress.append_failed", "run_id", runID, "error", err)
		}
		if r.Progress != nil {
			r.Progress(ev)
		}
	}

	cp, err := r.Store.Load(ctx, runID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		if strings.TrimSpace(prompt) == "" {
			return nil, fmt.Errorf("run %s has no checkpoint and no prompt was given", runID)
		}
		cp = runtime.NewCheckpoint(runID, prompt)
		if err := r.Store.Save(ctx, cp); err != nil {
			return nil, fmt.Errorf("save initial checkpoint: %w", err)
		}
		r.logger().Info("run.start", "run_id", runID, "prompt_bytes", len(prompt), "staged", true)
		emit(Event{RunID: runID, Event: EventRunStart, Message: fmt.Sprintf("analyzing %q", truncate(prompt, 120))})
	case err != nil:
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	default:
		if cp.Aborted {
			return resultOf(cp), fmt.Errorf("%w: %s", ErrRunAborted, runID)
		}
		r.logger().Info("run.resume", "run_id", runID, "completed", len(cp.CompletedStages), "staged", true)
		emit(Event{RunID: runID, Event: EventRunResume,
			Message: fmt.Sprintf("resuming after %d of %d stages", len(cp.CompletedStages), len(runtime.Stages()))})
		if cp.Done() {
			return resultOf(cp), nil
		}
	}

	started := r.clock()
	for !cp.Done() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run %s interrupted before %s: %w", runID, nextName(cp), err)
		}
		stage, _ := cp.NextStage()
		emit(Event{RunID: runID, Event: EventStageStart, Stage: string(stage), Message: stage.Task()})

		execErr := r.Executor.ExecuteStage(ctx, runID, stage)
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run %s interrupted during %s: %w", runID, stage, err)
		}
		next, err := r.Store.Load(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("reload checkpoint after %s: %w", stage, err)
		}
		if !next.Completed(stage) {
			if execErr != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrStageNotRecorded, stage, execErr)
			}
			return nil, fmt.Errorf("%w: %s", ErrStageNotRecorded, stage)
		}
		if execErr != nil {
			r.logger().Warn("stage.unit_error", "run_id", runID, "stage", stage, "error", execErr)
		}
		cp = next
		env := cp.AgentLog[len(cp.AgentLog)-1]
		emit(stageEvent(runID, &env))
	}

	status := string(cp.Context.Status)
	r.logger().Info("run.done", "run_id", runID, "status", status,
		"errors", len(cp.Context.Errors), "total_cost", cp.Context.TotalCost, "staged", true)
	emit(Event{RunID: runID, Event: EventRunDone, Status: status,
		Message: fmt.Sprintf("%s with %d stage errors, total $%.2f", status, len(cp.Context.Errors), cp.Context.TotalCost)})
	if r.Metrics != nil {
		r.Metrics.ObserveBuild(status, r.clock().Sub(started))
	}
	return resultOf(cp), nil
}
