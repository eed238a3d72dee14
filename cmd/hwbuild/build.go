package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danshapiro/hwbuild/internal/pipeline/checkpoint"
	"github.com/danshapiro/hwbuild/internal/pipeline/engine"
	"github.com/danshapiro/hwbuild/internal/pipeline/procutil"
	"github.com/danshapiro/hwbuild/internal/pipeline/runstate"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

// signalContext is cancelled by SIGINT or SIGTERM. A cancelled run keeps
// its checkpoint and can be resumed.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func requireFlag(cmd *cobra.Command, name, value string) error {
	if strings.TrimSpace(value) == "" {
		return &usageError{msg: fmt.Sprintf("%s: --%s is required", cmd.CommandPath(), name)}
	}
	return nil
}

type runFlags struct {
	json   bool
	output string
	staged bool
	runID  string
}

func (f *runFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.BoolVar(&f.json, "json", false, "print the result as JSON")
	fl.StringVarP(&f.output, "output", "o", "", "save the result here (default <output_dir>/<run_id>.json)")
	fl.BoolVar(&f.staged, "staged", false, "run every stage in its own process")
	fl.StringVar(&f.runID, "run-id", "", "run id")
}

func (a *app) buildCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "build <prompt>",
		Short: "Run the full pipeline on a project description",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(args[0]) == "" {
				return &usageError{msg: "build: prompt is empty"}
			}
			return a.runPipeline(cmd.Context(), args[0], f)
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) resumeCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "resume --run-id <id>",
		Short: "Continue a stored run from its first incomplete stage",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag(cmd, "run-id", f.runID); err != nil {
				return err
			}
			return a.runPipeline(cmd.Context(), "", f)
		},
	}
	f.register(cmd)
	return cmd
}

// runPipeline starts (prompt set) or resumes (prompt empty) a run and
// reports the result.
func (a *app) runPipeline(parent context.Context, prompt string, f runFlags) error {
	ctx, stop := signalContext(parent)
	defer stop()

	p, err := a.openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if prompt != "" && f.runID != "" {
		if err := refuseExisting(ctx, p.store, f.runID); err != nil {
			return err
		}
	}

	progress := &progressPrinter{w: a.stderr, a: a}
	var res *engine.Result
	if f.staged {
		res, err = a.runStaged(ctx, p, f.runID, prompt, progress)
	} else {
		res, err = a.runInProcess(ctx, p, f.runID, prompt, progress)
	}
	if err != nil {
		return err
	}

	if f.json {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printSummary(a.stdout, res)
	}
	out := f.output
	if out == "" {
		out = filepath.Join(a.cfg.Paths.OutputDir, res.RunID+".json")
	}
	if err := writeResult(out, res); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	fmt.Fprintf(a.stderr, "saved to %s\n", out)
	return nil
}

// refuseExisting keeps build from touching a run that already has a
// checkpoint, whether finished, aborted or resumable.
func refuseExisting(ctx context.Context, store checkpoint.Store, runID string) error {
	if err := checkpoint.ValidateRunID(runID); err != nil {
		return err
	}
	_, err := store.Load(ctx, runID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s (use `hwbuild resume` or `hwbuild status`)", engine.ErrRunExists, runID)
	case !errors.Is(err, checkpoint.ErrNotFound):
		return fmt.Errorf("check run %s: %w", runID, err)
	}
	return nil
}

func (a *app) runStaged(ctx context.Context, p *pipeline, runID, prompt string, progress *progressPrinter) (*engine.Result, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate hwbuild binary: %w", err)
	}
	r := &engine.StagedRunner{
		Store:     p.store,
		Executor:  &engine.ProcessExecutor{Binary: exe, Args: a.childArgs(), Stderr: a.stderr},
		StateRoot: a.cfg.Paths.StateDir,
		Progress:  progress.event,
		Logger:    a.logger,
		Metrics:   p.metrics,
	}
	return r.Run(ctx, runID, prompt)
}

// runInProcess drives every stage in this process. Like the staged
// runner it owns run.pid and progress.ndjson for the run.
func (a *app) runInProcess(ctx context.Context, p *pipeline, runID, prompt string, progress *progressPrinter) (*engine.Result, error) {
	if runID == "" {
		runID = engine.NewRunID()
	}
	if err := checkpoint.ValidateRunID(runID); err != nil {
		return nil, err
	}
	dir := p.o.RunDir(runID)
	if prompt == "" {
		// Refuse unknown runs before touching their state directory.
		if _, err := p.store.Load(ctx, runID); err != nil {
			return nil, fmt.Errorf("resume %s: %w", runID, err)
		}
	}
	log, err := runstate.NewProgressLog(dir)
	if err != nil {
		return nil, err
	}
	if err := runstate.WritePID(dir, os.Getpid()); err != nil {
		return nil, err
	}
	progress.log = log
	p.o.Progress = progress.event

	if prompt == "" {
		return p.o.Resume(ctx, runID)
	}
	return p.o.RunWithID(ctx, runID, prompt)
}

func (a *app) stageCmd() *cobra.Command {
	var runID, stage string
	cmd := &cobra.Command{
		Use:    "stage --run-id <id> --stage <stage>",
		Short:  "Run exactly one stage of a stored run",
		Hidden: true,
		Args:   exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag(cmd, "run-id", runID); err != nil {
				return err
			}
			id, err := runtime.ParseStageID(stage)
			if err != nil {
				return &usageError{msg: err.Error()}
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			p, err := a.openPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.Close()
			return p.o.RunStage(ctx, runID, id)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().StringVar(&stage, "stage", "", "stage to run")
	return cmd
}

func (a *app) abortCmd() *cobra.Command {
	var runID, reason string
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "abort --run-id <id>",
		Short: "Stop a run's process if it is live and seal its checkpoint",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag(cmd, "run-id", runID); err != nil {
				return err
			}
			return a.abort(cmd.Context(), runID, reason, grace)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().StringVar(&reason, "reason", "aborted by operator", "reason recorded in the run")
	cmd.Flags().DurationVar(&grace, "grace", 5*time.Second, "time to wait after SIGTERM before SIGKILL")
	return cmd
}

func (a *app) abort(ctx context.Context, runID, reason string, grace time.Duration) error {
	if err := checkpoint.ValidateRunID(runID); err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	o := &engine.Orchestrator{Store: store, StateRoot: a.cfg.Paths.StateDir, Logger: a.logger}
	cp, err := store.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("abort %s: %w", runID, err)
	}
	snap, err := runstate.Load(o.RunDir(runID), cp)
	if err != nil {
		return err
	}
	if snap.PIDAlive && snap.PID != os.Getpid() {
		if !procutil.Terminate(snap.PID, grace) {
			return fmt.Errorf("pid %d did not exit", snap.PID)
		}
		fmt.Fprintf(a.stdout, "stopped pid %d\n", snap.PID)
	}

	if log, err := runstate.NewProgressLog(o.RunDir(runID)); err == nil {
		o.Progress = func(ev engine.Event) { _ = log.Append(ev) }
	}
	if err := o.Abort(ctx, runID, reason); err != nil {
		if errors.Is(err, runtime.ErrContextTerminal) {
			return fmt.Errorf("run %s is already finished: %w", runID, err)
		}
		return err
	}
	fmt.Fprintf(a.stdout, "%s %s\n", colorError.Sprint("aborted"), runID)
	return nil
}
