package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danshapiro/hwbuild/internal/pipeline/checkpoint"
	"github.com/danshapiro/hwbuild/internal/pipeline/engine"
	"github.com/danshapiro/hwbuild/internal/pipeline/runstate"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

func (a *app) statusCmd() *cobra.Command {
	var runID string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status --run-id <id>",
		Short: "Show what a run is doing or how it ended",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag(cmd, "run-id", runID); err != nil {
				return err
			}
			snap, err := a.status(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printStatus(a.stdout, snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func (a *app) status(ctx context.Context, runID string) (*runstate.Snapshot, error) {
	if err := checkpoint.ValidateRunID(runID); err != nil {
		return nil, err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	cp, err := store.Load(ctx, runID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		cp = nil
	case err != nil:
		return nil, err
	}
	dir := (&engine.Orchestrator{StateRoot: a.cfg.Paths.StateDir}).RunDir(runID)
	if cp == nil {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("run %s not found", runID)
		}
	}
	return runstate.Load(dir, cp)
}

func printStatus(w io.Writer, s *runstate.Snapshot) {
	state := colorRun
	switch s.State {
	case runstate.StateReady:
		state = colorDone
	case runstate.StateRunning:
		state = colorStage
	case runstate.StatePartial, runstate.StateAborted:
		state = colorError
	}
	row := func(label, format string, args ...any) {
		fmt.Fprintf(w, "%s %s\n", colorLabel.Sprintf("%-10s", label+":"), fmt.Sprintf(format, args...))
	}
	row("run", "%s", s.RunID)
	row("state", "%s", state.Sprint(s.State))

	done := make([]string, len(s.CompletedStages))
	for i, st := range s.CompletedStages {
		done[i] = string(st)
	}
	row("completed", "%d/%d %s", len(done), len(runtime.Stages()), strings.Join(done, ", "))
	if s.NextStage != "" {
		row("next", "%s", s.NextStage)
	}
	if s.TotalCost > 0 {
		row("cost", "$%.2f USD", s.TotalCost)
	}
	if s.PID > 0 {
		alive := "exited"
		if s.PIDAlive {
			alive = "alive"
		}
		row("pid", "%d (%s)", s.PID, alive)
	}
	if s.LastEvent != "" {
		last := s.LastEvent
		if s.LastStage != "" {
			last += " " + s.LastStage
		}
		if s.LastMessage != "" {
			last += ": " + s.LastMessage
		}
		if !s.LastEventAt.IsZero() {
			last += " (" + s.LastEventAt.Format(time.RFC3339) + ")"
		}
		row("last", "%s", last)
	}
	for _, e := range s.Errors {
		row("error", "%s", colorError.Sprint(e))
	}
}
