package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/danshapiro/hwbuild/internal/pipeline/engine"
	"github.com/danshapiro/hwbuild/internal/pipeline/runstate"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

var (
	colorStage = color.New(color.FgCyan)
	colorDone  = color.New(color.FgGreen)
	colorError = color.New(color.FgRed)
	colorRun   = color.New(color.Bold)
	colorLabel = color.New(color.FgHiBlack)
)

// progressPrinter renders progress events as one line each and mirrors
// them into the run's progress log when one is set.
type progressPrinter struct {
	w   io.Writer
	log *runstate.ProgressLog
	a   *app
}

func (p *progressPrinter) event(ev engine.Event) {
	if p.log != nil {
		if err := p.log.Append(ev); err != nil {
			p.a.logger.Warn("progress.append_failed", "run_id", ev.RunID, "err", err)
		}
	}
	c := colorRun
	switch ev.Event {
	case engine.EventStageStart:
		c = colorStage
	case engine.EventStageDone:
		c = colorDone
	case engine.EventStageError, engine.EventRunAbort:
		c = colorError
	}
	label := ev.Event
	if ev.Stage != "" {
		label += " " + ev.Stage
	}
	msg := ev.Message
	if ev.ErrorKind != "" {
		msg = ev.ErrorKind + ": " + msg
	}
	fmt.Fprintf(p.w, "%s %s\n", c.Sprintf("%-24s", label), msg)
}

func printSummary(w io.Writer, res *engine.Result) {
	c := res.Context
	name := "?"
	if c.Requirements != nil && c.Requirements.ProjectName != "" {
		name = c.Requirements.ProjectName
	}
	connections := 0
	if c.PCBDesign != nil {
		connections = len(c.PCBDesign.CircuitDesign.Connections)
	}
	steps := 0
	if c.Assembly != nil {
		steps = len(c.Assembly.Steps)
	}
	status := colorDone
	if c.Status != runtime.ProjectReady {
		status = colorError
	}

	fmt.Fprintln(w, strings.Repeat("=", 50))
	row := func(label, format string, args ...any) {
		fmt.Fprintf(w, "%s %s\n", colorLabel.Sprintf("%-8s", label+":"), fmt.Sprintf(format, args...))
	}
	row("Project", "%s", name)
	row("Status", "%s", status.Sprint(c.Status))
	row("Parts", "%d", len(c.BOM))
	row("PCB", "%d connections", connections)
	row("CAD", "%d files", len(c.CADFiles))
	row("Steps", "%d", steps)
	row("Cost", "$%.2f USD", c.TotalCost)
	row("Run", "%s", res.RunID)
	if len(c.Errors) > 0 {
		fmt.Fprintf(w, "\n%s %s\n", colorError.Sprint("Warnings:"), strings.Join(c.Errors, ", "))
	}
}

// writeResult saves the full result as indented JSON.
func writeResult(path string, res *engine.Result) error {
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return runtime.WriteFileAtomic(path, append(b, '\n'))
}
