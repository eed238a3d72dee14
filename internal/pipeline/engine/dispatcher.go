// Package engine drives the hardware pipeline: the dispatcher runs one
// stage under its contract and deadline, the orchestrator threads the
// project context through all six stages, and the staged runner executes
// each stage in its own process with the checkpoint store as the only
// shared state.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	rdebug "runtime/debug"
	"time"

	"github.com/danshapiro/hwbuild/internal/metrics"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
	"github.com/danshapiro/hwbuild/internal/pipeline/stages"
)

// DefaultTimeouts are the per-stage deadlines by latency class.
func DefaultTimeouts() map[runtime.StageID]time.Duration {
	return map[runtime.StageID]time.Duration{
		runtime.StageRequirements: 2 * time.Minute,
		runtime.StageParts:        4 * time.Minute,
		runtime.StagePCB:          6 * time.Minute,
		runtime.StageCAD:          4 * time.Minute,
		runtime.StageAssembler:    4 * time.Minute,
		runtime.StageQuoter:       30 * time.Second,
	}
}

// RunRef identifies the run a dispatch belongs to.
type RunRef struct {
	ID          string
	ArtifactDir string
}

// Dispatcher runs single stages. It is safe for concurrent use by distinct
// runs.
type Dispatcher struct {
	handlers  map[runtime.StageID]stages.Handler
	contracts map[runtime.StageID]*stages.Contract
	timeouts  map[runtime.StageID]time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type DispatcherOption func(*Dispatcher)

// WithTimeouts overrides the deadline of the stages present in t.
func WithTimeouts(t map[runtime.StageID]time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		for k, v := range t {
			if v > 0 {
				d.timeouts[k] = v
			}
		}
	}
}

func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func withClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(table map[runtime.StageID]stages.Handler, opts ...DispatcherOption) (*Dispatcher, error) {
	contracts, err := stages.Contracts(table)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		handlers:  table,
		contracts: contracts,
		timeouts:  DefaultTimeouts(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Timeout is the deadline applied to stage.
func (d *Dispatcher) Timeout(stage runtime.StageID) time.Duration {
	if t := d.timeouts[stage]; t > 0 {
		return t
	}
	return 2 * time.Minute
}

type handlerOutcome struct {
	value any
	err   error
}

// Dispatch runs stage against a snapshot of pc and returns the terminal
// envelope, which is also appended to log. pc is never written.
//
// The only error is cancellation of ctx while the stage was in progress;
// the envelope is then left in progress and nothing is logged.
func (d *Dispatcher) Dispatch(ctx context.Context, run RunRef, stage runtime.StageID, pc *runtime.ProjectContext, log *runtime.AgentLog) (*runtime.Envelope, error) {
	env := runtime.NewEnvelope(stage, pc.Payload())
	logger := d.logger.With("run_id", run.ID, "stage", string(stage))
	if err := env.Start(d.now()); err != nil {
		return nil, err
	}
	logger.Info("stage.start", "task", env.Task, "payload_keys", env.PayloadKeys)

	h, ok := d.handlers[stage]
	switch {
	case !ok:
		d.fail(env, &runtime.StageError{Stage: stage, Err: errors.New("no handler registered")})
	default:
		if err := d.contracts[stage].Check(env.Payload); err != nil {
			d.fail(env, err)
			break
		}
		if err := d.execute(ctx, run, stage, h, pc, env, logger); err != nil {
			return env, err
		}
	}
	d.record(env, log, logger)
	return env, nil
}

func (d *Dispatcher) execute(ctx context.Context, run RunRef, stage runtime.StageID, h stages.Handler, pc *runtime.ProjectContext, env *runtime.Envelope, logger *slog.Logger) error {
	timeout := d.Timeout(stage)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	in := &stages.Input{RunID: run.ID, ArtifactDir: run.ArtifactDir, Context: pc.Clone()}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("stage.panic", "panic", fmt.Sprint(r), "stack", string(rdebug.Stack()))
				done <- handlerOutcome{err: &runtime.StageError{Stage: stage, Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		v, err := h.Handle(cctx, in)
		done <- handlerOutcome{value: v, err: err}
	}()

	var out handlerOutcome
	select {
	case out = <-done:
	case <-cctx.Done():
		// Prefer an outcome that raced the deadline.
		select {
		case out = <-done:
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("stage.abandoned", "timeout", timeout.String())
			d.fail(env, &runtime.StageTimeoutError{Stage: stage, Timeout: timeout})
			return nil
		}
	}

	if out.err != nil {
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(out.err, context.DeadlineExceeded) && cctx.Err() != nil:
			d.fail(env, &runtime.StageTimeoutError{Stage: stage, Timeout: timeout})
		case runtime.ErrorKind(out.err) == runtime.KindStage && !isStageError(out.err):
			d.fail(env, &runtime.StageError{Stage: stage, Err: out.err})
		default:
			d.fail(env, out.err)
		}
		return nil
	}

	result, err := encodeResult(stage, pc, out.value)
	if err != nil {
		d.fail(env, &runtime.StageError{Stage: stage, Err: err})
		return nil
	}
	env.Warnings = stages.Warnings(stage, result)
	if err := env.Complete(result, d.now()); err != nil {
		return err
	}
	return nil
}

// encodeResult marshals a handler value and proves it merges into the
// stage's field.
func encodeResult(stage runtime.StageID, pc *runtime.ProjectContext, v any) (json.RawMessage, error) {
	if v == nil {
		return nil, errors.New("handler returned no result")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	trial := pc.Clone()
	if err := trial.Merge(stage, b); err != nil {
		return nil, fmt.Errorf("result does not fit %s: %w", stage.Field(), err)
	}
	return b, nil
}

func isStageError(err error) bool {
	var se *runtime.StageError
	return errors.As(err, &se)
}

func (d *Dispatcher) fail(env *runtime.Envelope, err error) {
	if ferr := env.Fail(err, d.now()); ferr != nil {
		d.logger.Error("stage.fail_transition", "stage", string(env.To), "err", ferr)
	}
}

func (d *Dispatcher) record(env *runtime.Envelope, log *runtime.AgentLog, logger *slog.Logger) {
	switch env.Status {
	case runtime.StatusDone:
		logger.Info("stage.done", "duration_ms", env.DurationMS, "warnings", len(env.Warnings))
		for _, w := range env.Warnings {
			logger.Warn("stage.warning", "warning", w)
		}
	default:
		logger.Error("stage.error", "duration_ms", env.DurationMS, "error_kind", env.ErrorKind, "error", env.Error)
	}
	if log != nil {
		log.Append(env.Snapshot())
	}
	if d.metrics != nil {
		d.metrics.ObserveStage(string(env.To), string(env.Status),
			time.Duration(env.DurationMS)*time.Millisecond, env.Status == runtime.StatusError)
	}
}
