package runtime

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danshapiro/hwbuild/internal/repair"
)

var (
	ErrIllegalTransition = errors.New("illegal envelope transition")
	ErrContextTerminal   = errors.New("project context is terminal")
	ErrFieldWritten      = errors.New("context field already written")
)

// Error kind names as recorded in context.errors and envelope error_kind.
const (
	KindUnrepairableOutput = "UnrepairableOutputError"
	KindStageTimeout       = "StageTimeoutError"
	KindInvalidContext     = "InvalidContextError"
	KindGeneration         = "GenerationError"
	KindCorruptCheckpoint  = "CorruptCheckpointError"
	KindStage              = "StageError"
)

type StageTimeoutError struct {
	Stage   StageID
	Timeout time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out after %s", e.Stage, e.Timeout)
}

// InvalidContextError reports a payload missing fields the stage's task
// contract requires.
type InvalidContextError struct {
	Stage   StageID
	Missing []string
	Reason  string
}

func (e *InvalidContextError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("stage %s: payload missing required fields: %s", e.Stage, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("stage %s: invalid payload: %s", e.Stage, e.Reason)
}

// GenerationError wraps a generative collaborator failure that survived
// retries.
type GenerationError struct {
	Stage   StageID
	Purpose string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("stage %s: generate %s: %v", e.Stage, e.Purpose, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// StageError is any other handler failure, including recovered panics.
type StageError struct {
	Stage StageID
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// CorruptCheckpointError is fatal to a run: the stored record exists but
// cannot be trusted.
type CorruptCheckpointError struct {
	RunID  string
	Reason string
	Err    error
}

func (e *CorruptCheckpointError) Error() string {
	msg := fmt.Sprintf("checkpoint %s is corrupt: %s", e.RunID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptCheckpointError) Unwrap() error { return e.Err }

// ErrorKind classifies err into its taxonomy name.
func ErrorKind(err error) string {
	var (
		unrepairable *repair.UnrepairableOutputError
		timeout      *StageTimeoutError
		invalid      *InvalidContextError
		gen          *GenerationError
		corrupt      *CorruptCheckpointError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &unrepairable):
		return KindUnrepairableOutput
	case errors.As(err, &timeout):
		return KindStageTimeout
	case errors.As(err, &invalid):
		return KindInvalidContext
	case errors.As(err, &gen):
		return KindGeneration
	case errors.As(err, &corrupt):
		return KindCorruptCheckpoint
	default:
		return KindStage
	}
}

// StageErrorTag is the entry appended to context.errors for a failed stage.
func StageErrorTag(stage StageID, kind string) string {
	if kind == "" {
		kind = KindStage
	}
	return fmt.Sprintf("%s: %s", stage, kind)
}
