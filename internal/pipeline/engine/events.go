package engine

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Progress event names.
const (
	EventRunStart   = "run.start"
	EventRunResume  = "run.resume"
	EventRunDone    = "run.done"
	EventRunAbort   = "run.abort"
	EventStageStart = "stage.start"
	EventStageDone  = "stage.done"
	EventStageError = "stage.error"
)

// Event is one progress notification. Message is free text for humans.
type Event struct {
	RunID     string    `json:"run_id"`
	Event     string    `json:"event"`
	Stage     string    `json:"stage,omitempty"`
	Status    string    `json:"status,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Message   string    `json:"message"`
	TS        time.Time `json:"ts"`
}

// ProgressFunc receives events synchronously on the run's goroutine.
type ProgressFunc func(Event)

// Fanout delivers every event to each non-nil sink in order.
func Fanout(sinks ...ProgressFunc) ProgressFunc {
	return func(ev Event) {
		for _, s := range sinks {
			if s != nil {
				s(ev)
			}
		}
	}
}

// NewRunID returns a lexically sortable run id.
func NewRunID() string {
	return ulid.Make().String()
}
