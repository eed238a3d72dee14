package runtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Envelope is one dispatched unit of stage work and its outcome.
type Envelope struct {
	From string  `json:"from"`
	To   StageID `json:"to"`
	Task string  `json:"task"`

	// Payload is the context snapshot handed to the stage. Log snapshots
	// keep only PayloadKeys.
	Payload     map[string]any `json:"payload,omitempty"`
	PayloadKeys []string       `json:"payload_keys,omitempty"`

	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// NewEnvelope builds a pending envelope addressed to stage.
func NewEnvelope(stage StageID, payload map[string]any) *Envelope {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &Envelope{
		From:        OrchestratorID,
		To:          stage,
		Task:        stage.Task(),
		Payload:     payload,
		PayloadKeys: keys,
		Status:      StatusPending,
	}
}

func (e *Envelope) Start(now time.Time) error {
	if e.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, e.Status, StatusInProgress)
	}
	t := now.UTC()
	e.StartedAt = &t
	e.Status = StatusInProgress
	return nil
}

func (e *Envelope) Complete(result json.RawMessage, now time.Time) error {
	if e.Status != StatusInProgress {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, e.Status, StatusDone)
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	e.Result = result
	e.Status = StatusDone
	e.stopClock(now)
	return nil
}

func (e *Envelope) Fail(err error, now time.Time) error {
	if e.Status != StatusInProgress {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, e.Status, StatusError)
	}
	msg := "stage failed"
	if err != nil && strings.TrimSpace(err.Error()) != "" {
		msg = err.Error()
	}
	e.Error = msg
	e.ErrorKind = ErrorKind(err)
	e.Result = nil
	e.Status = StatusError
	e.stopClock(now)
	return nil
}

func (e *Envelope) stopClock(now time.Time) {
	if e.StartedAt == nil {
		return
	}
	d := now.Sub(*e.StartedAt)
	if d < 0 {
		d = 0
	}
	e.DurationMS = d.Milliseconds()
}

// Validate checks that result and error are set exactly as the status requires.
func (e Envelope) Validate() error {
	switch e.Status {
	case StatusPending, StatusInProgress:
		if len(e.Result) > 0 || e.Error != "" {
			return fmt.Errorf("envelope %s: %s must not carry result or error", e.To, e.Status)
		}
	case StatusDone:
		if len(e.Result) == 0 || e.Error != "" {
			return fmt.Errorf("envelope %s: done requires result and no error", e.To)
		}
	case StatusError:
		if len(e.Result) > 0 || strings.TrimSpace(e.Error) == "" {
			return fmt.Errorf("envelope %s: error requires error text and no result", e.To)
		}
	default:
		return fmt.Errorf("envelope %s: invalid status %q", e.To, e.Status)
	}
	return nil
}

// Snapshot is the form recorded in agent_log: the payload body is dropped.
func (e *Envelope) Snapshot() Envelope {
	s := *e
	s.Payload = nil
	s.PayloadKeys = append([]string(nil), e.PayloadKeys...)
	s.Warnings = append([]string(nil), e.Warnings...)
	if e.Result != nil {
		s.Result = append(json.RawMessage(nil), e.Result...)
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		s.StartedAt = &t
	}
	return s
}

// FinishedAt is StartedAt + DurationMS.
func (e Envelope) FinishedAt() time.Time {
	if e.StartedAt == nil {
		return time.Time{}
	}
	return e.StartedAt.Add(time.Duration(e.DurationMS) * time.Millisecond)
}

// AgentLog is the ordered, append-only record of dispatched envelopes.
type AgentLog struct {
	mu      sync.Mutex
	entries []Envelope
}

func NewAgentLog(entries []Envelope) *AgentLog {
	return &AgentLog{entries: append([]Envelope(nil), entries...)}
}

func (l *AgentLog) Append(e Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *AgentLog) Entries() []Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Envelope(nil), l.entries...)
}

// Last is the most recently appended envelope.
func (l *AgentLog) Last() (Envelope, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return Envelope{}, false
	}
	return l.entries[len(l.entries)-1], true
}

func (l *AgentLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
