// Package runstate reads and writes the run state directory: run.pid,
// progress.ndjson and the checkpoint that together answer "what is this
// run doing".
package runstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/danshapiro/hwbuild/internal/pipeline/procutil"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

type State string

const (
	StateUnknown State = "unknown"
	StateRunning State = "running"
	// StateStopped is an unfinished run with no live process: resumable.
	StateStopped State = "stopped"
	StateReady   State = "ready"
	StatePartial State = "partial"
	StateAborted State = "aborted"
)

type Snapshot struct {
	RunID           string            `json:"run_id"`
	RunDir          string            `json:"run_dir"`
	State           State             `json:"state"`
	CompletedStages []runtime.StageID `json:"completed_stages"`
	NextStage       runtime.StageID   `json:"next_stage,omitempty"`
	Errors          []string          `json:"errors"`
	TotalCost       float64           `json:"total_cost"`
	LastEvent       string            `json:"last_event,omitempty"`
	LastStage       string            `json:"last_stage,omitempty"`
	LastMessage     string            `json:"last_message,omitempty"`
	LastEventAt     time.Time         `json:"last_event_at,omitempty"`
	PID             int               `json:"pid,omitempty"`
	PIDAlive        bool              `json:"pid_alive"`
}

// Load builds a snapshot from runDir and the run's checkpoint, which may
// be nil when none has been saved yet. A terminal checkpoint decides the
// state; otherwise a live pid means running.
func Load(runDir string, cp *runtime.Checkpoint) (*Snapshot, error) {
	dir := strings.TrimSpace(runDir)
	if dir == "" {
		return nil, fmt.Errorf("run dir is required")
	}
	s := &Snapshot{
		RunID:           filepath.Base(dir),
		RunDir:          dir,
		State:           StateUnknown,
		CompletedStages: []runtime.StageID{},
		Errors:          []string{},
	}
	terminal := applyCheckpoint(s, cp)

	ev, found, err := readLastProgressEvent(filepath.Join(dir, ProgressFile))
	if err != nil {
		return nil, err
	}
	if found {
		s.LastEvent = eventString(ev["event"])
		s.LastStage = eventString(ev["stage"])
		s.LastMessage = eventString(ev["message"])
		s.LastEventAt = parseEventTime(ev["ts"])
	}

	if err := applyPIDFile(s, terminal); err != nil {
		return nil, err
	}
	if !terminal {
		switch {
		case s.PIDAlive:
			s.State = StateRunning
		case cp != nil:
			s.State = StateStopped
		}
	}
	return s, nil
}

func applyCheckpoint(s *Snapshot, cp *runtime.Checkpoint) bool {
	if cp == nil {
		return false
	}
	s.RunID = cp.RunID
	s.CompletedStages = append(s.CompletedStages, cp.CompletedStages...)
	if next, ok := cp.NextStage(); ok && !cp.Aborted {
		s.NextStage = next
	}
	if cp.Context != nil {
		s.Errors = append(s.Errors, cp.Context.Errors...)
		s.TotalCost = cp.Context.TotalCost
		switch {
		case cp.Aborted || cp.Context.Status == runtime.ProjectAborted:
			s.State = StateAborted
		case cp.Context.Final && cp.Context.Status == runtime.ProjectReady:
			s.State = StateReady
		case cp.Context.Final:
			s.State = StatePartial
		}
	}
	return s.State != StateUnknown
}

func applyPIDFile(s *Snapshot, terminal bool) error {
	path := filepath.Join(s.RunDir, PIDFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		if terminal {
			return nil
		}
		return fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	s.PID = pid
	s.PIDAlive = procutil.Alive(pid)
	return nil
}

func readLastProgressEvent(path string) (map[string]any, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	last := ""
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if last == "" {
		return nil, false, nil
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func eventString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func parseEventTime(v any) time.Time {
	raw := eventString(v)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	return time.Time{}
}
