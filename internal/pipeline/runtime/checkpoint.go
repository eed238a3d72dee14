package runtime

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

const CheckpointVersion = 1

// Checkpoint is the single persisted record of a run.
type Checkpoint struct {
	Version         int             `json:"version"`
	RunID           string          `json:"run_id"`
	Context         *ProjectContext `json:"context"`
	CompletedStages []StageID       `json:"completed_stages"`
	AgentLog        []Envelope      `json:"agent_log"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Aborted         bool            `json:"aborted,omitempty"`
}

func NewCheckpoint(runID, prompt string) *Checkpoint {
	return &Checkpoint{
		Version:         CheckpointVersion,
		RunID:           runID,
		Context:         NewProjectContext(prompt),
		CompletedStages: []StageID{},
		AgentLog:        []Envelope{},
		UpdatedAt:       time.Now().UTC(),
	}
}

func (cp *Checkpoint) Completed(stage StageID) bool {
	for _, s := range cp.CompletedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// NextStage is the first stage not yet completed. ok is false once all six
// are recorded.
func (cp *Checkpoint) NextStage() (StageID, bool) {
	n := len(cp.CompletedStages)
	if n >= len(stageOrder) {
		return "", false
	}
	return stageOrder[n], true
}

// Done reports whether no further stage will run for this checkpoint.
func (cp *Checkpoint) Done() bool {
	_, more := cp.NextStage()
	return cp.Aborted || !more
}

// MarkCompleted records a terminal envelope for the next stage in order.
func (cp *Checkpoint) MarkCompleted(env Envelope, now time.Time) error {
	next, ok := cp.NextStage()
	if !ok {
		return fmt.Errorf("checkpoint %s: all stages already completed", cp.RunID)
	}
	if env.To != next {
		return fmt.Errorf("checkpoint %s: stage %s recorded out of order (next is %s)", cp.RunID, env.To, next)
	}
	if !env.Status.Terminal() {
		return fmt.Errorf("checkpoint %s: stage %s is %s, not terminal", cp.RunID, env.To, env.Status)
	}
	cp.CompletedStages = append(cp.CompletedStages, env.To)
	cp.AgentLog = append(cp.AgentLog, env)
	cp.UpdatedAt = now.UTC()
	return nil
}

// Validate checks the structural invariants a loaded record must satisfy.
func (cp *Checkpoint) Validate() error {
	if cp.Version != CheckpointVersion {
		return fmt.Errorf("unsupported version %d", cp.Version)
	}
	if cp.RunID == "" {
		return errors.New("missing run_id")
	}
	if cp.Context == nil {
		return errors.New("missing context")
	}
	if len(cp.CompletedStages) > len(stageOrder) {
		return fmt.Errorf("%d completed stages", len(cp.CompletedStages))
	}
	for i, s := range cp.CompletedStages {
		if s != stageOrder[i] {
			return fmt.Errorf("completed_stages[%d]=%q, want %q", i, s, stageOrder[i])
		}
		if !cp.Context.Has(s.Field()) {
			return fmt.Errorf("stage %s completed but %s is absent", s, s.Field())
		}
	}
	if len(cp.AgentLog) != len(cp.CompletedStages) {
		return fmt.Errorf("agent_log has %d entries for %d completed stages", len(cp.AgentLog), len(cp.CompletedStages))
	}
	for i, e := range cp.AgentLog {
		if e.To != cp.CompletedStages[i] {
			return fmt.Errorf("agent_log[%d] addressed to %q, want %q", i, e.To, cp.CompletedStages[i])
		}
		if !e.Status.Terminal() {
			return fmt.Errorf("agent_log[%d] status %q is not terminal", i, e.Status)
		}
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (cp *Checkpoint) Clone() *Checkpoint {
	b, err := json.Marshal(cp)
	if err != nil {
		panic(fmt.Sprintf("clone checkpoint: %v", err))
	}
	out := &Checkpoint{}
	if err := json.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("clone checkpoint: %v", err))
	}
	return out
}

type checkpointFile struct {
	Checksum   string          `json:"checksum"`
	Checkpoint json.RawMessage `json:"checkpoint"`
}

// EncodeCheckpoint serializes cp with a BLAKE3 checksum of its compact body.
func EncodeCheckpoint(cp *Checkpoint) ([]byte, error) {
	body, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(checkpointFile{
		Checksum:   checksum(body),
		Checkpoint: body,
	}, "", "  ")
}

// DecodeCheckpoint parses and verifies a serialized checkpoint. Any defect
// is reported as *CorruptCheckpointError.
func DecodeCheckpoint(runID string, data []byte) (*Checkpoint, error) {
	corrupt := func(reason string, err error) error {
		return &CorruptCheckpointError{RunID: runID, Reason: reason, Err: err}
	}
	var f checkpointFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, corrupt("unreadable record", err)
	}
	if len(f.Checkpoint) == 0 || f.Checksum == "" {
		return nil, corrupt("missing checkpoint body or checksum", nil)
	}
	var body bytes.Buffer
	if err := json.Compact(&body, f.Checkpoint); err != nil {
		return nil, corrupt("unreadable body", err)
	}
	if got := checksum(body.Bytes()); got != f.Checksum {
		return nil, corrupt(fmt.Sprintf("checksum mismatch: stored %s, computed %s", f.Checksum, got), nil)
	}
	cp := &Checkpoint{}
	if err := json.Unmarshal(body.Bytes(), cp); err != nil {
		return nil, corrupt("unreadable body", err)
	}
	if runID != "" && cp.RunID != runID {
		return nil, corrupt(fmt.Sprintf("record belongs to run %q", cp.RunID), nil)
	}
	if err := cp.Validate(); err != nil {
		return nil, corrupt("invalid record", err)
	}
	return cp, nil
}

func checksum(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
