package runtime

import (
	"fmt"
	"strings"
)

// StageID names one of the six pipeline stages. The set is closed.
type StageID string

const (
	StageRequirements StageID = "requirements"
	StageParts        StageID = "parts"
	StagePCB          StageID = "pcb"
	StageCAD          StageID = "cad"
	StageAssembler    StageID = "assembler"
	StageQuoter       StageID = "quoter"
)

// OrchestratorID is the sender recorded on every dispatched envelope.
const OrchestratorID = "orchestrator"

var stageOrder = [...]StageID{
	StageRequirements,
	StageParts,
	StagePCB,
	StageCAD,
	StageAssembler,
	StageQuoter,
}

// Stages returns the fixed execution order.
func Stages() []StageID {
	return append([]StageID(nil), stageOrder[:]...)
}

func ParseStageID(s string) (StageID, error) {
	id := StageID(strings.ToLower(strings.TrimSpace(s)))
	if !id.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return id, nil
}

func (s StageID) Valid() bool {
	return s.Index() >= 0
}

// Index is the position of s in the execution order, or -1.
func (s StageID) Index() int {
	for i, id := range stageOrder {
		if id == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s.
func (s StageID) Next() (StageID, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(stageOrder) {
		return "", false
	}
	return stageOrder[i+1], true
}

// Task is the task identifier carried on envelopes addressed to s.
func (s StageID) Task() string {
	switch s {
	case StageRequirements:
		return "analyze_requirements"
	case StageParts:
		return "select_parts"
	case StagePCB:
		return "design_pcb"
	case StageCAD:
		return "generate_enclosure"
	case StageAssembler:
		return "plan_assembly"
	case StageQuoter:
		return "calculate_quote"
	}
	return ""
}

// Field is the project context field written by s.
func (s StageID) Field() string {
	switch s {
	case StageRequirements:
		return FieldRequirements
	case StageParts:
		return FieldBOM
	case StagePCB:
		return FieldPCBDesign
	case StageCAD:
		return FieldCADFiles
	case StageAssembler:
		return FieldAssembly
	case StageQuoter:
		return FieldQuote
	}
	return ""
}

func (s StageID) String() string { return string(s) }
