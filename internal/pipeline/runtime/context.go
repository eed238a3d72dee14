package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Context field names as they appear in payloads and persisted records.
const (
	FieldPrompt       = "prompt"
	FieldRequirements = "requirements"
	FieldBOM          = "bom"
	FieldPCBDesign    = "pcb_design"
	FieldCADFiles     = "cad_files"
	FieldAssembly     = "assembly"
	FieldQuote        = "quote"
)

type ProjectStatus string

const (
	ProjectPlanning ProjectStatus = "planning"
	ProjectReady    ProjectStatus = "ready"
	ProjectPartial  ProjectStatus = "partial"
	ProjectAborted  ProjectStatus = "aborted"
)

// ProjectContext is the cumulative record threaded through the pipeline.
//
// A stage field is nil until its owning stage finishes. Each field is
// written once, either with the stage result or with its empty default.
type ProjectContext struct {
	Prompt       string         `json:"prompt"`
	Requirements *Requirements  `json:"requirements"`
	BOM          []Part         `json:"bom"`
	PCBDesign    *PCBDesign     `json:"pcb_design"`
	CADFiles     []string       `json:"cad_files"`
	Assembly     *AssemblyGuide `json:"assembly"`
	Quote        *Quote         `json:"quote"`
	Errors       []string       `json:"errors"`
	Status       ProjectStatus  `json:"status"`
	TotalCost    float64        `json:"total_cost"`
	Final        bool           `json:"final"`
	AbortReason  string         `json:"abort_reason,omitempty"`
}

func NewProjectContext(prompt string) *ProjectContext {
	return &ProjectContext{
		Prompt: prompt,
		Errors: []string{},
		Status: ProjectPlanning,
	}
}

// Has reports whether field has been written.
func (c *ProjectContext) Has(field string) bool {
	switch field {
	case FieldPrompt:
		return strings.TrimSpace(c.Prompt) != ""
	case FieldRequirements:
		return c.Requirements != nil
	case FieldBOM:
		return c.BOM != nil
	case FieldPCBDesign:
		return c.PCBDesign != nil
	case FieldCADFiles:
		return c.CADFiles != nil
	case FieldAssembly:
		return c.Assembly != nil
	case FieldQuote:
		return c.Quote != nil
	}
	return false
}

// Present lists the written fields in stage order, prompt first.
func (c *ProjectContext) Present() []string {
	out := []string{}
	for _, f := range append([]string{FieldPrompt}, stageFields()...) {
		if c.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func stageFields() []string {
	fields := make([]string, 0, len(stageOrder))
	for _, s := range stageOrder {
		fields = append(fields, s.Field())
	}
	return fields
}

// Payload is the snapshot handed to a stage: every present field, deep
// copied so the stage cannot reach back into the context.
func (c *ProjectContext) Payload() map[string]any {
	cp := c.Clone()
	out := map[string]any{}
	for _, f := range cp.Present() {
		switch f {
		case FieldPrompt:
			out[f] = cp.Prompt
		case FieldRequirements:
			out[f] = cp.Requirements
		case FieldBOM:
			out[f] = cp.BOM
		case FieldPCBDesign:
			out[f] = cp.PCBDesign
		case FieldCADFiles:
			out[f] = cp.CADFiles
		case FieldAssembly:
			out[f] = cp.Assembly
		case FieldQuote:
			out[f] = cp.Quote
		}
	}
	return out
}

// Clone deep copies the context through its JSON form, which keeps the
// nil/empty distinction intact.
func (c *ProjectContext) Clone() *ProjectContext {
	b, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("clone project context: %v", err))
	}
	out := &ProjectContext{}
	if err := json.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("clone project context: %v", err))
	}
	return out
}

// Merge writes a completed stage's result into the field it owns.
func (c *ProjectContext) Merge(stage StageID, result json.RawMessage) error {
	if c.Final {
		return ErrContextTerminal
	}
	field := stage.Field()
	if field == "" {
		return fmt.Errorf("merge: unknown stage %q", stage)
	}
	if c.Has(field) {
		return fmt.Errorf("%w: %s", ErrFieldWritten, field)
	}
	if len(result) == 0 || string(result) == "null" {
		return fmt.Errorf("merge %s: empty result", stage)
	}
	switch stage {
	case StageRequirements:
		var v Requirements
		if err := json.Unmarshal(result, &v); err != nil {
			return fmt.Errorf("merge %s: %w", stage, err)
		}
		c.Requirements = &v
	case StageParts:
		v := []Part{}
		if err := json.Unmarshal(result, &v); err != nil {
			return fmt.Errorf("merge %s: %w", stage, err)
		}
		if v == nil {
			v = []Part{}
		}
		c.BOM = v
	case StagePCB:
		var v PCBDesign
		if err := json.Unmarshal(result, &v); err != nil {
			return fmt.Errorf("merge %s: %w", stage, err)
		}
		c.PCBDesign = &v
	case StageCAD:
		v := []string{}
		if err := json.Unmarshal(result, &v); err != nil {
			return fmt.Errorf("merge %s: %w", stage, err)
		}
		if v == nil {
			v = []string{}
		}
		c.CADFiles = v
	case StageAssembler:
		var v AssemblyGuide
		if err := json.Unmarshal(result, &v); err != nil {
			return fmt.Errorf("merge %s: %w", stage, err)
		}
		c.Assembly = &v
	case StageQuoter:
		var v Quote
		if err := json.Unmarshal(result, &v); err != nil {
			return fmt.Errorf("merge %s: %w", stage, err)
		}
		c.Quote = &v
		c.TotalCost = v.Total
	}
	return nil
}

// MergeDefault writes the stage's empty default into its field.
func (c *ProjectContext) MergeDefault(stage StageID) error {
	b, err := json.Marshal(DefaultResult(stage))
	if err != nil {
		return err
	}
	return c.Merge(stage, b)
}

// RecordError appends a stage-tagged failure.
func (c *ProjectContext) RecordError(stage StageID, kind string) error {
	if c.Final {
		return ErrContextTerminal
	}
	c.Errors = append(c.Errors, StageErrorTag(stage, kind))
	return nil
}

// Finish seals the context after the last stage.
func (c *ProjectContext) Finish() error {
	if c.Final {
		return ErrContextTerminal
	}
	if len(c.Errors) == 0 {
		c.Status = ProjectReady
	} else {
		c.Status = ProjectPartial
	}
	c.Final = true
	return nil
}

// Abort seals the context without finishing the remaining stages.
func (c *ProjectContext) Abort(reason string) error {
	if c.Final {
		return ErrContextTerminal
	}
	c.Status = ProjectAborted
	c.AbortReason = strings.TrimSpace(reason)
	c.Final = true
	return nil
}

// DefaultResult is the well-typed empty value merged for a failed stage.
func DefaultResult(stage StageID) any {
	switch stage {
	case StageRequirements:
		return Requirements{}
	case StageParts:
		return []Part{}
	case StagePCB:
		return DefaultPCBDesign()
	case StageCAD:
		return []string{}
	case StageAssembler:
		return DefaultAssemblyGuide()
	case StageQuoter:
		return Quote{}
	}
	return nil
}

func DefaultPCBDesign() PCBDesign {
	return PCBDesign{
		CircuitDesign: CircuitDesign{
			PowerRails:  []PowerRail{},
			Connections: []Connection{},
			Decoupling:  []string{},
		},
		Layout: PCBLayout{
			ComponentPlacement: []Placement{},
			RoutingNotes:       []string{},
			Mounting:           []string{},
		},
	}
}

func DefaultAssemblyGuide() AssemblyGuide {
	return AssemblyGuide{
		ToolsRequired:     []Tool{},
		MaterialsIncluded: []string{},
		SafetyWarnings:    []string{},
		Steps:             []AssemblyStep{},
		Testing:           []TestProcedure{},
		Troubleshooting:   []Troubleshooting{},
	}
}
