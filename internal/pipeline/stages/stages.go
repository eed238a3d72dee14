// Package stages holds the six stage handlers of the hardware pipeline and
// the task contracts they are dispatched under.
//
// A handler receives a private clone of the project context and returns a
// value that marshals to the field it owns. Handlers never write the
// context themselves; the dispatcher merges the returned value.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/danshapiro/hwbuild/internal/llm"
	"github.com/danshapiro/hwbuild/internal/parts"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
	"github.com/danshapiro/hwbuild/internal/repair"
)

// Handler performs one stage.
type Handler interface {
	Stage() runtime.StageID
	Task() string
	// Required lists the context fields the stage's task contract needs.
	Required() []string
	Handle(ctx context.Context, in *Input) (any, error)
}

// Input is what a handler sees of the run.
type Input struct {
	RunID string
	// ArtifactDir is where stages write files; paths they report are
	// relative to it.
	ArtifactDir string
	Context     *runtime.ProjectContext
}

// Catalog is the parts lookup the parts stage selects from.
type Catalog interface {
	Search(ctx context.Context, query string, limit int) ([]parts.Part, error)
	Stats(ctx context.Context) (*parts.Stats, error)
}

type Deps struct {
	Generator llm.Generator
	// Catalog is optional; without it the parts stage suggests a BOM from
	// the model alone.
	Catalog Catalog
	// FTSMax caps the candidates offered to the model, BOMMax the BOM.
	FTSMax int
	BOMMax int
	INRUSD float64
	// CompileSTL runs OpenSCAD on the generated sources when the binary
	// is on PATH.
	CompileSTL bool
	OpenSCAD   string
	Logger     *slog.Logger
}

const (
	DefaultFTSMax = 80
	DefaultBOMMax = 60
	DefaultINRUSD = 0.012
)

func (d Deps) withDefaults() Deps {
	if d.FTSMax <= 0 {
		d.FTSMax = DefaultFTSMax
	}
	if d.BOMMax <= 0 {
		d.BOMMax = DefaultBOMMax
	}
	if d.INRUSD <= 0 {
		d.INRUSD = DefaultINRUSD
	}
	if d.OpenSCAD == "" {
		d.OpenSCAD = "openscad"
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Table builds the handler for every stage.
func Table(d Deps) map[runtime.StageID]Handler {
	d = d.withDefaults()
	return map[runtime.StageID]Handler{
		runtime.StageRequirements: &Requirements{base{d, runtime.StageRequirements, []string{runtime.FieldPrompt}}},
		runtime.StageParts: &Parts{base{d, runtime.StageParts,
			[]string{runtime.FieldPrompt, runtime.FieldRequirements}}},
		runtime.StagePCB: &PCB{base{d, runtime.StagePCB,
			[]string{runtime.FieldPrompt, runtime.FieldRequirements, runtime.FieldBOM}}},
		runtime.StageCAD: &CAD{base{d, runtime.StageCAD,
			[]string{runtime.FieldPrompt, runtime.FieldRequirements, runtime.FieldBOM, runtime.FieldPCBDesign}}},
		runtime.StageAssembler: &Assembler{base{d, runtime.StageAssembler,
			[]string{runtime.FieldPrompt, runtime.FieldRequirements, runtime.FieldBOM, runtime.FieldPCBDesign, runtime.FieldCADFiles}}},
		runtime.StageQuoter: &Quoter{base{d, runtime.StageQuoter,
			[]string{runtime.FieldBOM, runtime.FieldPCBDesign, runtime.FieldCADFiles}}},
	}
}

type base struct {
	deps     Deps
	stage    runtime.StageID
	required []string
}

func (b base) Stage() runtime.StageID { return b.stage }
func (b base) Task() string           { return b.stage.Task() }
func (b base) Required() []string     { return append([]string(nil), b.required...) }

func (d Deps) generate(ctx context.Context, stage runtime.StageID, purpose, system, user string) (string, error) {
	if d.Generator == nil {
		return "", &runtime.GenerationError{Stage: stage, Purpose: purpose, Err: fmt.Errorf("no generator configured")}
	}
	text, err := d.Generator.Generate(ctx, llm.Prompt{
		Stage:   string(stage),
		Purpose: purpose,
		System:  system,
		User:    user,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &runtime.GenerationError{Stage: stage, Purpose: purpose, Err: err}
	}
	return text, nil
}

// generateRecord asks for structured output and repairs it into v.
func (d Deps) generateRecord(ctx context.Context, stage runtime.StageID, purpose, system, user string, v any) error {
	text, err := d.generate(ctx, stage, purpose, system, user)
	if err != nil {
		return err
	}
	rec, err := repair.Repair(text)
	if err != nil {
		return fmt.Errorf("%s: %w", purpose, err)
	}
	if err := rec.Decode(v); err != nil {
		return fmt.Errorf("%s: decode %s: %w", purpose, rec.Get("@this").Type, err)
	}
	d.Logger.Debug("stage.generated", "stage", stage, "purpose", purpose, "raw_bytes", len(text), "record_bytes", len(rec.Bytes()))
	return nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// artifactPath resolves rel under dir, refusing to escape it.
func artifactPath(dir, rel string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("no artifact directory")
	}
	p := filepath.Join(dir, filepath.FromSlash(rel))
	r, err := filepath.Rel(dir, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes %s", rel, dir)
	}
	return p, nil
}
