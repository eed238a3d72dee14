package stages

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
	"github.com/danshapiro/hwbuild/internal/repair"
)

const (
	EnclosurePath = "cad/enclosure.scad"
	LidPath       = "cad/lid.scad"

	cadGlob        = "cad/**/*.{scad,stl}"
	compileTimeout = 120 * time.Second
)

const cadEnclosureSystem = `You are an expert mechanical/CAD designer. Generate OpenSCAD code for a 3D-printable enclosure.

Design constraints:
- PCB dimensions: %gmm x %gmm
- Target audience: %s
- Safety: %s
- Wall thickness: 2.5mm
- Must be printable without supports (or minimal supports)

Requirements:
- Main body with PCB mounting standoffs (M3, 5mm height)
- Cutouts for USB port, buttons, LEDs, sensors, camera (as needed by BOM)
- Ventilation slots if the project generates heat
- Rounded corners (fillet radius 3mm+) for safety
- Snap-fit tabs or screw posts for the lid
- Parametric design: key dimensions as variables at top of file
- Clear comments explaining each section

Output ONLY valid OpenSCAD code. No markdown, no explanation outside comments.`

const cadLidSystem = `Generate OpenSCAD code for a LID that fits the enclosure body.

Enclosure inner dimensions: %gmm x %gmm
Wall thickness: 2.5mm

The lid should:
- Have a lip that fits inside the body walls (0.3mm tolerance)
- Include snap-fit clips or screw holes matching the body
- Have ventilation if needed
- Include text label on top (project name)
- Rounded edges matching the body

Output ONLY valid OpenSCAD code.`

// CAD writes OpenSCAD sources for the enclosure body and lid, compiling
// them to STL when asked to and OpenSCAD is installed.
type CAD struct{ base }

func (h *CAD) Handle(ctx context.Context, in *Input) (any, error) {
	dims := runtime.Dimensions{Width: 60, Height: 40}
	if in.Context.PCBDesign != nil {
		dims = in.Context.PCBDesign.BoardSize()
	}
	audience, safety := "general", "standard"
	if r := in.Context.Requirements; r != nil {
		if strings.TrimSpace(r.TargetAudience) != "" {
			audience = r.TargetAudience
		}
		if len(r.SafetyRequirements) > 0 {
			safety = strings.Join(r.SafetyRequirements, ", ")
		}
	}
	req := mustJSON(in.Context.Requirements)

	body, err := h.deps.generate(ctx, h.stage, "cad.enclosure",
		fmt.Sprintf(cadEnclosureSystem, dims.Width, dims.Height, audience, safety),
		fmt.Sprintf("Project: %s\nBOM: %s", req, mustJSON(in.Context.BOM)))
	if err != nil {
		return nil, err
	}
	if err := writeArtifact(in.ArtifactDir, EnclosurePath, repair.Text(body)); err != nil {
		return nil, err
	}

	lid, err := h.deps.generate(ctx, h.stage, "cad.lid",
		fmt.Sprintf(cadLidSystem, dims.Width+5, dims.Height+5),
		fmt.Sprintf("Project: %s", req))
	if err != nil {
		return nil, err
	}
	if err := writeArtifact(in.ArtifactDir, LidPath, repair.Text(lid)); err != nil {
		return nil, err
	}

	if h.deps.CompileSTL {
		for _, rel := range []string{EnclosurePath, LidPath} {
			h.compile(ctx, in.ArtifactDir, rel)
		}
	}
	return collectCAD(in.ArtifactDir)
}

func writeArtifact(dir, rel, text string) error {
	path, err := artifactPath(dir, rel)
	if err != nil {
		return err
	}
	if err := runtime.WriteFileAtomic(path, []byte(text)); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// compile runs openscad on one source. Failures only cost the STL.
func (h *CAD) compile(ctx context.Context, dir, rel string) {
	bin, err := exec.LookPath(h.deps.OpenSCAD)
	if err != nil {
		h.deps.Logger.Info("cad.openscad_missing", "binary", h.deps.OpenSCAD)
		return
	}
	src, err := artifactPath(dir, rel)
	if err != nil {
		return
	}
	dst := strings.TrimSuffix(src, ".scad") + ".stl"
	cctx, cancel := context.WithTimeout(ctx, compileTimeout)
	defer cancel()
	out, err := exec.CommandContext(cctx, bin, "-o", dst, src).CombinedOutput()
	if err != nil {
		msg := string(out)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		h.deps.Logger.Warn("cad.compile_failed", "source", rel, "err", err, "output", msg)
		_ = os.Remove(dst)
		return
	}
	h.deps.Logger.Info("cad.compiled", "source", rel)
}

// collectCAD lists the CAD artifacts under dir as sorted relative paths.
func collectCAD(dir string) ([]string, error) {
	files, err := doublestar.Glob(os.DirFS(dir), cadGlob)
	if err != nil {
		return nil, fmt.Errorf("collect cad files: %w", err)
	}
	sort.Strings(files)
	if files == nil {
		files = []string{}
	}
	return files, nil
}
