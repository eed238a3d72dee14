package stages

import (
	"context"
	"fmt"

	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

const assemblySystem = `You are a hardware assembly expert writing instructions for a DIY electronics project. The target reader may be a beginner.

Return ONLY JSON (no markdown):
{
    "difficulty": "beginner|intermediate|advanced",
    "estimated_time_hours": 2.5,
    "tools_required": [
        {"name": "soldering iron", "notes": "temperature-controlled, 350°C"},
        ...
    ],
    "materials_included": ["solder wire", "heat shrink tubing", ...],
    "safety_warnings": [
        "Wear safety glasses when soldering",
        ...
    ],
    "steps": [
        {
            "step": 1,
            "title": "3D Print the Enclosure",
            "description": "Print enclosure.stl and lid.stl using PLA filament...",
            "substeps": ["Load PLA filament", "Set layer height to 0.2mm", ...],
            "tips": ["Use a brim for better bed adhesion"]
        },
        ...
    ],
    "testing": [
        {
            "test": "Power-on test",
            "procedure": "Connect USB cable and verify power LED lights up",
            "expected_result": "Blue LED on ESP32 blinks"
        },
        ...
    ],
    "troubleshooting": [
        {"problem": "No power LED", "solutions": ["Check USB cable", "Verify solder joints on power pins"]},
        ...
    ]
}

Be thorough. Include EVERY step from opening the package to final testing.`

// Assembler writes the step-by-step build guide.
type Assembler struct{ base }

func (h *Assembler) Handle(ctx context.Context, in *Input) (any, error) {
	pc := in.Context
	user := fmt.Sprintf("Project: %s\nBOM: %s\nPCB: %s\nCAD: %s",
		mustJSON(pc.Requirements), mustJSON(pc.BOM), mustJSON(pc.PCBDesign), mustJSON(pc.CADFiles))
	var guide runtime.AssemblyGuide
	if err := h.deps.generateRecord(ctx, h.stage, "assembly", assemblySystem, user, &guide); err != nil {
		return nil, err
	}
	for i := range guide.Steps {
		if guide.Steps[i].Step == 0 {
			guide.Steps[i].Step = i + 1
		}
	}
	return guide, nil
}
