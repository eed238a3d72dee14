package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
	"github.com/danshapiro/hwbuild/internal/repair"
)

const SchematicPath = "pcb/schematic.kicad_sch"

const pcbCircuitSystem = `You are an expert electronics engineer. Design a circuit for the given project.

Return ONLY JSON (no markdown):
{
    "board_dimensions": {"width": 60, "height": 40},
    "power_rails": [{"name": "3.3V", "source": "LDO from USB 5V"}, ...],
    "connections": [
        {"from": "ESP32 GPIO2", "to": "OV2640 SDA", "type": "I2C"},
        {"from": "ESP32 GPIO4", "to": "LED", "type": "digital", "notes": "via 220Ω resistor"},
        ...
    ],
    "decoupling": ["100nF on each IC VCC pin", "10µF on power input"],
    "notes": "design notes and considerations"
}

Be specific with pin assignments. Include power connections, decoupling, pull-up resistors for I2C, etc.`

const pcbSchematicSystem = `You are an expert KiCad PCB designer. Generate a valid KiCad 7+ schematic file (.kicad_sch format).

Rules:
- Use the KiCad 7 S-expression format
- Include all components from the BOM with proper symbols
- Wire power (VCC, GND) and signal connections per the circuit design
- Add decoupling capacitors
- Use proper reference designators (U1, R1, C1, etc.)
- Include a title block

Output ONLY the raw .kicad_sch file content. No explanation, no markdown fences.`

const pcbLayoutSystem = `You are a PCB layout expert. Generate layout recommendations for a %s board.

Return ONLY JSON (no markdown):
{
    "layers": 2,
    "board_shape": "rectangular",
    "dimensions_mm": {"width": 60, "height": 40},
    "component_placement": [
        {"ref": "U1", "component": "ESP32", "position": "center", "notes": "keep antenna at board edge"},
        ...
    ],
    "routing_notes": ["keep I2C traces short", "ground plane on bottom layer", ...],
    "mounting": ["4x M3 mounting holes in corners"],
    "manufacturing": {
        "min_trace_width": "0.2mm",
        "min_clearance": "0.2mm",
        "recommended_fab": "JLCPCB or PCBWay",
        "estimated_cost_5pcs": 150
    }
}`

// PCB designs the circuit, writes a KiCad schematic and proposes a layout.
type PCB struct{ base }

func (h *PCB) Handle(ctx context.Context, in *Input) (any, error) {
	req := mustJSON(in.Context.Requirements)
	bom := mustJSON(in.Context.BOM)

	var circuit runtime.CircuitDesign
	if err := h.deps.generateRecord(ctx, h.stage, "pcb.circuit", pcbCircuitSystem,
		fmt.Sprintf("Project: %s\nBOM: %s", req, bom), &circuit); err != nil {
		return nil, err
	}
	circuitJSON := mustJSON(circuit)

	schematic, err := h.deps.generate(ctx, h.stage, "pcb.schematic", pcbSchematicSystem,
		fmt.Sprintf("Project: %s\nBOM: %s\nCircuit: %s", req, bom, circuitJSON))
	if err != nil {
		return nil, err
	}
	path, err := artifactPath(in.ArtifactDir, SchematicPath)
	if err != nil {
		return nil, err
	}
	if err := runtime.WriteFileAtomic(path, []byte(repair.Text(schematic))); err != nil {
		return nil, fmt.Errorf("write schematic: %w", err)
	}

	size := "medium"
	if r := in.Context.Requirements; r != nil && strings.TrimSpace(r.SizeConstraint) != "" {
		size = r.SizeConstraint
	}
	var layout runtime.PCBLayout
	if err := h.deps.generateRecord(ctx, h.stage, "pcb.layout", fmt.Sprintf(pcbLayoutSystem, size),
		fmt.Sprintf("BOM: %s\nCircuit: %s", bom, circuitJSON), &layout); err != nil {
		return nil, err
	}

	design := runtime.PCBDesign{
		CircuitDesign: circuit,
		Layout:        layout,
		SchematicPath: SchematicPath,
		Dimensions:    runtime.Dimensions{Width: 60, Height: 40},
		Notes:         "AI-generated, review before fabrication",
	}
	if d := circuit.BoardDimensions; d != nil && d.Width > 0 && d.Height > 0 {
		design.Dimensions = *d
	}
	h.deps.Logger.Info("pcb.designed", "run_id", in.RunID,
		"connections", len(circuit.Connections), "layers", layout.Layers, "schematic_bytes", len(schematic))
	return design, nil
}
