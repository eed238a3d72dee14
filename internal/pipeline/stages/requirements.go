package stages

import (
	"context"

	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

const requirementsSystem = `You are a hardware project analyzer. Extract structured requirements from a user prompt.

Return ONLY valid JSON (no markdown fences, no explanation):
{
    "project_name": "short name",
    "target_audience": "who is this for",
    "core_function": "what does it do",
    "components_needed": ["ESP32", "OV2640 camera", "18650 battery", ...],
    "size_constraint": "small|medium|large",
    "battery_powered": true/false,
    "wireless_needed": true/false,
    "display_needed": true/false,
    "estimated_complexity": "beginner|intermediate|advanced",
    "safety_requirements": ["rounded edges", ...],
    "special_notes": "anything relevant"
}

Be specific in components_needed. Use part numbers. Include passive components, connectors, power regulation, wiring.`

// Requirements reads the prompt into a structured requirements record.
type Requirements struct{ base }

func (h *Requirements) Handle(ctx context.Context, in *Input) (any, error) {
	var req runtime.Requirements
	if err := h.deps.generateRecord(ctx, h.stage, "requirements", requirementsSystem, in.Context.Prompt, &req); err != nil {
		return nil, err
	}
	h.deps.Logger.Info("requirements.analyzed", "run_id", in.RunID, "project", req.ProjectName, "components", len(req.ComponentsNeeded))
	return req, nil
}
