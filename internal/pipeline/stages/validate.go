package stages

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

// Output schemas. A result that fails its schema is still merged; the
// messages become envelope warnings.
var outputSchemas = map[runtime.StageID]map[string]any{
	runtime.StageRequirements: {
		"type":     "object",
		"required": []string{"project_name", "components_needed"},
		"properties": map[string]any{
			"project_name":      map[string]any{"type": "string", "minLength": 1},
			"components_needed": map[string]any{"type": "array", "minItems": 1},
		},
	},
	runtime.StageParts: {
		"type":     "array",
		"minItems": 1,
		"items": map[string]any{
			"type":     "object",
			"required": []string{"name"},
			"properties": map[string]any{
				"name":     map[string]any{"type": "string", "minLength": 1},
				"quantity": map[string]any{"type": "number", "minimum": 1},
			},
		},
	},
	runtime.StagePCB: {
		"type": "object",
		"properties": map[string]any{
			"circuit_design": map[string]any{
				"type":     "object",
				"required": []string{"connections"},
				"properties": map[string]any{
					"connections": map[string]any{
						"type":     "array",
						"minItems": 1,
						"items": map[string]any{
							"type":     "object",
							"required": []string{"from", "to"},
							"properties": map[string]any{
								"from": map[string]any{"type": "string", "minLength": 1},
								"to":   map[string]any{"type": "string", "minLength": 1},
							},
						},
					},
				},
			},
			"layout": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"layers": map[string]any{"type": "integer", "minimum": 1, "maximum": 16},
				},
			},
		},
	},
	runtime.StageAssembler: {
		"type":     "object",
		"required": []string{"steps"},
		"properties": map[string]any{
			"steps": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":     "object",
					"required": []string{"title"},
					"properties": map[string]any{
						"title": map[string]any{"type": "string", "minLength": 1},
					},
				},
			},
		},
	},
	runtime.StageQuoter: {
		"type": "object",
		"properties": map[string]any{
			"total":    map[string]any{"type": "number", "minimum": 0},
			"currency": map[string]any{"const": "USD"},
		},
	},
}

var (
	outputOnce     sync.Once
	outputCompiled map[runtime.StageID]*jsonschema.Schema
	outputErr      error
)

func outputValidators() (map[runtime.StageID]*jsonschema.Schema, error) {
	outputOnce.Do(func() {
		outputCompiled = map[runtime.StageID]*jsonschema.Schema{}
		for id, doc := range outputSchemas {
			s, err := compileSchema(fmt.Sprintf("output/%s.json", id), doc)
			if err != nil {
				outputErr = fmt.Errorf("output schema %s: %w", id, err)
				return
			}
			outputCompiled[id] = s
		}
	})
	return outputCompiled, outputErr
}

// Warnings checks a stage result and returns recoverable findings. A
// stage without an output schema never warns.
func Warnings(stage runtime.StageID, result json.RawMessage) []string {
	schemas, err := outputValidators()
	if err != nil {
		return []string{err.Error()}
	}
	var out []string
	if s, ok := schemas[stage]; ok {
		var doc any
		if err := json.Unmarshal(result, &doc); err != nil {
			return []string{fmt.Sprintf("result is not JSON: %v", err)}
		}
		if err := s.Validate(doc); err != nil {
			out = append(out, leafMessages(err)...)
		}
	}
	if stage == runtime.StageParts {
		if w := unpricedWarning(result); w != "" {
			out = append(out, w)
		}
	}
	return out
}

func unpricedWarning(bom json.RawMessage) string {
	items := gjson.ParseBytes(bom).Array()
	unpriced := 0
	for _, it := range items {
		if it.Get("price").Float() <= 0 && it.Get("estimated_price").Float() <= 0 {
			unpriced++
		}
	}
	if len(items) > 0 && float64(unpriced) > float64(len(items))*0.5 {
		return fmt.Sprintf("%d/%d parts have no price", unpriced, len(items))
	}
	return ""
}
