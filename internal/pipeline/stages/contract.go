package stages

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

var fieldSchemas = map[string]map[string]any{
	runtime.FieldPrompt:       {"type": "string", "minLength": 1},
	runtime.FieldRequirements: {"type": "object"},
	runtime.FieldBOM:          {"type": "array"},
	runtime.FieldPCBDesign:    {"type": "object"},
	runtime.FieldCADFiles:     {"type": "array", "items": map[string]any{"type": "string"}},
	runtime.FieldAssembly:     {"type": "object"},
	runtime.FieldQuote:        {"type": "object"},
}

// Contract is a stage's input requirement: a JSON Schema over the
// envelope payload whose required list names the context fields the
// stage reads.
type Contract struct {
	stage    runtime.StageID
	required []string
	schema   *jsonschema.Schema
}

func NewContract(stage runtime.StageID, required []string) (*Contract, error) {
	props := map[string]any{}
	for _, f := range required {
		fs, ok := fieldSchemas[f]
		if !ok {
			return nil, fmt.Errorf("contract %s: unknown field %q", stage, f)
		}
		props[f] = fs
	}
	schema, err := compileSchema(fmt.Sprintf("contract/%s.json", stage), map[string]any{
		"type":       "object",
		"required":   required,
		"properties": props,
	})
	if err != nil {
		return nil, fmt.Errorf("contract %s: %w", stage, err)
	}
	return &Contract{stage: stage, required: append([]string(nil), required...), schema: schema}, nil
}

// Contracts compiles the contract of every handler in the table.
func Contracts(table map[runtime.StageID]Handler) (map[runtime.StageID]*Contract, error) {
	out := make(map[runtime.StageID]*Contract, len(table))
	for id, h := range table {
		c, err := NewContract(id, h.Required())
		if err != nil {
			return nil, err
		}
		out[id] = c
	}
	return out, nil
}

// Check validates a payload, returning *runtime.InvalidContextError when a
// required field is missing or has the wrong shape.
func (c *Contract) Check(payload map[string]any) error {
	doc, err := toDocument(payload)
	if err != nil {
		return &runtime.InvalidContextError{Stage: c.stage, Reason: err.Error()}
	}
	if err := c.schema.Validate(doc); err != nil {
		var missing []string
		for _, f := range c.required {
			if v, ok := payload[f]; !ok || v == nil {
				missing = append(missing, f)
			}
		}
		sort.Strings(missing)
		return &runtime.InvalidContextError{Stage: c.stage, Missing: missing, Reason: schemaReason(err)}
	}
	return nil
}

func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

// toDocument converts typed values into the generic form the validator
// walks.
func toDocument(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// schemaReason flattens a validation error to its leaf messages.
func schemaReason(err error) string {
	return strings.Join(leafMessages(err), "; ")
}

func leafMessages(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
