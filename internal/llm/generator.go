// Package llm is the generative collaborator used by pipeline stages: a
// single Generate call, retry and cache middleware, and provider clients.
package llm

import (
	"context"
	"strings"
)

// Prompt is one generation request.
type Prompt struct {
	// Stage and Purpose identify the call site, e.g. "pcb" / "pcb.circuit".
	Stage   string
	Purpose string

	System    string
	User      string
	MaxTokens int
	// NoCache bypasses the response cache for this call.
	NoCache bool
}

// Generator produces text for a prompt. Implementations must honor ctx
// cancellation.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, p Prompt) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}

// Token budgets per purpose, used when Prompt.MaxTokens is zero.
var DefaultMaxTokens = map[string]int{
	"requirements":  2048,
	"parts.select":  4096,
	"parts.suggest": 4096,
	"pcb.circuit":   4096,
	"pcb.schematic": 8192,
	"pcb.layout":    4096,
	"cad.enclosure": 4096,
	"cad.lid":       2048,
	"assembly":      8192,
}

// MaxTokensFor resolves the budget for p against overrides keyed by purpose.
func MaxTokensFor(p Prompt, overrides map[string]int) int {
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	key := strings.ToLower(strings.TrimSpace(p.Purpose))
	if v := overrides[key]; v > 0 {
		return v
	}
	if v := DefaultMaxTokens[key]; v > 0 {
		return v
	}
	return 4096
}
