package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/danshapiro/hwbuild/internal/parts"
	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
	"github.com/danshapiro/hwbuild/internal/repair"
)

const searchLimit = 10

const partsSelectSystem = `You select hardware parts from a database of %d products (%d priced).

Given requirements and candidate parts, return a JSON array. NO markdown fences. NO explanation. ONLY the JSON array.

Each item: {"name":"exact name","price":123.00,"quantity":1,"reason":"brief"}

If a needed part isn't in candidates, add it with "estimated_price" instead of "price".
Include everything: MCU, sensors, passives, connectors, power, wiring, mounting hardware.`

const partsSuggestSystem = `You are a hardware parts expert. Suggest a complete BOM for the given project.

Return ONLY a JSON array. NO markdown fences. NO explanation.
Each item: {"name":"product name","estimated_price":123.00,"quantity":1,"reason":"brief"}
Use realistic INR prices. Include everything: MCU, sensors, passives, connectors, power, wiring.`

// Parts builds the bill of materials, preferring catalog parts.
type Parts struct{ base }

func (h *Parts) Handle(ctx context.Context, in *Input) (any, error) {
	req := in.Context.Requirements
	if req == nil {
		req = &runtime.Requirements{}
	}
	candidates, err := h.candidates(ctx, req.ComponentsNeeded)
	if err != nil {
		return nil, err
	}

	var purpose, system, user string
	if len(candidates) > 0 {
		total, priced := h.catalogSize(ctx)
		purpose = "parts.select"
		system = fmt.Sprintf(partsSelectSystem, total, priced)
		lines := make([]string, 0, len(candidates))
		for i, c := range candidates {
			entry := c.Name
			if c.Price > 0 {
				entry += fmt.Sprintf(" [₹%g]", c.Price)
			}
			if c.Category != "" {
				entry += fmt.Sprintf(" (%s)", c.Category)
			}
			lines = append(lines, fmt.Sprintf("  %d. %s", i+1, entry))
		}
		user = fmt.Sprintf("PROJECT: %s\nCOMPONENTS NEEDED: %s\n\nAVAILABLE PARTS:\n%s",
			req.ProjectName, strings.Join(req.ComponentsNeeded, ", "), strings.Join(lines, "\n"))
	} else {
		purpose = "parts.suggest"
		system = partsSuggestSystem
		user = "Requirements:\n" + mustJSON(req)
	}
	h.deps.Logger.Info("parts.candidates", "run_id", in.RunID, "count", len(candidates), "purpose", purpose)

	text, err := h.deps.generate(ctx, h.stage, purpose, system, user)
	if err != nil {
		return nil, err
	}
	bom, err := decodeBOM(text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", purpose, err)
	}
	return h.normalize(bom, candidates), nil
}

// candidates searches the catalog for every component and, for
// multi-word components, each word on its own.
func (h *Parts) candidates(ctx context.Context, components []string) ([]parts.Part, error) {
	if h.deps.Catalog == nil {
		return nil, nil
	}
	seen := map[string]bool{}
	var out []parts.Part
	for _, comp := range components {
		terms := []string{comp}
		if words := strings.Fields(comp); len(words) > 1 {
			terms = append(terms, words...)
		}
		for _, term := range terms {
			found, err := h.deps.Catalog.Search(ctx, term, searchLimit)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("search catalog for %q: %w", term, err)
			}
			for _, p := range found {
				key := p.URL
				if key == "" {
					key = p.Name
				}
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, p)
			}
		}
	}
	if len(out) > h.deps.FTSMax {
		out = out[:h.deps.FTSMax]
	}
	return out, nil
}

func (h *Parts) catalogSize(ctx context.Context) (int, int) {
	s, err := h.deps.Catalog.Stats(ctx)
	if err != nil {
		h.deps.Logger.Warn("parts.stats_failed", "err", err)
		return 0, 0
	}
	return s.TotalParts, s.PricedParts
}

// decodeBOM accepts a bare array or an object wrapping one.
func decodeBOM(text string) ([]runtime.Part, error) {
	rec, err := repair.Repair(text)
	if err != nil {
		return nil, err
	}
	var bom []runtime.Part
	if rec.Get("@this").IsArray() {
		if err := rec.Decode(&bom); err != nil {
			return nil, fmt.Errorf("decode bom: %w", err)
		}
		return bom, nil
	}
	for _, key := range []string{"bom", "parts", "items"} {
		if v := rec.Get(key); v.IsArray() {
			inner, err := repair.Repair(v.Raw)
			if err != nil {
				return nil, err
			}
			if err := inner.Decode(&bom); err != nil {
				return nil, fmt.Errorf("decode bom: %w", err)
			}
			return bom, nil
		}
	}
	return nil, fmt.Errorf("decode bom: expected an array of parts")
}

// normalize caps the BOM, defaults quantities and fills catalog details
// for parts the model picked by exact name.
func (h *Parts) normalize(bom []runtime.Part, candidates []parts.Part) []runtime.Part {
	byName := make(map[string]parts.Part, len(candidates))
	for _, c := range candidates {
		byName[strings.ToLower(strings.TrimSpace(c.Name))] = c
	}
	out := make([]runtime.Part, 0, len(bom))
	for _, p := range bom {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			continue
		}
		if p.Quantity < 1 {
			p.Quantity = 1
		}
		if c, ok := byName[strings.ToLower(p.Name)]; ok {
			if p.URL == "" {
				p.URL = c.URL
			}
			if p.Category == "" {
				p.Category = c.Category
			}
			if p.Price <= 0 && p.EstimatedPrice <= 0 && c.Price > 0 {
				p.Price = c.Price
			}
			if p.InStock == nil {
				in := c.InStock
				p.InStock = &in
			}
		}
		out = append(out, p)
		if len(out) >= h.deps.BOMMax {
			break
		}
	}
	return out
}
