package parts

import (
	"context"
	"database/sql"
	"math"

	"github.com/pkg/errors"
)

type PriceRange struct {
	Min      *float64 `json:"min"`
	Avg      *float64 `json:"avg"`
	Max      *float64 `json:"max"`
	Currency string   `json:"currency"`
}

type CategoryCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type Stats struct {
	TotalParts    int             `json:"total_parts"`
	PricedParts   int             `json:"priced_parts"`
	Categories    int             `json:"categories"`
	PriceRange    PriceRange      `json:"price_range"`
	TopCategories []CategoryCount `json:"top_categories"`
	FTS           bool            `json:"fts"`
}

func (c *Catalog) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{FTS: c.fts, TopCategories: []CategoryCount{}, PriceRange: PriceRange{Currency: "INR"}}
	for _, q := range []struct {
		sql  string
		dest *int
	}{
		{`SELECT COUNT(*) FROM parts`, &s.TotalParts},
		{`SELECT COUNT(*) FROM parts WHERE price > 0`, &s.PricedParts},
		{`SELECT COUNT(*) FROM categories`, &s.Categories},
	} {
		if err := c.db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, errors.Wrap(err, "count parts")
		}
	}

	var lo, avg, hi sql.NullFloat64
	if err := c.db.QueryRowContext(ctx, `SELECT MIN(price), AVG(price), MAX(price) FROM parts WHERE price > 0`).Scan(&lo, &avg, &hi); err != nil {
		return nil, errors.Wrap(err, "price range")
	}
	if lo.Valid {
		s.PriceRange.Min = &lo.Float64
	}
	if avg.Valid {
		a := math.Round(avg.Float64*100) / 100
		s.PriceRange.Avg = &a
	}
	if hi.Valid {
		s.PriceRange.Max = &hi.Float64
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT c.name, COUNT(p.id) AS n
		FROM categories c
		JOIN parts p ON p.category_id = c.id
		GROUP BY c.id
		ORDER BY n DESC, c.name ASC
		LIMIT 15`)
	if err != nil {
		return nil, errors.Wrap(err, "top categories")
	}
	defer rows.Close()
	for rows.Next() {
		var cc CategoryCount
		if err := rows.Scan(&cc.Name, &cc.Count); err != nil {
			return nil, errors.Wrap(err, "scan category")
		}
		s.TopCategories = append(s.TopCategories, cc)
	}
	return s, errors.Wrap(rows.Err(), "iterate categories")
}
