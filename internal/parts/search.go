package parts

import (
	"context"
	"database/sql"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

const (
	maxFTSTokens  = 4
	maxLikeTokens = 3
)

var (
	parenthetical = regexp.MustCompile(`\([^)]*\)`)
	nonWord       = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
	stopWords     = map[string]bool{
		"or": true, "and": true, "the": true, "a": true, "an": true, "for": true, "with": true,
		"not": true, "of": true, "to": true, "in": true, "is": true, "on": true, "by": true,
	}
)

// SanitizeFTS turns a free-form component description into search tokens
// that are safe to quote into an FTS5 MATCH expression.
func SanitizeFTS(query string) []string {
	clean := parenthetical.ReplaceAllString(query, " ")
	clean = nonWord.ReplaceAllString(clean, " ")
	out := []string{}
	for _, w := range strings.Fields(strings.ToLower(clean)) {
		if stopWords[w] || len([]rune(w)) <= 1 {
			continue
		}
		out = append(out, w)
	}
	return out
}

const selectParts = `SELECT p.id, p.name, p.url, COALESCE(p.sku, ''), COALESCE(p.price, 0), COALESCE(p.currency, 'INR'),
	COALESCE(p.in_stock, 1), COALESCE(p.description, ''), COALESCE(p.specs, ''), COALESCE(p.image_url, ''),
	COALESCE(c.name, '')`

// Search matches each token independently through FTS, then tops up with
// LIKE on the part name. Results are deduplicated by url (or name) and
// priced parts sort first, cheapest first.
func (c *Catalog) Search(ctx context.Context, query string, limit int) ([]Part, error) {
	if limit <= 0 {
		limit = 20
	}
	tokens := SanitizeFTS(query)
	if len(tokens) == 0 {
		if q := strings.TrimSpace(query); q != "" {
			tokens = []string{strings.ToLower(q)}
		}
	}
	seen := map[string]bool{}
	var out []Part
	add := func(ps []Part) {
		for _, p := range ps {
			key := p.URL
			if key == "" {
				key = p.Name
			}
			if seen[key] || len(out) >= limit {
				continue
			}
			seen[key] = true
			out = append(out, p)
		}
	}

	if c.fts {
		for i, tok := range tokens {
			if i >= maxFTSTokens {
				break
			}
			rows, err := c.db.QueryContext(ctx, selectParts+`
				FROM parts_fts f
				JOIN parts p ON f.rowid = p.id
				LEFT JOIN categories c ON p.category_id = c.id
				WHERE parts_fts MATCH ?
				ORDER BY p.price > 0 DESC, p.price ASC
				LIMIT ?`, `"`+strings.ReplaceAll(tok, `"`, `""`)+`"`, limit)
			if err != nil {
				// A token the FTS grammar rejects still gets the LIKE pass.
				c.logger.Debug("parts.fts_query_failed", "token", tok, "err", err)
				continue
			}
			ps, err := scanParts(rows)
			if err != nil {
				return nil, err
			}
			add(ps)
		}
	}
	if len(out) < limit {
		for i, tok := range tokens {
			if i >= maxLikeTokens {
				break
			}
			rows, err := c.db.QueryContext(ctx, selectParts+`
				FROM parts p
				LEFT JOIN categories c ON p.category_id = c.id
				WHERE p.name LIKE ?
				ORDER BY p.price > 0 DESC, p.price ASC
				LIMIT ?`, "%"+tok+"%", limit)
			if err != nil {
				return nil, errors.Wrapf(err, "search parts %q", tok)
			}
			ps, err := scanParts(rows)
			if err != nil {
				return nil, err
			}
			add(ps)
		}
	}
	if out == nil {
		out = []Part{}
	}
	return out, nil
}

func scanParts(rows *sql.Rows) ([]Part, error) {
	defer rows.Close()
	var out []Part
	for rows.Next() {
		var p Part
		var inStock int
		if err := rows.Scan(&p.ID, &p.Name, &p.URL, &p.SKU, &p.Price, &p.Currency, &inStock,
			&p.Description, &p.Specs, &p.ImageURL, &p.Category); err != nil {
			return nil, errors.Wrap(err, "scan part")
		}
		p.InStock = inStock != 0
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate parts")
}
