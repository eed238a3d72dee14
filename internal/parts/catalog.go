// Package parts is the electronic components catalog: a SQLite database of
// categories and priced parts with full-text search.
package parts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS categories (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT NOT NULL,
	url       TEXT UNIQUE NOT NULL,
	parent_id INTEGER REFERENCES categories(id)
);

CREATE TABLE IF NOT EXISTS parts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	url         TEXT UNIQUE NOT NULL,
	sku         TEXT,
	price       REAL,
	currency    TEXT DEFAULT 'INR',
	in_stock    INTEGER DEFAULT 1,
	description TEXT,
	specs       TEXT,
	image_url   TEXT,
	category_id INTEGER REFERENCES categories(id),
	scraped_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_parts_category ON parts(category_id);
CREATE INDEX IF NOT EXISTS idx_parts_sku ON parts(sku);`

const ftsSchema = `CREATE VIRTUAL TABLE IF NOT EXISTS parts_fts USING fts5(name, description, specs, content=parts, content_rowid=id);`

// Part is one catalog row. Prices are INR; zero means unpriced.
type Part struct {
	ID          int64   `json:"id,omitempty"`
	Name        string  `json:"name"`
	URL         string  `json:"url"`
	SKU         string  `json:"sku,omitempty"`
	Price       float64 `json:"price"`
	Currency    string  `json:"currency,omitempty"`
	InStock     bool    `json:"in_stock"`
	Description string  `json:"description,omitempty"`
	Specs       string  `json:"specs,omitempty"`
	ImageURL    string  `json:"image_url,omitempty"`
	Category    string  `json:"category,omitempty"`
}

// Catalog wraps the parts database. FTS is used when the SQLite build
// provides fts5; otherwise every search runs on LIKE.
type Catalog struct {
	db     *sql.DB
	path   string
	fts    bool
	logger *slog.Logger
}

// Open opens (creating if needed) the catalog at path.
func Open(ctx context.Context, path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("parts database path is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create parts database directory")
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open parts database")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "configure parts database")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create parts schema")
	}
	c := &Catalog{db: db, path: path, logger: slog.Default().With("component", "parts")}
	if _, err := db.ExecContext(ctx, ftsSchema); err != nil {
		c.logger.Warn("parts.fts_unavailable", "err", err)
	} else {
		c.fts = true
	}
	return c, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

func (c *Catalog) Path() string { return c.path }

// FTS reports whether full-text search is available.
func (c *Catalog) FTS() bool { return c.fts }

// ImportPart is the JSON shape accepted by Import.
type ImportPart struct {
	Name        string          `json:"name"`
	URL         string          `json:"url"`
	SKU         string          `json:"sku,omitempty"`
	Price       float64         `json:"price,omitempty"`
	Currency    string          `json:"currency,omitempty"`
	InStock     *bool           `json:"in_stock,omitempty"`
	Description string          `json:"description,omitempty"`
	Specs       json.RawMessage `json:"specs,omitempty"`
	ImageURL    string          `json:"image_url,omitempty"`
	Category    string          `json:"category,omitempty"`
	CategoryURL string          `json:"category_url,omitempty"`
}

// Import upserts parts (keyed by url) and their categories, then rebuilds
// the full-text index. It returns the number of rows written.
func (c *Catalog) Import(ctx context.Context, items []ImportPart) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin import")
	}
	defer tx.Rollback()

	categoryIDs := map[string]int64{}
	n := 0
	for i, it := range items {
		name := strings.TrimSpace(it.Name)
		if name == "" {
			return 0, fmt.Errorf("import item %d: missing name", i)
		}
		url := strings.TrimSpace(it.URL)
		if url == "" {
			url = "local:" + strings.ToLower(strings.Join(strings.Fields(name), "-"))
		}
		var catID sql.NullInt64
		if cat := strings.TrimSpace(it.Category); cat != "" {
			id, ok := categoryIDs[cat]
			if !ok {
				if id, err = upsertCategory(ctx, tx, cat, it.CategoryURL); err != nil {
					return 0, err
				}
				categoryIDs[cat] = id
			}
			catID = sql.NullInt64{Int64: id, Valid: true}
		}
		inStock := true
		if it.InStock != nil {
			inStock = *it.InStock
		}
		currency := it.Currency
		if currency == "" {
			currency = "INR"
		}
		var price sql.NullFloat64
		if it.Price > 0 {
			price = sql.NullFloat64{Float64: it.Price, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO parts (name, url, sku, price, currency, in_stock, description, specs, image_url, category_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(url) DO UPDATE SET
				name = excluded.name, sku = excluded.sku, price = excluded.price,
				currency = excluded.currency, in_stock = excluded.in_stock,
				description = excluded.description, specs = excluded.specs,
				image_url = excluded.image_url, category_id = excluded.category_id,
				scraped_at = CURRENT_TIMESTAMP`,
			name, url, it.SKU, price, currency, inStock, it.Description, string(it.Specs), it.ImageURL, catID)
		if err != nil {
			return 0, errors.Wrapf(err, "import part %q", name)
		}
		n++
	}
	if c.fts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO parts_fts(parts_fts) VALUES('rebuild')`); err != nil {
			return 0, errors.Wrap(err, "rebuild parts_fts")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit import")
	}
	return n, nil
}

func upsertCategory(ctx context.Context, tx *sql.Tx, name, url string) (int64, error) {
	if strings.TrimSpace(url) == "" {
		url = "category:" + strings.ToLower(strings.Join(strings.Fields(name), "-"))
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO categories (name, url) VALUES (?, ?) ON CONFLICT(url) DO UPDATE SET name = excluded.name`,
		name, url); err != nil {
		return 0, errors.Wrapf(err, "upsert category %q", name)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM categories WHERE url = ?`, url).Scan(&id); err != nil {
		return 0, errors.Wrapf(err, "lookup category %q", name)
	}
	return id, nil
}

// ImportFile reads a JSON array of ImportPart from path.
func (c *Catalog) ImportFile(ctx context.Context, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var items []ImportPart
	if err := json.Unmarshal(b, &items); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return c.Import(ctx, items)
}
