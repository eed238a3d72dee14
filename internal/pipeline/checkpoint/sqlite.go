package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT PRIMARY KEY,
	body       BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

// SQLiteStore keeps checkpoints as single rows keyed by run id.
type SQLiteStore struct {
	blobStore
}

type sqliteBackend struct {
	path string
	db   *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create sqlite directory")
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite checkpoint store")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "configure sqlite")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create checkpoints table")
	}
	return &SQLiteStore{blobStore{b: &sqliteBackend{path: path, db: db}}}, nil
}

func (b *sqliteBackend) put(ctx context.Context, runID string, data []byte) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		runID, data, time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "upsert checkpoint %s", runID)
	}
	return errors.Wrap(tx.Commit(), "commit checkpoint")
}

func (b *sqliteBackend) get(ctx context.Context, runID string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT body FROM checkpoints WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load checkpoint %s", runID)
	}
	return data, nil
}

func (b *sqliteBackend) keys(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT run_id FROM checkpoints`)
	if err != nil {
		return nil, errors.Wrap(err, "list checkpoints")
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan run id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (b *sqliteBackend) close() error { return b.db.Close() }

func (b *sqliteBackend) String() string { return "sqlite://" + filepath.ToSlash(b.path) }
