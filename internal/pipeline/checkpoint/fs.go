package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

const fileName = "checkpoint.json"

// FSStore keeps one checkpoint.json per run directory under a root, the
// same layout the run state directory uses.
type FSStore struct {
	blobStore
}

type fsBackend struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve checkpoint root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint root: %w", err)
	}
	return &FSStore{blobStore{b: &fsBackend{root: abs}}}, nil
}

// Path is the file holding runID's checkpoint.
func (s *FSStore) Path(runID string) string {
	return s.b.(*fsBackend).path(runID)
}

func (b *fsBackend) path(runID string) string {
	return filepath.Join(b.root, runID, fileName)
}

func (b *fsBackend) put(ctx context.Context, runID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return runtime.WriteFileAtomic(b.path(runID), data)
}

func (b *fsBackend) get(ctx context.Context, runID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return data, err
}

func (b *fsBackend) keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, e := range entries {
		if !e.IsDir() || ValidateRunID(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(b.path(e.Name())); err == nil {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (b *fsBackend) close() error { return nil }

func (b *fsBackend) String() string { return "file://" + filepath.ToSlash(b.root) }
