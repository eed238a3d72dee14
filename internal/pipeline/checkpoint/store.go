// Package checkpoint persists run checkpoints between stage boundaries.
//
// Every backend stores the same checksummed record (see
// runtime.EncodeCheckpoint) under one key per run, and every backend write
// is atomic with respect to reads of that key.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

// ErrNotFound reports that no checkpoint exists for a run id.
var ErrNotFound = errors.New("checkpoint not found")

// Store is the durable checkpoint interface shared by the orchestrator and
// the staged runner.
type Store interface {
	Save(ctx context.Context, cp *runtime.Checkpoint) error
	Load(ctx context.Context, runID string) (*runtime.Checkpoint, error)
	// List returns the run ids matching a doublestar pattern ("" matches all).
	List(ctx context.Context, pattern string) ([]string, error)
	Close() error
}

// blobBackend is the raw key/value surface a backend provides. Get returns
// ErrNotFound for a missing key.
type blobBackend interface {
	put(ctx context.Context, runID string, data []byte) error
	get(ctx context.Context, runID string) ([]byte, error)
	keys(ctx context.Context) ([]string, error)
	close() error
	String() string
}

type blobStore struct {
	b blobBackend
}

func (s *blobStore) Save(ctx context.Context, cp *runtime.Checkpoint) error {
	if cp == nil {
		return errors.New("save: nil checkpoint")
	}
	if err := ValidateRunID(cp.RunID); err != nil {
		return err
	}
	data, err := runtime.EncodeCheckpoint(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.RunID, err)
	}
	return s.b.put(ctx, cp.RunID, data)
}

func (s *blobStore) Load(ctx context.Context, runID string) (*runtime.Checkpoint, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	data, err := s.b.get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return runtime.DecodeCheckpoint(runID, data)
}

func (s *blobStore) List(ctx context.Context, pattern string) ([]string, error) {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	all, err := s.b.keys(ctx)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, id := range all {
		if pattern == "" {
			out = append(out, id)
			continue
		}
		if ok, _ := doublestar.Match(pattern, id); ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *blobStore) Close() error { return s.b.close() }

func (s *blobStore) String() string { return s.b.String() }

// ValidateRunID rejects ids that cannot be used safely as a path segment or
// object key.
func ValidateRunID(id string) error {
	if id == "" || len(id) > 128 {
		return fmt.Errorf("invalid run id %q", id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("invalid run id %q", id)
		}
	}
	if id == "." || id == ".." {
		return fmt.Errorf("invalid run id %q", id)
	}
	return nil
}

// Open selects a backend from a location URL:
//
//	/var/lib/hwbuild/runs, file:///var/lib/hwbuild/runs   filesystem
//	sqlite:///var/lib/hwbuild/checkpoints.db              sqlite
//	redis://localhost:6379/0                              redis
//	s3://bucket/prefix                                    s3
//	gs://bucket/prefix                                    gcs
func Open(ctx context.Context, location string) (Store, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, errors.New("checkpoint location is empty")
	}
	if !strings.Contains(location, "://") {
		return NewFSStore(location)
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint location: %w", err)
	}
	switch u.Scheme {
	case "file":
		return NewFSStore(filepath.FromSlash(u.Host + u.Path))
	case "sqlite", "sqlite3":
		return NewSQLiteStore(ctx, filepath.FromSlash(u.Host+u.Path))
	case "redis", "rediss":
		return NewRedisStore(ctx, location)
	case "s3":
		return NewS3Store(ctx, u.Host, strings.Trim(u.Path, "/"), u.Query().Get("region"))
	case "gs", "gcs":
		return NewGCSStore(ctx, u.Host, strings.Trim(u.Path, "/"))
	default:
		return nil, fmt.Errorf("unsupported checkpoint scheme %q", u.Scheme)
	}
}

func objectKey(prefix, runID string) string {
	if prefix == "" {
		return runID + "/" + fileName
	}
	return prefix + "/" + runID + "/" + fileName
}

// runIDFromKey inverts objectKey, returning "" for unrelated keys.
func runIDFromKey(prefix, key string) string {
	if prefix != "" {
		if !strings.HasPrefix(key, prefix+"/") {
			return ""
		}
		key = strings.TrimPrefix(key, prefix+"/")
	}
	id, rest, ok := strings.Cut(key, "/")
	if !ok || rest != fileName || ValidateRunID(id) != nil {
		return ""
	}
	return id
}
