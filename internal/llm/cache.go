package llm

import (
	"context"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Cache is a file-backed response cache in front of a Generator, keyed by
// model, system prompt and user prompt. Entries expire after TTL.
type Cache struct {
	Next  Generator
	Dir   string
	Model string
	TTL   time.Duration
	// OnHit is called with the prompt's stage for every served entry.
	OnHit func(stage string)

	now func() time.Time
}

func NewCache(next Generator, dir, model string, ttl time.Duration) (*Cache, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, &ConfigurationError{Message: "cache directory is empty"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Cache{Next: next, Dir: dir, Model: model, TTL: ttl}, nil
}

// Key is the cache file name for p.
func (c *Cache) Key(p Prompt) string {
	h := blake3.New()
	_, _ = h.Write([]byte(c.Model + ":" + p.System + ":" + p.User))
	return hex.EncodeToString(h.Sum(nil)[:16]) + ".txt"
}

func (c *Cache) Generate(ctx context.Context, p Prompt) (string, error) {
	if p.NoCache {
		return c.Next.Generate(ctx, p)
	}
	path := filepath.Join(c.Dir, c.Key(p))
	if text, ok := c.lookup(path); ok {
		if c.OnHit != nil {
			c.OnHit(p.Stage)
		}
		return text, nil
	}
	text, err := c.Next.Generate(ctx, p)
	if err != nil {
		return "", err
	}
	// A failed cache write only costs a future model call.
	_ = writeCacheFile(path, text)
	return text, nil
}

func (c *Cache) lookup(path string) (string, bool) {
	st, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	if c.TTL > 0 && now().Sub(st.ModTime()) >= c.TTL {
		return "", false
	}
	b, err := os.ReadFile(path)
	if err != nil || len(b) == 0 {
		return "", false
	}
	return string(b), true
}

func writeCacheFile(path, text string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cache-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(text); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Purge removes expired entries and returns how many were deleted.
func (c *Cache) Purge() (int, error) {
	entries, err := os.ReadDir(c.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		p := filepath.Join(c.Dir, e.Name())
		if _, ok := c.lookup(p); !ok {
			if os.Remove(p) == nil {
				n++
			}
		}
	}
	return n, nil
}
