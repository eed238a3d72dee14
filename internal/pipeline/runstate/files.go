package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/danshapiro/hwbuild/internal/pipeline/runtime"
)

const (
	PIDFile      = "run.pid"
	ProgressFile = "progress.ndjson"
)

// WritePID records the process holding the run in runDir.
func WritePID(runDir string, pid int) error {
	return runtime.WriteFileAtomic(filepath.Join(runDir, PIDFile), []byte(strconv.Itoa(pid)+"\n"))
}

// ProgressLog appends one JSON object per line to runDir/progress.ndjson.
type ProgressLog struct {
	mu   sync.Mutex
	path string
}

func NewProgressLog(runDir string) (*ProgressLog, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	return &ProgressLog{path: filepath.Join(runDir, ProgressFile)}, nil
}

func (p *ProgressLog) Append(ev any) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (p *ProgressLog) Path() string { return p.path }
