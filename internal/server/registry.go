package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danshapiro/hwbuild/internal/pipeline/engine"
)

// BuildState tracks one in-flight or finished build served by this
// process.
type BuildState struct {
	RunID       string
	Broadcaster *Broadcaster
	Cancel      context.CancelCauseFunc
	StartedAt   time.Time

	mu         sync.Mutex
	result     *engine.Result
	err        error
	done       bool
	finishedAt time.Time
}

func (bs *BuildState) SetResult(res *engine.Result, err error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.result = res
	bs.err = err
	bs.done = true
	bs.finishedAt = time.Now()
}

func (bs *BuildState) finishedBefore(t time.Time) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.done && bs.finishedAt.Before(t)
}

// Status summarizes the build for GET /runs/{id}.
func (bs *BuildState) Status() BuildStatus {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	st := BuildStatus{RunID: bs.RunID, State: "running", StartedAt: bs.StartedAt}
	switch {
	case bs.done && bs.err != nil:
		st.State = "failed"
		st.FailureReason = bs.err.Error()
	case bs.done && bs.result != nil:
		st.State = string(bs.result.Context.Status)
	}
	if !bs.done && bs.Broadcaster != nil {
		history := bs.Broadcaster.History()
		for i := len(history) - 1; i >= 0; i-- {
			ev, ok := history[i].Data.(engine.Event)
			if !ok {
				continue
			}
			if st.LastEvent == "" {
				st.LastEvent = ev.Event
				t := ev.TS
				st.LastEventAt = &t
			}
			if ev.Stage != "" {
				st.CurrentStage = ev.Stage
				break
			}
		}
	}
	return st
}

// finishedRetention is how long a finished build stays replayable from
// memory. Older runs are still served from their checkpoints.
const finishedRetention = 30 * time.Minute

// BuildRegistry holds the builds started by this server.
type BuildRegistry struct {
	mu     sync.RWMutex
	builds map[string]*BuildState
	now    func() time.Time
}

func NewBuildRegistry() *BuildRegistry {
	return &BuildRegistry{builds: make(map[string]*BuildState), now: time.Now}
}

// Register adds bs and forgets builds that finished long ago.
func (r *BuildRegistry) Register(bs *BuildState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builds[bs.RunID]; exists {
		return fmt.Errorf("build %s already exists", bs.RunID)
	}
	cutoff := r.now().Add(-finishedRetention)
	for id, old := range r.builds {
		if old.finishedBefore(cutoff) {
			delete(r.builds, id)
		}
	}
	r.builds[bs.RunID] = bs
	return nil
}

func (r *BuildRegistry) Get(runID string) (*BuildState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bs, ok := r.builds[runID]
	return bs, ok
}

// List returns the registered run ids in order.
func (r *BuildRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.builds))
	for id := range r.builds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Active counts builds that have not finished.
func (r *BuildRegistry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, bs := range r.builds {
		bs.mu.Lock()
		if !bs.done {
			n++
		}
		bs.mu.Unlock()
	}
	return n
}

func (r *BuildRegistry) CancelAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, bs := range r.builds {
		if bs.Cancel != nil {
			bs.Cancel(fmt.Errorf("%s", reason))
		}
	}
}
