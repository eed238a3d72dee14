// Package llmtest provides a deterministic Generator for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danshapiro/hwbuild/internal/llm"
)

// Reply is one scripted outcome for a purpose.
type Reply struct {
	Text string
	Err  error
	// Delay holds the reply back; ctx cancellation ends the wait early.
	Delay time.Duration
}

// Scripted answers prompts by Purpose. A purpose with several replies
// serves them in order and repeats the last one.
type Scripted struct {
	mu      sync.Mutex
	replies map[string][]Reply
	served  map[string]int
	calls   []llm.Prompt
}

func NewScripted(texts map[string]string) *Scripted {
	s := &Scripted{replies: map[string][]Reply{}, served: map[string]int{}}
	for purpose, text := range texts {
		s.replies[purpose] = []Reply{{Text: text}}
	}
	return s
}

// Set replaces the replies for purpose.
func (s *Scripted) Set(purpose string, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[purpose] = append([]Reply(nil), replies...)
	s.served[purpose] = 0
	return s
}

func (s *Scripted) Generate(ctx context.Context, p llm.Prompt) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, p)
	rs := s.replies[p.Purpose]
	if len(rs) == 0 {
		s.mu.Unlock()
		return "", fmt.Errorf("llmtest: no reply scripted for purpose %q", p.Purpose)
	}
	i := s.served[p.Purpose]
	if i >= len(rs) {
		i = len(rs) - 1
	}
	s.served[p.Purpose]++
	r := rs[i]
	s.mu.Unlock()

	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	if r.Err != nil {
		return "", r.Err
	}
	return r.Text, nil
}

// Calls returns the prompts received so far.
func (s *Scripted) Calls() []llm.Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Prompt(nil), s.calls...)
}

// Purposes lists the purposes of the received prompts in call order.
func (s *Scripted) Purposes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.Purpose)
	}
	return out
}
