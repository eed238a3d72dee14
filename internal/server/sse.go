package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Message is one streamed build event: Name is the SSE event name
// (status, result or error) and Data its JSON body.
type Message struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Broadcaster fans out build messages to any number of stream clients.
// One Broadcaster per build. Thread-safe.
type Broadcaster struct {
	mu      sync.Mutex
	history []Message
	clients map[uint64]chan Message
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed only on Close(), not on slow-client drops
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan Message),
		doneCh:  make(chan struct{}),
	}
}

// Send records m and delivers it to every subscriber without blocking.
func (b *Broadcaster) Send(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, m)
	for id, ch := range b.clients {
		select {
		case ch <- m:
		default:
			// Slow client: drop it rather than stall the build.
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe replays the history, then delivers live messages. The done
// channel closes only when the build finishes, so a closed events channel
// with an open done channel means this client was dropped.
func (b *Broadcaster) Subscribe() (<-chan Message, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, len(b.history)+256)
	id := b.nextID
	b.nextID++
	for _, m := range b.history {
		ch <- m
	}
	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

func (b *Broadcaster) History() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.history))
	copy(out, b.history)
	return out
}

// WriteSSE streams b to w as named Server-Sent Events and finishes with
// `event: done` once the build is over.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := b.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-events:
			if !ok {
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(m.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Name, data)
			flusher.Flush()
		}
	}
}
