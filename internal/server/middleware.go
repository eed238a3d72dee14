package server

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
)

const (
	headerRequestID = "X-Request-Id"
	headerDuration  = "X-Duration-Ms"
)

// tracedWriter stamps the duration header at the moment the status line
// goes out.
type tracedWriter struct {
	http.ResponseWriter
	start  time.Time
	status int
}

func (w *tracedWriter) WriteHeader(code int) {
	if w.status != 0 {
		return
	}
	w.status = code
	w.Header().Set(headerDuration, strconv.FormatInt(time.Since(w.start).Milliseconds(), 10))
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracedWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *tracedWriter) Flush() {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (w *tracedWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *tracedWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// traceRequests assigns every request an id, reports its duration and
// logs it once the handler returns.
func traceRequests(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > 128 {
			id = ulid.Make().String()
		}
		w.Header().Set(headerRequestID, id)
		tw := &tracedWriter{ResponseWriter: w, start: time.Now()}
		next.ServeHTTP(tw, r)
		if tw.status == 0 {
			tw.WriteHeader(http.StatusOK)
		}
		logger.Info("http.request", "request_id", id, "method", r.Method, "path", r.URL.Path,
			"status", tw.status, "duration_ms", time.Since(tw.start).Milliseconds())
	})
}

// allowCORS opens the API to browser callers from any origin.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
		h.Set("Access-Control-Expose-Headers", "X-Request-Id, X-Duration-Ms")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const busyMessage = "Too many concurrent builds. Try again shortly."

// limitBuilds admits at most n concurrent requests to next and turns the
// rest away with 429.
func limitBuilds(sem *semaphore.Weighted, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sem.TryAcquire(1) {
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusTooManyRequests, busyMessage)
			return
		}
		defer sem.Release(1)
		next(w, r)
	}
}
