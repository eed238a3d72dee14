package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPromptWait = 30 * time.Second
	wsWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleBuildWS is the websocket form of /build/stream. The client sends
// {prompt} first and then receives {event, data} frames, ending with a
// done frame.
func (s *Server) handleBuildWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, http.Header{headerRequestID: []string{w.Header().Get(headerRequestID)}})
	if err != nil {
		// Upgrade has already answered the client.
		s.logger.Warn("ws.upgrade_failed", "err", err)
		return
	}
	defer conn.Close()

	var req BuildRequest
	_ = conn.SetReadDeadline(time.Now().Add(wsPromptWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.logger.Warn("ws.read_failed", "err", err)
		return
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeFrame(conn, Message{Name: "error", Data: ErrorResponse{Error: "invalid request: " + err.Error()}})
		return
	}
	bs, ctx, err := s.newBuild(s.baseCtx, req)
	if err != nil {
		s.writeFrame(conn, Message{Name: "error", Data: ErrorResponse{Error: err.Error()}})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.runBuild(ctx, bs, req.Prompt)
	}()
	defer func() { <-done }()

	// Drain client frames so control messages are handled and a close is
	// noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	events, doneCh, unsub := bs.Broadcaster.Subscribe()
	defer unsub()
	for {
		select {
		case <-gone:
			return
		case m, ok := <-events:
			if !ok {
				select {
				case <-doneCh:
					s.writeFrame(conn, Message{Name: "done", Data: struct{}{}})
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
				default:
				}
				return
			}
			if !s.writeFrame(conn, m) {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, m Message) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(m); err != nil {
		s.logger.Warn("ws.write_failed", "event", m.Name, "err", err)
		return false
	}
	return true
}
