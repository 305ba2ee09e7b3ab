package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"cortex/internal/async"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsInbound is what a websocket client may send: a user message for the
// session. Anything else is ignored.
type wsInbound struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// wsStatus acknowledges or rejects an inbound message. Frames use the event
// type names; these use "ack" and "error", which never collide.
type wsStatus struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// wsConn serializes writes; frames and acks come from different goroutines.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	_ = w.conn.Close()
}

// handleWS upgrades to a websocket carrying the same frames as the SSE
// endpoint, as one JSON object per message. The socket is duplex: the client
// can push user messages into the session without a separate HTTP call.
func (s *Server) handleWS(c *gin.Context) {
	id := c.Param("id")
	cast, ok := s.lookupCast(id)
	if !ok {
		c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "no live event stream for session: " + id})
		return
	}
	if sess, err := s.sessions.Get(id); err == nil {
		sess.Touch()
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn("Websocket upgrade for session %s failed: %v", id, err)
		return
	}
	ws := &wsConn{conn: conn}

	replay, frames, cancel := cast.Subscribe(wsAfterSeq(c))
	defer cancel()

	readerGone := make(chan struct{})
	async.Go(s.logger, "ws.read."+id, func() {
		defer close(readerGone)
		s.readWS(ws, id)
	})

	for _, f := range replay {
		if err := ws.writeJSON(f); err != nil {
			ws.close(websocket.CloseInternalServerErr, "write failed")
			return
		}
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case f, open := <-frames:
			if !open {
				ws.close(websocket.CloseNormalClosure, "session closed")
				return
			}
			if err := ws.writeJSON(f); err != nil {
				ws.close(websocket.CloseInternalServerErr, "write failed")
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}

		case <-readerGone:
			_ = conn.Close()
			return

		case <-c.Request.Context().Done():
			ws.close(websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

// readWS consumes inbound messages until the connection drops. Malformed
// payloads are skipped; message posts are acknowledged either way.
func (s *Server) readWS(ws *wsConn, id string) {
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}

		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		if in.Type != "message" {
			continue
		}
		if strings.TrimSpace(in.Message) == "" {
			_ = ws.writeJSON(wsStatus{Type: "error", Error: "message is required"})
			continue
		}

		if err := s.postToSession(id, in.Message); err != nil {
			_ = ws.writeJSON(wsStatus{Type: "error", Error: err.Error()})
			continue
		}
		_ = ws.writeJSON(wsStatus{Type: "ack"})
	}
}

func (s *Server) postToSession(id, message string) error {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return sess.Post(message)
}

// wsAfterSeq reads the resume point from the query string. Websocket clients
// cannot set arbitrary headers from browsers, so only ?after= applies.
func wsAfterSeq(c *gin.Context) uint64 {
	raw := c.Query("after")
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
