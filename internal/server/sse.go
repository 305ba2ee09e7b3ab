package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"cortex/internal/engine/event"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// handleSSE streams a session's frames as Server-Sent Events. The SSE id
// field carries the frame sequence number, so a reconnecting client's
// Last-Event-ID header resumes from the replay ring without gaps.
func (s *Server) handleSSE(c *gin.Context) {
	id := c.Param("id")
	cast, ok := s.lookupCast(id)
	if !ok {
		c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "no live event stream for session: " + id})
		return
	}
	if sess, err := s.sessions.Get(id); err == nil {
		sess.Touch()
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.WriteHeader(http.StatusOK)

	replay, frames, cancel := cast.Subscribe(lastSeenSeq(c))
	defer cancel()

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"session_id\":%q,\"last_seq\":%d}\n\n", id, cast.LastSeq()); err != nil {
		return
	}
	w.Flush()

	for _, f := range replay {
		if !s.writeSSEFrame(w, f) {
			return
		}
	}
	w.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case f, open := <-frames:
			if !open {
				// Session ended; the terminal frame has already been sent.
				return
			}
			if !s.writeSSEFrame(w, f) {
				return
			}
			w.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			w.Flush()

		case <-c.Request.Context().Done():
			s.logger.Debug("SSE client for session %s disconnected", id)
			return
		}
	}
}

func (s *Server) writeSSEFrame(w gin.ResponseWriter, f event.Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.Warn("Serializing frame %d failed: %v", f.Seq, err)
		return true
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", f.Seq, f.Type, data); err != nil {
		return false
	}
	return true
}

// lastSeenSeq resolves the resume point: the standard Last-Event-ID header
// wins, an explicit ?after= query works for clients that cannot set headers.
func lastSeenSeq(c *gin.Context) uint64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("after")
	}
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
