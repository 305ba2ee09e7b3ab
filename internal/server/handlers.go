package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cortex/internal/config"
	"cortex/internal/engine"
	"cortex/internal/session"
)

// APIResponse is the envelope every JSON endpoint answers with.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CreateSessionRequest names the agent a new session runs.
type CreateSessionRequest struct {
	Agent string `json:"agent"`
}

// MessageRequest carries one user message into a session.
type MessageRequest struct {
	Message string `json:"message"`
}

// MessageAccepted is returned when a run has been started. Progress arrives
// on the event stream.
type MessageAccepted struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// AgentView is the list entry for one installed agent definition.
type AgentView struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Model       string   `json:"model,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	Agents      []string `json:"agents,omitempty"`
	Feeds       int      `json:"context_feeds"`
	Workflows   int      `json:"workflows"`
}

// HealthResponse reports process liveness.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Sessions  int       `json:"sessions"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Agent == "" {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "agent is required"})
		return
	}
	if _, ok := s.agents.Get(req.Agent); !ok {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "unknown agent: " + req.Agent})
		return
	}

	sess, err := s.sessions.Create(req.Agent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: err.Error()})
		return
	}
	s.attach(sess)

	c.JSON(http.StatusCreated, APIResponse{Success: true, Data: sess.Snapshot()})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: s.sessions.List()})
}

// handleGetSession serves live sessions first and falls back to the record
// store, so finished sessions stay inspectable until deleted.
func (s *Server) handleGetSession(c *gin.Context) {
	id := c.Param("id")

	if sess, err := s.sessions.Get(id); err == nil {
		c.JSON(http.StatusOK, APIResponse{Success: true, Data: sess.Snapshot()})
		return
	}

	rec, err := s.sessions.Store().Load(c.Request.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "session not found: " + id})
	case err != nil:
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: err.Error()})
	default:
		c.JSON(http.StatusOK, APIResponse{Success: true, Data: rec})
	}
}

// handleDeleteSession terminates a live session and removes its record.
func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")

	termErr := s.sessions.Terminate(id)
	if termErr != nil && !errors.Is(termErr, session.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: termErr.Error()})
		return
	}
	if errors.Is(termErr, session.ErrNotFound) {
		if _, err := s.sessions.Store().Load(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "session not found: " + id})
			return
		}
	}

	if err := s.sessions.Store().Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Message: "session deleted"})
}

func (s *Server) handlePostMessage(c *gin.Context) {
	id := c.Param("id")

	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Message == "" {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "message is required"})
		return
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		// A surviving record means the session already finished.
		if _, lerr := s.sessions.Store().Load(c.Request.Context(), id); lerr == nil {
			c.JSON(http.StatusGone, APIResponse{Success: false, Error: "session is finished: " + id})
			return
		}
		c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "session not found: " + id})
		return
	}

	switch err := sess.Post(req.Message); {
	case errors.Is(err, engine.ErrBusy):
		c.JSON(http.StatusConflict, APIResponse{Success: false, Error: "a run is already in flight"})
	case errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusGone, APIResponse{Success: false, Error: "session is terminated"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Error: err.Error()})
	default:
		c.JSON(http.StatusAccepted, APIResponse{Success: true, Data: MessageAccepted{
			SessionID: id,
			Status:    session.StatusRunning,
		}})
	}
}

func (s *Server) handleListAgents(c *gin.Context) {
	defs := s.agents.List()
	views := make([]AgentView, 0, len(defs))
	for _, a := range defs {
		views = append(views, agentView(a))
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: views})
}

func agentView(a *config.AgentConfig) AgentView {
	return AgentView{
		Name:        a.Name,
		Description: a.Description,
		Model:       a.Model.Name,
		Tools:       a.Tools,
		Agents:      a.Agents,
		Feeds:       len(a.ContextFeeds),
		Workflows:   len(a.Workflows),
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: HealthResponse{
		Status:    "ok",
		Version:   s.version,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Sessions:  len(s.sessions.List()),
	}})
}
