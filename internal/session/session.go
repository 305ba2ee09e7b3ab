package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cortex/internal/async"
	"cortex/internal/config"
	"cortex/internal/engine"
	"cortex/internal/engine/event"
	"cortex/internal/engine/feeds"
	"cortex/internal/engine/metadata"
	"cortex/internal/engine/variables"
	"cortex/internal/logging"
)

// Session lifecycle statuses, visible in records and the HTTP API.
const (
	StatusActive     = "active"  // created, no run completed yet
	StatusRunning    = "running" // a run is in flight
	StatusDone       = "done"
	StatusError      = "error"
	StatusCancelled  = "cancelled"
	StatusTerminated = "terminated" // closed before any run completed
)

// Session is one live agent conversation: an engine plus the stores it
// shares with the serving layer. All methods are safe for concurrent use.
type Session struct {
	ID        string
	AgentName string

	agent   *config.AgentConfig
	eng     *engine.Engine
	stream  *event.Stream
	history *engine.Transcript
	vars    *variables.Store
	meta    *metadata.State
	feeds   *feeds.Registry
	store   Store
	logger  logging.Logger

	ctx    context.Context // session lifetime; cancelling stops any run
	cancel context.CancelFunc

	mu         sync.Mutex
	createdAt  time.Time
	lastActive time.Time
	status     string
	lastAnswer string
	closed     bool

	closeOnce sync.Once
	runWG     sync.WaitGroup
}

// ErrClosed rejects operations on a terminated session.
var ErrClosed = fmt.Errorf("session is terminated")

// Post starts a run for one user message. It returns immediately; progress
// arrives on the event stream. engine.ErrBusy means a run is already in
// flight, ErrClosed that the session was terminated.
func (s *Session) Post(message string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.status == StatusRunning {
		s.mu.Unlock()
		return engine.ErrBusy
	}
	s.status = StatusRunning
	s.lastActive = time.Now()
	s.mu.Unlock()

	s.runWG.Add(1)
	async.Go(s.logger, "session.run."+s.ID, func() {
		defer s.runWG.Done()
		res, err := s.eng.Run(s.ctx, message)

		s.mu.Lock()
		if res != nil {
			s.status = res.Status
			if res.Answer != "" {
				s.lastAnswer = res.Answer
			}
		} else {
			s.status = StatusError
		}
		s.lastActive = time.Now()
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("Session %s run ended with error: %v", s.ID, err)
		}
		s.persist(context.Background())
	})
	return nil
}

// Stream exposes the session's event stream. The serving layer is its single
// consumer; everything else watches through the broadcaster.
func (s *Session) Stream() *event.Stream { return s.stream }

// Running reports whether a run is in flight.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusRunning
}

// Touch marks the session as recently used, deferring the idle reaper.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the time of the session's last observed activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Status returns the lifecycle status.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot builds the persistent view of the session's current state.
func (s *Session) Snapshot() *Record {
	s.mu.Lock()
	status := s.status
	answer := s.lastAnswer
	created := s.createdAt
	s.mu.Unlock()

	vars := make(map[string]any, s.vars.Len())
	for k, v := range s.vars.Snapshot() {
		vars[k] = v
	}

	return &Record{
		ID:         s.ID,
		Agent:      s.AgentName,
		Status:     status,
		Iterations: s.eng.Iterations(),
		LastAnswer: answer,
		Messages:   s.history.Messages(),
		Variables:  vars,
		Metadata:   s.meta.Snapshot(),
		CreatedAt:  created,
		UpdatedAt:  time.Now(),
	}
}

func (s *Session) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ctx, s.Snapshot()); err != nil {
		s.logger.Warn("Persisting session %s failed: %v", s.ID, err)
	}
}

// Close tears the session down: cancels any run, gives detached actions the
// grace window, stops feeds, closes the event stream, and persists the final
// record. Safe to call more than once.
func (s *Session) Close(grace time.Duration) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.status == StatusActive || s.status == StatusRunning {
			s.status = StatusTerminated
		}
		s.mu.Unlock()

		s.cancel()
		s.runWG.Wait()
		s.feeds.Stop()
		s.eng.Close(grace)
		s.stream.Close()

		s.mu.Lock()
		// The cancelled run may have recorded its own terminal status.
		if s.status == StatusRunning {
			s.status = StatusTerminated
		}
		s.mu.Unlock()

		s.persist(context.Background())
		s.logger.Info("Session %s closed", s.ID)
	})
}

// ClearHistory drops the conversation transcript. Exposed to the engine's
// internal clear_context operation.
func (s *Session) ClearHistory() int {
	return s.history.Clear()
}

// varsController adapts the variable store to the internal-action surface.
// set_variable respects write-once: overwriting requires delete_variable
// first.
type varsController struct {
	vars *variables.Store
}

func (c varsController) SetVariable(key string, value any) error {
	return c.vars.Put(key, value, "set_variable")
}

func (c varsController) DeleteVariable(key string) error {
	if !c.vars.Delete(key) {
		return fmt.Errorf("variable %s does not exist", key)
	}
	return nil
}
