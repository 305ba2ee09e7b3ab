package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cortex/internal/async"
	"cortex/internal/config"
	"cortex/internal/engine"
	"cortex/internal/engine/capability"
	"cortex/internal/engine/event"
	"cortex/internal/engine/feeds"
	"cortex/internal/engine/metadata"
	"cortex/internal/engine/variables"
	"cortex/internal/llm"
	"cortex/internal/logging"
)

// reapInterval is how often the reaper scans for idle sessions.
const reapInterval = time.Minute

// maxAgentDepth bounds nested agent delegation. Each nested session has its
// own iteration cap; the depth bound stops delegation loops.
const maxAgentDepth = 4

// RegistryOptions wires the registry's collaborators.
type RegistryOptions struct {
	Env    *config.Env
	Agents *config.Loader
	Client llm.Client
	Store  Store
	Logger logging.Logger
}

// Registry owns every live session in the process. It creates them fully
// wired (capability adapters, feeds, metadata, engine), reaps idle ones, and
// tears them all down at shutdown.
type Registry struct {
	env    *config.Env
	agents *config.Loader
	client llm.Client
	store  Store
	logger logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	reapStop chan struct{}
	reapOnce sync.Once
}

func NewRegistry(opts RegistryOptions) *Registry {
	store := opts.Store
	if store == nil {
		store = NewMemStore()
	}
	return &Registry{
		env:      opts.Env,
		agents:   opts.Agents,
		client:   opts.Client,
		store:    store,
		logger:   logging.OrNop(opts.Logger),
		sessions: make(map[string]*Session),
		reapStop: make(chan struct{}),
	}
}

// Store exposes the record store, so the serving layer can list and inspect
// finished sessions.
func (r *Registry) Store() Store { return r.store }

// Create builds a fully wired session for the named agent.
func (r *Registry) Create(agentName string) (*Session, error) {
	agent, ok := r.agents.Get(agentName)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentName)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry is shut down")
	}
	r.mu.Unlock()

	id := "sess-" + uuid.NewString()[:8]
	s, err := r.build(id, agent, 0)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.Close(0)
		return nil, fmt.Errorf("registry is shut down")
	}
	r.sessions[id] = s
	r.mu.Unlock()

	s.persist(context.Background())
	r.logger.Info("Created session %s for agent %s", id, agentName)
	return s, nil
}

// build assembles the session: one variable store, metadata state, feed
// registry, capability set, and engine, all scoped to this session.
func (r *Registry) build(id string, agent *config.AgentConfig, depth int) (*Session, error) {
	vars := variables.NewStore()
	meta, err := metadata.NewState(agent.Metadata, agent.Workflows)
	if err != nil {
		return nil, fmt.Errorf("agent %s metadata: %w", agent.Name, err)
	}

	stream := event.NewStream(r.env.EventBuffer)
	caps := capability.NewRegistry()

	feedReg, err := feeds.NewRegistry(feeds.Options{
		Specs:          agent.ContextFeeds,
		Invoke:         engine.NewCapabilityInvoker(caps, id),
		Sink:           stream,
		Logger:         r.logger,
		EnablePeriodic: r.env.PeriodicFeeds,
		CacheSize:      config.DefaultFeedCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s feeds: %w", agent.Name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	s := &Session{
		ID:         id,
		AgentName:  agent.Name,
		agent:      agent,
		stream:     stream,
		history:    engine.NewTranscript(),
		vars:       vars,
		meta:       meta,
		feeds:      feedReg,
		store:      r.store,
		logger:     r.logger,
		ctx:        ctx,
		cancel:     cancel,
		createdAt:  now,
		lastActive: now,
		status:     StatusActive,
	}

	caps.Register(capability.NewToolAdapter(r.env.ToolRunnerURL))
	caps.Register(capability.NewWorkflowAdapter(r.env.WorkflowRunnerURL))
	caps.Register(capability.NewRelicAdapter(agent.RelicURL))
	caps.Register(capability.NewLLMAdapter(r.client))
	caps.Register(capability.NewAgentAdapter(r.nestedRunner(depth)))
	caps.Register(capability.NewInternalAdapter(
		agent.AllowsInternal,
		feedReg,
		varsController{vars: vars},
		s,
	))

	s.eng = engine.New(engine.Options{
		SessionID: id,
		Agent:     agent,
		Env:       r.env,
		Client:    r.client,
		Caps:      caps,
		Feeds:     feedReg,
		Metadata:  meta,
		Vars:      vars,
		History:   s.history,
		Stream:    stream,
		Logger:    r.logger,
	})

	feedReg.Start()
	return s, nil
}

// nestedRunner returns the delegate used by the agent capability: it spins
// up a private engine for the named agent, runs it to completion, and
// returns the final answer. Nested sessions are not registered; they have no
// event stream consumers and die with their run.
func (r *Registry) nestedRunner(depth int) capability.NestedRunFunc {
	return func(ctx context.Context, agentName string, params map[string]any) (string, error) {
		if depth+1 > maxAgentDepth {
			return "", fmt.Errorf("agent delegation depth %d exceeds the limit %d", depth+1, maxAgentDepth)
		}

		agent, ok := r.agents.Get(agentName)
		if !ok {
			return "", fmt.Errorf("unknown agent %q", agentName)
		}

		id := "nested-" + uuid.NewString()[:8]
		s, err := r.build(id, agent, depth+1)
		if err != nil {
			return "", err
		}
		s.store = nil // delegated runs leave no records

		// Nobody consumes the nested stream; drain it so emission never blocks.
		drained := make(chan struct{})
		async.Go(r.logger, "session.drain."+id, func() {
			defer close(drained)
			for range s.stream.Frames() {
			}
		})

		res, err := s.eng.Run(ctx, nestedMessage(params))
		s.Close(0)
		<-drained
		if err != nil {
			return "", err
		}
		return res.Answer, nil
	}
}

// nestedMessage extracts the user message for a delegated run. A "message"
// or "task" parameter wins; anything else is passed through as JSON.
func nestedMessage(params map[string]any) string {
	if msg, ok := params["message"].(string); ok && msg != "" {
		return msg
	}
	if task, ok := params["task"].(string); ok && task != "" {
		return task
	}
	if len(params) == 0 {
		return ""
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%v", params)
	}
	return string(data)
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List snapshots every live session, sorted by creation time.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.RUnlock()

	out := make([]*Record, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Terminate closes a session with the configured grace window and removes it
// from the live set. Its record stays in the store.
func (r *Registry) Terminate(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.Close(r.env.ShutdownGrace)
	return nil
}

// StartReaper launches the idle-session sweep. Sessions with no activity for
// Env.SessionIdleTimeout and no run in flight are terminated.
func (r *Registry) StartReaper() {
	async.Go(r.logger, "session.reaper", func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.reapStop:
				return
			case <-ticker.C:
				r.reapIdle()
			}
		}
	})
}

func (r *Registry) reapIdle() {
	cutoff := time.Now().Add(-r.env.SessionIdleTimeout)

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if !s.Running() && s.LastActive().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Info("Reaping idle session %s", id)
		if err := r.Terminate(id); err != nil && err != ErrNotFound {
			r.logger.Warn("Reaping session %s failed: %v", id, err)
		}
	}
}

// Shutdown stops the reaper and closes every live session, each with the
// grace window. Create is rejected afterwards.
func (r *Registry) Shutdown() {
	r.reapOnce.Do(func() { close(r.reapStop) })

	r.mu.Lock()
	r.closed = true
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		sess := s
		async.Go(r.logger, "session.close."+sess.ID, func() {
			defer wg.Done()
			sess.Close(r.env.ShutdownGrace)
		})
	}
	wg.Wait()
	r.logger.Info("All sessions closed")
}
