// Package engine drives the agent loop: it assembles each iteration's
// prompt, streams the model's reply through the protocol parser, schedules
// the actions the reply declares, substitutes their results into later
// content, and multiplexes everything into one ordered event stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cortex/internal/config"
	"cortex/internal/engine/capability"
	"cortex/internal/engine/dag"
	"cortex/internal/engine/dispatch"
	"cortex/internal/engine/event"
	"cortex/internal/engine/feeds"
	"cortex/internal/engine/metadata"
	"cortex/internal/engine/variables"
	"cortex/internal/llm"
	"cortex/internal/logging"
	"cortex/internal/protocol"
)

// ErrBusy is returned by Run when a run is already in progress for the
// session.
var ErrBusy = errors.New("a run is already in progress")

// History is the conversation the engine reads and extends. The session owns
// the backing storage.
type History interface {
	Messages() []llm.Message
	Append(msg llm.Message)
}

// Result summarizes one Run for programmatic callers; the event stream
// carries the same information incrementally.
type Result struct {
	Answer     string
	Iterations int
	Status     string // done|error|cancelled
}

// Options assemble one session's engine. Agent, Client, Vars, Metadata,
// Feeds, Caps, and Stream are required; the rest default.
type Options struct {
	SessionID string
	Agent     *config.AgentConfig
	Env       *config.Env
	Client    llm.Client
	Caps      *capability.Registry
	Feeds     *feeds.Registry
	Metadata  *metadata.State
	Vars      *variables.Store
	History   History
	Stream    event.Sink
	Logger    logging.Logger
}

// Engine is the per-session iteration controller. One Run executes at a
// time; detached actions may outlive the Run that spawned them and die with
// the engine.
type Engine struct {
	sessionID  string
	agent      *config.AgentConfig
	env        *config.Env
	client     llm.Client
	feeds      *feeds.Registry
	meta       *metadata.State
	vars       *variables.Store
	history    History
	sink       *recordingSink
	dispatcher *dispatch.Dispatcher
	logger     logging.Logger

	detachedCancel context.CancelFunc

	mu         sync.Mutex
	st         *iterationState
	iterations int
	running    bool
}

// iterationState is everything scoped to one iteration. All mutation happens
// under the engine mutex: the routing goroutine and the dispatcher's
// completion callbacks serialize through it, which is what makes the
// response-ordering guarantee hold.
type iterationState struct {
	n            int
	graph        *dag.Graph
	resp         *respBuffer
	actionCtx    context.Context
	cancelStream context.CancelFunc
	partial      strings.Builder // rendered response text this iteration
	answer       strings.Builder // rendered final-flagged text
	results      []actionNote
	lastIndex    int
	aborted      bool
}

type actionNote struct {
	id     string
	name   string
	status string
	value  any
	errMsg string
}

// New wires a session engine. The feed registry, metadata state, and
// variable store are owned by the session and shared with the engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("engine")
	}
	history := opts.History
	if history == nil {
		history = NewTranscript()
	}

	e := &Engine{
		sessionID: opts.SessionID,
		agent:     opts.Agent,
		env:       opts.Env,
		client:    opts.Client,
		feeds:     opts.Feeds,
		meta:      opts.Metadata,
		vars:      opts.Vars,
		history:   history,
		sink:      newRecordingSink(opts.Stream),
		logger:    logger,
	}

	detachedCtx, cancel := context.WithCancel(context.Background())
	e.detachedCancel = cancel

	var maxParallel int64
	if opts.Agent != nil && opts.Agent.MaxParallel > 0 {
		maxParallel = int64(opts.Agent.MaxParallel)
	} else if opts.Env != nil {
		maxParallel = int64(opts.Env.MaxParallel)
	}
	var actionTimeout time.Duration
	if opts.Env != nil {
		actionTimeout = opts.Env.ActionTimeout
	}

	e.dispatcher = dispatch.New(dispatch.Options{
		Caps:           opts.Caps,
		Vars:           opts.Vars,
		Sink:           e.sink,
		Logger:         logger,
		SessionID:      opts.SessionID,
		MaxParallel:    maxParallel,
		DefaultTimeout: actionTimeout,
		OnComplete:     e.onActionComplete,
		DetachedCtx:    detachedCtx,
	})
	return e
}

// Running lists the actions currently in flight.
func (e *Engine) Running() []*protocol.Action {
	return e.dispatcher.Running()
}

// Iterations returns how many iterations the session has executed in total.
func (e *Engine) Iterations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.iterations
}

// Close gives detached actions a grace window to finish, then abandons them.
// The session calls this exactly once at teardown.
func (e *Engine) Close(grace time.Duration) {
	e.dispatcher.Shutdown(grace)
	e.detachedCancel()
}

func (e *Engine) iterationCap() int {
	if e.agent != nil && e.agent.IterationCap > 0 {
		return e.agent.IterationCap
	}
	if e.env != nil && e.env.MaxIterations > 0 {
		return e.env.MaxIterations
	}
	return config.DefaultMaxIterations
}

// Run executes the agent loop for one user message and blocks until the
// session reaches a terminal state. Errors are also emitted as stream values;
// the return is for programmatic callers.
func (e *Engine) Run(ctx context.Context, userMessage string) (*Result, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	if strings.TrimSpace(userMessage) != "" {
		e.history.Append(llm.Message{Role: "user", Content: userMessage})
	}

	maxIter := e.iterationCap()
	res := &Result{}
	var lastPartial string

	for count := 1; ; count++ {
		e.mu.Lock()
		e.iterations++
		n := e.iterations
		e.mu.Unlock()

		outcome, err := e.runIteration(ctx, n)
		res.Iterations = count

		if err != nil {
			if ctx.Err() != nil {
				e.logger.Info("Session %s cancelled after %d iteration(s)", e.sessionID, count)
				e.sink.Emit(event.SessionEndEvent{Status: "cancelled", Reason: "session cancelled", Iterations: count})
				res.Status = "cancelled"
				return res, err
			}
			e.logger.Error("Session %s failed in iteration %d: %v", e.sessionID, n, err)
			e.sink.Emit(event.SessionEndEvent{Status: "error", Reason: err.Error(), Iterations: count})
			res.Status = "error"
			return res, err
		}

		if outcome.finalSeen {
			res.Answer = outcome.answer
			res.Status = "done"
			e.sink.Emit(event.SessionEndEvent{Status: "done", Iterations: count, Answer: res.Answer})
			return res, nil
		}
		lastPartial = outcome.partial
		if !outcome.sawResponse {
			e.logger.Debug("Iteration %d produced no response tag; looping", n)
		}

		if count >= maxIter {
			msg := fmt.Sprintf("iteration cap %d reached without a final response", maxIter)
			e.sink.Emit(event.SoftErrorEvent{Iteration: n, Code: event.CodeIterationCap, Message: msg})
			e.sink.Emit(event.IterationErrorEvent{Iteration: n, Reason: "cap", Message: msg})

			answer := strings.TrimSpace(lastPartial)
			if answer == "" {
				answer = "The task could not be completed within the allowed number of steps."
			}
			e.sink.Emit(event.ResponseChunkEvent{Iteration: n, Text: answer, Final: true})
			res.Answer = answer
			res.Status = "done"
			e.sink.Emit(event.SessionEndEvent{Status: "done", Reason: "iteration cap", Iterations: count, Answer: answer})
			return res, nil
		}

		e.history.Append(llm.Message{Role: "user", Content: continuationMessage(n, outcome.results)})
	}
}

type iterationOutcome struct {
	finalSeen   bool
	sawResponse bool
	answer      string
	partial     string
	results     []actionNote
}

func (e *Engine) runIteration(ctx context.Context, n int) (*iterationOutcome, error) {
	e.sink.Emit(event.IterationBoundaryEvent{Iteration: n, Phase: "start"})

	// A producer failure marks its key only until the next iteration, where
	// the model may declare a fresh producer for it.
	e.vars.ClearFailures()

	corrections := e.sink.Drain()
	injected := e.feeds.Snapshot(ctx, n)
	system := buildSystemPrompt(promptInputs{
		persona:     e.agent.Persona,
		feeds:       injected,
		metadata:    e.meta.Summary(),
		corrections: corrections,
	})

	// The stream context stops the model on iteration abort; the action
	// context deliberately survives it so already-dispatched work finishes.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	actionCtx, cancelActions := context.WithCancel(ctx)
	defer cancelActions()

	parser := protocol.New(n)
	st := &iterationState{
		n:            n,
		graph:        dag.New(e.vars.Contains),
		actionCtx:    actionCtx,
		cancelStream: cancelStream,
	}
	st.resp = newRespBuffer(e.vars,
		func(text string, final bool) {
			st.partial.WriteString(text)
			if final {
				st.answer.WriteString(text)
			}
			e.sink.Emit(event.ResponseChunkEvent{Iteration: n, Text: text, Final: final})
		},
		func(code, message string) {
			e.sink.Emit(event.SoftErrorEvent{Iteration: n, Code: code, Message: message})
		})

	e.mu.Lock()
	e.st = st
	e.mu.Unlock()

	req := llm.Request{
		System:      system,
		Messages:    e.history.Messages(),
		Model:       e.agent.Model.Name,
		Temperature: e.agent.Model.Temperature,
		TopP:        e.agent.Model.TopP,
		MaxTokens:   e.agent.Model.MaxTokens,
	}

	var raw strings.Builder
	_, streamErr := e.client.StreamCompletion(streamCtx, req, llm.StreamCallbacks{
		OnDelta: func(chunk string) error {
			raw.WriteString(chunk)
			e.route(st, parser.Feed(chunk))
			return nil
		},
	})
	e.route(st, parser.Close())

	e.mu.Lock()
	aborted := st.aborted
	e.mu.Unlock()

	fatal := streamErr != nil && ctx.Err() == nil && !aborted
	if fatal || ctx.Err() != nil {
		cancelActions()
	}
	e.dispatcher.WaitTracked()

	cause := "stream ended with unresolved dependencies"
	switch {
	case ctx.Err() != nil:
		cause = "session cancelled"
	case fatal:
		cause = "session failed"
	case aborted:
		cause = "iteration aborted"
	}
	e.mu.Lock()
	for _, c := range st.graph.Drain(cause) {
		e.completeCancelledLocked(st, c.Action, c.Cause)
	}
	st.resp.FlushRemaining()
	e.st = nil
	results := st.results
	partial := st.partial.String()
	answer := st.answer.String()
	e.mu.Unlock()

	e.sink.Emit(event.IterationBoundaryEvent{Iteration: n, Phase: "end"})

	if raw.Len() > 0 {
		e.history.Append(llm.Message{Role: "assistant", Content: raw.String()})
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if fatal {
		return nil, fmt.Errorf("llm stream failed: %w", streamErr)
	}

	return &iterationOutcome{
		finalSeen:   parser.FinalSeen(),
		sawResponse: parser.SawResponse(),
		answer:      answer,
		partial:     partial,
		results:     results,
	}, nil
}

// route applies one batch of parser emissions. Everything after an iteration
// abort is dropped.
func (e *Engine) route(st *iterationState, emissions []protocol.Emission) {
	if len(emissions) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, em := range emissions {
		if st.aborted {
			return
		}
		switch t := em.(type) {
		case protocol.ThoughtText:
			e.sink.Emit(event.ThoughtChunkEvent{Iteration: st.n, Text: t.Text})
		case protocol.ResponseText:
			st.resp.Push(t.Text, t.Final)
		case protocol.ActionParsed:
			e.routeActionLocked(st, t.Action)
		case protocol.FeedOverride:
			if err := e.feeds.Override(t.FeedID, t.Body, st.n); err != nil {
				e.sink.Emit(event.SoftErrorEvent{Iteration: st.n, Code: event.CodeFeedError, Message: err.Error()})
			}
		case protocol.MetadataPayload:
			e.routeMetadataLocked(st, t.Raw)
		case protocol.Malformed:
			e.sink.Emit(event.SoftErrorEvent{Iteration: st.n, Code: t.Code, Message: t.Message, Detail: t.Detail})
		}
	}
}

func (e *Engine) routeActionLocked(st *iterationState, act *protocol.Action) {
	st.lastIndex = act.Index
	e.sink.Emit(event.ActionStartEvent{
		Iteration: st.n,
		ActionID:  act.ID,
		Kind:      string(act.Kind),
		Mode:      string(act.Mode),
		Name:      act.Name,
		OutputKey: act.OutputKey,
		DependsOn: act.DependsOn,
		InThought: act.InThought,
	})

	if act.Detached() {
		if act.OutputKey != "" {
			e.sink.Emit(event.SoftErrorEvent{
				Iteration: st.n,
				Code:      event.CodeDetachedOutput,
				Message:   fmt.Sprintf("fire_and_forget action %s declares output_key %q, which will never bind", act.ID, act.OutputKey),
			})
			act.OutputKey = ""
		}
		if len(act.DependsOn) > 0 {
			e.sink.Emit(event.SoftErrorEvent{
				Iteration: st.n,
				Code:      event.CodeDetachedDeps,
				Message:   fmt.Sprintf("fire_and_forget action %s declares depends_on; dependencies ignored", act.ID),
			})
			act.DependsOn = nil
		}
		st.graph.NoteDetached(act.ID)
		e.dispatcher.Dispatch(st.actionCtx, act)
		return
	}

	up, err := st.graph.Add(act)
	if err != nil {
		e.abortIterationLocked(st, "cycle", err.Error())
		return
	}
	e.applyUpdateLocked(st, up)
}

func (e *Engine) routeMetadataLocked(st *iterationState, raw string) {
	out := e.meta.Apply(raw)
	for _, issue := range out.Issues {
		e.sink.Emit(event.SoftErrorEvent{Iteration: st.n, Code: issue.Code, Message: issue.Message, Detail: issue.Detail})
	}
	if len(out.Applied) > 0 {
		e.sink.Emit(event.MetadataUpdateEvent{Iteration: st.n, Applied: out.Applied, State: e.meta.Snapshot()})
	}
	for _, workflow := range out.Matched {
		e.spawnTriggeredLocked(st, workflow)
	}
}

// spawnTriggeredLocked dispatches a trigger-matched workflow detached, with
// the metadata snapshot as its parameters. It never blocks the iteration.
func (e *Engine) spawnTriggeredLocked(st *iterationState, workflow string) {
	st.lastIndex++
	act := &protocol.Action{
		ID:   "wf-" + uuid.NewString()[:8],
		Kind: protocol.KindWorkflow,
		Mode: protocol.ModeFireAndForget,
		Name: workflow,
		Parameters: map[string]any{
			"trigger":  "metadata",
			"metadata": e.meta.Snapshot(),
		},
		Index:     st.lastIndex,
		Iteration: st.n,
	}
	e.logger.Info("Metadata trigger matched; spawning workflow %s as %s", workflow, act.ID)
	st.graph.NoteDetached(act.ID)
	e.sink.Emit(event.ActionStartEvent{
		Iteration: st.n,
		ActionID:  act.ID,
		Kind:      string(act.Kind),
		Mode:      string(act.Mode),
		Name:      act.Name,
	})
	e.dispatcher.Dispatch(st.actionCtx, act)
}

func (e *Engine) applyUpdateLocked(st *iterationState, up dag.Update) {
	for _, w := range up.Warnings {
		e.sink.Emit(event.SoftErrorEvent{Iteration: st.n, Code: event.CodeDetachedDeps, Message: w})
	}
	for _, c := range up.Cancelled {
		e.completeCancelledLocked(st, c.Action, c.Cause)
	}
	for _, ready := range up.Ready {
		e.dispatcher.Dispatch(st.actionCtx, ready)
	}
}

// completeCancelledLocked emits the terminal event for an action that will
// never dispatch and releases anything waiting on its output key.
func (e *Engine) completeCancelledLocked(st *iterationState, act *protocol.Action, cause string) {
	if act.OutputKey != "" {
		e.vars.Fail(act.OutputKey, act.ID, cause)
		st.resp.FailKey(act.OutputKey)
	}
	e.sink.Emit(event.ActionCompleteEvent{
		Iteration: act.Iteration,
		ActionID:  act.ID,
		Name:      act.Name,
		Status:    event.StatusCancelled,
		Error:     cause,
	})
	st.results = append(st.results, actionNote{id: act.ID, name: act.Name, status: event.StatusCancelled, errMsg: cause})
}

func (e *Engine) abortIterationLocked(st *iterationState, reason, msg string) {
	if st.aborted {
		return
	}
	st.aborted = true
	e.logger.Warn("Iteration %d aborted (%s): %s", st.n, reason, msg)
	e.sink.Emit(event.IterationErrorEvent{Iteration: st.n, Reason: reason, Message: msg})
	st.cancelStream()
}

// onActionComplete is the dispatcher's completion callback. The ordering
// here is load-bearing: the variable write lands before the action-complete
// event, which precedes the release of any response chunk referencing it.
func (e *Engine) onActionComplete(act *protocol.Action, out dispatch.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if act.OutputKey != "" {
		if out.Status == event.StatusOK {
			if err := e.vars.Put(act.OutputKey, out.Value, act.ID); err != nil {
				e.sink.Emit(event.SoftErrorEvent{Iteration: act.Iteration, Code: event.CodeDuplicateKey, Message: err.Error()})
			}
		} else {
			msg := out.Err
			if msg == "" {
				msg = out.Status
			}
			e.vars.Fail(act.OutputKey, act.ID, msg)
		}
	}

	e.sink.Emit(event.ActionCompleteEvent{
		Iteration:  act.Iteration,
		ActionID:   act.ID,
		Name:       act.Name,
		Status:     out.Status,
		Value:      out.Value,
		Error:      out.Err,
		DurationMS: out.Duration.Milliseconds(),
	})

	st := e.st
	if st == nil || act.Iteration != st.n {
		// A detached action from an earlier iteration finished late; the
		// event above is all it gets.
		return
	}
	if act.OutputKey != "" {
		if out.Status == event.StatusOK {
			st.resp.NotifyKey(act.OutputKey)
		} else {
			st.resp.FailKey(act.OutputKey)
		}
	} else {
		// Internal actions can bind keys without an output_key
		// (set_variable); re-check held chunks against the store.
		st.resp.Refresh()
	}
	st.results = append(st.results, actionNote{
		id:     act.ID,
		name:   act.Name,
		status: out.Status,
		value:  out.Value,
		errMsg: out.Err,
	})
	if !act.Detached() {
		e.applyUpdateLocked(st, st.graph.Complete(act.ID, out.Status == event.StatusOK))
	}
}

// NewCapabilityInvoker adapts the capability registry to the feed registry's
// fetch contract, so feed sources go through the same adapters actions use.
func NewCapabilityInvoker(reg *capability.Registry, sessionID string) feeds.Invoker {
	return func(ctx context.Context, sourceKind, sourceName string, params map[string]any) (any, error) {
		adapter, ok := reg.Lookup(sourceKind)
		if !ok {
			return nil, fmt.Errorf("no adapter for feed source kind %q", sourceKind)
		}
		res := adapter.Invoke(ctx, capability.Invocation{
			ActionID:   "feed-" + sourceName,
			SessionID:  sessionID,
			Name:       sourceName,
			Parameters: params,
			Mode:       string(protocol.ModeSync),
		})
		if res.Status != event.StatusOK {
			return nil, fmt.Errorf("feed source %s failed: %s", sourceName, res.Message)
		}
		return res.Value, nil
	}
}
