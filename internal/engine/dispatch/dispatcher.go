// Package dispatch executes ready actions under their declared mode: sync
// actions drain one at a time in declaration order, async actions run
// concurrently under the session parallelism cap, fire-and-forget actions run
// detached from the iteration barrier.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"cortex/internal/async"
	"cortex/internal/engine/capability"
	"cortex/internal/engine/event"
	"cortex/internal/engine/variables"
	"cortex/internal/errors"
	"cortex/internal/logging"
	"cortex/internal/protocol"
)

const (
	// DefaultTimeout bounds one invocation attempt when the action does not
	// declare its own.
	DefaultTimeout = 60 * time.Second
	// DefaultMaxParallel caps concurrently running actions per session.
	DefaultMaxParallel = 8
)

// retryPolicy is the backoff for transient adapter failures: base 500ms,
// doubling, capped at 10s. Timeouts and cancellations are never retried.
var retryPolicy = errors.RetryConfig{
	BaseDelay: 500 * time.Millisecond,
	MaxDelay:  10 * time.Second,
}

// Outcome is one action's terminal result.
type Outcome struct {
	Status   string
	Value    any
	Err      string
	Duration time.Duration
	Attempts int
}

// CompletionFunc receives every dispatched action's terminal outcome exactly
// once. The engine sequences variable writes, event emission, and DAG
// notification inside it.
type CompletionFunc func(act *protocol.Action, out Outcome)

// Options configure a session dispatcher.
type Options struct {
	Caps           *capability.Registry
	Vars           *variables.Store
	Sink           event.Sink
	Logger         logging.Logger
	SessionID      string
	MaxParallel    int64
	DefaultTimeout time.Duration
	OnComplete     CompletionFunc
	// DetachedCtx scopes fire-and-forget actions: they survive iteration
	// aborts and die with the session.
	DetachedCtx context.Context
}

// Dispatcher runs actions the scheduler has declared ready.
type Dispatcher struct {
	caps           *capability.Registry
	vars           *variables.Store
	sink           event.Sink
	logger         logging.Logger
	sessionID      string
	sem            *semaphore.Weighted
	defaultTimeout time.Duration
	onComplete     CompletionFunc
	detachedCtx    context.Context

	mu       sync.Mutex
	running  map[string]*protocol.Action
	syncTail chan struct{}

	wg         sync.WaitGroup // tracked (sync/async) actions
	detachedWG sync.WaitGroup
}

// New builds a dispatcher. OnComplete must be non-nil.
func New(opts Options) *Dispatcher {
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	detachedCtx := opts.DetachedCtx
	if detachedCtx == nil {
		detachedCtx = context.Background()
	}
	return &Dispatcher{
		caps:           opts.Caps,
		vars:           opts.Vars,
		sink:           opts.Sink,
		logger:         logging.OrNop(opts.Logger),
		sessionID:      opts.SessionID,
		sem:            semaphore.NewWeighted(maxParallel),
		defaultTimeout: timeout,
		onComplete:     opts.OnComplete,
		detachedCtx:    detachedCtx,
		running:        make(map[string]*protocol.Action),
	}
}

// Dispatch launches one ready action. Non-detached actions run under ctx and
// block WaitTracked; fire-and-forget actions run under the detached context.
func (d *Dispatcher) Dispatch(ctx context.Context, act *protocol.Action) {
	d.mu.Lock()
	d.running[act.ID] = act
	d.mu.Unlock()

	if act.Detached() {
		d.detachedWG.Add(1)
		async.Go(d.logger, "action-"+act.ID, func() {
			defer d.detachedWG.Done()
			d.execute(d.detachedCtx, act, nil)
		})
		return
	}

	var waitFor chan struct{}
	var release chan struct{}
	if act.Mode == protocol.ModeSync {
		d.mu.Lock()
		waitFor = d.syncTail
		release = make(chan struct{})
		d.syncTail = release
		d.mu.Unlock()
	}

	d.wg.Add(1)
	async.Go(d.logger, "action-"+act.ID, func() {
		defer d.wg.Done()
		d.execute(ctx, act, func() {
			if waitFor == nil {
				return
			}
			select {
			case <-waitFor:
			case <-ctx.Done():
			}
		})
		if release != nil {
			close(release)
		}
	})
}

// execute drives one action start to finish and reports its outcome.
func (d *Dispatcher) execute(ctx context.Context, act *protocol.Action, waitTurn func()) {
	started := time.Now()

	finish := func(out Outcome) {
		out.Duration = time.Since(started)
		d.mu.Lock()
		delete(d.running, act.ID)
		d.mu.Unlock()
		if d.onComplete != nil {
			d.onComplete(act, out)
		}
	}

	if waitTurn != nil {
		waitTurn()
	}
	if err := ctx.Err(); err != nil {
		finish(Outcome{Status: event.StatusCancelled, Err: "cancelled before start"})
		return
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		finish(Outcome{Status: event.StatusCancelled, Err: "cancelled while waiting for a slot"})
		return
	}
	defer d.sem.Release(1)

	adapter, ok := d.caps.Lookup(string(act.Kind))
	if !ok {
		finish(Outcome{Status: event.StatusError, Err: fmt.Sprintf("no adapter for kind %s", act.Kind), Attempts: 1})
		return
	}

	timeout := act.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	params := d.resolveParams(ctx, act, timeout)
	if err := ctx.Err(); err != nil {
		finish(Outcome{Status: event.StatusCancelled, Err: "cancelled while resolving parameters"})
		return
	}

	finish(d.runAttempts(ctx, adapter, act, params, timeout))
}

// resolveParams waits for referenced variables up to the action timeout,
// then substitutes. Keys that stay unresolved are reported as soft errors
// and left in place literally.
func (d *Dispatcher) resolveParams(ctx context.Context, act *protocol.Action, timeout time.Duration) map[string]any {
	refs := variables.RefsIn(act.Parameters)
	if len(refs) == 0 {
		return act.Parameters
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, key := range refs {
		if d.vars.Contains(key) {
			continue
		}
		if _, failed := d.vars.Failure(key); failed {
			continue
		}
		if _, err := d.vars.Await(waitCtx, key); err != nil {
			d.logger.Debug("Action %s: reference $%s not resolvable: %v", act.ID, key, err)
		}
	}

	resolved, missing := variables.ResolveParams(act.Parameters, d.vars.Lookup)
	for _, key := range missing {
		d.emit(event.SoftErrorEvent{
			Iteration: act.Iteration,
			Code:      event.CodeUnresolvedRef,
			Message:   fmt.Sprintf("action %s references $%s, which has no value", act.ID, key),
		})
	}
	return resolved
}

// runAttempts invokes the adapter with a hard per-attempt deadline, retrying
// only transient failures up to the declared retry count.
func (d *Dispatcher) runAttempts(ctx context.Context, adapter capability.Adapter, act *protocol.Action, params map[string]any, timeout time.Duration) Outcome {
	inv := capability.Invocation{
		ActionID:   act.ID,
		SessionID:  d.sessionID,
		Name:       act.Name,
		Parameters: params,
		Mode:       string(act.Mode),
	}

	attempts := 0
	for {
		attempts++
		res, timedOut := d.invokeOnce(ctx, adapter, inv, timeout)

		switch {
		case res.Status == event.StatusOK:
			return Outcome{Status: event.StatusOK, Value: res.Value, Attempts: attempts}

		case ctx.Err() != nil:
			return Outcome{Status: event.StatusCancelled, Err: "cancelled", Attempts: attempts}

		case timedOut:
			return Outcome{
				Status:   event.StatusTimeout,
				Err:      fmt.Sprintf("timed out after %s", timeout),
				Attempts: attempts,
			}

		case res.Transient && attempts <= act.Retry:
			delay := errors.Backoff(attempts-1, retryPolicy)
			d.logger.Info("Action %s attempt %d failed (%s), retrying in %s", act.ID, attempts, res.Message, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Outcome{Status: event.StatusCancelled, Err: "cancelled during retry backoff", Attempts: attempts}
			}

		default:
			return Outcome{Status: event.StatusError, Err: res.Message, Attempts: attempts}
		}
	}
}

// invokeOnce runs a single attempt under its own deadline. The deadline is
// hard: on expiry the attempt is abandoned and the adapter's context is
// cancelled.
func (d *Dispatcher) invokeOnce(ctx context.Context, adapter capability.Adapter, inv capability.Invocation, timeout time.Duration) (capability.Result, bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan capability.Result, 1)
	async.Go(d.logger, "invoke-"+inv.ActionID, func() {
		done <- adapter.Invoke(attemptCtx, inv)
	})

	select {
	case res := <-done:
		// An adapter that returns right at the deadline still counts as a
		// timeout, not a retryable failure.
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return res, true
		}
		return res, false
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return capability.Result{Status: event.StatusError, Message: "cancelled"}, false
		}
		return capability.Result{}, true
	}
}

// Running lists the actions currently in flight, ordered by creation index.
func (d *Dispatcher) Running() []*protocol.Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*protocol.Action, 0, len(d.running))
	for _, act := range d.running {
		out = append(out, act)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// WaitTracked blocks until every non-detached action has finished.
func (d *Dispatcher) WaitTracked() {
	d.wg.Wait()
}

// Shutdown waits up to grace for detached actions to drain. Tracked actions
// must already be cancelled or complete.
func (d *Dispatcher) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	async.Go(d.logger, "detached-drain", func() {
		d.detachedWG.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(grace):
		d.logger.Warn("Detached actions still running after %s grace", grace)
	}
}

func (d *Dispatcher) emit(e event.Event) {
	if d.sink != nil {
		d.sink.Emit(e)
	}
}
