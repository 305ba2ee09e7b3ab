package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cortex/internal/engine/event"
	"cortex/internal/errors"
)

// Action kinds an adapter can serve.
const (
	KindTool     = "tool"
	KindAgent    = "agent"
	KindRelic    = "relic"
	KindWorkflow = "workflow"
	KindLLM      = "llm"
	KindInternal = "internal"
)

// Invocation is one capability call as the dispatcher hands it over:
// parameters are fully resolved, the deadline lives on the context.
type Invocation struct {
	ActionID   string
	SessionID  string
	Name       string
	Parameters map[string]any
	Mode       string
}

// Result is the uniform adapter return value. Transient marks failures the
// dispatcher may retry; timeouts and cancellations are classified by the
// dispatcher itself, not here.
type Result struct {
	Value     any
	Status    string
	Transient bool
	Message   string
}

// OK wraps a successful value.
func OK(value any) Result {
	return Result{Value: value, Status: event.StatusOK}
}

// Fail builds an error result with an explicit retryability class.
func Fail(transient bool, format string, args ...any) Result {
	return Result{
		Status:    event.StatusError,
		Transient: transient,
		Message:   fmt.Sprintf(format, args...),
	}
}

// FromError classifies err through the shared taxonomy.
func FromError(err error) Result {
	return Result{
		Status:    event.StatusError,
		Transient: errors.IsTransient(err),
		Message:   err.Error(),
	}
}

// Adapter executes invocations for one action kind. Implementations must
// observe ctx cancellation promptly and never panic across this boundary.
type Adapter interface {
	Kind() string
	Invoke(ctx context.Context, inv Invocation) Result
}

// Registry maps action kinds to adapters. Built once per session.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register installs an adapter, replacing any previous one for the kind.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Lookup returns the adapter for a kind.
func (r *Registry) Lookup(kind string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	return a, ok
}

// Kinds lists the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
