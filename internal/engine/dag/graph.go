// Package dag tracks one iteration's non-detached actions and decides when
// each becomes ready to dispatch. Declaration order is the topological
// order: edges only point from earlier actions to later ones, so an explicit
// depends_on naming an undeclared id, or a reference to an output key that
// only a later action produces, is a cycle and kills the iteration.
package dag

import (
	"fmt"
	"strings"
	"sync"

	"cortex/internal/engine/variables"
	"cortex/internal/protocol"
)

type nodeState int

const (
	statePending nodeState = iota // waiting on predecessors
	stateReady                    // handed to the dispatcher
	stateDone                     // terminal, succeeded
	stateFailed                   // terminal, error or timeout
	stateCancelled
)

type node struct {
	action *protocol.Action
	preds  map[string]bool // unsatisfied predecessor ids
	succs  []string
	state  nodeState
}

// Cancellation names an action that will never dispatch and why.
type Cancellation struct {
	Action *protocol.Action
	Cause  string
}

// Update is what a graph mutation released: actions now ready to dispatch
// and actions cancelled without dispatching.
type Update struct {
	Ready     []*protocol.Action
	Cancelled []Cancellation
	Warnings  []string
}

func (u *Update) merge(other Update) {
	u.Ready = append(u.Ready, other.Ready...)
	u.Cancelled = append(u.Cancelled, other.Cancelled...)
	u.Warnings = append(u.Warnings, other.Warnings...)
}

// Graph is the per-iteration dependency graph. bound reports whether a
// variable key is already present in the store, which satisfies an implicit
// reference without creating an edge.
type Graph struct {
	mu       sync.Mutex
	bound    func(key string) bool
	nodes    map[string]*node
	order    []string
	producer map[string]string   // output key -> first declaring action id
	pending  map[string][]string // key with no producer -> referencing action ids
	detached map[string]bool     // fire-and-forget ids seen this iteration
}

// New returns an empty graph for one iteration.
func New(bound func(key string) bool) *Graph {
	if bound == nil {
		bound = func(string) bool { return false }
	}
	return &Graph{
		bound:    bound,
		nodes:    make(map[string]*node),
		producer: make(map[string]string),
		pending:  make(map[string][]string),
		detached: make(map[string]bool),
	}
}

// NoteDetached records a fire-and-forget id so a later depends_on naming it
// is reported as a warning instead of an unknown id.
func (g *Graph) NoteDetached(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.detached[id] = true
}

// Add declares the next action in stream order. It returns the resulting
// update, or an error when the action closes a dependency cycle; a cycle is
// iteration-fatal and the action is not tracked.
func (g *Graph) Add(a *protocol.Action) (Update, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var up Update
	preds := make(map[string]bool)
	failedPred := ""

	for _, dep := range a.DependsOn {
		if g.detached[dep] {
			up.Warnings = append(up.Warnings,
				fmt.Sprintf("action %s depends on fire-and-forget action %s; dependency ignored", a.ID, dep))
			continue
		}
		pn, ok := g.nodes[dep]
		if !ok {
			return Update{}, fmt.Errorf("action %s depends on %s, which is not declared yet", a.ID, dep)
		}
		switch pn.state {
		case stateDone:
			// Satisfied.
		case stateFailed, stateCancelled:
			failedPred = dep
		default:
			preds[dep] = true
		}
	}

	for _, key := range variables.RefsIn(a.Parameters) {
		if pid, ok := g.producer[key]; ok {
			if preds[pid] {
				continue
			}
			pn := g.nodes[pid]
			switch pn.state {
			case stateDone:
			case stateFailed, stateCancelled:
				failedPred = pid
			default:
				preds[pid] = true
			}
			continue
		}
		if g.bound(key) {
			continue
		}
		g.pending[key] = append(g.pending[key], a.ID)
	}

	if a.OutputKey != "" {
		if refs := g.pending[a.OutputKey]; len(refs) > 0 {
			return Update{}, fmt.Errorf("action %s produces %q, already referenced by earlier action %s",
				a.ID, a.OutputKey, strings.Join(refs, ", "))
		}
		if _, taken := g.producer[a.OutputKey]; !taken {
			g.producer[a.OutputKey] = a.ID
		}
	}

	n := &node{action: a, preds: preds}
	g.nodes[a.ID] = n
	g.order = append(g.order, a.ID)
	for dep := range preds {
		g.nodes[dep].succs = append(g.nodes[dep].succs, a.ID)
	}

	switch {
	case failedPred != "" && a.OnError != protocol.OnErrorContinue:
		n.state = stateCancelled
		up.Cancelled = append(up.Cancelled, Cancellation{
			Action: a,
			Cause:  "predecessor " + failedPred + " failed",
		})
	case len(preds) == 0:
		n.state = stateReady
		up.Ready = append(up.Ready, a)
	}
	return up, nil
}

// Complete marks a dispatched action terminal and releases or cancels its
// descendants. Completing an unknown or already-terminal id is a no-op.
func (g *Graph) Complete(id string, ok bool) Update {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, found := g.nodes[id]
	if !found || n.state == stateDone || n.state == stateFailed || n.state == stateCancelled {
		return Update{}
	}
	if ok {
		n.state = stateDone
	} else {
		n.state = stateFailed
	}

	var up Update
	g.settle(n, ok, &up)
	return up
}

// settle propagates a terminal predecessor to its successors, cascading
// cancellations through descendants that did not opt into on_error continue.
func (g *Graph) settle(n *node, ok bool, up *Update) {
	for _, sid := range n.succs {
		sn := g.nodes[sid]
		if sn.state != statePending {
			continue
		}
		delete(sn.preds, n.action.ID)

		if !ok && sn.action.OnError != protocol.OnErrorContinue {
			sn.state = stateCancelled
			up.Cancelled = append(up.Cancelled, Cancellation{
				Action: sn.action,
				Cause:  "predecessor " + n.action.ID + " failed",
			})
			g.settle(sn, false, up)
			continue
		}
		if len(sn.preds) == 0 {
			sn.state = stateReady
			up.Ready = append(up.Ready, sn.action)
		}
	}
}

// Drain cancels every action that is not yet terminal. Called once the
// stream is closed and dispatched actions have finished, or when an
// iteration aborts; by then anything still pending or ready will never run.
func (g *Graph) Drain(cause string) []Cancellation {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Cancellation
	for _, id := range g.order {
		n := g.nodes[id]
		if n.state == statePending || n.state == stateReady {
			n.state = stateCancelled
			out = append(out, Cancellation{Action: n.action, Cause: cause})
		}
	}
	return out
}

// Outstanding reports how many tracked actions are not yet terminal.
func (g *Graph) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, n := range g.nodes {
		if n.state == statePending || n.state == stateReady {
			count++
		}
	}
	return count
}

// Producer returns the id of the action that declared the given output key.
func (g *Graph) Producer(key string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.producer[key]
	return id, ok
}
