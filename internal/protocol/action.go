package protocol

import (
	"fmt"
	"time"
)

// ActionKind identifies the capability family servicing an action.
type ActionKind string

const (
	KindTool     ActionKind = "tool"
	KindAgent    ActionKind = "agent"
	KindRelic    ActionKind = "relic"
	KindWorkflow ActionKind = "workflow"
	KindLLM      ActionKind = "llm"
	KindInternal ActionKind = "internal"
)

// ActionMode controls how the dispatcher schedules an action.
type ActionMode string

const (
	ModeSync          ActionMode = "sync"
	ModeAsync         ActionMode = "async"
	ModeFireAndForget ActionMode = "fire_and_forget"
)

// ErrorPolicy governs what happens to an action when a predecessor fails.
type ErrorPolicy string

const (
	OnErrorCancel   ErrorPolicy = "cancel"
	OnErrorContinue ErrorPolicy = "continue"
)

// Action is a unit of external work declared by the LLM. The parser produces
// one per well-formed <action> tag; the scheduler and dispatcher consume it.
type Action struct {
	ID         string
	Kind       ActionKind
	Mode       ActionMode
	Name       string
	Parameters map[string]any
	OutputKey  string
	DependsOn  []string
	Timeout    time.Duration // zero means the session default
	Retry      int           // additional attempts on transient failure
	OnError    ErrorPolicy
	InThought  bool
	Index      int // creation order within the iteration
	Iteration  int
}

// Detached reports whether the action runs outside the ready/complete barrier.
func (a *Action) Detached() bool {
	return a.Mode == ModeFireAndForget
}

func (a *Action) String() string {
	return fmt.Sprintf("%s/%s %q (id=%s)", a.Kind, a.Mode, a.Name, a.ID)
}

func validKind(k ActionKind) bool {
	switch k {
	case KindTool, KindAgent, KindRelic, KindWorkflow, KindLLM, KindInternal:
		return true
	}
	return false
}

func validMode(m ActionMode) bool {
	switch m {
	case ModeSync, ModeAsync, ModeFireAndForget:
		return true
	}
	return false
}
