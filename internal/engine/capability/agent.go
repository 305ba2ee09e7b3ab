package capability

import (
	"context"

	"cortex/internal/logging"
)

// NestedRunFunc runs a nested agent session to completion and returns its
// final response text. The engine supplies it; recursion depth and iteration
// caps are the nested session's own concern.
type NestedRunFunc func(ctx context.Context, agentName string, params map[string]any) (string, error)

type agentAdapter struct {
	run    NestedRunFunc
	logger logging.Logger
}

// NewAgentAdapter returns the adapter for kind "agent".
func NewAgentAdapter(run NestedRunFunc) Adapter {
	return &agentAdapter{
		run:    run,
		logger: logging.NewComponentLogger("capability.agent"),
	}
}

func (a *agentAdapter) Kind() string { return KindAgent }

func (a *agentAdapter) Invoke(ctx context.Context, inv Invocation) Result {
	if a.run == nil {
		return Fail(false, "nested agent execution is not available")
	}

	a.logger.Info("Delegating to agent %s (action %s)", inv.Name, inv.ActionID)
	text, err := a.run(ctx, inv.Name, inv.Parameters)
	if err != nil {
		return FromError(err)
	}
	return OK(text)
}
