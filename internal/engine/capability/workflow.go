package capability

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"cortex/internal/logging"
)

const workflowPollInterval = 500 * time.Millisecond

// workflowAdapter fires executions on the external workflow runner. Sync
// invocations poll until the execution reaches a terminal state; async and
// fire_and_forget return as soon as the runner accepts the execution.
type workflowAdapter struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewWorkflowAdapter returns the adapter for kind "workflow".
func NewWorkflowAdapter(baseURL string) Adapter {
	return &workflowAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newHTTPClient(),
		logger:     logging.NewComponentLogger("capability.workflow"),
	}
}

func (a *workflowAdapter) Kind() string { return KindWorkflow }

type workflowState struct {
	ExecutionID string          `json:"execution_id"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result"`
	Error       string          `json:"error"`
}

func (s workflowState) terminal() bool {
	switch s.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

func (a *workflowAdapter) Invoke(ctx context.Context, inv Invocation) Result {
	if a.baseURL == "" {
		return Fail(false, "no workflow runner configured")
	}

	a.logger.Debug("Starting workflow %s mode=%s (action %s)", inv.Name, inv.Mode, inv.ActionID)
	body, err := postJSON(ctx, a.httpClient, a.baseURL+"/workflows/execute", map[string]any{
		"workflow_name": inv.Name,
		"session_id":    inv.SessionID,
		"parameters":    inv.Parameters,
	})
	if err != nil {
		return FromError(err)
	}

	var state workflowState
	if err := json.Unmarshal(body, &state); err != nil {
		return Fail(false, "workflow runner returned undecodable response: %v", err)
	}
	if state.ExecutionID == "" {
		return Fail(false, "workflow runner accepted %s without an execution id", inv.Name)
	}

	if inv.Mode != "sync" {
		return OK(map[string]any{
			"execution_id": state.ExecutionID,
			"status":       state.Status,
		})
	}
	return a.waitTerminal(ctx, inv.Name, state)
}

func (a *workflowAdapter) waitTerminal(ctx context.Context, name string, state workflowState) Result {
	ticker := time.NewTicker(workflowPollInterval)
	defer ticker.Stop()

	for !state.terminal() {
		select {
		case <-ctx.Done():
			return FromError(ctx.Err())
		case <-ticker.C:
		}

		body, err := getJSON(ctx, a.httpClient, a.baseURL+"/workflows/executions/"+state.ExecutionID)
		if err != nil {
			return FromError(err)
		}
		if err := json.Unmarshal(body, &state); err != nil {
			return Fail(false, "workflow runner returned undecodable state: %v", err)
		}
	}

	switch state.Status {
	case "completed":
		return OK(decodeValue(state.Result))
	case "cancelled":
		return Fail(false, "workflow %s was cancelled by the runner", name)
	default:
		msg := state.Error
		if msg == "" {
			msg = "workflow failed"
		}
		return Fail(false, "workflow %s: %s", name, msg)
	}
}
