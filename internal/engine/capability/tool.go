package capability

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"cortex/internal/logging"
)

// toolAdapter forwards tool calls to the external tool runner:
// POST {base}/tools/execute with {tool_name, session_id, parameters}.
type toolAdapter struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewToolAdapter returns the adapter for kind "tool".
func NewToolAdapter(baseURL string) Adapter {
	return &toolAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newHTTPClient(),
		logger:     logging.NewComponentLogger("capability.tool"),
	}
}

func (a *toolAdapter) Kind() string { return KindTool }

func (a *toolAdapter) Invoke(ctx context.Context, inv Invocation) Result {
	if a.baseURL == "" {
		return Fail(false, "no tool runner configured")
	}

	a.logger.Debug("Executing tool %s (action %s)", inv.Name, inv.ActionID)
	body, err := postJSON(ctx, a.httpClient, a.baseURL+"/tools/execute", map[string]any{
		"tool_name":  inv.Name,
		"session_id": inv.SessionID,
		"parameters": inv.Parameters,
	})
	if err != nil {
		return FromError(err)
	}

	var envelope struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Status == "" {
		// Runner returned a bare value.
		return OK(decodeValue(body))
	}
	if envelope.Status != "ok" {
		msg := envelope.Error
		if msg == "" {
			msg = "tool runner reported " + envelope.Status
		}
		return Fail(false, "tool %s: %s", inv.Name, msg)
	}
	return OK(decodeValue(envelope.Result))
}
