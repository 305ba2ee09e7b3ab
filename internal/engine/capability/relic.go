package capability

import (
	"context"
	"net/http"

	"cortex/internal/logging"
)

// RelicResolver maps a relic name to its configured endpoint.
type RelicResolver func(name string) (url string, ok bool)

// relicAdapter posts parameters directly to a relic's endpoint. Relics are
// long-running services the agent configuration names explicitly.
type relicAdapter struct {
	resolve    RelicResolver
	httpClient *http.Client
	logger     logging.Logger
}

// NewRelicAdapter returns the adapter for kind "relic".
func NewRelicAdapter(resolve RelicResolver) Adapter {
	return &relicAdapter{
		resolve:    resolve,
		httpClient: newHTTPClient(),
		logger:     logging.NewComponentLogger("capability.relic"),
	}
}

func (a *relicAdapter) Kind() string { return KindRelic }

func (a *relicAdapter) Invoke(ctx context.Context, inv Invocation) Result {
	url, ok := a.resolve(inv.Name)
	if !ok {
		return Fail(false, "relic %s is not configured for this agent", inv.Name)
	}

	a.logger.Debug("Calling relic %s at %s (action %s)", inv.Name, url, inv.ActionID)
	body, err := postJSON(ctx, a.httpClient, url, inv.Parameters)
	if err != nil {
		return FromError(err)
	}
	return OK(decodeValue(body))
}
