package capability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cortex/internal/config"
	"cortex/internal/logging"
)

// Internal operation names.
const (
	OpAddFeed    = "add_context_feed"
	OpRemoveFeed = "remove_context_feed"
	OpUpdateFeed = "update_context_feed"
	OpListFeeds  = "list_context_feeds"
	OpSetVar     = "set_variable"
	OpDeleteVar  = "delete_variable"
	OpClearCtx   = "clear_context"
)

// FeedController is the feed registry surface internal actions may touch.
type FeedController interface {
	AddFeed(spec config.FeedSpec) error
	RemoveFeed(id string) error
	UpdateFeed(spec config.FeedSpec) error
	ListFeeds() []config.FeedSpec
}

// VariableController is the variable store surface internal actions may touch.
type VariableController interface {
	SetVariable(key string, value any) error
	DeleteVariable(key string) error
}

// HistoryController clears accumulated conversation context.
type HistoryController interface {
	ClearHistory() int
}

// AllowFunc gates internal operations per the agent configuration.
type AllowFunc func(op string) bool

// internalAdapter serves operations handled inside the engine itself. Every
// operation passes the allowlist first; denied calls are never retryable.
type internalAdapter struct {
	allow   AllowFunc
	feeds   FeedController
	vars    VariableController
	history HistoryController
	logger  logging.Logger
}

// NewInternalAdapter returns the adapter for kind "internal".
func NewInternalAdapter(allow AllowFunc, feeds FeedController, vars VariableController, history HistoryController) Adapter {
	return &internalAdapter{
		allow:   allow,
		feeds:   feeds,
		vars:    vars,
		history: history,
		logger:  logging.NewComponentLogger("capability.internal"),
	}
}

func (a *internalAdapter) Kind() string { return KindInternal }

func (a *internalAdapter) Invoke(ctx context.Context, inv Invocation) Result {
	op := strings.TrimSpace(inv.Name)
	if a.allow != nil && !a.allow(op) {
		return Fail(false, "internal operation %s is not allowed for this agent", op)
	}
	if err := ctx.Err(); err != nil {
		return FromError(err)
	}

	a.logger.Debug("Internal op %s (action %s)", op, inv.ActionID)
	switch op {
	case OpAddFeed:
		return a.addFeed(inv.Parameters, false)
	case OpUpdateFeed:
		return a.addFeed(inv.Parameters, true)
	case OpRemoveFeed:
		return a.removeFeed(inv.Parameters)
	case OpListFeeds:
		return a.listFeeds()
	case OpSetVar:
		return a.setVariable(inv.Parameters)
	case OpDeleteVar:
		return a.deleteVariable(inv.Parameters)
	case OpClearCtx:
		return a.clearContext()
	default:
		return Fail(false, "unknown internal operation %q", op)
	}
}

func (a *internalAdapter) addFeed(params map[string]any, update bool) Result {
	if a.feeds == nil {
		return Fail(false, "context feeds are not available")
	}
	spec, err := decodeFeedSpec(params)
	if err != nil {
		return Fail(false, "invalid feed spec: %v", err)
	}

	if update {
		err = a.feeds.UpdateFeed(spec)
	} else {
		err = a.feeds.AddFeed(spec)
	}
	if err != nil {
		return Fail(false, "%v", err)
	}
	return OK(map[string]any{"id": spec.ID, "kind": spec.Kind})
}

func (a *internalAdapter) removeFeed(params map[string]any) Result {
	if a.feeds == nil {
		return Fail(false, "context feeds are not available")
	}
	id := stringParam(params, "id")
	if id == "" {
		return Fail(false, "remove_context_feed needs an id")
	}
	if err := a.feeds.RemoveFeed(id); err != nil {
		return Fail(false, "%v", err)
	}
	return OK(map[string]any{"id": id, "removed": true})
}

func (a *internalAdapter) listFeeds() Result {
	if a.feeds == nil {
		return OK([]any{})
	}
	specs := a.feeds.ListFeeds()
	out := make([]any, 0, len(specs))
	for _, s := range specs {
		entry := map[string]any{
			"id":     s.ID,
			"kind":   s.Kind,
			"source": map[string]any{"kind": s.Source.Kind, "name": s.Source.Name},
		}
		if s.Kind == config.FeedPeriodic {
			entry["interval"] = s.Interval.Std().String()
		}
		if s.Kind == config.FeedOnDemand {
			entry["cache_ttl"] = s.CacheTTL.Std().String()
		}
		out = append(out, entry)
	}
	return OK(out)
}

func (a *internalAdapter) setVariable(params map[string]any) Result {
	if a.vars == nil {
		return Fail(false, "variables are not available")
	}
	key := stringParam(params, "key")
	if key == "" {
		return Fail(false, "set_variable needs a key")
	}
	value, ok := params["value"]
	if !ok {
		return Fail(false, "set_variable needs a value")
	}
	if err := a.vars.SetVariable(key, value); err != nil {
		return Fail(false, "%v", err)
	}
	return OK(map[string]any{"key": key, "set": true})
}

func (a *internalAdapter) deleteVariable(params map[string]any) Result {
	if a.vars == nil {
		return Fail(false, "variables are not available")
	}
	key := stringParam(params, "key")
	if key == "" {
		return Fail(false, "delete_variable needs a key")
	}
	if err := a.vars.DeleteVariable(key); err != nil {
		return Fail(false, "%v", err)
	}
	return OK(map[string]any{"key": key, "deleted": true})
}

func (a *internalAdapter) clearContext() Result {
	if a.history == nil {
		return Fail(false, "history is not available")
	}
	dropped := a.history.ClearHistory()
	return OK(map[string]any{"cleared_messages": dropped})
}

// decodeFeedSpec reads a feed declaration out of action parameters. The JSON
// shape mirrors the YAML agent-file shape; durations accept "30s" strings or
// numeric seconds.
func decodeFeedSpec(params map[string]any) (config.FeedSpec, error) {
	var spec config.FeedSpec
	spec.ID = stringParam(params, "id")
	if spec.ID == "" {
		return spec, fmt.Errorf("feed needs an id")
	}
	spec.Kind = stringParam(params, "kind")

	srcRaw, ok := params["source"].(map[string]any)
	if !ok {
		return spec, fmt.Errorf("feed %s needs a source object", spec.ID)
	}
	spec.Source.Kind = stringParam(srcRaw, "kind")
	spec.Source.Name = stringParam(srcRaw, "name")
	if spec.Source.Name == "" {
		return spec, fmt.Errorf("feed %s source needs a name", spec.ID)
	}
	if p, ok := srcRaw["params"].(map[string]any); ok {
		spec.Source.Params = p
	}

	var err error
	if spec.Interval, err = durationParam(params, "interval"); err != nil {
		return spec, err
	}
	if spec.CacheTTL, err = durationParam(params, "cache_ttl"); err != nil {
		return spec, err
	}
	if n, ok := floatParam(params, "max_tokens"); ok {
		spec.MaxTokens = int(n)
	}
	if n, ok := floatParam(params, "max_size_bytes"); ok {
		spec.MaxSizeBytes = int(n)
	}

	if spec.Kind == "" {
		if spec.Source.Kind == config.SourceInternal {
			spec.Kind = config.FeedInternal
		} else {
			spec.Kind = config.FeedOnDemand
		}
	}
	if spec.Kind == config.FeedPeriodic && spec.Interval.Std() <= 0 {
		spec.Interval = config.Duration(config.DefaultPeriodicInterval)
	}
	if spec.Kind == config.FeedOnDemand && spec.CacheTTL.Std() <= 0 {
		spec.CacheTTL = config.Duration(config.DefaultOnDemandTTL)
	}
	return spec, nil
}

func durationParam(params map[string]any, key string) (config.Duration, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		return config.Duration(d), nil
	case float64:
		return config.Duration(time.Duration(v * float64(time.Second))), nil
	case int:
		return config.Duration(time.Duration(v) * time.Second), nil
	}
	return 0, fmt.Errorf("invalid %s value %v", key, raw)
}
