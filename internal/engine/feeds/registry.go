// Package feeds maintains a session's context feeds: declared and dynamic,
// cached with per-feed TTLs, refreshed periodically out of band, truncated to
// size caps, and snapshotted once per iteration for prompt injection.
package feeds

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"cortex/internal/async"
	"cortex/internal/config"
	"cortex/internal/engine/event"
	"cortex/internal/engine/variables"
	"cortex/internal/logging"
	"cortex/internal/token"
)

const (
	defaultCacheSize = 256
	fetchTimeout     = 30 * time.Second
	truncationMarker = "… [truncated]"

	// prefetchParallelism bounds concurrent source fetches per snapshot.
	prefetchParallelism = 4
)

// Invoker runs a feed source through its capability adapter and returns the
// raw value. The engine wires this to the session's adapter registry.
type Invoker func(ctx context.Context, sourceKind, sourceName string, params map[string]any) (any, error)

// Injected is one feed's rendered value at injection time.
type Injected struct {
	ID    string
	Value string
}

type cacheEntry struct {
	value     string
	fetchedAt time.Time
}

// Registry owns the feed set for one session. Reads for injection share the
// lock; add/remove/update are exclusive. The value cache is an LRU keyed by
// feed id.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]config.FeedSpec
	order []string

	cache    *lru.Cache[string, cacheEntry]
	cron     *cron.Cron
	cronIDs  map[string]cron.EntryID
	invoke   Invoker
	builtins map[string]Builtin
	sink     event.Sink
	logger   logging.Logger

	periodicOn bool
	started    bool
	stopped    bool
}

// Options configure a session feed registry.
type Options struct {
	Specs          []config.FeedSpec
	Invoke         Invoker
	Sink           event.Sink
	Logger         logging.Logger
	EnablePeriodic bool
	CacheSize      int
}

// NewRegistry builds the registry with the agent's declared feeds. Periodic
// scheduling begins at Start.
func NewRegistry(opts Options) (*Registry, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create feed cache: %w", err)
	}

	r := &Registry{
		specs:      make(map[string]config.FeedSpec),
		cache:      cache,
		cron:       cron.New(),
		cronIDs:    make(map[string]cron.EntryID),
		invoke:     opts.Invoke,
		builtins:   BuiltinTable(),
		sink:       opts.Sink,
		logger:     logging.OrNop(opts.Logger),
		periodicOn: opts.EnablePeriodic,
	}
	for _, spec := range opts.Specs {
		if _, exists := r.specs[spec.ID]; exists {
			return nil, fmt.Errorf("duplicate feed id %q", spec.ID)
		}
		r.specs[spec.ID] = spec
		r.order = append(r.order, spec.ID)
	}
	return r, nil
}

// Start launches the periodic refresh driver for declared periodic feeds.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	if !r.periodicOn {
		r.logger.Info("Periodic feed refresh disabled")
		return
	}
	for _, id := range r.order {
		spec := r.specs[id]
		if spec.Kind == config.FeedPeriodic && !spec.Disabled {
			r.scheduleLocked(spec)
		}
	}
	r.cron.Start()
}

// Stop halts periodic refreshes. Safe to call more than once.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	<-r.cron.Stop().Done()
}

// scheduleLocked registers a cron entry for a periodic feed. Caller holds the
// write lock.
func (r *Registry) scheduleLocked(spec config.FeedSpec) {
	id := spec.ID
	entryID, err := r.cron.AddFunc("@every "+spec.Interval.Std().String(), func() {
		r.refresh(id)
	})
	if err != nil {
		r.logger.Error("Failed to schedule feed %s: %v", id, err)
		return
	}
	r.cronIDs[id] = entryID
	r.logger.Debug("Scheduled feed %s every %s", id, spec.Interval.Std())
}

func (r *Registry) unscheduleLocked(id string) {
	if entryID, ok := r.cronIDs[id]; ok {
		r.cron.Remove(entryID)
		delete(r.cronIDs, id)
	}
}

// refresh runs one periodic fetch and caches the result.
func (r *Registry) refresh(id string) {
	r.mu.RLock()
	spec, ok := r.specs[id]
	stopped := r.stopped
	r.mu.RUnlock()
	if !ok || stopped || spec.Disabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	value, err := r.fetch(ctx, spec)
	if err != nil {
		r.logger.Warn("Feed %s refresh failed: %v", id, err)
		r.emit(event.SoftErrorEvent{
			Code:    event.CodeFeedError,
			Message: fmt.Sprintf("context feed %s refresh failed", id),
			Detail:  err.Error(),
		})
		return
	}
	value, truncated := r.clamp(spec, value)
	r.cache.Add(id, cacheEntry{value: value, fetchedAt: time.Now()})
	if truncated {
		r.emitTruncated(spec, 0)
	}
	r.emit(event.ContextFeedUpdateEvent{FeedID: id, Value: value, Cause: "refresh"})
}

// fetch pulls a feed's current value from its source.
func (r *Registry) fetch(ctx context.Context, spec config.FeedSpec) (string, error) {
	if spec.Source.Kind == config.SourceInternal {
		builtin, ok := r.builtins[spec.Source.Name]
		if !ok {
			return "", fmt.Errorf("unknown internal feed source %q", spec.Source.Name)
		}
		return builtin(spec.Source.Params)
	}
	if r.invoke == nil {
		return "", fmt.Errorf("no capability invoker configured")
	}
	value, err := r.invoke(ctx, spec.Source.Kind, spec.Source.Name, spec.Source.Params)
	if err != nil {
		return "", err
	}
	return variables.Render(value), nil
}

// clamp applies the feed's token and byte caps.
func (r *Registry) clamp(spec config.FeedSpec, value string) (string, bool) {
	truncated := false
	if spec.MaxTokens > 0 {
		if cut, did := token.TruncateTokens(value, spec.MaxTokens, truncationMarker); did {
			value, truncated = cut, true
		}
	}
	if spec.MaxSizeBytes > 0 {
		if cut, did := token.TruncateBytes(value, spec.MaxSizeBytes, truncationMarker); did {
			value, truncated = cut, true
		}
	}
	return value, truncated
}

func (r *Registry) emitTruncated(spec config.FeedSpec, iteration int) {
	r.emit(event.SoftErrorEvent{
		Iteration: iteration,
		Code:      event.CodeFeedTruncated,
		Message:   fmt.Sprintf("context feed %s exceeded its size cap and was truncated", spec.ID),
	})
}

func (r *Registry) emit(e event.Event) {
	if r.sink != nil {
		r.sink.Emit(e)
	}
}

// Snapshot resolves every enabled feed to its injection value, in declaration
// order. Called once at iteration start; later registry mutations do not
// affect the returned values. Sources that need a fetch are pulled
// concurrently, but events still fire in declaration order. Fetch failures
// surface as soft errors and omit the feed.
func (r *Registry) Snapshot(ctx context.Context, iteration int) []Injected {
	r.mu.RLock()
	specs := make([]config.FeedSpec, 0, len(r.order))
	for _, id := range r.order {
		specs = append(specs, r.specs[id])
	}
	r.mu.RUnlock()

	fetched := r.prefetch(ctx, specs)

	out := make([]Injected, 0, len(specs))
	for _, spec := range specs {
		if spec.Disabled {
			continue
		}
		value, ok := r.injectionValue(ctx, spec, iteration, fetched)
		if !ok {
			continue
		}
		out = append(out, Injected{ID: spec.ID, Value: value})
		r.emit(event.ContextFeedUpdateEvent{
			Iteration: iteration,
			FeedID:    spec.ID,
			Value:     value,
			Cause:     "injection",
		})
	}
	return out
}

type fetchResult struct {
	value     string
	truncated bool
	err       error
}

// needsFetch reports whether injection would have to pull the source rather
// than read the cache.
func (r *Registry) needsFetch(spec config.FeedSpec) bool {
	if spec.Disabled || spec.Kind == config.FeedInternal {
		return false
	}
	entry, ok := r.cache.Get(spec.ID)
	if spec.Kind == config.FeedPeriodic {
		return !ok
	}
	return !ok || time.Since(entry.fetchedAt) >= spec.CacheTTL.Std()
}

// prefetch pulls every feed that injection would otherwise fetch one at a
// time. Successes land in the cache; failures are recorded so the assembly
// pass can report them in declaration order.
func (r *Registry) prefetch(ctx context.Context, specs []config.FeedSpec) map[string]fetchResult {
	var stale []config.FeedSpec
	for _, spec := range specs {
		if r.needsFetch(spec) {
			stale = append(stale, spec)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	var mu sync.Mutex
	results := make(map[string]fetchResult, len(stale))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchParallelism)
	for _, spec := range stale {
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(gctx, fetchTimeout)
			defer cancel()
			value, err := r.fetch(fetchCtx, spec)
			var res fetchResult
			if err != nil {
				res.err = err
			} else {
				res.value, res.truncated = r.clamp(spec, value)
				r.cache.Add(spec.ID, cacheEntry{value: res.value, fetchedAt: time.Now()})
			}
			mu.Lock()
			results[spec.ID] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Registry) injectionValue(ctx context.Context, spec config.FeedSpec, iteration int, fetched map[string]fetchResult) (string, bool) {
	if res, ok := fetched[spec.ID]; ok {
		if res.err != nil {
			r.logger.Warn("Feed %s fetch failed: %v", spec.ID, res.err)
			r.emit(event.SoftErrorEvent{
				Iteration: iteration,
				Code:      event.CodeFeedError,
				Message:   fmt.Sprintf("context feed %s could not be fetched", spec.ID),
				Detail:    res.err.Error(),
			})
			return "", false
		}
		if res.truncated {
			r.emitTruncated(spec, iteration)
		}
		return res.value, true
	}

	switch spec.Kind {
	case config.FeedInternal:
		// Built-ins are cheap and always fetched fresh.

	case config.FeedPeriodic:
		if entry, ok := r.cache.Get(spec.ID); ok {
			return entry.value, true
		}
		// Cold start: no refresh has completed yet; fetch once in-line.

	default: // on_demand
		if entry, ok := r.cache.Get(spec.ID); ok && time.Since(entry.fetchedAt) < spec.CacheTTL.Std() {
			return entry.value, true
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	value, err := r.fetch(fetchCtx, spec)
	if err != nil {
		r.logger.Warn("Feed %s fetch failed: %v", spec.ID, err)
		r.emit(event.SoftErrorEvent{
			Iteration: iteration,
			Code:      event.CodeFeedError,
			Message:   fmt.Sprintf("context feed %s could not be fetched", spec.ID),
			Detail:    err.Error(),
		})
		return "", false
	}
	value, truncated := r.clamp(spec, value)
	if truncated {
		r.emitTruncated(spec, iteration)
	}
	if spec.Kind != config.FeedInternal {
		r.cache.Add(spec.ID, cacheEntry{value: value, fetchedAt: time.Now()})
	}
	return value, true
}

// Override replaces a feed's cached value with one the LLM streamed in a
// context_feed tag. Unknown ids are rejected; the caller reports the soft
// error.
func (r *Registry) Override(id, value string, iteration int) error {
	r.mu.RLock()
	spec, ok := r.specs[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("context feed %s is not declared", id)
	}

	value, truncated := r.clamp(spec, value)
	r.cache.Add(id, cacheEntry{value: value, fetchedAt: time.Now()})
	if truncated {
		r.emitTruncated(spec, iteration)
	}
	r.emit(event.ContextFeedUpdateEvent{
		Iteration: iteration,
		FeedID:    id,
		Value:     value,
		Cause:     "override",
	})
	return nil
}

// AddFeed registers a dynamic feed. Periodic feeds begin refreshing on their
// interval from now.
func (r *Registry) AddFeed(spec config.FeedSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.ID]; exists {
		return fmt.Errorf("context feed %s already exists", spec.ID)
	}
	r.specs[spec.ID] = spec
	r.order = append(r.order, spec.ID)

	if spec.Kind == config.FeedPeriodic && r.periodicOn && r.started && !r.stopped && !spec.Disabled {
		r.scheduleLocked(spec)
		id := spec.ID
		async.Go(r.logger, "feed-prime-"+id, func() { r.refresh(id) })
	}
	r.emit(event.ContextFeedUpdateEvent{FeedID: spec.ID, Cause: "added"})
	return nil
}

// RemoveFeed drops a feed and its cached value.
func (r *Registry) RemoveFeed(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[id]; !exists {
		return fmt.Errorf("context feed %s not found", id)
	}
	r.unscheduleLocked(id)
	delete(r.specs, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.cache.Remove(id)
	return nil
}

// UpdateFeed replaces a feed's declaration and invalidates its cache.
func (r *Registry) UpdateFeed(spec config.FeedSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.ID]; !exists {
		return fmt.Errorf("context feed %s not found", spec.ID)
	}
	r.unscheduleLocked(spec.ID)
	r.specs[spec.ID] = spec
	r.cache.Remove(spec.ID)

	if spec.Kind == config.FeedPeriodic && r.periodicOn && r.started && !r.stopped && !spec.Disabled {
		r.scheduleLocked(spec)
	}
	r.emit(event.ContextFeedUpdateEvent{FeedID: spec.ID, Cause: "updated"})
	return nil
}

// ListFeeds returns the current declarations in order.
func (r *Registry) ListFeeds() []config.FeedSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.FeedSpec, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.specs[id])
	}
	return out
}
