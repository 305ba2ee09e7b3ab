package feeds

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"cortex/internal/config"
	"cortex/internal/engine/event"
)

type recordSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *recordSink) Emit(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordSink) byType(eventType string) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, e := range s.events {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordSink) softErrors(code string) []event.SoftErrorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.SoftErrorEvent
	for _, e := range s.events {
		if se, ok := e.(event.SoftErrorEvent); ok && se.Code == code {
			out = append(out, se)
		}
	}
	return out
}

type countingInvoker struct {
	mu    sync.Mutex
	calls int
	value any
	err   error
}

func (c *countingInvoker) invoke(ctx context.Context, kind, name string, params map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.value, c.err
}

func (c *countingInvoker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func onDemandSpec(id string, ttl time.Duration) config.FeedSpec {
	return config.FeedSpec{
		ID:       id,
		Kind:     config.FeedOnDemand,
		CacheTTL: config.Duration(ttl),
		Source:   config.SourceSpec{Kind: config.SourceTool, Name: "fetch_" + id},
	}
}

func newTestRegistry(t *testing.T, specs []config.FeedSpec, inv Invoker, sink event.Sink) *Registry {
	t.Helper()
	reg, err := NewRegistry(Options{Specs: specs, Invoke: inv, Sink: sink})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestSnapshotCachesOnDemandWithinTTL(t *testing.T) {
	inv := &countingInvoker{value: "fresh data"}
	sink := &recordSink{}
	reg := newTestRegistry(t, []config.FeedSpec{onDemandSpec("news", time.Hour)}, inv.invoke, sink)

	first := reg.Snapshot(context.Background(), 1)
	second := reg.Snapshot(context.Background(), 2)

	if len(first) != 1 || first[0].Value != "fresh data" {
		t.Fatalf("first snapshot = %+v", first)
	}
	if len(second) != 1 {
		t.Fatalf("second snapshot = %+v", second)
	}
	if inv.count() != 1 {
		t.Errorf("invoker calls = %d, want 1 (second injection served from cache)", inv.count())
	}
	injections := sink.byType(event.TypeContextFeedUpdate)
	if len(injections) != 2 {
		t.Errorf("injection events = %d, want 2", len(injections))
	}
}

func TestSnapshotRefetchesAfterTTL(t *testing.T) {
	inv := &countingInvoker{value: "data"}
	reg := newTestRegistry(t, []config.FeedSpec{onDemandSpec("fast", 10*time.Millisecond)}, inv.invoke, nil)

	reg.Snapshot(context.Background(), 1)
	time.Sleep(20 * time.Millisecond)
	reg.Snapshot(context.Background(), 2)

	if inv.count() != 2 {
		t.Errorf("invoker calls = %d, want 2 after TTL expiry", inv.count())
	}
}

func TestSnapshotSkipsDisabledFeeds(t *testing.T) {
	spec := onDemandSpec("hidden", time.Hour)
	spec.Disabled = true
	inv := &countingInvoker{value: "x"}
	reg := newTestRegistry(t, []config.FeedSpec{spec, onDemandSpec("visible", time.Hour)}, inv.invoke, nil)

	snap := reg.Snapshot(context.Background(), 1)
	if len(snap) != 1 || snap[0].ID != "visible" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if inv.count() != 1 {
		t.Errorf("invoker calls = %d", inv.count())
	}
}

func TestSnapshotPreservesDeclarationOrder(t *testing.T) {
	specs := []config.FeedSpec{
		onDemandSpec("alpha", time.Hour),
		onDemandSpec("beta", time.Hour),
		onDemandSpec("gamma", time.Hour),
	}
	inv := &countingInvoker{value: "v"}
	reg := newTestRegistry(t, specs, inv.invoke, nil)

	snap := reg.Snapshot(context.Background(), 1)
	if len(snap) != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
	for i, want := range []string{"alpha", "beta", "gamma"} {
		if snap[i].ID != want {
			t.Errorf("snap[%d].ID = %q, want %q", i, snap[i].ID, want)
		}
	}
}

func TestSnapshotPrefetchesConcurrently(t *testing.T) {
	const feedCount = 3
	arrived := make(chan struct{}, feedCount)
	release := make(chan struct{})
	inv := func(ctx context.Context, kind, name string, params map[string]any) (any, error) {
		arrived <- struct{}{}
		select {
		case <-release:
			return "v", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	specs := []config.FeedSpec{
		onDemandSpec("one", time.Hour),
		onDemandSpec("two", time.Hour),
		onDemandSpec("three", time.Hour),
	}
	reg := newTestRegistry(t, specs, inv, nil)

	done := make(chan []Injected, 1)
	go func() { done <- reg.Snapshot(context.Background(), 1) }()

	// All three fetches must be in flight before any is released.
	deadline := time.After(3 * time.Second)
	for i := 0; i < feedCount; i++ {
		select {
		case <-arrived:
		case <-deadline:
			t.Fatalf("only %d of %d fetches started; snapshot fetches serially", i, feedCount)
		}
	}
	close(release)

	snap := <-done
	if len(snap) != feedCount {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSnapshotTruncatesToTokenCap(t *testing.T) {
	spec := onDemandSpec("big", time.Hour)
	spec.MaxTokens = 5
	long := strings.Repeat("many words in this feed value ", 40)
	inv := &countingInvoker{value: long}
	sink := &recordSink{}
	reg := newTestRegistry(t, []config.FeedSpec{spec}, inv.invoke, sink)

	snap := reg.Snapshot(context.Background(), 1)
	if len(snap) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !strings.HasSuffix(snap[0].Value, truncationMarker) {
		t.Errorf("value %q missing truncation marker", snap[0].Value)
	}
	if len(snap[0].Value) >= len(long) {
		t.Error("value was not shortened")
	}
	if len(sink.softErrors(event.CodeFeedTruncated)) != 1 {
		t.Error("expected one feed_truncated soft error")
	}
}

func TestSnapshotTruncatesToByteCap(t *testing.T) {
	spec := onDemandSpec("bytes", time.Hour)
	spec.MaxSizeBytes = 32
	inv := &countingInvoker{value: strings.Repeat("é", 100)}
	sink := &recordSink{}
	reg := newTestRegistry(t, []config.FeedSpec{spec}, inv.invoke, sink)

	snap := reg.Snapshot(context.Background(), 1)
	if len(snap) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !strings.HasSuffix(snap[0].Value, truncationMarker) {
		t.Errorf("value %q missing marker", snap[0].Value)
	}
	if len(sink.softErrors(event.CodeFeedTruncated)) != 1 {
		t.Error("expected one feed_truncated soft error")
	}
}

func TestSnapshotOmitsFailedFeed(t *testing.T) {
	inv := &countingInvoker{err: fmt.Errorf("connection refused")}
	sink := &recordSink{}
	reg := newTestRegistry(t, []config.FeedSpec{onDemandSpec("down", time.Hour)}, inv.invoke, sink)

	snap := reg.Snapshot(context.Background(), 1)
	if len(snap) != 0 {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}
	errs := sink.softErrors(event.CodeFeedError)
	if len(errs) != 1 || !strings.Contains(errs[0].Detail, "connection refused") {
		t.Errorf("soft errors = %+v", errs)
	}
}

func TestOverrideReplacesCachedValue(t *testing.T) {
	inv := &countingInvoker{value: "from source"}
	sink := &recordSink{}
	reg := newTestRegistry(t, []config.FeedSpec{onDemandSpec("live", time.Hour)}, inv.invoke, sink)

	if err := reg.Override("live", "model supplied", 1); err != nil {
		t.Fatalf("Override: %v", err)
	}
	snap := reg.Snapshot(context.Background(), 2)
	if len(snap) != 1 || snap[0].Value != "model supplied" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if inv.count() != 0 {
		t.Errorf("invoker calls = %d, want 0 (override satisfied the injection)", inv.count())
	}

	overrides := 0
	for _, e := range sink.byType(event.TypeContextFeedUpdate) {
		if e.(event.ContextFeedUpdateEvent).Cause == "override" {
			overrides++
		}
	}
	if overrides != 1 {
		t.Errorf("override events = %d", overrides)
	}
}

func TestOverrideUnknownFeed(t *testing.T) {
	reg := newTestRegistry(t, nil, nil, nil)
	if err := reg.Override("ghost", "value", 1); err == nil {
		t.Fatal("expected error for unknown feed")
	}
}

func TestFeedLifecycleOps(t *testing.T) {
	inv := &countingInvoker{value: "v"}
	reg := newTestRegistry(t, []config.FeedSpec{onDemandSpec("a", time.Hour)}, inv.invoke, nil)

	if err := reg.AddFeed(onDemandSpec("b", time.Hour)); err != nil {
		t.Fatalf("AddFeed: %v", err)
	}
	if err := reg.AddFeed(onDemandSpec("a", time.Hour)); err == nil {
		t.Fatal("duplicate AddFeed should fail")
	}

	list := reg.ListFeeds()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("list = %+v", list)
	}

	updated := onDemandSpec("b", time.Minute)
	updated.MaxTokens = 9
	if err := reg.UpdateFeed(updated); err != nil {
		t.Fatalf("UpdateFeed: %v", err)
	}
	if got := reg.ListFeeds()[1]; got.MaxTokens != 9 {
		t.Errorf("updated spec = %+v", got)
	}
	if err := reg.UpdateFeed(onDemandSpec("zzz", time.Hour)); err == nil {
		t.Fatal("updating a missing feed should fail")
	}

	if err := reg.RemoveFeed("a"); err != nil {
		t.Fatalf("RemoveFeed: %v", err)
	}
	if err := reg.RemoveFeed("a"); err == nil {
		t.Fatal("removing a missing feed should fail")
	}
	if list := reg.ListFeeds(); len(list) != 1 || list[0].ID != "b" {
		t.Fatalf("list after remove = %+v", list)
	}
}

func TestUpdateFeedInvalidatesCache(t *testing.T) {
	inv := &countingInvoker{value: "v1"}
	reg := newTestRegistry(t, []config.FeedSpec{onDemandSpec("f", time.Hour)}, inv.invoke, nil)

	reg.Snapshot(context.Background(), 1)
	if err := reg.UpdateFeed(onDemandSpec("f", time.Hour)); err != nil {
		t.Fatalf("UpdateFeed: %v", err)
	}
	reg.Snapshot(context.Background(), 2)

	if inv.count() != 2 {
		t.Errorf("invoker calls = %d, want 2 (update dropped the cache)", inv.count())
	}
}

func TestPeriodicFeedRefreshLoop(t *testing.T) {
	spec := config.FeedSpec{
		ID:       "ticker",
		Kind:     config.FeedPeriodic,
		Interval: config.Duration(50 * time.Millisecond),
		Source:   config.SourceSpec{Kind: config.SourceTool, Name: "tick"},
	}
	inv := &countingInvoker{value: "tick value"}
	sink := &recordSink{}
	reg, err := NewRegistry(Options{
		Specs:          []config.FeedSpec{spec},
		Invoke:         inv.invoke,
		Sink:           sink,
		EnablePeriodic: true,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	reg.Start()
	defer reg.Stop()

	deadline := time.After(3 * time.Second)
	for inv.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("refresh ran %d times, want at least 2", inv.count())
		case <-time.After(20 * time.Millisecond):
		}
	}

	snap := reg.Snapshot(context.Background(), 1)
	if len(snap) != 1 || snap[0].Value != "tick value" {
		t.Fatalf("snapshot = %+v", snap)
	}

	refreshes := 0
	for _, e := range sink.byType(event.TypeContextFeedUpdate) {
		if e.(event.ContextFeedUpdateEvent).Cause == "refresh" {
			refreshes++
		}
	}
	if refreshes < 2 {
		t.Errorf("refresh events = %d", refreshes)
	}
}

func TestPeriodicColdStartFetchesOnce(t *testing.T) {
	spec := config.FeedSpec{
		ID:       "slow",
		Kind:     config.FeedPeriodic,
		Interval: config.Duration(time.Hour),
		Source:   config.SourceSpec{Kind: config.SourceTool, Name: "slow_src"},
	}
	inv := &countingInvoker{value: "cold value"}
	reg, err := NewRegistry(Options{Specs: []config.FeedSpec{spec}, Invoke: inv.invoke, EnablePeriodic: true})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	reg.Start()
	defer reg.Stop()

	snap := reg.Snapshot(context.Background(), 1)
	if len(snap) != 1 || snap[0].Value != "cold value" {
		t.Fatalf("snapshot = %+v", snap)
	}
	// Second injection reads the now-cached refresh result.
	reg.Snapshot(context.Background(), 2)
	if inv.count() != 1 {
		t.Errorf("invoker calls = %d, want 1", inv.count())
	}
}

func TestDynamicPeriodicFeedStartsRefreshing(t *testing.T) {
	inv := &countingInvoker{value: "dynamic"}
	reg, err := NewRegistry(Options{Invoke: inv.invoke, EnablePeriodic: true})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	reg.Start()
	defer reg.Stop()

	spec := config.FeedSpec{
		ID:       "dyn",
		Kind:     config.FeedPeriodic,
		Interval: config.Duration(time.Hour),
		Source:   config.SourceSpec{Kind: config.SourceTool, Name: "dyn_src"},
	}
	if err := reg.AddFeed(spec); err != nil {
		t.Fatalf("AddFeed: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for inv.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("dynamic periodic feed was never primed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestInternalFeedAlwaysFresh(t *testing.T) {
	spec := config.FeedSpec{
		ID:     "now",
		Kind:   config.FeedInternal,
		Source: config.SourceSpec{Kind: config.SourceInternal, Name: "clock", Params: map[string]any{"format": "unix"}},
	}
	reg := newTestRegistry(t, []config.FeedSpec{spec}, nil, nil)

	first := reg.Snapshot(context.Background(), 1)
	time.Sleep(1100 * time.Millisecond)
	second := reg.Snapshot(context.Background(), 2)

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("snapshots = %v / %v", first, second)
	}
	if first[0].Value == second[0].Value {
		t.Errorf("clock value did not advance: %q", first[0].Value)
	}
}

func TestUnknownInternalSource(t *testing.T) {
	spec := config.FeedSpec{
		ID:     "bad",
		Kind:   config.FeedInternal,
		Source: config.SourceSpec{Kind: config.SourceInternal, Name: "nonsense"},
	}
	sink := &recordSink{}
	reg := newTestRegistry(t, []config.FeedSpec{spec}, nil, sink)

	snap := reg.Snapshot(context.Background(), 1)
	if len(snap) != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(sink.softErrors(event.CodeFeedError)) != 1 {
		t.Error("expected feed_error soft error")
	}
}

func TestBuiltinRandom(t *testing.T) {
	table := BuiltinTable()
	out, err := table["random"](map[string]any{"bytes": 8})
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	raw, err := hex.DecodeString(out)
	if err != nil || len(raw) != 8 {
		t.Errorf("random output %q (decoded %d bytes)", out, len(raw))
	}
}

func TestBuiltinClockRFC3339(t *testing.T) {
	table := BuiltinTable()
	out, err := table["clock"](nil)
	if err != nil {
		t.Fatalf("clock: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, out); err != nil {
		t.Errorf("clock output %q is not RFC3339: %v", out, err)
	}
}

func TestBuiltinEnvironmentPrefix(t *testing.T) {
	t.Setenv("CORTEXTEST_ONE", "1")
	t.Setenv("CORTEXTEST_TWO", "2")
	t.Setenv("OTHERVAR", "x")

	table := BuiltinTable()
	out, err := table["environment"](map[string]any{"prefix": "CORTEXTEST_"})
	if err != nil {
		t.Fatalf("environment: %v", err)
	}
	if !strings.Contains(out, "CORTEXTEST_ONE=1") || !strings.Contains(out, "CORTEXTEST_TWO=2") {
		t.Errorf("output %q missing expected entries", out)
	}
	if strings.Contains(out, "OTHERVAR") {
		t.Errorf("output %q leaked unprefixed variable", out)
	}
}

func TestBuiltinProcess(t *testing.T) {
	table := BuiltinTable()
	out, err := table["process"](nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(out, "pid=") || !strings.Contains(out, "goroutines=") {
		t.Errorf("output %q missing fields", out)
	}
}
