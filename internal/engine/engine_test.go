package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cortex/internal/config"
	"cortex/internal/engine/capability"
	"cortex/internal/engine/event"
	"cortex/internal/engine/feeds"
	"cortex/internal/engine/metadata"
	"cortex/internal/engine/variables"
	"cortex/internal/llm"
	"cortex/internal/logging"
)

type testAdapter struct {
	kind string
	fn   func(ctx context.Context, inv capability.Invocation) capability.Result
}

func (a *testAdapter) Kind() string { return a.kind }
func (a *testAdapter) Invoke(ctx context.Context, inv capability.Invocation) capability.Result {
	return a.fn(ctx, inv)
}

type harness struct {
	t      *testing.T
	eng    *Engine
	stream *event.Stream
	client *llm.ScriptedClient
	vars   *variables.Store
	meta   *metadata.State

	done   chan struct{}
	frames []event.Frame
}

func newHarness(t *testing.T, agent *config.AgentConfig, client *llm.ScriptedClient, adapters ...capability.Adapter) *harness {
	t.Helper()
	if agent == nil {
		agent = &config.AgentConfig{Name: "test", Persona: "You are a test agent."}
	}
	agent.ApplyDefaults()

	reg := capability.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	vars := variables.NewStore()
	meta, err := metadata.NewState(agent.Metadata, agent.Workflows)
	if err != nil {
		t.Fatalf("metadata state: %v", err)
	}
	feedReg, err := feeds.NewRegistry(feeds.Options{
		Specs:  agent.ContextFeeds,
		Invoke: NewCapabilityInvoker(reg, "sess-test"),
		Logger: logging.Nop(),
	})
	if err != nil {
		t.Fatalf("feed registry: %v", err)
	}

	stream := event.NewStream(1024)
	h := &harness{
		t:      t,
		stream: stream,
		client: client,
		vars:   vars,
		meta:   meta,
		done:   make(chan struct{}),
	}
	h.eng = New(Options{
		SessionID: "sess-test",
		Agent:     agent,
		Client:    client,
		Caps:      reg,
		Feeds:     feedReg,
		Metadata:  meta,
		Vars:      vars,
		Stream:    stream,
		Logger:    logging.Nop(),
	})
	go func() {
		for f := range stream.Frames() {
			h.frames = append(h.frames, f)
		}
		close(h.done)
	}()
	return h
}

func (h *harness) run(msg string) (*Result, error) {
	h.t.Helper()
	return h.eng.Run(context.Background(), msg)
}

// finish drains detached work, closes the stream, and returns every frame in
// sequence order.
func (h *harness) finish() []event.Frame {
	h.t.Helper()
	h.eng.Close(2 * time.Second)
	h.stream.Close()
	<-h.done
	return h.frames
}

func assertContiguousSeq(t *testing.T, frames []event.Frame) {
	t.Helper()
	for i, f := range frames {
		if f.Seq != uint64(i+1) {
			t.Fatalf("frame %d has seq %d, sequence numbers must be contiguous", i, f.Seq)
		}
	}
}

func assertOneTerminalPerAction(t *testing.T, frames []event.Frame) {
	t.Helper()
	starts := map[string]event.ActionStartEvent{}
	completes := map[string]int{}
	for _, f := range frames {
		switch p := f.Payload.(type) {
		case event.ActionStartEvent:
			starts[p.ActionID] = p
		case event.ActionCompleteEvent:
			completes[p.ActionID]++
		}
	}
	for id, start := range starts {
		n := completes[id]
		if n > 1 {
			t.Errorf("action %s completed %d times", id, n)
		}
		if n == 0 && start.Mode != "fire_and_forget" {
			t.Errorf("action %s never reached a terminal state", id)
		}
	}
}

func frameIndex(frames []event.Frame, pred func(event.Frame) bool) int {
	for i, f := range frames {
		if pred(f) {
			return i
		}
	}
	return -1
}

func responseChunks(frames []event.Frame) []event.ResponseChunkEvent {
	var out []event.ResponseChunkEvent
	for _, f := range frames {
		if c, ok := f.Payload.(event.ResponseChunkEvent); ok {
			out = append(out, c)
		}
	}
	return out
}

func softCodes(frames []event.Frame) map[string]int {
	out := map[string]int{}
	for _, f := range frames {
		if se, ok := f.Payload.(event.SoftErrorEvent); ok {
			out[se.Code]++
		}
	}
	return out
}

func TestParallelFetchThenAggregate(t *testing.T) {
	script := llm.NewScriptedClient(`<action type="tool" mode="async" id="a">{"name":"fetch","parameters":{"url":"X"},"output_key":"x"}</action><action type="tool" mode="async" id="b">{"name":"fetch","parameters":{"url":"Y"},"output_key":"y"}</action><action type="tool" mode="sync" id="c">{"name":"merge","parameters":{"a":"$x","b":"$y"},"depends_on":["a","b"],"output_key":"m"}</action><response final="true">$m</response>`)
	script.SetChunkSize(13)

	var fetches atomic.Int32
	bothStarted := make(chan struct{})
	var mu sync.Mutex
	var mergeParams map[string]any

	tool := &testAdapter{kind: "tool", fn: func(ctx context.Context, inv capability.Invocation) capability.Result {
		switch inv.Name {
		case "fetch":
			if fetches.Add(1) == 2 {
				close(bothStarted)
			}
			select {
			case <-bothStarted:
			case <-time.After(3 * time.Second):
				return capability.Fail(false, "fetch %v never saw its sibling running", inv.Parameters["url"])
			}
			if inv.Parameters["url"] == "X" {
				return capability.OK("VX")
			}
			return capability.OK("VY")
		case "merge":
			mu.Lock()
			mergeParams = inv.Parameters
			mu.Unlock()
			return capability.OK(fmt.Sprintf("%v+%v", inv.Parameters["a"], inv.Parameters["b"]))
		default:
			return capability.Fail(false, "unknown tool %s", inv.Name)
		}
	}}

	h := newHarness(t, nil, script, tool)
	res, err := h.run("fetch and merge")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := h.finish()

	if res.Status != "done" || res.Answer != "VX+VY" {
		t.Fatalf("result = %+v", res)
	}
	mu.Lock()
	if mergeParams["a"] != "VX" || mergeParams["b"] != "VY" {
		t.Errorf("merge params = %v, references must resolve before invocation", mergeParams)
	}
	mu.Unlock()

	assertContiguousSeq(t, frames)
	assertOneTerminalPerAction(t, frames)

	cDone := frameIndex(frames, func(f event.Frame) bool {
		c, ok := f.Payload.(event.ActionCompleteEvent)
		return ok && c.ActionID == "c"
	})
	respAt := frameIndex(frames, func(f event.Frame) bool {
		c, ok := f.Payload.(event.ResponseChunkEvent)
		return ok && strings.Contains(c.Text, "VX+VY")
	})
	if cDone == -1 || respAt == -1 || cDone > respAt {
		t.Errorf("response chunk (frame %d) must follow merge completion (frame %d)", respAt, cDone)
	}
}

func TestMetadataValidationSoftError(t *testing.T) {
	agent := &config.AgentConfig{
		Name:    "test",
		Persona: "You are a test agent.",
		Metadata: []config.FieldSpec{
			{Name: "status", Type: config.FieldEnum, Values: []any{"A", "B", "C"}},
		},
	}
	script := llm.NewScriptedClient(
		`<metadata>{"status":"TYPO"}</metadata><response final="false">checking</response>`,
		`<response final="true">ok</response>`,
	)

	h := newHarness(t, agent, script)
	res, err := h.run("set status")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := h.finish()

	if res.Answer != "ok" || res.Iterations != 2 {
		t.Fatalf("result = %+v", res)
	}
	if softCodes(frames)[event.CodeInvalidMetadata] == 0 {
		t.Error("expected an invalid_metadata soft error")
	}
	if i := frameIndex(frames, func(f event.Frame) bool {
		_, ok := f.Payload.(event.MetadataUpdateEvent)
		return ok
	}); i != -1 {
		t.Error("rejected commit must not produce a metadata-update event")
	}
	if _, ok := h.meta.Get("status"); ok {
		t.Error("invalid value must not be applied")
	}

	reqs := h.client.Requests()
	if len(reqs) != 2 {
		t.Fatalf("llm calls = %d", len(reqs))
	}
	if !strings.Contains(reqs[1].System, "Corrections") || !strings.Contains(reqs[1].System, event.CodeInvalidMetadata) {
		t.Error("second prompt must carry the previous iteration's soft errors")
	}
	assertContiguousSeq(t, frames)
}

func TestActionInsideThought(t *testing.T) {
	script := llm.NewScriptedClient(`<thought>Planning. <action type="tool" mode="async" id="p">{"name":"ping","parameters":{},"output_key":"r"}</action> Continuing.</thought><response final="true">Done:$r</response>`)
	script.SetChunkSize(2048)

	tool := &testAdapter{kind: "tool", fn: func(ctx context.Context, inv capability.Invocation) capability.Result {
		return capability.OK("pong")
	}}

	h := newHarness(t, nil, script, tool)
	res, err := h.run("ping")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := h.finish()

	if res.Answer != "Done:pong" {
		t.Fatalf("answer = %q", res.Answer)
	}

	firstThought := frameIndex(frames, func(f event.Frame) bool {
		c, ok := f.Payload.(event.ThoughtChunkEvent)
		return ok && strings.Contains(c.Text, "Planning.")
	})
	startP := frameIndex(frames, func(f event.Frame) bool {
		s, ok := f.Payload.(event.ActionStartEvent)
		return ok && s.ActionID == "p"
	})
	secondThought := frameIndex(frames, func(f event.Frame) bool {
		c, ok := f.Payload.(event.ThoughtChunkEvent)
		return ok && strings.Contains(c.Text, "Continuing.")
	})
	doneP := frameIndex(frames, func(f event.Frame) bool {
		c, ok := f.Payload.(event.ActionCompleteEvent)
		return ok && c.ActionID == "p"
	})
	respAt := frameIndex(frames, func(f event.Frame) bool {
		c, ok := f.Payload.(event.ResponseChunkEvent)
		return ok && c.Text == "Done:pong"
	})

	if firstThought == -1 || startP == -1 || secondThought == -1 || doneP == -1 || respAt == -1 {
		t.Fatalf("missing frames: thought=%d start=%d thought2=%d done=%d resp=%d",
			firstThought, startP, secondThought, doneP, respAt)
	}
	if !(firstThought < startP && startP < secondThought && secondThought < doneP && doneP < respAt) {
		t.Errorf("frame order wrong: thought=%d start=%d thought2=%d done=%d resp=%d",
			firstThought, startP, secondThought, doneP, respAt)
	}
	if start, ok := frames[startP].Payload.(event.ActionStartEvent); !ok || !start.InThought {
		t.Error("action-start must record that the action was declared inside a thought")
	}
}

func TestNonTerminatingResponseSameStream(t *testing.T) {
	script := llm.NewScriptedClient(`<response final="false">partial</response><action type="tool" mode="sync" id="q">{"name":"work","parameters":{}}</action><response final="true">complete</response>`)

	var worked atomic.Int32
	tool := &testAdapter{kind: "tool", fn: func(ctx context.Context, inv capability.Invocation) capability.Result {
		worked.Add(1)
		return capability.OK(nil)
	}}

	h := newHarness(t, nil, script, tool)
	res, err := h.run("go")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := h.finish()

	if h.client.Calls() != 1 {
		t.Errorf("llm calls = %d, a final response in the same stream must not trigger another iteration", h.client.Calls())
	}
	if worked.Load() != 1 {
		t.Errorf("work invocations = %d", worked.Load())
	}
	chunks := responseChunks(frames)
	if len(chunks) != 2 || chunks[0].Text != "partial" || chunks[0].Final || chunks[1].Text != "complete" || !chunks[1].Final {
		t.Errorf("response chunks = %+v", chunks)
	}
	if res.Answer != "complete" || res.Status != "done" {
		t.Errorf("result = %+v", res)
	}
}

func TestTriggerSpawnedWorkflow(t *testing.T) {
	agent := &config.AgentConfig{
		Name:    "test",
		Persona: "You are a test agent.",
		Metadata: []config.FieldSpec{
			{Name: "status", Type: config.FieldEnum, Values: []any{"IDLE", "CODING"}, Default: "IDLE"},
		},
		Workflows: []config.WorkflowSpec{
			{Name: "doc_update", Trigger: &config.TriggerSpec{Conditions: map[string]any{"status": "CODING"}}},
		},
	}
	script := llm.NewScriptedClient(`<metadata>{"status":"CODING"}</metadata><response final="true">ok</response>`)

	var mu sync.Mutex
	var spawned []capability.Invocation
	wf := &testAdapter{kind: "workflow", fn: func(ctx context.Context, inv capability.Invocation) capability.Result {
		mu.Lock()
		spawned = append(spawned, inv)
		mu.Unlock()
		return capability.OK("queued")
	}}

	h := newHarness(t, agent, script, wf)
	res, err := h.run("start coding")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := h.finish()

	if res.Answer != "ok" {
		t.Fatalf("answer = %q", res.Answer)
	}
	metaAt := frameIndex(frames, func(f event.Frame) bool {
		m, ok := f.Payload.(event.MetadataUpdateEvent)
		return ok && m.Applied["status"] == "CODING"
	})
	if metaAt == -1 {
		t.Fatal("missing metadata-update frame")
	}
	startAt := frameIndex(frames, func(f event.Frame) bool {
		s, ok := f.Payload.(event.ActionStartEvent)
		return ok && s.Name == "doc_update" && s.Mode == "fire_and_forget"
	})
	if startAt == -1 {
		t.Fatal("missing fire_and_forget dispatch of doc_update")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(spawned) != 1 || spawned[0].Name != "doc_update" {
		t.Fatalf("spawned = %+v", spawned)
	}
	snap, ok := spawned[0].Parameters["metadata"].(map[string]any)
	if !ok || snap["status"] != "CODING" {
		t.Errorf("workflow parameters must carry the metadata snapshot, got %v", spawned[0].Parameters)
	}
}

func TestDagCycleAbortsIteration(t *testing.T) {
	script := llm.NewScriptedClient(
		`<action type="tool" mode="async" id="a">{"name":"one","parameters":{},"depends_on":["b"]}</action><action type="tool" mode="async" id="b">{"name":"two","parameters":{},"depends_on":["a"]}</action>`,
		`<response final="true">recovered</response>`,
	)

	var invoked atomic.Int32
	tool := &testAdapter{kind: "tool", fn: func(ctx context.Context, inv capability.Invocation) capability.Result {
		invoked.Add(1)
		return capability.OK(nil)
	}}

	h := newHarness(t, nil, script, tool)
	res, err := h.run("loop")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := h.finish()

	if invoked.Load() != 0 {
		t.Errorf("cycle members were invoked %d times, want 0", invoked.Load())
	}
	cycleAt := frameIndex(frames, func(f event.Frame) bool {
		ie, ok := f.Payload.(event.IterationErrorEvent)
		return ok && ie.Reason == "cycle"
	})
	if cycleAt == -1 {
		t.Error("missing iteration-error frame with reason cycle")
	}
	if res.Status != "done" || res.Answer != "recovered" || h.client.Calls() != 2 {
		t.Errorf("session must continue past a cycle: %+v, calls=%d", res, h.client.Calls())
	}
	assertContiguousSeq(t, frames)
}

func TestForwardReferenceRejectedAsCycle(t *testing.T) {
	script := llm.NewScriptedClient(
		`<action type="tool" mode="async" id="c">{"name":"use","parameters":{"v":"$later"},"timeout":0.05}</action><action type="tool" mode="async" id="d">{"name":"produce","parameters":{},"output_key":"later"}</action>`,
		`<response final="true">moved on</response>`,
	)

	var produced atomic.Int32
	tool := &testAdapter{kind: "tool", fn: func(ctx context.Context, inv capability.Invocation) capability.Result {
		if inv.Name == "produce" {
			produced.Add(1)
		}
		return capability.OK(nil)
	}}

	h := newHarness(t, nil, script, tool)
	res, err := h.run("forward")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := h.finish()

	if frameIndex(frames, func(f event.Frame) bool {
		ie, ok := f.Payload.(event.IterationErrorEvent)
		return ok && ie.Reason == "cycle"
	}) == -1 {
		t.Error("a reference to a later producer must be rejected as a cycle")
	}
	if produced.Load() != 0 {
		t.Error("the late producer must not dispatch")
	}
	if res.Status != "done" {
		t.Errorf("result = %+v", res)
	}
}

func TestIterationCapSynthesizesFinal(t *testing.T) {
	agent := &config.AgentConfig{Name: "test", Persona: "You are a test agent.", IterationCap: 1}
	script := llm.NewScriptedClient(`<response final="false">thinking</response>`)

	h := newHarness(t, agent, script)
	res, err := h.run("never done")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := h.finish()

	if h.client.Calls() != 1 {
		t.Errorf("llm calls = %d, cap 1 allows exactly one iteration", h.client.Calls())
	}
	codes := softCodes(frames)
	if codes[event.CodeIterationCap] == 0 {
		t.Error("missing iteration_cap_exceeded soft error")
	}
	if frameIndex(frames, func(f event.Frame) bool {
		ie, ok := f.Payload.(event.IterationErrorEvent)
		return ok && ie.Reason == "cap"
	}) == -1 {
		t.Error("missing iteration-error frame with reason cap")
	}
	chunks := responseChunks(frames)
	last := chunks[len(chunks)-1]
	if !last.Final || last.Text != "thinking" {
		t.Errorf("synthetic final = %+v, want the last partial content", last)
	}
	if res.Answer != "thinking" || res.Status != "done" {
		t.Errorf("result = %+v", res)
	}
}

func TestZeroActionsTerminatesOnFinal(t *testing.T) {
	script := llm.NewScriptedClient(`<response final="true">hi</response>`)
	h := newHarness(t, nil, script)
	res, err := h.run("hello")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := h.finish()

	if res.Answer != "hi" || res.Iterations != 1 {
		t.Errorf("result = %+v", res)
	}
	if frameIndex(frames, func(f event.Frame) bool {
		_, ok := f.Payload.(event.ActionStartEvent)
		return ok
	}) != -1 {
		t.Error("no actions were declared, none should start")
	}
	assertContiguousSeq(t, frames)
}

func TestUnresolvedResponseRefFlushesPlaceholder(t *testing.T) {
	script := llm.NewScriptedClient(`<response final="true">Answer: $ghost</response>`)
	h := newHarness(t, nil, script)
	res, err := h.run("ghost")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := h.finish()

	if res.Answer != "Answer: [unavailable: $ghost]" {
		t.Errorf("answer = %q", res.Answer)
	}
	if softCodes(frames)[event.CodeUnresolvedRef] == 0 {
		t.Error("missing unresolved_reference soft error")
	}
}

func TestDuplicateOutputKeyAcrossIterations(t *testing.T) {
	script := llm.NewScriptedClient(
		`<action type="tool" mode="sync" id="w1">{"name":"emit","parameters":{},"output_key":"k"}</action><response final="false">first</response>`,
		`<action type="tool" mode="sync" id="w2">{"name":"emit","parameters":{},"output_key":"k"}</action><response final="true">got $k</response>`,
	)

	var calls atomic.Int32
	tool := &testAdapter{kind: "tool", fn: func(ctx context.Context, inv capability.Invocation) capability.Result {
		return capability.OK(fmt.Sprintf("v%d", calls.Add(1)))
	}}

	h := newHarness(t, nil, script, tool)
	res, err := h.run("dup")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := h.finish()

	if softCodes(frames)[event.CodeDuplicateKey] == 0 {
		t.Error("second write to k must report duplicate_output_key")
	}
	if res.Answer != "got v1" {
		t.Errorf("answer = %q, the first write must win", res.Answer)
	}
	assertOneTerminalPerAction(t, frames)
}

func TestFailedKeyReboundNextIteration(t *testing.T) {
	script := llm.NewScriptedClient(
		`<action type="tool" mode="sync" id="f1">{"name":"flaky","parameters":{},"output_key":"k"}</action><response final="false">trying</response>`,
		`<action type="tool" mode="sync" id="f2">{"name":"steady","parameters":{},"output_key":"k"}</action><response final="true">value: $k</response>`,
	)

	tool := &testAdapter{kind: "tool", fn: func(ctx context.Context, inv capability.Invocation) capability.Result {
		if inv.Name == "flaky" {
			return capability.Fail(false, "boom")
		}
		return capability.OK("recovered")
	}}

	h := newHarness(t, nil, script, tool)
	res, err := h.run("retry the key")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := h.finish()

	if res.Answer != "value: recovered" {
		t.Errorf("answer = %q, iteration two's producer must bind k", res.Answer)
	}
	codes := softCodes(frames)
	if codes[event.CodeVariableErrored] != 0 {
		t.Error("stale failure mark from iteration one leaked into iteration two")
	}
	if codes[event.CodeDuplicateKey] != 0 {
		t.Error("rebinding a never-bound key must not count as a duplicate write")
	}
	assertOneTerminalPerAction(t, frames)
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	script := llm.NewScriptedClient(`<action type="tool" mode="sync" id="s">{"name":"slow","parameters":{}}</action><response final="true">done</response>`)

	started := make(chan struct{})
	release := make(chan struct{})
	tool := &testAdapter{kind: "tool", fn: func(ctx context.Context, inv capability.Invocation) capability.Result {
		close(started)
		<-release
		return capability.OK(nil)
	}}

	h := newHarness(t, nil, script, tool)
	errCh := make(chan error, 1)
	go func() {
		_, err := h.eng.Run(context.Background(), "first")
		errCh <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("first run never dispatched its action")
	}
	if _, err := h.eng.Run(context.Background(), "second"); err != ErrBusy {
		close(release)
		t.Fatalf("concurrent Run returned %v, want ErrBusy", err)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first run: %v", err)
	}
	h.finish()
}

func TestSessionCancelCancelsActions(t *testing.T) {
	script := llm.NewScriptedClient(`<action type="tool" mode="sync" id="s">{"name":"block","parameters":{}}</action>`)

	started := make(chan struct{})
	tool := &testAdapter{kind: "tool", fn: func(ctx context.Context, inv capability.Invocation) capability.Result {
		close(started)
		<-ctx.Done()
		return capability.FromError(ctx.Err())
	}}

	h := newHarness(t, nil, script, tool)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := h.eng.Run(ctx, "block")
	frames := h.finish()

	if err == nil || res.Status != "cancelled" {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if frameIndex(frames, func(f event.Frame) bool {
		c, ok := f.Payload.(event.ActionCompleteEvent)
		return ok && c.ActionID == "s" && c.Status == event.StatusCancelled
	}) == -1 {
		t.Error("in-flight action must complete as cancelled")
	}
	if frameIndex(frames, func(f event.Frame) bool {
		se, ok := f.Payload.(event.SessionEndEvent)
		return ok && se.Status == "cancelled"
	}) == -1 {
		t.Error("missing cancelled session-end frame")
	}
}

func TestLLMFailureIsSessionFatal(t *testing.T) {
	script := llm.NewScriptedClient()
	script.AddError(errors.New("backend down"))

	h := newHarness(t, nil, script)
	res, err := h.run("hello")
	frames := h.finish()

	if err == nil || res.Status != "error" {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	endAt := frameIndex(frames, func(f event.Frame) bool {
		se, ok := f.Payload.(event.SessionEndEvent)
		return ok && se.Status == "error" && strings.Contains(se.Reason, "backend down")
	})
	if endAt == -1 {
		t.Error("missing error session-end frame")
	}
}

func TestDetachedActionIgnoresDeclaredKeyAndDeps(t *testing.T) {
	script := llm.NewScriptedClient(`<action type="tool" mode="fire_and_forget" id="f">{"name":"log","parameters":{},"output_key":"nope","depends_on":["x"]}</action><response final="true">ok</response>`)

	tool := &testAdapter{kind: "tool", fn: func(ctx context.Context, inv capability.Invocation) capability.Result {
		return capability.OK("logged")
	}}

	h := newHarness(t, nil, script, tool)
	res, err := h.run("fnf")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	frames := h.finish()

	codes := softCodes(frames)
	if codes[event.CodeDetachedOutput] == 0 || codes[event.CodeDetachedDeps] == 0 {
		t.Errorf("soft errors = %v, want detached_output_key and detached_depends_on", codes)
	}
	if h.vars.Contains("nope") {
		t.Error("a detached action must never bind a variable")
	}
	if res.Answer != "ok" {
		t.Errorf("answer = %q", res.Answer)
	}
}
