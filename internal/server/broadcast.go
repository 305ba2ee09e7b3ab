package server

import (
	"context"
	"sync"

	"cortex/internal/async"
	"cortex/internal/config"
	"cortex/internal/engine/event"
	"cortex/internal/logging"
	"cortex/internal/observability"
)

// defaultSubscriberBuffer is the per-subscriber channel capacity. A consumer
// that falls this far behind starts losing frames and recovers via replay.
const defaultSubscriberBuffer = 128

// BroadcastOptions configures the broadcaster for one session.
type BroadcastOptions struct {
	SessionID string
	Agent     string

	// ReplaySize bounds the replay ring; older frames are discarded.
	ReplaySize int
	// SubscriberBuffer overrides the per-subscriber channel capacity.
	SubscriberBuffer int

	Logger logging.Logger
	Obs    *observability.Observability

	// OnClose fires once after the session stream ends and every
	// subscriber channel has been closed.
	OnClose func()
}

// Broadcaster is the single consumer of a session's event stream. It fans
// frames out to SSE and websocket subscribers, keeps a bounded replay ring
// for reconnects, and drives the frame-derived metrics and spans. Everything
// downstream of the engine sees frames only through it.
type Broadcaster struct {
	sessionID string
	logger    logging.Logger

	engMetrics *observability.EngineMetrics
	runMetrics *observability.Metrics
	spans      *observability.FrameTracer

	subBuffer int

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	ring    []event.Frame
	ringCap int
	lastSeq uint64
	done    bool

	onClose func()
}

type subscriber struct {
	ch chan event.Frame
}

// NewBroadcaster builds a broadcaster; Start attaches it to a frame channel.
func NewBroadcaster(opts BroadcastOptions) *Broadcaster {
	ringCap := opts.ReplaySize
	if ringCap <= 0 {
		ringCap = config.DefaultReplayBuffer
	}
	subBuffer := opts.SubscriberBuffer
	if subBuffer <= 0 {
		subBuffer = defaultSubscriberBuffer
	}

	b := &Broadcaster{
		sessionID: opts.SessionID,
		logger:    logging.OrNop(opts.Logger),
		subBuffer: subBuffer,
		subs:      make(map[*subscriber]struct{}),
		ring:      make([]event.Frame, 0, ringCap),
		ringCap:   ringCap,
		onClose:   opts.OnClose,
	}
	if opts.Obs != nil {
		b.engMetrics = opts.Obs.Engine
		b.runMetrics = opts.Obs.Metrics
		if opts.Obs.Tracer != nil {
			b.spans = observability.NewFrameTracer(opts.Obs.Tracer, opts.SessionID, opts.Agent)
		}
	}
	return b
}

// Start launches the pump goroutine. It runs until frames is closed, which
// happens when the session is terminated.
func (b *Broadcaster) Start(frames <-chan event.Frame) {
	async.Go(b.logger, "broadcast."+b.sessionID, func() {
		for f := range frames {
			b.observe(f)
			b.publish(f)
		}
		b.finish()
	})
}

// observe drives the frame-derived telemetry. The pump is a single goroutine
// consuming an ordered stream, which is exactly what the observers require.
func (b *Broadcaster) observe(f event.Frame) {
	b.engMetrics.ObserveFrame(f)
	if b.spans != nil {
		b.spans.Observe(f)
	}
	if end, ok := f.Payload.(event.SessionEndEvent); ok {
		b.runMetrics.RecordRunEnd(context.Background(), end.Status)
	}
}

func (b *Broadcaster) publish(f event.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring = append(b.ring, f)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}
	b.lastSeq = f.Seq

	for sub := range b.subs {
		select {
		case sub.ch <- f:
		default:
			if critical(f) && b.forceDeliver(sub, f) {
				continue
			}
			b.logger.Warn("Subscriber buffer full for session %s, dropping frame %d (%s)", b.sessionID, f.Seq, f.Type)
			b.engMetrics.RecordDroppedFrame()
		}
	}
}

// critical frames must reach every subscriber even at the cost of older ones.
func critical(f event.Frame) bool {
	return f.Type == event.TypeSessionEnd || f.Type == event.TypeIterationError
}

// forceDeliver retries a critical frame, evicting the subscriber's oldest
// buffered frame if that is what it takes. The evicted frame stays reachable
// through replay.
func (b *Broadcaster) forceDeliver(sub *subscriber, f event.Frame) bool {
	select {
	case sub.ch <- f:
		return true
	default:
	}

	select {
	case <-sub.ch:
	default:
		return false
	}

	select {
	case sub.ch <- f:
		b.logger.Warn("Subscriber saturated for session %s; dropped oldest frame to deliver %s", b.sessionID, f.Type)
		b.engMetrics.RecordDroppedFrame()
		return true
	default:
		return false
	}
}

// finish closes every subscriber channel and fires OnClose. Subscribe keeps
// serving the replay ring afterwards.
func (b *Broadcaster) finish() {
	b.mu.Lock()
	b.done = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
		b.engMetrics.SubscriberDisconnected()
	}
	b.mu.Unlock()

	if b.onClose != nil {
		b.onClose()
	}
}

// Subscribe registers a consumer. Frames already in the replay ring with
// Seq > after are returned eagerly; later frames arrive on the channel, with
// no gap or duplication between the two. On a finished session the channel
// comes back already closed. cancel is idempotent and must be called when
// the consumer goes away.
func (b *Broadcaster) Subscribe(after uint64) (replay []event.Frame, frames <-chan event.Frame, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, f := range b.ring {
		if f.Seq > after {
			replay = append(replay, f)
		}
	}

	if b.done {
		closed := make(chan event.Frame)
		close(closed)
		return replay, closed, func() {}
	}

	sub := &subscriber{ch: make(chan event.Frame, b.subBuffer)}
	b.subs[sub] = struct{}{}
	b.engMetrics.SubscriberConnected()

	cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; !ok {
			return
		}
		delete(b.subs, sub)
		close(sub.ch)
		b.engMetrics.SubscriberDisconnected()
	}
	return replay, sub.ch, cancel
}

// LastSeq returns the newest sequence number seen by the pump.
func (b *Broadcaster) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

// Done reports whether the session stream has ended.
func (b *Broadcaster) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}
