package agent

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/conductor/pkg/models"
)

// EventSink receives agent events during a run.
// Implementations must be safe to call from multiple goroutines.
type EventSink interface {
	Emit(ctx context.Context, e models.AgentEvent)
}

// ChanSink sends events to a channel. Droppable events are discarded when
// the channel is full; every other event waits for room or cancellation.
type ChanSink struct {
	ch chan<- models.AgentEvent
}

// NewChanSink creates a sink that sends to a channel.
// The channel should be buffered to avoid blocking.
func NewChanSink(ch chan<- models.AgentEvent) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends the event to the channel.
func (s *ChanSink) Emit(ctx context.Context, e models.AgentEvent) {
	if e.Type.Droppable() {
		select {
		case s.ch <- e:
		default:
		}
		return
	}
	select {
	case s.ch <- e:
	case <-ctx.Done():
		// Terminal events are still attempted once after cancellation.
		select {
		case s.ch <- e:
		default:
		}
	}
}

// MultiSink fans out events to multiple sinks.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink creates a sink that dispatches events to multiple sinks.
// Nil sinks are filtered out.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches the event to all sinks in order.
func (s *MultiSink) Emit(ctx context.Context, e models.AgentEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink wraps a function as an EventSink.
type CallbackSink struct {
	fn func(ctx context.Context, e models.AgentEvent)
}

// NewCallbackSink creates a sink that calls fn for each event.
func NewCallbackSink(fn func(ctx context.Context, e models.AgentEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(ctx context.Context, e models.AgentEvent) {}

// BackpressureConfig configures the backpressure sink buffer sizes for
// high-priority and low-priority event lanes.
type BackpressureConfig struct {
	// HighPriBuffer is the buffer size for non-droppable events.
	// Default: 32.
	HighPriBuffer int

	// LowPriBuffer is the buffer size for droppable events.
	// Default: 256.
	LowPriBuffer int

	// OnDrop is called once for every dropped event. Optional.
	OnDrop func(models.AgentEvent)
}

// DefaultBackpressureConfig returns the default lane sizes.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		HighPriBuffer: 32,
		LowPriBuffer:  256,
	}
}

// BackpressureSink implements two-lane backpressure for event streaming.
// Tokens, lifecycle, approval and error events are never dropped; tool
// progress is dropped when the consumer lags. Progress for a call whose
// completion was already delivered is dropped as stale, so a consumer
// never sees progress after a tool.completed for the same call.
type BackpressureSink struct {
	highPri chan models.AgentEvent
	lowPri  chan models.AgentEvent
	merged  chan models.AgentEvent
	onDrop  func(models.AgentEvent)
	dropped atomic.Uint64

	// mu guards the lanes against close while an Emit is sending.
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewBackpressureSink creates a backpressure-aware sink and returns the
// merged output channel, which the caller must drain.
func NewBackpressureSink(config BackpressureConfig) (*BackpressureSink, <-chan models.AgentEvent) {
	if config.HighPriBuffer <= 0 {
		config.HighPriBuffer = 32
	}
	if config.LowPriBuffer <= 0 {
		config.LowPriBuffer = 256
	}

	s := &BackpressureSink{
		highPri: make(chan models.AgentEvent, config.HighPriBuffer),
		lowPri:  make(chan models.AgentEvent, config.LowPriBuffer),
		merged:  make(chan models.AgentEvent, config.HighPriBuffer),
		onDrop:  config.OnDrop,
		done:    make(chan struct{}),
	}

	go s.mergeLoop()

	return s, s.merged
}

// mergeLoop forwards both lanes, preferring the high-priority lane.
func (s *BackpressureSink) mergeLoop() {
	defer close(s.merged)
	completed := make(map[string]struct{})

	for {
		select {
		case e, ok := <-s.highPri:
			if !ok {
				s.drainLow(completed)
				return
			}
			s.forward(e, completed)
			continue
		default:
		}

		select {
		case e, ok := <-s.highPri:
			if !ok {
				s.drainLow(completed)
				return
			}
			s.forward(e, completed)
		case e, ok := <-s.lowPri:
			if ok {
				s.forward(e, completed)
			}
		}
	}
}

func (s *BackpressureSink) forward(e models.AgentEvent, completed map[string]struct{}) {
	if e.Tool != nil {
		switch e.Type {
		case models.AgentEventToolCompleted:
			completed[e.Tool.CallID] = struct{}{}
		case models.AgentEventToolProgress:
			if _, stale := completed[e.Tool.CallID]; stale {
				s.drop(e)
				return
			}
		}
	}
	s.merged <- e
}

func (s *BackpressureSink) drainLow(completed map[string]struct{}) {
	for e := range s.lowPri {
		s.forward(e, completed)
	}
}

// Emit sends an event through the lane matching its type.
// Returns immediately if the sink is closed.
func (s *BackpressureSink) Emit(ctx context.Context, e models.AgentEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	if e.Type.Droppable() {
		select {
		case s.lowPri <- e:
		default:
			s.drop(e)
		}
		return
	}
	select {
	case s.highPri <- e:
	case <-s.done:
		s.drop(e)
	case <-ctx.Done():
		select {
		case s.highPri <- e:
		default:
			s.drop(e)
		}
	}
}

func (s *BackpressureSink) drop(e models.AgentEvent) {
	s.dropped.Add(1)
	if s.onDrop != nil {
		s.onDrop(e)
	}
}

// DroppedCount returns the number of events dropped so far.
func (s *BackpressureSink) DroppedCount() uint64 {
	return s.dropped.Load()
}

// Close stops the sink. An Emit blocked on a full lane gives up and drops
// its event. The merged channel is closed once both lanes drain.
func (s *BackpressureSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.highPri)
		close(s.lowPri)
		s.mu.Unlock()
	})
}
