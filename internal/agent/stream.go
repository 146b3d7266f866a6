package agent

import (
	"context"
	"sync"
)

// TokenStreamer frames one streamed model response as token events.
// The first emitted token carries IsFirst and Close always emits exactly
// one IsLast token, even when nothing was streamed or generation failed,
// so a client can always detect the end of a response.
type TokenStreamer struct {
	emitter *EventEmitter

	mu      sync.Mutex
	sentAny bool
	closed  bool
}

// NewTokenStreamer creates a streamer bound to an emitter.
func NewTokenStreamer(emitter *EventEmitter) *TokenStreamer {
	return &TokenStreamer{emitter: emitter}
}

// Write emits one text chunk. Empty chunks and writes after Close are
// ignored.
func (s *TokenStreamer) Write(ctx context.Context, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.emitter.Token(ctx, text, !s.sentAny, false)
	s.sentAny = true
}

// Close emits the final boundary token. Only the first call has effect.
func (s *TokenStreamer) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.emitter.Token(ctx, "", !s.sentAny, true)
}

// Sent reports whether any text chunk was emitted.
func (s *TokenStreamer) Sent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentAny
}

// StreamText emits text as one complete framed response.
func StreamText(ctx context.Context, emitter *EventEmitter, text string) {
	s := NewTokenStreamer(emitter)
	s.Write(ctx, text)
	s.Close(ctx)
}
