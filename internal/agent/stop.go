package agent

import "sync"

// StopSignal is a cooperative stop request. Strategies check it between
// phases and the engine checks it before each dispatch; calls already in
// flight run to completion.
type StopSignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewStopSignal creates an unset signal.
func NewStopSignal() *StopSignal {
	return &StopSignal{ch: make(chan struct{})}
}

// Stop sets the signal. Safe to call more than once.
func (s *StopSignal) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.ch) })
}

// Stopped reports whether Stop was called.
func (s *StopSignal) Stopped() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed by Stop.
func (s *StopSignal) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.ch
}
