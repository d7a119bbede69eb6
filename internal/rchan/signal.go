package rchan

import (
	"context"
	"sync"
)

// Signal is a broadcast notification that can be observed repeatedly.
// Each call to [*Signal.Broadcast] closes the channel
// returned by earlier calls to [*Signal.C] and starts a new generation.
//
// The zero value is not usable; create one with [NewSignal].
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal returns a ready to use Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// C returns the channel for the current generation.
// It is closed on the next call to Broadcast.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Broadcast wakes every goroutine waiting on a channel from C.
func (s *Signal) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}

// WaitUntil blocks until check returns true or ctx is done.
//
// The caller must hold l when calling WaitUntil, and l is held again on return.
// check is always evaluated with l held.
// Writers of the guarded state must call s.Broadcast after mutating it
// (holding l or not; the channel is captured under l so no wakeup is lost).
//
// If ctx finishes first, WaitUntil returns context.Cause(ctx).
func WaitUntil(ctx context.Context, l sync.Locker, s *Signal, check func() bool) error {
	for {
		if check() {
			return nil
		}

		ch := s.C()

		l.Unlock()
		select {
		case <-ch:
			l.Lock()
		case <-ctx.Done():
			l.Lock()
			// One last check, in case the state changed
			// at the same moment the context finished.
			if check() {
				return nil
			}
			return context.Cause(ctx)
		}
	}
}
