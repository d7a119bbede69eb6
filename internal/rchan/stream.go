package rchan

import "context"

// Stream is a linked list of published values
// with a single publisher and any number of observers,
// each walking the list at its own pace.
//
// An observer holding an old node keeps every later node reachable,
// so observers must keep advancing or drop their reference.
type Stream[T any] struct {
	Ready chan struct{}
	Next  *Stream[T]
	Val   T
}

// NewStream returns an unpublished stream head.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{Ready: make(chan struct{})}
}

// Publish sets s.Val, allocates s.Next, and closes s.Ready.
// Publishing the same node twice panics.
func (s *Stream[T]) Publish(v T) {
	s.Val = v
	s.Next = NewStream[T]()
	close(s.Ready)
}

// Wait blocks until s is published or ctx is done.
func (s *Stream[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.Ready:
		return s.Val, nil
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	}
}
