package rchan_test

import (
	"context"
	"testing"

	"github.com/gordian-engine/rtps/internal/rchan"
	"github.com/gordian-engine/rtps/internal/rtest"
	"github.com/stretchr/testify/require"
)

func TestStream_Publish_panicsOnCalledTwice(t *testing.T) {
	t.Parallel()

	s := rchan.NewStream[int]()
	s.Publish(1)

	require.Panics(t, func() {
		s.Publish(1)
	})
}

func TestStream_walk(t *testing.T) {
	t.Parallel()

	head := rchan.NewStream[int]()
	rtest.NotSending(t, head.Ready)

	s := head
	for i := range 3 {
		s.Publish(i)
		s = s.Next
	}

	s = head
	for i := range 3 {
		rtest.IsSending(t, s.Ready)
		require.Equal(t, i, s.Val)
		s = s.Next
	}
	rtest.NotSending(t, s.Ready)
}

func TestStream_Wait(t *testing.T) {
	t.Parallel()

	s := rchan.NewStream[string]()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	s.Publish("x")
	v, err := s.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "x", v)
}
