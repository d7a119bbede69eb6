package rchan_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gordian-engine/rtps/internal/rchan"
	"github.com/gordian-engine/rtps/internal/rtest"
	"github.com/stretchr/testify/require"
)

func TestSignal_Broadcast(t *testing.T) {
	t.Parallel()

	s := rchan.NewSignal()
	ch := s.C()
	rtest.NotSending(t, ch)

	s.Broadcast()
	rtest.IsSending(t, ch)

	// New generation is not yet closed.
	rtest.NotSending(t, s.C())
}

func TestWaitUntil(t *testing.T) {
	t.Parallel()

	t.Run("returns immediately when check already true", func(t *testing.T) {
		t.Parallel()

		var mu sync.Mutex
		s := rchan.NewSignal()

		mu.Lock()
		defer mu.Unlock()
		require.NoError(t, rchan.WaitUntil(context.Background(), &mu, s, func() bool {
			return true
		}))
	})

	t.Run("wakes after broadcast", func(t *testing.T) {
		t.Parallel()

		var mu sync.Mutex
		s := rchan.NewSignal()
		ready := false

		done := make(chan error, 1)
		go func() {
			mu.Lock()
			defer mu.Unlock()
			done <- rchan.WaitUntil(context.Background(), &mu, s, func() bool {
				return ready
			})
		}()

		// Give the waiter a chance to block.
		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		ready = true
		mu.Unlock()
		s.Broadcast()

		require.NoError(t, rtest.ReceiveSoon(t, done))
	})

	t.Run("returns context cause on timeout", func(t *testing.T) {
		t.Parallel()

		var mu sync.Mutex
		s := rchan.NewSignal()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		mu.Lock()
		err := rchan.WaitUntil(ctx, &mu, s, func() bool { return false })
		mu.Unlock()

		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
