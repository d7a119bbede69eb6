package rudp_test

import (
	"context"
	"testing"

	"github.com/gordian-engine/rtps/internal/rtest"
	"github.com/gordian-engine/rtps/rtransport"
	"github.com/gordian-engine/rtps/rtransport/rudp"
	"github.com/stretchr/testify/require"
)

func TestTransport_roundTrip(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := rtest.NewLogger(t)
	a, err := rudp.Listen(log.With("side", "a"), "127.0.0.1:0")
	require.NoError(t, err)
	b, err := rudp.Listen(log.With("side", "b"), "127.0.0.1:0")
	require.NoError(t, err)

	got := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx, rtransport.HandlerFunc(func(d []byte, src rtransport.Locator) {
			got <- string(d)
		}))
	}()
	go func() { _ = a.Run(ctx, rtransport.HandlerFunc(func([]byte, rtransport.Locator) {})) }()

	locs := b.LocalLocators()
	require.Len(t, locs, 1)
	require.Equal(t, rtransport.LocatorKindUDPv4, locs[0].Kind)

	require.NoError(t, a.Send(ctx, []byte("hello"), locs[0]))
	require.Equal(t, "hello", rtest.ReceiveSoon(t, got))

	cancel()
	require.NoError(t, rtest.ReceiveSoon(t, done))
}

func TestTransport_rejectsForeignLocator(t *testing.T) {
	t.Parallel()

	a, err := rudp.Listen(rtest.NewLogger(t), "127.0.0.1:0")
	require.NoError(t, err)

	err = a.Send(context.Background(), []byte("x"), rtransport.Locator{
		Kind: rtransport.LocatorKindMemory,
		Port: 1,
	})
	require.Error(t, err)
}
