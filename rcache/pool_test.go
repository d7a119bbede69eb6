package rcache_test

import (
	"testing"

	"github.com/gordian-engine/rtps/rcache"
	"github.com/stretchr/testify/require"
)

func TestPool_fixed(t *testing.T) {
	t.Parallel()

	p := rcache.NewPool(2, 8)
	require.Equal(t, 2, p.Capacity())

	a, err := p.Reserve(4)
	require.NoError(t, err)
	require.Len(t, a.Payload, 4)
	require.Equal(t, 0, a.Slot())

	b, err := p.Reserve(8)
	require.NoError(t, err)
	require.Equal(t, 1, b.Slot())

	_, err = p.Reserve(1)
	require.ErrorIs(t, err, rcache.ErrPoolExhausted)

	p.Release(a)
	require.Equal(t, 1, p.Available())

	c, err := p.Reserve(2)
	require.NoError(t, err)
	require.Equal(t, 0, c.Slot(), "released slot is reused")
	require.False(t, c.IsRead)

	_, err = p.Reserve(9)
	require.ErrorIs(t, err, rcache.ErrPayloadTooLarge)
}

func TestPool_growable(t *testing.T) {
	t.Parallel()

	p := rcache.NewPool(0, 0)
	require.Equal(t, -1, p.Available())

	var cs []*rcache.Change
	for range 10 {
		c, err := p.Reserve(3)
		require.NoError(t, err)
		cs = append(cs, c)
	}
	require.Equal(t, 10, p.Reserved())

	// Pointers stay valid while the pool grows.
	cs[0].Payload[0] = 7
	require.Equal(t, byte(7), cs[0].Payload[0])

	for _, c := range cs {
		p.Release(c)
	}
	require.Zero(t, p.Reserved())
}

func TestPool_releaseTwicePanics(t *testing.T) {
	t.Parallel()

	p := rcache.NewPool(1, 0)
	c, err := p.Reserve(1)
	require.NoError(t, err)
	p.Release(c)

	require.Panics(t, func() {
		p.Release(c)
	})
}

func TestPool_Adopt(t *testing.T) {
	t.Parallel()

	p := rcache.NewPool(1, 0)
	c, err := p.Reserve(0)
	require.NoError(t, err)

	grown := append(c.Payload, "hello"...)
	require.NoError(t, p.Adopt(c, grown))
	require.Equal(t, "hello", string(c.Payload))
}
