package rid_test

import (
	"testing"

	"github.com/gordian-engine/rtps/rid"
	"github.com/stretchr/testify/require"
)

func TestEntityID_kinds(t *testing.T) {
	t.Parallel()

	w := rid.NewEntityID(7, rid.EntityKindWriterWithKey)
	require.True(t, w.IsWriter())
	require.False(t, w.IsReader())
	require.True(t, w.IsKeyed())
	require.Equal(t, uint32(7), w.Key())

	r := rid.NewEntityID(8, rid.EntityKindReaderNoKey)
	require.True(t, r.IsReader())
	require.False(t, r.IsKeyed())

	require.Panics(t, func() {
		_ = rid.NewEntityID(1<<24, rid.EntityKindReaderNoKey)
	})
}

func TestGUID_binaryRoundTrip(t *testing.T) {
	t.Parallel()

	g := rid.GUID{
		Prefix: rid.NewGUIDPrefix(),
		Entity: rid.NewEntityID(3, rid.EntityKindWriterNoKey),
	}
	b := g.AppendBinary(nil)
	require.Len(t, b, rid.GUIDLen)
	require.Equal(t, g, rid.GUIDFromBytes(b))
}

func TestGUID_Compare(t *testing.T) {
	t.Parallel()

	p := rid.NewGUIDPrefix()
	a := rid.GUID{Prefix: p, Entity: 1}
	b := rid.GUID{Prefix: p, Entity: 2}

	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Zero(t, a.Compare(a))
	require.True(t, rid.GUID{}.IsUnknown())
}
