package rtype_test

import (
	"crypto/md5"
	"strings"
	"testing"

	"github.com/gordian-engine/rtps/rcache"
	"github.com/gordian-engine/rtps/rtype"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	t.Parallel()

	var ts rtype.TypeSupport[string] = rtype.String{}
	b, err := ts.Serialize([]byte("x:"), "msg0")
	require.NoError(t, err)
	require.Equal(t, "x:msg0", string(b))

	var out string
	require.NoError(t, ts.Deserialize(b[2:], &out))
	require.Equal(t, "msg0", out)

	_, ok := ts.Key("msg0")
	require.False(t, ok)
}

func TestBytes_deserializeDoesNotAlias(t *testing.T) {
	t.Parallel()

	var ts rtype.TypeSupport[[]byte] = rtype.Bytes{}
	src := []byte{1, 2, 3}
	var out []byte
	require.NoError(t, ts.Deserialize(src, &out))
	src[0] = 9
	require.Equal(t, []byte{1, 2, 3}, out)
}

func TestKeyed(t *testing.T) {
	t.Parallel()

	ts := rtype.Keyed[string]{
		TypeSupport: rtype.String{},
		KeyBytes: func(v string) []byte {
			name, _, _ := strings.Cut(v, "=")
			return []byte(name)
		},
	}

	h1, ok := ts.Key("temp=20")
	require.True(t, ok)
	h2, _ := ts.Key("temp=21")
	require.Equal(t, h1, h2)
	require.Equal(t, rcache.InstanceHandle{'t', 'e', 'm', 'p'}, h1)

	h3, _ := ts.Key("humidity=40")
	require.NotEqual(t, h1, h3)

	// Serialization is still delegated.
	b, err := ts.Serialize(nil, "temp=20")
	require.NoError(t, err)
	require.Equal(t, "temp=20", string(b))
}

func TestKeyHash_longKeysAreDigested(t *testing.T) {
	t.Parallel()

	long := []byte(strings.Repeat("k", 17))
	require.Equal(t, rcache.InstanceHandle(md5.Sum(long)), rtype.KeyHash(long))
	require.True(t, rtype.KeyHash(nil).IsNil())
}
