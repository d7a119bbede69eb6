package rhistory_test

import (
	"testing"

	"github.com/gordian-engine/rtps/rcache"
	"github.com/gordian-engine/rtps/rhistory"
	"github.com/gordian-engine/rtps/rid"
	"github.com/gordian-engine/rtps/rqos"
	"github.com/stretchr/testify/require"
)

var writerGUID = rid.GUID{
	Prefix: rid.GUIDPrefix{1, 2, 3},
	Entity: rid.NewEntityID(1, rid.EntityKindWriterNoKey),
}

func keepLast(depth int) rhistory.Config {
	return rhistory.Config{
		History: rqos.History{Kind: rqos.KeepLast, Depth: depth},
	}
}

func addPayload(t *testing.T, h *rhistory.WriterHistory, payload string) *rcache.Change {
	t.Helper()
	c, err := h.Reserve(len(payload))
	require.NoError(t, err)
	copy(c.Payload, payload)
	require.NoError(t, h.AddChange(c))
	return c
}

func TestWriterHistory_assignsSequenceNumbers(t *testing.T) {
	t.Parallel()

	h := rhistory.NewWriterHistory(writerGUID, keepLast(10), nil)
	for i := range 3 {
		c := addPayload(t, h, "x")
		require.Equal(t, rid.SequenceNumber(i+1), c.SequenceNumber)
		require.Equal(t, writerGUID, c.WriterGUID)
	}

	require.Equal(t, 3, h.Len())
	require.Equal(t, rid.SequenceNumber(1), h.SeqNumMin())
	require.Equal(t, rid.SequenceNumber(3), h.SeqNumMax())
}

func TestWriterHistory_nonMonotonicPanics(t *testing.T) {
	t.Parallel()

	h := rhistory.NewWriterHistory(writerGUID, keepLast(10), nil)
	addPayload(t, h, "a")
	addPayload(t, h, "b")

	c, err := h.Reserve(1)
	require.NoError(t, err)
	c.SequenceNumber = 2
	require.Panics(t, func() { _ = h.AddChange(c) })
}

func TestWriterHistory_keepLastEvictsOldest(t *testing.T) {
	t.Parallel()

	type removal struct {
		seq rid.SequenceNumber
		why rhistory.RemoveReason
	}
	var removed []removal
	h := rhistory.NewWriterHistory(writerGUID, keepLast(3), func(c *rcache.Change, why rhistory.RemoveReason) {
		removed = append(removed, removal{seq: c.SequenceNumber, why: why})
	})

	for range 5 {
		addPayload(t, h, "x")
	}

	require.Equal(t, 3, h.Len())
	require.Equal(t, rid.SequenceNumber(3), h.SeqNumMin())
	require.Equal(t, []removal{
		{seq: 1, why: rhistory.RemovedByDepth},
		{seq: 2, why: rhistory.RemovedByDepth},
	}, removed)
}

func TestWriterHistory_keepLastPerInstance(t *testing.T) {
	t.Parallel()

	cfg := keepLast(1)
	cfg.TopicKind = rqos.WithKey
	h := rhistory.NewWriterHistory(writerGUID, cfg, nil)

	a := rcache.InstanceHandle{1}
	b := rcache.InstanceHandle{2}
	for _, inst := range []rcache.InstanceHandle{a, b, a, b, a} {
		c, err := h.Reserve(0)
		require.NoError(t, err)
		c.Instance = inst
		require.NoError(t, h.AddChange(c))
	}

	// One per instance: seq 4 for b, seq 5 for a.
	var seqs []rid.SequenceNumber
	for c := range h.Changes() {
		seqs = append(seqs, c.SequenceNumber)
	}
	require.Equal(t, []rid.SequenceNumber{4, 5}, seqs)
	require.Equal(t, 2, h.Instances())
}

func TestWriterHistory_keepAllExhausted(t *testing.T) {
	t.Parallel()

	h := rhistory.NewWriterHistory(writerGUID, rhistory.Config{
		History:        rqos.History{Kind: rqos.KeepAll},
		ResourceLimits: rqos.ResourceLimits{MaxSamples: 2},
	}, nil)

	addPayload(t, h, "a")
	addPayload(t, h, "b")
	require.True(t, h.IsFull())

	c, err := h.Reserve(1)
	require.NoError(t, err)
	require.ErrorIs(t, h.AddChange(c), rhistory.ErrResourceExhausted)

	// Still reserved by us; the history is unchanged.
	require.Equal(t, 2, h.Len())
	blocker := h.Blocker(rcache.HandleNil)
	require.NotNil(t, blocker)
	require.Equal(t, rid.SequenceNumber(1), blocker.SequenceNumber)

	require.True(t, h.RemoveMinChange())
	require.NoError(t, h.AddChange(c))
	require.Equal(t, rid.SequenceNumber(3), c.SequenceNumber)
}

func TestWriterHistory_poolExhaustedIsResourceExhausted(t *testing.T) {
	t.Parallel()

	h := rhistory.NewWriterHistory(writerGUID, rhistory.Config{
		History:        rqos.History{Kind: rqos.KeepAll},
		ResourceLimits: rqos.ResourceLimits{MaxSamples: 1},
	}, nil)

	_, err := h.Reserve(1)
	require.NoError(t, err)
	_, err = h.Reserve(1)
	require.NoError(t, err)

	_, err = h.Reserve(1)
	require.ErrorIs(t, err, rhistory.ErrResourceExhausted)
}

func TestWriterHistory_removeChange(t *testing.T) {
	t.Parallel()

	h := rhistory.NewWriterHistory(writerGUID, keepLast(10), nil)
	for range 4 {
		addPayload(t, h, "x")
	}

	require.NoError(t, h.RemoveChange(2))
	require.ErrorIs(t, h.RemoveChange(2), rhistory.ErrNotFound)
	require.ErrorIs(t, h.RemoveChange(99), rhistory.ErrNotFound)

	_, ok := h.Get(2)
	require.False(t, ok)
	c, ok := h.Get(3)
	require.True(t, ok)
	require.Equal(t, rid.SequenceNumber(3), c.SequenceNumber)

	var seqs []rid.SequenceNumber
	for c := range h.ChangesFrom(2) {
		seqs = append(seqs, c.SequenceNumber)
	}
	require.Equal(t, []rid.SequenceNumber{3, 4}, seqs)

	// Removing does not rewind numbering.
	require.NoError(t, h.RemoveChange(4))
	require.Equal(t, rid.SequenceNumber(4), h.LastSequenceNumber())
	next := addPayload(t, h, "y")
	require.Equal(t, rid.SequenceNumber(5), next.SequenceNumber)
}

func TestWriterHistory_removeOlderChanges(t *testing.T) {
	t.Parallel()

	var reasons []rhistory.RemoveReason
	h := rhistory.NewWriterHistory(writerGUID, keepLast(10), func(_ *rcache.Change, why rhistory.RemoveReason) {
		reasons = append(reasons, why)
	})
	for range 5 {
		addPayload(t, h, "x")
	}

	require.Equal(t, 3, h.RemoveOlderChanges(3))
	require.Equal(t, rid.SequenceNumber(4), h.SeqNumMin())
	require.Equal(t, 2, h.RemoveOlderChanges(10))
	require.Zero(t, h.Len())
	require.Equal(t, rid.SequenceNumberUnknown, h.SeqNumMin())

	for _, r := range reasons {
		require.Equal(t, rhistory.RemovedAged, r)
	}

	_, ok := h.MinChange()
	require.False(t, ok)
	require.False(t, h.RemoveMinChange())
}

func TestWriterHistory_maxInstances(t *testing.T) {
	t.Parallel()

	cfg := keepLast(2)
	cfg.TopicKind = rqos.WithKey
	cfg.ResourceLimits.MaxInstances = 1
	h := rhistory.NewWriterHistory(writerGUID, cfg, nil)

	c, err := h.Reserve(0)
	require.NoError(t, err)
	c.Instance = rcache.InstanceHandle{1}
	require.NoError(t, h.AddChange(c))

	c, err = h.Reserve(0)
	require.NoError(t, err)
	c.Instance = rcache.InstanceHandle{2}
	require.ErrorIs(t, h.AddChange(c), rhistory.ErrResourceExhausted)
	h.Release(c)

	// Unregister then drain the first instance, freeing its slot.
	c, err = h.Reserve(0)
	require.NoError(t, err)
	c.Instance = rcache.InstanceHandle{1}
	c.Kind = rcache.NotAliveUnregistered
	require.NoError(t, h.AddChange(c))
	require.Equal(t, 2, h.RemoveOlderChanges(2))
	require.Zero(t, h.Instances())

	c, err = h.Reserve(0)
	require.NoError(t, err)
	c.Instance = rcache.InstanceHandle{2}
	require.NoError(t, h.AddChange(c))
}

func TestWriterHistory_noKeyIgnoresInstance(t *testing.T) {
	t.Parallel()

	h := rhistory.NewWriterHistory(writerGUID, keepLast(1), nil)

	c, err := h.Reserve(0)
	require.NoError(t, err)
	c.Instance = rcache.InstanceHandle{9}
	require.NoError(t, h.AddChange(c))
	require.True(t, c.Instance.IsNil())
}
