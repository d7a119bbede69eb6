package rproxy_test

import (
	"testing"
	"time"

	"github.com/gordian-engine/rtps/rid"
	"github.com/gordian-engine/rtps/rproxy"
	"github.com/stretchr/testify/require"
)

var readerGUID = rid.GUID{
	Prefix: rid.GUIDPrefix{9},
	Entity: rid.NewEntityID(1, rid.EntityKindReaderNoKey),
}

func reliableReader() *rproxy.ReaderProxy {
	return rproxy.NewReaderProxy(rproxy.ReaderAttributes{
		GUID:     readerGUID,
		Reliable: true,
	}, 0)
}

func TestReaderProxy_lifecycle(t *testing.T) {
	t.Parallel()

	p := reliableReader()
	now := time.Now()
	for seq := rid.SequenceNumber(1); seq <= 3; seq++ {
		p.AddChange(seq, true)
	}
	require.Len(t, p.UnsentChanges(), 3)
	require.True(t, p.HasUnsent())

	for seq := rid.SequenceNumber(1); seq <= 3; seq++ {
		p.MarkSent(seq, now)
		s, ok := p.Status(seq)
		require.True(t, ok)
		require.Equal(t, rproxy.Unacknowledged, s)
	}
	require.False(t, p.HasUnsent())
	require.True(t, p.HasUnacknowledged())

	// ACKNACK base 3 acknowledges 1 and 2.
	require.True(t, p.AckedChangesSet(3))
	require.Equal(t, rid.SequenceNumber(2), p.LowMark())
	require.True(t, p.ChangeIsAcked(2))
	require.False(t, p.ChangeIsAcked(3))

	// Stale acknowledgement has no effect.
	require.False(t, p.AckedChangesSet(2))

	require.True(t, p.AckedChangesSet(4))
	require.False(t, p.HasUnacknowledged())
}

func TestReaderProxy_bestEffortSentIsAcked(t *testing.T) {
	t.Parallel()

	p := rproxy.NewReaderProxy(rproxy.ReaderAttributes{GUID: readerGUID}, 0)
	p.AddChange(1, true)
	p.AddChange(2, true)
	p.MarkSent(1, time.Now())

	require.Equal(t, rid.SequenceNumber(1), p.LowMark())
	require.True(t, p.ChangeIsAcked(1))
	require.False(t, p.ChangeIsAcked(2))
}

func TestReaderProxy_requestedChanges(t *testing.T) {
	t.Parallel()

	p := reliableReader()
	now := time.Now()
	for seq := rid.SequenceNumber(1); seq <= 5; seq++ {
		p.AddChange(seq, true)
		p.MarkSent(seq, now)
	}
	// The history dropped 4 before the reader asked for it.
	require.True(t, p.ChangeRemoved(4))

	set := rid.NewSequenceNumberSet(2)
	set.Add(2)
	set.Add(4)
	set.Add(5)
	set.Add(9)

	n, gone := p.RequestedChangesSet(set, 5, now)
	require.Equal(t, 2, n)
	require.Equal(t, []rid.SequenceNumber{4}, gone)
	require.Equal(t, []rid.SequenceNumber{2, 5}, p.RequestedChanges())
	require.True(t, p.HasRequested())

	p.MarkSent(2, now)
	require.Equal(t, []rid.SequenceNumber{5}, p.RequestedChanges())
	s, _ := p.Status(2)
	require.Equal(t, rproxy.Unacknowledged, s)
}

func TestReaderProxy_nackSuppression(t *testing.T) {
	t.Parallel()

	p := rproxy.NewReaderProxy(rproxy.ReaderAttributes{GUID: readerGUID, Reliable: true}, time.Second)
	sent := time.Now()
	p.AddChange(1, true)
	p.MarkSent(1, sent)

	set := rid.NewSequenceNumberSet(1)
	set.Add(1)

	n, _ := p.RequestedChangesSet(set, 1, sent.Add(10*time.Millisecond))
	require.Zero(t, n)

	n, _ = p.RequestedChangesSet(set, 1, sent.Add(2*time.Second))
	require.Equal(t, 1, n)
}

func TestReaderProxy_ackNackCountDedupe(t *testing.T) {
	t.Parallel()

	p := reliableReader()
	require.True(t, p.AcceptAckNack(1))
	require.False(t, p.AcceptAckNack(1))
	require.True(t, p.AcceptAckNack(2))
	require.False(t, p.AcceptAckNack(1))
}

func TestReaderProxy_irrelevantBelow(t *testing.T) {
	t.Parallel()

	p := reliableReader()
	p.AddChange(3, true)
	p.AddChange(6, true)

	first, last := p.IrrelevantBelow(5)
	require.Equal(t, rid.SequenceNumber(1), first)
	require.Equal(t, rid.SequenceNumber(4), last)
	require.Equal(t, rid.SequenceNumber(4), p.LowMark())

	// Only 6 remains.
	u := p.UnsentChanges()
	require.Len(t, u, 1)
	require.Equal(t, rid.SequenceNumber(6), u[0].Seq)

	first, last = p.IrrelevantBelow(3)
	require.Greater(t, first, last)
}

func TestReaderProxy_addBelowLowMarkPanics(t *testing.T) {
	t.Parallel()

	p := reliableReader()
	p.IrrelevantBelow(10)
	require.Panics(t, func() { p.AddChange(9, true) })

	p.AddChange(11, true)
	require.Panics(t, func() { p.AddChange(11, true) })
}

func TestReaderProxy_irrelevantChangeIsNotUnacknowledged(t *testing.T) {
	t.Parallel()

	p := reliableReader()
	p.AddChange(1, false)
	p.MarkSent(1, time.Now())

	require.True(t, p.ChangeIsAcked(1))
	require.False(t, p.HasUnacknowledged())
}
