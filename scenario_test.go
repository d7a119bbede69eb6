package rtps_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/gordian-engine/rtps"
	"github.com/gordian-engine/rtps/internal/rtest"
	"github.com/gordian-engine/rtps/rid"
	"github.com/gordian-engine/rtps/rqos"
	"github.com/gordian-engine/rtps/rtransport"
	"github.com/gordian-engine/rtps/rtype"
	"github.com/stretchr/testify/require"
)

func TestScenario_reliableKeepLastEvictsOldest(t *testing.T) {
	t.Parallel()

	hub := rtransport.NewHub()
	wp := newParticipant(t, hub, rtps.ParticipantConfig{})
	rp := newParticipant(t, hub, rtps.ParticipantConfig{})

	added := make(chan rtps.SampleInfo, 16)
	w := newStringWriter(t, wp, reliableWriterQoS(5), rtps.WriterListener{})
	r := newStringReader(t, rp, reliableReaderQoS(5), addedListener(added))
	matchReaderFirst(t, w, wp, r, rp)

	ctx := context.Background()
	for i := range 7 {
		require.NoError(t, w.Write(ctx, fmt.Sprintf("msg%d", i)))
	}
	for range 7 {
		_ = rtest.ReceiveSoon(t, added)
	}

	var got []string
	for range 5 {
		var v string
		_, err := r.TakeNextSample(&v)
		require.NoError(t, err)
		got = append(got, v)
	}
	require.Equal(t, []string{"msg2", "msg3", "msg4", "msg5", "msg6"}, got)

	var v string
	_, err := r.TakeNextSample(&v)
	require.ErrorIs(t, err, rtps.ErrEmpty)
}

func TestScenario_transientLocalLateJoiner(t *testing.T) {
	t.Parallel()

	hub := rtransport.NewHub()
	wp := newParticipant(t, hub, rtps.ParticipantConfig{})
	rp := newParticipant(t, hub, rtps.ParticipantConfig{})

	wq := reliableWriterQoS(5)
	wq.Durability = rqos.TransientLocal
	w := newStringWriter(t, wp, wq, rtps.WriterListener{})

	ctx := context.Background()
	for i := range 7 {
		require.NoError(t, w.Write(ctx, fmt.Sprintf("msg%d", i)))
	}
	require.Equal(t, 5, w.HistoryLen())

	rq := reliableReaderQoS(10)
	rq.Durability = rqos.TransientLocal
	added := make(chan rtps.SampleInfo, 16)
	r := newStringReader(t, rp, rq, addedListener(added))
	matchReaderFirst(t, w, wp, r, rp)

	for range 5 {
		_ = rtest.ReceiveSoon(t, added)
	}
	rtest.Eventually(t, settle, func() bool { return r.UnreadCount() == 5 })

	got, infos := takeAll(t, r)
	require.Equal(t, []string{"msg2", "msg3", "msg4", "msg5", "msg6"}, got)
	require.Equal(t, rid.SequenceNumber(3), infos[0].Seq)
}

func TestScenario_bestEffortSkipsLostSample(t *testing.T) {
	t.Parallel()

	hub := rtransport.NewHub()
	hub.SetFilter(dropDataFilter(func(seq rid.SequenceNumber, _ uint32) bool {
		return seq == 3
	}))
	wp := newParticipant(t, hub, rtps.ParticipantConfig{})
	rp := newParticipant(t, hub, rtps.ParticipantConfig{})

	added := make(chan rtps.SampleInfo, 16)
	w := newStringWriter(t, wp, bestEffortWriterQoS(10), rtps.WriterListener{})
	r := newStringReader(t, rp, bestEffortReaderQoS(10), addedListener(added))
	matchReaderFirst(t, w, wp, r, rp)

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, w.Write(ctx, fmt.Sprintf("msg%d", i)))
	}
	for range 4 {
		_ = rtest.ReceiveSoon(t, added)
	}

	_, infos := takeAll(t, r)
	seqs := make([]rid.SequenceNumber, len(infos))
	for i, si := range infos {
		seqs[i] = si.Seq
	}
	require.Equal(t, []rid.SequenceNumber{1, 2, 4, 5}, seqs)
}

func TestScenario_exclusiveOwnership(t *testing.T) {
	t.Parallel()

	hub := rtransport.NewHub()
	wp := newParticipant(t, hub, rtps.ParticipantConfig{})
	rp := newParticipant(t, hub, rtps.ParticipantConfig{})

	ts := rtype.Keyed[string]{
		TypeSupport: rtype.String{},
		KeyBytes:    func(string) []byte { return []byte("sensor-1") },
	}

	newWriter := func(strength uint32) *rtps.Writer[string] {
		q := reliableWriterQoS(10)
		q.TopicKind = rqos.WithKey
		q.Ownership = rqos.Ownership{Kind: rqos.Exclusive, Strength: strength}
		w, err := rtps.NewWriter(wp, rtps.WriterConfig[string]{
			Topic:       "temperature",
			TypeSupport: ts,
			QoS:         q,
		})
		require.NoError(t, err)
		return w
	}
	w1 := newWriter(1)
	w2 := newWriter(5)

	rq := reliableReaderQoS(10)
	rq.TopicKind = rqos.WithKey
	rq.Ownership.Kind = rqos.Exclusive
	added := make(chan rtps.SampleInfo, 16)
	r, err := rtps.NewReader(rp, rtps.ReaderConfig[string]{
		Topic:       "temperature",
		TypeSupport: ts,
		QoS:         rq,
		Listener:    addedListener(added),
	})
	require.NoError(t, err)

	matchReaderFirst(t, w1, wp, r, rp)
	matchReaderFirst(t, w2, wp, r, rp)

	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, w1.Write(ctx, fmt.Sprintf("w1-%d", i)))
		require.NoError(t, w2.Write(ctx, fmt.Sprintf("w2-%d", i)))
	}
	for range 6 {
		_ = rtest.ReceiveSoon(t, added)
	}

	got, infos := takeAll(t, r)
	require.Equal(t, []string{"w2-0", "w2-1", "w2-2"}, got)
	for _, si := range infos {
		require.Equal(t, w2.GUID(), si.Writer)
	}

	require.NoError(t, r.MatchedWriterRemove(w2.GUID()))

	got, infos = takeAll(t, r)
	require.Equal(t, []string{"w1-0", "w1-1", "w1-2"}, got)
	for _, si := range infos {
		require.Equal(t, w1.GUID(), si.Writer)
	}
}

func TestScenario_unregisterHandsOwnershipOver(t *testing.T) {
	t.Parallel()

	hub := rtransport.NewHub()
	wp := newParticipant(t, hub, rtps.ParticipantConfig{})
	rp := newParticipant(t, hub, rtps.ParticipantConfig{})

	ts := rtype.Keyed[string]{
		TypeSupport: rtype.String{},
		KeyBytes:    func(string) []byte { return []byte("k") },
	}
	newWriter := func(strength uint32) *rtps.Writer[string] {
		q := reliableWriterQoS(10)
		q.TopicKind = rqos.WithKey
		q.Ownership = rqos.Ownership{Kind: rqos.Exclusive, Strength: strength}
		w, err := rtps.NewWriter(wp, rtps.WriterConfig[string]{TypeSupport: ts, QoS: q})
		require.NoError(t, err)
		return w
	}
	weak := newWriter(1)
	strong := newWriter(9)

	rq := reliableReaderQoS(10)
	rq.TopicKind = rqos.WithKey
	rq.Ownership.Kind = rqos.Exclusive
	added := make(chan rtps.SampleInfo, 16)
	r, err := rtps.NewReader(rp, rtps.ReaderConfig[string]{
		TypeSupport: ts,
		QoS:         rq,
		Listener:    addedListener(added),
	})
	require.NoError(t, err)

	matchReaderFirst(t, weak, wp, r, rp)
	matchReaderFirst(t, strong, wp, r, rp)

	ctx := context.Background()
	require.NoError(t, strong.Write(ctx, "strong"))
	require.NoError(t, weak.Write(ctx, "weak-1"))
	for range 2 {
		_ = rtest.ReceiveSoon(t, added)
	}
	got, _ := takeAll(t, r)
	require.Equal(t, []string{"strong"}, got)

	require.NoError(t, strong.Unregister(ctx, "strong"))
	_ = rtest.ReceiveSoon(t, added)
	got, _ = takeAll(t, r)
	require.Equal(t, []string{"weak-1"}, got)

	require.NoError(t, weak.Write(ctx, "weak-2"))
	_ = rtest.ReceiveSoon(t, added)
	got, infos := takeAll(t, r)
	require.Equal(t, []string{"weak-2"}, got)
	require.Equal(t, weak.GUID(), infos[0].Writer)
}
