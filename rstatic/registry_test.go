package rstatic_test

import (
	"context"
	"testing"
	"time"

	"github.com/gordian-engine/rtps"
	"github.com/gordian-engine/rtps/internal/rtest"
	"github.com/gordian-engine/rtps/rid"
	"github.com/gordian-engine/rtps/rqos"
	"github.com/gordian-engine/rtps/rstatic"
	"github.com/gordian-engine/rtps/rtransport"
	"github.com/gordian-engine/rtps/rtype"
	"github.com/stretchr/testify/require"
)

func newParticipant(t *testing.T, hub *rtransport.Hub) *rtps.Participant {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	p, err := rtps.NewParticipant(ctx, rtest.NewLogger(t), rtps.ParticipantConfig{
		Transport: hub.NewTransport(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		p.Close()
		cancel()
		require.NoError(t, p.Wait())
	})
	return p
}

func writerQoS(kind rqos.ReliabilityKind) rqos.WriterQoS {
	q := rqos.DefaultWriterQoS()
	q.Reliability.Kind = kind
	q.Times.HeartbeatPeriod = 20 * time.Millisecond
	q.Times.NackResponseDelay = 0
	return q
}

func readerQoS(kind rqos.ReliabilityKind) rqos.ReaderQoS {
	q := rqos.DefaultReaderQoS()
	q.Reliability.Kind = kind
	return q
}

func newWriter(t *testing.T, p *rtps.Participant, topic string, q rqos.WriterQoS) *rtps.Writer[string] {
	t.Helper()
	w, err := rtps.NewWriter(p, rtps.WriterConfig[string]{
		Topic:       topic,
		TypeSupport: rtype.String{},
		QoS:         q,
	})
	require.NoError(t, err)
	return w
}

func newReader(
	t *testing.T, p *rtps.Participant, topic string, q rqos.ReaderQoS, l rtps.ReaderListener,
) *rtps.Reader[string] {
	t.Helper()
	r, err := rtps.NewReader(p, rtps.ReaderConfig[string]{
		Topic:       topic,
		TypeSupport: rtype.String{},
		QoS:         q,
		Listener:    l,
	})
	require.NoError(t, err)
	return r
}

func TestRegistry_matchesByTopic(t *testing.T) {
	t.Parallel()

	hub := rtransport.NewHub()
	wp := newParticipant(t, hub)
	rp := newParticipant(t, hub)

	reg := rstatic.New(rtest.NewLogger(t), nil)

	w := newWriter(t, wp, "chat", writerQoS(rqos.Reliable))
	other := newWriter(t, wp, "news", writerQoS(rqos.Reliable))
	require.NoError(t, reg.AddWriter(w))
	require.NoError(t, reg.AddWriter(other))

	added := make(chan rtps.SampleInfo, 4)
	r := newReader(t, rp, "chat", readerQoS(rqos.Reliable), rtps.ReaderListener{
		OnChangeAdded: func(si rtps.SampleInfo) { added <- si },
	})
	require.NoError(t, reg.AddReader(r))

	require.Equal(t, 1, reg.Matches())
	require.True(t, reg.IsMatched(w.GUID(), r.GUID()))
	require.False(t, reg.IsMatched(other.GUID(), r.GUID()))
	require.Equal(t, []rid.GUID{r.GUID()}, w.MatchedReaders())
	require.Equal(t, []rid.GUID{w.GUID()}, r.MatchedWriters())
	require.Empty(t, other.MatchedReaders())

	require.NoError(t, w.Write(context.Background(), "hello"))
	si := rtest.ReceiveSoon(t, added)
	require.Equal(t, w.GUID(), si.Writer)

	var v string
	_, err := r.TakeNextSample(&v)
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestRegistry_incompatibleNotMatched(t *testing.T) {
	t.Parallel()

	hub := rtransport.NewHub()
	wp := newParticipant(t, hub)
	rp := newParticipant(t, hub)

	got := make(chan rstatic.Incompatible, 1)
	reg := rstatic.New(rtest.NewLogger(t), func(inc rstatic.Incompatible) { got <- inc })

	w := newWriter(t, wp, "chat", writerQoS(rqos.BestEffort))
	r := newReader(t, rp, "chat", readerQoS(rqos.Reliable), rtps.ReaderListener{})
	require.NoError(t, reg.AddReader(r))
	require.NoError(t, reg.AddWriter(w))

	inc := rtest.ReceiveSoon(t, got)
	require.Equal(t, "chat", inc.Topic)
	require.Equal(t, w.GUID(), inc.Writer)
	require.Equal(t, r.GUID(), inc.Reader)

	var qe rqos.IncompatibleQoSError
	require.ErrorAs(t, inc.Err, &qe)
	require.Contains(t, qe.Policies, "RELIABILITY")

	require.Zero(t, reg.Matches())
	require.Empty(t, w.MatchedReaders())
	require.Empty(t, r.MatchedWriters())
}

func TestRegistry_removeUnmatchesBothSides(t *testing.T) {
	t.Parallel()

	hub := rtransport.NewHub()
	wp := newParticipant(t, hub)
	rp := newParticipant(t, hub)

	reg := rstatic.New(rtest.NewLogger(t), nil)

	w := newWriter(t, wp, "chat", writerQoS(rqos.Reliable))
	r1 := newReader(t, rp, "chat", readerQoS(rqos.Reliable), rtps.ReaderListener{})
	r2 := newReader(t, rp, "chat", readerQoS(rqos.BestEffort), rtps.ReaderListener{})
	require.NoError(t, reg.AddWriter(w))
	require.NoError(t, reg.AddReader(r1))
	require.NoError(t, reg.AddReader(r2))
	require.Equal(t, 2, reg.Matches())

	require.NoError(t, reg.Remove(r1.GUID()))
	require.Equal(t, 1, reg.Matches())
	require.Empty(t, r1.MatchedWriters())
	require.Equal(t, []rid.GUID{r2.GUID()}, w.MatchedReaders())

	require.NoError(t, reg.Remove(w.GUID()))
	require.Zero(t, reg.Matches())
	require.Empty(t, w.MatchedReaders())
	require.Empty(t, r2.MatchedWriters())

	err := reg.Remove(w.GUID())
	require.ErrorIs(t, err, rstatic.ErrUnknownEndpoint)
}

func TestRegistry_duplicateRegistration(t *testing.T) {
	t.Parallel()

	hub := rtransport.NewHub()
	p := newParticipant(t, hub)

	reg := rstatic.New(rtest.NewLogger(t), nil)

	w := newWriter(t, p, "chat", writerQoS(rqos.Reliable))
	r := newReader(t, p, "chat", readerQoS(rqos.Reliable), rtps.ReaderListener{})

	require.NoError(t, reg.AddWriter(w))
	require.Error(t, reg.AddWriter(w))
	require.NoError(t, reg.AddReader(r))
	require.Error(t, reg.AddReader(r))

	require.Equal(t, 1, reg.Matches())
}
