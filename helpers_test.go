package rtps_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gordian-engine/rtps"
	"github.com/gordian-engine/rtps/internal/rtest"
	"github.com/gordian-engine/rtps/rid"
	"github.com/gordian-engine/rtps/rproxy"
	"github.com/gordian-engine/rtps/rqos"
	"github.com/gordian-engine/rtps/rtransport"
	"github.com/gordian-engine/rtps/rtype"
	"github.com/gordian-engine/rtps/rwire"
	"github.com/stretchr/testify/require"
)

// Long enough for any in-process exchange to settle.
const settle = 2 * time.Second

func newParticipant(t *testing.T, hub *rtransport.Hub, cfg rtps.ParticipantConfig) *rtps.Participant {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	cfg.Transport = hub.NewTransport()
	p, err := rtps.NewParticipant(ctx, rtest.NewLogger(t), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		p.Close()
		cancel()
		require.NoError(t, p.Wait())
	})
	return p
}

func reliableWriterQoS(depth int) rqos.WriterQoS {
	q := rqos.DefaultWriterQoS()
	q.History.Depth = depth
	q.Times.HeartbeatPeriod = 20 * time.Millisecond
	q.Times.NackResponseDelay = 0
	return q
}

func reliableReaderQoS(depth int) rqos.ReaderQoS {
	q := rqos.DefaultReaderQoS()
	q.Reliability.Kind = rqos.Reliable
	q.History.Depth = depth
	return q
}

func bestEffortWriterQoS(depth int) rqos.WriterQoS {
	q := rqos.DefaultWriterQoS()
	q.Reliability.Kind = rqos.BestEffort
	q.History.Depth = depth
	return q
}

func bestEffortReaderQoS(depth int) rqos.ReaderQoS {
	q := rqos.DefaultReaderQoS()
	q.History.Depth = depth
	return q
}

func newStringWriter(t *testing.T, p *rtps.Participant, q rqos.WriterQoS, l rtps.WriterListener) *rtps.Writer[string] {
	t.Helper()
	w, err := rtps.NewWriter(p, rtps.WriterConfig[string]{
		Topic:       "chat",
		TypeSupport: rtype.String{},
		QoS:         q,
		Listener:    l,
	})
	require.NoError(t, err)
	return w
}

func newStringReader(t *testing.T, p *rtps.Participant, q rqos.ReaderQoS, l rtps.ReaderListener) *rtps.Reader[string] {
	t.Helper()
	r, err := rtps.NewReader(p, rtps.ReaderConfig[string]{
		Topic:       "chat",
		TypeSupport: rtype.String{},
		QoS:         q,
		Listener:    l,
	})
	require.NoError(t, err)
	return r
}

// writerSide and readerSide are what matching needs from endpoints.
type writerSide interface {
	GUID() rid.GUID
	QoS() rqos.WriterQoS
	MatchedReaderAdd(rproxy.ReaderAttributes) bool
}

type readerSide interface {
	GUID() rid.GUID
	QoS() rqos.ReaderQoS
	MatchedWriterAdd(rproxy.WriterAttributes) bool
}

// matchReaderFirst matches both directions, reader side first,
// so the writer's first heartbeat finds a proxy waiting for it.
func matchReaderFirst(
	t *testing.T,
	w writerSide, wp *rtps.Participant,
	r readerSide, rp *rtps.Participant,
) {
	t.Helper()
	wq, rq := w.QoS(), r.QoS()
	require.True(t, r.MatchedWriterAdd(rproxy.WriterAttributes{
		GUID:       w.GUID(),
		Durability: wq.Durability,
		Reliable:   wq.IsReliable(),
		Strength:   wq.Ownership.Strength,
		Locators:   wp.Locators(),
	}))
	require.True(t, w.MatchedReaderAdd(rproxy.ReaderAttributes{
		GUID:       r.GUID(),
		Durability: rq.Durability,
		Reliable:   rq.IsReliable(),
		Locators:   rp.Locators(),
	}))
}

// addedListener returns a reader listener reporting every admitted change on ch.
func addedListener(ch chan rtps.SampleInfo) rtps.ReaderListener {
	return rtps.ReaderListener{
		OnChangeAdded: func(si rtps.SampleInfo) { ch <- si },
	}
}

// dropDataFilter drops every message carrying a DATA or DATA_FRAG
// for which drop returns true.
func dropDataFilter(drop func(seq rid.SequenceNumber, frag uint32) bool) rtransport.Filter {
	return func(b []byte, _, _ rtransport.Locator) bool {
		m, err := rwire.Decode(b)
		if err != nil {
			return false
		}
		for _, sm := range m.Submessages {
			switch sm := sm.(type) {
			case *rwire.Data:
				if drop(sm.Seq, 0) {
					return true
				}
			case *rwire.DataFrag:
				if drop(sm.Seq, sm.FragmentNum) {
					return true
				}
			}
		}
		return false
	}
}

func takeAll[T any](t *testing.T, r *rtps.Reader[T]) ([]T, []rtps.SampleInfo) {
	t.Helper()
	var vals []T
	var infos []rtps.SampleInfo
	for {
		var v T
		si, err := r.TakeNextSample(&v)
		if errors.Is(err, rtps.ErrEmpty) {
			return vals, infos
		}
		require.NoError(t, err)
		vals = append(vals, v)
		infos = append(infos, si)
	}
}
