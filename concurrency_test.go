package rtps_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gordian-engine/rtps"
	"github.com/gordian-engine/rtps/internal/rtest"
	"github.com/gordian-engine/rtps/rid"
	"github.com/gordian-engine/rtps/rproxy"
	"github.com/gordian-engine/rtps/rqos"
	"github.com/gordian-engine/rtps/rtransport"
	"github.com/stretchr/testify/require"
)

func TestWriter_concurrentKeepAllWritesTimeOut(t *testing.T) {
	t.Parallel()

	hub := rtransport.NewHub()
	wp := newParticipant(t, hub, rtps.ParticipantConfig{})

	const maxBlocking = 200 * time.Millisecond
	q := reliableWriterQoS(1)
	q.History = rqos.History{Kind: rqos.KeepAll}
	q.ResourceLimits.MaxSamples = 2
	q.Reliability.MaxBlockingTime = maxBlocking

	w := newStringWriter(t, wp, q, rtps.WriterListener{})
	require.True(t, w.MatchedReaderAdd(silentReader))

	ctx := context.Background()
	require.NoError(t, w.Write(ctx, "a"))
	require.NoError(t, w.Write(ctx, "b"))

	const writers = 3
	errs := make([]error, writers)
	var wg sync.WaitGroup
	start := time.Now()
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = w.Write(ctx, fmt.Sprintf("blocked-%d", i))
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	for _, err := range errs {
		require.ErrorIs(t, err, rtps.ErrTimeout)
	}
	require.GreaterOrEqual(t, elapsed, maxBlocking)
	require.Less(t, elapsed, maxBlocking+time.Second)

	require.Equal(t, rid.SequenceNumber(2), w.LastSequenceNumber())
	require.Equal(t, 2, w.HistoryLen())
}

func TestWriter_concurrentKeepAllWritesDelivered(t *testing.T) {
	t.Parallel()

	hub := rtransport.NewHub()
	wp := newParticipant(t, hub, rtps.ParticipantConfig{})
	rp := newParticipant(t, hub, rtps.ParticipantConfig{})

	q := reliableWriterQoS(1)
	q.History = rqos.History{Kind: rqos.KeepAll}
	q.ResourceLimits.MaxSamples = 2
	q.Reliability.MaxBlockingTime = settle
	w := newStringWriter(t, wp, q, rtps.WriterListener{})

	rq := reliableReaderQoS(1)
	rq.History = rqos.History{Kind: rqos.KeepAll}
	r := newStringReader(t, rp, rq, rtps.ReaderListener{})
	matchReaderFirst(t, w, wp, r, rp)

	const (
		writers   = 4
		perWriter = 10
	)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range perWriter {
				if err := w.Write(ctx, fmt.Sprintf("%d/%d", i, j)); err != nil {
					t.Errorf("write %d/%d: %v", i, j, err)
					return
				}
			}
		}()
	}

	// Take while the writers are still going.
	seen := make(map[string]bool)
	var seqs []rid.SequenceNumber
	rtest.Eventually(t, 5*settle, func() bool {
		vals, infos := takeAll(t, r)
		for k, v := range vals {
			require.False(t, seen[v], "%s delivered twice", v)
			seen[v] = true
			seqs = append(seqs, infos[k].Seq)
		}
		return len(seen) == writers*perWriter
	})
	wg.Wait()

	for k := 1; k < len(seqs); k++ {
		require.Greater(t, seqs[k], seqs[k-1])
	}
	require.Equal(t, rid.SequenceNumber(writers*perWriter), w.LastSequenceNumber())
}

func TestWriter_concurrentKeepLastWrites(t *testing.T) {
	t.Parallel()

	hub := rtransport.NewHub()
	wp := newParticipant(t, hub, rtps.ParticipantConfig{})
	w := newStringWriter(t, wp, reliableWriterQoS(3), rtps.WriterListener{})
	require.True(t, w.MatchedReaderAdd(silentReader))

	const (
		writers   = 4
		perWriter = 25
	)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range perWriter {
				if err := w.Write(ctx, fmt.Sprintf("%d/%d", i, j)); err != nil {
					t.Errorf("write %d/%d: %v", i, j, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, rid.SequenceNumber(writers*perWriter), w.LastSequenceNumber())
	require.Equal(t, 3, w.HistoryLen())
}

func TestReader_closeWaitsForCallbacks(t *testing.T) {
	t.Parallel()

	hub := rtransport.NewHub()
	wp := newParticipant(t, hub, rtps.ParticipantConfig{})
	rp := newParticipant(t, hub, rtps.ParticipantConfig{})

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	w := newStringWriter(t, wp, bestEffortWriterQoS(4), rtps.WriterListener{})
	r := newStringReader(t, rp, bestEffortReaderQoS(4), rtps.ReaderListener{
		OnChangeAdded: func(rtps.SampleInfo) {
			entered <- struct{}{}
			<-release
		},
	})
	matchReaderFirst(t, w, wp, r, rp)

	require.NoError(t, w.Write(context.Background(), "hello"))
	_ = rtest.ReceiveSoon(t, entered)

	closed := make(chan struct{})
	go func() {
		r.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while OnChangeAdded was running")
	case <-time.After(50 * time.Millisecond):
		// Okay.
	}

	close(release)
	_ = rtest.ReceiveSoon(t, closed)

	// Nothing more is delivered after Close.
	require.NoError(t, w.Write(context.Background(), "late"))
	rtest.NotSending(t, entered)
}

func TestWriter_closeWaitsForCallbacks(t *testing.T) {
	t.Parallel()

	hub := rtransport.NewHub()
	wp := newParticipant(t, hub, rtps.ParticipantConfig{})

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	w := newStringWriter(t, wp, reliableWriterQoS(1), rtps.WriterListener{
		OnReaderMatched: func(rtps.MatchStatus) {
			entered <- struct{}{}
			<-release
		},
	})

	go w.MatchedReaderAdd(rproxy.ReaderAttributes{GUID: silentReader.GUID})
	_ = rtest.ReceiveSoon(t, entered)

	closed := make(chan struct{})
	go func() {
		w.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while OnReaderMatched was running")
	case <-time.After(50 * time.Millisecond):
		// Okay.
	}

	close(release)
	_ = rtest.ReceiveSoon(t, closed)
}
