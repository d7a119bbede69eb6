package rtps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gordian-engine/rtps/internal/rchan"
	"github.com/gordian-engine/rtps/rcache"
	"github.com/gordian-engine/rtps/rfrag"
	"github.com/gordian-engine/rtps/rhistory"
	"github.com/gordian-engine/rtps/rid"
	"github.com/gordian-engine/rtps/rproxy"
	"github.com/gordian-engine/rtps/rqos"
	"github.com/gordian-engine/rtps/rtransport"
	"github.com/gordian-engine/rtps/rtype"
	"github.com/gordian-engine/rtps/rwire"
)

// ReaderConfig configures a [Reader].
type ReaderConfig[T any] struct {
	Topic string

	TypeSupport rtype.TypeSupport[T]

	QoS rqos.ReaderQoS

	Listener ReaderListener

	// Entity key within the participant.
	// Zero allocates the next free key.
	EntityKey uint32

	// Payload capacity pre-allocated per history slot.
	// Zero lets payload buffers grow on demand.
	MaxPayloadSize int

	// Accept changes addressed to this reader from writers
	// that were never matched. Best-effort readers only.
	AcceptUnknownWriters bool
}

// Reader receives samples of type T from matched writers.
type Reader[T any] struct {
	*reader
	ts rtype.TypeSupport[T]
}

// remoteWriter is a writer proxy and how it came to exist.
type remoteWriter struct {
	*rproxy.WriterProxy

	// Created on receipt from an unmatched writer.
	implicit bool
}

// reader is the type-independent reader engine.
type reader struct {
	p             *Participant
	log           *slog.Logger
	guid          rid.GUID
	topic         string
	qos           rqos.ReaderQoS
	listener      ReaderListener
	acceptUnknown bool

	mu       sync.Mutex
	history  *rhistory.ReaderHistory
	writers  map[rid.GUID]*remoteWriter
	frags    *rfrag.Assembler
	ackCount uint32
	closed   bool

	// Writers owed an ACKNACK once the response delay passes.
	pendingAcks mapset.Set[rid.GUID]

	// Collected under mu, delivered by unlock.
	notes  []func()
	outbox []outgoing

	// Listener deliveries in progress; close waits for them.
	callbacks sync.WaitGroup

	// Broadcast when changes may have become available.
	arrived *rchan.Signal

	ackKick chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

// NewReader creates a reader on p.
func NewReader[T any](p *Participant, cfg ReaderConfig[T]) (*Reader[T], error) {
	if cfg.TypeSupport == nil {
		return nil, errors.New("ReaderConfig.TypeSupport must not be nil")
	}
	if err := cfg.QoS.Validate(); err != nil {
		return nil, err
	}
	if cfg.AcceptUnknownWriters && cfg.QoS.IsReliable() {
		return nil, errors.New("ReaderConfig.AcceptUnknownWriters requires a best-effort reader")
	}

	kind := rid.EntityKindReaderNoKey
	if cfg.QoS.TopicKind == rqos.WithKey {
		kind = rid.EntityKindReaderWithKey
	}
	id := p.newEntityID(kind)
	if cfg.EntityKey != 0 {
		id = rid.NewEntityID(cfg.EntityKey, kind)
	}
	guid := rid.GUID{Prefix: p.prefix, Entity: id}

	r := &reader{
		p:             p,
		log:           p.log.With("reader", guid, "topic", cfg.Topic),
		guid:          guid,
		topic:         cfg.Topic,
		qos:           cfg.QoS,
		listener:      cfg.Listener,
		acceptUnknown: cfg.AcceptUnknownWriters,

		history: rhistory.NewReaderHistory(rhistory.Config{
			History:        cfg.QoS.History,
			ResourceLimits: cfg.QoS.ResourceLimits,
			TopicKind:      cfg.QoS.TopicKind,
			MaxPayloadSize: cfg.MaxPayloadSize,
		}, cfg.QoS.Ownership.Kind),
		writers: make(map[rid.GUID]*remoteWriter),
		frags:   rfrag.NewAssembler(p.maxPendingFragments),

		pendingAcks: mapset.NewThreadUnsafeSet[rid.GUID](),

		arrived: rchan.NewSignal(),

		ackKick: make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := p.addReader(id, r); err != nil {
		return nil, err
	}
	p.goBackground(r.run)

	return &Reader[T]{reader: r, ts: cfg.TypeSupport}, nil
}

// GUID returns the reader's GUID.
func (r *reader) GUID() rid.GUID { return r.guid }

// QoS returns the reader's policies.
func (r *reader) QoS() rqos.ReaderQoS { return r.qos }

// Topic returns the reader's topic name.
func (r *reader) Topic() string { return r.topic }

// unlock releases mu, then sends queued messages and runs queued callbacks.
// Callbacks queued after close has begun are dropped.
func (r *reader) unlock() {
	notes, out := r.notes, r.outbox
	r.notes, r.outbox = nil, nil
	deliver := len(notes) > 0 && !r.closed
	if deliver {
		r.callbacks.Add(1)
	}
	r.mu.Unlock()

	r.p.send(out)
	if !deliver {
		return
	}
	defer r.callbacks.Done()
	for _, n := range notes {
		n()
	}
}

type readerLocker struct{ r *reader }

func (l readerLocker) Lock()   { l.r.mu.Lock() }
func (l readerLocker) Unlock() { l.r.unlock() }

func (r *reader) matchedCount() int {
	n := 0
	for _, rw := range r.writers {
		if !rw.implicit {
			n++
		}
	}
	return n
}

func (r *reader) notifyMatch(remote rid.GUID, change int) {
	if fn := r.listener.OnWriterMatched; fn != nil {
		st := MatchStatus{Remote: remote, Current: r.matchedCount(), Change: change}
		r.notes = append(r.notes, func() { fn(st) })
	}
}

// MatchedWriterAdd starts accepting changes from the writer described by attrs.
// It returns false if the writer is already matched.
// A writer previously accepted implicitly is promoted.
func (r *reader) MatchedWriterAdd(attrs rproxy.WriterAttributes) bool {
	r.mu.Lock()
	defer r.unlock()

	if r.closed {
		return false
	}
	prev := r.writers[attrs.GUID]
	if prev != nil && !prev.implicit {
		return false
	}
	if !r.qos.IsReliable() {
		attrs.Reliable = false
	}

	wp := rproxy.NewWriterProxy(attrs)
	if prev != nil {
		wp.SetFloor(prev.LowMark())
		wp.MarkSynced()
	} else if f := r.history.Floor(attrs.GUID); f > 0 {
		// Changes kept from an earlier match bound where this one may start.
		wp.SetFloor(f)
	}
	r.writers[attrs.GUID] = &remoteWriter{WriterProxy: wp}
	r.history.SetStrength(attrs.GUID, attrs.Strength)

	if wp.IsReliable() {
		// Lets the writer learn about us without waiting for a heartbeat.
		r.appendAckNack(wp, false)
	}

	r.log.Info("Matched writer", "writer", attrs.GUID, "reliable", wp.IsReliable())
	r.notifyMatch(attrs.GUID, +1)
	return true
}

// MatchedWriterRemove stops accepting changes from the writer with the given GUID.
//
// Changes from that writer that were already available to the application
// remain readable, unless exclusive ownership now hides them.
func (r *reader) MatchedWriterRemove(guid rid.GUID) error {
	r.mu.Lock()
	defer r.unlock()

	rw := r.writers[guid]
	if rw == nil || rw.implicit {
		return fmt.Errorf("%w: writer %s is not matched", ErrNotFound, guid)
	}
	r.dropWriter(rw)

	r.log.Info("Unmatched writer", "writer", guid)
	r.notifyMatch(guid, -1)
	return nil
}

func (r *reader) dropWriter(rw *remoteWriter) {
	guid := rw.GUID()
	delete(r.writers, guid)
	r.frags.DropWriter(guid)
	r.pendingAcks.Remove(guid)

	availMax := rw.AvailableChangesMax()
	removed := r.history.WriterUnmatched(guid, func(c *rcache.Change) bool {
		if rw.IsReliable() && c.SequenceNumber > availMax {
			return false
		}
		return r.history.Visible(c)
	})
	if removed > 0 {
		r.log.Debug("Dropped changes from unmatched writer", "writer", guid, "n", removed)
	}
	r.arrived.Broadcast()
}

// MatchedWriters returns the GUIDs of matched writers in ascending order.
func (r *reader) MatchedWriters() []rid.GUID {
	r.mu.Lock()
	defer r.unlock()

	out := make([]rid.GUID, 0, len(r.writers))
	for g, rw := range r.writers {
		if !rw.implicit {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, rid.GUID.Compare)
	return out
}

// ProxyAttributes returns the attributes the writer was matched with.
func (r *reader) ProxyAttributes(guid rid.GUID) (rproxy.WriterAttributes, bool) {
	r.mu.Lock()
	defer r.unlock()

	rw, ok := r.writers[guid]
	if !ok || rw.implicit {
		return rproxy.WriterAttributes{}, false
	}
	return rw.Attributes(), true
}

// available reports whether c may be handed to the application:
// a reliable writer's changes are released in sequence order only.
func (r *reader) available(c *rcache.Change) bool {
	rw := r.writers[c.WriterGUID]
	if rw == nil || !rw.IsReliable() {
		return true
	}
	return c.SequenceNumber <= rw.AvailableChangesMax()
}

// UnreadCount returns the number of samples TakeNextSample could return now.
func (r *reader) UnreadCount() int {
	r.mu.Lock()
	defer r.unlock()
	return r.history.UnreadCount(r.available)
}

// HistoryLen returns the number of changes held, read or not.
func (r *reader) HistoryLen() int {
	r.mu.Lock()
	defer r.unlock()
	return r.history.Len()
}

// WaitForUnreadSample blocks until a sample is available or ctx is done.
func (r *reader) WaitForUnreadSample(ctx context.Context) error {
	r.mu.Lock()
	defer r.unlock()

	if err := rchan.WaitUntil(ctx, readerLocker{r}, r.arrived, func() bool {
		return r.closed || r.history.UnreadCount(r.available) > 0
	}); err != nil {
		return err
	}
	if r.closed {
		return ErrClosed
	}
	return nil
}

// TakeNextSample removes the next available sample from the history,
// deserializing it into v.
// v is left untouched for changes other than [rcache.Alive].
// It returns [ErrEmpty] if no sample is available.
func (r *Reader[T]) TakeNextSample(v *T) (SampleInfo, error) {
	return r.next(v, true)
}

// ReadNextSample is like TakeNextSample but leaves the sample in the
// history, marked read.
func (r *Reader[T]) ReadNextSample(v *T) (SampleInfo, error) {
	return r.next(v, false)
}

func (r *Reader[T]) next(v *T, take bool) (SampleInfo, error) {
	r.mu.Lock()
	defer r.unlock()

	if r.closed {
		return SampleInfo{}, ErrClosed
	}
	c, ok := r.history.NextUnread(r.available)
	if !ok {
		return SampleInfo{}, ErrEmpty
	}

	info := sampleInfo(c)
	var err error
	if c.Kind == rcache.Alive {
		if derr := r.ts.Deserialize(c.Payload, v); derr != nil {
			err = fmt.Errorf("failed to deserialize change %d from %s: %w", c.SequenceNumber, c.WriterGUID, derr)
		}
	}

	if take {
		if rerr := r.history.RemoveChange(c); rerr != nil {
			panic(fmt.Errorf("BUG: next unread change not removable: %w", rerr))
		}
	} else {
		r.history.MarkRead(c)
	}
	return info, err
}

// RemoveOlderChanges drops up to n of the oldest changes, read or not.
func (r *reader) RemoveOlderChanges(n int) int {
	r.mu.Lock()
	defer r.unlock()
	return r.history.RemoveOlderChanges(n)
}

// Close stops the reader. Blocked waits return [ErrClosed].
// Close returns once every listener callback in progress has returned,
// so it must not be called from a callback.
func (r *reader) Close() {
	r.close()
}

func (r *reader) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.arrived.Broadcast()
	r.mu.Unlock()

	close(r.quit)
	<-r.done
	r.callbacks.Wait()
	r.p.removeReader(r.guid.Entity)
}

// run sends ACKNACKs delayed by the heartbeat response delay.
func (r *reader) run(ctx context.Context) {
	defer close(r.done)

	var due <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.quit:
			return

		case <-r.ackKick:
			if due == nil {
				due = time.After(r.qos.Times.HeartbeatResponseDelay)
			}
		case <-due:
			due = nil
			r.mu.Lock()
			if !r.closed {
				for _, g := range r.pendingAcks.ToSlice() {
					if rw := r.writers[g]; rw != nil {
						r.appendAckNack(rw.WriterProxy, false)
					}
				}
				r.pendingAcks.Clear()
			}
			r.unlock()
		}
	}
}

// appendAckNack queues an ACKNACK acknowledging everything up to the low mark
// and requesting what is missing.
func (r *reader) appendAckNack(wp *rproxy.WriterProxy, final bool) {
	r.ackCount++
	missing := wp.MissingChanges()

	b := r.p.newMsgBuilder()
	b.to(wp.GUID().Prefix, wp.Attributes().Locators)
	b.room(rwire.AckNackMaxLen, b.lastTS)
	b.enc.AckNack(&rwire.AckNack{
		Reader:  r.guid,
		Writer:  wp.GUID(),
		Missing: missing,
		Count:   r.ackCount,
		Final:   final,
	})
	r.outbox = append(r.outbox, b.take()...)
}

func (r *reader) scheduleAck(wp *rproxy.WriterProxy) {
	if r.qos.Times.HeartbeatResponseDelay <= 0 {
		r.appendAckNack(wp, false)
		return
	}
	r.pendingAcks.Add(wp.GUID())
	select {
	case r.ackKick <- struct{}{}:
	default:
	}
}

// writerFor returns the proxy for w,
// creating an implicit one if unknown writers are accepted.
func (r *reader) writerFor(w rid.GUID, addressed bool) *remoteWriter {
	if rw := r.writers[w]; rw != nil {
		return rw
	}
	if !addressed || !r.acceptUnknown {
		return nil
	}

	wp := rproxy.NewWriterProxy(rproxy.WriterAttributes{GUID: w, Topic: r.topic})
	if f := r.history.Floor(w); f > 0 {
		wp.SetFloor(f)
	}
	rw := &remoteWriter{WriterProxy: wp, implicit: true}
	r.writers[w] = rw
	r.history.SetStrength(w, 0)
	r.log.Debug("Accepting changes from unmatched writer", "writer", w)
	return rw
}

func (r *reader) handleData(d *rwire.Data, addressed bool) {
	r.mu.Lock()
	defer r.unlock()

	if r.closed {
		return
	}
	rw := r.writerFor(d.Writer, addressed)
	if rw == nil {
		return
	}
	r.accept(rw, d.Seq, d.Kind, d.Instance, d.Timestamp, d.Payload)
}

func (r *reader) handleDataFrag(f *rwire.DataFrag, addressed bool) {
	r.mu.Lock()
	defer r.unlock()

	if r.closed {
		return
	}
	rw := r.writerFor(f.Writer, addressed)
	if rw == nil || rw.IsReceived(f.Seq) {
		return
	}
	if rw.IsReliable() && f.Seq-rw.LowMark() > rproxy.ReceiveWindow {
		return
	}

	sample, done, err := r.frags.Add(f)
	if err != nil {
		r.log.Warn("Dropping fragment", "writer", f.Writer, "seq", f.Seq, "err", err)
		return
	}
	if !done {
		return
	}
	payload, err := rwire.DecodePayload(sample)
	if err != nil {
		r.log.Warn("Dropping reassembled sample", "writer", f.Writer, "seq", f.Seq, "err", err)
		return
	}
	r.accept(rw, f.Seq, f.Kind, f.Instance, f.Timestamp, payload)
}

// accept admits one complete change from rw.
func (r *reader) accept(
	rw *remoteWriter,
	seq rid.SequenceNumber,
	kind rcache.ChangeKind,
	instance rcache.InstanceHandle,
	ts time.Time,
	payload []byte,
) {
	if !rw.Synced() && (!rw.IsReliable() || r.qos.Durability == rqos.Volatile) {
		// A volatile reader starts from the first change it sees.
		// A transient-local reliable reader waits for a heartbeat instead.
		rw.SetFloor(seq - 1)
		rw.MarkSynced()
	}
	if rw.IsReceived(seq) {
		return
	}
	if rw.IsReliable() && seq-rw.LowMark() > rproxy.ReceiveWindow {
		return
	}

	c, err := r.history.Reserve(len(payload))
	if err != nil {
		r.historyFull(rw, seq, err)
		return
	}
	copy(c.Payload, payload)
	c.WriterGUID = rw.GUID()
	c.SequenceNumber = seq
	c.Kind = kind
	c.Instance = instance
	c.SourceTimestamp = ts
	c.ReceptionTimestamp = time.Now()

	if err := r.history.AddChange(c); err != nil {
		r.history.Release(c)
		if errors.Is(err, rhistory.ErrSuperseded) {
			// Newer changes already fill the depth; the writer need not resend it.
			r.log.Debug("Dropping superseded change", "writer", rw.GUID(), "seq", seq)
			rw.ReceivedChangeSet(seq)
			r.floorMoved(rw.WriterProxy)
			return
		}
		r.historyFull(rw, seq, err)
		return
	}
	info := sampleInfo(c)

	rw.ReceivedChangeSet(seq)
	r.floorMoved(rw.WriterProxy)

	if fn := r.listener.OnChangeAdded; fn != nil {
		r.notes = append(r.notes, func() { fn(info) })
	}
}

// historyFull handles a change the history could not admit.
// A reliable writer will resend it; from a best-effort writer it is lost.
func (r *reader) historyFull(rw *remoteWriter, seq rid.SequenceNumber, err error) {
	r.log.Warn("Dropping change: history full", "writer", rw.GUID(), "seq", seq, "err", err)
	if !rw.IsReliable() {
		rw.ReceivedChangeSet(seq)
		r.floorMoved(rw.WriterProxy)
	}
	if fn := r.listener.OnHistoryFull; fn != nil {
		r.notes = append(r.notes, fn)
	}
}

// floorMoved propagates the proxy's low mark to the history and assembler.
func (r *reader) floorMoved(wp *rproxy.WriterProxy) {
	r.history.AdvanceFloor(wp.GUID(), wp.LowMark())
	r.frags.DropBelow(wp.GUID(), wp.LowMark())
	r.arrived.Broadcast()
}

func (r *reader) handleHeartbeat(h *rwire.Heartbeat) {
	r.mu.Lock()
	defer r.unlock()

	if r.closed {
		return
	}
	rw := r.writers[h.Writer]
	if rw == nil || rw.implicit || !rw.IsReliable() {
		return
	}
	if !rw.AcceptHeartbeat(h.Count) {
		return
	}

	rw.MissingChangesUpdate(h.Last)
	switch {
	case !rw.Synced():
		if r.qos.Durability >= rqos.TransientLocal {
			rw.SetFloor(h.First - 1)
		} else {
			floor := h.Last
			if low, ok := rw.LowestReceivedAbove(); ok && low-1 < floor {
				floor = low - 1
			}
			rw.SetFloor(floor)
		}
		rw.MarkSynced()

	case h.First > rw.LowMark()+1:
		first, last, n := rw.LostChangesUpdate(h.First)
		if n > 0 {
			gapErr := UnrecoverableGapError{
				Writer: rw.GUID(),
				Reader: r.guid,
				First:  first,
				Last:   last,
			}
			r.log.Info("Changes lost", "writer", rw.GUID(), "first", first, "last", last, "n", n)
			if fn := r.listener.OnUnrecoverableGap; fn != nil {
				r.notes = append(r.notes, func() { fn(gapErr) })
			}
		}
	}
	r.floorMoved(rw.WriterProxy)

	if !h.Final || !rw.MissingChanges().Empty() {
		r.scheduleAck(rw.WriterProxy)
	}
}

func (r *reader) handleGap(g *rwire.Gap) {
	r.mu.Lock()
	defer r.unlock()

	if r.closed {
		return
	}
	rw := r.writers[g.Writer]
	if rw == nil {
		return
	}

	rw.IrrelevantRange(g.Start, g.List.Base-1)
	for seq := range g.List.All() {
		rw.IrrelevantChangeSet(seq)
	}
	r.floorMoved(rw.WriterProxy)
}

// Locators returns the addresses writers use to reach the reader.
func (r *reader) Locators() []rtransport.Locator { return r.p.Locators() }
