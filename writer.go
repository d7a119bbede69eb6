package rtps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gordian-engine/rtps/internal/rchan"
	"github.com/gordian-engine/rtps/internal/rtrace"
	"github.com/gordian-engine/rtps/rcache"
	"github.com/gordian-engine/rtps/rfrag"
	"github.com/gordian-engine/rtps/rhistory"
	"github.com/gordian-engine/rtps/rid"
	"github.com/gordian-engine/rtps/rproxy"
	"github.com/gordian-engine/rtps/rqos"
	"github.com/gordian-engine/rtps/rtransport"
	"github.com/gordian-engine/rtps/rtype"
	"github.com/gordian-engine/rtps/rwire"
	"golang.org/x/time/rate"
)

// WriterConfig configures a [Writer].
type WriterConfig[T any] struct {
	Topic string

	TypeSupport rtype.TypeSupport[T]

	QoS rqos.WriterQoS

	Listener WriterListener

	// Entity key within the participant.
	// Zero allocates the next free key.
	EntityKey uint32

	// Payload capacity pre-allocated per history slot.
	// Zero lets payload buffers grow on demand.
	MaxPayloadSize int
}

// Writer publishes samples of type T to matched readers.
type Writer[T any] struct {
	*writer
	ts rtype.TypeSupport[T]
}

// writer is the type-independent writer engine.
type writer struct {
	p        *Participant
	log      *slog.Logger
	guid     rid.GUID
	topic    string
	qos      rqos.WriterQoS
	listener WriterListener
	keyed    bool

	mu      sync.Mutex
	history *rhistory.WriterHistory
	proxies map[rid.GUID]*rproxy.ReaderProxy
	frags   map[rid.SequenceNumber]rfrag.Fragments
	hbCount uint32
	closed  bool

	// Collected under mu, delivered by unlock.
	notes  []func()
	outbox []outgoing

	// Listener deliveries in progress; close waits for them.
	callbacks sync.WaitGroup

	// Broadcast whenever acknowledgement state or the proxy set changes.
	acked *rchan.Signal

	limiter *rate.Limiter

	kick       chan struct{}
	repairKick chan struct{}
	quit       chan struct{}
	done       chan struct{}
}

// NewWriter creates a writer on p.
// The writer runs until it or the participant is closed.
func NewWriter[T any](p *Participant, cfg WriterConfig[T]) (*Writer[T], error) {
	if cfg.TypeSupport == nil {
		return nil, errors.New("WriterConfig.TypeSupport must not be nil")
	}
	if err := cfg.QoS.Validate(); err != nil {
		return nil, err
	}

	kind := rid.EntityKindWriterNoKey
	if cfg.QoS.TopicKind == rqos.WithKey {
		kind = rid.EntityKindWriterWithKey
	}
	id := p.newEntityID(kind)
	if cfg.EntityKey != 0 {
		id = rid.NewEntityID(cfg.EntityKey, kind)
	}
	guid := rid.GUID{Prefix: p.prefix, Entity: id}

	w := &writer{
		p:        p,
		log:      p.log.With("writer", guid, "topic", cfg.Topic),
		guid:     guid,
		topic:    cfg.Topic,
		qos:      cfg.QoS,
		listener: cfg.Listener,
		keyed:    cfg.QoS.TopicKind == rqos.WithKey,

		proxies: make(map[rid.GUID]*rproxy.ReaderProxy),
		frags:   make(map[rid.SequenceNumber]rfrag.Fragments),

		acked: rchan.NewSignal(),

		kick:       make(chan struct{}, 1),
		repairKick: make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	w.history = rhistory.NewWriterHistory(guid, rhistory.Config{
		History:        cfg.QoS.History,
		ResourceLimits: cfg.QoS.ResourceLimits,
		TopicKind:      cfg.QoS.TopicKind,
		MaxPayloadSize: cfg.MaxPayloadSize,
	}, w.changeRemoved)

	if fc := cfg.QoS.FlowControl; cfg.QoS.PublishMode == rqos.Asynchronous && fc.BytesPerSecond > 0 {
		// Every message must fit in one burst.
		burst := max(fc.Burst, p.maxMessage)
		w.limiter = rate.NewLimiter(rate.Limit(fc.BytesPerSecond), burst)
	}

	if err := p.addWriter(id, w); err != nil {
		return nil, err
	}
	p.goBackground(w.run)

	return &Writer[T]{writer: w, ts: cfg.TypeSupport}, nil
}

// GUID returns the writer's GUID.
func (w *writer) GUID() rid.GUID { return w.guid }

// QoS returns the writer's policies.
func (w *writer) QoS() rqos.WriterQoS { return w.qos }

// Topic returns the writer's topic name.
func (w *writer) Topic() string { return w.topic }

// unlock releases mu, then sends queued messages and runs queued callbacks.
// Callbacks queued after close has begun are dropped.
func (w *writer) unlock() {
	notes, out := w.notes, w.outbox
	w.notes, w.outbox = nil, nil
	deliver := len(notes) > 0 && !w.closed
	if deliver {
		w.callbacks.Add(1)
	}
	w.mu.Unlock()

	w.p.send(out)
	if !deliver {
		return
	}
	defer w.callbacks.Done()
	for _, n := range notes {
		n()
	}
}

// writerLocker lets rchan.WaitUntil flush queued work while it waits.
type writerLocker struct{ w *writer }

func (l writerLocker) Lock()   { l.w.mu.Lock() }
func (l writerLocker) Unlock() { l.w.unlock() }

func (w *writer) notifyHistoryFull() {
	if fn := w.listener.OnHistoryFull; fn != nil {
		w.notes = append(w.notes, fn)
	}
}

func (w *writer) notifyMatch(remote rid.GUID, change int) {
	if fn := w.listener.OnReaderMatched; fn != nil {
		st := MatchStatus{Remote: remote, Current: len(w.proxies), Change: change}
		w.notes = append(w.notes, func() { fn(st) })
	}
}

// NewChange serializes v into a change reserved from the history.
// The change must be passed to AddNewChange or ReleaseChange.
//
// If concurrent writes hold every history slot,
// NewChange waits for one for up to max_blocking_time
// and then returns [ErrTimeout].
//
// Changes other than [rcache.Alive] on a topic without key
// return [ErrKeyRequired].
func (w *Writer[T]) NewChange(ctx context.Context, kind rcache.ChangeKind, v T) (*rcache.Change, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("invalid change kind %d", kind)
	}

	var instance rcache.InstanceHandle
	if w.keyed {
		h, ok := w.ts.Key(v)
		if !ok {
			return nil, fmt.Errorf("%w: sample has no key", ErrKeyRequired)
		}
		instance = h
	} else if kind != rcache.Alive {
		return nil, fmt.Errorf("%w: cannot write %s on a topic without key", ErrKeyRequired, kind)
	}

	w.mu.Lock()
	defer w.unlock()

	if w.closed {
		return nil, ErrClosed
	}

	c, err := w.reserve(ctx)
	if err != nil {
		return nil, err
	}
	c.Kind = kind
	c.Instance = instance

	if kind == rcache.Alive {
		b, err := w.ts.Serialize(c.Payload[:0], v)
		if err != nil {
			w.release(c)
			return nil, fmt.Errorf("failed to serialize sample: %w", err)
		}
		if err := w.history.Adopt(c, b); err != nil {
			w.release(c)
			return nil, err
		}
	}
	return c, nil
}

// reserve takes a change from the history's pool,
// waiting while other writes in progress hold every slot.
func (w *writer) reserve(ctx context.Context) (*rcache.Change, error) {
	c, err := w.history.Reserve(0)
	if err == nil || !errors.Is(err, rhistory.ErrResourceExhausted) {
		return c, err
	}
	w.notifyHistoryFull()

	ctx, cancel := context.WithTimeoutCause(ctx, w.qos.Reliability.MaxBlockingTime, ErrTimeout)
	defer cancel()

	if err := rchan.WaitUntil(ctx, writerLocker{w}, w.acked, func() bool {
		if w.closed {
			return true
		}
		c, err = w.history.Reserve(0)
		return err == nil
	}); err != nil {
		return nil, err
	}
	if w.closed {
		if c != nil {
			w.release(c)
		}
		return nil, ErrClosed
	}
	return c, nil
}

// release returns c to the pool and wakes writes waiting for a slot.
func (w *writer) release(c *rcache.Change) {
	w.history.Release(c)
	w.acked.Broadcast()
}

// ReleaseChange returns a change from NewChange that will not be added.
func (w *writer) ReleaseChange(c *rcache.Change) {
	w.mu.Lock()
	defer w.unlock()
	w.release(c)
}

// Write publishes v.
func (w *Writer[T]) Write(ctx context.Context, v T) error {
	return w.writeKind(ctx, rcache.Alive, v)
}

// Dispose marks the instance of v as disposed.
func (w *Writer[T]) Dispose(ctx context.Context, v T) error {
	return w.writeKind(ctx, rcache.NotAliveDisposed, v)
}

// Unregister releases the writer's interest in the instance of v.
// With exclusive ownership this lets a weaker writer take over.
func (w *Writer[T]) Unregister(ctx context.Context, v T) error {
	return w.writeKind(ctx, rcache.NotAliveUnregistered, v)
}

func (w *Writer[T]) writeKind(ctx context.Context, kind rcache.ChangeKind, v T) error {
	// One deadline covers waiting for a slot and waiting for room.
	ctx, cancel := context.WithTimeoutCause(ctx, w.qos.Reliability.MaxBlockingTime, ErrTimeout)
	defer cancel()

	c, err := w.NewChange(ctx, kind, v)
	if err != nil {
		return err
	}
	return w.AddNewChange(ctx, c)
}

// AddNewChange assigns the next sequence number to c, admits it to the history,
// and sends it to matched readers.
//
// With KEEP_ALL history a full history blocks for up to max_blocking_time
// waiting for reliable readers to acknowledge the oldest change,
// then returns [ErrTimeout].
// c is released on any error.
func (w *writer) AddNewChange(ctx context.Context, c *rcache.Change) (err error) {
	ctx, span := w.p.tracer.Start(ctx, "AddNewChange", rtrace.WithAttributes(
		rtrace.StringerAttr("writer", w.guid),
		rtrace.StringerAttr("kind", c.Kind),
	))
	defer span.End()
	defer func() {
		if err != nil {
			rtrace.SpanError(span, err)
		}
	}()

	w.mu.Lock()
	defer w.unlock()

	if w.closed {
		w.release(c)
		return ErrClosed
	}
	if c.SourceTimestamp.IsZero() {
		c.SourceTimestamp = time.Now()
	}

	var frags rfrag.Fragments
	if w.needsFragments(c) {
		frags, err = w.split(c)
		if err != nil {
			w.release(c)
			return err
		}
	}

	if err := w.makeRoom(ctx, c.Instance); err != nil {
		w.release(c)
		return err
	}
	if err := w.history.AddChange(c); err != nil {
		w.release(c)
		w.notifyHistoryFull()
		return err
	}

	seq := c.SequenceNumber
	span.SetAttributes(rtrace.SeqAttr("seq", int64(seq)))
	if len(frags.Shards) > 0 {
		w.frags[seq] = frags
		span.SetAttributes(rtrace.IntAttr("fragments", len(frags.Shards)))
	}

	for _, rp := range w.proxies {
		rp.AddChange(seq, true)
	}
	w.dispatch()
	return nil
}

// dispatch sends unsent changes now, or wakes the run loop in asynchronous mode.
func (w *writer) dispatch() {
	if w.qos.PublishMode == rqos.Asynchronous {
		select {
		case w.kick <- struct{}{}:
		default:
		}
		return
	}
	w.buildUnsent()
}

// makeRoom ensures the history can admit a change for instance.
func (w *writer) makeRoom(ctx context.Context, instance rcache.InstanceHandle) error {
	if w.freeBlockers(instance) {
		return nil
	}
	w.notifyHistoryFull()

	ctx, cancel := context.WithTimeoutCause(ctx, w.qos.Reliability.MaxBlockingTime, ErrTimeout)
	defer cancel()

	if err := rchan.WaitUntil(ctx, writerLocker{w}, w.acked, func() bool {
		return w.closed || w.freeBlockers(instance)
	}); err != nil {
		if errors.Is(err, ErrTimeout) {
			w.log.Debug("Write timed out waiting for acknowledgements", "instance", instance)
		}
		return err
	}
	if w.closed {
		return ErrClosed
	}
	return nil
}

// freeBlockers removes blocking changes that every reliable reader has acknowledged,
// reporting whether a change for instance can now be admitted.
// A best-effort writer drops blockers unconditionally.
func (w *writer) freeBlockers(instance rcache.InstanceHandle) bool {
	for {
		b := w.history.Blocker(instance)
		if b == nil {
			return true
		}
		if w.qos.IsReliable() && !w.ackedByAll(b.SequenceNumber) {
			return false
		}
		if err := w.history.RemoveChange(b.SequenceNumber); err != nil {
			panic(fmt.Errorf("BUG: blocker %d not removable: %w", b.SequenceNumber, err))
		}
	}
}

func (w *writer) ackedByAll(seq rid.SequenceNumber) bool {
	for _, rp := range w.proxies {
		if rp.IsReliable() && !rp.ChangeIsAcked(seq) {
			return false
		}
	}
	return true
}

// IsAckedByAll reports whether every matched reliable reader
// has acknowledged seq.
func (w *writer) IsAckedByAll(seq rid.SequenceNumber) bool {
	w.mu.Lock()
	defer w.unlock()
	return w.ackedByAll(seq)
}

// changeRemoved is the history removal hook; mu is held.
func (w *writer) changeRemoved(c *rcache.Change, why rhistory.RemoveReason) {
	seq := c.SequenceNumber
	delete(w.frags, seq)

	for _, rp := range w.proxies {
		if !rp.ChangeRemoved(seq) || !rp.IsReliable() {
			continue
		}
		reader := rp.GUID()
		w.log.Debug(
			"Change removed before acknowledgement",
			"reader", reader, "seq", seq, "reason", why,
		)
		if fn := w.listener.OnUnacknowledgedSampleRemoved; fn != nil {
			w.notes = append(w.notes, func() { fn(reader, seq) })
		}
	}
	w.acked.Broadcast()
}

// RemoveOlderChanges removes up to n of the oldest changes,
// acknowledged or not, and returns how many were removed.
func (w *writer) RemoveOlderChanges(n int) int {
	w.mu.Lock()
	defer w.unlock()
	return w.history.RemoveOlderChanges(n)
}

// HistoryLen returns the number of changes held.
func (w *writer) HistoryLen() int {
	w.mu.Lock()
	defer w.unlock()
	return w.history.Len()
}

// LastSequenceNumber returns the last sequence number assigned.
func (w *writer) LastSequenceNumber() rid.SequenceNumber {
	w.mu.Lock()
	defer w.unlock()
	return w.history.LastSequenceNumber()
}

// WaitForAcknowledgments blocks until every matched reliable reader
// has acknowledged every change in the history, or ctx is done.
func (w *writer) WaitForAcknowledgments(ctx context.Context) error {
	w.mu.Lock()
	defer w.unlock()

	if err := rchan.WaitUntil(ctx, writerLocker{w}, w.acked, func() bool {
		if w.closed {
			return true
		}
		for _, rp := range w.proxies {
			if rp.IsReliable() && rp.HasUnacknowledged() {
				return false
			}
		}
		return true
	}); err != nil {
		return err
	}
	if w.closed {
		return ErrClosed
	}
	return nil
}

// MatchedReaderAdd starts sending to the reader described by attrs.
// It returns false if the reader is already matched.
//
// A transient-local reader of a transient-local writer receives
// the whole history; any other reader starts after the last change written.
func (w *writer) MatchedReaderAdd(attrs rproxy.ReaderAttributes) bool {
	w.mu.Lock()
	defer w.unlock()

	if w.closed {
		return false
	}
	if _, ok := w.proxies[attrs.GUID]; ok {
		return false
	}
	if !w.qos.IsReliable() {
		attrs.Reliable = false
	}

	rp := rproxy.NewReaderProxy(attrs, w.qos.Times.NackSuppressionDuration)
	w.proxies[attrs.GUID] = rp

	b := w.p.newMsgBuilder()
	b.to(attrs.GUID.Prefix, attrs.Locators)

	start := w.history.LastSequenceNumber() + 1
	replay := w.qos.Durability >= rqos.TransientLocal && attrs.Durability >= rqos.TransientLocal
	if replay && w.history.Len() > 0 {
		start = w.history.SeqNumMin()
	}
	if first, last := rp.IrrelevantBelow(start); first <= last {
		w.appendGap(b, attrs.GUID, first, last)
	}
	if replay {
		for c := range w.history.Changes() {
			rp.AddChange(c.SequenceNumber, true)
		}
	}
	w.outbox = append(w.outbox, b.take()...)

	if rp.HasUnsent() {
		w.dispatch()
	} else if rp.IsReliable() {
		// Nothing to send; announce the range so a volatile reader can sync.
		b.to(attrs.GUID.Prefix, attrs.Locators)
		w.appendHeartbeat(b, rp, false)
		w.outbox = append(w.outbox, b.take()...)
	}

	w.log.Info("Matched reader", "reader", attrs.GUID, "reliable", rp.IsReliable())
	w.notifyMatch(attrs.GUID, +1)
	return true
}

// MatchedReaderRemove stops sending to the reader with the given GUID.
func (w *writer) MatchedReaderRemove(guid rid.GUID) error {
	w.mu.Lock()
	defer w.unlock()

	if _, ok := w.proxies[guid]; !ok {
		return fmt.Errorf("%w: reader %s is not matched", ErrNotFound, guid)
	}
	delete(w.proxies, guid)
	w.acked.Broadcast()

	w.log.Info("Unmatched reader", "reader", guid)
	w.notifyMatch(guid, -1)
	return nil
}

// MatchedReaders returns the GUIDs of matched readers in ascending order.
func (w *writer) MatchedReaders() []rid.GUID {
	w.mu.Lock()
	defer w.unlock()

	out := make([]rid.GUID, 0, len(w.proxies))
	for g := range w.proxies {
		out = append(out, g)
	}
	slices.SortFunc(out, rid.GUID.Compare)
	return out
}

// ProxyAttributes returns the attributes the reader was matched with.
func (w *writer) ProxyAttributes(guid rid.GUID) (rproxy.ReaderAttributes, bool) {
	w.mu.Lock()
	defer w.unlock()

	rp, ok := w.proxies[guid]
	if !ok {
		return rproxy.ReaderAttributes{}, false
	}
	return rp.Attributes(), true
}

// Close stops the writer.
// Blocked writes return [ErrClosed].
// Close returns once every listener callback in progress has returned,
// so it must not be called from a callback.
func (w *writer) Close() {
	w.close()
}

func (w *writer) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.acked.Broadcast()
	w.mu.Unlock()

	close(w.quit)
	<-w.done
	w.callbacks.Wait()
	w.p.removeWriter(w.guid.Entity)
}

// run drives heartbeats, delayed repairs and asynchronous sends.
func (w *writer) run(ctx context.Context) {
	defer close(w.done)

	var hb <-chan time.Time
	if w.qos.IsReliable() {
		t := time.NewTicker(w.qos.Times.HeartbeatPeriod)
		defer t.Stop()
		hb = t.C
	}

	var repair <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return

		case <-hb:
			w.periodicHeartbeat()

		case <-w.repairKick:
			if repair == nil {
				repair = time.After(w.qos.Times.NackResponseDelay)
			}
		case <-repair:
			repair = nil
			w.mu.Lock()
			if !w.closed {
				w.buildRepairs()
			}
			w.unlock()

		case <-w.kick:
			w.flushAsync(ctx)
		}
	}
}

// flushAsync sends unsent changes, paced by the flow controller if any.
func (w *writer) flushAsync(ctx context.Context) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.buildUnsent()
	out := w.outbox
	w.outbox = nil
	w.unlock()

	for _, o := range out {
		if w.limiter != nil {
			if err := w.limiter.WaitN(ctx, min(len(o.b), w.limiter.Burst())); err != nil {
				return
			}
		}
		w.p.send([]outgoing{o})
	}
}

func (w *writer) periodicHeartbeat() {
	w.mu.Lock()
	defer w.unlock()

	if w.closed {
		return
	}
	b := w.p.newMsgBuilder()
	for _, rp := range w.proxies {
		if !rp.IsReliable() || !rp.HasUnacknowledged() {
			continue
		}
		b.to(rp.GUID().Prefix, rp.Attributes().Locators)
		w.appendHeartbeat(b, rp, false)
	}
	w.outbox = append(w.outbox, b.take()...)
}

// buildUnsent queues every unsent change for every reader.
// Reliable readers also get a heartbeat after their changes.
func (w *writer) buildUnsent() {
	now := time.Now()
	b := w.p.newMsgBuilder()
	for _, rp := range w.proxies {
		unsent := rp.UnsentChanges()
		if len(unsent) == 0 {
			continue
		}
		b.to(rp.GUID().Prefix, rp.Attributes().Locators)
		for _, cf := range unsent {
			w.appendChange(b, rp.GUID(), cf.Seq, cf.Relevant)
			rp.MarkSent(cf.Seq, now)
		}
		if rp.IsReliable() {
			w.appendHeartbeat(b, rp, false)
		}
	}
	w.outbox = append(w.outbox, b.take()...)
}

// buildRepairs queues every change readers have requested.
func (w *writer) buildRepairs() {
	now := time.Now()
	b := w.p.newMsgBuilder()
	for _, rp := range w.proxies {
		if !rp.HasRequested() {
			continue
		}
		b.to(rp.GUID().Prefix, rp.Attributes().Locators)
		for _, seq := range rp.RequestedChanges() {
			w.appendChange(b, rp.GUID(), seq, true)
			rp.MarkSent(seq, now)
		}
		w.appendHeartbeat(b, rp, false)
	}
	w.outbox = append(w.outbox, b.take()...)
}

func (w *writer) needsFragments(c *rcache.Change) bool {
	if c.Kind != rcache.Alive {
		return false
	}
	n := rwire.HeaderLen + rwire.InfoDstLen + rwire.InfoTSLen +
		rwire.DataOverhead + rwire.EncapsulatedLen(len(c.Payload))
	return n > w.p.maxMessage
}

func (w *writer) split(c *rcache.Change) (rfrag.Fragments, error) {
	shard := w.p.maxMessage - rwire.HeaderLen - rwire.InfoDstLen - rwire.InfoTSLen - rwire.DataFragOverhead
	f, err := rfrag.Split(rwire.AppendPayload(nil, c.Payload), shard, w.p.parityRatio)
	if err != nil {
		return rfrag.Fragments{}, fmt.Errorf("failed to fragment %d-byte sample: %w", len(c.Payload), err)
	}
	return f, nil
}

// appendChange encodes change seq for reader as DATA, DATA_FRAG or GAP.
func (w *writer) appendChange(b *msgBuilder, reader rid.GUID, seq rid.SequenceNumber, relevant bool) {
	c, ok := w.history.Get(seq)
	if !ok || !relevant {
		w.appendGap(b, reader, seq, seq)
		return
	}

	if f, ok := w.frags[seq]; ok {
		for i, s := range f.Shards {
			b.room(rwire.DataFragOverhead+len(s), c.SourceTimestamp)
			b.enc.DataFrag(&rwire.DataFrag{
				Reader:   reader,
				Writer:   w.guid,
				Seq:      seq,
				Kind:     c.Kind,
				Instance: c.Instance,
				HasKey:   w.keyed,

				FragmentNum:  uint32(i + 1),
				FragmentSize: uint16(len(s)),
				SampleSize:   uint32(f.SampleSize),
				DataShards:   uint16(f.DataShards),
				ParityShards: uint16(f.ParityShards),

				Fragment: s,
			})
		}
		return
	}

	b.room(rwire.DataOverhead+rwire.EncapsulatedLen(len(c.Payload)), c.SourceTimestamp)
	b.enc.Data(&rwire.Data{
		Reader:   reader,
		Writer:   w.guid,
		Seq:      seq,
		Kind:     c.Kind,
		Instance: c.Instance,
		HasKey:   w.keyed,
		Payload:  c.Payload,
	})
}

// appendGap declares [first, last] irrelevant to reader.
func (w *writer) appendGap(b *msgBuilder, reader rid.GUID, first, last rid.SequenceNumber) {
	b.room(rwire.GapMaxLen, b.lastTS)
	b.enc.Gap(&rwire.Gap{
		Reader: reader,
		Writer: w.guid,
		Start:  first,
		List:   rid.NewSequenceNumberSet(last + 1),
	})
}

func (w *writer) appendHeartbeat(b *msgBuilder, rp *rproxy.ReaderProxy, final bool) {
	w.hbCount++
	last := w.history.LastSequenceNumber()
	first := last + 1
	if w.history.Len() > 0 {
		first = w.history.SeqNumMin()
	}

	b.room(rwire.HeartbeatLen, b.lastTS)
	b.enc.Heartbeat(&rwire.Heartbeat{
		Reader: rp.GUID(),
		Writer: w.guid,
		First:  first,
		Last:   last,
		Count:  w.hbCount,
		Final:  final,
	})
}

// handleAckNack applies an acknowledgement and schedules repairs.
func (w *writer) handleAckNack(a *rwire.AckNack) {
	w.mu.Lock()
	defer w.unlock()

	if w.closed {
		return
	}
	rp := w.proxies[a.Reader]
	if rp == nil || !rp.IsReliable() {
		return
	}
	if !rp.AcceptAckNack(a.Count) {
		return
	}

	if rp.AckedChangesSet(a.Missing.Base) {
		w.acked.Broadcast()
	}

	n, gone := rp.RequestedChangesSet(a.Missing, w.history.LastSequenceNumber(), time.Now())
	if len(gone) > 0 {
		w.reportGone(rp, gone)
	}
	if n == 0 {
		return
	}

	if w.qos.Times.NackResponseDelay <= 0 {
		w.buildRepairs()
		return
	}
	select {
	case w.repairKick <- struct{}{}:
	default:
	}
}

// reportGone handles requests for changes the history no longer holds.
// Changes below the history's first sequence number are left to the next
// heartbeat, which lets the reader detect the loss itself.
// Holes above it are closed with GAPs.
func (w *writer) reportGone(rp *rproxy.ReaderProxy, gone []rid.SequenceNumber) {
	reader := rp.GUID()
	gapErr := UnrecoverableGapError{
		Writer: w.guid,
		Reader: reader,
		First:  gone[0],
		Last:   gone[len(gone)-1],
	}
	w.log.Info("Reader requested changes no longer held", "reader", reader, "first", gapErr.First, "last", gapErr.Last)
	if fn := w.listener.OnUnrecoverableGap; fn != nil {
		w.notes = append(w.notes, func() { fn(gapErr) })
	}

	held := w.history.LastSequenceNumber() + 1
	if w.history.Len() > 0 {
		held = w.history.SeqNumMin()
	}

	b := w.p.newMsgBuilder()
	b.to(reader.Prefix, rp.Attributes().Locators)
	for i := 0; i < len(gone); {
		j := i
		for j+1 < len(gone) && gone[j+1] == gone[j]+1 {
			j++
		}
		if gone[j] >= held {
			w.appendGap(b, reader, max(gone[i], held), gone[j])
		}
		i = j + 1
	}
	w.appendHeartbeat(b, rp, false)
	w.outbox = append(w.outbox, b.take()...)
}

// Locators returns the addresses readers use to reach the writer.
func (w *writer) Locators() []rtransport.Locator { return w.p.Locators() }
