package rtps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/rtps/internal/rtrace"
	"github.com/gordian-engine/rtps/rid"
	"github.com/gordian-engine/rtps/rtransport"
	"github.com/gordian-engine/rtps/rwire"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxMessageSize bounds outgoing messages on transports
// that do not report their own limit.
const DefaultMaxMessageSize = 64000

// Smallest message size that leaves room for a useful DATA_FRAG shard.
const minMessageSize = 256

// ParticipantConfig configures a [Participant].
type ParticipantConfig struct {
	// Zero means a random prefix.
	GUIDPrefix rid.GUIDPrefix

	Transport rtransport.Transport

	// Nil means the no-op provider.
	TracerProvider rtrace.TracerProvider

	// Largest RTPS message sent. Zero means the transport's
	// MaxDatagramSize if it has one, otherwise [DefaultMaxMessageSize].
	// Samples that do not fit in one message are fragmented.
	MaxMessageSize int

	// Parity shards per data shard for fragmented samples.
	ParityRatio float32

	// Incomplete fragmented samples each reader holds.
	// Zero means rfrag.DefaultMaxPending.
	MaxPendingFragments int
}

func (c ParticipantConfig) validate() {
	var panicErrs error
	if c.Transport == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ParticipantConfig.Transport must not be nil"))
	}
	if c.MaxMessageSize != 0 && c.MaxMessageSize < minMessageSize {
		panicErrs = errors.Join(panicErrs, fmt.Errorf(
			"ParticipantConfig.MaxMessageSize must be at least %d (got %d)",
			minMessageSize, c.MaxMessageSize,
		))
	}
	if c.ParityRatio < 0 {
		panicErrs = errors.Join(panicErrs, fmt.Errorf(
			"ParticipantConfig.ParityRatio must be non-negative (got %g)", c.ParityRatio,
		))
	}
	if panicErrs != nil {
		panic(panicErrs)
	}
}

// Participant owns a transport and the endpoints that share it.
//
// Every endpoint belongs to exactly one participant,
// and inbound datagrams are routed to endpoints by entity ID.
type Participant struct {
	log    *slog.Logger
	tracer rtrace.Tracer

	prefix    rid.GUIDPrefix
	transport rtransport.Transport

	maxMessage          int
	parityRatio         float32
	maxPendingFragments int

	ctx    context.Context
	cancel context.CancelCauseFunc
	eg     *errgroup.Group

	mu      sync.Mutex
	writers map[rid.EntityID]writerEndpoint
	readers map[rid.EntityID]readerEndpoint
	closed  bool

	nextKey atomic.Uint32
}

// writerEndpoint is the non-generic side of a [Writer].
type writerEndpoint interface {
	handleAckNack(a *rwire.AckNack)
	close()
}

// readerEndpoint is the non-generic side of a [Reader].
// addressed is false when the submessage named no reader entity.
type readerEndpoint interface {
	handleData(d *rwire.Data, addressed bool)
	handleDataFrag(f *rwire.DataFrag, addressed bool)
	handleHeartbeat(h *rwire.Heartbeat)
	handleGap(g *rwire.Gap)
	close()
}

// NewParticipant starts a participant on cfg.Transport.
// The participant runs until ctx is cancelled or Close is called.
func NewParticipant(ctx context.Context, log *slog.Logger, cfg ParticipantConfig) (*Participant, error) {
	cfg.validate()

	prefix := cfg.GUIDPrefix
	if prefix.IsZero() {
		prefix = rid.NewGUIDPrefix()
	}

	maxMessage := cfg.MaxMessageSize
	if ms, ok := cfg.Transport.(rtransport.MaxDatagramSizer); ok {
		if tm := ms.MaxDatagramSize(); maxMessage == 0 || tm < maxMessage {
			maxMessage = tm
		}
	}
	if maxMessage == 0 {
		maxMessage = DefaultMaxMessageSize
	}
	if maxMessage < minMessageSize {
		return nil, fmt.Errorf(
			"transport datagram limit %d is below the minimum message size %d",
			maxMessage, minMessageSize,
		)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	eg, egCtx := errgroup.WithContext(ctx)

	p := &Participant{
		log:    log.With("participant", prefix),
		tracer: rtrace.TracerFrom(cfg.TracerProvider),

		prefix:    prefix,
		transport: cfg.Transport,

		maxMessage:          maxMessage,
		parityRatio:         cfg.ParityRatio,
		maxPendingFragments: cfg.MaxPendingFragments,

		ctx:    egCtx,
		cancel: cancel,
		eg:     eg,

		writers: make(map[rid.EntityID]writerEndpoint),
		readers: make(map[rid.EntityID]readerEndpoint),
	}

	eg.Go(func() error {
		if err := p.transport.Run(egCtx, p); err != nil {
			return fmt.Errorf("transport stopped: %w", err)
		}
		return nil
	})

	return p, nil
}

// GUIDPrefix returns the prefix shared by every endpoint of p.
func (p *Participant) GUIDPrefix() rid.GUIDPrefix { return p.prefix }

// Locators returns the addresses remote endpoints use to reach p.
func (p *Participant) Locators() []rtransport.Locator {
	return p.transport.LocalLocators()
}

// MaxMessageSize returns the largest message p sends.
func (p *Participant) MaxMessageSize() int { return p.maxMessage }

// Close stops every endpoint and the transport.
// Use Wait to block until background work has finished.
func (p *Participant) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	writers := make([]writerEndpoint, 0, len(p.writers))
	for _, w := range p.writers {
		writers = append(writers, w)
	}
	readers := make([]readerEndpoint, 0, len(p.readers))
	for _, r := range p.readers {
		readers = append(readers, r)
	}
	p.mu.Unlock()

	for _, w := range writers {
		w.close()
	}
	for _, r := range readers {
		r.close()
	}
	p.cancel(ErrClosed)
}

// Wait blocks until the transport and every endpoint goroutine have stopped,
// returning the first error that stopped them.
func (p *Participant) Wait() error {
	return p.eg.Wait()
}

func (p *Participant) newEntityID(kind byte) rid.EntityID {
	return rid.NewEntityID(p.nextKey.Add(1), kind)
}

func (p *Participant) addWriter(id rid.EntityID, w writerEndpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.ctx.Err() != nil {
		return ErrClosed
	}
	if _, ok := p.writers[id]; ok {
		return fmt.Errorf("entity %s already in use", id)
	}
	p.writers[id] = w
	return nil
}

func (p *Participant) addReader(id rid.EntityID, r readerEndpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.ctx.Err() != nil {
		return ErrClosed
	}
	if _, ok := p.readers[id]; ok {
		return fmt.Errorf("entity %s already in use", id)
	}
	p.readers[id] = r
	return nil
}

func (p *Participant) removeWriter(id rid.EntityID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.writers, id)
}

func (p *Participant) removeReader(id rid.EntityID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.readers, id)
}

// goBackground runs f under the participant's errgroup.
func (p *Participant) goBackground(f func(ctx context.Context)) {
	p.eg.Go(func() error {
		f(p.ctx)
		return nil
	})
}

// HandleDatagram implements [rtransport.Handler].
// It decodes one message and dispatches its submessages to local endpoints.
func (p *Participant) HandleDatagram(b []byte, src rtransport.Locator) {
	m, err := rwire.Decode(b)
	if err != nil {
		p.log.Warn("Dropping malformed message", "src", src, "err", err)
		return
	}
	if m.Header.Prefix == p.prefix {
		// Our own traffic looped back.
		return
	}

	for _, sm := range m.Submessages {
		switch sm := sm.(type) {
		case *rwire.Data:
			for r, addressed := range p.readersFor(sm.Reader) {
				r.handleData(sm, addressed)
			}
		case *rwire.DataFrag:
			for r, addressed := range p.readersFor(sm.Reader) {
				r.handleDataFrag(sm, addressed)
			}
		case *rwire.Heartbeat:
			for r := range p.readersFor(sm.Reader) {
				r.handleHeartbeat(sm)
			}
		case *rwire.Gap:
			for r := range p.readersFor(sm.Reader) {
				r.handleGap(sm)
			}
		case *rwire.AckNack:
			if !sm.Writer.Prefix.IsZero() && sm.Writer.Prefix != p.prefix {
				continue
			}
			p.mu.Lock()
			w := p.writers[sm.Writer.Entity]
			p.mu.Unlock()
			if w != nil {
				w.handleAckNack(sm)
			}
		}
	}
}

// readersFor yields the local readers a submessage addressed to dst reaches,
// and whether each was named explicitly.
// The participant lock is not held while yielding.
func (p *Participant) readersFor(dst rid.GUID) func(yield func(readerEndpoint, bool) bool) {
	return func(yield func(readerEndpoint, bool) bool) {
		if !dst.Prefix.IsZero() && dst.Prefix != p.prefix {
			return
		}

		p.mu.Lock()
		if dst.Entity != rid.EntityIDUnknown {
			r := p.readers[dst.Entity]
			p.mu.Unlock()
			if r != nil {
				yield(r, true)
			}
			return
		}
		all := make([]readerEndpoint, 0, len(p.readers))
		for _, r := range p.readers {
			all = append(all, r)
		}
		p.mu.Unlock()

		for _, r := range all {
			if !yield(r, false) {
				return
			}
		}
	}
}

// outgoing is an encoded message and its destinations.
type outgoing struct {
	b   []byte
	dst []rtransport.Locator
}

// send transmits every message, logging failures.
// It must not be called with an endpoint lock held.
func (p *Participant) send(out []outgoing) {
	for _, o := range out {
		for _, loc := range o.dst {
			if err := p.transport.Send(p.ctx, o.b, loc); err != nil {
				if p.ctx.Err() == nil {
					p.log.Debug("Failed to send message", "dst", loc, "err", err)
				}
			}
		}
	}
}

// msgBuilder packs submessages for one destination into messages
// no larger than the participant's limit.
type msgBuilder struct {
	enc *rwire.Encoder
	max int

	dst  rid.GUIDPrefix
	locs []rtransport.Locator

	entities int
	lastTS   time.Time

	out []outgoing
}

func (p *Participant) newMsgBuilder() *msgBuilder {
	return &msgBuilder{
		enc: rwire.NewEncoder(p.prefix),
		max: p.maxMessage,
	}
}

// to starts building for a new destination, flushing anything pending.
func (b *msgBuilder) to(dst rid.GUIDPrefix, locs []rtransport.Locator) {
	b.flush()
	b.dst = dst
	b.locs = locs
}

// room makes space for an entity submessage of n bytes
// preceded by INFO_DST, and by INFO_TS if ts differs from the last one.
func (b *msgBuilder) room(n int, ts time.Time) {
	need := n
	if !ts.Equal(b.lastTS) || b.entities == 0 {
		need += rwire.InfoTSLen
	}
	if b.entities > 0 && b.enc.Len()+need > b.max {
		b.flush()
	}
	if b.entities == 0 {
		b.enc.InfoDst(b.dst)
		b.lastTS = time.Time{}
	}
	if b.entities == 0 || !ts.Equal(b.lastTS) {
		b.enc.InfoTS(ts)
		b.lastTS = ts
	}
	b.entities++
}

func (b *msgBuilder) flush() {
	if b.entities > 0 && len(b.locs) > 0 {
		b.out = append(b.out, outgoing{
			b:   append([]byte(nil), b.enc.Bytes()...),
			dst: b.locs,
		})
	}
	b.enc.Reset()
	b.entities = 0
}

// take flushes and returns every built message.
func (b *msgBuilder) take() []outgoing {
	b.flush()
	out := b.out
	b.out = nil
	return out
}
