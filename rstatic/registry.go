// Package rstatic matches writers and readers without a discovery protocol.
//
// Endpoints are registered with a [Registry], which pairs every writer
// and reader on the same topic whose QoS is compatible
// and calls their matched_*_add and matched_*_remove operations.
// It stands in for SPDP/SEDP in tests and in fixed deployments.
package rstatic

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gordian-engine/rtps/rid"
	"github.com/gordian-engine/rtps/rproxy"
	"github.com/gordian-engine/rtps/rqos"
	"github.com/gordian-engine/rtps/rtransport"
)

// ErrUnknownEndpoint is returned when removing an endpoint
// that was never registered.
var ErrUnknownEndpoint = errors.New("endpoint not registered")

// WriterEndpoint is the writer side the registry drives.
// *rtps.Writer satisfies it.
type WriterEndpoint interface {
	GUID() rid.GUID
	Topic() string
	QoS() rqos.WriterQoS
	Locators() []rtransport.Locator

	MatchedReaderAdd(rproxy.ReaderAttributes) bool
	MatchedReaderRemove(rid.GUID) error
}

// ReaderEndpoint is the reader side the registry drives.
// *rtps.Reader satisfies it.
type ReaderEndpoint interface {
	GUID() rid.GUID
	Topic() string
	QoS() rqos.ReaderQoS
	Locators() []rtransport.Locator

	MatchedWriterAdd(rproxy.WriterAttributes) bool
	MatchedWriterRemove(rid.GUID) error
}

// Incompatible describes a writer and reader on the same topic
// that were not matched.
type Incompatible struct {
	Topic          string
	Writer, Reader rid.GUID
	Err            error
}

type pair struct {
	writer, reader rid.GUID
}

// Registry pairs registered endpoints by topic.
//
// Endpoint operations are called with the registry lock held,
// so endpoint listeners must not call back into the registry.
type Registry struct {
	log            *slog.Logger
	onIncompatible func(Incompatible)

	mu      sync.Mutex
	writers map[rid.GUID]WriterEndpoint
	readers map[rid.GUID]ReaderEndpoint
	matched mapset.Set[pair]
}

// New returns an empty registry.
// onIncompatible, if not nil, is called for every pair on the same topic
// rejected by [rqos.CheckCompatible].
func New(log *slog.Logger, onIncompatible func(Incompatible)) *Registry {
	return &Registry{
		log:            log,
		onIncompatible: onIncompatible,

		writers: make(map[rid.GUID]WriterEndpoint),
		readers: make(map[rid.GUID]ReaderEndpoint),
		matched: mapset.NewThreadUnsafeSet[pair](),
	}
}

// AddWriter registers w and matches it with every compatible reader.
func (r *Registry) AddWriter(w WriterEndpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := w.GUID()
	if _, ok := r.writers[g]; ok {
		return fmt.Errorf("writer %s already registered", g)
	}
	r.writers[g] = w

	for _, rd := range r.readers {
		r.tryMatch(w, rd)
	}
	return nil
}

// AddReader registers rd and matches it with every compatible writer.
func (r *Registry) AddReader(rd ReaderEndpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := rd.GUID()
	if _, ok := r.readers[g]; ok {
		return fmt.Errorf("reader %s already registered", g)
	}
	r.readers[g] = rd

	for _, w := range r.writers {
		r.tryMatch(w, rd)
	}
	return nil
}

// tryMatch matches the reader side first,
// so the writer's first heartbeat finds the proxy in place.
func (r *Registry) tryMatch(w WriterEndpoint, rd ReaderEndpoint) {
	if w.Topic() != rd.Topic() {
		return
	}

	wq, rq := w.QoS(), rd.QoS()
	if err := rqos.CheckCompatible(wq, rq); err != nil {
		r.log.Info(
			"Not matching incompatible endpoints",
			"topic", w.Topic(), "writer", w.GUID(), "reader", rd.GUID(), "err", err,
		)
		if r.onIncompatible != nil {
			r.onIncompatible(Incompatible{
				Topic:  w.Topic(),
				Writer: w.GUID(),
				Reader: rd.GUID(),
				Err:    err,
			})
		}
		return
	}

	rd.MatchedWriterAdd(rproxy.WriterAttributes{
		GUID:       w.GUID(),
		Topic:      w.Topic(),
		Durability: wq.Durability,
		Reliable:   wq.IsReliable(),
		Strength:   wq.Ownership.Strength,
		Locators:   w.Locators(),
	})
	w.MatchedReaderAdd(rproxy.ReaderAttributes{
		GUID:       rd.GUID(),
		Topic:      rd.Topic(),
		Durability: rq.Durability,
		Reliable:   rq.IsReliable(),
		Locators:   rd.Locators(),
	})
	r.matched.Add(pair{writer: w.GUID(), reader: rd.GUID()})
}

// Remove unregisters the endpoint with the given GUID,
// unmatching it from every peer.
func (r *Registry) Remove(g rid.GUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.writers[g]; ok {
		delete(r.writers, g)
		for _, p := range r.matched.ToSlice() {
			if p.writer != g {
				continue
			}
			r.unmatch(w, r.readers[p.reader], p)
		}
		return nil
	}
	if rd, ok := r.readers[g]; ok {
		delete(r.readers, g)
		for _, p := range r.matched.ToSlice() {
			if p.reader != g {
				continue
			}
			r.unmatch(r.writers[p.writer], rd, p)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownEndpoint, g)
}

func (r *Registry) unmatch(w WriterEndpoint, rd ReaderEndpoint, p pair) {
	r.matched.Remove(p)
	if err := w.MatchedReaderRemove(p.reader); err != nil {
		r.log.Debug("Writer had already dropped reader", "writer", p.writer, "reader", p.reader, "err", err)
	}
	if err := rd.MatchedWriterRemove(p.writer); err != nil {
		r.log.Debug("Reader had already dropped writer", "writer", p.writer, "reader", p.reader, "err", err)
	}
}

// Matches returns how many writer-reader pairs are matched.
func (r *Registry) Matches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matched.Cardinality()
}

// IsMatched reports whether the writer and reader are matched.
func (r *Registry) IsMatched(writer, reader rid.GUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matched.Contains(pair{writer: writer, reader: reader})
}
