package rtransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordian-engine/rtps/internal/rchan"
)

// DefaultHubQueueSize is the number of datagrams a hub endpoint buffers
// before further datagrams to it are dropped.
const DefaultHubQueueSize = 1024

// Filter decides whether the hub drops a datagram.
// It must not retain b.
type Filter func(b []byte, src, dst Locator) (drop bool)

// Datagram is one datagram observed on a [Hub].
type Datagram struct {
	Src, Dst Locator
	Data     []byte

	// Set when the datagram was dropped by the filter,
	// a full queue, or an unknown destination.
	Dropped bool
}

// Hub is an in-process datagram network.
//
// Every endpoint has a bounded queue drained by its own Run goroutine,
// so Send never blocks on the receiver and never calls back into it.
// Delivery between one sender and one receiver is FIFO.
type Hub struct {
	mu        sync.Mutex
	endpoints map[Locator]*HubTransport
	nextPort  uint32
	filter    Filter

	tap *rchan.Stream[Datagram]

	queueSize int
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[Locator]*HubTransport),
		nextPort:  1,
		tap:       rchan.NewStream[Datagram](),
		queueSize: DefaultHubQueueSize,
	}
}

// SetFilter installs f, replacing any earlier filter.
// A nil filter delivers everything.
func (h *Hub) SetFilter(f Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = f
}

// Tap returns the stream position at which the next observed datagram
// will be published.
func (h *Hub) Tap() *rchan.Stream[Datagram] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tap
}

// NewTransport attaches a new endpoint to the hub.
func (h *Hub) NewTransport() *HubTransport {
	h.mu.Lock()
	defer h.mu.Unlock()

	loc := Locator{Kind: LocatorKindMemory, Port: h.nextPort}
	h.nextPort++

	t := &HubTransport{
		hub:   h,
		loc:   loc,
		queue: make(chan Datagram, h.queueSize),
	}
	h.endpoints[loc] = t
	return t
}

func (h *Hub) send(b []byte, src, dst Locator) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	d := Datagram{
		Src:  src,
		Dst:  dst,
		Data: append([]byte(nil), b...),
	}

	t, ok := h.endpoints[dst]
	if !ok || t.detached {
		d.Dropped = true
	} else if h.filter != nil && h.filter(d.Data, src, dst) {
		d.Dropped = true
	} else {
		select {
		case t.queue <- d:
		default:
			d.Dropped = true
		}
	}

	h.tap.Publish(d)
	h.tap = h.tap.Next

	if !ok {
		return fmt.Errorf("no hub endpoint at %s", dst)
	}
	return nil
}

func (h *Hub) detach(t *HubTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t.detached = true
	delete(h.endpoints, t.loc)
}

// HubTransport is one endpoint of a [Hub].
type HubTransport struct {
	hub   *Hub
	loc   Locator
	queue chan Datagram

	// Guarded by hub.mu.
	detached bool
}

var _ Transport = (*HubTransport)(nil)

// Locator returns the endpoint's address on the hub.
func (t *HubTransport) Locator() Locator { return t.loc }

// LocalLocators implements [Transport].
func (t *HubTransport) LocalLocators() []Locator { return []Locator{t.loc} }

// Send implements [Transport].
// Sending to an unknown locator returns an error;
// a datagram dropped by the filter or a full queue is not an error.
func (t *HubTransport) Send(ctx context.Context, b []byte, dst Locator) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	return t.hub.send(b, t.loc, dst)
}

// Run implements [Transport].
// The endpoint is detached from the hub when Run returns.
func (t *HubTransport) Run(ctx context.Context, h Handler) error {
	defer t.hub.detach(t)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-t.queue:
			h.HandleDatagram(d.Data, d.Src)
		}
	}
}
