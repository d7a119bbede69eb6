package rtransport

import "context"

// Handler receives inbound datagrams.
// The datagram slice is only valid for the duration of the call.
type Handler interface {
	HandleDatagram(b []byte, src Locator)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(b []byte, src Locator)

// HandleDatagram calls f.
func (f HandlerFunc) HandleDatagram(b []byte, src Locator) { f(b, src) }

// Transport moves datagrams between participants.
//
// Delivery is unreliable: a datagram may be dropped,
// but it is never corrupted or duplicated by the transport.
type Transport interface {
	// Send transmits b to dst.
	// The transport does not retain b after Send returns.
	Send(ctx context.Context, b []byte, dst Locator) error

	// LocalLocators returns the locators peers use to reach this transport.
	LocalLocators() []Locator

	// Run delivers inbound datagrams to h until ctx is cancelled.
	// Calls to h are serialized.
	Run(ctx context.Context, h Handler) error
}

// MaxDatagramSizer is implemented by transports that bound the size
// of a single datagram. Larger samples are sent as fragments.
type MaxDatagramSizer interface {
	MaxDatagramSize() int
}
