package rtransport

import (
	"fmt"
	"net/netip"
)

// LocatorKind identifies the address family of a [Locator].
type LocatorKind int32

const (
	LocatorKindInvalid LocatorKind = -1
	LocatorKindUDPv4   LocatorKind = 1
	LocatorKindUDPv6   LocatorKind = 2

	// Vendor-specific kinds.
	LocatorKindMemory LocatorKind = 0x01000000
	LocatorKindQUIC   LocatorKind = 0x01000001
)

func (k LocatorKind) String() string {
	switch k {
	case LocatorKindInvalid:
		return "INVALID"
	case LocatorKindUDPv4:
		return "UDPv4"
	case LocatorKindUDPv6:
		return "UDPv6"
	case LocatorKindMemory:
		return "MEMORY"
	case LocatorKindQUIC:
		return "QUIC"
	}
	return fmt.Sprintf("LocatorKind(%d)", int32(k))
}

// Locator is the RTPS address of a transport endpoint.
// It is comparable and may be used as a map key.
type Locator struct {
	Kind    LocatorKind
	Port    uint32
	Address [16]byte
}

// LocatorFromAddrPort builds a locator of the given kind from an IP endpoint.
// IPv4 addresses are stored in their IPv4-mapped form.
func LocatorFromAddrPort(kind LocatorKind, ap netip.AddrPort) Locator {
	return Locator{
		Kind:    kind,
		Port:    uint32(ap.Port()),
		Address: ap.Addr().As16(),
	}
}

// AddrPort returns the IP endpoint of an IP-based locator.
func (l Locator) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom16(l.Address).Unmap(), uint16(l.Port))
}

// IsValid reports whether l names an endpoint.
func (l Locator) IsValid() bool {
	return l.Kind != LocatorKindInvalid && l.Kind != 0
}

func (l Locator) String() string {
	switch l.Kind {
	case LocatorKindMemory:
		return fmt.Sprintf("mem:%d", l.Port)
	case LocatorKindUDPv4, LocatorKindUDPv6:
		return "udp:" + l.AddrPort().String()
	case LocatorKindQUIC:
		return "quic:" + l.AddrPort().String()
	}
	return fmt.Sprintf("%s:%d", l.Kind, l.Port)
}
