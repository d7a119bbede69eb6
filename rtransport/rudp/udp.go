// Package rudp is a [rtransport.Transport] over a plain UDP socket.
package rudp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/gordian-engine/rtps/rtransport"
	"golang.org/x/sync/errgroup"
)

// MaxDatagramSize is the largest datagram read from the socket.
const MaxDatagramSize = 64 * 1024

// Transport sends and receives RTPS datagrams on one UDP socket.
type Transport struct {
	log  *slog.Logger
	conn *net.UDPConn
	kind rtransport.LocatorKind
}

var (
	_ rtransport.Transport        = (*Transport)(nil)
	_ rtransport.MaxDatagramSizer = (*Transport)(nil)
)

// Listen opens a UDP socket on addr, for example "127.0.0.1:0".
func Listen(log *slog.Logger, addr string) (*Transport, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(ap))
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return New(log, conn), nil
}

// New wraps an existing socket.
// The transport takes ownership of conn and closes it when Run returns.
func New(log *slog.Logger, conn *net.UDPConn) *Transport {
	kind := rtransport.LocatorKindUDPv4
	if ap := conn.LocalAddr().(*net.UDPAddr).AddrPort(); ap.Addr().Unmap().Is6() {
		kind = rtransport.LocatorKindUDPv6
	}
	return &Transport{log: log, conn: conn, kind: kind}
}

// MaxDatagramSize implements [rtransport.MaxDatagramSizer].
// It leaves room for IP and UDP headers below the 64 KiB limit.
func (t *Transport) MaxDatagramSize() int { return MaxDatagramSize - 512 }

// LocalLocators implements [rtransport.Transport].
func (t *Transport) LocalLocators() []rtransport.Locator {
	ap := t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return []rtransport.Locator{rtransport.LocatorFromAddrPort(t.kind, ap)}
}

// Send implements [rtransport.Transport].
func (t *Transport) Send(ctx context.Context, b []byte, dst rtransport.Locator) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	switch dst.Kind {
	case rtransport.LocatorKindUDPv4, rtransport.LocatorKindUDPv6:
	default:
		return fmt.Errorf("cannot send to %s over UDP", dst)
	}
	if _, err := t.conn.WriteToUDPAddrPort(b, dst.AddrPort()); err != nil {
		return fmt.Errorf("failed to write datagram to %s: %w", dst, err)
	}
	return nil
}

// Run implements [rtransport.Transport].
// It closes the socket when ctx is cancelled.
func (t *Transport) Run(ctx context.Context, h rtransport.Handler) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-ctx.Done()
		return t.conn.Close()
	})

	eg.Go(func() error {
		buf := make([]byte, MaxDatagramSize)
		for {
			n, src, err := t.conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					return nil
				}
				t.log.Warn("Failed to read UDP datagram", "err", err)
				return err
			}
			h.HandleDatagram(buf[:n], rtransport.LocatorFromAddrPort(t.kind, src))
		}
	})

	return eg.Wait()
}
