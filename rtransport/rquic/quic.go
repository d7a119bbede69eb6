// Package rquic is a [rtransport.Transport] carrying RTPS datagrams
// as QUIC datagrams over mutually authenticated connections.
//
// Connections are dialled lazily on the first Send to a locator
// and accepted from any peer that presents a trusted certificate.
// Each remote UDP address has at most one connection,
// which is used in both directions.
package rquic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/gordian-engine/rtps/rtransport"
	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "rtps"

// MaxDatagramSize is a conservative bound on the RTPS message size
// that fits in one QUIC datagram on a typical path.
const MaxDatagramSize = 1100

// closedByPeer is the application error code used when the transport shuts down.
const closedByPeer quic.ApplicationErrorCode = 0x52545053

// DefaultQUICConfig returns the QUIC settings used when none are given.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		// Defaults to 5 seconds otherwise.
		HandshakeIdleTimeout: 2 * time.Second,

		// Keep idle peers connected; writers may be quiet between heartbeats.
		KeepAlivePeriod: 10 * time.Second,

		// No streams are used.
		MaxIncomingStreams:    -1,
		MaxIncomingUniStreams: -1,

		EnableDatagrams: true,
	}
}

// Config configures a [Transport].
type Config struct {
	// TLS must hold the local certificate and trust roots for both
	// dialled (RootCAs) and accepted (ClientCAs) connections.
	TLS *tls.Config

	// Defaults to [DefaultQUICConfig].
	QUIC *quic.Config
}

// Transport sends RTPS datagrams over QUIC.
type Transport struct {
	log *slog.Logger

	udp *net.UDPConn
	qt  *quic.Transport
	ql  *quic.Listener

	tlsConf  *tls.Config
	quicConf *quic.Config

	in chan inbound

	mu      sync.Mutex
	conns   map[netip.AddrPort]*quic.Conn
	dialing map[netip.AddrPort]chan struct{}

	ctx context.Context
	wg  sync.WaitGroup
}

type inbound struct {
	b   []byte
	src rtransport.Locator
}

var (
	_ rtransport.Transport        = (*Transport)(nil)
	_ rtransport.MaxDatagramSizer = (*Transport)(nil)
)

// New starts a transport on udpConn.
// The transport takes ownership of udpConn.
// Cancel ctx to stop it, then call [*Transport.Wait].
func New(ctx context.Context, log *slog.Logger, udpConn *net.UDPConn, cfg Config) (*Transport, error) {
	if cfg.TLS == nil {
		panic(errors.New("BUG: rquic.Config.TLS must be set"))
	}
	tlsConf := cfg.TLS.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	if tlsConf.ClientAuth == tls.NoClientCert {
		tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
	}

	quicConf := cfg.QUIC
	if quicConf == nil {
		quicConf = DefaultQUICConfig()
	}
	if !quicConf.EnableDatagrams {
		panic(errors.New("BUG: rquic requires EnableDatagrams in the QUIC config"))
	}

	qt := &quic.Transport{Conn: udpConn}
	ql, err := qt.Listen(tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to start QUIC listener: %w", err)
	}

	t := &Transport{
		log: log,

		udp: udpConn,
		qt:  qt,
		ql:  ql,

		tlsConf:  tlsConf,
		quicConf: quicConf,

		in: make(chan inbound, 256),

		conns:   make(map[netip.AddrPort]*quic.Conn),
		dialing: make(map[netip.AddrPort]chan struct{}),

		ctx: ctx,
	}

	t.wg.Add(2)
	go t.acceptLoop(ctx)
	go t.closeOnDone(ctx)

	return t, nil
}

// Wait blocks until every background goroutine has stopped.
func (t *Transport) Wait() {
	t.wg.Wait()
}

func (t *Transport) closeOnDone(ctx context.Context) {
	defer t.wg.Done()

	<-ctx.Done()

	t.mu.Lock()
	for _, c := range t.conns {
		_ = c.CloseWithError(closedByPeer, "transport closed")
	}
	t.mu.Unlock()

	if err := t.ql.Close(); err != nil {
		t.log.Debug("Error closing QUIC listener", "err", err)
	}
	if err := t.qt.Close(); err != nil {
		t.log.Debug("Error closing QUIC transport", "err", err)
	}
	_ = t.udp.Close()
}

func (t *Transport) acceptLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		qc, err := t.ql.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.log.Info("QUIC accept loop stopping", "err", err)
			}
			return
		}
		t.adopt(qc)
	}
}

// adopt registers qc and starts reading its datagrams.
// If a connection to the same address already exists,
// the newer one replaces it for sending; both keep receiving until closed.
func (t *Transport) adopt(qc *quic.Conn) {
	ap := remoteAddrPort(qc)

	t.mu.Lock()
	t.conns[ap] = qc
	t.mu.Unlock()

	t.wg.Add(1)
	go t.receiveLoop(qc, ap)
}

func (t *Transport) receiveLoop(qc *quic.Conn, ap netip.AddrPort) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		if t.conns[ap] == qc {
			delete(t.conns, ap)
		}
		t.mu.Unlock()
	}()

	src := rtransport.LocatorFromAddrPort(rtransport.LocatorKindQUIC, ap)
	for {
		b, err := qc.ReceiveDatagram(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Debug("QUIC connection closed", "remote", ap, "err", err)
			}
			return
		}
		select {
		case t.in <- inbound{b: b, src: src}:
		case <-t.ctx.Done():
			return
		}
	}
}

func remoteAddrPort(qc *quic.Conn) netip.AddrPort {
	ap := qc.RemoteAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// LocalLocators implements [rtransport.Transport].
func (t *Transport) LocalLocators() []rtransport.Locator {
	ap := t.udp.LocalAddr().(*net.UDPAddr).AddrPort()
	return []rtransport.Locator{rtransport.LocatorFromAddrPort(rtransport.LocatorKindQUIC, ap)}
}

// MaxDatagramSize reports the largest message Send accepts.
func (t *Transport) MaxDatagramSize() int { return MaxDatagramSize }

// Send implements [rtransport.Transport].
// The first Send to a locator dials it, blocking until the handshake completes.
func (t *Transport) Send(ctx context.Context, b []byte, dst rtransport.Locator) error {
	if dst.Kind != rtransport.LocatorKindQUIC {
		return fmt.Errorf("cannot send to %s over QUIC", dst)
	}

	qc, err := t.connTo(ctx, dst.AddrPort())
	if err != nil {
		return err
	}
	if err := qc.SendDatagram(b); err != nil {
		return fmt.Errorf("failed to send datagram to %s: %w", dst, err)
	}
	return nil
}

func (t *Transport) connTo(ctx context.Context, ap netip.AddrPort) (*quic.Conn, error) {
	for {
		t.mu.Lock()
		if qc, ok := t.conns[ap]; ok {
			t.mu.Unlock()
			return qc, nil
		}
		if wait, ok := t.dialing[ap]; ok {
			t.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}
		}
		done := make(chan struct{})
		t.dialing[ap] = done
		t.mu.Unlock()

		qc, err := t.qt.Dial(ctx, net.UDPAddrFromAddrPort(ap), t.tlsConf, t.quicConf)

		t.mu.Lock()
		delete(t.dialing, ap)
		t.mu.Unlock()
		close(done)

		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", ap, err)
		}
		t.adopt(qc)
		return qc, nil
	}
}

// Run implements [rtransport.Transport].
// Datagrams from every connection are delivered one at a time.
func (t *Transport) Run(ctx context.Context, h rtransport.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.ctx.Done():
			return nil
		case d := <-t.in:
			h.HandleDatagram(d.b, d.src)
		}
	}
}
