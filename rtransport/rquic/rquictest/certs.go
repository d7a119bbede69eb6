// Package rquictest contains certificate helpers for tests of QUIC transports.
package rquictest

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// CA is an ed25519 certificate authority for tests.
type CA struct {
	Cert    *x509.Certificate
	PrivKey ed25519.PrivateKey
}

// GenerateCA returns a new CA valid for validFor.
func GenerateCA(validFor time.Duration) (*CA, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: randomSerial(),

		Subject: pkix.Name{
			Organization: []string{"RTPS Test CA"},
			CommonName:   "RTPS Test CA Root",
		},
		NotBefore: time.Now().Add(-15 * time.Second),
		NotAfter:  time.Now().Add(validFor),

		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(nil, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate from DER: %w", err)
	}
	return &CA{Cert: cert, PrivKey: priv}, nil
}

// Leaf returns a TLS certificate signed by ca,
// valid for loopback IP addresses in both client and server roles.
func (ca *CA) Leaf(name string) (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: randomSerial(),

		Subject: pkix.Name{
			Organization: []string{"RTPS Test Participant"},
			CommonName:   name,
		},
		NotBefore: time.Now().Add(-15 * time.Second),
		NotAfter:  ca.Cert.NotAfter,

		KeyUsage: x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},

		DNSNames:    []string{name},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(nil, template, ca.Cert, pub, ca.PrivKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse certificate from DER: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        cert,
	}, nil
}

// TLSConfigs returns n TLS configs with distinct leaf certificates
// from one CA, each trusting the others as servers and as clients.
func TLSConfigs(t testing.TB, n int) []*tls.Config {
	t.Helper()

	ca, err := GenerateCA(time.Hour)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)

	out := make([]*tls.Config, n)
	for i := range n {
		leaf, err := ca.Leaf(fmt.Sprintf("participant%02d.example.com", i))
		require.NoError(t, err)

		out[i] = &tls.Config{
			Certificates: []tls.Certificate{leaf},

			RootCAs:    pool,
			ClientCAs:  pool,
			ClientAuth: tls.RequireAndVerifyClientCert,

			MinVersion: tls.VersionTLS13,
		}
	}
	return out
}

func randomSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := crand.Int(crand.Reader, limit)
	if err != nil {
		panic(fmt.Errorf("failed to generate serial number: %w", err))
	}
	return n
}
