package quic

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"

	"github.com/WebFirstLanguage/beekad/pkg/identity"
	"github.com/WebFirstLanguage/beekad/pkg/peer"
)

// alpnProtocol is negotiated on every connection.
const alpnProtocol = "beekad/1"

// certValidity bounds the self-signed certificate lifetime.
const certValidity = 365 * 24 * time.Hour

// newTLSConfig builds a TLS config whose certificate carries the
// node's Ed25519 identity key. Chain verification is replaced by key
// extraction: the remote's peer id is derived from its certificate
// key, so a connection authenticates exactly one peer id.
func newTLSConfig(id *identity.Identity) (*tls.Config, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certValidity),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template,
		id.SigningPublicKey, id.SigningPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  id.SigningPrivateKey,
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
		ClientAuth:   tls.RequireAnyClientCert,
		// Identity comes from the certificate key, not a CA chain.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := peerIDFromRawCerts(rawCerts)
			return err
		},
		MinVersion: tls.VersionTLS13,
	}, nil
}

// peerIDFromRawCerts derives the remote peer id from its certificate.
func peerIDFromRawCerts(rawCerts [][]byte) (peer.ID, error) {
	if len(rawCerts) == 0 {
		return "", fmt.Errorf("no peer certificate presented")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return "", fmt.Errorf("failed to parse peer certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("peer certificate key is not Ed25519")
	}
	return peer.IDFromPublicKey(pub), nil
}

// peerIDFromTLS extracts the authenticated peer id of a completed
// handshake.
func peerIDFromTLS(state tls.ConnectionState) (peer.ID, error) {
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("no peer certificate presented")
	}
	raw := make([][]byte, len(state.PeerCertificates))
	for i, c := range state.PeerCertificates {
		raw[i] = c.Raw
	}
	return peerIDFromRawCerts(raw)
}
