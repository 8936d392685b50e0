package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"fedmint/internal/peer"
)

// certificate wraps the node's ed25519 key in a self-signed TLS certificate.
// Peers authenticate by key, so the certificate only carries the key.
func certificate(key ed25519.PrivateKey, self peer.ID) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number:\n%w", err)
	}

	now := time.Now()

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "fedmint-" + self.String()},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate:\n%w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}

// directory maps member keys to their peer ids.
type directory map[string]peer.ID

// newDirectory indexes members by hex public key.
func newDirectory(members map[peer.ID]Member) (directory, error) {
	d := make(directory, len(members))

	for id, m := range members {
		if len(m.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("member %d: public key size %d", id, len(m.PublicKey))
		}

		k := hex.EncodeToString(m.PublicKey)
		if other, dup := d[k]; dup {
			return nil, fmt.Errorf("members %d and %d share a public key", other, id)
		}

		d[k] = id
	}

	return d, nil
}

// lookup returns the member owning pub.
func (d directory) lookup(pub ed25519.PublicKey) (peer.ID, bool) {
	id, ok := d[hex.EncodeToString(pub)]
	return id, ok
}

// verify returns a tls.Config hook that aborts handshakes with non-members.
func (d directory) verify() func([][]byte, [][]*x509.Certificate) error {
	return func(raw [][]byte, _ [][]*x509.Certificate) error {
		if len(raw) == 0 {
			return fmt.Errorf("no peer certificate")
		}

		cert, err := x509.ParseCertificate(raw[0])
		if err != nil {
			return fmt.Errorf("parse peer certificate:\n%w", err)
		}

		pub, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("peer certificate does not contain ed25519 key")
		}

		if _, ok := d.lookup(pub); !ok {
			return fmt.Errorf("%w: %x", ErrUnknownKey, pub[:8])
		}

		return nil
	}
}

// remoteKey extracts the ed25519 public key from a peer's TLS certificate.
func remoteKey(state tls.ConnectionState) (ed25519.PublicKey, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("no peer certificate")
	}

	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("peer certificate does not contain ed25519 key")
	}

	return pub, nil
}
