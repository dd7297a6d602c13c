package transport

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/shurlinet/megaengine/internal/identity"
)

// selfSignedCertificate builds a TLS certificate binding kp's Ed25519
// identity key to an X.509 certificate good for one year. Nodes do not use
// a certificate authority; each node generates its own self-signed leaf at
// startup. The spec's transport hazard (§4.3/§9) is that peers verify
// nothing about the certificate they are handed — it is trusted only as a
// TLS carrier, and the handshake layer afterward reads the peer's NodeId
// from the first stream without checking it against the certificate key or
// any signed message; envelope signatures are verified per message by the
// gossip engine. Swapping this for real CA-rooted trust
// is future work (spec.md §9).
func selfSignedCertificate(kp *identity.KeyPair) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: string(kp.NodeID())},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, kp.Public, kp.Private)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  kp.Private,
	}, nil
}
