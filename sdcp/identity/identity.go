package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"time"
)

var (
	ErrNilCertificate = errors.New("identity: nil certificate")
	ErrKeyMismatch    = errors.New("identity: private key does not match certificate public key")
	ErrKeyType        = errors.New("identity: certificate public key is not Ed25519")
)

// Identity holds the local certificate and its matching Ed25519 private key.
// It is immutable for the lifetime of an endpoint.
type Identity struct {
	cert *x509.Certificate
	key  ed25519.PrivateKey
}

// New builds an Identity from a parsed certificate and its private key.
// The key must match the certificate's Ed25519 public key.
func New(cert *x509.Certificate, key ed25519.PrivateKey) (Identity, error) {
	if cert == nil {
		return Identity{}, ErrNilCertificate
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return Identity{}, ErrKeyType
	}
	if len(key) != ed25519.PrivateKeySize || !pub.Equal(key.Public().(ed25519.PublicKey)) {
		return Identity{}, ErrKeyMismatch
	}
	return Identity{cert: cert, key: key}, nil
}

// Generate creates a fresh self-signed identity.
// It is useful for tests, examples and embedding in applications.
func Generate(commonName string) (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Identity{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return Identity{}, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Identity{}, err
	}
	return Identity{cert: cert, key: priv}, nil
}

// Certificate returns the identity certificate.
func (id Identity) Certificate() *x509.Certificate { return id.cert }

// PublicKey returns the certified Ed25519 public key.
func (id Identity) PublicKey() ed25519.PublicKey {
	return id.cert.PublicKey.(ed25519.PublicKey)
}

// Hash returns the certificate hash identifying this peer.
func (id Identity) Hash() Hash { return HashCertificate(id.cert) }

// Sign signs message with the identity private key.
func (id Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.key, message)
}

// VerifyCertificate checks that signature over message was produced by the
// key certified in cert.
func VerifyCertificate(cert *x509.Certificate, message, signature []byte) bool {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}
