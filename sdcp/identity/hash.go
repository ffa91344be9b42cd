package identity

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
)

// Hash is the stable identifier for a peer certificate.
// It is defined as: Hash = SHA-256(certificate DER).
type Hash [32]byte

func HashCertificate(cert *x509.Certificate) Hash {
	sum := sha256.Sum256(cert.Raw)
	return Hash(sum)
}

func ParseHashHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	if len(b) != 32 {
		return Hash{}, errors.New("identity: invalid hash length")
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}
