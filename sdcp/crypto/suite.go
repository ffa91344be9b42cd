package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrUnknownSuite  = errors.New("crypto: unknown cipher suite")
	ErrNoCommonSuite = errors.New("crypto: no common cipher suite")
	ErrInvalidKey    = errors.New("crypto: invalid key size")
)

// CipherSuite identifies one negotiable AEAD construction.
// The suite is fixed for the lifetime of a session and changes only
// through renegotiation.
type CipherSuite uint8

const (
	SuiteChaCha20Poly1305 CipherSuite = 1
	SuiteAES256GCM        CipherSuite = 2
)

func (cs CipherSuite) String() string {
	switch cs {
	case SuiteChaCha20Poly1305:
		return "CHACHA20_POLY1305"
	case SuiteAES256GCM:
		return "AES256_GCM"
	default:
		return "UNKNOWN"
	}
}

// KeySize returns the symmetric key size for the suite. Both supported
// suites use 256-bit keys.
func (cs CipherSuite) KeySize() int { return 32 }

// DefaultSuites returns the locally supported suites in preference order.
func DefaultSuites() []CipherSuite {
	return []CipherSuite{SuiteChaCha20Poly1305, SuiteAES256GCM}
}

// SelectSuite picks the first proposed suite that appears in the local
// preference list, in proposal order.
func SelectSuite(local, proposed []CipherSuite) (CipherSuite, error) {
	for _, p := range proposed {
		for _, l := range local {
			if p == l {
				return p, nil
			}
		}
	}
	return 0, ErrNoCommonSuite
}

func newAEAD(suite CipherSuite, key []byte) (cipher.AEAD, error) {
	if len(key) != suite.KeySize() {
		return nil, ErrInvalidKey
	}
	switch suite {
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case SuiteAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	default:
		return nil, ErrUnknownSuite
	}
}
