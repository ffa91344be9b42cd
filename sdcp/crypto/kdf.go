package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey derives a key of the specified length using HKDF-SHA256.
// salt can be nil (uses zero salt), info provides context binding.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveSessionKeys derives the two directional keys of a session from the
// ECDH shared secret. The info binds both ephemeral public keys, the
// session number and the negotiated suite, so renegotiation with a fresh
// session number yields unrelated keys.
// Returns (initiatorKey, responderKey).
func DeriveSessionKeys(suite CipherSuite, sharedSecret []byte, initiatorPub, responderPub [32]byte, sessionNumber uint32) ([]byte, []byte, error) {
	info := make([]byte, 0, 16+64+5)
	info = append(info, []byte("sdcp-session-keys")...)
	info = append(info, initiatorPub[:]...)
	info = append(info, responderPub[:]...)
	info = binary.BigEndian.AppendUint32(info, sessionNumber)
	info = append(info, byte(suite))

	keyMaterial, err := DeriveKey(sharedSecret, nil, info, 2*suite.KeySize())
	if err != nil {
		return nil, nil, err
	}
	return keyMaterial[:suite.KeySize()], keyMaterial[suite.KeySize():], nil
}
