package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrDecryptionFailed  = errors.New("crypto: decryption failed")
	ErrReplayedSequence  = errors.New("crypto: replayed or stale sequence")
	ErrSequenceExhausted = errors.New("crypto: send sequence exhausted")
)

// Direction labels keep the two halves of a session from ever sharing a
// nonce space, even if the directional keys were somehow equal.
var (
	DirectionInitiator = [4]byte{'i', '2', 'r', 0}
	DirectionResponder = [4]byte{'r', '2', 'i', 0}
)

const nonceSize = 12

func makeNonce(label [4]byte, seq uint64) []byte {
	nonce := make([]byte, nonceSize)
	copy(nonce[:4], label[:])
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// Sealer encrypts outbound sealed messages for one direction of a session.
// Each call consumes the next sequence number; the sequence is carried in
// the clear and reconstructed into the nonce by the receiver.
type Sealer struct {
	aead  cipher.AEAD
	label [4]byte
	seq   atomic.Uint64
}

// NewSealer creates the sending half of a session direction.
func NewSealer(suite CipherSuite, key []byte, label [4]byte) (*Sealer, error) {
	aead, err := newAEAD(suite, key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead, label: label}, nil
}

// Seal encrypts and authenticates plaintext under the next sequence
// number. The additional data is adPrefix followed by the big-endian
// sequence, so the sequence a datagram claims is covered by the tag.
// It returns the sequence used and the ciphertext (payload || tag).
func (s *Sealer) Seal(plaintext, adPrefix []byte) (uint64, []byte, error) {
	seq := s.seq.Add(1)
	if seq == 0 {
		return 0, nil, ErrSequenceExhausted
	}
	ct := s.aead.Seal(nil, makeNonce(s.label, seq), plaintext, appendSequence(adPrefix, seq))
	return seq, ct, nil
}

func appendSequence(adPrefix []byte, seq uint64) []byte {
	ad := make([]byte, 0, len(adPrefix)+8)
	ad = append(ad, adPrefix...)
	return binary.BigEndian.AppendUint64(ad, seq)
}

// Sequence returns the last sequence number consumed.
func (s *Sealer) Sequence() uint64 { return s.seq.Load() }

// Opener authenticates inbound sealed messages for one direction of a
// session and enforces the sliding replay window. A datagram that fails
// authentication or falls outside the window yields an error the caller
// is expected to swallow: such traffic is noise, not a peer fault.
type Opener struct {
	aead   cipher.AEAD
	label  [4]byte
	mu     sync.Mutex
	window Window
}

// NewOpener creates the receiving half of a session direction.
func NewOpener(suite CipherSuite, key []byte, label [4]byte) (*Opener, error) {
	aead, err := newAEAD(suite, key)
	if err != nil {
		return nil, err
	}
	return &Opener{aead: aead, label: label}, nil
}

// Open verifies and decrypts ciphertext received under seq, binding
// adPrefix plus the sequence as additional data. The replay window is
// only advanced after the tag verifies, so forged sequence numbers
// cannot poison it.
func (o *Opener) Open(seq uint64, ciphertext, adPrefix []byte) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.window.Check(seq) {
		return nil, ErrReplayedSequence
	}
	plaintext, err := o.aead.Open(nil, makeNonce(o.label, seq), ciphertext, appendSequence(adPrefix, seq))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	o.window.Commit(seq)
	return plaintext, nil
}
