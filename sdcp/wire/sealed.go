package wire

import (
	"encoding/binary"
	"errors"
)

var (
	ErrSealedTooShort = errors.New("wire: sealed message too short")
	ErrNotSealed      = errors.New("wire: message type is not sealed")
)

// Sealed message flags.
const (
	// FlagCompressed marks an LZ4-compressed plaintext.
	FlagCompressed uint8 = 1 << 0
)

// Sealed is the clear envelope of an encrypted message. Layout:
//
//	1 byte: type (DATA, CONTACT_REQUEST or CONTACT)
//	1 byte: channel (DATA only)
//	1 byte: flags
//	8 bytes: sequence (big endian)
//	N bytes: ciphertext || tag
//
// The header bytes up to the ciphertext are the AEAD additional data, so
// a tampered channel, flag or sequence fails authentication.
type Sealed struct {
	Kind       MessageType
	Channel    uint8
	Flags      uint8
	Sequence   uint64
	Ciphertext []byte
}

func (m Sealed) Type() MessageType { return m.Kind }

func (m Sealed) headerLen() int {
	if m.Kind == TypeData {
		return 11
	}
	return 10
}

// Prefix returns the header bytes before the sequence. Together with the
// sequence they form the AEAD additional data.
func (m Sealed) Prefix() []byte {
	h := make([]byte, 0, m.headerLen()-8)
	h = append(h, byte(m.Kind))
	if m.Kind == TypeData {
		h = append(h, m.Channel)
	}
	return append(h, m.Flags)
}

// Header returns the full clear header bytes of the datagram.
func (m Sealed) Header() []byte {
	return binary.BigEndian.AppendUint64(m.Prefix(), m.Sequence)
}

func (m Sealed) encode() ([]byte, error) {
	if !m.Kind.sealed() {
		return nil, ErrNotSealed
	}
	h := m.Header()
	out := make([]byte, 0, len(h)+len(m.Ciphertext))
	out = append(out, h...)
	out = append(out, m.Ciphertext...)
	return out, nil
}

func decodeSealed(b []byte) (Sealed, error) {
	m := Sealed{Kind: MessageType(b[0])}
	if len(b) < m.headerLen() {
		return Sealed{}, ErrSealedTooShort
	}
	rest := b[1:]
	if m.Kind == TypeData {
		m.Channel = rest[0]
		rest = rest[1:]
	}
	m.Flags = rest[0]
	m.Sequence = binary.BigEndian.Uint64(rest[1:9])
	m.Ciphertext = rest[9:]
	return m, nil
}
