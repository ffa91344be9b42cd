package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var (
	ErrBadEphemeralKey = errors.New("wire: ephemeral key must be 32 bytes")
	ErrBadHash         = errors.New("wire: certificate hash must be 32 bytes")
)

// Message is the tagged variant carried by every datagram.
type Message interface {
	Type() MessageType
}

// Hello opens contact with a peer. The unique number is random per greet
// and lets the sender match the response to the outstanding attempt.
type Hello struct {
	UniqueNumber uint32 `json:"unique_number"`
}

func (Hello) Type() MessageType { return TypeHello }

// HelloResponse echoes the unique number of an accepted HELLO.
type HelloResponse struct {
	UniqueNumber uint32 `json:"unique_number"`
}

func (HelloResponse) Type() MessageType { return TypeHelloResponse }

// Presentation introduces the sender's certificate (DER encoded).
type Presentation struct {
	Certificate []byte `json:"certificate"`
}

func (Presentation) Type() MessageType { return TypePresentation }

// SessionRequest proposes a new session: a session number (bumped on
// renegotiation), the sender's supported cipher suites in preference
// order, and a fresh ephemeral X25519 public key. The signature is
// produced by the sender's certified key over SigningBytes.
type SessionRequest struct {
	SessionNumber uint32  `json:"session_number"`
	HostHash      []byte  `json:"host_hash"`
	CipherSuites  []uint8 `json:"cipher_suites"`
	EphemeralKey  []byte  `json:"ephemeral_key"`
	Signature     []byte  `json:"signature"`
}

func (SessionRequest) Type() MessageType { return TypeSessionRequest }

func (m SessionRequest) SigningBytes() ([]byte, error) {
	if len(m.EphemeralKey) != 32 {
		return nil, ErrBadEphemeralKey
	}
	if len(m.HostHash) != 32 {
		return nil, ErrBadHash
	}
	var b bytes.Buffer
	b.WriteString("sdcp-session-request")
	var num [4]byte
	binary.BigEndian.PutUint32(num[:], m.SessionNumber)
	b.Write(num[:])
	b.Write(m.HostHash)
	b.WriteByte(byte(len(m.CipherSuites)))
	b.Write(m.CipherSuites)
	b.Write(m.EphemeralKey)
	return b.Bytes(), nil
}

// Session answers a SessionRequest with the chosen suite and the
// responder's ephemeral key, or confirms an accepted SESSION back to the
// responder. Signed like SessionRequest.
type Session struct {
	SessionNumber uint32 `json:"session_number"`
	HostHash      []byte `json:"host_hash"`
	CipherSuite   uint8  `json:"cipher_suite"`
	EphemeralKey  []byte `json:"ephemeral_key"`
	Signature     []byte `json:"signature"`
}

func (Session) Type() MessageType { return TypeSession }

func (m Session) SigningBytes() ([]byte, error) {
	if len(m.EphemeralKey) != 32 {
		return nil, ErrBadEphemeralKey
	}
	if len(m.HostHash) != 32 {
		return nil, ErrBadHash
	}
	var b bytes.Buffer
	b.WriteString("sdcp-session")
	var num [4]byte
	binary.BigEndian.PutUint32(num[:], m.SessionNumber)
	b.Write(num[:])
	b.Write(m.HostHash)
	b.WriteByte(m.CipherSuite)
	b.Write(m.EphemeralKey)
	return b.Bytes(), nil
}

// Error codes reported to a peer whose negotiation attempt was refused.
// Refused HELLOs and PRESENTATIONs yield silence instead; the sender's
// timeout covers them.
const (
	ErrorCodeSessionRequestRefused uint8 = 1
	ErrorCodeSessionRefused        uint8 = 2
)

// ErrorMessage tells a peer that its last negotiation message was
// refused, so it can fail fast instead of waiting.
type ErrorMessage struct {
	Code uint8
}

func (ErrorMessage) Type() MessageType { return TypeError }

// ContactRequestBody is the sealed payload of a CONTACT_REQUEST: the
// certificate hashes the sender wants resolved to endpoints.
type ContactRequestBody struct {
	Hashes [][]byte `json:"hashes"`
}

// ContactEntry resolves one certificate hash to the endpoint it was last
// seen at, in netip.AddrPort string form.
type ContactEntry struct {
	Hash     []byte `json:"hash"`
	Endpoint string `json:"endpoint"`
}

// ContactBody is the sealed payload of a CONTACT reply.
type ContactBody struct {
	Entries []ContactEntry `json:"entries"`
}
