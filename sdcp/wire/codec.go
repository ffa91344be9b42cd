package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MaxDatagramSize limits a single protocol datagram.
	MaxDatagramSize = 64 * 1024
)

var (
	ErrDatagramTooLarge = errors.New("wire: datagram too large")
	ErrDatagramEmpty    = errors.New("wire: empty datagram")
	ErrInvalidType      = errors.New("wire: invalid message type")
)

// Encode serializes a message into one datagram: the 1-byte type tag
// followed by the body. Handshake messages carry a JSON body; sealed
// messages and ERROR use their binary layouts.
func Encode(m Message) ([]byte, error) {
	switch m := m.(type) {
	case Sealed:
		return m.encode()
	case ErrorMessage:
		return []byte{byte(TypeError), m.Code}, nil
	case Hello, HelloResponse, Presentation, SessionRequest, Session:
		body, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 0, 1+len(body))
		out = append(out, byte(m.Type()))
		out = append(out, body...)
		if len(out) > MaxDatagramSize {
			return nil, ErrDatagramTooLarge
		}
		return out, nil
	default:
		return nil, ErrInvalidType
	}
}

// Decode parses one received datagram into its tagged variant.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, ErrDatagramEmpty
	}
	if len(b) > MaxDatagramSize {
		return nil, ErrDatagramTooLarge
	}

	t := MessageType(b[0])
	if t.sealed() {
		return decodeSealed(b)
	}

	switch t {
	case TypeHello:
		var m Hello
		if err := unmarshalBody(b[1:], &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeHelloResponse:
		var m HelloResponse
		if err := unmarshalBody(b[1:], &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypePresentation:
		var m Presentation
		if err := unmarshalBody(b[1:], &m); err != nil {
			return nil, err
		}
		if len(m.Certificate) == 0 {
			return nil, fmt.Errorf("wire: presentation missing certificate")
		}
		return m, nil
	case TypeSessionRequest:
		var m SessionRequest
		if err := unmarshalBody(b[1:], &m); err != nil {
			return nil, err
		}
		if _, err := m.SigningBytes(); err != nil {
			return nil, err
		}
		return m, nil
	case TypeSession:
		var m Session
		if err := unmarshalBody(b[1:], &m); err != nil {
			return nil, err
		}
		if _, err := m.SigningBytes(); err != nil {
			return nil, err
		}
		return m, nil
	case TypeError:
		if len(b) < 2 {
			return nil, errors.New("wire: error message missing code")
		}
		return ErrorMessage{Code: b[1]}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidType, t)
	}
}

func unmarshalBody(body []byte, out Message) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("wire: %s body: %w", out.Type(), err)
	}
	return nil
}
