package wire

// MessageType is the 1-byte tag that begins every datagram.
type MessageType uint8

const (
	TypeHello          MessageType = 1
	TypeHelloResponse  MessageType = 2
	TypePresentation   MessageType = 3
	TypeSessionRequest MessageType = 4
	TypeSession        MessageType = 5
	TypeData           MessageType = 6
	TypeContactRequest MessageType = 7
	TypeContact        MessageType = 8
	TypeError          MessageType = 9
)

func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeHelloResponse:
		return "HELLO_RESPONSE"
	case TypePresentation:
		return "PRESENTATION"
	case TypeSessionRequest:
		return "SESSION_REQUEST"
	case TypeSession:
		return "SESSION"
	case TypeData:
		return "DATA"
	case TypeContactRequest:
		return "CONTACT_REQUEST"
	case TypeContact:
		return "CONTACT"
	case TypeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// sealed reports whether messages of this type travel encrypted and
// authenticated under an established session.
func (t MessageType) sealed() bool {
	return t == TypeData || t == TypeContactRequest || t == TypeContact
}
