package session

// State is the per-peer handshake state.
type State uint8

const (
	StateIdle State = iota
	StateHelloSent
	StateHelloReceived
	StatePresented
	StateSessionRequested
	StateEstablished
	StateFailed
	StateLost
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHelloSent:
		return "hello-sent"
	case StateHelloReceived:
		return "hello-received"
	case StatePresented:
		return "presented"
	case StateSessionRequested:
		return "session-requested"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// PresentationStatus distinguishes how a received certificate relates to
// what was previously seen or pinned for the endpoint.
type PresentationStatus uint8

const (
	// PresentationFirst is a certificate from a peer never seen before.
	PresentationFirst PresentationStatus = iota
	// PresentationSame matches the pinned or previously presented one.
	PresentationSame
	// PresentationChanged differs from the pinned or previous one.
	PresentationChanged
)

func (s PresentationStatus) String() string {
	switch s {
	case PresentationFirst:
		return "first"
	case PresentationSame:
		return "same"
	case PresentationChanged:
		return "changed"
	default:
		return "unknown"
	}
}
