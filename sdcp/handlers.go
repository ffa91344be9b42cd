package sdcp

import (
	"crypto/x509"
	"net/netip"

	"github.com/varatra/sdcp/sdcp/crypto"
	"github.com/varatra/sdcp/sdcp/identity"
	"github.com/varatra/sdcp/sdcp/session"
)

// Handlers is the event surface of a Server, supplied once at
// construction. Every field is optional: a nil decision handler applies
// the permissive default it is handed, a nil notification handler drops
// the event.
//
// Handlers for one peer are invoked serially, in the order the
// triggering datagrams were processed; handlers for different peers may
// run concurrently. Calling back into the Server from a handler is
// allowed.
type Handlers struct {
	// HelloReceived decides whether to answer a HELLO. Acceptance sends
	// the response and automatically introduces the local certificate
	// to the sender.
	HelloReceived func(endpoint netip.AddrPort, defaultAccept bool) bool

	// PresentationReceived decides whether to adopt a presented
	// certificate. status tells first contact apart from a matching or
	// changed re-presentation; the default accepts everything except a
	// change.
	PresentationReceived func(endpoint netip.AddrPort, cert *x509.Certificate, status session.PresentationStatus, defaultAccept bool) bool

	// SessionRequestReceived decides whether to answer a session
	// negotiation proposing the listed suites.
	SessionRequestReceived func(endpoint netip.AddrPort, proposed []crypto.CipherSuite, defaultAccept bool) bool

	// SessionReceived decides whether to complete a negotiation that
	// settled on suite.
	SessionReceived func(endpoint netip.AddrPort, suite crypto.CipherSuite, defaultAccept bool) bool

	// SessionEstablished fires when a session goes live. isNew is false
	// when an established session was silently rekeyed.
	SessionEstablished func(endpoint netip.AddrPort, isNew bool, suite crypto.CipherSuite)

	// SessionFailed fires when a negotiation attempt is rejected or
	// aborted. An established session, if any, is unaffected.
	SessionFailed func(endpoint netip.AddrPort, isNew bool)

	// SessionLost fires when an established session is torn down.
	SessionLost func(endpoint netip.AddrPort)

	// DataReceived delivers an authenticated DATA payload, byte for
	// byte as sent.
	DataReceived func(endpoint netip.AddrPort, channel uint8, payload []byte)

	// ContactRequestReceived decides whether to reveal to endpoint that
	// the peer with hash (and certificate cert) was last seen at target.
	ContactRequestReceived func(endpoint netip.AddrPort, cert *x509.Certificate, hash identity.Hash, target netip.AddrPort) bool

	// ContactReceived reports a contact answer. The engine takes no
	// further action; greeting the target is the handler's decision.
	ContactReceived func(endpoint netip.AddrPort, hash identity.Hash, target netip.AddrPort)
}

func (h Handlers) helloReceived(ep netip.AddrPort, def bool) bool {
	if h.HelloReceived == nil {
		return def
	}
	return h.HelloReceived(ep, def)
}

func (h Handlers) presentationReceived(ep netip.AddrPort, cert *x509.Certificate, status session.PresentationStatus, def bool) bool {
	if h.PresentationReceived == nil {
		return def
	}
	return h.PresentationReceived(ep, cert, status, def)
}

func (h Handlers) sessionRequestReceived(ep netip.AddrPort, proposed []crypto.CipherSuite, def bool) bool {
	if h.SessionRequestReceived == nil {
		return def
	}
	return h.SessionRequestReceived(ep, proposed, def)
}

func (h Handlers) sessionReceived(ep netip.AddrPort, suite crypto.CipherSuite, def bool) bool {
	if h.SessionReceived == nil {
		return def
	}
	return h.SessionReceived(ep, suite, def)
}

func (h Handlers) sessionEstablished(ep netip.AddrPort, isNew bool, suite crypto.CipherSuite) {
	if h.SessionEstablished != nil {
		h.SessionEstablished(ep, isNew, suite)
	}
}

func (h Handlers) sessionFailed(ep netip.AddrPort, isNew bool) {
	if h.SessionFailed != nil {
		h.SessionFailed(ep, isNew)
	}
}

func (h Handlers) sessionLost(ep netip.AddrPort) {
	if h.SessionLost != nil {
		h.SessionLost(ep)
	}
}

func (h Handlers) dataReceived(ep netip.AddrPort, channel uint8, payload []byte) {
	if h.DataReceived != nil {
		h.DataReceived(ep, channel, payload)
	}
}

func (h Handlers) contactRequestReceived(ep netip.AddrPort, cert *x509.Certificate, hash identity.Hash, target netip.AddrPort) bool {
	if h.ContactRequestReceived == nil {
		return true
	}
	return h.ContactRequestReceived(ep, cert, hash, target)
}

func (h Handlers) contactReceived(ep netip.AddrPort, hash identity.Hash, target netip.AddrPort) {
	if h.ContactReceived != nil {
		h.ContactReceived(ep, hash, target)
	}
}
