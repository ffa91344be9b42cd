package sdcp

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"errors"
	"net"
	"net/netip"

	"github.com/varatra/sdcp/sdcp/crypto"
	"github.com/varatra/sdcp/sdcp/identity"
	"github.com/varatra/sdcp/sdcp/session"
	"github.com/varatra/sdcp/sdcp/transport/udp"
	"github.com/varatra/sdcp/sdcp/wire"
)

// readLoop pulls datagrams off the socket, decodes them, and forwards
// each to the sender's peer loop. A single reader preserves the per-peer
// delivery order; fan-out happens at the peer loops.
func (s *Server) readLoop(conn *udp.Conn) error {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		b := make([]byte, n)
		copy(b, buf[:n])
		m, err := wire.Decode(b)
		if err != nil {
			s.log.Debug("dropping malformed datagram", "from", from, "err", err)
			continue
		}

		p := s.peerFor(from)
		if p == nil {
			return nil
		}
		if !p.tryEnqueue(func() { s.handleMessage(p, m) }) {
			s.log.Debug("peer inbox full, dropping datagram",
				"from", from, "type", m.Type())
		}
	}
}

// handleMessage runs on the peer loop.
func (s *Server) handleMessage(p *peer, m wire.Message) {
	switch m := m.(type) {
	case wire.Hello:
		s.handleHello(p, m)
	case wire.HelloResponse:
		s.handleHelloResponse(p, m)
	case wire.Presentation:
		s.handlePresentation(p, m)
	case wire.SessionRequest:
		s.handleSessionRequest(p, m)
	case wire.Session:
		s.handleSession(p, m)
	case wire.Sealed:
		s.handleSealed(p, m)
	case wire.ErrorMessage:
		s.handleError(p, m)
	}
}

func (s *Server) handleHello(p *peer, m wire.Hello) {
	if !s.handlers.helloReceived(p.endpoint, true) {
		// refusal is silence; the greeter's timeout covers it
		s.log.Debug("hello refused", "from", p.endpoint)
		return
	}
	if p.session.State() == session.StateIdle {
		p.session.SetState(session.StateHelloReceived)
	}
	if err := s.send(wire.HelloResponse{UniqueNumber: m.UniqueNumber}, p.endpoint); err != nil {
		s.log.Debug("hello response failed", "to", p.endpoint, "err", err)
		return
	}
	// accepted senders get an automatic introduction
	if err := s.send(wire.Presentation{Certificate: s.identity.Certificate().Raw}, p.endpoint); err != nil {
		s.log.Debug("introduction failed", "to", p.endpoint, "err", err)
	}
}

func (s *Server) handleHelloResponse(p *peer, m wire.HelloResponse) {
	g, ok := p.greets[m.UniqueNumber]
	if !ok {
		s.log.Debug("stale hello response", "from", p.endpoint, "number", m.UniqueNumber)
		return
	}
	delete(p.greets, m.UniqueNumber)
	g.complete(nil)
}

func (s *Server) handlePresentation(p *peer, m wire.Presentation) {
	cert, err := x509.ParseCertificate(m.Certificate)
	if err != nil {
		s.log.Debug("unparseable presentation", "from", p.endpoint, "err", err)
		return
	}

	status := s.presentationStatus(p, cert)
	def := status != session.PresentationChanged
	if !s.handlers.presentationReceived(p.endpoint, cert, status, def) {
		s.log.Debug("presentation refused", "from", p.endpoint, "status", status)
		return
	}

	p.session.SetCertificate(cert)
	s.directory.Observe(cert, p.endpoint)
	s.log.Debug("presentation accepted",
		"from", p.endpoint, "hash", identity.HashCertificate(cert), "status", status)
}

// presentationStatus compares a received certificate against the pinned
// one for the endpoint, or failing that against the last accepted one.
func (s *Server) presentationStatus(p *peer, cert *x509.Certificate) session.PresentationStatus {
	reference, ok := s.directory.Pinned(p.endpoint)
	if !ok {
		reference = p.session.Certificate()
	}
	switch {
	case reference == nil:
		return session.PresentationFirst
	case bytes.Equal(reference.Raw, cert.Raw):
		return session.PresentationSame
	default:
		return session.PresentationChanged
	}
}

func (s *Server) handleSessionRequest(p *peer, m wire.SessionRequest) {
	if err := p.session.CheckRequest(m); err != nil {
		s.log.Debug("unverifiable session request", "from", p.endpoint, "err", err)
		return
	}

	proposed := make([]crypto.CipherSuite, len(m.CipherSuites))
	for i, cs := range m.CipherSuites {
		proposed[i] = crypto.CipherSuite(cs)
	}
	if !s.handlers.sessionRequestReceived(p.endpoint, proposed, true) {
		_ = s.send(wire.ErrorMessage{Code: wire.ErrorCodeSessionRequestRefused}, p.endpoint)
		s.handlers.sessionFailed(p.endpoint, p.session.Fail())
		return
	}

	answer, err := p.session.HandleRequest(m, s.suites)
	if err != nil {
		s.log.Debug("session request not answerable", "from", p.endpoint, "err", err)
		if errors.Is(err, crypto.ErrNoCommonSuite) {
			_ = s.send(wire.ErrorMessage{Code: wire.ErrorCodeSessionRequestRefused}, p.endpoint)
			s.handlers.sessionFailed(p.endpoint, p.session.Fail())
		}
		return
	}
	if err := s.send(answer, p.endpoint); err != nil {
		s.log.Debug("session answer failed", "to", p.endpoint, "err", err)
	}
}

func (s *Server) handleSession(p *peer, m wire.Session) {
	if err := p.session.CheckSession(m); err != nil {
		s.log.Debug("unverifiable session message", "from", p.endpoint, "err", err)
		return
	}
	// a validly signed but replayed SESSION matches no negotiation and
	// must not reach the decision callback
	if !p.session.Negotiating() {
		s.log.Debug("session message with no negotiation in flight", "from", p.endpoint)
		return
	}

	if !s.handlers.sessionReceived(p.endpoint, crypto.CipherSuite(m.CipherSuite), true) {
		_ = s.send(wire.ErrorMessage{Code: wire.ErrorCodeSessionRefused}, p.endpoint)
		s.handlers.sessionFailed(p.endpoint, p.session.Fail())
		return
	}

	confirm, isNew, err := p.session.HandleSession(m)
	if err != nil {
		s.log.Debug("session message not applicable", "from", p.endpoint, "err", err)
		return
	}
	if confirm != nil {
		if err := s.send(*confirm, p.endpoint); err != nil {
			s.log.Debug("session confirmation failed", "to", p.endpoint, "err", err)
		}
	}
	s.log.Debug("session established",
		"peer", p.endpoint, "new", isNew, "suite", p.session.Suite())
	s.handlers.sessionEstablished(p.endpoint, isNew, p.session.Suite())
}

func (s *Server) handleError(p *peer, m wire.ErrorMessage) {
	if !p.session.Negotiating() {
		s.log.Debug("stray error message", "from", p.endpoint, "code", m.Code)
		return
	}
	s.handlers.sessionFailed(p.endpoint, p.session.Fail())
}

func (s *Server) handleSealed(p *peer, m wire.Sealed) {
	plaintext, err := p.session.Open(m)
	if err != nil {
		// replayed, tampered or stale-keyed datagrams are noise
		s.log.Debug("dropping sealed datagram",
			"from", p.endpoint, "type", m.Kind, "err", err)
		return
	}
	if m.Flags&wire.FlagCompressed != 0 {
		plaintext, err = decompress(plaintext)
		if err != nil {
			s.log.Debug("dropping undecompressable datagram", "from", p.endpoint)
			return
		}
	}

	switch m.Kind {
	case wire.TypeData:
		s.handlers.dataReceived(p.endpoint, m.Channel, plaintext)
	case wire.TypeContactRequest:
		s.handleContactRequest(p, plaintext)
	case wire.TypeContact:
		s.handleContact(p, plaintext)
	}
}

func (s *Server) handleContactRequest(p *peer, plaintext []byte) {
	var body wire.ContactRequestBody
	if err := json.Unmarshal(plaintext, &body); err != nil {
		s.log.Debug("malformed contact request", "from", p.endpoint, "err", err)
		return
	}

	var entries []wire.ContactEntry
	for _, hb := range body.Hashes {
		if len(hb) != 32 {
			continue
		}
		var h identity.Hash
		copy(h[:], hb)
		e, ok := s.directory.Resolve(h)
		if !ok {
			// unknown hashes yield silence, not an explicit negative
			continue
		}
		if !s.handlers.contactRequestReceived(p.endpoint, e.Certificate, h, e.Endpoint) {
			continue
		}
		entries = append(entries, wire.ContactEntry{Hash: hb, Endpoint: e.Endpoint.String()})
	}
	if len(entries) == 0 {
		return
	}

	b, err := json.Marshal(wire.ContactBody{Entries: entries})
	if err != nil {
		return
	}
	m, err := p.session.Seal(wire.TypeContact, 0, 0, b)
	if err != nil {
		s.log.Debug("contact reply not sealable", "to", p.endpoint, "err", err)
		return
	}
	if err := s.send(m, p.endpoint); err != nil {
		s.log.Debug("contact reply failed", "to", p.endpoint, "err", err)
	}
}

func (s *Server) handleContact(p *peer, plaintext []byte) {
	var body wire.ContactBody
	if err := json.Unmarshal(plaintext, &body); err != nil {
		s.log.Debug("malformed contact message", "from", p.endpoint, "err", err)
		return
	}
	for _, e := range body.Entries {
		if len(e.Hash) != 32 {
			continue
		}
		target, err := netip.ParseAddrPort(e.Endpoint)
		if err != nil {
			continue
		}
		var h identity.Hash
		copy(h[:], e.Hash)
		s.handlers.contactReceived(p.endpoint, h, target)
	}
}
