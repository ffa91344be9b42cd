package sdcp

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/varatra/sdcp/sdcp/contacts"
	"github.com/varatra/sdcp/sdcp/crypto"
	"github.com/varatra/sdcp/sdcp/identity"
	"github.com/varatra/sdcp/sdcp/session"
	"github.com/varatra/sdcp/sdcp/transport/udp"
	"github.com/varatra/sdcp/sdcp/wire"
)

// DefaultHelloTimeout bounds how long a greet waits for its response.
// It is the only protocol-level timeout.
const DefaultHelloTimeout = 3 * time.Second

// Config carries the construction-time parameters of a Server. Only
// Identity is required.
type Config struct {
	Identity identity.Identity
	Handlers Handlers

	// Logger receives structured diagnostics; defaults to slog.Default().
	Logger *slog.Logger

	// HelloTimeout overrides DefaultHelloTimeout.
	HelloTimeout time.Duration

	// CipherSuites lists the supported suites in preference order;
	// defaults to crypto.DefaultSuites().
	CipherSuites []crypto.CipherSuite

	// CompressionThreshold enables transparent LZ4 compression of DATA
	// payloads of at least this many bytes. Zero disables compression.
	CompressionThreshold int
}

// Server hosts one local identity on one datagram socket and drives the
// per-peer handshake, session and contact machinery. All public
// operations are asynchronous: they enqueue work on the target peer's
// loop and return immediately, reporting the outcome through the
// optional completion callback.
type Server struct {
	identity     identity.Identity
	handlers     Handlers
	log          *slog.Logger
	helloTimeout time.Duration
	suites       []crypto.CipherSuite
	compressAt   int

	directory *contacts.Directory

	mu     sync.Mutex
	conn   *udp.Conn
	peers  map[netip.AddrPort]*peer
	open   bool
	closed bool
	group  *errgroup.Group
}

// NewServer builds a Server from cfg. The identity is fixed for the
// lifetime of the Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Identity.Certificate() == nil {
		return nil, ErrInvalidIdentity
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.HelloTimeout
	if timeout <= 0 {
		timeout = DefaultHelloTimeout
	}
	suites := cfg.CipherSuites
	if len(suites) == 0 {
		suites = crypto.DefaultSuites()
	}
	return &Server{
		identity:     cfg.Identity,
		handlers:     cfg.Handlers,
		log:          log,
		helloTimeout: timeout,
		suites:       suites,
		compressAt:   cfg.CompressionThreshold,
		directory:    contacts.New(),
		peers:        map[netip.AddrPort]*peer{},
	}, nil
}

// Directory exposes the contact directory for inspection and seeding.
func (s *Server) Directory() *contacts.Directory { return s.directory }

// Identity returns the local identity.
func (s *Server) Identity() identity.Identity { return s.identity }

// Open binds the local endpoint and starts processing. A bind failure is
// fatal to the attempt; the Server may not be reopened after Close.
func (s *Server) Open(local netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.open {
		return ErrAlreadyOpen
	}
	conn, err := udp.Listen(local)
	if err != nil {
		return err
	}
	s.conn = conn
	s.open = true
	s.group = new(errgroup.Group)
	s.group.Go(func() error { return s.readLoop(conn) })

	s.log.Debug("endpoint open", "local", conn.LocalAddr())
	return nil
}

// LocalAddr returns the bound address, useful when Open was given port
// zero.
func (s *Server) LocalAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return netip.AddrPort{}
	}
	return s.conn.LocalAddr()
}

// Close stops the endpoint. The socket closes immediately; each peer
// loop then runs its queued tasks to completion (their sends fail
// against the closed socket, so their completions still fire), aborts
// outstanding greets with ErrAborted and fires session-lost for an
// established session. The teardown runs on the peer loops, never on
// the caller, so Close is safe to call from inside a handler; events
// may still be delivered briefly after Close returns.
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	conn := s.conn
	group := s.group
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	err := conn.Close()
	for _, p := range peers {
		close(p.quit)
	}
	if gerr := group.Wait(); gerr != nil && err == nil {
		err = gerr
	}
	s.log.Debug("endpoint closed")
	return err
}

// peerFor returns the peer record for endpoint, creating it (and its
// loop) on first use. It returns nil once the Server is closed.
func (s *Server) peerFor(endpoint netip.AddrPort) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if p, ok := s.peers[endpoint]; ok {
		return p
	}
	p := newPeer(endpoint, session.New(s.identity, endpoint))
	p.teardown = func() {
		p.abortGreets(ErrAborted)
		if p.session.Lose() {
			s.handlers.sessionLost(p.endpoint)
		}
	}
	s.peers[endpoint] = p
	go p.run()
	return p
}

// SetPresentation pins cert as the certificate expected from endpoint,
// short-circuiting first-contact trust: the session layer may negotiate
// against it before any PRESENTATION arrives, and a later presentation
// is reported as Same or Changed rather than First.
func (s *Server) SetPresentation(endpoint netip.AddrPort, cert *x509.Certificate) {
	s.directory.Pin(endpoint, cert)
	if p := s.peerFor(endpoint); p != nil {
		p.session.SetCertificate(cert)
	}
}

// Greet sends a HELLO to endpoint and waits up to the hello timeout for
// the response. done, if set, fires exactly once with the round-trip
// time and nil, or with ErrHelloTimeout, ErrAborted or a transport
// error. A timeout is never fatal; the caller may simply retry.
func (s *Server) Greet(endpoint netip.AddrPort, done func(rtt time.Duration, err error)) {
	s.run(endpoint, func(p *peer) { s.greet(p, done) }, func(err error) {
		if done != nil {
			done(0, err)
		}
	})
}

// IntroduceTo sends the local certificate to endpoint as a PRESENTATION.
func (s *Server) IntroduceTo(endpoint netip.AddrPort, done func(error)) {
	s.run(endpoint, func(p *peer) {
		complete(done, s.send(wire.Presentation{Certificate: s.identity.Certificate().Raw}, endpoint))
	}, func(err error) { complete(done, err) })
}

// RequestSession starts (or renegotiates) a session with endpoint,
// proposing the configured cipher suites. The peer certificate must be
// known, via an accepted presentation or pinning.
func (s *Server) RequestSession(endpoint netip.AddrPort, done func(error)) {
	s.run(endpoint, func(p *peer) {
		req, err := p.session.StartNegotiation(s.suites)
		if err != nil {
			complete(done, err)
			return
		}
		complete(done, s.send(req, endpoint))
	}, func(err error) { complete(done, err) })
}

// Send seals payload on channel and transmits one datagram to endpoint.
// Completion reports local transmit success only; the transport is
// unacknowledged. payload is copied before Send returns.
func (s *Server) Send(endpoint netip.AddrPort, channel uint8, payload []byte, done func(error)) {
	data := append([]byte(nil), payload...)
	s.run(endpoint, func(p *peer) {
		body, flags := maybeCompress(data, s.compressAt)
		m, err := p.session.Seal(wire.TypeData, channel, flags, body)
		if err != nil {
			complete(done, err)
			return
		}
		complete(done, s.send(m, endpoint))
	}, func(err error) { complete(done, err) })
}

// SendContactRequest asks endpoint whether it can resolve any of the
// given certificate hashes to a known endpoint. Answers, if any, arrive
// through the contact-received handler; unknown hashes yield silence.
func (s *Server) SendContactRequest(endpoint netip.AddrPort, hashes []identity.Hash, done func(error)) {
	s.run(endpoint, func(p *peer) {
		body := wire.ContactRequestBody{Hashes: make([][]byte, len(hashes))}
		for i, h := range hashes {
			body.Hashes[i] = append([]byte(nil), h[:]...)
		}
		b, err := json.Marshal(body)
		if err != nil {
			complete(done, err)
			return
		}
		m, err := p.session.Seal(wire.TypeContactRequest, 0, 0, b)
		if err != nil {
			complete(done, err)
			return
		}
		complete(done, s.send(m, endpoint))
	}, func(err error) { complete(done, err) })
}

// run schedules task on the peer loop for endpoint without ever
// blocking the caller: a shut-down endpoint aborts with ErrClosed, a
// full peer queue with ErrBusy.
func (s *Server) run(endpoint netip.AddrPort, task func(*peer), abort func(error)) {
	p := s.peerFor(endpoint)
	if p == nil {
		abort(ErrClosed)
		return
	}
	if p.tryEnqueue(func() { task(p) }) {
		return
	}
	if p.closing() {
		abort(ErrClosed)
	} else {
		abort(ErrBusy)
	}
}

// greet runs on the peer loop.
func (s *Server) greet(p *peer, done func(time.Duration, error)) {
	num, err := greetNumber(rand.Reader, p.greets)
	if err != nil {
		if done != nil {
			done(0, err)
		}
		return
	}

	if err := s.send(wire.Hello{UniqueNumber: num}, p.endpoint); err != nil {
		if done != nil {
			done(0, err)
		}
		return
	}
	if p.session.State() == session.StateIdle {
		p.session.SetState(session.StateHelloSent)
	}

	g := &pendingGreet{sentAt: time.Now(), done: done}
	g.timer = time.AfterFunc(s.helloTimeout, func() { s.expireGreet(p, num, g) })
	p.greets[num] = g
}

// greetNumber draws an exchange number no outstanding greet to the peer
// is already using, so two concurrent greets can never answer or time
// out for each other.
func greetNumber(r io.Reader, outstanding map[uint32]*pendingGreet) (uint32, error) {
	for {
		var nb [4]byte
		if _, err := io.ReadFull(r, nb[:]); err != nil {
			return 0, err
		}
		num := binary.BigEndian.Uint32(nb[:])
		if _, ok := outstanding[num]; !ok {
			return num, nil
		}
	}
}

// expireGreet times out one greet. The expiry must run on the peer loop;
// when the loop is saturated the timer backs off and retries, and a peer
// that is shutting down aborts its greets in its own teardown.
func (s *Server) expireGreet(p *peer, num uint32, g *pendingGreet) {
	ok := p.tryEnqueue(func() {
		if cur, ok := p.greets[num]; ok && cur == g {
			delete(p.greets, num)
			g.complete(ErrHelloTimeout)
		}
	})
	if !ok && !p.closing() {
		g.timer.Reset(10 * time.Millisecond)
	}
}

// send encodes and transmits one datagram.
func (s *Server) send(m wire.Message, to netip.AddrPort) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	ok := s.open && !s.closed
	s.mu.Unlock()
	if !ok {
		return ErrNotOpen
	}
	return conn.WriteTo(b, to)
}

func complete(done func(error), err error) {
	if done != nil {
		done(err)
	}
}
