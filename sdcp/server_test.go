package sdcp

import (
	"bytes"
	"crypto/x509"
	"encoding/binary"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varatra/sdcp/sdcp/crypto"
	"github.com/varatra/sdcp/sdcp/identity"
	"github.com/varatra/sdcp/sdcp/session"
	"github.com/varatra/sdcp/sdcp/transport/udp"
	"github.com/varatra/sdcp/sdcp/wire"
)

const testTimeout = 5 * time.Second

// events collects handler invocations for assertions.
type events struct {
	mu          sync.Mutex
	established []bool // isNew flags, in order
	failed      []bool
	lost        int
	suites      []crypto.CipherSuite

	establishedCh chan bool
	failedCh      chan bool
	lostCh        chan netip.AddrPort
	dataCh        chan receivedData
	contactCh     chan receivedContact
}

type receivedData struct {
	from    netip.AddrPort
	channel uint8
	payload []byte
}

type receivedContact struct {
	from   netip.AddrPort
	hash   identity.Hash
	target netip.AddrPort
}

func newEvents() *events {
	return &events{
		establishedCh: make(chan bool, 16),
		failedCh:      make(chan bool, 16),
		lostCh:        make(chan netip.AddrPort, 16),
		dataCh:        make(chan receivedData, 16),
		contactCh:     make(chan receivedContact, 16),
	}
}

func (e *events) handlers() Handlers {
	return Handlers{
		SessionEstablished: func(ep netip.AddrPort, isNew bool, suite crypto.CipherSuite) {
			e.mu.Lock()
			e.established = append(e.established, isNew)
			e.suites = append(e.suites, suite)
			e.mu.Unlock()
			e.establishedCh <- isNew
		},
		SessionFailed: func(ep netip.AddrPort, isNew bool) {
			e.mu.Lock()
			e.failed = append(e.failed, isNew)
			e.mu.Unlock()
			e.failedCh <- isNew
		},
		SessionLost: func(ep netip.AddrPort) {
			e.mu.Lock()
			e.lost++
			e.mu.Unlock()
			e.lostCh <- ep
		},
		DataReceived: func(ep netip.AddrPort, channel uint8, payload []byte) {
			e.dataCh <- receivedData{from: ep, channel: channel, payload: append([]byte(nil), payload...)}
		},
		ContactReceived: func(ep netip.AddrPort, hash identity.Hash, target netip.AddrPort) {
			e.contactCh <- receivedContact{from: ep, hash: hash, target: target}
		},
	}
}

func recv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func assertSilent[T any](t *testing.T, ch chan T, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(200 * time.Millisecond):
	}
}

// newServer opens a server on an ephemeral localhost port.
func newServer(t *testing.T, name string, cfg Config) *Server {
	t.Helper()
	if cfg.Identity.Certificate() == nil {
		id, err := identity.Generate(name)
		require.NoError(t, err)
		cfg.Identity = id
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Open(netip.MustParseAddrPort("127.0.0.1:0")))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// connect pins certificates both ways and drives a session to
// establishment, with a initiating.
func connect(t *testing.T, a, b *Server, ae, be *events) {
	t.Helper()
	a.SetPresentation(b.LocalAddr(), b.Identity().Certificate())
	b.SetPresentation(a.LocalAddr(), a.Identity().Certificate())

	a.RequestSession(b.LocalAddr(), func(err error) { assert.NoError(t, err) })
	recv(t, ae.establishedCh, "initiator establishment")
	recv(t, be.establishedCh, "responder establishment")
}

func TestGreetTimeoutFiresExactlyOnce(t *testing.T) {
	const bound = 300 * time.Millisecond
	srv := newServer(t, "alice", Config{HelloTimeout: bound})

	// a bound socket with no server behind it: nothing will answer
	nobody := newServer(t, "nobody", Config{})
	silent := nobody.LocalAddr()
	require.NoError(t, nobody.Close())

	type outcome struct {
		rtt time.Duration
		err error
	}
	done := make(chan outcome, 4)
	start := time.Now()
	srv.Greet(silent, func(rtt time.Duration, err error) {
		done <- outcome{rtt, err}
	})

	got := recv(t, done, "greet completion")
	require.ErrorIs(t, got.err, ErrHelloTimeout)
	assert.GreaterOrEqual(t, time.Since(start), bound, "completion fired before the bound")
	assert.GreaterOrEqual(t, got.rtt, bound)
	assertSilent(t, done, "second greet completion")
}

func TestGreetAbortedOnClose(t *testing.T) {
	srv := newServer(t, "alice", Config{HelloTimeout: testTimeout})

	nobody := newServer(t, "nobody", Config{})
	silent := nobody.LocalAddr()
	require.NoError(t, nobody.Close())

	errs := make(chan error, 4)
	srv.Greet(silent, func(_ time.Duration, err error) { errs <- err })

	require.NoError(t, srv.Close())
	require.ErrorIs(t, recv(t, errs, "greet completion"), ErrAborted)
	assertSilent(t, errs, "second greet completion")

	// operations after close abort immediately
	srv.Greet(silent, func(_ time.Duration, err error) { errs <- err })
	require.ErrorIs(t, recv(t, errs, "post-close completion"), ErrClosed)
}

// TestHandshakeTrace drives the full sequence the protocol is built for:
// greet, automatic introduction, presentation-triggered negotiation, and
// first data exchange.
func TestHandshakeTrace(t *testing.T) {
	ae, be := newEvents(), newEvents()

	var alice *Server
	aliceHandlers := ae.handlers()
	// negotiate once bob's certificate is in hand
	aliceHandlers.PresentationReceived = func(ep netip.AddrPort, _ *x509.Certificate, status session.PresentationStatus, def bool) bool {
		if status == session.PresentationFirst {
			alice.RequestSession(ep, func(err error) { assert.NoError(t, err) })
		}
		return def
	}

	alice = newServer(t, "alice", Config{Handlers: aliceHandlers, HelloTimeout: testTimeout})
	bob := newServer(t, "bob", Config{Handlers: be.handlers(), HelloTimeout: testTimeout})

	// answering a greet makes bob introduce himself automatically;
	// alice introduces herself back
	done := make(chan struct{})
	alice.Greet(bob.LocalAddr(), func(rtt time.Duration, err error) {
		assert.NoError(t, err)
		assert.Greater(t, rtt, time.Duration(0))
		alice.IntroduceTo(bob.LocalAddr(), func(err error) { assert.NoError(t, err) })
		close(done)
	})
	recv(t, done, "greet completion")

	require.True(t, recv(t, ae.establishedCh, "alice establishment"), "alice isNew")
	require.True(t, recv(t, be.establishedCh, "bob establishment"), "bob isNew")

	ae.mu.Lock()
	be.mu.Lock()
	require.Equal(t, ae.suites, be.suites, "negotiated suites must match")
	ae.mu.Unlock()
	be.mu.Unlock()

	payload := []byte("Hello you !")
	alice.Send(bob.LocalAddr(), 3, payload, func(err error) { assert.NoError(t, err) })
	got := recv(t, be.dataCh, "data at bob")
	assert.Equal(t, uint8(3), got.channel)
	assert.Equal(t, payload, got.payload)
	assert.Equal(t, alice.LocalAddr(), got.from)
}

func TestDataRoundTripWithCompression(t *testing.T) {
	ae, be := newEvents(), newEvents()
	alice := newServer(t, "alice", Config{Handlers: ae.handlers(), CompressionThreshold: 64})
	bob := newServer(t, "bob", Config{Handlers: be.handlers()})
	connect(t, alice, bob, ae, be)

	// compressible payload well above the threshold
	payload := bytes.Repeat([]byte("abcdefgh"), 200)
	alice.Send(bob.LocalAddr(), 9, payload, func(err error) { assert.NoError(t, err) })

	got := recv(t, be.dataCh, "data at bob")
	assert.Equal(t, uint8(9), got.channel)
	assert.Equal(t, payload, got.payload, "delivery must be byte-for-byte")

	// incompressible payload below the threshold
	small := []byte{0x01, 0x02, 0x03}
	alice.Send(bob.LocalAddr(), 9, small, func(err error) { assert.NoError(t, err) })
	got = recv(t, be.dataCh, "small data at bob")
	assert.Equal(t, small, got.payload)
}

func TestSendRequiresSession(t *testing.T) {
	ae, be := newEvents(), newEvents()
	alice := newServer(t, "alice", Config{Handlers: ae.handlers()})
	bob := newServer(t, "bob", Config{Handlers: be.handlers()})

	errs := make(chan error, 1)
	alice.Send(bob.LocalAddr(), 1, []byte("too early"), func(err error) { errs <- err })
	require.ErrorIs(t, recv(t, errs, "send completion"), session.ErrNotEstablished)
}

func TestSessionRequestVeto(t *testing.T) {
	ae, be := newEvents(), newEvents()
	bobHandlers := be.handlers()
	bobHandlers.SessionRequestReceived = func(netip.AddrPort, []crypto.CipherSuite, bool) bool {
		return false
	}

	alice := newServer(t, "alice", Config{Handlers: ae.handlers()})
	bob := newServer(t, "bob", Config{Handlers: bobHandlers})
	alice.SetPresentation(bob.LocalAddr(), bob.Identity().Certificate())
	bob.SetPresentation(alice.LocalAddr(), alice.Identity().Certificate())

	alice.RequestSession(bob.LocalAddr(), func(err error) { assert.NoError(t, err) })

	require.True(t, recv(t, be.failedCh, "bob session failure"), "failure concerned a new session")
	require.True(t, recv(t, ae.failedCh, "alice session failure"), "failure concerned a new session")
	assertSilent(t, ae.establishedCh, "establishment after veto")
}

func TestPresentationVetoBlocksNegotiation(t *testing.T) {
	ae, be := newEvents(), newEvents()

	var mu sync.Mutex
	acceptPresentations := false
	bobHandlers := be.handlers()
	bobHandlers.PresentationReceived = func(_ netip.AddrPort, _ *x509.Certificate, _ session.PresentationStatus, _ bool) bool {
		mu.Lock()
		defer mu.Unlock()
		return acceptPresentations
	}

	alice := newServer(t, "alice", Config{Handlers: ae.handlers()})
	bob := newServer(t, "bob", Config{Handlers: bobHandlers})
	alice.SetPresentation(bob.LocalAddr(), bob.Identity().Certificate())

	// bob refuses the certificate, so the request that follows it is
	// unverifiable and goes unanswered
	alice.IntroduceTo(bob.LocalAddr(), func(err error) { assert.NoError(t, err) })
	alice.RequestSession(bob.LocalAddr(), func(err error) { assert.NoError(t, err) })
	assertSilent(t, ae.establishedCh, "establishment despite veto")
	assertSilent(t, be.establishedCh, "establishment at bob despite veto")

	mu.Lock()
	acceptPresentations = true
	mu.Unlock()

	alice.IntroduceTo(bob.LocalAddr(), func(err error) { assert.NoError(t, err) })
	alice.RequestSession(bob.LocalAddr(), func(err error) { assert.NoError(t, err) })
	recv(t, ae.establishedCh, "alice establishment")
	recv(t, be.establishedCh, "bob establishment")
}

func TestPinnedMismatchReportsChanged(t *testing.T) {
	ae, be := newEvents(), newEvents()

	type seen struct {
		status session.PresentationStatus
		def    bool
	}
	statuses := make(chan seen, 4)
	bobHandlers := be.handlers()
	bobHandlers.PresentationReceived = func(_ netip.AddrPort, _ *x509.Certificate, status session.PresentationStatus, def bool) bool {
		statuses <- seen{status, def}
		return def
	}

	alice := newServer(t, "alice", Config{Handlers: ae.handlers()})
	bob := newServer(t, "bob", Config{Handlers: bobHandlers})

	// bob expects somebody else at alice's endpoint
	imposter, err := identity.Generate("imposter")
	require.NoError(t, err)
	bob.Directory().Pin(alice.LocalAddr(), imposter.Certificate())

	alice.IntroduceTo(bob.LocalAddr(), func(err error) { assert.NoError(t, err) })
	got := recv(t, statuses, "presentation at bob")
	assert.Equal(t, session.PresentationChanged, got.status)
	assert.False(t, got.def, "a changed certificate must not be accepted by default")
}

func TestRenegotiationReportsNotNew(t *testing.T) {
	ae, be := newEvents(), newEvents()
	alice := newServer(t, "alice", Config{Handlers: ae.handlers()})
	bob := newServer(t, "bob", Config{Handlers: be.handlers()})
	connect(t, alice, bob, ae, be)

	// either side may rekey at any time
	bob.RequestSession(alice.LocalAddr(), func(err error) { assert.NoError(t, err) })
	require.False(t, recv(t, be.establishedCh, "bob rekey"), "rekey must not be new")
	require.False(t, recv(t, ae.establishedCh, "alice rekey"), "rekey must not be new")
	assertSilent(t, ae.lostCh, "session loss during rekey")

	// traffic flows under the fresh keys
	bob.Send(alice.LocalAddr(), 4, []byte("after rekey"), func(err error) { assert.NoError(t, err) })
	got := recv(t, ae.dataCh, "data at alice")
	assert.Equal(t, []byte("after rekey"), got.payload)
}

func TestContactRelay(t *testing.T) {
	ae, be, ce := newEvents(), newEvents(), newEvents()
	alice := newServer(t, "alice", Config{Handlers: ae.handlers()})
	bob := newServer(t, "bob", Config{Handlers: be.handlers()})
	chris := newServer(t, "chris", Config{Handlers: ce.handlers()})

	// bob has seen alice present herself, so his directory can resolve her
	connect(t, alice, bob, ae, be)
	alice.IntroduceTo(bob.LocalAddr(), func(err error) { assert.NoError(t, err) })

	// chris talks to bob and asks where alice is
	connect(t, chris, bob, ce, be)

	aliceHash := alice.Identity().Hash()
	waitDirectory(t, bob, aliceHash)

	chris.SendContactRequest(bob.LocalAddr(), []identity.Hash{aliceHash}, func(err error) {
		assert.NoError(t, err)
	})

	got := recv(t, ce.contactCh, "contact at chris")
	assert.Equal(t, bob.LocalAddr(), got.from)
	assert.Equal(t, aliceHash, got.hash)
	assert.Equal(t, alice.LocalAddr(), got.target)
	assertSilent(t, ce.contactCh, "duplicate contact reply")

	// a hash bob has never seen yields silence
	unknown, err := identity.Generate("stranger")
	require.NoError(t, err)
	chris.SendContactRequest(bob.LocalAddr(), []identity.Hash{unknown.Hash()}, func(err error) {
		assert.NoError(t, err)
	})
	assertSilent(t, ce.contactCh, "contact reply for unknown hash")
}

// waitDirectory blocks until srv's directory can resolve hash.
func waitDirectory(t *testing.T, srv *Server, hash identity.Hash) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := srv.Directory().Resolve(hash)
		return ok
	}, testTimeout, 10*time.Millisecond, "directory never learned the hash")
}

func TestCloseInsideHandler(t *testing.T) {
	ae, be := newEvents(), newEvents()

	var bob *Server
	closed := make(chan error, 1)
	bobHandlers := be.handlers()
	bobHandlers.DataReceived = func(netip.AddrPort, uint8, []byte) {
		closed <- bob.Close()
	}

	alice := newServer(t, "alice", Config{Handlers: ae.handlers()})
	bob = newServer(t, "bob", Config{Handlers: bobHandlers})
	connect(t, alice, bob, ae, be)

	// the handler runs on bob's peer loop; Close must still return
	alice.Send(bob.LocalAddr(), 2, []byte("shut it down"), func(err error) { assert.NoError(t, err) })

	require.NoError(t, recv(t, closed, "Close called from the data handler"))
	recv(t, be.lostCh, "session lost at bob")
	require.ErrorIs(t, bob.Close(), ErrClosed)
}

func TestQueuedCompletionsFireThroughClose(t *testing.T) {
	ae, be := newEvents(), newEvents()

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	bobHandlers := be.handlers()
	bobHandlers.DataReceived = func(netip.AddrPort, uint8, []byte) {
		entered <- struct{}{}
		<-gate
	}

	alice := newServer(t, "alice", Config{Handlers: ae.handlers()})
	bob := newServer(t, "bob", Config{Handlers: bobHandlers})
	connect(t, alice, bob, ae, be)

	// park bob's loop for alice inside a handler so the next operation
	// queues up behind it
	alice.Send(bob.LocalAddr(), 1, []byte("block"), func(err error) { assert.NoError(t, err) })
	recv(t, entered, "handler entry")

	errs := make(chan error, 1)
	bob.Send(alice.LocalAddr(), 1, []byte("queued"), func(err error) { errs <- err })

	require.NoError(t, bob.Close())
	close(gate)

	// the queued send must not vanish: it completes with an error
	require.Error(t, recv(t, errs, "queued send completion"))
	recv(t, be.lostCh, "session lost at bob")
}

func TestGreetNumberAvoidsOutstanding(t *testing.T) {
	taken := uint32(0xDEADBEEF)
	outstanding := map[uint32]*pendingGreet{taken: {}}

	// first draw collides with the outstanding greet, second is fresh
	var feed bytes.Buffer
	feed.Write(binary.BigEndian.AppendUint32(nil, taken))
	feed.Write(binary.BigEndian.AppendUint32(nil, 7))

	num, err := greetNumber(&feed, outstanding)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), num)

	_, err = greetNumber(&feed, outstanding)
	require.Error(t, err, "an exhausted entropy source must surface")
}

// TestReplayedSessionIgnored drives the handshake by hand from a bare
// socket, then replays a validly signed SESSION whose number matches no
// negotiation. It must be dropped before the decision callback.
func TestReplayedSessionIgnored(t *testing.T) {
	be := newEvents()

	var established atomic.Bool
	bobHandlers := be.handlers()
	bobHandlers.SessionReceived = func(_ netip.AddrPort, _ crypto.CipherSuite, def bool) bool {
		if established.Load() {
			return false
		}
		return def
	}
	bob := newServer(t, "bob", Config{Handlers: bobHandlers})

	conn, err := udp.Listen(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	id, err := identity.Generate("alice")
	require.NoError(t, err)
	ps := session.New(id, bob.LocalAddr())
	ps.SetCertificate(bob.Identity().Certificate())
	bob.SetPresentation(conn.LocalAddr(), id.Certificate())

	inbound := make(chan wire.Message, 4)
	go func() {
		buf := make([]byte, wire.MaxDatagramSize)
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if m, err := wire.Decode(append([]byte(nil), buf[:n]...)); err == nil {
				inbound <- m
			}
		}
	}()
	writeTo := func(m wire.Message) {
		b, err := wire.Encode(m)
		require.NoError(t, err)
		require.NoError(t, conn.WriteTo(b, bob.LocalAddr()))
	}

	req, err := ps.StartNegotiation(crypto.DefaultSuites())
	require.NoError(t, err)
	writeTo(req)

	answer, ok := recv(t, inbound, "session answer").(wire.Session)
	require.True(t, ok, "expected a SESSION answer")
	confirm, isNew, err := ps.HandleSession(answer)
	require.NoError(t, err)
	require.True(t, isNew)
	writeTo(*confirm)
	require.True(t, recv(t, be.establishedCh, "bob establishment"))
	established.Store(true)

	// validly signed, but no negotiation in flight carries this number
	eph, err := crypto.GenerateX25519()
	require.NoError(t, err)
	hash := id.Hash()
	stale := wire.Session{
		SessionNumber: 999,
		HostHash:      hash[:],
		CipherSuite:   uint8(crypto.SuiteChaCha20Poly1305),
		EphemeralKey:  eph.PublicKey[:],
	}
	sb, err := stale.SigningBytes()
	require.NoError(t, err)
	stale.Signature = id.Sign(sb)
	writeTo(stale)

	assertSilent(t, be.failedCh, "session failure after a replayed SESSION")

	// the established session is untouched
	m, err := ps.Seal(wire.TypeData, 5, 0, []byte("still here"))
	require.NoError(t, err)
	writeTo(m)
	got := recv(t, be.dataCh, "data at bob")
	assert.Equal(t, []byte("still here"), got.payload)
}

func TestCloseFiresSessionLost(t *testing.T) {
	ae, be := newEvents(), newEvents()
	alice := newServer(t, "alice", Config{Handlers: ae.handlers()})
	bob := newServer(t, "bob", Config{Handlers: be.handlers()})
	connect(t, alice, bob, ae, be)

	require.NoError(t, alice.Close())
	recv(t, ae.lostCh, "session lost at alice")

	ae.mu.Lock()
	assert.Equal(t, 1, ae.lost)
	ae.mu.Unlock()

	require.ErrorIs(t, alice.Close(), ErrClosed)
}
