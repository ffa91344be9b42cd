package session

import (
	"crypto/x509"
	"errors"
	"net/netip"
	"sync"

	"github.com/varatra/sdcp/sdcp/crypto"
	"github.com/varatra/sdcp/sdcp/identity"
	"github.com/varatra/sdcp/sdcp/wire"
)

var (
	ErrNoPresentation   = errors.New("session: peer certificate not presented")
	ErrBadSignature     = errors.New("session: invalid negotiation signature")
	ErrUnexpectedHash   = errors.New("session: host hash does not match peer certificate")
	ErrUnexpectedNumber = errors.New("session: unexpected session number")
	ErrSuiteMismatch    = errors.New("session: chosen suite was not proposed")
	ErrEphemeralChanged = errors.New("session: confirmation ephemeral key mismatch")
	ErrNotEstablished   = errors.New("session: not established")
)

// keys is one installed (or pending) key set for a session instance.
type keys struct {
	suite  crypto.CipherSuite
	sealer *crypto.Sealer
	opener *crypto.Opener
}

// pendingInitiator tracks a SESSION_REQUEST we sent and have not yet seen
// a SESSION answer for.
type pendingInitiator struct {
	number uint32
	eph    crypto.X25519KeyPair
	suites []crypto.CipherSuite
}

// pendingResponder tracks a SESSION we answered with, awaiting the
// initiator's confirmation before the derived keys go live.
type pendingResponder struct {
	number    uint32
	remoteEph [32]byte
	keys      keys
}

// PeerSession is the negotiation and cryptographic state kept for one
// remote endpoint. At most one PeerSession exists per (identity,
// endpoint) pair; the owning endpoint serializes calls into it through
// the per-peer dispatch loop, the internal mutex only guards direct
// Seal/Open use.
type PeerSession struct {
	mu     sync.Mutex
	local  identity.Identity
	remote netip.AddrPort

	state    State
	peerCert *x509.Certificate

	nextNumber  uint32
	pendingInit *pendingInitiator
	pendingResp *pendingResponder

	current         keys
	established     bool
	everEstablished bool
}

func New(local identity.Identity, remote netip.AddrPort) *PeerSession {
	return &PeerSession{local: local, remote: remote, state: StateIdle}
}

func (ps *PeerSession) Remote() netip.AddrPort { return ps.remote }

func (ps *PeerSession) State() State {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.state
}

func (ps *PeerSession) SetState(s State) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.state = s
}

// SetCertificate records the peer certificate after an accepted
// PRESENTATION.
func (ps *PeerSession) SetCertificate(cert *x509.Certificate) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.peerCert = cert
	if ps.state == StateIdle || ps.state == StateHelloSent || ps.state == StateHelloReceived {
		ps.state = StatePresented
	}
}

func (ps *PeerSession) Certificate() *x509.Certificate {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.peerCert
}

// Negotiating reports whether a session negotiation is in flight in
// either role.
func (ps *PeerSession) Negotiating() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.pendingInit != nil || ps.pendingResp != nil
}

// Established reports whether the session carries traffic.
func (ps *PeerSession) Established() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.established
}

// Suite returns the negotiated cipher suite of the current session
// instance.
func (ps *PeerSession) Suite() crypto.CipherSuite {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.current.suite
}

// StartNegotiation builds a signed SESSION_REQUEST proposing suites. It
// may be called on an established session to renegotiate; the existing
// keys keep carrying traffic until the new ones are confirmed.
func (ps *PeerSession) StartNegotiation(suites []crypto.CipherSuite) (wire.SessionRequest, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.peerCert == nil {
		return wire.SessionRequest{}, ErrNoPresentation
	}
	eph, err := crypto.GenerateX25519()
	if err != nil {
		return wire.SessionRequest{}, err
	}
	ps.nextNumber++

	proposed := make([]uint8, len(suites))
	for i, s := range suites {
		proposed[i] = uint8(s)
	}
	localHash := ps.local.Hash()
	m := wire.SessionRequest{
		SessionNumber: ps.nextNumber,
		HostHash:      localHash[:],
		CipherSuites:  proposed,
		EphemeralKey:  eph.PublicKey[:],
	}
	sb, err := m.SigningBytes()
	if err != nil {
		return wire.SessionRequest{}, err
	}
	m.Signature = ps.local.Sign(sb)

	ps.pendingInit = &pendingInitiator{number: ps.nextNumber, eph: eph, suites: suites}
	if !ps.established {
		ps.state = StateSessionRequested
	}
	return m, nil
}

// HandleRequest processes a received SESSION_REQUEST as the responder:
// verifies the signature against the presented certificate, selects a
// suite from the proposal, derives the directional keys and returns the
// signed SESSION answer. The keys stay pending until the initiator's
// confirmation arrives.
func (ps *PeerSession) HandleRequest(m wire.SessionRequest, localSuites []crypto.CipherSuite) (wire.Session, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if err := ps.verifyRequest(m); err != nil {
		return wire.Session{}, err
	}

	proposed := make([]crypto.CipherSuite, len(m.CipherSuites))
	for i, s := range m.CipherSuites {
		proposed[i] = crypto.CipherSuite(s)
	}
	suite, err := crypto.SelectSuite(localSuites, proposed)
	if err != nil {
		return wire.Session{}, err
	}

	eph, err := crypto.GenerateX25519()
	if err != nil {
		return wire.Session{}, err
	}
	var remoteEph [32]byte
	copy(remoteEph[:], m.EphemeralKey)

	ks, err := deriveKeys(suite, eph, remoteEph, m.SessionNumber, false)
	if err != nil {
		return wire.Session{}, err
	}
	ps.pendingResp = &pendingResponder{number: m.SessionNumber, remoteEph: remoteEph, keys: ks}
	if !ps.established {
		ps.state = StateSessionRequested
	}

	localHash := ps.local.Hash()
	answer := wire.Session{
		SessionNumber: m.SessionNumber,
		HostHash:      localHash[:],
		CipherSuite:   uint8(suite),
		EphemeralKey:  eph.PublicKey[:],
	}
	sb, err := answer.SigningBytes()
	if err != nil {
		return wire.Session{}, err
	}
	answer.Signature = ps.local.Sign(sb)
	return answer, nil
}

// HandleSession processes a received SESSION. For the initiator this is
// the responder's answer: keys are derived and installed and a signed
// confirmation is returned. For the responder this is the confirmation:
// the pending keys go live and confirm is nil. isNew reports whether
// this established the first session instance with the peer rather than
// rekeying an existing one.
func (ps *PeerSession) HandleSession(m wire.Session) (confirm *wire.Session, isNew bool, err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if err := ps.verifySession(m); err != nil {
		return nil, false, err
	}

	switch {
	case ps.pendingInit != nil && ps.pendingInit.number == m.SessionNumber:
		return ps.completeAsInitiator(m)
	case ps.pendingResp != nil && ps.pendingResp.number == m.SessionNumber:
		return ps.completeAsResponder(m)
	default:
		return nil, false, ErrUnexpectedNumber
	}
}

func (ps *PeerSession) completeAsInitiator(m wire.Session) (*wire.Session, bool, error) {
	pend := ps.pendingInit
	suite := crypto.CipherSuite(m.CipherSuite)

	found := false
	for _, s := range pend.suites {
		if s == suite {
			found = true
			break
		}
	}
	if !found {
		return nil, false, ErrSuiteMismatch
	}

	var remoteEph [32]byte
	copy(remoteEph[:], m.EphemeralKey)
	ks, err := deriveKeys(suite, pend.eph, remoteEph, m.SessionNumber, true)
	if err != nil {
		return nil, false, err
	}

	localHash := ps.local.Hash()
	confirm := wire.Session{
		SessionNumber: m.SessionNumber,
		HostHash:      localHash[:],
		CipherSuite:   m.CipherSuite,
		EphemeralKey:  pend.eph.PublicKey[:],
	}
	sb, err := confirm.SigningBytes()
	if err != nil {
		return nil, false, err
	}
	confirm.Signature = ps.local.Sign(sb)

	isNew := !ps.everEstablished
	ps.install(ks)
	ps.pendingInit = nil
	return &confirm, isNew, nil
}

func (ps *PeerSession) completeAsResponder(m wire.Session) (*wire.Session, bool, error) {
	pend := ps.pendingResp
	if crypto.CipherSuite(m.CipherSuite) != pend.keys.suite {
		return nil, false, ErrSuiteMismatch
	}
	var eph [32]byte
	copy(eph[:], m.EphemeralKey)
	if eph != pend.remoteEph {
		return nil, false, ErrEphemeralChanged
	}

	isNew := !ps.everEstablished
	ps.install(pend.keys)
	ps.pendingResp = nil
	return nil, isNew, nil
}

// install replaces the live key set. On renegotiation the old keys stop
// being used immediately; in-flight datagrams sealed under them are lost,
// which the datagram layer already permits.
func (ps *PeerSession) install(ks keys) {
	ps.current = ks
	ps.established = true
	ps.everEstablished = true
	ps.state = StateEstablished
}

// deriveKeys computes the directional key set for one session instance.
func deriveKeys(suite crypto.CipherSuite, localEph crypto.X25519KeyPair, remoteEph [32]byte, number uint32, initiator bool) (keys, error) {
	shared, err := crypto.ECDH(localEph.PrivateKey, remoteEph)
	if err != nil {
		return keys{}, err
	}

	initPub, respPub := localEph.PublicKey, remoteEph
	if !initiator {
		initPub, respPub = remoteEph, localEph.PublicKey
	}
	initKey, respKey, err := crypto.DeriveSessionKeys(suite, shared, initPub, respPub, number)
	if err != nil {
		return keys{}, err
	}

	sendKey, sendLabel := initKey, crypto.DirectionInitiator
	recvKey, recvLabel := respKey, crypto.DirectionResponder
	if !initiator {
		sendKey, sendLabel = respKey, crypto.DirectionResponder
		recvKey, recvLabel = initKey, crypto.DirectionInitiator
	}

	sealer, err := crypto.NewSealer(suite, sendKey, sendLabel)
	if err != nil {
		return keys{}, err
	}
	opener, err := crypto.NewOpener(suite, recvKey, recvLabel)
	if err != nil {
		return keys{}, err
	}
	return keys{suite: suite, sealer: sealer, opener: opener}, nil
}

// CheckRequest verifies a SESSION_REQUEST against the presented
// certificate without acting on it. It lets the owner authenticate the
// message before surfacing it to any policy decision.
func (ps *PeerSession) CheckRequest(m wire.SessionRequest) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.verifyRequest(m)
}

// CheckSession verifies a SESSION like CheckRequest does for requests.
func (ps *PeerSession) CheckSession(m wire.Session) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.verifySession(m)
}

func (ps *PeerSession) verifyRequest(m wire.SessionRequest) error {
	if ps.peerCert == nil {
		return ErrNoPresentation
	}
	peerHash := identity.HashCertificate(ps.peerCert)
	if string(m.HostHash) != string(peerHash[:]) {
		return ErrUnexpectedHash
	}
	sb, err := m.SigningBytes()
	if err != nil {
		return err
	}
	if !identity.VerifyCertificate(ps.peerCert, sb, m.Signature) {
		return ErrBadSignature
	}
	return nil
}

func (ps *PeerSession) verifySession(m wire.Session) error {
	if ps.peerCert == nil {
		return ErrNoPresentation
	}
	peerHash := identity.HashCertificate(ps.peerCert)
	if string(m.HostHash) != string(peerHash[:]) {
		return ErrUnexpectedHash
	}
	sb, err := m.SigningBytes()
	if err != nil {
		return err
	}
	if !identity.VerifyCertificate(ps.peerCert, sb, m.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Seal encrypts payload into a sealed datagram of the given kind.
func (ps *PeerSession) Seal(kind wire.MessageType, channel, flags uint8, payload []byte) (wire.Sealed, error) {
	ps.mu.Lock()
	ks := ps.current
	established := ps.established
	ps.mu.Unlock()

	if !established {
		return wire.Sealed{}, ErrNotEstablished
	}
	m := wire.Sealed{Kind: kind, Channel: channel, Flags: flags}
	seq, ct, err := ks.sealer.Seal(payload, m.Prefix())
	if err != nil {
		return wire.Sealed{}, err
	}
	m.Sequence = seq
	m.Ciphertext = ct
	return m, nil
}

// Open authenticates and decrypts a sealed datagram. Errors mean the
// datagram is noise (replayed, tampered, or keyed under a stale session)
// and must be dropped silently.
func (ps *PeerSession) Open(m wire.Sealed) ([]byte, error) {
	ps.mu.Lock()
	ks := ps.current
	established := ps.established
	ps.mu.Unlock()

	if !established {
		return nil, ErrNotEstablished
	}
	return ks.opener.Open(m.Sequence, m.Ciphertext, m.Prefix())
}

// Fail records a negotiation failure. An established session keeps
// carrying traffic; only the pending negotiation is aborted.
// It reports whether the failure concerned a first-time session.
func (ps *PeerSession) Fail() (isNew bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	isNew = !ps.everEstablished
	ps.pendingInit = nil
	ps.pendingResp = nil
	if !ps.established {
		ps.state = StateFailed
	}
	return isNew
}

// Lose tears the session down: keys are discarded and the peer returns
// to the pre-session state. It reports whether there was an established
// session to lose.
func (ps *PeerSession) Lose() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	had := ps.established
	ps.established = false
	ps.everEstablished = false
	ps.current = keys{}
	ps.pendingInit = nil
	ps.pendingResp = nil
	if had {
		ps.state = StateLost
	} else {
		ps.state = StateIdle
	}
	return had
}
