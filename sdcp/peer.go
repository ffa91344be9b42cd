package sdcp

import (
	"net/netip"
	"sync"
	"time"

	"github.com/varatra/sdcp/sdcp/session"
)

// inboxSize bounds the per-peer task queue. Transport events beyond it
// are dropped like any other lost datagram.
const inboxSize = 256

// pendingGreet is an outstanding HELLO awaiting its response or timeout.
type pendingGreet struct {
	sentAt time.Time
	timer  *time.Timer
	done   func(time.Duration, error)
}

func (g *pendingGreet) complete(err error) {
	if g.timer != nil {
		g.timer.Stop()
	}
	if g.done != nil {
		g.done(time.Since(g.sentAt), err)
	}
}

// peer serializes all work concerning one remote endpoint: datagram
// handling, public operations and their completions all run as tasks on
// its loop, giving the per-peer ordering guarantee while unrelated peers
// proceed concurrently.
type peer struct {
	endpoint netip.AddrPort
	session  *session.PeerSession

	inbox chan func()
	quit  chan struct{} // closed by Close to begin shutdown

	// teardown runs on the loop during shutdown, after the queued
	// tasks have been drained.
	teardown func()

	mu     sync.Mutex
	closed bool // no further tasks accepted

	// greets is keyed by the HELLO unique number; owned by the loop.
	greets map[uint32]*pendingGreet
}

func newPeer(endpoint netip.AddrPort, sess *session.PeerSession) *peer {
	return &peer{
		endpoint: endpoint,
		session:  sess,
		inbox:    make(chan func(), inboxSize),
		quit:     make(chan struct{}),
		greets:   map[uint32]*pendingGreet{},
	}
}

// run executes tasks until shutdown. Shutdown never abandons queued
// work: every task still in the inbox runs (its sends fail against the
// closed socket, so its completion fires) before the teardown aborts
// whatever remains outstanding.
func (p *peer) run() {
	for {
		select {
		case task := <-p.inbox:
			task()
		case <-p.quit:
			p.drain()
			if p.teardown != nil {
				p.teardown()
			}
			p.mu.Lock()
			p.closed = true
			p.mu.Unlock()
			p.drain() // tasks that slipped in before closed was set
			return
		}
	}
}

func (p *peer) drain() {
	for {
		select {
		case task := <-p.inbox:
			task()
		default:
			return
		}
	}
}

// tryEnqueue schedules task on the peer loop. It reports false when the
// peer is shutting down or the inbox is full; a full inbox drops
// transport events the way the network drops datagrams.
func (p *peer) tryEnqueue(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.inbox <- task:
		return true
	default:
		return false
	}
}

// closing reports whether the peer has stopped accepting tasks.
func (p *peer) closing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// abortGreets completes every outstanding greet with err. Loop only.
func (p *peer) abortGreets(err error) {
	for num, g := range p.greets {
		delete(p.greets, num)
		g.complete(err)
	}
}
