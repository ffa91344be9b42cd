// Package contacts keeps the advisory book of who was last seen where:
// certificate-hash to endpoint associations learned from accepted
// presentations, and certificates the application pinned for an endpoint
// ahead of first contact. Associations are caches, never authoritative
// routing; they are only as fresh as the last presentation seen.
package contacts

import (
	"crypto/x509"
	"net/netip"
	"sync"
	"time"

	"github.com/varatra/sdcp/sdcp/identity"
)

// Entry resolves one certificate hash to the endpoint it was last
// presented from.
type Entry struct {
	Endpoint    netip.AddrPort
	Certificate *x509.Certificate
	SeenAt      time.Time
}

// Directory is an in-memory contact directory. It is safe for concurrent
// use.
type Directory struct {
	mu      sync.RWMutex
	entries map[identity.Hash]Entry
	pinned  map[netip.AddrPort]*x509.Certificate
}

func New() *Directory {
	return &Directory{
		entries: map[identity.Hash]Entry{},
		pinned:  map[netip.AddrPort]*x509.Certificate{},
	}
}

// Pin pre-registers the certificate expected from endpoint, so the first
// presentation from it can be checked instead of trusted blindly.
func (d *Directory) Pin(endpoint netip.AddrPort, cert *x509.Certificate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pinned[endpoint] = cert
}

// Pinned returns the certificate pinned for endpoint, if any.
func (d *Directory) Pinned(endpoint netip.AddrPort) (*x509.Certificate, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cert, ok := d.pinned[endpoint]
	return cert, ok
}

// Observe records that cert was presented from endpoint, replacing any
// previous association for its hash.
func (d *Directory) Observe(cert *x509.Certificate, endpoint netip.AddrPort) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[identity.HashCertificate(cert)] = Entry{
		Endpoint:    endpoint,
		Certificate: cert,
		SeenAt:      time.Now(),
	}
}

// Resolve looks up the most recent association for hash.
func (d *Directory) Resolve(hash identity.Hash) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[hash]
	return e, ok
}

// Len returns the number of known associations.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
