// Package udp provides the datagram socket an endpoint speaks through:
// one socket per local endpoint, best-effort delivery, no reliability
// added on top.
package udp

import (
	"fmt"
	"net"
	"net/netip"
)

// Conn wraps one bound UDP socket.
type Conn struct {
	inner *net.UDPConn
}

// Listen binds the local endpoint. Port zero picks a free port.
func Listen(local netip.AddrPort) (*Conn, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, fmt.Errorf("udp: bind %v: %w", local, err)
	}
	return &Conn{inner: conn}, nil
}

// LocalAddr returns the bound address, with the ephemeral port resolved.
func (c *Conn) LocalAddr() netip.AddrPort {
	return c.inner.LocalAddr().(*net.UDPAddr).AddrPort()
}

// ReadFrom blocks for the next datagram. It returns the number of bytes
// read into buf and the sender endpoint.
func (c *Conn) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	return c.inner.ReadFromUDPAddrPort(buf)
}

// WriteTo sends one datagram. Success means the socket accepted the
// write, never that the peer received it.
func (c *Conn) WriteTo(b []byte, to netip.AddrPort) error {
	_, err := c.inner.WriteToUDPAddrPort(b, to)
	return err
}

// Close closes the socket, unblocking any pending ReadFrom.
func (c *Conn) Close() error {
	return c.inner.Close()
}
