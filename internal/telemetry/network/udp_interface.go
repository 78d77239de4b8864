package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// UDPSocket defines the receive-side socket operations used by Listener.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	// ReadFromUDP reads a UDP packet from the socket.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// SetReadBuffer sets the size of the operating system's receive buffer.
	SetReadBuffer(bytes int) error

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	// JoinGroup joins the IPv4 multicast group on the default interface.
	JoinGroup(group net.IP) error

	// Close closes the socket, unblocking any pending read.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// UDPSocketFactory creates bound receive sockets.
type UDPSocketFactory interface {
	// ListenUDP binds an IPv4 socket on all interfaces at port with
	// address reuse enabled. Port 0 picks an ephemeral port.
	ListenUDP(port int) (UDPSocket, error)
}

// SendSocket is the transmit side of an ephemeral sender socket.
type SendSocket interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	Close() error
}

// SendSocketFactory opens sender sockets. A nil laddr binds an ephemeral
// port on all interfaces.
type SendSocketFactory interface {
	Open(laddr *net.UDPAddr) (SendSocket, error)
}

// RealUDPSocket wraps *net.UDPConn to implement UDPSocket.
type RealUDPSocket struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
}

// NewRealUDPSocket wraps an existing *net.UDPConn.
func NewRealUDPSocket(conn *net.UDPConn) *RealUDPSocket {
	return &RealUDPSocket{conn: conn, pc: ipv4.NewPacketConn(conn)}
}

func (r *RealUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	return r.conn.ReadFromUDP(b)
}

func (r *RealUDPSocket) SetReadBuffer(bytes int) error {
	return r.conn.SetReadBuffer(bytes)
}

func (r *RealUDPSocket) SetReadDeadline(t time.Time) error {
	return r.conn.SetReadDeadline(t)
}

func (r *RealUDPSocket) JoinGroup(group net.IP) error {
	return r.pc.JoinGroup(nil, &net.UDPAddr{IP: group})
}

func (r *RealUDPSocket) Close() error {
	return r.conn.Close()
}

func (r *RealUDPSocket) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// RealUDPSocketFactory binds real sockets with SO_REUSEADDR so several
// listeners on one host can share a multicast port.
type RealUDPSocketFactory struct{}

// NewRealUDPSocketFactory creates a new RealUDPSocketFactory.
func NewRealUDPSocketFactory() *RealUDPSocketFactory {
	return &RealUDPSocketFactory{}
}

func (f *RealUDPSocketFactory) ListenUDP(port int) (UDPSocket, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}
	return NewRealUDPSocket(conn), nil
}

// RealSendSocketFactory opens IPv4-only sender sockets with the multicast
// TTL limited to the local subnet.
type RealSendSocketFactory struct {
	// MulticastTTL defaults to 1.
	MulticastTTL int
}

func (f *RealSendSocketFactory) Open(laddr *net.UDPAddr) (SendSocket, error) {
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, err
	}
	ttl := f.MulticastTTL
	if ttl <= 0 {
		ttl = 1
	}
	if err := ipv4.NewPacketConn(conn).SetMulticastTTL(ttl); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set multicast TTL: %w", err)
	}
	return conn, nil
}
