package network

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/banshee-data/supervision/internal/monitoring"
	"github.com/banshee-data/supervision/internal/telemetry/packet"
)

var (
	// ErrUnresolvableAddress is returned when the destination resolves to no addresses.
	ErrUnresolvableAddress = errors.New("unresolvable address")
	// ErrSendFailed is returned when the datagram could not be transmitted,
	// including after the loopback retry.
	ErrSendFailed = errors.New("send failed")
)

var loopbackAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}

// Resolver looks up host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// SenderConfig configures a Sender. Zero values select real sockets and
// the default resolver.
type SenderConfig struct {
	Resolver      Resolver
	SocketFactory SendSocketFactory
	// Metrics counts send attempts by result. Optional.
	Metrics *monitoring.Metrics
}

// Sender transmits single telemetry packets. It keeps no state between
// calls and is safe for concurrent use.
type Sender struct {
	resolver      Resolver
	socketFactory SendSocketFactory
	metrics       *monitoring.Metrics
}

// NewSender creates a Sender.
func NewSender(config SenderConfig) *Sender {
	s := &Sender{
		resolver:      config.Resolver,
		socketFactory: config.SocketFactory,
		metrics:       config.Metrics,
	}
	if s.resolver == nil {
		s.resolver = net.DefaultResolver
	}
	if s.socketFactory == nil {
		s.socketFactory = &RealSendSocketFactory{}
	}
	return s
}

// Send encodes p and writes it as one datagram to host:port. If the write
// fails because the host or network is unreachable, it is retried once
// from a socket bound to the loopback interface.
func (s *Sender) Send(ctx context.Context, host string, port int, p packet.Packet) error {
	err := s.send(ctx, host, port, p)
	if s.metrics != nil {
		s.metrics.ObserveSend(err)
	}
	return err
}

func (s *Sender) send(ctx context.Context, host string, port int, p packet.Packet) error {
	ip, err := s.resolve(ctx, host)
	if err != nil {
		return err
	}
	dest := &net.UDPAddr{IP: ip, Port: port}

	var buf [packet.Size]byte
	payload := packet.AppendEncode(buf[:0], p)

	err = s.writeFrom(nil, dest, payload)
	if err == nil {
		return nil
	}
	if !isUnreachable(err) {
		return fmt.Errorf("%w to %s: %w", ErrSendFailed, dest, err)
	}

	monitoring.Logf("Send to %s unreachable (%v), retrying via loopback", dest, err)
	if err := s.writeFrom(loopbackAddr, dest, payload); err != nil {
		return fmt.Errorf("%w to %s via loopback: %w", ErrSendFailed, dest, err)
	}
	return nil
}

func (s *Sender) writeFrom(laddr, dest *net.UDPAddr, payload []byte) error {
	conn, err := s.socketFactory.Open(laddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.WriteToUDP(payload, dest)
	return err
}

// resolve returns host as an IP, preferring the first IPv4 result of a
// lookup and falling back to the first result of any family.
func (s *Sender) resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	addrs, err := s.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrUnresolvableAddress, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w %q: no addresses", ErrUnresolvableAddress, host)
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return addrs[0].IP, nil
}

func isUnreachable(err error) bool {
	for _, errno := range unreachableErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
