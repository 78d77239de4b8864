package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/supervision/internal/monitoring"
)

// DropCounter receives a count for every datagram the forwarder discards.
type DropCounter interface {
	AddDropped()
}

// PacketForwarder mirrors received telemetry datagrams to another UDP
// address without blocking the receive loop.
type PacketForwarder struct {
	conn        *net.UDPConn
	channel     chan []byte
	stats       DropCounter
	logInterval time.Duration
	address     string
}

// NewPacketForwarder creates a forwarder that sends to addr:port. stats may be nil.
func NewPacketForwarder(addr string, port int, stats DropCounter, logInterval time.Duration) (*PacketForwarder, error) {
	forwardAddress := net.JoinHostPort(addr, fmt.Sprint(port))
	forwardUDPAddr, err := net.ResolveUDPAddr("udp4", forwardAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}

	conn, err := net.DialUDP("udp4", nil, forwardUDPAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}

	if stats == nil {
		stats = noopStats{}
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}

	return &PacketForwarder{
		conn:        conn,
		channel:     make(chan []byte, 1000),
		stats:       stats,
		logInterval: logInterval,
		address:     forwardAddress,
	}, nil
}

// Address returns the forwarding destination.
func (f *PacketForwarder) Address() string {
	return f.address
}

// Start runs the forwarding goroutine until ctx is cancelled. Write errors
// are aggregated and logged once per log interval.
func (f *PacketForwarder) Start(ctx context.Context) {
	go func() {
		droppedCount := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case datagram := <-f.channel:
				if _, err := f.conn.Write(datagram); err != nil {
					droppedCount++
					lastError = err
				}
			case <-ticker.C:
				if droppedCount > 0 && lastError != nil {
					monitoring.Logf("Dropped %d forwarded datagrams due to errors (latest: %v)", droppedCount, lastError)
					droppedCount = 0
					lastError = nil
				}
			}
		}
	}()

	monitoring.Logf("Forwarding telemetry to %s", f.address)
}

// ForwardAsync queues a copy of datagram. If the queue is full the datagram
// is dropped and counted.
func (f *PacketForwarder) ForwardAsync(datagram []byte) {
	buf := make([]byte, len(datagram))
	copy(buf, datagram)

	select {
	case f.channel <- buf:
	default:
		f.stats.AddDropped()
	}
}

// Close closes the forwarding socket. Queued datagrams are discarded.
func (f *PacketForwarder) Close() error {
	return f.conn.Close()
}
