package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/supervision/internal/monitoring"
	"github.com/banshee-data/supervision/internal/telemetry/fanout"
	"github.com/banshee-data/supervision/internal/telemetry/packet"
)

// ErrBindFailure is returned by Start when the listening socket cannot be
// bound. The listener stays stopped.
var ErrBindFailure = errors.New("failed to bind telemetry listener")

const (
	// maxDatagramSize is the receive buffer per read. Longer datagrams are
	// truncated, which is harmless since only the first packet.Size bytes
	// are decoded.
	maxDatagramSize = 2048

	// readPollInterval bounds how long a read blocks before the loop
	// re-checks for cancellation.
	readPollInterval = 100 * time.Millisecond
)

// State is the lifecycle state of a Listener.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Observer receives every successfully decoded packet.
type Observer func(packet.Packet)

// Datagram is a raw received datagram, valid or not.
type Datagram struct {
	Data       []byte
	From       *net.UDPAddr
	ReceivedAt time.Time
}

// ListenerConfig contains configuration options for the UDP listener
type ListenerConfig struct {
	// RcvBuf sets the socket receive buffer when positive.
	RcvBuf int
	// StatsInterval is the period of the statistics log line. Defaults to one minute.
	StatsInterval time.Duration
	// Stats collects packet counters. Optional.
	Stats PacketStatsInterface
	// Forwarder mirrors every valid datagram to another address. Optional.
	Forwarder *PacketForwarder
	// SocketFactory creates the bound socket. Defaults to real sockets.
	SocketFactory UDPSocketFactory
	// Verbose logs every received datagram in hex.
	Verbose bool
}

// Listener receives telemetry datagrams on a UDP port, optionally joined to
// an IPv4 multicast group, and fans decoded packets out to observers.
//
// Observers run on the listener's receive goroutine. They must not call
// Stop, which waits for that goroutine to exit.
type Listener struct {
	rcvBuf        int
	statsInterval time.Duration
	stats         PacketStatsInterface
	forwarder     *PacketForwarder
	socketFactory UDPSocketFactory
	verbose       bool

	observers *fanout.List[packet.Packet]
	raw       *fanout.List[Datagram]

	// lifecycleMu serialises Start and Stop.
	lifecycleMu sync.Mutex
	state       atomic.Int32
	conn        UDPSocket
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	group       net.IP
}

// NewListener creates a stopped listener with the provided configuration.
func NewListener(config ListenerConfig) *Listener {
	stats := config.Stats
	if stats == nil {
		stats = noopStats{}
	}
	statsInterval := config.StatsInterval
	if statsInterval <= 0 {
		statsInterval = time.Minute
	}
	socketFactory := config.SocketFactory
	if socketFactory == nil {
		socketFactory = NewRealUDPSocketFactory()
	}

	l := &Listener{
		rcvBuf:        config.RcvBuf,
		statsInterval: statsInterval,
		stats:         stats,
		forwarder:     config.Forwarder,
		socketFactory: socketFactory,
		verbose:       config.Verbose,
		observers:     fanout.New[packet.Packet]("telemetry packet"),
		raw:           fanout.New[Datagram]("telemetry datagram"),
	}
	l.observers.OnPanic = func(fanout.SubscriptionID, any) { stats.AddObserverPanic() }
	l.raw.OnPanic = func(fanout.SubscriptionID, any) { stats.AddObserverPanic() }
	return l
}

// Subscribe registers an observer for decoded packets. Observers are
// invoked in subscription order.
func (l *Listener) Subscribe(o Observer) fanout.SubscriptionID {
	return l.observers.Subscribe(o)
}

// Unsubscribe removes a packet observer.
func (l *Listener) Unsubscribe(id fanout.SubscriptionID) {
	l.observers.Unsubscribe(id)
}

// SubscribeDatagrams registers a callback for every received datagram,
// including ones that fail to decode. The Data slice is owned by the callee.
func (l *Listener) SubscribeDatagrams(fn func(Datagram)) fanout.SubscriptionID {
	return l.raw.Subscribe(fn)
}

// UnsubscribeDatagrams removes a datagram callback.
func (l *Listener) UnsubscribeDatagrams(id fanout.SubscriptionID) {
	l.raw.Unsubscribe(id)
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// LocalAddr returns the bound address, or nil when stopped.
func (l *Listener) LocalAddr() net.Addr {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// MulticastGroup returns the joined group, or nil when listening unicast only.
func (l *Listener) MulticastGroup() net.IP {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()
	return l.group
}

// Start binds port and launches the receive loop. multicastGroup may be
// empty; an unparseable group or a failed join is logged and the listener
// keeps running unicast-only. Starting a running listener is a no-op; a
// listener whose socket was closed underneath it is rebound.
func (l *Listener) Start(port int, multicastGroup string) error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if l.conn != nil {
		if l.State() == StateRunning {
			return nil
		}
		_ = l.teardownLocked()
	}
	l.state.Store(int32(StateStarting))

	conn, err := l.socketFactory.ListenUDP(port)
	if err != nil {
		l.state.Store(int32(StateStopped))
		monitoring.Logf("Failed to start UDP listener on port %d: %v", port, err)
		return fmt.Errorf("%w on port %d: %w", ErrBindFailure, port, err)
	}

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("Warning: Failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	l.group = nil
	if multicastGroup != "" {
		l.group = joinMulticast(conn, multicastGroup)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.conn = conn
	l.cancel = cancel

	if l.forwarder != nil {
		l.forwarder.Start(ctx)
	}

	l.state.Store(int32(StateRunning))
	l.wg.Add(2)
	go l.receiveLoop(ctx, conn)
	go l.statsLoop(ctx)

	monitoring.Logf("UDP listener started on %s", conn.LocalAddr())
	return nil
}

// joinMulticast joins group on conn and returns it, or logs and returns nil.
func joinMulticast(conn UDPSocket, group string) net.IP {
	ip := net.ParseIP(group)
	if ip == nil || ip.To4() == nil {
		monitoring.Logf("Invalid multicast group %q, listening unicast only", group)
		return nil
	}
	if !ip.IsMulticast() {
		monitoring.Logf("Address %s is not a multicast group, listening unicast only", ip)
		return nil
	}
	if err := conn.JoinGroup(ip); err != nil {
		monitoring.Logf("Failed to join multicast group %s, listening unicast only: %v", ip, err)
		return nil
	}
	monitoring.Logf("Joined multicast group %s", ip)
	return ip
}

// Stop cancels the receive loop, closes the socket and waits for the loop to
// exit, so no observer is invoked after Stop returns. Stopping a stopped
// listener is a no-op.
func (l *Listener) Stop() error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if l.conn == nil {
		return nil
	}
	return l.teardownLocked()
}

// teardownLocked stops the loops and releases the socket. The caller holds
// lifecycleMu.
func (l *Listener) teardownLocked() error {
	l.cancel()
	err := l.conn.Close()
	l.wg.Wait()

	addr := l.conn.LocalAddr()
	l.conn = nil
	l.cancel = nil
	l.group = nil
	l.state.Store(int32(StateStopped))
	monitoring.Logf("UDP listener on %s stopped", addr)

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close UDP listener: %w", err)
	}
	return nil
}

func (l *Listener) receiveLoop(ctx context.Context, conn UDPSocket) {
	defer l.wg.Done()

	buffer := make([]byte, maxDatagramSize)
	var deadlineErrLogged bool

	for {
		if ctx.Err() != nil {
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil && !deadlineErrLogged {
			monitoring.Logf("failed to set read deadline: %v", err)
			deadlineErrLogged = true
		}

		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				monitoring.Logf("UDP listener socket closed unexpectedly")
				l.state.CompareAndSwap(int32(StateRunning), int32(StateStopped))
				return
			}
			monitoring.Logf("UDP read error: %v", err)
			continue
		}

		l.HandleDatagram(buffer[:n], addr)
	}
}

// HandleDatagram decodes one datagram and dispatches it exactly as the
// receive loop does. It is exported for replaying captured traffic.
func (l *Listener) HandleDatagram(data []byte, from *net.UDPAddr) {
	now := time.Now()
	l.stats.AddPacket(len(data))

	if l.verbose {
		monitoring.Logf("[UDP] Received %d bytes from %v: % X", len(data), from, data)
	}

	if l.raw.Len() > 0 {
		l.raw.Notify(Datagram{Data: append([]byte(nil), data...), From: from, ReceivedAt: now})
	}

	pkt, err := packet.Decode(data)
	if err != nil {
		l.stats.AddMalformed()
		monitoring.Logf("Dropping datagram from %v: %v", from, err)
		return
	}
	l.stats.AddDecoded(now)

	if l.forwarder != nil {
		l.forwarder.ForwardAsync(data)
	}

	l.observers.Notify(pkt)
}

// statsLoop periodically logs packet statistics.
func (l *Listener) statsLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}
