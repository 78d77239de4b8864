package network

import (
	"errors"
	"net"
	"sync"
	"time"
)

// MockUDPPacket represents a datagram queued on a MockUDPSocket.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// MockUDPSocket implements UDPSocket for testing. Reads block like a real
// socket until a datagram is delivered, the read deadline passes or the
// socket is closed.
type MockUDPSocket struct {
	mu             sync.Mutex
	packets        chan MockUDPPacket
	closedCh       chan struct{}
	closeCount     int
	readDeadline   time.Time
	readErrors     []error
	joinedGroups   []net.IP
	readBufferSize int

	// JoinError is returned by JoinGroup if set.
	JoinError error
	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr
}

// NewMockUDPSocket creates an open MockUDPSocket.
func NewMockUDPSocket() *MockUDPSocket {
	return &MockUDPSocket{
		packets:  make(chan MockUDPPacket, 64),
		closedCh: make(chan struct{}),
		LocalAddress: &net.UDPAddr{
			IP:   net.IPv4zero,
			Port: 11000,
		},
	}
}

// Deliver queues a datagram for the next read. It reports false if the
// socket is closed.
func (m *MockUDPSocket) Deliver(data []byte, from *net.UDPAddr) bool {
	select {
	case <-m.closedCh:
		return false
	default:
	}
	buf := append([]byte(nil), data...)
	select {
	case m.packets <- MockUDPPacket{Data: buf, Addr: from}:
		return true
	case <-m.closedCh:
		return false
	}
}

// FailNextRead makes the next read return err instead of a datagram.
func (m *MockUDPSocket) FailNextRead(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErrors = append(m.readErrors, err)
}

func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	select {
	case <-m.closedCh:
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	default:
	}
	if len(m.readErrors) > 0 {
		err := m.readErrors[0]
		m.readErrors = m.readErrors[1:]
		m.mu.Unlock()
		return 0, nil, err
	}
	deadline := m.readDeadline
	m.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case pkt := <-m.packets:
		return copy(b, pkt.Data), pkt.Addr, nil
	case <-m.closedCh:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
}

func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBufferSize = bytes
	return nil
}

// ReadBufferSize returns the value recorded by SetReadBuffer.
func (m *MockUDPSocket) ReadBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBufferSize
}

func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readDeadline = t
	return nil
}

func (m *MockUDPSocket) JoinGroup(group net.IP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.JoinError != nil {
		return m.JoinError
	}
	m.joinedGroups = append(m.joinedGroups, group)
	return nil
}

// JoinedGroups returns the groups successfully joined.
func (m *MockUDPSocket) JoinedGroups() []net.IP {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]net.IP(nil), m.joinedGroups...)
}

func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCount++
	if m.closeCount > 1 {
		return net.ErrClosed
	}
	close(m.closedCh)
	return nil
}

// CloseCount returns how many times Close was called.
func (m *MockUDPSocket) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.LocalAddress
}

// MockUDPSocketFactory implements UDPSocketFactory for testing. Each
// successful ListenUDP call creates a fresh MockUDPSocket.
type MockUDPSocketFactory struct {
	mu      sync.Mutex
	err     error
	ports   []int
	sockets []*MockUDPSocket
}

// NewMockUDPSocketFactory creates a new MockUDPSocketFactory.
func NewMockUDPSocketFactory() *MockUDPSocketFactory {
	return &MockUDPSocketFactory{}
}

// SetError makes subsequent ListenUDP calls fail with err (nil clears it).
func (f *MockUDPSocketFactory) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *MockUDPSocketFactory) ListenUDP(port int) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ports = append(f.ports, port)
	if f.err != nil {
		return nil, f.err
	}
	s := NewMockUDPSocket()
	s.LocalAddress.Port = port
	f.sockets = append(f.sockets, s)
	return s, nil
}

// ListenCalls returns the ports passed to ListenUDP, including failed calls.
func (f *MockUDPSocketFactory) ListenCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.ports...)
}

// Sockets returns every socket created so far.
func (f *MockUDPSocketFactory) Sockets() []*MockUDPSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockUDPSocket(nil), f.sockets...)
}

// Last returns the most recently created socket, or nil.
func (f *MockUDPSocketFactory) Last() *MockUDPSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sockets) == 0 {
		return nil
	}
	return f.sockets[len(f.sockets)-1]
}

// MockSendSocketFactory implements SendSocketFactory for testing. Writes are
// answered from WriteErrors in order; once exhausted, writes succeed.
type MockSendSocketFactory struct {
	mu          sync.Mutex
	OpenError   error
	WriteErrors []error
	opened      []*net.UDPAddr
	writes      []MockWrite
}

// MockWrite records one datagram written through a mock send socket.
type MockWrite struct {
	LocalAddr *net.UDPAddr
	Dest      *net.UDPAddr
	Data      []byte
	Err       error
}

func (f *MockSendSocketFactory) Open(laddr *net.UDPAddr) (SendSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, laddr)
	if f.OpenError != nil {
		return nil, f.OpenError
	}
	return &mockSendSocket{factory: f, laddr: laddr}, nil
}

// Opened returns the local addresses requested from Open, in order.
func (f *MockSendSocketFactory) Opened() []*net.UDPAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*net.UDPAddr(nil), f.opened...)
}

// Writes returns every attempted write, in order.
func (f *MockSendSocketFactory) Writes() []MockWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MockWrite(nil), f.writes...)
}

type mockSendSocket struct {
	factory *MockSendSocketFactory
	laddr   *net.UDPAddr
	closed  bool
}

func (s *mockSendSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	f := s.factory
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.closed {
		return 0, net.ErrClosed
	}
	var err error
	if len(f.WriteErrors) > 0 {
		err = f.WriteErrors[0]
		f.WriteErrors = f.WriteErrors[1:]
	}
	f.writes = append(f.writes, MockWrite{LocalAddr: s.laddr, Dest: addr, Data: append([]byte(nil), b...), Err: err})
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func (s *mockSendSocket) Close() error {
	if s.closed {
		return errors.New("already closed")
	}
	s.closed = true
	return nil
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
