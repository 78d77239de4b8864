package network

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/supervision/internal/telemetry/packet"
)

var testPeer = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 40000}

// recordingObserver collects packets delivered by a Listener.
type recordingObserver struct {
	mu      sync.Mutex
	packets []packet.Packet
}

func (r *recordingObserver) observe(p packet.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, p)
}

func (r *recordingObserver) snapshot() []packet.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]packet.Packet(nil), r.packets...)
}

func (r *recordingObserver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

// MockPacketStats implements PacketStatsInterface for testing
type MockPacketStats struct {
	mu        sync.Mutex
	packets   int
	malformed int
	decoded   int
	panics    int
	dropped   int
	logCalls  int
}

func (m *MockPacketStats) AddPacket(int)        { m.mu.Lock(); m.packets++; m.mu.Unlock() }
func (m *MockPacketStats) AddMalformed()        { m.mu.Lock(); m.malformed++; m.mu.Unlock() }
func (m *MockPacketStats) AddDecoded(time.Time) { m.mu.Lock(); m.decoded++; m.mu.Unlock() }
func (m *MockPacketStats) AddObserverPanic()    { m.mu.Lock(); m.panics++; m.mu.Unlock() }
func (m *MockPacketStats) AddDropped()          { m.mu.Lock(); m.dropped++; m.mu.Unlock() }
func (m *MockPacketStats) LogStats()            { m.mu.Lock(); m.logCalls++; m.mu.Unlock() }

func (m *MockPacketStats) counts() (packets, malformed, decoded, panics int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.packets, m.malformed, m.decoded, m.panics
}

func newTestListener(t *testing.T, stats PacketStatsInterface) (*Listener, *MockUDPSocketFactory) {
	t.Helper()
	factory := NewMockUDPSocketFactory()
	l := NewListener(ListenerConfig{
		SocketFactory: factory,
		Stats:         stats,
		StatsInterval: time.Hour,
	})
	t.Cleanup(func() { _ = l.Stop() })
	return l, factory
}

func TestListener_ResilientToGarbage(t *testing.T) {
	l, factory := newTestListener(t, nil)
	obs := &recordingObserver{}
	l.Subscribe(obs.observe)

	require.NoError(t, l.Start(11000, ""))
	sock := factory.Last()
	require.NotNil(t, sock)

	first := packet.Packet{PacketID: 1, Pump1Value: 10.5, AlarmState: packet.AlarmNone}
	second := packet.Packet{PacketID: 2, Pump2Value: -3, AlarmState: packet.AlarmError}

	require.True(t, sock.Deliver(packet.Encode(first), testPeer))
	require.True(t, sock.Deliver([]byte("not a telemetry packet"), testPeer))
	require.True(t, sock.Deliver(packet.Encode(second), testPeer))

	require.Eventually(t, func() bool { return obs.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	if diff := cmp.Diff([]packet.Packet{first, second}, obs.snapshot()); diff != "" {
		t.Errorf("observed packets mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, StateRunning, l.State())

	third := packet.Packet{PacketID: 3}
	require.True(t, sock.Deliver(packet.Encode(third), testPeer))
	require.Eventually(t, func() bool { return obs.count() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestListener_InvalidMulticastGroupStillReceives(t *testing.T) {
	l, factory := newTestListener(t, nil)
	obs := &recordingObserver{}
	l.Subscribe(obs.observe)

	require.NoError(t, l.Start(11000, "not-an-ip"))
	assert.Equal(t, StateRunning, l.State())
	assert.Nil(t, l.MulticastGroup())

	sock := factory.Last()
	assert.Empty(t, sock.JoinedGroups())

	require.True(t, sock.Deliver(packet.Encode(packet.Packet{PacketID: 9}), testPeer))
	require.Eventually(t, func() bool { return obs.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestListener_MulticastJoin(t *testing.T) {
	tests := []struct {
		name      string
		group     string
		joinErr   error
		wantGroup net.IP
	}{
		{name: "valid group", group: "239.0.0.1", wantGroup: net.ParseIP("239.0.0.1")},
		{name: "unicast address", group: "192.168.1.10"},
		{name: "ipv6 group", group: "ff02::1"},
		{name: "join fails", group: "239.0.0.1", joinErr: errors.New("no such device")},
		{name: "no group", group: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := NewMockUDPSocketFactory()
			l := NewListener(ListenerConfig{SocketFactory: &joinErrorFactory{MockUDPSocketFactory: factory, err: tt.joinErr}})
			defer l.Stop()

			require.NoError(t, l.Start(11000, tt.group))
			assert.Equal(t, StateRunning, l.State())

			if tt.wantGroup == nil {
				assert.Nil(t, l.MulticastGroup())
				assert.Empty(t, factory.Last().JoinedGroups())
				return
			}
			assert.True(t, tt.wantGroup.Equal(l.MulticastGroup()))
			joined := factory.Last().JoinedGroups()
			require.Len(t, joined, 1)
			assert.True(t, tt.wantGroup.Equal(joined[0]))
		})
	}
}

// joinErrorFactory sets JoinError on every socket it creates.
type joinErrorFactory struct {
	*MockUDPSocketFactory
	err error
}

func (f *joinErrorFactory) ListenUDP(port int) (UDPSocket, error) {
	s, err := f.MockUDPSocketFactory.ListenUDP(port)
	if err != nil {
		return nil, err
	}
	s.(*MockUDPSocket).JoinError = f.err
	return s, nil
}

func TestListener_IdempotentStartStop(t *testing.T) {
	l, factory := newTestListener(t, nil)
	assert.Equal(t, StateStopped, l.State())
	assert.NoError(t, l.Stop())

	require.NoError(t, l.Start(11000, "239.0.0.1"))
	require.NoError(t, l.Start(11000, "239.0.0.1"))
	assert.Equal(t, []int{11000}, factory.ListenCalls())
	assert.Equal(t, StateRunning, l.State())

	require.NoError(t, l.Stop())
	require.NoError(t, l.Stop())
	assert.Equal(t, StateStopped, l.State())
	assert.Nil(t, l.LocalAddr())

	sockets := factory.Sockets()
	require.Len(t, sockets, 1)
	assert.Equal(t, 1, sockets[0].CloseCount())
}

func TestListener_Restart(t *testing.T) {
	l, factory := newTestListener(t, nil)
	obs := &recordingObserver{}
	l.Subscribe(obs.observe)

	require.NoError(t, l.Start(11000, ""))
	require.NoError(t, l.Stop())
	require.NoError(t, l.Start(11001, ""))

	assert.Equal(t, []int{11000, 11001}, factory.ListenCalls())
	assert.Equal(t, "0.0.0.0:11001", l.LocalAddr().String())

	require.True(t, factory.Last().Deliver(packet.Encode(packet.Packet{PacketID: 5}), testPeer))
	require.Eventually(t, func() bool { return obs.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestListener_BindFailure(t *testing.T) {
	l, factory := newTestListener(t, nil)
	bindErr := errors.New("address already in use")
	factory.SetError(bindErr)

	err := l.Start(11000, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBindFailure)
	assert.ErrorIs(t, err, bindErr)
	assert.Equal(t, StateStopped, l.State())
	assert.NoError(t, l.Stop())

	factory.SetError(nil)
	require.NoError(t, l.Start(11000, ""))
	assert.Equal(t, StateRunning, l.State())
}

func TestListener_SocketClosedUnderneath(t *testing.T) {
	l, factory := newTestListener(t, nil)
	obs := &recordingObserver{}
	l.Subscribe(obs.observe)

	require.NoError(t, l.Start(11000, ""))
	first := factory.Last()
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return l.State() == StateStopped }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, l.Start(11000, ""))
	assert.Equal(t, StateRunning, l.State())
	assert.Equal(t, []int{11000, 11000}, factory.ListenCalls())
	assert.Equal(t, 2, first.CloseCount())

	require.True(t, factory.Last().Deliver(packet.Encode(packet.Packet{PacketID: 9}), testPeer))
	require.Eventually(t, func() bool { return obs.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestListener_NoObserverAfterStop(t *testing.T) {
	l, factory := newTestListener(t, nil)
	obs := &recordingObserver{}
	l.Subscribe(obs.observe)

	require.NoError(t, l.Start(11000, ""))
	sock := factory.Last()
	require.True(t, sock.Deliver(packet.Encode(packet.Packet{PacketID: 1}), testPeer))
	require.Eventually(t, func() bool { return obs.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, l.Stop())
	assert.False(t, sock.Deliver(packet.Encode(packet.Packet{PacketID: 2}), testPeer))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, obs.count())
}

func TestListener_TransportErrorsDoNotStopLoop(t *testing.T) {
	l, factory := newTestListener(t, nil)
	obs := &recordingObserver{}
	l.Subscribe(obs.observe)

	require.NoError(t, l.Start(11000, ""))
	sock := factory.Last()
	sock.FailNextRead(errors.New("connection refused"))
	sock.FailNextRead(errors.New("message too long"))

	require.True(t, sock.Deliver(packet.Encode(packet.Packet{PacketID: 1}), testPeer))
	require.Eventually(t, func() bool { return obs.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, l.State())
}

func TestListener_ObserverPanicIsolated(t *testing.T) {
	stats := &MockPacketStats{}
	l, factory := newTestListener(t, stats)

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}
	l.Subscribe(func(packet.Packet) { record("first") })
	l.Subscribe(func(packet.Packet) { record("panics"); panic("observer failure") })
	l.Subscribe(func(packet.Packet) { record("last") })

	require.NoError(t, l.Start(11000, ""))
	require.True(t, factory.Last().Deliver(packet.Encode(packet.Packet{}), testPeer))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"first", "panics", "last"}, order)
	mu.Unlock()

	_, _, _, panics := stats.counts()
	assert.Equal(t, 1, panics)
	assert.Equal(t, StateRunning, l.State())
}

func TestListener_Unsubscribe(t *testing.T) {
	l, _ := newTestListener(t, nil)
	a, b := &recordingObserver{}, &recordingObserver{}
	idA := l.Subscribe(a.observe)
	l.Subscribe(b.observe)

	l.HandleDatagram(packet.Encode(packet.Packet{PacketID: 1}), testPeer)
	l.Unsubscribe(idA)
	l.HandleDatagram(packet.Encode(packet.Packet{PacketID: 2}), testPeer)

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 2, b.count())
}

func TestListener_HandleDatagramStats(t *testing.T) {
	stats := &MockPacketStats{}
	l, _ := newTestListener(t, stats)
	obs := &recordingObserver{}
	l.Subscribe(obs.observe)

	long := append(packet.Encode(packet.Packet{PacketID: 4}), 0xde, 0xad, 0xbe, 0xef)
	l.HandleDatagram(long, testPeer)
	l.HandleDatagram(make([]byte, packet.Size-1), testPeer)

	packets, malformed, decoded, _ := stats.counts()
	assert.Equal(t, 2, packets)
	assert.Equal(t, 1, malformed)
	assert.Equal(t, 1, decoded)
	assert.Equal(t, []packet.Packet{{PacketID: 4}}, obs.snapshot())
}

func TestListener_DatagramSubscribers(t *testing.T) {
	l, _ := newTestListener(t, nil)

	var got []Datagram
	id := l.SubscribeDatagrams(func(d Datagram) { got = append(got, d) })

	buf := []byte{1, 2, 3}
	l.HandleDatagram(buf, testPeer)
	buf[0] = 9

	require.Len(t, got, 1)
	assert.Equal(t, []byte{1, 2, 3}, got[0].Data)
	assert.Equal(t, testPeer, got[0].From)
	assert.False(t, got[0].ReceivedAt.IsZero())

	l.UnsubscribeDatagrams(id)
	l.HandleDatagram(buf, testPeer)
	assert.Len(t, got, 1)
}

func TestListener_ReadBuffer(t *testing.T) {
	factory := NewMockUDPSocketFactory()
	l := NewListener(ListenerConfig{SocketFactory: factory, RcvBuf: 1 << 20})
	require.NoError(t, l.Start(11000, ""))
	defer l.Stop()

	assert.Equal(t, 1<<20, factory.Last().ReadBufferSize())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "state(7)", State(7).String())
}
