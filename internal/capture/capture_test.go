package capture

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/supervision/internal/telemetry/network"
	"github.com/banshee-data/supervision/internal/telemetry/packet"
)

var (
	group = &net.UDPAddr{IP: net.IPv4(239, 0, 0, 1), Port: 11000}
	peer  = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 50123}
	start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type delivered struct {
	data []byte
	from *net.UDPAddr
}

func record(t *testing.T, dst *net.UDPAddr, datagrams ...network.Datagram) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telemetry.pcap")
	rec, err := NewRecorder(path, dst)
	require.NoError(t, err)
	for _, d := range datagrams {
		require.NoError(t, rec.Write(d))
	}
	assert.Equal(t, len(datagrams), rec.Count())
	require.NoError(t, rec.Close())
	return path
}

func collect(out *[]delivered) Handler {
	return func(data []byte, from *net.UDPAddr) {
		*out = append(*out, delivered{data: append([]byte(nil), data...), from: from})
	}
}

func TestRecordReplayRoundTrip(t *testing.T) {
	valid := packet.Encode(packet.Packet{PacketID: 1, Pump1Value: 4.5, AlarmState: packet.AlarmWarning})
	garbage := []byte{0xde, 0xad}
	long := append(packet.Encode(packet.Packet{PacketID: 2}), make([]byte, 8)...)

	path := record(t, group,
		network.Datagram{Data: valid, From: peer, ReceivedAt: start},
		network.Datagram{Data: garbage, From: peer, ReceivedAt: start.Add(10 * time.Millisecond)},
		network.Datagram{Data: long, From: peer, ReceivedAt: start.Add(20 * time.Millisecond)},
	)

	var got []delivered
	stats, err := Replay(context.Background(), path, 11000, collect(&got), ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, ReplayStats{Frames: 3, Delivered: 3}, stats)

	require.Len(t, got, 3)
	assert.Equal(t, valid, got[0].data)
	assert.Equal(t, garbage, got[1].data)
	assert.Equal(t, long, got[2].data)
	assert.True(t, peer.IP.Equal(got[0].from.IP))
	assert.Equal(t, peer.Port, got[0].from.Port)
}

func TestReplayFiltersPort(t *testing.T) {
	path := record(t, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12000},
		network.Datagram{Data: packet.Encode(packet.Packet{}), From: peer, ReceivedAt: start},
	)

	var got []delivered
	stats, err := Replay(context.Background(), path, 11000, collect(&got), ReplayOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, stats.Skipped)

	stats, err = Replay(context.Background(), path, 0, collect(&got), ReplayOptions{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, stats.Delivered)
}

func TestReplayIntoListener(t *testing.T) {
	path := record(t, group,
		network.Datagram{Data: packet.Encode(packet.Packet{PacketID: 10}), From: peer, ReceivedAt: start},
		network.Datagram{Data: []byte("garbage"), From: peer, ReceivedAt: start.Add(time.Millisecond)},
		network.Datagram{Data: packet.Encode(packet.Packet{PacketID: 11}), From: peer, ReceivedAt: start.Add(2 * time.Millisecond)},
	)

	l := network.NewListener(network.ListenerConfig{SocketFactory: network.NewMockUDPSocketFactory()})
	var ids []int32
	l.Subscribe(func(p packet.Packet) { ids = append(ids, p.PacketID) })

	_, err := Replay(context.Background(), path, group.Port, l.HandleDatagram, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int32{10, 11}, ids)
}

func TestReplayRealtimePacing(t *testing.T) {
	path := record(t, group,
		network.Datagram{Data: packet.Encode(packet.Packet{}), From: peer, ReceivedAt: start},
		network.Datagram{Data: packet.Encode(packet.Packet{}), From: peer, ReceivedAt: start.Add(200 * time.Millisecond)},
	)

	var got []delivered
	began := time.Now()
	_, err := Replay(context.Background(), path, 0, collect(&got), ReplayOptions{Realtime: true, SpeedMultiplier: 2})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(began), 90*time.Millisecond)
	assert.Len(t, got, 2)
}

func TestReplayCancelled(t *testing.T) {
	path := record(t, group,
		network.Datagram{Data: packet.Encode(packet.Packet{}), From: peer, ReceivedAt: start},
		network.Datagram{Data: packet.Encode(packet.Packet{}), From: peer, ReceivedAt: start.Add(time.Hour)},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var got []delivered
	stats, err := Replay(ctx, path, 0, collect(&got), ReplayOptions{Realtime: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, stats.Delivered)
}

func TestReplayErrors(t *testing.T) {
	_, err := Replay(context.Background(), filepath.Join(t.TempDir(), "missing.pcap"), 0, func([]byte, *net.UDPAddr) {}, ReplayOptions{})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pcap")
	require.NoError(t, os.WriteFile(bad, []byte("not a pcap file at all"), 0o644))
	_, err = Replay(context.Background(), bad, 0, func([]byte, *net.UDPAddr) {}, ReplayOptions{})
	assert.Error(t, err)
}

func TestRecorderRejects(t *testing.T) {
	_, err := NewRecorder(filepath.Join(t.TempDir(), "x.pcap"), &net.UDPAddr{IP: net.ParseIP("ff02::1"), Port: 1})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "closed.pcap")
	rec, err := NewRecorder(path, group)
	require.NoError(t, err)
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())
	assert.ErrorIs(t, rec.Write(network.Datagram{Data: []byte{1}}), os.ErrClosed)
}

func TestRecorderAsDatagramSubscriber(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live.pcap")
	rec, err := NewRecorder(path, group)
	require.NoError(t, err)

	l := network.NewListener(network.ListenerConfig{SocketFactory: network.NewMockUDPSocketFactory()})
	l.SubscribeDatagrams(rec.Record)
	l.HandleDatagram(packet.Encode(packet.Packet{PacketID: 3}), peer)
	l.HandleDatagram([]byte{1, 2, 3}, peer)
	require.NoError(t, rec.Close())
	assert.Equal(t, 2, rec.Count())

	var got []delivered
	_, err = Replay(context.Background(), path, group.Port, collect(&got), ReplayOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []byte{1, 2, 3}, got[1].data)
}
