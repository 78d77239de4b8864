// Package capture records telemetry datagrams to pcap files and replays
// them through the same dispatch path as live traffic.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/supervision/internal/monitoring"
	"github.com/banshee-data/supervision/internal/telemetry/network"
)

const snapLen = 65536

// Placeholder hardware addresses for synthesised Ethernet headers.
var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Recorder writes received datagrams into a pcap file as Ethernet/IPv4/UDP
// frames addressed to a fixed destination.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	writer *pcapgo.Writer
	dst    *net.UDPAddr
	count  int
	closed bool
}

// NewRecorder creates (or truncates) path. dst is written as the
// destination of every frame, typically the multicast group and port the
// listener is bound to.
func NewRecorder(path string, dst *net.UDPAddr) (*Recorder, error) {
	if dst == nil || dst.IP.To4() == nil {
		return nil, fmt.Errorf("capture destination must be an IPv4 address, got %v", dst)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	monitoring.Logf("Recording telemetry datagrams to %s", path)
	return &Recorder{file: f, writer: w, dst: dst}, nil
}

// Record appends one datagram. It has the signature of a listener
// datagram subscriber; errors are logged.
func (r *Recorder) Record(d network.Datagram) {
	if err := r.Write(d); err != nil {
		monitoring.Logf("Failed to record datagram: %v", err)
	}
}

// Write appends one datagram.
func (r *Recorder) Write(d network.Datagram) error {
	frame, err := r.frame(d)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return os.ErrClosed
	}
	ts := d.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := r.writer.WritePacket(ci, frame); err != nil {
		return err
	}
	r.count++
	return nil
}

func (r *Recorder) frame(d network.Datagram) ([]byte, error) {
	src := d.From
	if src == nil || src.IP.To4() == nil {
		src = &net.UDPAddr{IP: net.IPv4zero}
	}

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      1,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.IP.To4(),
		DstIP:    r.dst.IP.To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port), DstPort: layers.UDPPort(r.dst.Port)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(d.Data)); err != nil {
		return nil, fmt.Errorf("failed to serialise frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Count returns the number of frames written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close closes the capture file. Further writes fail.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	monitoring.Logf("Closed capture file after %d datagrams", r.count)
	return r.file.Close()
}

// ReplayOptions controls Replay pacing.
type ReplayOptions struct {
	// Realtime waits between datagrams according to capture timestamps.
	Realtime bool
	// SpeedMultiplier scales realtime pacing (2.0 = twice as fast). Defaults to 1.
	SpeedMultiplier float64
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Frames    int `json:"frames"`
	Delivered int `json:"delivered"`
	Skipped   int `json:"skipped"`
}

// Handler receives each replayed payload. Listener.HandleDatagram
// satisfies it.
type Handler func(data []byte, from *net.UDPAddr)

// Replay reads the pcap at path and hands each UDP payload addressed to
// port to handler, in capture order. Port 0 accepts every UDP frame.
func Replay(ctx context.Context, path string, port int, handler Handler, opts ReplayOptions) (ReplayStats, error) {
	var stats ReplayStats

	f, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return stats, fmt.Errorf("failed to read pcap header from %s: %w", path, err)
	}

	speed := opts.SpeedMultiplier
	if speed <= 0 {
		speed = 1.0
	}
	monitoring.Logf("Replaying %s (udp port %d, realtime %v, speed %.1fx)", path, port, opts.Realtime, speed)

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	var lastCapture time.Time

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		pkt, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Truncated or corrupt record; report what was replayed so far.
			return stats, fmt.Errorf("failed to read frame %d: %w", stats.Frames+1, err)
		}
		stats.Frames++

		if opts.Realtime {
			captured := pkt.Metadata().Timestamp
			if !lastCapture.IsZero() {
				if delay := time.Duration(float64(captured.Sub(lastCapture)) / speed); delay > 0 {
					timer := time.NewTimer(delay)
					select {
					case <-ctx.Done():
						timer.Stop()
						return stats, ctx.Err()
					case <-timer.C:
					}
				}
			}
			lastCapture = captured
		}

		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || (port != 0 && int(udp.DstPort) != port) {
			stats.Skipped++
			continue
		}

		from := &net.UDPAddr{Port: int(udp.SrcPort)}
		if ip, ok := pkt.NetworkLayer().(*layers.IPv4); ok {
			from.IP = ip.SrcIP
		}
		handler(udp.Payload, from)
		stats.Delivered++
	}

	monitoring.Logf("Replay of %s complete: %d frames, %d delivered, %d skipped", path, stats.Frames, stats.Delivered, stats.Skipped)
	return stats, nil
}
