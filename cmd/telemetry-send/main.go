package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/supervision/internal/api"
	"github.com/banshee-data/supervision/internal/monitoring"
	"github.com/banshee-data/supervision/internal/telemetry/network"
	"github.com/banshee-data/supervision/internal/telemetry/packet"
	"github.com/banshee-data/supervision/internal/version"
)

var (
	host        = flag.String("host", "239.0.0.1", "Destination host, IP or multicast group")
	port        = flag.Int("port", 11000, "Destination UDP port")
	packetID    = flag.Int("id", 1, "Packet ID of the first packet; incremented per packet")
	pump1       = flag.Float64("pump1", 0, "Pump 1 value")
	pump2       = flag.Float64("pump2", 0, "Pump 2 value")
	alarm       = flag.Int("alarm", 0, "Alarm state (0 none, 1 warning, 2 error)")
	input1      = flag.Float64("input1", 0, "Input 1 value")
	count       = flag.Int("count", 1, "Number of packets to send (0 sends until interrupted)")
	interval    = flag.Duration("interval", time.Second, "Delay between packets")
	walk        = flag.Float64("walk", 0, "Random-walk step size applied to pump and input values per packet (0 sends fixed values)")
	apiURL      = flag.String("api", "", "Send through a running supervision API (e.g. http://localhost:8080) instead of directly")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// generator produces the packet sequence, optionally random-walking the
// analogue values from their starting point.
type generator struct {
	next packet.Packet
	step float64
	rng  *rand.Rand
}

func newGenerator(start packet.Packet, step float64, rng *rand.Rand) *generator {
	return &generator{next: start, step: step, rng: rng}
}

// Next returns the current packet and advances the sequence.
func (g *generator) Next() packet.Packet {
	p := g.next
	g.next.PacketID++
	if g.step > 0 {
		g.next.Pump1Value += g.rng.NormFloat64() * g.step
		g.next.Pump2Value += g.rng.NormFloat64() * g.step
		g.next.Input1Value += g.rng.NormFloat64() * g.step
	}
	return p
}

// run sends count packets (forever when count is 0) spaced by every.
func run(ctx context.Context, sender api.PacketSender, gen *generator, count int, every time.Duration) (int, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	sent := 0
	for count == 0 || sent < count {
		p := gen.Next()
		if err := sender.Send(ctx, *host, *port, p); err != nil {
			return sent, fmt.Errorf("packet %d: %w", p.PacketID, err)
		}
		sent++
		monitoring.Logf("Sent packet %d to %s:%d (pump1=%g pump2=%g alarm=%s input1=%g)",
			p.PacketID, *host, *port, p.Pump1Value, p.Pump2Value, p.AlarmState, p.Input1Value)

		if count != 0 && sent == count {
			break
		}
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case <-ticker.C:
		}
	}
	return sent, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("telemetry-send %s\n", version.String())
		os.Exit(0)
	}
	if *count < 0 {
		log.Fatalf("-count must be non-negative, got %d", *count)
	}
	if *interval <= 0 {
		log.Fatalf("-interval must be positive, got %s", *interval)
	}

	var sender api.PacketSender = network.NewSender(network.SenderConfig{})
	if *apiURL != "" {
		sender = api.NewClient(*apiURL)
	}

	start := packet.Packet{
		PacketID:    int32(*packetID),
		Pump1Value:  *pump1,
		Pump2Value:  *pump2,
		AlarmState:  packet.AlarmState(*alarm),
		Input1Value: *input1,
	}
	gen := newGenerator(start, *walk, rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sent, err := run(ctx, sender, gen, *count, *interval)
	if err != nil && ctx.Err() == nil {
		log.Printf("Send failed after %d packets: %v", sent, err)
		os.Exit(1)
	}
	log.Printf("Sent %d packets", sent)
}
