package network

import (
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/supervision/internal/monitoring"
)

// maxIntervalSamples bounds the inter-arrival samples kept per window.
const maxIntervalSamples = 4096

// PacketStatsInterface provides packet statistics management
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddMalformed()
	AddDecoded(at time.Time)
	AddObserverPanic()
	AddDropped()
	LogStats()
}

// noopStats is a PacketStatsInterface implementation that does nothing.
// It is used as a safe default when no stats collector is provided.
type noopStats struct{}

func (noopStats) AddPacket(int)        {}
func (noopStats) AddMalformed()        {}
func (noopStats) AddDecoded(time.Time) {}
func (noopStats) AddObserverPanic()    {}
func (noopStats) AddDropped()          {}
func (noopStats) LogStats()            {}

// StatsWindow summarises the traffic seen since the previous reset.
type StatsWindow struct {
	Packets        int64         `json:"packets"`
	Bytes          int64         `json:"bytes"`
	Malformed      int64         `json:"malformed"`
	Decoded        int64         `json:"decoded"`
	ObserverPanics int64         `json:"observer_panics"`
	Dropped        int64         `json:"forward_dropped"`
	Duration       time.Duration `json:"duration_ns"`

	// Inter-arrival interval of decoded packets, in seconds.
	IntervalMean   float64 `json:"interval_mean_s"`
	IntervalStdDev float64 `json:"interval_stddev_s"`
}

// PacketStats tracks packet statistics with thread-safe operations and
// mirrors the counters into Prometheus when metrics are attached.
type PacketStats struct {
	mu          sync.Mutex
	window      StatsWindow
	totals      StatsWindow
	intervals   []float64
	lastDecoded time.Time
	lastReset   time.Time
	metrics     *monitoring.Metrics
}

// NewPacketStats creates a new PacketStats instance. metrics may be nil.
func NewPacketStats(metrics *monitoring.Metrics) *PacketStats {
	return &PacketStats{
		lastReset: time.Now(),
		metrics:   metrics,
	}
}

// AddPacket counts one received datagram of the given size.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.window.Packets++
	ps.window.Bytes += int64(bytes)
	ps.totals.Packets++
	ps.totals.Bytes += int64(bytes)
	if ps.metrics != nil {
		ps.metrics.BytesReceived.Add(float64(bytes))
	}
}

// AddMalformed counts a datagram too short to decode.
func (ps *PacketStats) AddMalformed() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.window.Malformed++
	ps.totals.Malformed++
	if ps.metrics != nil {
		ps.metrics.PacketsMalformed.Inc()
	}
}

// AddDecoded counts a decoded packet and records its arrival interval.
func (ps *PacketStats) AddDecoded(at time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.window.Decoded++
	ps.totals.Decoded++
	if !ps.lastDecoded.IsZero() && len(ps.intervals) < maxIntervalSamples {
		ps.intervals = append(ps.intervals, at.Sub(ps.lastDecoded).Seconds())
	}
	ps.lastDecoded = at
	if ps.metrics != nil {
		ps.metrics.PacketsReceived.Inc()
	}
}

// AddObserverPanic counts an observer invocation that panicked.
func (ps *PacketStats) AddObserverPanic() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.window.ObserverPanics++
	ps.totals.ObserverPanics++
	if ps.metrics != nil {
		ps.metrics.ObserverPanics.Inc()
	}
}

// AddDropped counts a datagram the forwarder could not queue.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.window.Dropped++
	ps.totals.Dropped++
	if ps.metrics != nil {
		ps.metrics.ForwardDropped.Inc()
	}
}

// Totals returns the counters accumulated since creation. Interval fields
// are left zero.
func (ps *PacketStats) Totals() StatsWindow {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.totals
}

// GetAndReset returns the current window and starts a new one.
func (ps *PacketStats) GetAndReset() StatsWindow {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	w := ps.window
	w.Duration = now.Sub(ps.lastReset)
	if len(ps.intervals) > 0 {
		w.IntervalMean, w.IntervalStdDev = stat.MeanStdDev(ps.intervals, nil)
		if len(ps.intervals) == 1 {
			w.IntervalStdDev = 0
		}
	}

	ps.window = StatsWindow{}
	ps.intervals = ps.intervals[:0]
	ps.lastReset = now
	return w
}

// LogStats logs the current window and resets it. Quiet windows are not logged.
func (ps *PacketStats) LogStats() {
	w := ps.GetAndReset()
	if w.Packets == 0 && w.Dropped == 0 {
		return
	}
	secs := w.Duration.Seconds()
	msg := fmt.Sprintf("Telemetry stats (/sec): %.1f packets, %.1f bytes", float64(w.Packets)/secs, float64(w.Bytes)/secs)
	if w.Decoded > 1 {
		msg += fmt.Sprintf(", interval %.1f±%.1f ms", w.IntervalMean*1000, w.IntervalStdDev*1000)
	}
	if w.Malformed > 0 {
		msg += fmt.Sprintf(", %d malformed", w.Malformed)
	}
	if w.ObserverPanics > 0 {
		msg += fmt.Sprintf(", %d observer panics", w.ObserverPanics)
	}
	if w.Dropped > 0 {
		msg += fmt.Sprintf(", %d dropped on forward", w.Dropped)
	}
	monitoring.Logf("%s", msg)
}
