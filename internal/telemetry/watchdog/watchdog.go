// Package watchdog derives a communication-loss state from packet arrival
// times.
//
// The watchdog is healthy until no arrival has been recorded for longer
// than the staleness threshold, as observed by a periodic poll. The first
// arrival after a loss restores the healthy state immediately. Subscribers
// are notified only on transitions.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/supervision/internal/monitoring"
	"github.com/banshee-data/supervision/internal/telemetry/fanout"
	"github.com/banshee-data/supervision/internal/timeutil"
)

const (
	DefaultThreshold    = 3 * time.Second
	DefaultPollInterval = time.Second
)

// ErrInvalidConfig is returned by New for non-positive durations.
var ErrInvalidConfig = errors.New("invalid watchdog config")

// Config configures a Watchdog. Zero durations select the defaults.
type Config struct {
	Threshold    time.Duration
	PollInterval time.Duration
	Clock        timeutil.Clock
}

// Watchdog tracks the time of the last packet arrival and publishes
// comm-loss transitions.
//
// Callbacks run on the goroutine that caused the transition: the poll
// goroutine for loss, the RecordArrival caller for recovery. They are
// serialised, so subscribers always see transitions in order. Callbacks
// must not call RecordArrival or Poll.
type Watchdog struct {
	threshold    time.Duration
	pollInterval time.Duration
	clock        timeutil.Clock
	epoch        time.Time

	// lastArrival is the arrival time as an offset from epoch, so it can be
	// stored atomically and keeps the clock's monotonic reading.
	lastArrival atomic.Int64
	commLoss    atomic.Bool

	// transitionMu serialises state changes and their notifications.
	transitionMu sync.Mutex
	observers    *fanout.List[bool]

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a healthy watchdog whose last arrival is the time of
// construction.
func New(config Config) (*Watchdog, error) {
	if config.Threshold == 0 {
		config.Threshold = DefaultThreshold
	}
	if config.PollInterval == 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Threshold < 0 || config.PollInterval < 0 {
		return nil, fmt.Errorf("%w: threshold %s, poll interval %s", ErrInvalidConfig, config.Threshold, config.PollInterval)
	}
	if config.Clock == nil {
		config.Clock = timeutil.RealClock{}
	}

	return &Watchdog{
		threshold:    config.Threshold,
		pollInterval: config.PollInterval,
		clock:        config.Clock,
		epoch:        config.Clock.Now(),
		observers:    fanout.New[bool]("comm-loss"),
	}, nil
}

// Threshold returns the staleness threshold.
func (w *Watchdog) Threshold() time.Duration { return w.threshold }

// PollInterval returns the interval between polls.
func (w *Watchdog) PollInterval() time.Duration { return w.pollInterval }

// Subscribe registers fn to be called with the new state on every
// transition.
func (w *Watchdog) Subscribe(fn func(commLoss bool)) fanout.SubscriptionID {
	return w.observers.Subscribe(fn)
}

// Unsubscribe removes a transition callback.
func (w *Watchdog) Unsubscribe(id fanout.SubscriptionID) {
	w.observers.Unsubscribe(id)
}

// CommLoss reports whether the watchdog is currently in the loss state.
func (w *Watchdog) CommLoss() bool {
	return w.commLoss.Load()
}

// LastArrival returns the time of the most recent arrival, or the time of
// New or Start if none has been recorded since.
func (w *Watchdog) LastArrival() time.Time {
	return w.epoch.Add(time.Duration(w.lastArrival.Load()))
}

// sinceLastArrival returns the time elapsed since the last arrival.
func (w *Watchdog) sinceLastArrival() time.Duration {
	return w.clock.Since(w.epoch) - time.Duration(w.lastArrival.Load())
}

// RecordArrival marks a packet arrival. If the watchdog is in the loss
// state it recovers and notifies before returning.
func (w *Watchdog) RecordArrival() {
	w.lastArrival.Store(int64(w.clock.Since(w.epoch)))

	if !w.commLoss.Load() {
		return
	}

	w.transitionMu.Lock()
	defer w.transitionMu.Unlock()
	if w.commLoss.Load() {
		w.setLocked(false)
	}
}

// Poll evaluates staleness once and enters the loss state if the last
// arrival is older than the threshold. It is what the poll goroutine runs
// on every tick.
func (w *Watchdog) Poll() {
	w.transitionMu.Lock()
	defer w.transitionMu.Unlock()

	if w.commLoss.Load() {
		return
	}
	elapsed := w.sinceLastArrival()
	if elapsed <= w.threshold {
		return
	}

	monitoring.Logf("Telemetry comm loss: no packet for %s (threshold %s)", elapsed.Round(time.Millisecond), w.threshold)
	w.setLocked(true)

	// An arrival racing with this poll may have read the healthy state
	// before it was cleared; recover on its behalf.
	if w.sinceLastArrival() <= w.threshold {
		w.setLocked(false)
	}
}

func (w *Watchdog) setLocked(loss bool) {
	w.commLoss.Store(loss)
	if !loss {
		monitoring.Logf("Telemetry comm restored")
	}
	w.observers.Notify(loss)
}

// Start launches the poll goroutine. The ticker is created before Start
// returns. A healthy watchdog's last arrival is reset to now, so the first
// threshold is measured from Start rather than from New. Starting a running
// watchdog is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel != nil {
		return
	}

	w.transitionMu.Lock()
	if !w.commLoss.Load() {
		w.lastArrival.Store(int64(w.clock.Since(w.epoch)))
	}
	w.transitionMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	ticker := w.clock.NewTicker(w.pollInterval)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				w.Poll()
			}
		}
	}()
}

// Stop halts the poll goroutine and waits for it to exit. Stopping a
// stopped watchdog is a no-op.
func (w *Watchdog) Stop() {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	w.done = nil
}

// Run starts the watchdog and blocks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	w.Start(ctx)
	<-ctx.Done()
	w.Stop()
	return nil
}
