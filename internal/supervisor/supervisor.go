// Package supervisor assembles the telemetry listener, liveness watchdog,
// archive, capture and HTTP API into one running daemon.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/supervision/internal/api"
	"github.com/banshee-data/supervision/internal/capture"
	"github.com/banshee-data/supervision/internal/config"
	"github.com/banshee-data/supervision/internal/db"
	"github.com/banshee-data/supervision/internal/monitoring"
	"github.com/banshee-data/supervision/internal/telemetry/network"
	"github.com/banshee-data/supervision/internal/telemetry/packet"
	"github.com/banshee-data/supervision/internal/telemetry/watchdog"
	"github.com/banshee-data/supervision/internal/timeutil"
)

const shutdownTimeout = 5 * time.Second

// Options configures a Supervisor. Only Config is required.
type Options struct {
	Config *config.Config

	// ReplayPath replays a pcap through the listener's dispatch path
	// instead of binding a socket.
	ReplayPath    string
	ReplayOptions capture.ReplayOptions

	// Test hooks.
	SocketFactory     network.UDPSocketFactory
	SendSocketFactory network.SendSocketFactory
	Clock             timeutil.Clock
}

// Supervisor owns every component of the daemon. Build it with New, then
// call Run once.
type Supervisor struct {
	cfg     *config.Config
	replay  string
	replayO capture.ReplayOptions
	clock   timeutil.Clock

	Metrics   *monitoring.Metrics
	Stats     *network.PacketStats
	Listener  *network.Listener
	Watchdog  *watchdog.Watchdog
	Sender    *network.Sender
	Hub       *api.Hub
	Archive   *db.DB            // nil when archiving is disabled
	Recorder  *capture.Recorder // nil unless capture.record_path is set
	forwarder *network.PacketForwarder

	httpLn net.Listener
	server *http.Server
}

// New builds and wires the components described by opts.Config. Sockets
// are not bound until Run, except the HTTP listener so its address is
// known up front.
func New(opts Options) (*Supervisor, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	s := &Supervisor{
		cfg:     cfg,
		replay:  opts.ReplayPath,
		replayO: opts.ReplayOptions,
		clock:   clock,
		Metrics: monitoring.NewMetrics(),
		Hub:     api.NewHub(),
	}
	s.Stats = network.NewPacketStats(s.Metrics)

	ok := false
	defer func() {
		if !ok {
			s.closeResources()
		}
	}()

	if addr := cfg.Listener.ForwardAddress; addr != "" {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid forward address %q: %w", addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid forward port %q: %w", portStr, err)
		}
		s.forwarder, err = network.NewPacketForwarder(host, port, s.Stats, cfg.Listener.StatsInterval.Std())
		if err != nil {
			return nil, err
		}
	}

	s.Listener = network.NewListener(network.ListenerConfig{
		RcvBuf:        cfg.Listener.ReadBuffer,
		StatsInterval: cfg.Listener.StatsInterval.Std(),
		Stats:         s.Stats,
		Forwarder:     s.forwarder,
		SocketFactory: opts.SocketFactory,
		Verbose:       cfg.Listener.Verbose,
	})

	wd, err := watchdog.New(watchdog.Config{
		Threshold:    cfg.Watchdog.Threshold.Std(),
		PollInterval: cfg.Watchdog.PollInterval.Std(),
		Clock:        clock,
	})
	if err != nil {
		return nil, err
	}
	s.Watchdog = wd

	s.Sender = network.NewSender(network.SenderConfig{
		SocketFactory: opts.SendSocketFactory,
		Metrics:       s.Metrics,
	})

	if cfg.DB.Path != "" {
		s.Archive, err = db.NewDB(cfg.DB.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
	}

	if cfg.Capture.RecordPath != "" {
		if s.replay != "" {
			monitoring.Logf("Ignoring capture.record_path %s while replaying", cfg.Capture.RecordPath)
		} else {
			dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.Listener.Port}
			if group := net.ParseIP(cfg.Listener.MulticastGroup); group != nil && group.To4() != nil {
				dst.IP = group
			}
			s.Recorder, err = capture.NewRecorder(cfg.Capture.RecordPath, dst)
			if err != nil {
				return nil, err
			}
		}
	}

	s.wire()

	if cfg.HTTP.Listen != "" {
		if err := s.setupHTTP(); err != nil {
			return nil, err
		}
	}

	ok = true
	return s, nil
}

// wire connects listener and watchdog outputs to their consumers.
func (s *Supervisor) wire() {
	// The watchdog is fed first so liveness does not depend on the speed of
	// the archive.
	s.Listener.Subscribe(func(packet.Packet) { s.Watchdog.RecordArrival() })

	if s.Archive != nil && s.cfg.DB.RecordPackets {
		s.Listener.Subscribe(func(p packet.Packet) {
			if err := s.Archive.RecordPacket(p, time.Now()); err != nil {
				monitoring.Logf("Failed to archive packet %d: %v", p.PacketID, err)
			}
		})
	}
	s.Listener.Subscribe(s.Hub.PublishPacket)

	if s.Recorder != nil {
		s.Listener.SubscribeDatagrams(s.Recorder.Record)
	}

	s.Watchdog.Subscribe(func(commLoss bool) {
		s.Metrics.SetCommLoss(commLoss)
		if s.Archive != nil {
			if err := s.Archive.RecordCommLoss(commLoss, time.Now()); err != nil {
				monitoring.Logf("Failed to archive comm-loss transition: %v", err)
			}
		}
		s.Hub.PublishCommLoss(commLoss)
	})
}

func (s *Supervisor) setupHTTP() error {
	apiServer := api.NewServer(api.ServerConfig{
		Listener: s.Listener,
		Watchdog: s.Watchdog,
		Sender:   s.Sender,
		Archive:  s.archive(),
		Stats:    s.Stats,
		Metrics:  s.Metrics,
		Hub:      s.Hub,
	})
	mux := apiServer.ServeMux()
	if s.Archive != nil {
		if err := s.Archive.AttachAdminRoutes(mux); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", s.cfg.HTTP.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTP.Listen, err)
	}
	s.httpLn = ln
	s.server = &http.Server{
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// archive avoids handing the API a typed nil.
func (s *Supervisor) archive() api.Archive {
	if s.Archive == nil {
		return nil
	}
	return s.Archive
}

// HTTPAddr returns the bound API address, or nil when HTTP is disabled.
func (s *Supervisor) HTTPAddr() net.Addr {
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// Run starts the watchdog and listener (or replay), serves HTTP, and
// blocks until ctx is cancelled or a component fails. On return every
// component has been stopped: listener first, then watchdog, then the
// stream and archive.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.closeResources()

	s.Watchdog.Start(context.Background())
	defer s.Watchdog.Stop()

	// A bind failure leaves the listener stopped; everything else keeps
	// serving and the watchdog reports the outage as comm loss.
	if s.replay == "" {
		if err := s.Listener.Start(s.cfg.Listener.Port, s.cfg.Listener.MulticastGroup); err != nil {
			monitoring.Logf("Telemetry listener not running, continuing without it: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.server != nil {
		g.Go(func() error { return s.serveHTTP(gctx) })
	}
	if s.Archive != nil && s.cfg.DB.Retention > 0 {
		g.Go(func() error { return s.pruneLoop(gctx) })
	}
	if s.replay != "" {
		g.Go(func() error { return s.runReplay(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()

	if stopErr := s.Listener.Stop(); stopErr != nil {
		monitoring.Logf("Listener stop error: %v", stopErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Supervisor) serveHTTP(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("HTTP API listening on %s", s.httpLn.Addr())
		if err := s.server.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	monitoring.Logf("shutting down HTTP server...")
	// Websocket connections are hijacked and not tracked by Shutdown.
	s.Hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	<-errCh
	monitoring.Logf("HTTP server routine stopped")
	return nil
}

func (s *Supervisor) runReplay(ctx context.Context) error {
	monitoring.Logf("Replaying %s on port %d", s.replay, s.cfg.Listener.Port)
	stats, err := capture.Replay(ctx, s.replay, s.cfg.Listener.Port, s.Listener.HandleDatagram, s.replayO)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("replay failed: %w", err)
	}
	monitoring.Logf("Replay finished: %d frames, %d delivered, %d skipped", stats.Frames, stats.Delivered, stats.Skipped)
	return nil
}

// pruneInterval is a quarter of the retention, clamped to [1s, 1h].
func pruneInterval(retention time.Duration) time.Duration {
	interval := retention / 4
	if interval < time.Second {
		return time.Second
	}
	if interval > time.Hour {
		return time.Hour
	}
	return interval
}

func (s *Supervisor) pruneLoop(ctx context.Context) error {
	retention := s.cfg.DB.Retention.Std()
	ticker := s.clock.NewTicker(pruneInterval(retention))
	defer ticker.Stop()

	for {
		s.prune(retention)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

func (s *Supervisor) prune(retention time.Duration) {
	n, err := s.Archive.PruneBefore(time.Now().Add(-retention))
	if err != nil {
		monitoring.Logf("Failed to prune archive: %v", err)
		return
	}
	if n > 0 {
		monitoring.Logf("Pruned %d archived rows older than %s", n, retention)
	}
}

// closeResources releases everything not owned by a running goroutine.
// It is safe to call more than once.
func (s *Supervisor) closeResources() {
	s.Hub.Close()
	if s.httpLn != nil {
		// Already closed if Serve ran.
		_ = s.httpLn.Close()
	}
	if s.forwarder != nil {
		if err := s.forwarder.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			monitoring.Logf("Forwarder close error: %v", err)
		}
		s.forwarder = nil
	}
	if s.Recorder != nil {
		if err := s.Recorder.Close(); err != nil {
			monitoring.Logf("Capture close error: %v", err)
		}
	}
	if s.Archive != nil {
		if err := s.Archive.Close(); err != nil {
			monitoring.Logf("Archive close error: %v", err)
		}
		s.Archive = nil
	}
}
