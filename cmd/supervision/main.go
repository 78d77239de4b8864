package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/supervision/internal/capture"
	"github.com/banshee-data/supervision/internal/config"
	"github.com/banshee-data/supervision/internal/monitoring"
	"github.com/banshee-data/supervision/internal/supervisor"
	"github.com/banshee-data/supervision/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a .json or .yaml configuration file")
	port        = flag.Int("port", 11000, "UDP port to receive telemetry on")
	group       = flag.String("group", "239.0.0.1", "IPv4 multicast group to join (empty for unicast only)")
	listen      = flag.String("listen", ":8080", "HTTP listen address (empty disables the API)")
	dbPath      = flag.String("db", "telemetry.db", "SQLite archive path (empty disables archiving)")
	replayPath  = flag.String("replay", "", "Replay a pcap capture instead of listening on the network")
	replaySpeed = flag.Float64("replay-speed", 0, "Pace replay by capture timestamps at this speed multiplier (0 replays as fast as possible)")
	verbose     = flag.Bool("verbose", false, "Log every received datagram")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// loadConfig reads -config (or the defaults) and applies the flags that
// were set explicitly on the command line.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Listener.Port = *port
		case "group":
			cfg.Listener.MulticastGroup = *group
		case "listen":
			cfg.HTTP.Listen = *listen
		case "db":
			cfg.DB.Path = *dbPath
		case "verbose":
			cfg.Listener.Verbose = *verbose
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func replayOptions() capture.ReplayOptions {
	if *replaySpeed <= 0 {
		return capture.ReplayOptions{}
	}
	return capture.ReplayOptions{Realtime: true, SpeedMultiplier: *replaySpeed}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("supervision %s\n", version.String())
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logCloser := monitoring.ConfigureLogOutput(monitoring.LogFileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	defer logCloser.Close()

	log.Printf("supervision %s starting", version.String())

	s, err := supervisor.New(supervisor.Options{
		Config:        cfg,
		ReplayPath:    *replayPath,
		ReplayOptions: replayOptions(),
	})
	if err != nil {
		log.Fatalf("Failed to initialise: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx); err != nil {
		log.Printf("supervision stopped with error: %v", err)
		logCloser.Close()
		os.Exit(1)
	}
	log.Printf("Graceful shutdown complete")
}
