package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxFileSize caps configuration files at 1MB.
const maxFileSize = 1 * 1024 * 1024

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration read from a string such as "3s" or "500ms".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"3s\": %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the root configuration of the supervision daemon.
type Config struct {
	Listener ListenerConfig `json:"listener" yaml:"listener"`
	Watchdog WatchdogConfig `json:"watchdog" yaml:"watchdog"`
	HTTP     HTTPConfig     `json:"http" yaml:"http"`
	DB       DBConfig       `json:"db" yaml:"db"`
	Capture  CaptureConfig  `json:"capture" yaml:"capture"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

type ListenerConfig struct {
	Port           int      `json:"port" yaml:"port"`
	MulticastGroup string   `json:"multicast_group" yaml:"multicast_group"`
	ReadBuffer     int      `json:"read_buffer" yaml:"read_buffer"`
	ForwardAddress string   `json:"forward_address" yaml:"forward_address"` // host:port, empty disables
	StatsInterval  Duration `json:"stats_interval" yaml:"stats_interval"`
	Verbose        bool     `json:"verbose" yaml:"verbose"`
}

type WatchdogConfig struct {
	Threshold    Duration `json:"threshold" yaml:"threshold"`
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval"`
}

type HTTPConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

type DBConfig struct {
	// Path of the SQLite archive. Empty disables archiving.
	Path          string   `json:"path" yaml:"path"`
	RecordPackets bool     `json:"record_packets" yaml:"record_packets"`
	Retention     Duration `json:"retention" yaml:"retention"` // zero keeps everything
}

type CaptureConfig struct {
	// RecordPath receives a pcap of every datagram when set.
	RecordPath string `json:"record_path" yaml:"record_path"`
}

type LogConfig struct {
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listener: ListenerConfig{
			Port:           11000,
			MulticastGroup: "239.0.0.1",
			StatsInterval:  Duration(time.Minute),
		},
		Watchdog: WatchdogConfig{
			Threshold:    Duration(3 * time.Second),
			PollInterval: Duration(time.Second),
		},
		HTTP: HTTPConfig{Listen: ":8080"},
		DB: DBConfig{
			Path:          "telemetry.db",
			RecordPackets: true,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads a JSON (.json) or YAML (.yaml, .yml) configuration file.
// Fields omitted from the file keep their default values, so partial
// configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", cleanPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Listener.Port < 0 || c.Listener.Port > 65535 {
		return fmt.Errorf("%w: listener.port must be between 0 and 65535, got %d", ErrInvalidConfig, c.Listener.Port)
	}
	if c.Listener.ReadBuffer < 0 {
		return fmt.Errorf("%w: listener.read_buffer must be non-negative, got %d", ErrInvalidConfig, c.Listener.ReadBuffer)
	}
	if c.Listener.StatsInterval < 0 {
		return fmt.Errorf("%w: listener.stats_interval must be non-negative, got %s", ErrInvalidConfig, c.Listener.StatsInterval)
	}
	if c.Watchdog.Threshold <= 0 {
		return fmt.Errorf("%w: watchdog.threshold must be positive, got %s", ErrInvalidConfig, c.Watchdog.Threshold)
	}
	if c.Watchdog.PollInterval <= 0 {
		return fmt.Errorf("%w: watchdog.poll_interval must be positive, got %s", ErrInvalidConfig, c.Watchdog.PollInterval)
	}
	if c.Watchdog.Threshold <= c.Watchdog.PollInterval {
		return fmt.Errorf("%w: watchdog.threshold (%s) must exceed watchdog.poll_interval (%s)",
			ErrInvalidConfig, c.Watchdog.Threshold, c.Watchdog.PollInterval)
	}
	if c.DB.Retention < 0 {
		return fmt.Errorf("%w: db.retention must be non-negative, got %s", ErrInvalidConfig, c.DB.Retention)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("%w: log rotation limits must be non-negative", ErrInvalidConfig)
	}
	return nil
}
