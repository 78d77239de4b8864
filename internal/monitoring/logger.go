package monitoring

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LogFileConfig controls where the standard logger writes.
type LogFileConfig struct {
	// Path of the rotated log file. Empty keeps logging on stderr only.
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ConfigureLogOutput points the standard logger at stderr and, when a path
// is configured, a size-rotated log file as well. The returned closer
// releases the file and should be called on shutdown.
func ConfigureLogOutput(cfg LogFileConfig) io.Closer {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if cfg.Path == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return rotator
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
