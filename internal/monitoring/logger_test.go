package monitoring

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger(t *testing.T) {
	orig := Logf
	t.Cleanup(func() { Logf = orig })

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("hello %d", 1)
	require.Equal(t, []string{"hello 1"}, got)

	SetLogger(nil)
	Logf("dropped")
	assert.Len(t, got, 1)
}

func TestConfigureLogOutputWritesFile(t *testing.T) {
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	path := filepath.Join(t.TempDir(), "supervision.log")
	closer := ConfigureLogOutput(LogFileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1})
	log.Print("telemetry link up")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "telemetry link up")
}

func TestConfigureLogOutputStderrOnly(t *testing.T) {
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	closer := ConfigureLogOutput(LogFileConfig{})
	assert.NoError(t, closer.Close())
}

func TestLogfDefault(t *testing.T) {
	require.NotNil(t, Logf)
	assert.NotPanics(t, func() { Logf("test message: %s", "value") })
}
