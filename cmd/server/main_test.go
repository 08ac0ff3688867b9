package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abc789456123/rtsp-cctv/internal/config"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestInitLoggerLevels(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := initLogger(config.LoggingConfig{Level: tt.level, Format: "json", Output: "discard"})
			assert.True(t, logger.Enabled(context.Background(), tt.expected))
			assert.False(t, logger.Enabled(context.Background(), tt.expected-1))
		})
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Default()
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.Server.Port = l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg.Server.BindAddress = "127.0.0.1"
	cfg.Server.Transports = []string{"tcp"}
	cfg.Logging.Output = "discard"

	return cfg
}

func TestRunExitsWithoutGStreamer(t *testing.T) {
	cfg := testConfig(t)
	cfg.GStreamer.LaunchBinary = "gst-launch-does-not-exist-1.0"

	out := &syncBuffer{}
	assert.Equal(t, 1, run(cfg, out))
	assert.Empty(t, out.String())
}

func TestRunExitsOnBindFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig(t)
	cfg.GStreamer.LaunchBinary = "sh"
	cfg.Server.Port = l.Addr().(*net.TCPAddr).Port

	out := &syncBuffer{}
	assert.Equal(t, 1, run(cfg, out))
	assert.Empty(t, out.String())
}

func TestRunPrintsBannerAndStopsOnInterrupt(t *testing.T) {
	// any resolvable binary satisfies the startup check; no client connects
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	cfg := testConfig(t)
	cfg.GStreamer.LaunchBinary = "sh"

	banner := fmt.Sprintf("RTSP Test Server started\nURL: rtsp://localhost:%d/test\nPress Ctrl+C to stop\n", cfg.Server.Port)

	out := &syncBuffer{}
	exitCode := make(chan int, 1)
	go func() {
		exitCode <- run(cfg, out)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Press Ctrl+C to stop\n")
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, banner, out.String())

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGINT))

	select {
	case code := <-exitCode:
		assert.Equal(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop after interrupt")
	}

	assert.Equal(t, banner+"\nServer stopped\n", out.String())
}
