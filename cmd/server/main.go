package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/abc789456123/rtsp-cctv/internal/config"
	"github.com/abc789456123/rtsp-cctv/internal/gst"
	"github.com/abc789456123/rtsp-cctv/internal/metrics"
	"github.com/abc789456123/rtsp-cctv/internal/server"
	"github.com/abc789456123/rtsp-cctv/internal/stream"
)

const (
	serviceName    = "rtsp-cctv"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.Default()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	os.Exit(run(cfg, os.Stdout))
}

// run starts the server, prints the banner to out and blocks until an
// interrupt arrives. It returns the process exit code.
func run(cfg *config.Config, out io.Writer) int {
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
	)

	logger.Info("Configuration loaded",
		slog.String("rtsp_address", cfg.Server.Address()),
		slog.Any("transports", cfg.Server.Transports),
		slog.String("mount_path", cfg.Mount.Path),
		slog.Bool("shared", cfg.Mount.Shared),
		slog.String("launch_binary", cfg.GStreamer.LaunchBinary),
		slog.String("log_level", cfg.Logging.Level),
	)

	launcher := gst.NewLauncher(cfg.GStreamer.LaunchBinary, logger)
	if err := launcher.Init(); err != nil {
		logger.Error("GStreamer is not available", slog.String("error", err.Error()))
		return 1
	}

	appMetrics := metrics.NewMetrics()

	rtspServer, err := server.NewRTSPServer(cfg, logger, stream.GstLaunch(launcher), appMetrics)
	if err != nil {
		logger.Error("Failed to create RTSP server", slog.String("error", err.Error()))
		return 1
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, rtspServer, appMetrics)
	}

	// Subscribe before listening so an early interrupt is not lost
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)

	if err := rtspServer.Start(); err != nil {
		logger.Error("Failed to start RTSP server", slog.String("error", err.Error()))
		rtspServer.StreamManager().Stop()
		return 1
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			rtspServer.Stop()
			return 1
		}
	}

	fmt.Fprintln(out, "RTSP Test Server started")
	fmt.Fprintf(out, "URL: rtsp://localhost:%d%s\n", cfg.Server.Port, cfg.Mount.Path)
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		shutdownCancel()
	}

	if err := rtspServer.Stop(); err != nil {
		logger.Error("Error stopping RTSP server", slog.String("error", err.Error()))
	}

	fmt.Fprintln(out, "\nServer stopped")
	logger.Info("Service stopped")

	return 0
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// stdout carries only the banner
	var output io.Writer
	switch cfg.Output {
	case "stderr", "":
		output = os.Stderr
	case "discard":
		output = io.Discard
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stderr\n", cfg.Output, err)
			output = os.Stderr
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
