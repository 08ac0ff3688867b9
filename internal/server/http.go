package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abc789456123/rtsp-cctv/internal/config"
	"github.com/abc789456123/rtsp-cctv/internal/metrics"
	"github.com/abc789456123/rtsp-cctv/internal/stream"
)

const (
	serviceName    = "rtsp-cctv"
	serviceVersion = "1.0.0"
)

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server     *http.Server
	router     *gin.Engine
	logger     *slog.Logger
	config     *config.Config
	streamMgr  *stream.Manager
	rtspServer *RTSPServer
	metrics    *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, rtspServer *RTSPServer, m *metrics.Metrics) *HTTPServer {

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	h := &HTTPServer{
		router:     router,
		logger:     logger,
		config:     appConfig,
		streamMgr:  rtspServer.StreamManager(),
		rtspServer: rtspServer,
		metrics:    m,
		startTime:  time.Now(),
	}

	h.setupRoutes()

	h.server = &http.Server{
		Addr:         cfg.Address + ":" + strconv.Itoa(cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes() {
	api := h.router.Group("/", h.withMetrics())
	{
		api.GET("/", h.handleRoot)
		api.GET("/health", h.handleHealth)
		api.GET("/streams", h.handleStreams)
		api.GET("/streams/:name", h.handleStreamDetail)
		api.GET("/config", h.handleConfig)
		api.GET("/stats", h.handleStats)
	}

	// Prometheus metrics endpoint is not counted itself
	h.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{})))
}

// withMetrics records request count, latency and errors per route
func (h *HTTPServer) withMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := c.Writer.Status()

		h.metrics.RecordHTTPRequest(c.Request.Method, endpoint, strconv.Itoa(status), time.Since(startTime).Seconds())

		if status >= 400 {
			errorType := "client_error"
			if status >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(c.Request.Method, endpoint, errorType)
		}
	}
}

// Handler returns the router serving the API
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(c *gin.Context) {
	stats := h.rtspServer.GetStatistics()

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": gin.H{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": gin.H{
			"rtsp_server": gin.H{
				"status":            "running",
				"address":           h.config.Server.Address(),
				"connections_total": stats.Connections,
				"rejected_requests": stats.RejectedRequests,
			},
			"stream_manager": gin.H{
				"status":       "running",
				"active_media": stats.ActiveMedia,
			},
		},
	})
}

// handleStreams implements the /streams endpoint
func (h *HTTPServer) handleStreams(c *gin.Context) {
	mounts := h.streamMgr.Mounts()

	c.JSON(http.StatusOK, gin.H{
		"total_mounts": len(mounts),
		"timestamp":    time.Now().UTC(),
		"mounts":       mounts,
	})
}

// handleStreamDetail implements the /streams/{name} endpoint
func (h *HTTPServer) handleStreamDetail(c *gin.Context) {
	f, ok := h.streamMgr.Lookup(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "mount not found"})
		return
	}

	for _, info := range h.streamMgr.Mounts() {
		if info.Path == f.Path {
			c.JSON(http.StatusOK, info)
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "mount not found"})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(c *gin.Context) {
	cfg := h.config

	c.JSON(http.StatusOK, gin.H{
		"server": gin.H{
			"bind_address":  cfg.Server.BindAddress,
			"port":          cfg.Server.Port,
			"transports":    cfg.Server.Transports,
			"udp_rtp_port":  cfg.Server.UDPRTPPort,
			"udp_rtcp_port": cfg.Server.UDPRTCPPort,
			"read_timeout":  cfg.Server.ReadTimeout,
			"write_timeout": cfg.Server.WriteTimeout,
		},
		"mount": gin.H{
			"path":            cfg.Mount.Path,
			"launch":          cfg.Mount.Launch,
			"shared":          cfg.Mount.Shared,
			"prepare_timeout": cfg.Mount.PrepareTimeout,
			"idle_timeout":    cfg.Mount.IdleTimeout,
		},
		"gstreamer": gin.H{
			"launch_binary": cfg.GStreamer.LaunchBinary,
			"sink_host":     cfg.GStreamer.SinkHost,
		},
		"logging": gin.H{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"rtsp":      h.rtspServer.GetStatistics(),
		"streams": gin.H{
			"active_count": h.streamMgr.GetActiveMediaCount(),
		},
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "RTSP test stream server",
		"version": serviceVersion,
		"endpoints": gin.H{
			"GET /":               "API documentation",
			"GET /health":         "Service health check",
			"GET /streams":        "List mounts and their media",
			"GET /streams/{name}": "Get one mount",
			"GET /config":         "Get service configuration",
			"GET /stats":          "Get service statistics",
			"GET /metrics":        "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
