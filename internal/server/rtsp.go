package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"

	"github.com/abc789456123/rtsp-cctv/internal/config"
	"github.com/abc789456123/rtsp-cctv/internal/metrics"
	"github.com/abc789456123/rtsp-cctv/internal/stream"
)

// RTSPServer answers RTSP clients for the configured mount
type RTSPServer struct {
	server    *gortsplib.Server
	config    *config.ServerConfig
	logger    *slog.Logger
	streamMgr *stream.Manager
	metrics   *metrics.Metrics

	startTime time.Time

	// Basic counters
	connections      uint64
	sessions         uint64
	describes        uint64
	setups           uint64
	plays            uint64
	rejectedRequests uint64
	mu               sync.RWMutex
}

// ServerStatistics represents RTSP server counters
type ServerStatistics struct {
	Uptime           string `json:"uptime"`
	Connections      uint64 `json:"connections_total"`
	Sessions         uint64 `json:"sessions_total"`
	Describes        uint64 `json:"describes"`
	Setups           uint64 `json:"setups"`
	Plays            uint64 `json:"plays"`
	RejectedRequests uint64 `json:"rejected_requests"`
	ActiveMedia      uint64 `json:"active_media"`
}

// NewRTSPServer creates the RTSP server together with its stream manager and
// registers the configured mount. Pipelines are started through launch.
func NewRTSPServer(cfg *config.Config, logger *slog.Logger, launch stream.LaunchFunc, m *metrics.Metrics) (*RTSPServer, error) {
	s := &RTSPServer{
		config:  &cfg.Server,
		logger:  logger,
		metrics: m,
	}

	s.server = s.newServer(cfg.Server.UDPEnabled())

	s.streamMgr = stream.NewManager(logger, m, launch, s.newSink, stream.ManagerConfig{
		SinkHost:       cfg.GStreamer.SinkHost,
		PrepareTimeout: cfg.Mount.GetPrepareTimeoutDuration(),
		IdleTimeout:    cfg.Mount.GetIdleTimeoutDuration(),
	})

	if err := s.streamMgr.Mount(cfg.Mount.Path, cfg.Mount.Launch, cfg.Mount.Shared); err != nil {
		s.streamMgr.Stop()
		return nil, err
	}

	return s, nil
}

// newServer builds the protocol server, with UDP listeners when udp is set
func (s *RTSPServer) newServer(udp bool) *gortsplib.Server {
	srv := &gortsplib.Server{
		Handler:      s,
		RTSPAddress:  s.config.Address(),
		ReadTimeout:  s.config.GetReadTimeoutDuration(),
		WriteTimeout: s.config.GetWriteTimeoutDuration(),
	}
	if udp {
		srv.UDPRTPAddress = fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPRTPPort)
		srv.UDPRTCPAddress = fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPRTCPPort)
	}
	return srv
}

// newSink binds a prepared media description to this server
func (s *RTSPServer) newSink(desc *description.Session) stream.Sink {
	return gortsplib.NewServerStream(s.server, desc)
}

// StreamManager returns the manager holding the mount and its media
func (s *RTSPServer) StreamManager() *stream.Manager {
	return s.streamMgr
}

// Start begins listening for RTSP connections. When the UDP ports cannot be
// bound and TCP is enabled, it serves RTP over TCP only.
func (s *RTSPServer) Start() error {
	err := s.server.Start()
	if err != nil && s.server.UDPRTPAddress != "" && s.config.TCPEnabled() {
		s.logger.Warn("UDP transport unavailable, serving RTP over TCP only",
			slog.String("udp_rtp_address", s.server.UDPRTPAddress),
			slog.String("udp_rtcp_address", s.server.UDPRTCPAddress),
			slog.String("error", err.Error()),
		)
		s.server = s.newServer(false)
		err = s.server.Start()
	}
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.RTSPAddress, err)
	}

	s.mu.Lock()
	s.startTime = time.Now()
	s.mu.Unlock()

	s.logger.Info("RTSP server started",
		slog.String("address", s.server.RTSPAddress),
		slog.Bool("udp", s.UDPActive()),
		slog.Bool("tcp", s.config.TCPEnabled()),
	)

	return nil
}

// UDPActive reports whether RTP over UDP is being offered
func (s *RTSPServer) UDPActive() bool {
	return s.server.UDPRTPAddress != ""
}

// Stop closes every connection and stops all media
func (s *RTSPServer) Stop() error {
	s.logger.Info("Stopping RTSP server...")

	s.server.Close()
	s.streamMgr.Stop()

	stats := s.GetStatistics()
	s.logger.Info("RTSP server stopped",
		slog.Uint64("connections_total", stats.Connections),
		slog.Uint64("sessions_total", stats.Sessions),
		slog.Uint64("rejected_requests", stats.RejectedRequests),
	)

	return nil
}

// OnConnOpen implements gortsplib.ServerHandlerOnConnOpen
func (s *RTSPServer) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	s.mu.Lock()
	s.connections++
	s.mu.Unlock()

	s.metrics.RecordConnectionOpened()
	s.logger.Debug("RTSP connection opened", slog.String("remote_addr", ctx.Conn.NetConn().RemoteAddr().String()))
}

// OnConnClose implements gortsplib.ServerHandlerOnConnClose
func (s *RTSPServer) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	s.streamMgr.ReleaseOwner(ctx.Conn)

	s.metrics.RecordConnectionClosed()
	s.logger.Debug("RTSP connection closed",
		slog.String("remote_addr", ctx.Conn.NetConn().RemoteAddr().String()),
		slog.String("reason", errorString(ctx.Error)),
	)
}

// OnSessionOpen implements gortsplib.ServerHandlerOnSessionOpen
func (s *RTSPServer) OnSessionOpen(ctx *gortsplib.ServerHandlerOnSessionOpenCtx) {
	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()

	s.metrics.RecordSessionOpened()
	s.logger.Debug("RTSP session opened", slog.String("remote_addr", ctx.Conn.NetConn().RemoteAddr().String()))
}

// OnSessionClose implements gortsplib.ServerHandlerOnSessionClose
func (s *RTSPServer) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	s.streamMgr.ReleaseOwner(ctx.Session)

	s.metrics.RecordSessionClosed()
	s.logger.Debug("RTSP session closed", slog.String("reason", errorString(ctx.Error)))
}

// OnDescribe implements gortsplib.ServerHandlerOnDescribe
func (s *RTSPServer) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	s.mu.Lock()
	s.describes++
	s.mu.Unlock()

	s.logger.Info("DESCRIBE request",
		slog.String("path", ctx.Path),
		slog.String("remote_addr", ctx.Conn.NetConn().RemoteAddr().String()),
	)

	// the describing connection holds the media until it closes or a
	// session takes it over
	return s.serve(ctx.Request.Method, ctx.Path, ctx.Conn)
}

// OnSetup implements gortsplib.ServerHandlerOnSetup
func (s *RTSPServer) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	s.mu.Lock()
	s.setups++
	s.mu.Unlock()

	if ctx.Transport == gortsplib.TransportTCP && !s.config.TCPEnabled() {
		return s.reject(ctx.Request.Method, base.StatusUnsupportedTransport), nil, nil
	}

	if f, ok := s.streamMgr.Lookup(ctx.Path); ok && !f.Shared {
		s.streamMgr.Transfer(ctx.Conn, ctx.Session)
	}

	return s.serve(ctx.Request.Method, ctx.Path, ctx.Session)
}

// OnPlay implements gortsplib.ServerHandlerOnPlay
func (s *RTSPServer) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	s.mu.Lock()
	s.plays++
	s.mu.Unlock()

	s.logger.Info("PLAY request",
		slog.String("path", ctx.Path),
		slog.String("remote_addr", ctx.Conn.NetConn().RemoteAddr().String()),
	)

	return &base.Response{StatusCode: base.StatusOK}, nil
}

// serve acquires the media mounted at path for owner and returns its stream
func (s *RTSPServer) serve(method base.Method, path string, owner any) (*base.Response, *gortsplib.ServerStream, error) {
	media, err := s.streamMgr.Acquire(context.Background(), path, owner)
	if err != nil {
		if errors.Is(err, stream.ErrMountNotFound) {
			s.logger.Warn("No mount for requested path", slog.String("path", path))
			return s.reject(method, base.StatusNotFound), nil, nil
		}

		s.logger.Error("Failed to prepare media",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return s.reject(method, base.StatusServiceUnavailable), nil, nil
	}

	ss, ok := media.Sink().(*gortsplib.ServerStream)
	if !ok {
		// media stopped between prepare and now
		s.streamMgr.Release(media, owner)
		return s.reject(method, base.StatusServiceUnavailable), nil, nil
	}

	return &base.Response{StatusCode: base.StatusOK}, ss, nil
}

func (s *RTSPServer) reject(method base.Method, code base.StatusCode) *base.Response {
	s.mu.Lock()
	s.rejectedRequests++
	s.mu.Unlock()

	s.metrics.RecordRequestRejected(string(method), strconv.Itoa(int(code)))
	return &base.Response{StatusCode: code}
}

// GetStatistics returns current server statistics
func (s *RTSPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uptime time.Duration
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}

	return ServerStatistics{
		Uptime:           uptime.String(),
		Connections:      s.connections,
		Sessions:         s.sessions,
		Describes:        s.describes,
		Setups:           s.setups,
		Plays:            s.plays,
		RejectedRequests: s.rejectedRequests,
		ActiveMedia:      uint64(s.streamMgr.GetActiveMediaCount()),
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
