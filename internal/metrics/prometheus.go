package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the RTSP test server
type Metrics struct {
	Registry *prometheus.Registry

	// RTSP connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ActiveSessions    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	RequestsRejected  *prometheus.CounterVec

	// Media instance metrics
	ActiveMedia      prometheus.Gauge
	MediaConstructed prometheus.Counter
	MediaFailures    *prometheus.CounterVec
	MediaLifetime    prometheus.Histogram
	PrepareDuration  prometheus.Histogram

	// RTP forwarding metrics
	RTPPacketsForwarded prometheus.Counter
	RTPBytesForwarded   prometheus.Counter
	RTPPacketErrors     prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on a dedicated registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtsp_active_connections",
			Help: "Current number of open RTSP connections",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_connections_total",
			Help: "Total number of accepted RTSP connections",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtsp_active_sessions",
			Help: "Current number of RTSP sessions",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_sessions_total",
			Help: "Total number of RTSP sessions created",
		}),
		RequestsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsp_requests_rejected_total",
			Help: "Total number of RTSP requests answered with an error status",
		}, []string{"method", "status_code"}),

		ActiveMedia: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtsp_active_media",
			Help: "Current number of running pipeline instances",
		}),
		MediaConstructed: f.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_media_constructed_total",
			Help: "Total number of pipeline instances constructed",
		}),
		MediaFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsp_media_failures_total",
			Help: "Total number of pipeline instances that failed",
		}, []string{"reason"}),
		MediaLifetime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtsp_media_lifetime_seconds",
			Help:    "Lifetime of pipeline instances",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		PrepareDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtsp_media_prepare_duration_seconds",
			Help:    "Time from pipeline start until the stream description is complete",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),

		RTPPacketsForwarded: f.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_rtp_packets_forwarded_total",
			Help: "Total number of RTP packets forwarded from pipelines to clients",
		}),
		RTPBytesForwarded: f.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_rtp_bytes_forwarded_total",
			Help: "Total number of RTP bytes forwarded from pipelines to clients",
		}),
		RTPPacketErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "rtsp_rtp_packet_errors_total",
			Help: "Total number of datagrams from pipelines that were not valid RTP",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsp_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rtsp_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsp_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionOpened counts a new RTSP connection
func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsTotal.Inc()
	m.ActiveConnections.Inc()
}

// RecordConnectionClosed decrements the open connections gauge
func (m *Metrics) RecordConnectionClosed() {
	m.ActiveConnections.Dec()
}

// RecordSessionOpened counts a new RTSP session
func (m *Metrics) RecordSessionOpened() {
	m.SessionsTotal.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionClosed decrements the sessions gauge
func (m *Metrics) RecordSessionClosed() {
	m.ActiveSessions.Dec()
}

// RecordRequestRejected records an RTSP request answered with an error
func (m *Metrics) RecordRequestRejected(method, statusCode string) {
	m.RequestsRejected.WithLabelValues(method, statusCode).Inc()
}

// RecordMediaConstructed records a pipeline instance start
func (m *Metrics) RecordMediaConstructed() {
	m.MediaConstructed.Inc()
	m.ActiveMedia.Inc()
}

// RecordMediaPrepared records how long the instance took to become playable
func (m *Metrics) RecordMediaPrepared(durationSeconds float64) {
	m.PrepareDuration.Observe(durationSeconds)
}

// RecordMediaStopped records a pipeline instance stop and its lifetime
func (m *Metrics) RecordMediaStopped(lifetimeSeconds float64) {
	m.ActiveMedia.Dec()
	m.MediaLifetime.Observe(lifetimeSeconds)
}

// RecordMediaFailure records a failed pipeline instance
func (m *Metrics) RecordMediaFailure(reason string) {
	m.MediaFailures.WithLabelValues(reason).Inc()
}

// RecordRTPPacket records a forwarded RTP packet
func (m *Metrics) RecordRTPPacket(sizeBytes int) {
	m.RTPPacketsForwarded.Inc()
	m.RTPBytesForwarded.Add(float64(sizeBytes))
}

// RecordRTPPacketError records a datagram that could not be decoded
func (m *Metrics) RecordRTPPacketError() {
	m.RTPPacketErrors.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
