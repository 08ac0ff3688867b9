// Package metrics exposes Prometheus counters and gauges for RTSP
// connections, sessions, pipeline instances and RTP forwarding.
package metrics
