// Package server implements the RTSP server that answers clients for the
// configured mount, and the optional HTTP API exposing health, mounts,
// statistics and Prometheus metrics.
package server
