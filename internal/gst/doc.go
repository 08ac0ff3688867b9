// Package gst adapts the GStreamer command-line launcher as the media
// framework: it resolves the launcher once at startup and runs one process
// per media instance.
package gst
