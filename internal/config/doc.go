// Package config provides the configuration record of the RTSP test server.
// The defaults are embedded YAML parsed and validated at startup; nothing is
// read from flags, files or the environment.
package config
