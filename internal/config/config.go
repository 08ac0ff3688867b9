package config

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Config represents the complete server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Mount     MountConfig     `yaml:"mount"`
	GStreamer GStreamerConfig `yaml:"gstreamer"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains RTSP listener configuration
type ServerConfig struct {
	BindAddress  string   `yaml:"bind_address"`
	Port         int      `yaml:"port"`
	Transports   []string `yaml:"transports"`
	UDPRTPPort   int      `yaml:"udp_rtp_port"`
	UDPRTCPPort  int      `yaml:"udp_rtcp_port"`
	ReadTimeout  int      `yaml:"read_timeout"`  // seconds
	WriteTimeout int      `yaml:"write_timeout"` // seconds
}

// MountConfig describes the single stream endpoint
type MountConfig struct {
	Path           string `yaml:"path"`
	Launch         string `yaml:"launch"`
	Shared         bool   `yaml:"shared"`
	PrepareTimeout int    `yaml:"prepare_timeout"` // seconds
	IdleTimeout    int    `yaml:"idle_timeout"`    // seconds
}

// GStreamerConfig contains the media framework launcher settings
type GStreamerConfig struct {
	LaunchBinary string `yaml:"launch_binary"`
	SinkHost     string `yaml:"sink_host"`
}

// HTTPConfig contains HTTP status API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration compiled into the binary.
// The server reads no flags, files or environment variables, so this is
// the only configuration it ever runs with.
func Default() (*Config, error) {
	return Parse(defaultYAML)
}

// Parse decodes and validates a YAML configuration document
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs validation of every configuration section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Mount.Validate(); err != nil {
		return fmt.Errorf("mount config: %w", err)
	}

	if err := c.GStreamer.Validate(); err != nil {
		return fmt.Errorf("gstreamer config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates RTSP listener configuration
func (s *ServerConfig) Validate() error {
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if len(s.Transports) == 0 {
		return fmt.Errorf("transports cannot be empty")
	}

	for _, t := range s.Transports {
		switch strings.ToLower(t) {
		case "udp", "tcp":
		default:
			return fmt.Errorf("transport must be 'udp' or 'tcp', got '%s'", t)
		}
	}

	if s.UDPEnabled() {
		if s.UDPRTPPort < 1 || s.UDPRTPPort > 65534 {
			return fmt.Errorf("udp_rtp_port must be between 1 and 65534, got %d", s.UDPRTPPort)
		}

		// RTP/RTCP pairs use an even port followed by the next odd one
		if s.UDPRTPPort%2 != 0 {
			return fmt.Errorf("udp_rtp_port must be even, got %d", s.UDPRTPPort)
		}

		if s.UDPRTCPPort != s.UDPRTPPort+1 {
			return fmt.Errorf("udp_rtcp_port must be udp_rtp_port+1 (%d), got %d", s.UDPRTPPort+1, s.UDPRTCPPort)
		}
	}

	if s.ReadTimeout < 1 {
		return fmt.Errorf("read_timeout must be at least 1 second, got %d", s.ReadTimeout)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	return nil
}

// Validate validates mount configuration
func (m *MountConfig) Validate() error {
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("path must start with '/', got '%s'", m.Path)
	}

	if strings.TrimSpace(m.Launch) == "" {
		return fmt.Errorf("launch cannot be empty")
	}

	if m.PrepareTimeout < 1 {
		return fmt.Errorf("prepare_timeout must be at least 1 second, got %d", m.PrepareTimeout)
	}

	if m.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", m.IdleTimeout)
	}

	return nil
}

// Validate validates launcher configuration
func (g *GStreamerConfig) Validate() error {
	if g.LaunchBinary == "" {
		return fmt.Errorf("launch_binary cannot be empty")
	}

	if g.SinkHost == "" {
		return fmt.Errorf("sink_host cannot be empty")
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// stdout is reserved for the operator messages
	if l.Output == "stdout" {
		return fmt.Errorf("output cannot be stdout")
	}

	return nil
}

// UDPEnabled reports whether RTP over UDP is offered to clients
func (s *ServerConfig) UDPEnabled() bool {
	return s.hasTransport("udp")
}

// TCPEnabled reports whether RTP interleaved over the RTSP connection is offered
func (s *ServerConfig) TCPEnabled() bool {
	return s.hasTransport("tcp")
}

func (s *ServerConfig) hasTransport(name string) bool {
	for _, t := range s.Transports {
		if strings.ToLower(t) == name {
			return true
		}
	}
	return false
}

// Address returns the RTSP listen address
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

// GetReadTimeoutDuration returns the RTSP read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the RTSP write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetPrepareTimeoutDuration returns the media prepare timeout as a time.Duration
func (m *MountConfig) GetPrepareTimeoutDuration() time.Duration {
	return time.Duration(m.PrepareTimeout) * time.Second
}

// GetIdleTimeoutDuration returns how long an unused shared media lingers
func (m *MountConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(m.IdleTimeout) * time.Second
}
