package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kevinnz/SSTV-MEL-sub001/audio_extensions/sstv"
)

// Config represents the application configuration
type Config struct {
	Decoder    DecoderConfig    `yaml:"decoder"`
	Output     OutputConfig     `yaml:"output"`
	Server     ServerConfig     `yaml:"server"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// DecoderConfig holds the SSTV session settings shared by every command.
// Pointer fields distinguish "not set" from false so the session defaults
// survive a partial config file.
type DecoderConfig struct {
	ForcedMode      string  `yaml:"forced_mode"`       // Skip VIS and decode this mode (e.g. "PD120", "R36")
	PhaseOffsetMs   float64 `yaml:"phase_offset_ms"`   // Constant horizontal shift per line
	SkewMsPerLine   float64 `yaml:"skew_ms_per_line"`  // Initial drift correction
	AutoSkew        *bool   `yaml:"auto_skew"`         // Fit skew from sync pulses (default: true)
	Adaptive        *bool   `yaml:"adaptive"`          // SNR-driven demod windows (default: true)
	DecodeFSKID     *bool   `yaml:"decode_fsk_id"`     // Look for a callsign after the image (default: true)
	VISLayout       string  `yaml:"vis_layout"`        // "eight_bit" (default) or "classic"
	MaxSyncMisses   int     `yaml:"max_sync_misses"`   // Consecutive missing pulses before giving up (default: 4)
	SyncToleranceMs float64 `yaml:"sync_tolerance_ms"` // Per-line sync search half width (default: 4)
	NoiseFloor      float64 `yaml:"noise_floor"`       // Mean-square level treated as silence (default: 1e-7)
	Redraw          bool    `yaml:"redraw"`            // Decode a second time with the fitted timing
}

// OutputConfig controls where batch decodes are written
type OutputConfig struct {
	Dir         string `yaml:"dir"`          // Directory for decoded PNGs (default: ".")
	SavePartial bool   `yaml:"save_partial"` // Write images that ended early
}

// ServerConfig contains the streaming server settings
type ServerConfig struct {
	Listen            string   `yaml:"listen"`              // HTTP listen address (default: ":8090")
	MaxSessions       int      `yaml:"max_sessions"`        // Concurrent decode sessions (default: 8)
	DefaultSampleRate int      `yaml:"default_sample_rate"` // Used when a client does not announce one (default: 12000)
	Compression       bool     `yaml:"compression"`         // zstd-compress outbound protocol frames
	AllowedOrigins    []string `yaml:"allowed_origins"`     // WebSocket origins accepted (empty = any)
	MaxSessionTime    int      `yaml:"max_session_time"`    // Seconds before a session is closed (0 = unlimited)
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled      bool              `yaml:"enabled"`       // Enable/disable Prometheus metrics endpoint
	AllowedHosts []string          `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics
	Pushgateway  PushgatewayConfig `yaml:"pushgateway"`   // Pushgateway configuration

	allowedNets []*net.IPNet // Parsed CIDR networks (internal use)
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`  // Push after each batch decode and periodically when serving
	URL      string `yaml:"url"`      // Pushgateway URL (e.g., http://pushgateway:9091)
	Job      string `yaml:"job"`      // Job name (default: "sstv")
	Instance string `yaml:"instance"` // Instance label and basic auth username
	Token    string `yaml:"token"`    // Basic auth password
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`          // Enable/disable MQTT publishing
	Broker          string        `yaml:"broker"`           // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username        string        `yaml:"username"`         // MQTT authentication username
	Password        string        `yaml:"password"`         // MQTT authentication password
	TopicPrefix     string        `yaml:"topic_prefix"`     // Topic prefix for events and metrics
	PublishInterval int           `yaml:"publish_interval"` // Metrics snapshot interval in seconds (0 = events only)
	QoS             byte          `yaml:"qos"`              // MQTT Quality of Service level (0, 1, or 2)
	Retain          bool          `yaml:"retain"`           // Retain flag for MQTT messages
	TLS             MQTTTLSConfig `yaml:"tls"`              // TLS/SSL settings
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`     // Enable/disable TLS
	CACert     string `yaml:"ca_cert"`     // Path to CA certificate file
	ClientCert string `yaml:"client_cert"` // Path to client certificate file (optional)
	ClientKey  string `yaml:"client_key"`  // Path to client key file (optional)
}

// DefaultAppConfig is used when no config file exists.
func DefaultAppConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Parse Prometheus allowed hosts IPs/CIDRs
	if config.Prometheus.Enabled {
		if err := config.Prometheus.parseAllowedHosts(); err != nil {
			return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
		}
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Decoder.MaxSyncMisses == 0 {
		c.Decoder.MaxSyncMisses = 4
	}
	if c.Decoder.SyncToleranceMs == 0 {
		c.Decoder.SyncToleranceMs = 4
	}
	if c.Decoder.NoiseFloor == 0 {
		c.Decoder.NoiseFloor = 1e-7
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "."
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8090"
	}
	if c.Server.MaxSessions == 0 {
		c.Server.MaxSessions = 8
	}
	if c.Server.DefaultSampleRate == 0 {
		c.Server.DefaultSampleRate = 12000
	}
	if c.Prometheus.Pushgateway.Job == "" {
		c.Prometheus.Pushgateway.Job = "sstv"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "sstv"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Decoder.ForcedMode != "" {
		if _, err := sstv.ModeByName(c.Decoder.ForcedMode); err != nil {
			return fmt.Errorf("decoder.forced_mode: %w", err)
		}
	}
	if _, err := sstv.ParseVISLayout(c.Decoder.VISLayout); err != nil {
		return fmt.Errorf("decoder.vis_layout: %w", err)
	}
	if c.Decoder.MaxSyncMisses < 0 {
		return fmt.Errorf("decoder.max_sync_misses must be >= 0")
	}
	if c.Decoder.SyncToleranceMs < 0 {
		return fmt.Errorf("decoder.sync_tolerance_ms must be positive")
	}
	if c.Server.MaxSessions < 1 {
		return fmt.Errorf("server.max_sessions must be at least 1")
	}
	if c.Server.DefaultSampleRate < 8000 {
		return fmt.Errorf("server.default_sample_rate must be at least 8000")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.Prometheus.Pushgateway.Enabled && c.Prometheus.Pushgateway.URL == "" {
		return fmt.Errorf("prometheus.pushgateway.url is required when the pushgateway is enabled")
	}
	return nil
}

// SessionConfig builds the decoder configuration for one stream.
func (d DecoderConfig) SessionConfig(sampleRate float64, debug bool) (sstv.Config, error) {
	cfg := sstv.DefaultConfig(sampleRate)
	cfg.ForcedMode = strings.TrimSpace(d.ForcedMode)
	cfg.PhaseOffsetMs = d.PhaseOffsetMs
	cfg.SkewMsPerLine = d.SkewMsPerLine
	if d.AutoSkew != nil {
		cfg.AutoSkew = *d.AutoSkew
	}
	if d.Adaptive != nil {
		cfg.Adaptive = *d.Adaptive
	}
	if d.DecodeFSKID != nil {
		cfg.DecodeFSKID = *d.DecodeFSKID
	}
	layout, err := sstv.ParseVISLayout(d.VISLayout)
	if err != nil {
		return cfg, err
	}
	cfg.VISLayout = layout
	if d.MaxSyncMisses > 0 {
		cfg.MaxSyncMisses = d.MaxSyncMisses
	}
	if d.SyncToleranceMs > 0 {
		cfg.SyncToleranceMs = d.SyncToleranceMs
	}
	if d.NoiseFloor > 0 {
		cfg.NoiseFloor = d.NoiseFloor
	}
	cfg.Debug = debug
	return cfg, cfg.Validate()
}

// ExtensionParams renders the decoder settings as the parameter map the
// sstv extension accepts, so server sessions start from the file's values.
func (d DecoderConfig) ExtensionParams() map[string]interface{} {
	params := map[string]interface{}{
		"forced_mode":      d.ForcedMode,
		"phase_offset_ms":  d.PhaseOffsetMs,
		"skew_ms_per_line": d.SkewMsPerLine,
	}
	if d.VISLayout != "" {
		params["vis_layout"] = d.VISLayout
	}
	if d.AutoSkew != nil {
		params["auto_skew"] = *d.AutoSkew
	}
	if d.Adaptive != nil {
		params["adaptive"] = *d.Adaptive
	}
	if d.DecodeFSKID != nil {
		params["decode_fsk_id"] = *d.DecodeFSKID
	}
	return params
}

// parseAllowedHosts parses the allowed_hosts list into CIDR networks
func (pc *PrometheusConfig) parseAllowedHosts() error {
	pc.allowedNets = make([]*net.IPNet, 0, len(pc.AllowedHosts))

	for _, ipStr := range pc.AllowedHosts {
		// Check if it's a CIDR notation
		if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			pc.allowedNets = append(pc.allowedNets, ipNet)
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP or CIDR: %s", ipStr)
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		pc.allowedNets = append(pc.allowedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}

	return nil
}

// IsIPAllowed checks if an IP address is in the allowed hosts list.
// An empty list allows everyone.
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	if len(pc.allowedNets) == 0 {
		return len(pc.AllowedHosts) == 0
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	for _, ipNet := range pc.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}

	return false
}
