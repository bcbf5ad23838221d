// SPDX-License-Identifier: MIT

// Package config loads and validates the agent configuration.
//
// Configuration comes from a YAML file with EDGE_* environment variable
// overrides. Required keys missing at startup are fatal; the agent
// never runs with a guessed control-plane URL or ground identity.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location for the configuration file.
const DefaultConfigPath = "/etc/edge-agent/config.yaml"

// Config is the complete agent configuration.
type Config struct {
	// BaseURL is the control-plane API root, e.g. https://api.example.com.
	BaseURL string `yaml:"baseUrl" koanf:"baseUrl"`

	// GroundID identifies this installation to the control plane.
	GroundID string `yaml:"groundId" koanf:"groundId"`

	// ClientLogoPath is the per-client overlay image. Required; the
	// transcoder refuses to start without it.
	ClientLogoPath string `yaml:"clientLogoPath" koanf:"clientLogoPath"`

	// PrimaryLogoPath is the platform overlay image.
	PrimaryLogoPath string `yaml:"primaryLogoPath" koanf:"primaryLogoPath"`

	// StateDir holds the per-stream record files.
	StateDir string `yaml:"stateDir" koanf:"stateDir"`

	// LockFile is the single-instance flock path.
	LockFile string `yaml:"lockFile" koanf:"lockFile"`

	// TranscoderLogDir receives per-court ffmpeg stderr logs. Empty
	// discards child stderr after scanning.
	TranscoderLogDir string `yaml:"transcoderLogDir" koanf:"transcoderLogDir"`

	FFmpegPath  string `yaml:"ffmpegPath" koanf:"ffmpegPath"`
	FFprobePath string `yaml:"ffprobePath" koanf:"ffprobePath"`

	SSE SSEConfig `yaml:"sse" koanf:"sse"`

	HealthCheckInterval time.Duration `yaml:"healthCheckInterval" koanf:"healthCheckInterval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeatInterval" koanf:"heartbeatInterval"`

	// HealthAddr enables the local status endpoint, e.g. 127.0.0.1:8099.
	// Empty disables it.
	HealthAddr string `yaml:"healthAddr" koanf:"healthAddr"`

	Transcoder TranscoderConfig `yaml:"transcoder" koanf:"transcoder"`

	LogLevel string `yaml:"logLevel" koanf:"logLevel"`
	LogFile  string `yaml:"logFile" koanf:"logFile"`

	RemoteLogging RemoteLoggingConfig `yaml:"remoteLogging" koanf:"remoteLogging"`
}

// SSEConfig tunes the control-plane subscription.
type SSEConfig struct {
	RetryInterval time.Duration `yaml:"retryInterval" koanf:"retryInterval"`
	MaxRetries    int           `yaml:"maxRetries" koanf:"maxRetries"`
}

// TranscoderConfig tunes the spawned ffmpeg processes.
type TranscoderConfig struct {
	RTMPBase     string `yaml:"rtmpBase" koanf:"rtmpBase"`
	VideoBitrate string `yaml:"videoBitrate" koanf:"videoBitrate"`
	VideoMaxrate string `yaml:"videoMaxrate" koanf:"videoMaxrate"`
	VideoBufsize string `yaml:"videoBufsize" koanf:"videoBufsize"`
	Scale        string `yaml:"scale" koanf:"scale"`
	StallSamples int    `yaml:"stallSamples" koanf:"stallSamples"`
}

// RemoteLoggingConfig tunes batched log shipping to the control plane.
type RemoteLoggingConfig struct {
	Enabled        bool          `yaml:"enabled" koanf:"enabled"`
	BatchSize      int           `yaml:"batchSize" koanf:"batchSize"`
	BatchInterval  time.Duration `yaml:"batchInterval" koanf:"batchInterval"`
	MaxMemoryUsage int           `yaml:"maxMemoryUsage" koanf:"maxMemoryUsage"`
	RetryAttempts  int           `yaml:"retryAttempts" koanf:"retryAttempts"`
	RetryDelay     time.Duration `yaml:"retryDelay" koanf:"retryDelay"`
}

// DefaultConfig returns the built-in defaults. Required identity keys
// (baseUrl, groundId, clientLogoPath) are intentionally left empty.
func DefaultConfig() *Config {
	return &Config{
		PrimaryLogoPath: "/opt/edge-agent/overlay.png",
		StateDir:        "/var/lib/edge-agent/streams",
		LockFile:        "/var/run/edge-agent.lock",
		FFmpegPath:      "ffmpeg",
		FFprobePath:     "ffprobe",
		SSE: SSEConfig{
			RetryInterval: time.Second,
			MaxRetries:    10,
		},
		HealthCheckInterval: 30 * time.Second,
		HeartbeatInterval:   60 * time.Second,
		Transcoder: TranscoderConfig{
			RTMPBase:     "rtmp://a.rtmp.youtube.com/live2",
			VideoBitrate: "4500k",
			VideoMaxrate: "5000k",
			VideoBufsize: "10000k",
			Scale:        "1920:1080",
			StallSamples: 10,
		},
		LogLevel: "info",
		RemoteLogging: RemoteLoggingConfig{
			BatchSize:      100,
			BatchInterval:  10 * time.Second,
			MaxMemoryUsage: 1 << 20,
			RetryAttempts:  3,
			RetryDelay:     2 * time.Second,
		},
	}
}

// Validate checks the configuration. The first violation is returned.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("baseUrl is required")
	}
	if c.GroundID == "" {
		return fmt.Errorf("groundId is required")
	}
	if c.ClientLogoPath == "" {
		return fmt.Errorf("clientLogoPath is required")
	}
	if _, err := os.Stat(c.ClientLogoPath); err != nil {
		return fmt.Errorf("clientLogoPath %q is not readable: %w", c.ClientLogoPath, err)
	}
	if c.PrimaryLogoPath == "" {
		return fmt.Errorf("primaryLogoPath is required")
	}
	if _, err := os.Stat(c.PrimaryLogoPath); err != nil {
		return fmt.Errorf("primaryLogoPath %q is not readable: %w", c.PrimaryLogoPath, err)
	}
	if c.StateDir == "" {
		return fmt.Errorf("stateDir cannot be empty")
	}
	if c.LockFile == "" {
		return fmt.Errorf("lockFile cannot be empty")
	}
	if c.SSE.RetryInterval <= 0 {
		return fmt.Errorf("sse.retryInterval must be positive")
	}
	if c.SSE.MaxRetries <= 0 {
		return fmt.Errorf("sse.maxRetries must be positive")
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("healthCheckInterval must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeatInterval must be positive")
	}
	if c.Transcoder.StallSamples <= 0 {
		return fmt.Errorf("transcoder.stallSamples must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel into a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logLevel %q is not one of debug, info, warn, error", c.LogLevel)
}

// Save writes the configuration to path atomically, world-readable.
// Used to seed an installation with the default file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
