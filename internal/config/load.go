// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "EDGE"

// envKeys maps EDGE_* variable names (prefix stripped) to config keys.
// The config keys are camelCase, so a mechanical underscore-to-dot
// transform cannot derive them; the table is the contract.
var envKeys = map[string]string{
	"BASE_URL":                        "baseUrl",
	"GROUND_ID":                       "groundId",
	"CLIENT_LOGO_PATH":                "clientLogoPath",
	"PRIMARY_LOGO_PATH":               "primaryLogoPath",
	"STATE_DIR":                       "stateDir",
	"LOCK_FILE":                       "lockFile",
	"TRANSCODER_LOG_DIR":              "transcoderLogDir",
	"FFMPEG_PATH":                     "ffmpegPath",
	"FFPROBE_PATH":                    "ffprobePath",
	"SSE_RETRY_INTERVAL":              "sse.retryInterval",
	"SSE_MAX_RETRIES":                 "sse.maxRetries",
	"HEALTH_CHECK_INTERVAL":           "healthCheckInterval",
	"HEARTBEAT_INTERVAL":              "heartbeatInterval",
	"HEALTH_ADDR":                     "healthAddr",
	"TRANSCODER_RTMP_BASE":            "transcoder.rtmpBase",
	"TRANSCODER_VIDEO_BITRATE":        "transcoder.videoBitrate",
	"TRANSCODER_VIDEO_MAXRATE":        "transcoder.videoMaxrate",
	"TRANSCODER_VIDEO_BUFSIZE":        "transcoder.videoBufsize",
	"TRANSCODER_SCALE":                "transcoder.scale",
	"TRANSCODER_STALL_SAMPLES":        "transcoder.stallSamples",
	"LOG_LEVEL":                       "logLevel",
	"LOG_FILE":                        "logFile",
	"REMOTE_LOGGING_ENABLED":          "remoteLogging.enabled",
	"REMOTE_LOGGING_BATCH_SIZE":       "remoteLogging.batchSize",
	"REMOTE_LOGGING_BATCH_INTERVAL":   "remoteLogging.batchInterval",
	"REMOTE_LOGGING_MAX_MEMORY_USAGE": "remoteLogging.maxMemoryUsage",
	"REMOTE_LOGGING_RETRY_ATTEMPTS":   "remoteLogging.retryAttempts",
	"REMOTE_LOGGING_RETRY_DELAY":      "remoteLogging.retryDelay",
}

// Load reads path (when it exists) and applies EDGE_* overrides on top
// of the built-in defaults, then validates. Precedence, highest first:
// environment, file, defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix + "_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, EnvPrefix+"_")
			mapped, ok := envKeys[key]
			if !ok {
				// Unknown EDGE_* variables are ignored rather than
				// guessed into some config key.
				return "", nil
			}
			return mapped, value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
