// Package config provides configuration for the sync engine.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the engine configuration.
type Config struct {
	// Backend endpoints
	ServerURL string // REST base URL
	WSURL     string // duplex channel URL
	APIKey    string

	// Transport tunables
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	BackoffFloor      time.Duration
	BackoffCap        time.Duration

	// Multiplexer tunables
	SaveDebounce  time.Duration
	DuplexTimeout time.Duration
	PollInterval  time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		ServerURL:         getEnv("AGENTSYNC_SERVER_URL", "http://localhost:8080"),
		WSURL:             getEnv("AGENTSYNC_WS_URL", "ws://localhost:8080/ws"),
		APIKey:            getEnv("AGENTSYNC_API_KEY", ""),
		HeartbeatInterval: time.Duration(getEnvInt("AGENTSYNC_HEARTBEAT_MS", 25000)) * time.Millisecond,
		HandshakeTimeout:  time.Duration(getEnvInt("AGENTSYNC_HANDSHAKE_TIMEOUT_MS", 10000)) * time.Millisecond,
		BackoffFloor:      time.Duration(getEnvInt("AGENTSYNC_BACKOFF_FLOOR_MS", 1000)) * time.Millisecond,
		BackoffCap:        time.Duration(getEnvInt("AGENTSYNC_BACKOFF_CAP_MS", 30000)) * time.Millisecond,
		SaveDebounce:      time.Duration(getEnvInt("AGENTSYNC_SAVE_DEBOUNCE_MS", 500)) * time.Millisecond,
		DuplexTimeout:     time.Duration(getEnvInt("AGENTSYNC_DUPLEX_TIMEOUT_MS", 10000)) * time.Millisecond,
		PollInterval:      time.Duration(getEnvInt("AGENTSYNC_POLL_INTERVAL_MS", 3000)) * time.Millisecond,
		LogLevel:          getEnv("AGENTSYNC_LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
