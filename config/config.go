// Package config loads linkcore settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the tunables for the linkcore components. Hosts that embed
// linkcore may build one directly instead of going through the environment.
type Config struct {
	// HTTP API
	APIBaseURL     string
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Streaming connection
	StreamURL    string
	PingInterval time.Duration

	// Presence
	HeartbeatInterval time.Duration
	ActivityPingGap   time.Duration
	PresencePageSize  int
}

func Default() Config {
	return Config{
		APIBaseURL:        "http://127.0.0.1:8080",
		RequestTimeout:    15 * time.Second,
		MaxAttempts:       3,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     30 * time.Second,
		StreamURL:         "ws://127.0.0.1:8080/stream",
		PingInterval:      25 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		ActivityPingGap:   10 * time.Second,
		PresencePageSize:  50,
	}
}

// Load reads configuration from the environment on top of the defaults.
// A .env file in the working directory is applied first when present.
func Load() Config {
	_ = godotenv.Load()

	cfg := Default()

	if v := os.Getenv("LINKCORE_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("LINKCORE_STREAM_URL"); v != "" {
		cfg.StreamURL = v
	}
	cfg.RequestTimeout = envDuration("LINKCORE_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.RetryBaseDelay = envDuration("LINKCORE_RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	cfg.RetryMaxDelay = envDuration("LINKCORE_RETRY_MAX_DELAY", cfg.RetryMaxDelay)
	cfg.PingInterval = envDuration("LINKCORE_PING_INTERVAL", cfg.PingInterval)
	cfg.HeartbeatInterval = envDuration("LINKCORE_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.ActivityPingGap = envDuration("LINKCORE_ACTIVITY_PING_GAP", cfg.ActivityPingGap)
	cfg.MaxAttempts = envInt("LINKCORE_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.PresencePageSize = envInt("LINKCORE_PRESENCE_PAGE_SIZE", cfg.PresencePageSize)

	return cfg
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
