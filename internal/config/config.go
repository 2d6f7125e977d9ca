package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all tunables. Defaults match production behavior; every
// field can be overridden by environment variable.
type Config struct {
	ListenAddr string
	DBPath     string

	// Exponential smoothing factors for worker outcome blending.
	ResponseTimeAlpha float64 // weight of the newest response-time sample
	SuccessRateAlpha  float64 // weight of the newest success/failure sample

	// Worker health windows.
	StalenessWindow  time.Duration // heartbeat age beyond which a worker is unselectable
	DeactivateAfter  time.Duration // heartbeat age beyond which the sweep flips active=false
	JobTimeout       time.Duration // processing age beyond which the sweep times a job out
	SweepInterval    time.Duration
	StreamPollStep   time.Duration // client-facing chunk poll delay
	StreamWallClock  time.Duration // overall wait bound for a client response
	DashboardRecents int           // jobs included in a live-feed update
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		DBPath:            "./bridge.db",
		ResponseTimeAlpha: 0.2,
		SuccessRateAlpha:  0.1,
		StalenessWindow:   120 * time.Second,
		DeactivateAfter:   10 * time.Minute,
		JobTimeout:        300 * time.Second,
		SweepInterval:     30 * time.Second,
		StreamPollStep:    100 * time.Millisecond,
		StreamWallClock:   300 * time.Second,
		DashboardRecents:  50,
	}
}

// FromEnv returns the default configuration with environment overrides
// applied. Malformed values are ignored.
func FromEnv() Config {
	cfg := Default()
	if v := os.Getenv("BRIDGE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("BRIDGE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("BRIDGE_RESPONSE_TIME_ALPHA"), 64); err == nil && v > 0 && v <= 1 {
		cfg.ResponseTimeAlpha = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("BRIDGE_SUCCESS_RATE_ALPHA"), 64); err == nil && v > 0 && v <= 1 {
		cfg.SuccessRateAlpha = v
	}
	if d, err := time.ParseDuration(os.Getenv("BRIDGE_STALENESS_WINDOW")); err == nil {
		cfg.StalenessWindow = d
	}
	if d, err := time.ParseDuration(os.Getenv("BRIDGE_DEACTIVATE_AFTER")); err == nil {
		cfg.DeactivateAfter = d
	}
	if d, err := time.ParseDuration(os.Getenv("BRIDGE_JOB_TIMEOUT")); err == nil {
		cfg.JobTimeout = d
	}
	if d, err := time.ParseDuration(os.Getenv("BRIDGE_SWEEP_INTERVAL")); err == nil {
		cfg.SweepInterval = d
	}
	if d, err := time.ParseDuration(os.Getenv("BRIDGE_STREAM_WALL_CLOCK")); err == nil {
		cfg.StreamWallClock = d
	}
	return cfg
}
