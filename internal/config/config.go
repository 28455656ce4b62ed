// Package config handles environment variable loading for the database URL,
// telemetry endpoints and supervision defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the application.
type Config struct {
	// Postgres connection string for the run history store. History is
	// disabled when empty.
	DatabaseURL string

	// OTLP/gRPC collector endpoint for traces. Tracing is disabled when empty.
	OTELEndpoint string

	// Port for the Prometheus /metrics endpoint during a run.
	MetricsPort int

	// Default bound on the recent-output buffer.
	RecentLines int

	// Output-log forwarding limit in lines per second. 0 disables throttling.
	LogRate float64

	// How long Stop waits for graceful termination before escalating.
	StopGrace time.Duration
}

// Load reads configuration from FORKGUARD_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:  os.Getenv("FORKGUARD_DATABASE_URL"),
		OTELEndpoint: os.Getenv("FORKGUARD_OTEL_ENDPOINT"),
		MetricsPort:  9464,
		RecentLines:  64,
		StopGrace:    5 * time.Second,
	}

	if s := os.Getenv("FORKGUARD_METRICS_PORT"); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid FORKGUARD_METRICS_PORT: %w", err)
		}
		cfg.MetricsPort = p
	}

	if s := os.Getenv("FORKGUARD_RECENT_LINES"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid FORKGUARD_RECENT_LINES: %w", err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("FORKGUARD_RECENT_LINES must be positive, got %d", n)
		}
		cfg.RecentLines = n
	}

	if s := os.Getenv("FORKGUARD_LOG_RATE"); s != "" {
		r, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid FORKGUARD_LOG_RATE: %w", err)
		}
		if r < 0 {
			return nil, fmt.Errorf("FORKGUARD_LOG_RATE must not be negative, got %v", r)
		}
		cfg.LogRate = r
	}

	if s := os.Getenv("FORKGUARD_STOP_GRACE"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid FORKGUARD_STOP_GRACE: %w", err)
		}
		cfg.StopGrace = d
	}

	return cfg, nil
}
