package server

import (
	"time"
)

// RateLimitConfig defines the parameters for per-connection event rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the transport settings including security controls.
// StrokeRateLimit applies to drawing-point frames only, which arrive at
// pointer sampling rates; RateLimit covers every other frame.
type Config struct {
	Port            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	SendBuffer      int
	RateLimit       RateLimitConfig
	StrokeRateLimit RateLimitConfig
}

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 4096
	defaultSendBuffer     = 256
	defaultBurst          = 20

	defaultStrokeBurst    = 240
	defaultStrokeInterval = 2 * time.Second
)

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		SendBuffer:     defaultSendBuffer,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
		StrokeRateLimit: RateLimitConfig{
			Burst:          defaultStrokeBurst,
			RefillInterval: defaultStrokeInterval,
		},
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// sanitizeConfig fills zero or invalid values with defaults. The origin list
// is copied so later changes by the caller do not leak into a running server.
func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.StrokeRateLimit.Burst <= 0 {
		cfg.StrokeRateLimit.Burst = defaultStrokeBurst
	}

	if cfg.StrokeRateLimit.RefillInterval <= 0 {
		cfg.StrokeRateLimit.RefillInterval = defaultStrokeInterval
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}
