// Package config provides hierarchical configuration loading for the bridge.
// Precedence: defaults < YAML file < environment variables.
package config

import (
	"time"

	"github.com/tab-bridge/tab/internal/domain/policy"
	"github.com/tab-bridge/tab/internal/port/agent"
)

// Config holds all runtime configuration for the bridge service.
type Config struct {
	Server       Server             `yaml:"server"`
	Logging      Logging            `yaml:"logging"`
	Journal      Journal            `yaml:"journal"`
	Postgres     Postgres           `yaml:"postgres"`
	NATS         NATS               `yaml:"nats"`
	Telemetry    Telemetry          `yaml:"telemetry"`
	Rate         Rate               `yaml:"rate"`
	Orchestrator Orchestrator       `yaml:"orchestrator"`
	Convergence  Convergence        `yaml:"convergence"`
	Agents       []agent.Descriptor `yaml:"agents"`
	Policies     []policy.Policy    `yaml:"policies"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Journal holds audit journal configuration.
type Journal struct {
	Dir string `yaml:"dir"`
}

// Postgres holds session store configuration. An empty DSN keeps sessions
// in memory only.
type Postgres struct {
	DSN string `yaml:"dsn"`
}

// NATS holds the approval channel configuration. An empty URL disables the
// channel; prompt-mode policies then block approval-required tools.
type NATS struct {
	URL string `yaml:"url"`
}

// Telemetry holds OTLP export configuration. An empty endpoint disables
// export.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Rate holds API rate limiter configuration.
type Rate struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
}

// Orchestrator holds turn loop tuning.
type Orchestrator struct {
	MaxParallel          int               `yaml:"max_parallel"`
	TurnDeadline         time.Duration     `yaml:"turn_deadline"`
	SessionDeadline      time.Duration     `yaml:"session_deadline"`
	BreakerMaxFailures   int               `yaml:"breaker_max_failures"`
	BreakerTimeout       time.Duration     `yaml:"breaker_timeout"`
	RetryMaxAttempts     int               `yaml:"retry_max_attempts"`
	RetryInitialInterval time.Duration     `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration     `yaml:"retry_max_interval"`
	Fallbacks            map[string]string `yaml:"fallbacks"`
}

// Convergence holds the dialogue convergence analyzer tuning.
type Convergence struct {
	SimilarityThreshold float64  `yaml:"similarity_threshold"`
	ShingleSize         int      `yaml:"shingle_size"`
	LookbackTurns       int      `yaml:"lookback_turns"`
	CompletionPhrases   []string `yaml:"completion_phrases"`
}

// Defaults returns a Config with sensible default values for local use.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "http://localhost:3000",
		},
		Logging: Logging{
			Level:   "info",
			Service: "tab",
		},
		Journal: Journal{
			Dir: "data/journal",
		},
		Rate: Rate{
			RequestsPerSecond: 10,
			Burst:             100,
			CleanupInterval:   time.Minute,
			MaxIdleTime:       10 * time.Minute,
		},
		Orchestrator: Orchestrator{
			MaxParallel:          4,
			TurnDeadline:         2 * time.Minute,
			SessionDeadline:      30 * time.Minute,
			BreakerMaxFailures:   5,
			BreakerTimeout:       time.Minute,
			RetryMaxAttempts:     3,
			RetryInitialInterval: 500 * time.Millisecond,
			RetryMaxInterval:     5 * time.Second,
		},
	}
}
