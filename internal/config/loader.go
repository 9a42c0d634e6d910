package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "tab.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	path := os.Getenv("TAB_CONFIG")
	if path == "" {
		path = DefaultConfigFile
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "TAB_PORT")
	setString(&cfg.Server.CORSOrigin, "TAB_CORS_ORIGIN")
	setString(&cfg.Logging.Level, "TAB_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TAB_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "TAB_LOG_ASYNC")
	setString(&cfg.Journal.Dir, "TAB_JOURNAL_DIR")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "TAB_RATE_RPS")
	setInt(&cfg.Rate.Burst, "TAB_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "TAB_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "TAB_RATE_MAX_IDLE_TIME")
	setInt(&cfg.Orchestrator.MaxParallel, "TAB_MAX_PARALLEL")
	setDuration(&cfg.Orchestrator.TurnDeadline, "TAB_TURN_DEADLINE")
	setDuration(&cfg.Orchestrator.SessionDeadline, "TAB_SESSION_DEADLINE")
	setInt(&cfg.Orchestrator.BreakerMaxFailures, "TAB_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Orchestrator.BreakerTimeout, "TAB_BREAKER_TIMEOUT")
	setInt(&cfg.Orchestrator.RetryMaxAttempts, "TAB_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Orchestrator.RetryInitialInterval, "TAB_RETRY_INITIAL_INTERVAL")
	setDuration(&cfg.Orchestrator.RetryMaxInterval, "TAB_RETRY_MAX_INTERVAL")
	setFloat64(&cfg.Convergence.SimilarityThreshold, "TAB_CONV_SIMILARITY_THRESHOLD")
	setInt(&cfg.Convergence.ShingleSize, "TAB_CONV_SHINGLE_SIZE")
	setInt(&cfg.Convergence.LookbackTurns, "TAB_CONV_LOOKBACK_TURNS")

	// JOURNAL_ROOT is the conventional location of rollout journals; apply
	// it to any rollout agent that does not pin its own root.
	if root := os.Getenv("JOURNAL_ROOT"); root != "" {
		for i := range cfg.Agents {
			if cfg.Agents[i].JournalRoot == "" {
				cfg.Agents[i].JournalRoot = root
			}
		}
	}
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Journal.Dir == "" {
		return errors.New("journal.dir is required")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Orchestrator.MaxParallel < 1 {
		return errors.New("orchestrator.max_parallel must be >= 1")
	}
	if cfg.Orchestrator.BreakerMaxFailures < 1 {
		return errors.New("orchestrator.breaker_max_failures must be >= 1")
	}
	for i := range cfg.Policies {
		if err := cfg.Policies[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
