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
const DefaultConfigFile = "crowdgate.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
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

// loadEnv overlays environment variables onto cfg. Only non-empty env values
// override the current config. Platform instances are YAML-only.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CROWDGATE_PORT")
	setString(&cfg.Server.CORSOrigin, "CROWDGATE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CROWDGATE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CROWDGATE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CROWDGATE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CROWDGATE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CROWDGATE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "CROWDGATE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CROWDGATE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CROWDGATE_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "CROWDGATE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CROWDGATE_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "CROWDGATE_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "CROWDGATE_CACHE_TTL")
	setDuration(&cfg.Operator.Cooldown, "CROWDGATE_COOLDOWN")
	setDuration(&cfg.Operator.FinalizePoll, "CROWDGATE_FINALIZE_POLL")
	setInt(&cfg.Operator.FinalizeParallel, "CROWDGATE_FINALIZE_PARALLEL")
	setString(&cfg.Identity.WorkerParam, "CROWDGATE_WORKER_PARAM")
	setString(&cfg.Payment.SMTPHost, "CROWDGATE_SMTP_HOST")
	setInt(&cfg.Payment.SMTPPort, "CROWDGATE_SMTP_PORT")
	setString(&cfg.Payment.From, "CROWDGATE_SMTP_FROM")
	setString(&cfg.Payment.To, "CROWDGATE_PAYMENT_TO")
	setString(&cfg.Payment.Username, "CROWDGATE_SMTP_USERNAME")
	setString(&cfg.Payment.Password, "CROWDGATE_SMTP_PASSWORD")
	setBool(&cfg.Otel.Enabled, "CROWDGATE_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Operator.Cooldown < 0 {
		return errors.New("operator.cooldown must not be negative")
	}
	if cfg.Operator.FinalizePoll <= 0 {
		return errors.New("operator.finalize_poll must be positive")
	}
	if cfg.Identity.WorkerParam == "" {
		return errors.New("identity.worker_param is required")
	}
	seen := make(map[string]struct{}, len(cfg.Platforms))
	for i, p := range cfg.Platforms {
		if p.Driver == "" {
			return fmt.Errorf("platforms[%d].driver is required", i)
		}
		name := p.Name
		if name == "" {
			name = p.Driver
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("platforms[%d]: duplicate platform name %q", i, name)
		}
		seen[name] = struct{}{}
	}
	for i, n := range cfg.Notifiers {
		if n.Driver == "" {
			return fmt.Errorf("notifiers[%d].driver is required", i)
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

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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
