package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "tenancyd.yaml"

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

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "TENANCY_PORT")
	setString(&cfg.Server.CORSOrigin, "TENANCY_CORS_ORIGIN")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TENANCY_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TENANCY_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "TENANCY_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "TENANCY_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "TENANCY_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.Resolver.Strategy, "TENANCY_RESOLVER")
	setString(&cfg.Resolver.BaseDomain, "APP_DOMAIN")
	setString(&cfg.Resolver.AppURL, "APP_URL")
	setStrings(&cfg.Resolver.CentralDomains, "TENANCY_CENTRAL_DOMAINS")
	setString(&cfg.Resolver.PathPrefix, "TENANCY_PATH_PREFIX")

	setBool(&cfg.Cache.Enabled, "TENANCY_CACHE_ENABLED")
	setDuration(&cfg.Cache.TTL, "TENANCY_CACHE_TTL")
	setString(&cfg.Cache.Prefix, "TENANCY_CACHE_PREFIX")
	setInt64(&cfg.Cache.MaxSizeMB, "TENANCY_CACHE_SIZE_MB")

	setInt(&cfg.Connections.MaxOpen, "TENANCY_CONN_MAX_OPEN")
	setInt(&cfg.Connections.MinOpen, "TENANCY_CONN_MIN_OPEN")
	setDuration(&cfg.Connections.ConnectTimeout, "TENANCY_CONN_TIMEOUT")
	setDuration(&cfg.Connections.IdleTimeout, "TENANCY_CONN_IDLE_TIMEOUT")
	setString(&cfg.Connections.Driver, "DB_CONNECTION")
	setBool(&cfg.Connections.AutoCreate, "TENANCY_AUTO_CREATE_DB")
	setBool(&cfg.Connections.AutoDrop, "TENANCY_AUTO_DELETE_DB")
	setString(&cfg.Connections.Template.Host, "DB_HOST")
	setInt(&cfg.Connections.Template.Port, "DB_PORT")
	setString(&cfg.Connections.Template.Username, "DB_USERNAME")
	setString(&cfg.Connections.Template.Password, "DB_PASSWORD")
	setString(&cfg.Connections.Template.Charset, "DB_CHARSET")
	setString(&cfg.Connections.Template.Collation, "DB_COLLATION")

	setString(&cfg.Credentials.EncryptionKey, "TENANCY_ENCRYPTION_KEY")
	setString(&cfg.Credentials.SensitivePattern, "TENANCY_SENSITIVE_PATTERN")
	setDuration(&cfg.Credentials.ValidateTimeout, "TENANCY_VALIDATE_TIMEOUT")

	setString(&cfg.Logging.Level, "TENANCY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TENANCY_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "TENANCY_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "TENANCY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TENANCY_BREAKER_TIMEOUT")

	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setDuration(&cfg.Telemetry.Interval, "TENANCY_METRIC_INTERVAL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	switch cfg.Resolver.Strategy {
	case "domain", "subdomain", "path":
	default:
		return fmt.Errorf("resolver.strategy must be domain, subdomain or path, got %q", cfg.Resolver.Strategy)
	}
	if cfg.Connections.MaxOpen < 1 {
		return errors.New("connections.max_open must be >= 1")
	}
	if cfg.Cache.Enabled && cfg.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be positive when cache is enabled")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStrings(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
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
