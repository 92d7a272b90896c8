package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Session persistence backends.
const (
	SessionBackendMemory   = "memory"
	SessionBackendFile     = "file"
	SessionBackendRedis    = "redis"
	SessionBackendPostgres = "postgres"
)

const devSigningKey = "hms-sandbox-development-key"

type Config struct {
	Env                string  `mapstructure:"ENV"`
	LogLevel           string  `mapstructure:"LOG_LEVEL"`
	APIURL             string  `mapstructure:"API_URL"`
	HTTPTimeoutSeconds int     `mapstructure:"HTTP_TIMEOUT_SECONDS"`
	RateLimitRPS       float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int     `mapstructure:"RATE_LIMIT_BURST"`
	SessionBackend     string  `mapstructure:"SESSION_BACKEND"`
	SessionFile        string  `mapstructure:"SESSION_FILE"`
	SessionNamespace   string  `mapstructure:"SESSION_NAMESPACE"`
	RedisURL           string  `mapstructure:"REDIS_URL"`
	DatabaseURL        string  `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32   `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32   `mapstructure:"DB_MIN_CONNS"`
	SandboxPort        string  `mapstructure:"SANDBOX_PORT"`
	SandboxSigningKey  string  `mapstructure:"SANDBOX_SIGNING_KEY"`
	SandboxSeed        int64   `mapstructure:"SANDBOX_SEED"`
}

var keys = []string{
	"ENV",
	"LOG_LEVEL",
	"API_URL",
	"HTTP_TIMEOUT_SECONDS",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"SESSION_BACKEND",
	"SESSION_FILE",
	"SESSION_NAMESPACE",
	"REDIS_URL",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"SANDBOX_PORT",
	"SANDBOX_SIGNING_KEY",
	"SANDBOX_SEED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("API_URL", "http://localhost:8080/api")
	v.SetDefault("HTTP_TIMEOUT_SECONDS", 15)
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("SESSION_BACKEND", SessionBackendFile)
	v.SetDefault("SESSION_FILE", ".hms-portal/session.json")
	v.SetDefault("SESSION_NAMESPACE", "hms-portal")
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("SANDBOX_PORT", "8080")
	v.SetDefault("SANDBOX_SIGNING_KEY", devSigningKey)
	v.SetDefault("SANDBOX_SEED", 1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.SessionBackend = strings.ToLower(strings.TrimSpace(cfg.SessionBackend))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// HTTPTimeout returns the per-request timeout of the API client.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// Validate checks the client configuration. The redis and postgres session
// backends need their connection URLs.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return fmt.Errorf("API_URL is not a valid URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API_URL must be an absolute http(s) URL, got %q", c.APIURL)
	}
	if c.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT_SECONDS must be positive, got %d", c.HTTPTimeoutSeconds)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}

	switch c.SessionBackend {
	case SessionBackendMemory:
	case SessionBackendFile:
		if c.SessionFile == "" {
			return fmt.Errorf("SESSION_FILE is required when SESSION_BACKEND is %q", SessionBackendFile)
		}
	case SessionBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_BACKEND is %q", SessionBackendRedis)
		}
	case SessionBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when SESSION_BACKEND is %q", SessionBackendPostgres)
		}
		if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("invalid pool size: DB_MIN_CONNS=%d DB_MAX_CONNS=%d", c.DBMinConns, c.DBMaxConns)
		}
	default:
		return fmt.Errorf("SESSION_BACKEND must be \"memory\", \"file\", \"redis\", or \"postgres\", got %q", c.SessionBackend)
	}

	return nil
}

// ValidateSandbox checks the settings used by the sandbox server.
func (c *Config) ValidateSandbox() error {
	if c.SandboxPort == "" {
		return fmt.Errorf("SANDBOX_PORT is required")
	}
	if len(c.SandboxSigningKey) < 16 {
		return fmt.Errorf("SANDBOX_SIGNING_KEY must be at least 16 bytes")
	}
	if !c.IsDev() && c.SandboxSigningKey == devSigningKey {
		return fmt.Errorf("SANDBOX_SIGNING_KEY must be changed outside development (ENV=%q)", c.Env)
	}
	return nil
}
