package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Env:                "development",
		APIURL:             "http://localhost:8080/api",
		HTTPTimeoutSeconds: 15,
		RateLimitRPS:       10,
		RateLimitBurst:     20,
		SessionBackend:     SessionBackendFile,
		SessionFile:        "session.json",
		DBMaxConns:         4,
		DBMinConns:         1,
		SandboxPort:        "8080",
		SandboxSigningKey:  devSigningKey,
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, k := range keys {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIURL != "http://localhost:8080/api" {
		t.Errorf("expected default API_URL, got %s", cfg.APIURL)
	}
	if cfg.SessionBackend != SessionBackendFile {
		t.Errorf("expected default session backend file, got %s", cfg.SessionBackend)
	}
	if cfg.HTTPTimeout() != 15*time.Second {
		t.Errorf("expected 15s timeout, got %s", cfg.HTTPTimeout())
	}
	if cfg.DBMaxConns != 4 || cfg.DBMinConns != 1 {
		t.Errorf("expected pool 1..4, got %d..%d", cfg.DBMinConns, cfg.DBMaxConns)
	}
	if cfg.SandboxSeed != 1 {
		t.Errorf("expected sandbox seed 1, got %d", cfg.SandboxSeed)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("API_URL", "https://hms.example.com/api")
	t.Setenv("SESSION_BACKEND", " Redis ")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIURL != "https://hms.example.com/api" {
		t.Errorf("API_URL = %s", cfg.APIURL)
	}
	if cfg.SessionBackend != SessionBackendRedis {
		t.Errorf("expected normalized backend redis, got %q", cfg.SessionBackend)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Errorf("RATE_LIMIT_RPS = %v", cfg.RateLimitRPS)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"memory backend", func(c *Config) { c.SessionBackend = SessionBackendMemory }, ""},
		{"relative api url", func(c *Config) { c.APIURL = "/api" }, "API_URL"},
		{"ftp api url", func(c *Config) { c.APIURL = "ftp://example.com/api" }, "API_URL"},
		{"zero timeout", func(c *Config) { c.HTTPTimeoutSeconds = 0 }, "HTTP_TIMEOUT_SECONDS"},
		{"negative rps", func(c *Config) { c.RateLimitRPS = -1 }, "RATE_LIMIT_RPS"},
		{"unknown backend", func(c *Config) { c.SessionBackend = "etcd" }, "SESSION_BACKEND"},
		{"file without path", func(c *Config) { c.SessionFile = "" }, "SESSION_FILE"},
		{"redis without url", func(c *Config) { c.SessionBackend = SessionBackendRedis }, "REDIS_URL"},
		{"redis with url", func(c *Config) {
			c.SessionBackend = SessionBackendRedis
			c.RedisURL = "redis://localhost:6379"
		}, ""},
		{"postgres without url", func(c *Config) { c.SessionBackend = SessionBackendPostgres }, "DATABASE_URL"},
		{"postgres bad pool", func(c *Config) {
			c.SessionBackend = SessionBackendPostgres
			c.DatabaseURL = "postgres://localhost/hms"
			c.DBMinConns = 8
		}, "pool size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfig_ValidateSandbox(t *testing.T) {
	c := validConfig()
	if err := c.ValidateSandbox(); err != nil {
		t.Fatalf("development defaults should validate: %v", err)
	}

	c.Env = "production"
	if err := c.ValidateSandbox(); err == nil {
		t.Error("expected error for default signing key in production")
	}

	c.SandboxSigningKey = "short"
	if err := c.ValidateSandbox(); err == nil {
		t.Error("expected error for short signing key")
	}

	c.SandboxSigningKey = "a-much-longer-production-signing-key"
	if err := c.ValidateSandbox(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}
