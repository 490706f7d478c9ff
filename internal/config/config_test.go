package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8081" {
		t.Errorf("expected default port 8081, got %s", cfg.Port)
	}
	if got := cfg.Brokers(); len(got) != 1 || got[0] != "localhost:9092" {
		t.Errorf("brokers = %v", got)
	}
	if cfg.RefillWorkers != 16 {
		t.Errorf("refill workers = %d", cfg.RefillWorkers)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("sample rate = %v", cfg.SampleRate)
	}
	if cfg.RateLimitRPS != 50 || cfg.RateLimitBurst != 100 {
		t.Errorf("rate limit = %v/%d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "PORT=9000\nKAFKA_BROKERS=a:9092, b:9092\nAPI_KEYS=k1:pharmacy-a,k2:clinic\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "9100")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9100" {
		t.Errorf("env should win over file, got port %s", cfg.Port)
	}
	if got := cfg.Brokers(); len(got) != 2 || got[1] != "b:9092" {
		t.Errorf("brokers = %v", got)
	}
	keys := cfg.APIKeyMap()
	if keys["k1"] != "pharmacy-a" || keys["k2"] != "clinic" {
		t.Errorf("api keys = %v", keys)
	}
}

func TestValidate(t *testing.T) {
	base := Config{LogLevel: "info", SampleRate: 1}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"development without backends", func(c *Config) {}, false},
		{"production requires database", func(c *Config) { c.Env = "production" }, true},
		{"production complete", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://localhost/rx"
			c.RedisURL = "redis://localhost:6379/0"
			c.APIKeys = "k:client"
		}, false},
		{"bad sample rate", func(c *Config) { c.SampleRate = 1.5 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"malformed api key", func(c *Config) { c.APIKeys = "no-client" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	c := &Config{LogLevel: "debug"}
	logger, err := c.Logger()
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Error("debug level should be enabled")
	}
}
