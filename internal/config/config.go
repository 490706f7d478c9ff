// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds configuration shared by every binary
type Config struct {
	Port           string  `mapstructure:"PORT"`
	Env            string  `mapstructure:"ENV"`
	DatabaseURL    string  `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32   `mapstructure:"DB_MAX_CONNS"`
	RedisURL       string  `mapstructure:"REDIS_URL"`
	KafkaBrokers   string  `mapstructure:"KAFKA_BROKERS"`
	KafkaReplicas  int16   `mapstructure:"KAFKA_REPLICATION"`
	APIKeys        string  `mapstructure:"API_KEYS"`
	CORSOrigins    string  `mapstructure:"CORS_ORIGINS"`
	LogLevel       string  `mapstructure:"LOG_LEVEL"`
	OTLPEndpoint   string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	SampleRate     float64 `mapstructure:"TRACE_SAMPLE_RATE"`
	ServiceVersion string  `mapstructure:"SERVICE_VERSION"`
	RefillWorkers  int     `mapstructure:"REFILL_WORKERS"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "REDIS_URL",
	"KAFKA_BROKERS", "KAFKA_REPLICATION", "API_KEYS", "CORS_ORIGINS",
	"LOG_LEVEL", "OTEL_EXPORTER_OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"SERVICE_VERSION", "REFILL_WORKERS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// Load reads the environment, falling back to .env and then defaults
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8081")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_REPLICATION", 1)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("SERVICE_VERSION", "1.0.0")
	v.SetDefault("REFILL_WORKERS", 16)
	v.SetDefault("RATE_LIMIT_RPS", 50.0)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot run
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in production")
		}
		if len(c.APIKeyMap()) == 0 {
			return fmt.Errorf("API_KEYS is required in production")
		}
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.SampleRate)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	for _, pair := range splitList(c.APIKeys) {
		if !strings.Contains(pair, ":") {
			return fmt.Errorf("API_KEYS entry %q must be key:client", pair)
		}
	}
	return nil
}

// IsProduction returns true when ENV=production
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Brokers returns the Redpanda seed brokers
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// Origins returns the allowed CORS origins
func (c *Config) Origins() []string {
	return splitList(c.CORSOrigins)
}

// APIKeyMap parses API_KEYS ("key:client,key:client") into key -> client id
func (c *Config) APIKeyMap() map[string]string {
	m := make(map[string]string)
	for _, pair := range splitList(c.APIKeys) {
		key, client, ok := strings.Cut(pair, ":")
		if ok && key != "" {
			m[key] = client
		}
	}
	return m
}

// Logger builds a zap logger at the configured level. Development
// environments get the console encoder.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if !c.IsProduction() && level == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
