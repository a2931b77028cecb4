package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	StoreDriver         string        `mapstructure:"STORE_DRIVER"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	FacetCacheTTL       time.Duration `mapstructure:"FACET_CACHE_TTL"`
	AuthIssuer          string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience        string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL         string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey      string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	BurstWindow         time.Duration `mapstructure:"BURST_WINDOW"`
	SessionWindow       time.Duration `mapstructure:"SESSION_WINDOW"`
	ReportTimeout       time.Duration `mapstructure:"REPORT_TIMEOUT"`
	ReportFallback      time.Duration `mapstructure:"REPORT_FALLBACK_TIMEOUT"`
	FailedLoginLimit    int           `mapstructure:"FAILED_LOGIN_THRESHOLD"`
	FailedLoginHigh     int           `mapstructure:"FAILED_LOGIN_HIGH_THRESHOLD"`
	IngestRPS           float64       `mapstructure:"INGEST_RATE_LIMIT_RPS"`
	IngestBurst         int           `mapstructure:"INGEST_RATE_LIMIT_BURST"`
	RecorderBuffer      int           `mapstructure:"RECORDER_BUFFER"`
	KafkaBrokers        []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic          string        `mapstructure:"AUDIT_KAFKA_TOPIC"`
	KafkaGroup          string        `mapstructure:"KAFKA_GROUP"`
	ReportableResources []string      `mapstructure:"REPORTABLE_RESOURCES"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "STORE_DRIVER",
	"REDIS_URL", "FACET_CACHE_TTL", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"AUTH_SIGNING_KEY", "CORS_ORIGINS", "BURST_WINDOW", "SESSION_WINDOW",
	"REPORT_TIMEOUT", "REPORT_FALLBACK_TIMEOUT", "FAILED_LOGIN_THRESHOLD",
	"FAILED_LOGIN_HIGH_THRESHOLD", "INGEST_RATE_LIMIT_RPS", "INGEST_RATE_LIMIT_BURST",
	"RECORDER_BUFFER", "KAFKA_BROKERS", "AUDIT_KAFKA_TOPIC", "KAFKA_GROUP",
	"REPORTABLE_RESOURCES",
}

// Load reads the environment and an optional .env file in the working
// directory. It does not validate; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("FACET_CACHE_TTL", "5m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BURST_WINDOW", "30s")
	v.SetDefault("SESSION_WINDOW", "5m")
	v.SetDefault("REPORT_TIMEOUT", "15s")
	v.SetDefault("REPORT_FALLBACK_TIMEOUT", "10s")
	v.SetDefault("FAILED_LOGIN_THRESHOLD", 5)
	v.SetDefault("FAILED_LOGIN_HIGH_THRESHOLD", 10)
	v.SetDefault("INGEST_RATE_LIMIT_RPS", 50)
	v.SetDefault("INGEST_RATE_LIMIT_BURST", 100)
	v.SetDefault("RECORDER_BUFFER", 1024)
	v.SetDefault("AUDIT_KAFKA_TOPIC", "audit.events")
	v.SetDefault("KAFKA_GROUP", "audittrail")

	// Unmarshal only sees env vars that are bound explicitly.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// list values arrive from the environment as one comma-separated string
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.ReportableResources = splitList(v.GetString("REPORTABLE_RESOURCES"))
	return cfg, nil
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

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesJWT reports whether requests must carry a bearer token. Development
// without an issuer falls back to the X-Dev-User header.
func (c *Config) UsesJWT() bool {
	return !c.IsDev() || c.AuthIssuer != "" || c.AuthSigningKey != ""
}

// KafkaEnabled reports whether the consume command has brokers to talk to.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StoreDriverPostgres)
		}
	case StoreDriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER %q is not allowed in production", StoreDriverMemory)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}

	if c.UsesJWT() {
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER must be set outside development (ENV=%q)", c.Env)
		}
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("one of AUTH_JWKS_URL or AUTH_SIGNING_KEY is required")
		}
	}

	if c.BurstWindow <= 0 || c.SessionWindow <= 0 {
		return fmt.Errorf("BURST_WINDOW and SESSION_WINDOW must be positive")
	}
	if c.ReportTimeout <= 0 || c.ReportFallback <= 0 {
		return fmt.Errorf("REPORT_TIMEOUT and REPORT_FALLBACK_TIMEOUT must be positive")
	}
	if c.FailedLoginLimit < 1 {
		return fmt.Errorf("FAILED_LOGIN_THRESHOLD must be at least 1, got %d", c.FailedLoginLimit)
	}
	if c.FailedLoginHigh < c.FailedLoginLimit {
		return fmt.Errorf("FAILED_LOGIN_HIGH_THRESHOLD (%d) must not be below FAILED_LOGIN_THRESHOLD (%d)",
			c.FailedLoginHigh, c.FailedLoginLimit)
	}
	if c.IngestRPS <= 0 || c.IngestBurst < 1 {
		return fmt.Errorf("INGEST_RATE_LIMIT_RPS and INGEST_RATE_LIMIT_BURST must be positive")
	}
	if c.RecorderBuffer < 0 {
		return fmt.Errorf("RECORDER_BUFFER must not be negative")
	}
	return nil
}
