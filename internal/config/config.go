package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Port         string `mapstructure:"PORT"`
	Env          string `mapstructure:"ENV"`
	StoreBackend string `mapstructure:"STORE_BACKEND"`

	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string `mapstructure:"MIGRATIONS_DIR"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisNamespace string `mapstructure:"REDIS_NAMESPACE"`

	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`

	UpstreamTimeout    time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`
	WriteTimeout       time.Duration `mapstructure:"WRITE_TIMEOUT"`
	MaxConflictRetries int           `mapstructure:"MAX_CONFLICT_RETRIES"`

	AutomationWebhookURL string        `mapstructure:"AUTOMATION_WEBHOOK_URL"`
	AutomationSecret     string        `mapstructure:"AUTOMATION_SECRET"`
	PublicURL            string        `mapstructure:"PUBLIC_URL"`
	CallbackSecret       string        `mapstructure:"CALLBACK_SECRET"`
	ClassifierURL        string        `mapstructure:"CLASSIFIER_URL"`
	PatientAPIURL        string        `mapstructure:"PATIENT_API_URL"`
	PayerAPIURL          string        `mapstructure:"PAYER_API_URL"`
	PayerCacheTTL        time.Duration `mapstructure:"PAYER_CACHE_TTL"`
	PayerRulesFile       string        `mapstructure:"PAYER_RULES_FILE"`
}

var envKeys = []string{
	"PORT", "ENV", "STORE_BACKEND",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR", "REDIS_URL", "REDIS_NAMESPACE",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "REQUEST_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"UPSTREAM_TIMEOUT", "WRITE_TIMEOUT", "MAX_CONFLICT_RETRIES",
	"AUTOMATION_WEBHOOK_URL", "AUTOMATION_SECRET", "PUBLIC_URL", "CALLBACK_SECRET",
	"CLASSIFIER_URL", "PATIENT_API_URL", "PAYER_API_URL", "PAYER_CACHE_TTL", "PAYER_RULES_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_BACKEND", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_NAMESPACE", "priorauth")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")
	v.SetDefault("WRITE_TIMEOUT", "10s")
	v.SetDefault("MAX_CONFLICT_RETRIES", 5)
	v.SetDefault("PAYER_CACHE_TTL", "5m")
	v.SetDefault("PAYER_RULES_FILE", "config/payer_rules.yaml")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// CallbackURL is the address advertised to the automation engine, derived
// from PUBLIC_URL.
func (c *Config) CallbackURL() string {
	if c.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.PublicURL, "/") + "/api/v1/automation/callback"
}

// Validate checks that the configuration is safe to run. Outside development
// a token source (AUTH_SIGNING_KEY or AUTH_JWKS_URL) and a CALLBACK_SECRET
// are required.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", StorePostgres)
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_BACKEND is %q", StoreRedis)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q, %q or %q, got %q", StoreMemory, StorePostgres, StoreRedis, c.StoreBackend)
	}

	if !c.IsDev() {
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q; "+
				"refusing to start without authentication", c.Env)
		}
		if c.CallbackSecret == "" {
			return fmt.Errorf("CALLBACK_SECRET must be set when ENV=%q", c.Env)
		}
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}

	if c.MaxConflictRetries < 1 {
		return fmt.Errorf("MAX_CONFLICT_RETRIES must be at least 1, got %d", c.MaxConflictRetries)
	}
	if c.RequestTimeout <= 0 || c.UpstreamTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT, UPSTREAM_TIMEOUT and WRITE_TIMEOUT must be positive")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
