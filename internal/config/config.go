package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Key provider names accepted by KEY_PROVIDER.
const (
	KeyProviderDerived = "derived"
	KeyProviderVault   = "vault"
	KeyProviderKMS     = "kms"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	KafkaBrokers   []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic     string        `mapstructure:"KAFKA_AUDIT_TOPIC"`
	JWTSecret      string        `mapstructure:"JWT_SECRET"`
	JWTIssuer      string        `mapstructure:"JWT_ISSUER"`
	TokenTTL       time.Duration `mapstructure:"TOKEN_TTL"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	KeyProvider    string        `mapstructure:"KEY_PROVIDER"`
	FieldKey       string        `mapstructure:"FIELD_ENCRYPTION_KEY"`
	VaultAddr      string        `mapstructure:"VAULT_ADDR"`
	VaultToken     string        `mapstructure:"VAULT_TOKEN"`
	VaultMount     string        `mapstructure:"VAULT_MOUNT"`
	VaultKeyPath   string        `mapstructure:"VAULT_KEY_PATH"`
	KMSKeyID       string        `mapstructure:"KMS_KEY_ID"`
	AWSRegion      string        `mapstructure:"AWS_REGION"`
	ExportBucket   string        `mapstructure:"AUDIT_EXPORT_BUCKET"`
	TelevisitURL   string        `mapstructure:"TELEVISIT_BASE_URL"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"KAFKA_BROKERS", "KAFKA_AUDIT_TOPIC", "JWT_SECRET", "JWT_ISSUER", "TOKEN_TTL",
	"CORS_ORIGINS", "KEY_PROVIDER", "FIELD_ENCRYPTION_KEY", "VAULT_ADDR", "VAULT_TOKEN",
	"VAULT_MOUNT", "VAULT_KEY_PATH", "KMS_KEY_ID", "AWS_REGION", "AUDIT_EXPORT_BUCKET",
	"TELEVISIT_BASE_URL", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads configuration from the environment. A .env file, when present,
// is loaded into the process environment first so the AWS and Vault SDKs see
// the same values as the server.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("KAFKA_AUDIT_TOPIC", "ehr.audit")
	v.SetDefault("JWT_ISSUER", "mentalspace-ehr")
	v.SetDefault("TOKEN_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("KEY_PROVIDER", KeyProviderDerived)
	v.SetDefault("VAULT_MOUNT", "secret")
	v.SetDefault("VAULT_KEY_PATH", "ehr/tenants")
	v.SetDefault("TELEVISIT_BASE_URL", "https://televisit.mentalspace.com")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// splitList normalises comma separated env values into trimmed, non-empty
// elements. Viper may hand back either a single element holding the whole
// string or the pieces already split on commas with their spaces intact.
func splitList(cur []string, raw string) []string {
	if len(cur) > 1 || raw == "" {
		raw = strings.Join(cur, ",")
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
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

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}

	switch c.KeyProvider {
	case KeyProviderDerived:
		if c.FieldKey == "" {
			return fmt.Errorf("FIELD_ENCRYPTION_KEY is required with KEY_PROVIDER=%s", c.KeyProvider)
		}
		keyBytes, err := hex.DecodeString(c.FieldKey)
		if err != nil {
			return fmt.Errorf("FIELD_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("FIELD_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	case KeyProviderVault:
		if c.VaultAddr == "" {
			return fmt.Errorf("VAULT_ADDR is required with KEY_PROVIDER=vault")
		}
	case KeyProviderKMS:
		if c.KMSKeyID == "" {
			return fmt.Errorf("KMS_KEY_ID is required with KEY_PROVIDER=kms")
		}
	default:
		return fmt.Errorf("KEY_PROVIDER must be %q, %q, or %q, got %q",
			KeyProviderDerived, KeyProviderVault, KeyProviderKMS, c.KeyProvider)
	}

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
