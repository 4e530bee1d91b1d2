package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL   string `mapstructure:"AUTH_JWKS_URL"`
	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`

	RateLimitRPS         float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst       int     `mapstructure:"RATE_LIMIT_BURST"`
	PublicRateLimitRPS   float64 `mapstructure:"PUBLIC_RATE_LIMIT_RPS"`
	PublicRateLimitBurst int     `mapstructure:"PUBLIC_RATE_LIMIT_BURST"`

	TokenTTLHours        int `mapstructure:"TOKEN_TTL_HOURS"`
	LinkTTLHours         int `mapstructure:"LINK_TTL_HOURS"`
	AccessCodeTTLMinutes int `mapstructure:"ACCESS_CODE_TTL_MINUTES"`
	MaxFailedAttempts    int `mapstructure:"MAX_FAILED_ATTEMPTS"`
	RetentionDays        int `mapstructure:"RETENTION_DAYS"`

	BlobDriver       string `mapstructure:"BLOB_DRIVER"`
	BlobS3Bucket     string `mapstructure:"BLOB_S3_BUCKET"`
	BlobS3Region     string `mapstructure:"BLOB_S3_REGION"`
	BlobS3Endpoint   string `mapstructure:"BLOB_S3_ENDPOINT"`
	BlobS3PathStyle  bool   `mapstructure:"BLOB_S3_PATH_STYLE"`
	RendererURL      string `mapstructure:"RENDERER_URL"`
	RendererTimeoutS int    `mapstructure:"RENDERER_TIMEOUT_SECONDS"`
	OrgName          string `mapstructure:"ORG_NAME"`

	MetricsEnabled bool   `mapstructure:"METRICS_ENABLED"`
	MigrationsDir  string `mapstructure:"MIGRATIONS_DIR"`
}

var boundKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "JWT_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "PUBLIC_RATE_LIMIT_RPS", "PUBLIC_RATE_LIMIT_BURST",
	"TOKEN_TTL_HOURS", "LINK_TTL_HOURS", "ACCESS_CODE_TTL_MINUTES", "MAX_FAILED_ATTEMPTS", "RETENTION_DAYS",
	"BLOB_DRIVER", "BLOB_S3_BUCKET", "BLOB_S3_REGION", "BLOB_S3_ENDPOINT", "BLOB_S3_PATH_STYLE",
	"RENDERER_URL", "RENDERER_TIMEOUT_SECONDS", "ORG_NAME", "METRICS_ENABLED", "MIGRATIONS_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("PUBLIC_RATE_LIMIT_RPS", 2)
	v.SetDefault("PUBLIC_RATE_LIMIT_BURST", 10)
	v.SetDefault("TOKEN_TTL_HOURS", 24)
	v.SetDefault("LINK_TTL_HOURS", 48)
	v.SetDefault("ACCESS_CODE_TTL_MINUTES", 15)
	v.SetDefault("MAX_FAILED_ATTEMPTS", 5)
	v.SetDefault("RETENTION_DAYS", 365*5)
	v.SetDefault("BLOB_DRIVER", "memory")
	v.SetDefault("BLOB_S3_REGION", "us-east-1")
	v.SetDefault("RENDERER_TIMEOUT_SECONDS", 30)
	v.SetDefault("ORG_NAME", "Screening Clinic")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")

	for _, key := range boundKeys {
		_ = v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in development mode; requests without a bearer token get admin access")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) TokenTTL() time.Duration { return time.Duration(c.TokenTTLHours) * time.Hour }

func (c *Config) LinkTTL() time.Duration { return time.Duration(c.LinkTTLHours) * time.Hour }

func (c *Config) AccessCodeTTL() time.Duration {
	return time.Duration(c.AccessCodeTTLMinutes) * time.Minute
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSigningKey == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
		return fmt.Errorf("one of JWT_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER is required when ENV=%q", c.Env)
	}
	if c.JWTSigningKey != "" && len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 characters")
	}
	if c.TokenTTLHours <= 0 {
		return fmt.Errorf("TOKEN_TTL_HOURS must be positive, got %d", c.TokenTTLHours)
	}
	if c.LinkTTLHours <= 0 {
		return fmt.Errorf("LINK_TTL_HOURS must be positive, got %d", c.LinkTTLHours)
	}
	if c.MaxFailedAttempts <= 0 {
		return fmt.Errorf("MAX_FAILED_ATTEMPTS must be positive, got %d", c.MaxFailedAttempts)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive, got %d", c.RetentionDays)
	}
	switch c.BlobDriver {
	case "memory":
	case "s3":
		if c.BlobS3Bucket == "" {
			return fmt.Errorf("BLOB_S3_BUCKET is required when BLOB_DRIVER is \"s3\"")
		}
	default:
		return fmt.Errorf("BLOB_DRIVER must be \"memory\" or \"s3\", got %q", c.BlobDriver)
	}
	if c.IsProduction() && c.BlobDriver == "memory" {
		return fmt.Errorf("BLOB_DRIVER=memory is not allowed in production")
	}
	return nil
}
