package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	App          AppConfig          `envPrefix:"APP_"`
	Log          LogConfig          `envPrefix:"LOG_"`
	Database     DatabaseConfig     `envPrefix:"DATABASE_"`
	Auth         AuthConfig         `envPrefix:"AUTH_"`
	JWT          JWTConfig          `envPrefix:"JWT_"`
	RefreshToken RefreshTokenConfig `envPrefix:"REFRESH_TOKEN_"`
	Grace        GraceConfig        `envPrefix:"GRACE_"`
	Validation   ValidationConfig   `envPrefix:"VALIDATION_"`
	Refresh      RefreshConfig      `envPrefix:"REFRESH_"`
	Activity     ActivityConfig     `envPrefix:"ACTIVITY_"`
}

type AppConfig struct {
	Name string `env:"NAME" envDefault:"authcore"`
	URL  string `env:"URL" envDefault:"http://localhost:8080"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
	Output string `env:"OUTPUT" envDefault:"stdout"`
}

type DatabaseConfig struct {
	Driver      string `env:"DRIVER" envDefault:"sqlite"`
	DSN         string `env:"DSN" envDefault:"authcore.db"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`
}

type AuthConfig struct {
	BcryptCost int `env:"BCRYPT_COST" envDefault:"10"`
}

type JWTConfig struct {
	SecretKey    string        `env:"SECRET_KEY"`
	AccessExpiry time.Duration `env:"ACCESS_EXPIRY" envDefault:"15m"`
	Issuer       string        `env:"ISSUER" envDefault:"authcore"`
	Algorithm    string        `env:"ALGORITHM" envDefault:"HS256"`
}

type RefreshTokenConfig struct {
	TokenLength      int           `env:"TOKEN_LENGTH" envDefault:"32"`
	Expiry           time.Duration `env:"EXPIRY" envDefault:"720h"`
	ExtendedExpiry   time.Duration `env:"EXTENDED_EXPIRY" envDefault:"2160h"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	RevokedRetention time.Duration `env:"REVOKED_RETENTION" envDefault:"24h"`
}

type GraceConfig struct {
	Window        time.Duration `env:"WINDOW" envDefault:"60s"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
}

type ValidationConfig struct {
	ResultTTL    time.Duration `env:"RESULT_TTL" envDefault:"60s"`
	ClaimsTTL    time.Duration `env:"CLAIMS_TTL" envDefault:"5m"`
	SignatureTTL time.Duration `env:"SIGNATURE_TTL" envDefault:"5m"`
	MaxEntries   int           `env:"MAX_ENTRIES" envDefault:"10000"`
}

type RefreshConfig struct {
	ResultTTL    time.Duration `env:"RESULT_TTL" envDefault:"45s"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"50ms"`
	MaxWait      time.Duration `env:"MAX_WAIT" envDefault:"3s"`
	LockTimeout  time.Duration `env:"LOCK_TIMEOUT" envDefault:"2s"`
	SweepChance  float64       `env:"SWEEP_CHANCE" envDefault:"0.05"`
	MaxEntries   int           `env:"MAX_ENTRIES" envDefault:"1000"`
}

type ActivityConfig struct {
	BaseThreshold time.Duration `env:"BASE_THRESHOLD" envDefault:"5m"`
	MinThreshold  time.Duration `env:"MIN_THRESHOLD" envDefault:"2m"`
	MaxThreshold  time.Duration `env:"MAX_THRESHOLD" envDefault:"15m"`
	Retention     time.Duration `env:"RETENTION" envDefault:"168h"`
	PruneInterval time.Duration `env:"PRUNE_INTERVAL" envDefault:"1h"`
	HistorySize   int           `env:"HISTORY_SIZE" envDefault:"10"`
}

func LoadConfig(cfg any) error {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found: %v", err)
	}

	if err := env.Parse(cfg); err != nil {
		return err
	}

	if c, ok := cfg.(*Config); ok {
		return c.Validate()
	}

	return nil
}

func (c *Config) Validate() error {
	if err := validateJWTConfig(&c.JWT); err != nil {
		return err
	}
	if err := validateRefreshTokenConfig(&c.RefreshToken); err != nil {
		return err
	}
	if err := validateGraceConfig(&c.Grace); err != nil {
		return err
	}
	if err := validateValidationConfig(&c.Validation); err != nil {
		return err
	}
	if err := validateRefreshConfig(&c.Refresh); err != nil {
		return err
	}
	if err := validateActivityConfig(&c.Activity); err != nil {
		return err
	}
	return nil
}

func validateJWTConfig(cfg *JWTConfig) error {
	if len(cfg.SecretKey) < 32 {
		return fmt.Errorf("JWT secret key must be at least 32 characters long, got %d", len(cfg.SecretKey))
	}

	weakPatterns := []string{"password", "secret", "test", "example", "default", "change"}
	lowerKey := strings.ToLower(cfg.SecretKey)
	for _, pattern := range weakPatterns {
		if strings.Contains(lowerKey, pattern) {
			return fmt.Errorf("JWT secret key contains weak patterns (%s), use a randomly generated key", pattern)
		}
	}

	if cfg.Algorithm != "HS256" {
		return fmt.Errorf("unsupported JWT algorithm: %s (supported: HS256)", cfg.Algorithm)
	}

	if cfg.AccessExpiry <= 0 {
		return fmt.Errorf("JWT access expiry must be positive, got %s", cfg.AccessExpiry)
	}

	return nil
}

func validateRefreshTokenConfig(cfg *RefreshTokenConfig) error {
	if cfg.TokenLength < 16 {
		return fmt.Errorf("refresh token length must be at least 16 bytes, got %d", cfg.TokenLength)
	}
	if cfg.TokenLength > 128 {
		return fmt.Errorf("refresh token length cannot exceed 128 bytes, got %d", cfg.TokenLength)
	}
	if cfg.Expiry <= 0 {
		return fmt.Errorf("refresh token expiry must be positive, got %s", cfg.Expiry)
	}
	if cfg.ExtendedExpiry < cfg.Expiry {
		return fmt.Errorf("refresh token extended expiry must be at least the standard expiry (%s), got %s", cfg.Expiry, cfg.ExtendedExpiry)
	}
	return nil
}

func validateGraceConfig(cfg *GraceConfig) error {
	if cfg.Window < 30*time.Second || cfg.Window > 120*time.Second {
		return fmt.Errorf("grace window must be between 30s and 120s, got %s", cfg.Window)
	}
	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("grace sweep interval must be positive, got %s", cfg.SweepInterval)
	}
	return nil
}

func validateValidationConfig(cfg *ValidationConfig) error {
	if cfg.ResultTTL <= 0 {
		return fmt.Errorf("validation result TTL must be positive, got %s", cfg.ResultTTL)
	}
	if cfg.ClaimsTTL < cfg.ResultTTL {
		return fmt.Errorf("validation claims TTL must be at least the result TTL (%s), got %s", cfg.ResultTTL, cfg.ClaimsTTL)
	}
	if cfg.SignatureTTL < cfg.ResultTTL {
		return fmt.Errorf("validation signature TTL must be at least the result TTL (%s), got %s", cfg.ResultTTL, cfg.SignatureTTL)
	}
	if cfg.MaxEntries <= 0 {
		return fmt.Errorf("validation cache size must be positive, got %d", cfg.MaxEntries)
	}
	return nil
}

func validateRefreshConfig(cfg *RefreshConfig) error {
	if cfg.ResultTTL <= 0 {
		return fmt.Errorf("refresh result TTL must be positive, got %s", cfg.ResultTTL)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("refresh poll interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.MaxWait < cfg.PollInterval {
		return fmt.Errorf("refresh max wait must be at least the poll interval (%s), got %s", cfg.PollInterval, cfg.MaxWait)
	}
	if cfg.LockTimeout <= 0 {
		return fmt.Errorf("refresh lock timeout must be positive, got %s", cfg.LockTimeout)
	}
	if cfg.SweepChance < 0 || cfg.SweepChance > 1 {
		return fmt.Errorf("refresh sweep chance must be between 0 and 1, got %f", cfg.SweepChance)
	}
	if cfg.MaxEntries <= 0 {
		return fmt.Errorf("refresh cache size must be positive, got %d", cfg.MaxEntries)
	}
	return nil
}

func validateActivityConfig(cfg *ActivityConfig) error {
	if cfg.MinThreshold <= 0 {
		return fmt.Errorf("activity min threshold must be positive, got %s", cfg.MinThreshold)
	}
	if cfg.BaseThreshold < cfg.MinThreshold || cfg.BaseThreshold > cfg.MaxThreshold {
		return fmt.Errorf("activity base threshold must be between min (%s) and max (%s), got %s", cfg.MinThreshold, cfg.MaxThreshold, cfg.BaseThreshold)
	}
	if cfg.Retention <= 0 {
		return fmt.Errorf("activity retention must be positive, got %s", cfg.Retention)
	}
	if cfg.HistorySize < 2 {
		return fmt.Errorf("activity history size must be at least 2, got %d", cfg.HistorySize)
	}
	return nil
}
