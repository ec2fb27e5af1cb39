package testutils

import (
	"time"

	"github.com/quantgrid-labs/authcore/config"
	"golang.org/x/crypto/bcrypt"
)

// GetTestConfig returns a config with short windows suited to tests that
// exercise TTL and locking behaviour against the wall clock.
func GetTestConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{
			Name: "authcore tests",
			URL:  "http://localhost:8080",
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			DSN:    ":memory:",
		},
		Auth: config.AuthConfig{
			BcryptCost: bcrypt.MinCost,
		},
		JWT: config.JWTConfig{
			SecretKey:    "0f8fad5bd9cb469fa16570867728950edeadbeef",
			AccessExpiry: 15 * time.Minute,
			Issuer:       "authcore-tests",
			Algorithm:    "HS256",
		},
		RefreshToken: config.RefreshTokenConfig{
			TokenLength:      32,
			Expiry:           24 * time.Hour,
			ExtendedExpiry:   72 * time.Hour,
			CleanupInterval:  time.Hour,
			RevokedRetention: time.Hour,
		},
		Grace: config.GraceConfig{
			Window:        60 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		Validation: config.ValidationConfig{
			ResultTTL:    60 * time.Second,
			ClaimsTTL:    5 * time.Minute,
			SignatureTTL: 5 * time.Minute,
			MaxEntries:   1000,
		},
		Refresh: config.RefreshConfig{
			ResultTTL:    45 * time.Second,
			PollInterval: 10 * time.Millisecond,
			MaxWait:      time.Second,
			LockTimeout:  500 * time.Millisecond,
			SweepChance:  0,
			MaxEntries:   100,
		},
		Activity: config.ActivityConfig{
			BaseThreshold: 5 * time.Minute,
			MinThreshold:  2 * time.Minute,
			MaxThreshold:  15 * time.Minute,
			Retention:     168 * time.Hour,
			PruneInterval: time.Hour,
			HistorySize:   10,
		},
	}
}

var TestUsers = struct {
	Alice struct {
		Username string
		Email    string
		Password string
	}
	Inactive struct {
		Username string
		Email    string
		Password string
	}
}{
	Alice: struct {
		Username string
		Email    string
		Password string
	}{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "Correct-Horse-42",
	},
	Inactive: struct {
		Username string
		Email    string
		Password string
	}{
		Username: "mallory",
		Email:    "mallory@example.com",
		Password: "Suspended-Acct-9",
	},
}
