package refreshtoken

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantgrid-labs/authcore/config"
	"github.com/quantgrid-labs/authcore/services/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrRefreshTokenNotFound  = errors.New("refresh token not found")
	ErrRefreshTokenExpired   = errors.New("refresh token expired")
	ErrRefreshTokenRevoked   = errors.New("refresh token revoked")
	ErrTokenGenerationFailed = errors.New("failed to generate secure token")
)

type Service struct {
	db     *gorm.DB
	config *config.Config
	logger *logging.Service
}

// TokenStore is the persistence surface for refresh token records. It holds
// raw storage operations only; rotation policy lives with the refresh
// coordinator.
type TokenStore interface {
	Issue(userID uint, lifetime time.Duration, deviceInfo map[string]any) (*IssuedToken, error)
	FindByValue(value string) (*RefreshToken, error)
	Validate(value string) (*RefreshToken, error)
	Revoke(tokenID uint) error
	RevokeByValue(value string) error
	RevokeAllForUser(userID uint) (int64, error)
	FindAllForUser(userID uint) ([]RefreshToken, error)
	UpdateLastUsed(tokenID uint) error
	CleanupExpired() error
}

func NewService(db *gorm.DB, config *config.Config, logger *logging.Service) *Service {
	logger.Info("initializing refresh token store",
		zap.Duration("token_expiry", config.RefreshToken.Expiry),
		zap.Int("token_length", config.RefreshToken.TokenLength),
		zap.Duration("cleanup_interval", config.RefreshToken.CleanupInterval))

	return &Service{
		db:     db,
		config: config,
		logger: logger,
	}
}

// Issue generates a fresh opaque value and persists its record with the
// given lifetime.
func (s *Service) Issue(userID uint, lifetime time.Duration, deviceInfo map[string]any) (*IssuedToken, error) {
	s.logger.Debug("issuing refresh token",
		zap.Uint("user_id", userID),
		zap.Duration("lifetime", lifetime))

	token, err := s.generateSecureToken()
	if err != nil {
		s.logger.Error("failed to generate secure refresh token", zap.Error(err))
		return nil, ErrTokenGenerationFailed
	}

	tokenHash := HashValue(token)
	now := time.Now()
	expiresAt := now.Add(lifetime)

	deviceInfoJSON := ""
	if deviceInfo != nil {
		if jsonBytes, err := json.Marshal(deviceInfo); err == nil {
			deviceInfoJSON = string(jsonBytes)
		}
	}

	record := RefreshToken{
		UserID:     userID,
		TokenHash:  tokenHash,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		LastUsed:   now,
		DeviceInfo: deviceInfoJSON,
	}

	if err := s.db.Create(&record).Error; err != nil {
		s.logger.Error("failed to store refresh token", zap.Error(err))
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	s.logger.Info("refresh token issued",
		zap.Uint("user_id", userID),
		zap.Uint("token_id", record.ID),
		zap.Time("expires_at", expiresAt))

	return &IssuedToken{
		Token:     token,
		TokenID:   record.ID,
		Hash:      tokenHash,
		ExpiresAt: expiresAt,
	}, nil
}

// FindByValue looks up the record for an opaque value by its hash. It does
// not check revocation or expiry; callers that need a liveness verdict use
// Validate.
func (s *Service) FindByValue(value string) (*RefreshToken, error) {
	var record RefreshToken
	err := s.db.Where("token_hash = ?", HashValue(value)).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Debug("refresh token not found")
			return nil, ErrRefreshTokenNotFound
		}
		s.logger.Error("refresh token lookup failed", zap.Error(err))
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &record, nil
}

// Validate resolves an opaque value to a usable record, rejecting revoked
// and expired ones.
func (s *Service) Validate(value string) (*RefreshToken, error) {
	record, err := s.FindByValue(value)
	if err != nil {
		return nil, err
	}

	if record.Revoked {
		s.logger.Warn("refresh token validation failed - token revoked",
			zap.Uint("token_id", record.ID),
			zap.Uint("user_id", record.UserID))
		return nil, ErrRefreshTokenRevoked
	}

	if time.Now().After(record.ExpiresAt) {
		s.logger.Warn("refresh token validation failed - token expired",
			zap.Uint("token_id", record.ID),
			zap.Uint("user_id", record.UserID),
			zap.Time("expired_at", record.ExpiresAt))
		return nil, ErrRefreshTokenExpired
	}

	return record, nil
}

// Revoke marks a record revoked. Idempotent: revoking an already revoked
// record keeps the original revocation time.
func (s *Service) Revoke(tokenID uint) error {
	result := s.db.Model(&RefreshToken{}).
		Where("id = ? AND revoked = ?", tokenID, false).
		Updates(map[string]any{"revoked": true, "revoked_at": time.Now()})

	if result.Error != nil {
		s.logger.Error("failed to revoke refresh token",
			zap.Error(result.Error),
			zap.Uint("token_id", tokenID))
		return fmt.Errorf("failed to revoke refresh token: %w", result.Error)
	}

	s.logger.Info("refresh token revoked",
		zap.Uint("token_id", tokenID),
		zap.Int64("affected_rows", result.RowsAffected))

	return nil
}

func (s *Service) RevokeByValue(value string) error {
	tokenHash := HashValue(value)
	result := s.db.Model(&RefreshToken{}).
		Where("token_hash = ? AND revoked = ?", tokenHash, false).
		Updates(map[string]any{"revoked": true, "revoked_at": time.Now()})

	if result.Error != nil {
		s.logger.Error("failed to revoke refresh token by value", zap.Error(result.Error))
		return fmt.Errorf("failed to revoke refresh token: %w", result.Error)
	}

	s.logger.Info("refresh token revoked",
		zap.String("token_hash", tokenHash[:16]+"..."),
		zap.Int64("affected_rows", result.RowsAffected))

	return nil
}

// RevokeAllForUser marks every live record for the user revoked and returns
// how many were affected.
func (s *Service) RevokeAllForUser(userID uint) (int64, error) {
	result := s.db.Model(&RefreshToken{}).
		Where("user_id = ? AND revoked = ?", userID, false).
		Updates(map[string]any{"revoked": true, "revoked_at": time.Now()})

	if result.Error != nil {
		s.logger.Error("failed to revoke all user refresh tokens",
			zap.Error(result.Error),
			zap.Uint("user_id", userID))
		return 0, fmt.Errorf("failed to revoke all user refresh tokens: %w", result.Error)
	}

	s.logger.Info("all user refresh tokens revoked",
		zap.Uint("user_id", userID),
		zap.Int64("count", result.RowsAffected))

	return result.RowsAffected, nil
}

// FindAllForUser returns every record for the user, newest first, revoked
// ones included. Callers filter with Usable when they only want live
// sessions.
func (s *Service) FindAllForUser(userID uint) ([]RefreshToken, error) {
	var records []RefreshToken
	err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		s.logger.Error("failed to list user refresh tokens",
			zap.Error(err),
			zap.Uint("user_id", userID))
		return nil, fmt.Errorf("database error: %w", err)
	}
	return records, nil
}

func (s *Service) UpdateLastUsed(tokenID uint) error {
	err := s.db.Model(&RefreshToken{}).
		Where("id = ?", tokenID).
		Update("last_used", time.Now()).Error

	if err != nil {
		s.logger.Warn("failed to update refresh token last used time",
			zap.Error(err),
			zap.Uint("token_id", tokenID))
	}

	return err
}

// CleanupExpired deletes expired records and revoked records older than the
// configured retention. Recently revoked rows are kept so rotation peers can
// still be traced.
func (s *Service) CleanupExpired() error {
	s.logger.Debug("starting refresh token cleanup")

	now := time.Now()
	revokedCutoff := now.Add(-s.config.RefreshToken.RevokedRetention)

	result := s.db.Where("expires_at < ?", now).
		Or("revoked = ? AND revoked_at < ?", true, revokedCutoff).
		Delete(&RefreshToken{})

	if result.Error != nil {
		s.logger.Error("failed to cleanup refresh tokens", zap.Error(result.Error))
		return fmt.Errorf("failed to cleanup refresh tokens: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.logger.Info("cleaned up refresh tokens",
			zap.Int64("count", result.RowsAffected))
	} else {
		s.logger.Debug("no refresh tokens to cleanup")
	}

	return nil
}

func (s *Service) generateSecureToken() (string, error) {
	tokenBytes := make([]byte, s.config.RefreshToken.TokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tokenBytes), nil
}

// HashValue returns the hex SHA-256 digest of an opaque token value. The
// digest is both the storage key and the grace cache key.
func HashValue(value string) string {
	hash := sha256.Sum256([]byte(value))
	return hex.EncodeToString(hash[:])
}

func (s *Service) StartCleanupWorker() {
	go func() {
		ticker := time.NewTicker(s.config.RefreshToken.CleanupInterval)
		defer ticker.Stop()

		for range ticker.C {
			if err := s.CleanupExpired(); err != nil {
				s.logger.Error("refresh token cleanup worker failed", zap.Error(err))
			}
		}
	}()

	s.logger.Info("started refresh token cleanup worker",
		zap.Duration("interval", s.config.RefreshToken.CleanupInterval))
}
