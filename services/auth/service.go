package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/quantgrid-labs/authcore/config"
	"github.com/quantgrid-labs/authcore/services/activity"
	"github.com/quantgrid-labs/authcore/services/jwt"
	"github.com/quantgrid-labs/authcore/services/logging"
	"github.com/quantgrid-labs/authcore/services/refresh"
	"github.com/quantgrid-labs/authcore/services/refreshtoken"
	"github.com/quantgrid-labs/authcore/services/userstore"
	"github.com/quantgrid-labs/authcore/services/validation"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrPasswordHashingFailed = errors.New("failed to hash password")
)

type UserSource interface {
	FindByUsername(username string) (*userstore.User, error)
}

type SessionStore interface {
	Issue(userID uint, lifetime time.Duration, deviceInfo map[string]any) (*refreshtoken.IssuedToken, error)
	RevokeByValue(value string) error
	RevokeAllForUser(userID uint) (int64, error)
	FindAllForUser(userID uint) ([]refreshtoken.RefreshToken, error)
}

type TokenIssuer interface {
	GenerateToken(userID uint, username string) (string, error)
	GetAccessExpirySeconds() int
}

type TokenValidator interface {
	Validate(tokenString string, tier validation.Tier) (*validation.Result, error)
}

type Refresher interface {
	Refresh(value string, extendSession bool) (*refresh.Result, error)
}

type ActivityTracker interface {
	RecordActivity(userID uint, kind activity.Kind)
	DynamicThreshold(userID uint) time.Duration
}

// TokenPair is the bearer credential set handed to a client at login and at
// every refresh.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	AccessExpiresIn  int    `json:"access_expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
}

type LoginResult struct {
	User *userstore.User
	TokenPair
}

// Identity is the resolved account behind a validated access token.
type Identity struct {
	UserID   uint
	Username string
	Claims   *jwt.Claims
}

// Service is the caller-facing surface of the token lifecycle: login mints a
// token pair, validation resolves bearer tokens to accounts, refresh rotates
// pairs through the coordinator and logout revokes them.
type Service struct {
	config    *config.Config
	users     UserSource
	tokens    SessionStore
	codec     TokenIssuer
	validator TokenValidator
	refresher Refresher
	activity  ActivityTracker
	logger    *logging.Service
}

func NewService(cfg *config.Config, users UserSource, tokens SessionStore, codec TokenIssuer, validator TokenValidator, refresher Refresher, tracker ActivityTracker, logger *logging.Service) *Service {
	if cfg.Auth.BcryptCost < bcrypt.MinCost || cfg.Auth.BcryptCost > bcrypt.MaxCost {
		cfg.Auth.BcryptCost = bcrypt.DefaultCost
	}

	return &Service{
		config:    cfg,
		users:     users,
		tokens:    tokens,
		codec:     codec,
		validator: validator,
		refresher: refresher,
		activity:  tracker,
		logger:    logger,
	}
}

func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.Auth.BcryptCost)
	if err != nil {
		s.logger.Error("password hashing failed", zap.Error(err))
		return "", ErrPasswordHashingFailed
	}
	return string(hash), nil
}

func (s *Service) VerifyPassword(hashedPassword, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (s *Service) MustHashPassword(password string) string {
	hash, err := s.HashPassword(password)
	if err != nil {
		panic(err)
	}
	return hash
}

// Login checks the credentials and mints a fresh token pair. The refresh
// token record carries a device descriptor parsed from the user agent so
// sessions can be told apart later.
func (s *Service) Login(username, password, userAgentString string, extendSession bool) (*LoginResult, error) {
	user, err := s.users.FindByUsername(username)
	if err != nil {
		if errors.Is(err, userstore.ErrUserNotFound) {
			s.logger.Warn("login rejected - unknown username",
				zap.String("username", username))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}

	if err := s.VerifyPassword(user.Password, password); err != nil {
		s.logger.Warn("login rejected - wrong password",
			zap.Uint("user_id", user.ID))
		return nil, ErrInvalidCredentials
	}

	// checked after the password so only credential holders learn the
	// account state
	if !user.Active {
		s.logger.Warn("login rejected - inactive account",
			zap.Uint("user_id", user.ID))
		return nil, userstore.ErrUserInactive
	}

	accessToken, err := s.codec.GenerateToken(user.ID, user.Username)
	if err != nil {
		return nil, err
	}

	lifetime := s.config.RefreshToken.Expiry
	if extendSession {
		lifetime = s.config.RefreshToken.ExtendedExpiry
	}

	issued, err := s.tokens.Issue(user.ID, lifetime, DeviceInfo(userAgentString))
	if err != nil {
		return nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}

	if s.activity != nil {
		s.activity.RecordActivity(user.ID, activity.KindLogin)
	}

	s.logger.Info("user logged in",
		zap.Uint("user_id", user.ID),
		zap.Uint("token_id", issued.TokenID),
		zap.Bool("extended_session", extendSession))

	return &LoginResult{
		User: user,
		TokenPair: TokenPair{
			AccessToken:      accessToken,
			RefreshToken:     issued.Token,
			AccessExpiresIn:  s.codec.GetAccessExpirySeconds(),
			RefreshExpiresIn: int(lifetime.Seconds()),
		},
	}, nil
}

// ValidateAccessToken resolves a bearer access token to its account at full
// database depth and counts the request towards the user's activity.
func (s *Service) ValidateAccessToken(tokenString string) (*Identity, error) {
	result, err := s.validator.Validate(tokenString, validation.TierDatabase)
	if err != nil {
		return nil, err
	}

	if s.activity != nil {
		s.activity.RecordActivity(result.UserID, activity.KindRequest)
	}

	return &Identity{
		UserID:   result.UserID,
		Username: result.Username,
		Claims:   result.Claims,
	}, nil
}

// Refresh exchanges a refresh token value for a new pair. Concurrency and
// grace handling live with the coordinator.
func (s *Service) Refresh(value string, extendSession bool) (*refresh.Result, error) {
	return s.refresher.Refresh(value, extendSession)
}

// Logout revokes the presented refresh token value. Access tokens are left
// to expire on their own.
func (s *Service) Logout(refreshTokenValue string) error {
	if refreshTokenValue == "" {
		return nil
	}
	return s.tokens.RevokeByValue(refreshTokenValue)
}

// LogoutAll revokes every live refresh token of the user and reports how
// many sessions were ended.
func (s *Service) LogoutAll(userID uint) (int64, error) {
	count, err := s.tokens.RevokeAllForUser(userID)
	if err != nil {
		return 0, err
	}

	s.logger.Info("all sessions ended",
		zap.Uint("user_id", userID),
		zap.Int64("session_count", count))

	return count, nil
}

// Sessions lists the user's refresh token records, revoked ones included.
func (s *Service) Sessions(userID uint) ([]refreshtoken.RefreshToken, error) {
	return s.tokens.FindAllForUser(userID)
}

// RefreshAdvised reports whether an access token expiring at the given time
// is close enough to expiry that the client should refresh now. The cutoff
// adapts to the user's observed activity.
func (s *Service) RefreshAdvised(userID uint, expiresAt time.Time) bool {
	if s.activity == nil || expiresAt.IsZero() {
		return false
	}
	return time.Until(expiresAt) <= s.activity.DynamicThreshold(userID)
}
