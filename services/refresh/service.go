package refresh

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/quantgrid-labs/authcore/config"
	"github.com/quantgrid-labs/authcore/services/logging"
	"github.com/quantgrid-labs/authcore/services/refreshtoken"
	"github.com/quantgrid-labs/authcore/services/userstore"
	"go.uber.org/zap"
)

var (
	ErrInvalidRefreshToken        = errors.New("invalid refresh token")
	ErrTooManyConcurrentRefreshes = errors.New("too many concurrent refresh attempts")
	ErrStorageFailure             = errors.New("storage failure")
)

// storageFailure tags an underlying storage error with the taxonomy
// sentinel while keeping the cause inspectable through errors.Is.
func storageFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrStorageFailure, err)
}

// TokenStore is the slice of the refresh token store the coordinator needs.
type TokenStore interface {
	Issue(userID uint, lifetime time.Duration, deviceInfo map[string]any) (*refreshtoken.IssuedToken, error)
	FindByValue(value string) (*refreshtoken.RefreshToken, error)
	Revoke(tokenID uint) error
	UpdateLastUsed(tokenID uint) error
}

type UserSource interface {
	FindByID(id uint) (*userstore.User, error)
}

type AccessTokenIssuer interface {
	GenerateToken(userID uint, username string) (string, error)
	GetAccessExpirySeconds() int
}

type GraceCache interface {
	AddRevoked(tokenHash string, userID uint)
	Resolve(tokenHash string) (uint, bool)
}

type ActivityRecorder interface {
	RecordRefresh(userID uint, tokenID uint)
}

// Coordinator serialises refresh token rotation per user. Concurrent
// requests for the same user coalesce onto a single rotation: one request
// rotates, the rest are served the same fresh token pair from the result
// cache. A short grace window keeps just-superseded values working so racing
// clients are not logged out.
type Coordinator struct {
	store    TokenStore
	users    UserSource
	codec    AccessTokenIssuer
	grace    GraceCache
	activity ActivityRecorder
	config   *config.Config
	logger   *logging.Service

	locks   *userLocks
	results *resultCache
}

func NewCoordinator(store TokenStore, users UserSource, codec AccessTokenIssuer, grace GraceCache, activity ActivityRecorder, cfg *config.Config, logger *logging.Service) *Coordinator {
	logger.Info("initializing refresh coordinator",
		zap.Duration("result_ttl", cfg.Refresh.ResultTTL),
		zap.Duration("poll_interval", cfg.Refresh.PollInterval),
		zap.Duration("max_wait", cfg.Refresh.MaxWait),
		zap.Duration("lock_timeout", cfg.Refresh.LockTimeout),
		zap.Float64("sweep_chance", cfg.Refresh.SweepChance))

	return &Coordinator{
		store:    store,
		users:    users,
		codec:    codec,
		grace:    grace,
		activity: activity,
		config:   cfg,
		logger:   logger,
		locks:    newUserLocks(),
		results:  newResultCache(cfg.Refresh.ResultTTL, cfg.Refresh.MaxEntries),
	}
}

// Refresh exchanges a refresh token value for a fresh access and refresh
// token pair, rotating the underlying record at most once per user per
// cache window regardless of how many clients ask concurrently.
func (c *Coordinator) Refresh(value string, extendSession bool) (*Result, error) {
	if value == "" {
		return nil, ErrInvalidRefreshToken
	}

	c.maybeSweep()

	fp := fingerprint(value)
	if result := c.results.getByFingerprint(fp); result != nil {
		c.logger.Debug("refresh served from fingerprint cache",
			zap.Uint("user_id", result.UserID))
		return result, nil
	}

	record, userID, err := c.resolveRecord(value)
	if err != nil {
		return nil, err
	}

	if !c.locks.tryAcquire(userID) {
		if result := c.awaitPeerResult(userID, fp); result != nil {
			return result, nil
		}
		if !c.locks.acquire(userID, c.config.Refresh.LockTimeout) {
			c.logger.Warn("refresh lock acquisition timed out",
				zap.Uint("user_id", userID))
			return nil, ErrTooManyConcurrentRefreshes
		}
	}
	defer c.locks.release(userID)

	// a peer may have rotated while we waited for the lock
	if result := c.cachedResult(userID, fp); result != nil {
		c.logger.Debug("refresh served from cache after lock",
			zap.Uint("user_id", userID))
		return result, nil
	}

	return c.rotate(record, userID, fp, extendSession)
}

// resolveRecord maps a presented value to its record and owning user. A
// revoked or missing record is still accepted when its hash sits in the
// grace cache; anything else is invalid.
func (c *Coordinator) resolveRecord(value string) (*refreshtoken.RefreshToken, uint, error) {
	record, err := c.store.FindByValue(value)
	if err != nil {
		if errors.Is(err, refreshtoken.ErrRefreshTokenNotFound) {
			if userID, ok := c.grace.Resolve(refreshtoken.HashValue(value)); ok {
				c.logger.Debug("unknown refresh value resolved via grace cache",
					zap.Uint("user_id", userID))
				return nil, userID, nil
			}
			return nil, 0, ErrInvalidRefreshToken
		}
		return nil, 0, storageFailure(err)
	}

	if record.Revoked {
		if userID, ok := c.grace.Resolve(record.TokenHash); ok {
			c.logger.Info("superseded refresh token accepted within grace window",
				zap.Uint("token_id", record.ID),
				zap.Uint("user_id", userID))
			return record, userID, nil
		}
		c.logger.Warn("refresh rejected - token revoked outside grace window",
			zap.Uint("token_id", record.ID),
			zap.Uint("user_id", record.UserID))
		return nil, 0, ErrInvalidRefreshToken
	}

	if time.Now().After(record.ExpiresAt) {
		c.logger.Warn("refresh rejected - token expired",
			zap.Uint("token_id", record.ID),
			zap.Uint("user_id", record.UserID))
		return nil, 0, ErrInvalidRefreshToken
	}

	return record, record.UserID, nil
}

// awaitPeerResult polls the result cache while a peer holds the user's
// lock, up to the configured wait budget.
func (c *Coordinator) awaitPeerResult(userID uint, fp string) *Result {
	deadline := time.Now().Add(c.config.Refresh.MaxWait)
	for {
		if result := c.cachedResult(userID, fp); result != nil {
			c.logger.Debug("refresh coalesced with concurrent rotation",
				zap.Uint("user_id", userID))
			return result
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		time.Sleep(c.config.Refresh.PollInterval)
	}
}

// cachedResult is the single cache probe used before, during and after lock
// acquisition.
func (c *Coordinator) cachedResult(userID uint, fp string) *Result {
	if result := c.results.getByUser(userID); result != nil {
		return result
	}
	return c.results.getByFingerprint(fp)
}

// rotate mints a new token pair, inserts the old hash into grace and only
// then revokes the old record, so the old value is never in limbo. Called
// with the user's lock held.
func (c *Coordinator) rotate(record *refreshtoken.RefreshToken, userID uint, fp string, extendSession bool) (*Result, error) {
	user, err := c.users.FindByID(userID)
	if err != nil {
		if errors.Is(err, userstore.ErrUserNotFound) {
			c.logger.Warn("refresh rejected - unknown user",
				zap.Uint("user_id", userID))
			return nil, userstore.ErrUserNotFound
		}
		return nil, storageFailure(err)
	}

	if !user.Active {
		c.logger.Warn("refresh rejected - inactive user",
			zap.Uint("user_id", user.ID))
		return nil, userstore.ErrUserInactive
	}

	accessToken, err := c.codec.GenerateToken(user.ID, user.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	lifetime := c.config.RefreshToken.Expiry
	if extendSession {
		lifetime = c.config.RefreshToken.ExtendedExpiry
	}

	issued, err := c.store.Issue(user.ID, lifetime, deviceInfoOf(record))
	if err != nil {
		return nil, storageFailure(err)
	}

	if record != nil && !record.Revoked {
		c.store.UpdateLastUsed(record.ID)
		c.grace.AddRevoked(record.TokenHash, user.ID)
		if err := c.store.Revoke(record.ID); err != nil {
			return nil, storageFailure(err)
		}
	}

	result := &Result{
		AccessToken:      accessToken,
		RefreshToken:     issued.Token,
		AccessExpiresIn:  c.codec.GetAccessExpirySeconds(),
		RefreshExpiresIn: int(lifetime.Seconds()),
		UserID:           user.ID,
	}

	c.results.put(user.ID, result, fp, fingerprint(issued.Token))

	if c.activity != nil {
		c.activity.RecordRefresh(user.ID, issued.TokenID)
	}

	c.logger.Info("refresh token rotated",
		zap.Uint("user_id", user.ID),
		zap.Uint("new_token_id", issued.TokenID),
		zap.Bool("extended_session", extendSession))

	return result, nil
}

// maybeSweep kicks off an asynchronous cache sweep on a small sample of
// calls instead of running a dedicated timer.
func (c *Coordinator) maybeSweep() {
	chance := c.config.Refresh.SweepChance
	if chance <= 0 || rand.Float64() >= chance {
		return
	}

	go func() {
		if removed := c.results.sweep(); removed > 0 {
			c.logger.Debug("swept refresh result cache",
				zap.Int("removed_entries", removed))
		}
	}()
}

func deviceInfoOf(record *refreshtoken.RefreshToken) map[string]any {
	if record == nil || record.DeviceInfo == "" {
		return nil
	}
	var deviceInfo map[string]any
	if err := json.Unmarshal([]byte(record.DeviceInfo), &deviceInfo); err != nil {
		return nil
	}
	return deviceInfo
}

// fingerprint derives the cache key for a token value: a truncated SHA-256
// digest, so raw values never sit in cache keys.
func fingerprint(value string) string {
	hash := sha256.Sum256([]byte(value))
	return hex.EncodeToString(hash[:])[:16]
}
