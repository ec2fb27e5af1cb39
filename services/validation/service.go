package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quantgrid-labs/authcore/config"
	"github.com/quantgrid-labs/authcore/services/jwt"
	"github.com/quantgrid-labs/authcore/services/logging"
	"github.com/quantgrid-labs/authcore/services/userstore"
	"go.uber.org/zap"
)

// Tier selects how much work a validation request is willing to pay for.
// Each tier includes everything below it.
type Tier int

const (
	// TierStructural checks token shape, claims presence and expiry.
	TierStructural Tier = 1
	// TierSignature additionally verifies the HMAC signature.
	TierSignature Tier = 2
	// TierDatabase additionally confirms the account exists and is active.
	TierDatabase Tier = 3
)

// Result is a successful validation verdict.
type Result struct {
	Tier     Tier
	UserID   uint
	Username string
	Claims   *jwt.Claims
}

type TokenCodec interface {
	DecodeUnverified(tokenString string) (*jwt.UnverifiedToken, error)
	ValidateToken(tokenString string) (*jwt.Claims, error)
}

type UserSource interface {
	FindByUsername(username string) (*userstore.User, error)
}

type cacheEntry struct {
	tier    Tier
	result  *Result
	err     error
	written time.Time
}

type sigEntry struct {
	valid   bool
	written time.Time
}

// Service validates access tokens in tiers, caching verdicts per token
// fingerprint. A cached verdict satisfies a request only when its tier is at
// least the requested one and it is younger than the tier's TTL. Failed
// verdicts are cached the same way as successes.
type Service struct {
	codec  TokenCodec
	users  UserSource
	config *config.Config
	logger *logging.Service

	mu         sync.RWMutex
	results    map[string]*cacheEntry
	signatures map[string]*sigEntry
}

func NewService(codec TokenCodec, users UserSource, cfg *config.Config, logger *logging.Service) *Service {
	logger.Info("initializing token validation service",
		zap.Duration("result_ttl", cfg.Validation.ResultTTL),
		zap.Duration("claims_ttl", cfg.Validation.ClaimsTTL),
		zap.Duration("signature_ttl", cfg.Validation.SignatureTTL),
		zap.Int("max_entries", cfg.Validation.MaxEntries))

	return &Service{
		codec:      codec,
		users:      users,
		config:     cfg,
		logger:     logger,
		results:    make(map[string]*cacheEntry),
		signatures: make(map[string]*sigEntry),
	}
}

// Fingerprint derives the cache key for a token: a truncated SHA-256 digest,
// so full token material never sits in cache keys.
func Fingerprint(tokenString string) string {
	hash := sha256.Sum256([]byte(tokenString))
	return hex.EncodeToString(hash[:])[:16]
}

// Validate checks a token at the requested tier, reusing cached verdicts
// where they are fresh and at least as strong as asked for.
func (s *Service) Validate(tokenString string, tier Tier) (*Result, error) {
	fp := Fingerprint(tokenString)

	if result, err, ok := s.cachedVerdict(fp, tier); ok {
		return result, err
	}

	return s.validateTiers(tokenString, fp, tier)
}

func (s *Service) cachedVerdict(fp string, tier Tier) (*Result, error, bool) {
	s.mu.RLock()
	e := s.results[fp]
	s.mu.RUnlock()

	if e == nil || e.tier < tier || time.Since(e.written) >= s.ttlFor(e.tier) {
		return nil, nil, false
	}

	if e.err != nil {
		s.logger.Debug("validation cache hit (failure)",
			zap.String("fingerprint", fp),
			zap.Int("tier", int(e.tier)))
		return nil, e.err, true
	}

	// a cached success must not outlive the token's own expiry
	if e.result.Claims.ExpiresAt != nil && time.Now().After(e.result.Claims.ExpiresAt.Time) {
		s.storeVerdict(fp, TierStructural, nil, jwt.ErrExpiredToken)
		return nil, jwt.ErrExpiredToken, true
	}

	s.logger.Debug("validation cache hit",
		zap.String("fingerprint", fp),
		zap.Int("tier", int(e.tier)))

	return e.result, nil, true
}

func (s *Service) validateTiers(tokenString string, fp string, requested Tier) (*Result, error) {
	claims, err := s.structuralClaims(tokenString, fp)
	if err != nil {
		s.storeVerdict(fp, TierStructural, nil, err)
		return nil, err
	}

	if requested == TierStructural {
		result := &Result{Tier: TierStructural, UserID: claims.UserID, Username: claims.Subject, Claims: claims}
		s.storeVerdict(fp, TierStructural, result, nil)
		return result, nil
	}

	if err := s.verifySignature(tokenString); err != nil {
		s.storeVerdict(fp, TierSignature, nil, err)
		return nil, err
	}

	if requested == TierSignature {
		result := &Result{Tier: TierSignature, UserID: claims.UserID, Username: claims.Subject, Claims: claims}
		s.storeVerdict(fp, TierSignature, result, nil)
		return result, nil
	}

	user, err := s.users.FindByUsername(claims.Subject)
	if err != nil {
		if errors.Is(err, userstore.ErrUserNotFound) {
			s.logger.Warn("token validation failed - unknown user",
				zap.String("username", claims.Subject))
			s.storeVerdict(fp, TierDatabase, nil, userstore.ErrUserNotFound)
			return nil, userstore.ErrUserNotFound
		}
		// transient storage errors are surfaced but never cached
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}

	if !user.Active {
		s.logger.Warn("token validation failed - inactive user",
			zap.Uint("user_id", user.ID))
		s.storeVerdict(fp, TierDatabase, nil, userstore.ErrUserInactive)
		return nil, userstore.ErrUserInactive
	}

	result := &Result{Tier: TierDatabase, UserID: user.ID, Username: user.Username, Claims: claims}
	s.storeVerdict(fp, TierDatabase, result, nil)

	s.logger.Debug("token validated",
		zap.String("fingerprint", fp),
		zap.Uint("user_id", user.ID),
		zap.Int("tier", int(TierDatabase)))

	return result, nil
}

// structuralClaims returns tier-1 claims, reusing a fresh cached decode of
// any tier before falling back to the codec.
func (s *Service) structuralClaims(tokenString string, fp string) (*jwt.Claims, error) {
	s.mu.RLock()
	e := s.results[fp]
	s.mu.RUnlock()

	if e != nil && e.err == nil && time.Since(e.written) < s.ttlFor(e.tier) {
		claims := e.result.Claims
		if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
			return nil, jwt.ErrExpiredToken
		}
		return claims, nil
	}

	unverified, err := s.codec.DecodeUnverified(tokenString)
	if err != nil {
		return nil, err
	}
	return unverified.Claims, nil
}

// verifySignature checks the HMAC, consulting the per-signature verdict
// cache so repeated verification of the same signature is free.
func (s *Service) verifySignature(tokenString string) error {
	sigKey := signaturePart(tokenString)

	s.mu.RLock()
	e := s.signatures[sigKey]
	s.mu.RUnlock()

	if e != nil && time.Since(e.written) < s.config.Validation.SignatureTTL {
		if e.valid {
			return nil
		}
		return jwt.ErrInvalidSignature
	}

	if _, err := s.codec.ValidateToken(tokenString); err != nil {
		if errors.Is(err, jwt.ErrInvalidSignature) {
			s.storeSignature(sigKey, false)
		}
		return err
	}

	s.storeSignature(sigKey, true)
	return nil
}

func (s *Service) storeVerdict(fp string, tier Tier, result *Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.results[fp]; !exists && len(s.results) >= s.config.Validation.MaxEntries {
		s.evictOldestResultLocked()
	}

	s.results[fp] = &cacheEntry{
		tier:    tier,
		result:  result,
		err:     err,
		written: time.Now(),
	}
}

func (s *Service) storeSignature(sigKey string, valid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.signatures[sigKey]; !exists && len(s.signatures) >= s.config.Validation.MaxEntries {
		var oldestKey string
		var oldestAt time.Time
		for key, e := range s.signatures {
			if oldestKey == "" || e.written.Before(oldestAt) {
				oldestKey = key
				oldestAt = e.written
			}
		}
		delete(s.signatures, oldestKey)
	}

	s.signatures[sigKey] = &sigEntry{
		valid:   valid,
		written: time.Now(),
	}
}

// evictOldestResultLocked drops the oldest verdict to make room. Callers
// hold mu.
func (s *Service) evictOldestResultLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, e := range s.results {
		if oldestKey == "" || e.written.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.written
		}
	}
	if oldestKey != "" {
		delete(s.results, oldestKey)
	}
}

func (s *Service) ttlFor(tier Tier) time.Duration {
	switch tier {
	case TierStructural:
		return s.config.Validation.ClaimsTTL
	case TierSignature:
		return s.config.Validation.SignatureTTL
	default:
		return s.config.Validation.ResultTTL
	}
}

func signaturePart(tokenString string) string {
	idx := strings.LastIndex(tokenString, ".")
	if idx < 0 {
		return tokenString
	}
	return tokenString[idx+1:]
}
