package grace

import (
	"sync"
	"time"

	"github.com/quantgrid-labs/authcore/services/logging"
	"go.uber.org/zap"
)

type entry struct {
	userID    uint
	expiresAt time.Time
}

// Cache remembers the hashes of recently rotated refresh tokens for a short
// window. A client that races a sibling's rotation presents the superseded
// value; resolving its hash here yields the owning user so the request can
// be coalesced instead of rejected. Entries never hold plain token values.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	window  time.Duration
	logger  *logging.Service
}

func NewCache(window time.Duration, logger *logging.Service) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		window:  window,
		logger:  logger,
	}
}

// AddRevoked records a revoked token hash. Callers insert before marking the
// record revoked in storage so there is no moment where the old value is
// neither live nor in grace.
func (c *Cache) AddRevoked(tokenHash string, userID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[tokenHash] = entry{
		userID:    userID,
		expiresAt: time.Now().Add(c.window),
	}

	c.logger.Debug("token hash added to grace cache",
		zap.String("token_hash", tokenHash[:16]+"..."),
		zap.Uint("user_id", userID),
		zap.Int("total_entries", len(c.entries)))
}

// Resolve returns the user that owned a revoked token hash while its grace
// window is open. Expired entries are removed on the way out.
func (c *Cache) Resolve(tokenHash string) (uint, bool) {
	c.mu.RLock()
	e, exists := c.entries[tokenHash]
	c.mu.RUnlock()

	if !exists {
		return 0, false
	}

	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, tokenHash)
		c.mu.Unlock()

		c.logger.Debug("expired grace entry removed during lookup",
			zap.String("token_hash", tokenHash[:16]+"..."))
		return 0, false
	}

	c.logger.Debug("token hash resolved within grace window",
		zap.String("token_hash", tokenHash[:16]+"..."),
		zap.Uint("user_id", e.userID))

	return e.userID, true
}

// Sweep removes expired entries and reports how many were dropped. Keys are
// collected first and deleted after so the map is never mutated mid-scan.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []string
	for tokenHash, e := range c.entries {
		if now.After(e.expiresAt) {
			expired = append(expired, tokenHash)
		}
	}

	for _, tokenHash := range expired {
		delete(c.entries, tokenHash)
	}

	if len(expired) > 0 {
		c.logger.Debug("swept expired grace entries",
			zap.Int("expired_count", len(expired)),
			zap.Int("remaining_entries", len(c.entries)))
	}

	return len(expired)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			c.Sweep()
		}
	}()

	c.logger.Info("started grace cache sweeper",
		zap.Duration("interval", interval),
		zap.Duration("window", c.window))
}
