package refresh

import (
	"sync"
	"time"
)

// Result is what a completed refresh hands back to the client.
type Result struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresIn  int
	RefreshExpiresIn int
	UserID           uint
}

type resultEntry struct {
	result  *Result
	written time.Time
}

// resultCache remembers recent rotation results under two key spaces: the
// owning user id and the fingerprints of the presented and minted refresh
// values. A concurrent request can therefore coalesce whether it knows the
// user (post lookup) or only the raw token value (pre lookup).
type resultCache struct {
	mu            sync.Mutex
	byUserID      map[uint]*resultEntry
	byFingerprint map[string]*resultEntry
	ttl           time.Duration
	maxEntries    int
}

func newResultCache(ttl time.Duration, maxEntries int) *resultCache {
	return &resultCache{
		byUserID:      make(map[uint]*resultEntry),
		byFingerprint: make(map[string]*resultEntry),
		ttl:           ttl,
		maxEntries:    maxEntries,
	}
}

func (c *resultCache) getByUser(userID uint) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.byUserID[userID]
	if !exists {
		return nil
	}
	if time.Since(e.written) >= c.ttl {
		delete(c.byUserID, userID)
		return nil
	}
	return e.result
}

func (c *resultCache) getByFingerprint(fp string) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.byFingerprint[fp]
	if !exists {
		return nil
	}
	if time.Since(e.written) >= c.ttl {
		delete(c.byFingerprint, fp)
		return nil
	}
	return e.result
}

// put stores one entry under the user id and every given fingerprint, so
// both lookup paths resolve to the same result.
func (c *resultCache) put(userID uint, result *Result, fingerprints ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &resultEntry{
		result:  result,
		written: time.Now(),
	}

	if _, exists := c.byUserID[userID]; !exists && len(c.byUserID) >= c.maxEntries {
		evictOldestUser(c.byUserID)
	}
	c.byUserID[userID] = e

	for _, fp := range fingerprints {
		if _, exists := c.byFingerprint[fp]; !exists && len(c.byFingerprint) >= c.maxEntries {
			evictOldestFingerprint(c.byFingerprint)
		}
		c.byFingerprint[fp] = e
	}
}

// sweep removes stale entries from both maps. Keys are collected first and
// deleted after so neither map is mutated mid-scan.
func (c *resultCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	var staleUsers []uint
	for userID, e := range c.byUserID {
		if now.Sub(e.written) >= c.ttl {
			staleUsers = append(staleUsers, userID)
		}
	}
	for _, userID := range staleUsers {
		delete(c.byUserID, userID)
	}

	var staleFingerprints []string
	for fp, e := range c.byFingerprint {
		if now.Sub(e.written) >= c.ttl {
			staleFingerprints = append(staleFingerprints, fp)
		}
	}
	for _, fp := range staleFingerprints {
		delete(c.byFingerprint, fp)
	}

	return len(staleUsers) + len(staleFingerprints)
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byUserID) + len(c.byFingerprint)
}

func evictOldestUser(entries map[uint]*resultEntry) {
	var oldestKey uint
	var oldestAt time.Time
	found := false
	for key, e := range entries {
		if !found || e.written.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.written
			found = true
		}
	}
	if found {
		delete(entries, oldestKey)
	}
}

func evictOldestFingerprint(entries map[string]*resultEntry) {
	var oldestKey string
	var oldestAt time.Time
	found := false
	for key, e := range entries {
		if !found || e.written.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.written
			found = true
		}
	}
	if found {
		delete(entries, oldestKey)
	}
}
