package activity

import (
	"sync"
	"time"

	"github.com/quantgrid-labs/authcore/config"
	"github.com/quantgrid-labs/authcore/services/logging"
	"go.uber.org/zap"
)

type Kind string

const (
	KindLogin   Kind = "login"
	KindRequest Kind = "request"
	KindRefresh Kind = "refresh"
)

// Pattern classifies how often a user's sessions rotate tokens.
type Pattern string

const (
	PatternUnknown    Pattern = "unknown"
	PatternFrequent   Pattern = "frequent"
	PatternDaily      Pattern = "daily"
	PatternInfrequent Pattern = "infrequent"
)

type record struct {
	lastActive   time.Time
	sessionStart time.Time
	requestCount int
	refreshTimes []time.Time
	lastTokenID  uint
}

// Tracker keeps a bounded in-memory picture of per-user activity: when they
// were last seen, how busy the current session is and when their tokens
// were rotated. It feeds the advisory refresh threshold; losing its state
// on restart only resets advice, never correctness.
type Tracker struct {
	mu     sync.RWMutex
	users  map[uint]*record
	config *config.Config
	logger *logging.Service
}

func NewTracker(cfg *config.Config, logger *logging.Service) *Tracker {
	return &Tracker{
		users:  make(map[uint]*record),
		config: cfg,
		logger: logger,
	}
}

func (t *Tracker) RecordActivity(userID uint, kind Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.ensure(userID)
	now := time.Now()
	r.lastActive = now

	switch kind {
	case KindLogin:
		r.sessionStart = now
		r.requestCount = 0
	case KindRequest:
		r.requestCount++
	}
}

// RecordRefresh notes a completed token rotation. History is bounded to the
// configured size, oldest samples dropped first.
func (t *Tracker) RecordRefresh(userID uint, tokenID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.ensure(userID)
	now := time.Now()
	r.lastActive = now
	r.lastTokenID = tokenID
	r.refreshTimes = append(r.refreshTimes, now)

	if max := t.config.Activity.HistorySize; len(r.refreshTimes) > max {
		r.refreshTimes = r.refreshTimes[len(r.refreshTimes)-max:]
	}

	t.logger.Debug("refresh recorded",
		zap.Uint("user_id", userID),
		zap.Uint("token_id", tokenID))
}

// RefreshPattern classifies the user's rotation cadence and returns the
// average interval between recorded refreshes. Fewer than two samples is
// unknown with a zero interval.
func (t *Tracker) RefreshPattern(userID uint) (Pattern, time.Duration) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r := t.users[userID]
	return patternOf(r), avgRefreshInterval(r)
}

// DynamicThreshold derives how close to expiry an access token should get
// before a refresh is advised. Busy, frequently rotating users are advised
// earlier; quiet ones later. The result is clamped to the configured range.
func (t *Tracker) DynamicThreshold(userID uint) time.Duration {
	cfg := t.config.Activity

	t.mu.RLock()
	r := t.users[userID]
	pattern := patternOf(r)
	rate := requestsPerHour(r)
	t.mu.RUnlock()

	threshold := cfg.BaseThreshold
	switch pattern {
	case PatternFrequent:
		threshold = cfg.BaseThreshold * 2
	case PatternInfrequent:
		threshold = cfg.BaseThreshold / 2
	}

	// active sessions get earlier advice so tokens never expire mid-flow
	if rate >= 60 {
		threshold = threshold * 3 / 2
	}

	if threshold < cfg.MinThreshold {
		threshold = cfg.MinThreshold
	}
	if threshold > cfg.MaxThreshold {
		threshold = cfg.MaxThreshold
	}

	return threshold
}

func (t *Tracker) LastSeen(userID uint) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, exists := t.users[userID]
	if !exists {
		return time.Time{}, false
	}
	return r.lastActive, true
}

func (t *Tracker) TrackedUsers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users)
}

// Prune drops users idle beyond the retention period. Stale ids are
// collected first and deleted after so the map is never mutated mid-scan.
func (t *Tracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.config.Activity.Retention)
	var stale []uint
	for userID, r := range t.users {
		if r.lastActive.Before(cutoff) {
			stale = append(stale, userID)
		}
	}

	for _, userID := range stale {
		delete(t.users, userID)
	}

	if len(stale) > 0 {
		t.logger.Info("pruned stale activity records",
			zap.Int("pruned_count", len(stale)),
			zap.Int("remaining_users", len(t.users)))
	}

	return len(stale)
}

func (t *Tracker) StartPruner(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			t.Prune()
		}
	}()

	t.logger.Info("started activity pruner",
		zap.Duration("interval", interval),
		zap.Duration("retention", t.config.Activity.Retention))
}

// ensure returns the user's record, creating it if absent. Callers hold mu.
func (t *Tracker) ensure(userID uint) *record {
	r, exists := t.users[userID]
	if !exists {
		r = &record{}
		t.users[userID] = r
	}
	return r
}

// patternOf derives the cadence class from refresh history. Callers hold mu.
func patternOf(r *record) Pattern {
	avg := avgRefreshInterval(r)
	if avg == 0 {
		return PatternUnknown
	}

	switch {
	case avg < time.Hour:
		return PatternFrequent
	case avg < 24*time.Hour:
		return PatternDaily
	default:
		return PatternInfrequent
	}
}

// avgRefreshInterval is the mean spacing of the recorded refresh history,
// zero when fewer than two samples exist. Callers hold mu.
func avgRefreshInterval(r *record) time.Duration {
	if r == nil || len(r.refreshTimes) < 2 {
		return 0
	}

	first := r.refreshTimes[0]
	last := r.refreshTimes[len(r.refreshTimes)-1]
	return last.Sub(first) / time.Duration(len(r.refreshTimes)-1)
}

// requestsPerHour estimates session request rate. Sessions younger than a
// minute are normalised to a minute to keep early readings sane. Callers
// hold mu.
func requestsPerHour(r *record) float64 {
	if r == nil || r.sessionStart.IsZero() || r.requestCount == 0 {
		return 0
	}

	elapsed := time.Since(r.sessionStart)
	if elapsed < time.Minute {
		elapsed = time.Minute
	}
	return float64(r.requestCount) / elapsed.Hours()
}
