package activity

import (
	"testing"
	"time"

	"github.com/quantgrid-labs/authcore/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracker(t *testing.T) {
	tracker := NewTracker(testutils.GetTestConfig(), nil)

	assert.NotNil(t, tracker)
	assert.Equal(t, 0, tracker.TrackedUsers())
}

func TestTracker_RecordActivity(t *testing.T) {
	tracker := NewTracker(testutils.GetTestConfig(), nil)

	tracker.RecordActivity(1, KindLogin)
	tracker.RecordActivity(1, KindRequest)
	tracker.RecordActivity(1, KindRequest)

	last, ok := tracker.LastSeen(1)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), last, time.Second)
	assert.Equal(t, 1, tracker.TrackedUsers())

	r := tracker.users[1]
	assert.Equal(t, 2, r.requestCount)
	assert.False(t, r.sessionStart.IsZero())

	t.Run("login resets session counters", func(t *testing.T) {
		tracker.RecordActivity(1, KindLogin)
		assert.Equal(t, 0, tracker.users[1].requestCount)
	})

	t.Run("unseen user", func(t *testing.T) {
		_, ok := tracker.LastSeen(42)
		assert.False(t, ok)
	})
}

func TestTracker_RecordRefresh_BoundedHistory(t *testing.T) {
	cfg := testutils.GetTestConfig()
	cfg.Activity.HistorySize = 10
	tracker := NewTracker(cfg, nil)

	for i := 0; i < 15; i++ {
		tracker.RecordRefresh(1, uint(i+1))
	}

	r := tracker.users[1]
	assert.Len(t, r.refreshTimes, 10)
	assert.Equal(t, uint(15), r.lastTokenID)
}

func TestTracker_RefreshPattern(t *testing.T) {
	cfg := testutils.GetTestConfig()
	tracker := NewTracker(cfg, nil)

	setHistory := func(userID uint, interval time.Duration, samples int) {
		times := make([]time.Time, samples)
		base := time.Now().Add(-time.Duration(samples) * interval)
		for i := range times {
			times[i] = base.Add(time.Duration(i) * interval)
		}
		tracker.mu.Lock()
		tracker.users[userID] = &record{lastActive: time.Now(), refreshTimes: times}
		tracker.mu.Unlock()
	}

	t.Run("unknown with no history", func(t *testing.T) {
		pattern, avg := tracker.RefreshPattern(99)
		assert.Equal(t, PatternUnknown, pattern)
		assert.Zero(t, avg)
	})

	t.Run("unknown with single sample", func(t *testing.T) {
		setHistory(1, time.Minute, 1)
		pattern, avg := tracker.RefreshPattern(1)
		assert.Equal(t, PatternUnknown, pattern)
		assert.Zero(t, avg)
	})

	t.Run("frequent under an hour", func(t *testing.T) {
		setHistory(2, 10*time.Minute, 5)
		pattern, avg := tracker.RefreshPattern(2)
		assert.Equal(t, PatternFrequent, pattern)
		assert.Equal(t, 10*time.Minute, avg)
	})

	t.Run("daily under a day", func(t *testing.T) {
		setHistory(3, 6*time.Hour, 4)
		pattern, avg := tracker.RefreshPattern(3)
		assert.Equal(t, PatternDaily, pattern)
		assert.Equal(t, 6*time.Hour, avg)
	})

	t.Run("infrequent beyond a day", func(t *testing.T) {
		setHistory(4, 48*time.Hour, 3)
		pattern, avg := tracker.RefreshPattern(4)
		assert.Equal(t, PatternInfrequent, pattern)
		assert.Equal(t, 48*time.Hour, avg)
	})
}

func TestTracker_DynamicThreshold(t *testing.T) {
	cfg := testutils.GetTestConfig()
	cfg.Activity.BaseThreshold = 5 * time.Minute
	cfg.Activity.MinThreshold = 2 * time.Minute
	cfg.Activity.MaxThreshold = 15 * time.Minute

	newTrackerWithHistory := func(interval time.Duration, samples int) *Tracker {
		tracker := NewTracker(cfg, nil)
		if samples > 0 {
			times := make([]time.Time, samples)
			base := time.Now().Add(-time.Duration(samples) * interval)
			for i := range times {
				times[i] = base.Add(time.Duration(i) * interval)
			}
			tracker.users[1] = &record{lastActive: time.Now(), refreshTimes: times}
		}
		return tracker
	}

	t.Run("unknown pattern uses base", func(t *testing.T) {
		tracker := newTrackerWithHistory(0, 0)
		assert.Equal(t, 5*time.Minute, tracker.DynamicThreshold(1))
	})

	t.Run("frequent pattern doubles", func(t *testing.T) {
		tracker := newTrackerWithHistory(10*time.Minute, 5)
		assert.Equal(t, 10*time.Minute, tracker.DynamicThreshold(1))
	})

	t.Run("infrequent pattern halves", func(t *testing.T) {
		tracker := newTrackerWithHistory(48*time.Hour, 3)
		assert.Equal(t, 150*time.Second, tracker.DynamicThreshold(1))
	})

	t.Run("clamped to minimum", func(t *testing.T) {
		tracker := newTrackerWithHistory(48*time.Hour, 3)
		tracker.config.Activity.BaseThreshold = 3 * time.Minute
		defer func() { tracker.config.Activity.BaseThreshold = 5 * time.Minute }()
		assert.Equal(t, 2*time.Minute, tracker.DynamicThreshold(1))
	})

	t.Run("busy session bumps and clamps to maximum", func(t *testing.T) {
		tracker := newTrackerWithHistory(10*time.Minute, 5)
		tracker.users[1].sessionStart = time.Now().Add(-time.Hour)
		tracker.users[1].requestCount = 500
		assert.Equal(t, 15*time.Minute, tracker.DynamicThreshold(1))
	})
}

func TestTracker_Prune(t *testing.T) {
	cfg := testutils.GetTestConfig()
	cfg.Activity.Retention = time.Hour
	tracker := NewTracker(cfg, nil)

	tracker.RecordActivity(1, KindRequest)
	tracker.users[2] = &record{lastActive: time.Now().Add(-2 * time.Hour)}
	tracker.users[3] = &record{lastActive: time.Now().Add(-3 * time.Hour)}

	pruned := tracker.Prune()

	assert.Equal(t, 2, pruned)
	assert.Equal(t, 1, tracker.TrackedUsers())

	_, ok := tracker.LastSeen(1)
	assert.True(t, ok)
}

func TestTracker_StartPruner(t *testing.T) {
	cfg := testutils.GetTestConfig()
	cfg.Activity.Retention = 10 * time.Millisecond
	tracker := NewTracker(cfg, nil)

	tracker.RecordActivity(1, KindRequest)
	tracker.StartPruner(15 * time.Millisecond)

	assert.Eventually(t, func() bool {
		return tracker.TrackedUsers() == 0
	}, time.Second, 10*time.Millisecond)
}
