package refresh

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResult(userID uint) *Result {
	return &Result{
		AccessToken:      fmt.Sprintf("access-%d", userID),
		RefreshToken:     fmt.Sprintf("refresh-%d", userID),
		AccessExpiresIn:  900,
		RefreshExpiresIn: 2592000,
		UserID:           userID,
	}
}

func TestResultCache_PutAndGet(t *testing.T) {
	cache := newResultCache(time.Minute, 10)
	result := testResult(1)

	cache.put(1, result, "fp-old", "fp-new")

	assert.Same(t, result, cache.getByUser(1))
	assert.Same(t, result, cache.getByFingerprint("fp-old"))
	assert.Same(t, result, cache.getByFingerprint("fp-new"))
	assert.Nil(t, cache.getByUser(2))
	assert.Nil(t, cache.getByFingerprint("fp-unknown"))
}

func TestResultCache_EntriesExpire(t *testing.T) {
	cache := newResultCache(40*time.Millisecond, 10)
	cache.put(1, testResult(1), "fp")

	require.NotNil(t, cache.getByUser(1))
	require.NotNil(t, cache.getByFingerprint("fp"))

	time.Sleep(60 * time.Millisecond)

	assert.Nil(t, cache.getByUser(1))
	assert.Nil(t, cache.getByFingerprint("fp"))
}

func TestResultCache_PutOverwritesUserEntry(t *testing.T) {
	cache := newResultCache(time.Minute, 10)
	cache.put(1, testResult(1), "fp-a")

	rotated := testResult(1)
	rotated.AccessToken = "access-rotated"
	cache.put(1, rotated, "fp-b")

	got := cache.getByUser(1)
	require.NotNil(t, got)
	assert.Equal(t, "access-rotated", got.AccessToken)
}

func TestResultCache_Sweep(t *testing.T) {
	cache := newResultCache(40*time.Millisecond, 100)

	for i := uint(1); i <= 5; i++ {
		cache.put(i, testResult(i), fmt.Sprintf("fp-%d", i))
	}

	time.Sleep(60 * time.Millisecond)
	cache.put(9, testResult(9), "fp-fresh")

	removed := cache.sweep()

	// five user entries plus five fingerprint entries went stale
	assert.Equal(t, 10, removed)
	assert.Equal(t, 2, cache.len())
	assert.NotNil(t, cache.getByUser(9))
	assert.NotNil(t, cache.getByFingerprint("fp-fresh"))
}

func TestResultCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := newResultCache(time.Minute, 2)

	cache.put(1, testResult(1), "fp-1")
	time.Sleep(2 * time.Millisecond)
	cache.put(2, testResult(2), "fp-2")
	time.Sleep(2 * time.Millisecond)
	cache.put(3, testResult(3), "fp-3")

	assert.Nil(t, cache.getByUser(1))
	assert.Nil(t, cache.getByFingerprint("fp-1"))
	assert.NotNil(t, cache.getByUser(2))
	assert.NotNil(t, cache.getByUser(3))
	assert.NotNil(t, cache.getByFingerprint("fp-3"))
}
