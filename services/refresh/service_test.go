package refresh

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quantgrid-labs/authcore/config"
	"github.com/quantgrid-labs/authcore/services/activity"
	"github.com/quantgrid-labs/authcore/services/grace"
	"github.com/quantgrid-labs/authcore/services/jwt"
	"github.com/quantgrid-labs/authcore/services/refreshtoken"
	"github.com/quantgrid-labs/authcore/services/userstore"
	"github.com/quantgrid-labs/authcore/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type coordinatorFixture struct {
	coordinator *Coordinator
	store       *refreshtoken.Service
	users       *userstore.Service
	grace       *grace.Cache
	codec       *jwt.Service
	tracker     *activity.Tracker
	cfg         *config.Config
	db          *gorm.DB
	user        *userstore.User
}

func newCoordinatorFixture(t *testing.T, cfg *config.Config) *coordinatorFixture {
	db := testutils.SetupTestDB(t, &userstore.User{}, &refreshtoken.RefreshToken{})

	users := userstore.NewService(db, nil)
	user := &userstore.User{
		Username: testutils.TestUsers.Alice.Username,
		Email:    testutils.TestUsers.Alice.Email,
		Password: "irrelevant-here",
		Active:   true,
	}
	require.NoError(t, users.Create(user))

	store := refreshtoken.NewService(db, cfg, nil)
	graceCache := grace.NewCache(cfg.Grace.Window, nil)
	codec := jwt.NewService(cfg, nil)
	tracker := activity.NewTracker(cfg, nil)

	return &coordinatorFixture{
		coordinator: NewCoordinator(store, users, codec, graceCache, tracker, cfg, nil),
		store:       store,
		users:       users,
		grace:       graceCache,
		codec:       codec,
		tracker:     tracker,
		cfg:         cfg,
		db:          db,
		user:        user,
	}
}

func (f *coordinatorFixture) issue(t *testing.T) *refreshtoken.IssuedToken {
	issued, err := f.store.Issue(f.user.ID, f.cfg.RefreshToken.Expiry, nil)
	require.NoError(t, err)
	return issued
}

// liveTokenCount counts non-revoked records for the fixture user.
func (f *coordinatorFixture) liveTokenCount(t *testing.T) int64 {
	var count int64
	err := f.db.Model(&refreshtoken.RefreshToken{}).
		Where("user_id = ? AND revoked = ?", f.user.ID, false).
		Count(&count).Error
	require.NoError(t, err)
	return count
}

func TestFingerprint_Refresh(t *testing.T) {
	fp := fingerprint("opaque-refresh-value")

	assert.Len(t, fp, 16)
	assert.Equal(t, fp, fingerprint("opaque-refresh-value"))
	assert.NotEqual(t, fp, fingerprint("different-value"))
}

func TestCoordinator_Refresh_EmptyValue(t *testing.T) {
	f := newCoordinatorFixture(t, testutils.GetTestConfig())

	result, err := f.coordinator.Refresh("", false)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestCoordinator_Refresh_UnknownValue(t *testing.T) {
	f := newCoordinatorFixture(t, testutils.GetTestConfig())

	result, err := f.coordinator.Refresh("never-issued-value", false)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestCoordinator_Refresh_RotatesTokenPair(t *testing.T) {
	f := newCoordinatorFixture(t, testutils.GetTestConfig())
	issued := f.issue(t)

	result, err := f.coordinator.Refresh(issued.Token, false)

	require.NoError(t, err)
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
	assert.NotEqual(t, issued.Token, result.RefreshToken)
	assert.Equal(t, f.codec.GetAccessExpirySeconds(), result.AccessExpiresIn)
	assert.Equal(t, int(f.cfg.RefreshToken.Expiry.Seconds()), result.RefreshExpiresIn)
	assert.Equal(t, f.user.ID, result.UserID)

	// the minted access token passes full verification
	claims, err := f.codec.ValidateToken(result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, claims.UserID)
	assert.Equal(t, f.user.Username, claims.Subject)

	// old record revoked, its hash in grace, exactly one live record left
	old, err := f.store.FindByValue(issued.Token)
	require.NoError(t, err)
	assert.True(t, old.Revoked)

	graceUser, ok := f.grace.Resolve(issued.Hash)
	assert.True(t, ok)
	assert.Equal(t, f.user.ID, graceUser)

	assert.Equal(t, int64(1), f.liveTokenCount(t))

	replacement, err := f.store.Validate(result.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, replacement.UserID)

	// the rotation fed the activity tracker
	_, seen := f.tracker.LastSeen(f.user.ID)
	assert.True(t, seen)
}

func TestCoordinator_Refresh_ExtendedSession(t *testing.T) {
	f := newCoordinatorFixture(t, testutils.GetTestConfig())
	issued := f.issue(t)

	result, err := f.coordinator.Refresh(issued.Token, true)

	require.NoError(t, err)
	assert.Equal(t, int(f.cfg.RefreshToken.ExtendedExpiry.Seconds()), result.RefreshExpiresIn)

	record, err := f.store.Validate(result.RefreshToken)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(f.cfg.RefreshToken.ExtendedExpiry), record.ExpiresAt, 5*time.Second)
}

func TestCoordinator_Refresh_ServedFromResultCache(t *testing.T) {
	f := newCoordinatorFixture(t, testutils.GetTestConfig())
	issued := f.issue(t)

	first, err := f.coordinator.Refresh(issued.Token, false)
	require.NoError(t, err)

	// the same stale value from a second tab coalesces onto the same pair
	second, err := f.coordinator.Refresh(issued.Token, false)
	require.NoError(t, err)
	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, first.RefreshToken, second.RefreshToken)

	// the freshly minted value is cached too
	third, err := f.coordinator.Refresh(first.RefreshToken, false)
	require.NoError(t, err)
	assert.Equal(t, first.RefreshToken, third.RefreshToken)

	assert.Equal(t, int64(1), f.liveTokenCount(t))
}

// Two tabs firing refresh with the same stale value must both end up with
// working tokens while the store rotates only once.
func TestCoordinator_Refresh_ConcurrentSameToken(t *testing.T) {
	f := newCoordinatorFixture(t, testutils.GetTestConfig())
	issued := f.issue(t)

	const tabs = 8
	var wg sync.WaitGroup
	wg.Add(tabs)

	results := make([]*Result, tabs)
	errs := make([]error, tabs)
	for i := 0; i < tabs; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.coordinator.Refresh(issued.Token, false)
		}(i)
	}
	wg.Wait()

	for i := 0; i < tabs; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])

		claims, err := f.codec.ValidateToken(results[i].AccessToken)
		require.NoError(t, err)
		assert.Equal(t, f.user.ID, claims.UserID)

		// every tab converged on the single rotation's pair
		assert.Equal(t, results[0].RefreshToken, results[i].RefreshToken)
	}

	assert.Equal(t, int64(1), f.liveTokenCount(t))
}

// A tab holding the just-superseded value is still served while the grace
// window is open, even after the coalescing cache has moved on.
func TestCoordinator_Refresh_GraceWindowAcceptsSupersededValue(t *testing.T) {
	cfg := testutils.GetTestConfig()
	cfg.Refresh.ResultTTL = 30 * time.Millisecond
	f := newCoordinatorFixture(t, cfg)
	issued := f.issue(t)

	first, err := f.coordinator.Refresh(issued.Token, false)
	require.NoError(t, err)

	// past the result cache, still well inside the 60s grace window
	time.Sleep(50 * time.Millisecond)

	second, err := f.coordinator.Refresh(issued.Token, false)
	require.NoError(t, err)
	assert.Equal(t, first.UserID, second.UserID)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	claims, err := f.codec.ValidateToken(second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.user.Username, claims.Subject)

	// the sibling pair from the first rotation stays live; the store does
	// not enforce a single active record per user
	assert.Equal(t, int64(2), f.liveTokenCount(t))
}

func TestCoordinator_Refresh_RejectsSupersededValueAfterGrace(t *testing.T) {
	cfg := testutils.GetTestConfig()
	cfg.Refresh.ResultTTL = 30 * time.Millisecond
	cfg.Grace.Window = 60 * time.Millisecond
	f := newCoordinatorFixture(t, cfg)
	issued := f.issue(t)

	_, err := f.coordinator.Refresh(issued.Token, false)
	require.NoError(t, err)

	// past both the result cache and the grace window
	time.Sleep(100 * time.Millisecond)

	result, err := f.coordinator.Refresh(issued.Token, false)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestCoordinator_Refresh_ExpiredRecord(t *testing.T) {
	f := newCoordinatorFixture(t, testutils.GetTestConfig())
	issued, err := f.store.Issue(f.user.ID, -time.Hour, nil)
	require.NoError(t, err)

	result, err := f.coordinator.Refresh(issued.Token, false)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestCoordinator_Refresh_RevokedWithoutGrace(t *testing.T) {
	f := newCoordinatorFixture(t, testutils.GetTestConfig())
	issued := f.issue(t)

	// logout-style revocation never populates the grace cache
	require.NoError(t, f.store.Revoke(issued.TokenID))

	result, err := f.coordinator.Refresh(issued.Token, false)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestCoordinator_Refresh_InactiveUser(t *testing.T) {
	f := newCoordinatorFixture(t, testutils.GetTestConfig())
	issued := f.issue(t)

	require.NoError(t, f.db.Model(f.user).Update("active", false).Error)

	result, err := f.coordinator.Refresh(issued.Token, false)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, userstore.ErrUserInactive)
}

func TestCoordinator_Refresh_UnknownUser(t *testing.T) {
	f := newCoordinatorFixture(t, testutils.GetTestConfig())
	issued := f.issue(t)

	require.NoError(t, f.db.Delete(f.user).Error)

	result, err := f.coordinator.Refresh(issued.Token, false)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, userstore.ErrUserNotFound)
}

func TestCoordinator_Refresh_TooManyConcurrent(t *testing.T) {
	cfg := testutils.GetTestConfig()
	cfg.Refresh.PollInterval = 5 * time.Millisecond
	cfg.Refresh.MaxWait = 30 * time.Millisecond
	cfg.Refresh.LockTimeout = 30 * time.Millisecond
	f := newCoordinatorFixture(t, cfg)
	issued := f.issue(t)

	// simulate a stuck rotation holding alice's lock
	require.True(t, f.coordinator.locks.tryAcquire(f.user.ID))
	defer f.coordinator.locks.release(f.user.ID)

	result, err := f.coordinator.Refresh(issued.Token, false)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrTooManyConcurrentRefreshes)
	// distinct from the invalid-token outcome so callers can back off and retry
	assert.NotErrorIs(t, err, ErrInvalidRefreshToken)
}

// A waiter that cannot get the lock picks up the holder's result from the
// cache instead of timing out.
func TestCoordinator_Refresh_WaiterCoalescesOntoPeerResult(t *testing.T) {
	f := newCoordinatorFixture(t, testutils.GetTestConfig())
	issued := f.issue(t)

	require.True(t, f.coordinator.locks.tryAcquire(f.user.ID))

	peer := &Result{
		AccessToken:      "peer-access",
		RefreshToken:     "peer-refresh",
		AccessExpiresIn:  900,
		RefreshExpiresIn: 86400,
		UserID:           f.user.ID,
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		f.coordinator.results.put(f.user.ID, peer, fingerprint(issued.Token))
		f.coordinator.locks.release(f.user.ID)
	}()

	result, err := f.coordinator.Refresh(issued.Token, false)

	require.NoError(t, err)
	assert.Same(t, peer, result)
}

// A failed rotation surfaces the cause and leaves the user's lock free for
// the next caller.
func TestCoordinator_Refresh_StorageFailureReleasesLock(t *testing.T) {
	cfg := testutils.GetTestConfig()
	boom := errors.New("disk full")
	store := &stubTokenStore{
		record: &refreshtoken.RefreshToken{
			ID:        1,
			UserID:    42,
			TokenHash: refreshtoken.HashValue("stale-value"),
			ExpiresAt: time.Now().Add(time.Hour),
		},
		issueErr: boom,
	}
	users := &stubUsers{user: &userstore.User{ID: 42, Username: "alice", Active: true}}
	graceCache := grace.NewCache(cfg.Grace.Window, nil)
	coordinator := NewCoordinator(store, users, jwt.NewService(cfg, nil), graceCache, nil, cfg, nil)

	_, err := coordinator.Refresh("stale-value", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageFailure)
	assert.ErrorIs(t, err, boom)

	// the lock is free again: a second caller proceeds without waiting
	store.issueErr = nil
	store.issued = &refreshtoken.IssuedToken{
		Token:     "fresh-value",
		TokenID:   2,
		Hash:      refreshtoken.HashValue("fresh-value"),
		ExpiresAt: time.Now().Add(time.Hour),
	}

	start := time.Now()
	result, err := coordinator.Refresh("stale-value", false)
	require.NoError(t, err)
	assert.Equal(t, "fresh-value", result.RefreshToken)
	assert.Less(t, time.Since(start), cfg.Refresh.MaxWait)
}

// The grace entry is inserted before the old record is revoked, so even a
// failed revocation never leaves the old value in limbo.
func TestCoordinator_Refresh_GraceInsertPrecedesRevocation(t *testing.T) {
	cfg := testutils.GetTestConfig()
	store := &stubTokenStore{
		record: &refreshtoken.RefreshToken{
			ID:        1,
			UserID:    42,
			TokenHash: refreshtoken.HashValue("stale-value"),
			ExpiresAt: time.Now().Add(time.Hour),
		},
		issued: &refreshtoken.IssuedToken{
			Token:     "fresh-value",
			TokenID:   2,
			Hash:      refreshtoken.HashValue("fresh-value"),
			ExpiresAt: time.Now().Add(time.Hour),
		},
		revokeErr: errors.New("connection reset"),
	}
	users := &stubUsers{user: &userstore.User{ID: 42, Username: "alice", Active: true}}
	graceCache := grace.NewCache(cfg.Grace.Window, nil)
	coordinator := NewCoordinator(store, users, jwt.NewService(cfg, nil), graceCache, nil, cfg, nil)

	_, err := coordinator.Refresh("stale-value", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageFailure)

	graceUser, ok := graceCache.Resolve(refreshtoken.HashValue("stale-value"))
	assert.True(t, ok)
	assert.Equal(t, uint(42), graceUser)
}

func TestCoordinator_MaybeSweep(t *testing.T) {
	cfg := testutils.GetTestConfig()
	cfg.Refresh.ResultTTL = 20 * time.Millisecond
	cfg.Refresh.SweepChance = 1.0
	f := newCoordinatorFixture(t, cfg)

	f.coordinator.results.put(77, testResult(77), "fp-stale")
	time.Sleep(40 * time.Millisecond)

	_, err := f.coordinator.Refresh("unknown-value", false)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	// the call sampled a sweep, which drains the stale entries asynchronously
	assert.Eventually(t, func() bool {
		return f.coordinator.results.len() == 0
	}, time.Second, 10*time.Millisecond)
}

type stubTokenStore struct {
	record     *refreshtoken.RefreshToken
	issued     *refreshtoken.IssuedToken
	issueErr   error
	revokeErr  error
	issueCalls int
}

func (s *stubTokenStore) Issue(userID uint, lifetime time.Duration, deviceInfo map[string]any) (*refreshtoken.IssuedToken, error) {
	s.issueCalls++
	if s.issueErr != nil {
		return nil, s.issueErr
	}
	return s.issued, nil
}

func (s *stubTokenStore) FindByValue(value string) (*refreshtoken.RefreshToken, error) {
	if s.record == nil {
		return nil, refreshtoken.ErrRefreshTokenNotFound
	}
	return s.record, nil
}

func (s *stubTokenStore) Revoke(tokenID uint) error {
	return s.revokeErr
}

func (s *stubTokenStore) UpdateLastUsed(tokenID uint) error {
	return nil
}

type stubUsers struct {
	user *userstore.User
}

func (s *stubUsers) FindByID(id uint) (*userstore.User, error) {
	if s.user == nil {
		return nil, userstore.ErrUserNotFound
	}
	return s.user, nil
}
