package refresh

import (
	"sync"
	"time"
)

// userLocks hands out one single-slot semaphore per user id, created lazily.
// Channel semaphores support both a non-blocking try and a timed acquire,
// which a plain mutex cannot offer.
type userLocks struct {
	mu    sync.Mutex
	locks map[uint]chan struct{}
}

func newUserLocks() *userLocks {
	return &userLocks{
		locks: make(map[uint]chan struct{}),
	}
}

func (l *userLocks) get(userID uint) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, exists := l.locks[userID]
	if !exists {
		ch = make(chan struct{}, 1)
		l.locks[userID] = ch
	}
	return ch
}

func (l *userLocks) tryAcquire(userID uint) bool {
	select {
	case l.get(userID) <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *userLocks) acquire(userID uint, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.get(userID) <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

// release must only be called by the current holder.
func (l *userLocks) release(userID uint) {
	<-l.get(userID)
}
