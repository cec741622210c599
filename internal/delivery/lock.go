package delivery

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// boundedLock is a single-holder mutual-exclusion primitive whose
// acquisition is bounded by a caller-supplied timeout rather than
// waiting indefinitely. It is built on a weighted semaphore of size one
// because the stdlib sync.Mutex has no timed-acquire form and the core
// spec requires every Session lock acquisition to give up after
// lockTimeout rather than block producers unboundedly.
type boundedLock struct {
	sem *semaphore.Weighted
}

func newBoundedLock() *boundedLock {
	return &boundedLock{sem: semaphore.NewWeighted(1)}
}

// TryLock attempts to acquire the lock within timeout. It reports
// whether acquisition succeeded.
func (l *boundedLock) TryLock(timeout time.Duration) bool {
	if timeout <= 0 {
		return l.sem.TryAcquire(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.sem.Acquire(ctx, 1) == nil
}

// Unlock releases the lock. Callers must only call this after a
// successful TryLock.
func (l *boundedLock) Unlock() {
	l.sem.Release(1)
}
