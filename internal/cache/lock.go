package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"urlshortener/internal/kv"
	"urlshortener/utils"
)

var (
	// ErrLockNotAcquired means another instance held the lock for the whole wait.
	ErrLockNotAcquired = errors.New("cache: stampede lock not acquired")
	// ErrBackendDegraded wraps failures of the shared tier, lock service or bus.
	ErrBackendDegraded = errors.New("cache: shared backend degraded")
)

// StampedeLock is a cross-instance mutex keyed by cache key.
type StampedeLock struct {
	store  kv.Store
	prefix string
	wait   time.Duration
	hold   time.Duration
	poll   time.Duration
}

func NewStampedeLock(store kv.Store, prefix string, wait, hold time.Duration) *StampedeLock {
	poll := wait / 20
	if poll < 5*time.Millisecond {
		poll = 5 * time.Millisecond
	}
	return &StampedeLock{store: store, prefix: prefix + "lock:", wait: wait, hold: hold, poll: poll}
}

// WithLock runs task while holding the lock for key. It waits at most the
// configured wait for the lock; the lock expires on its own after the hold
// time even if this process dies. The token is released on every exit path.
func (l *StampedeLock) WithLock(ctx context.Context, key string, task func(context.Context) error) error {
	token, err := utils.CryptoRandomString(16)
	if err != nil {
		return fmt.Errorf("%w: lock token: %v", ErrBackendDegraded, err)
	}
	lockKey := l.prefix + key

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	for {
		ok, err := l.store.SetIfAbsent(waitCtx, lockKey, token, l.hold)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if waitCtx.Err() != nil {
				return ErrLockNotAcquired
			}
			return fmt.Errorf("%w: acquire %s: %v", ErrBackendDegraded, lockKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-waitCtx.Done():
			return ErrLockNotAcquired
		case <-time.After(l.poll):
		}
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_, _ = l.store.DeleteIfOwner(releaseCtx, lockKey, token)
	}()
	return task(ctx)
}
