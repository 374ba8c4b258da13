package identity

import (
	"context"
	"errors"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

// RedsyncLocker implements Locker on top of a Redis lease lock.
type RedsyncLocker struct {
	rs     *redsync.Redsync
	prefix string
}

// NewRedsyncLocker builds a locker backed by the given Redis client.
// Lock keys are namespaced with prefix.
func NewRedsyncLocker(client goredislib.UniversalClient, prefix string) *RedsyncLocker {
	pool := goredis.NewPool(client)
	return &RedsyncLocker{
		rs:     redsync.New(pool),
		prefix: prefix,
	}
}

// Acquire takes the named lock with a single attempt. A held lock maps to
// ErrLockHeld so the claim strategy can advance to the next identity.
func (l *RedsyncLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	mutex := l.rs.NewMutex(
		l.prefix+name,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.TryLockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			return nil, ErrLockHeld
		}
		return nil, err
	}

	return &redsyncLock{mutex: mutex}, nil
}

type redsyncLock struct {
	mutex *redsync.Mutex
}

func (l *redsyncLock) Extend(ctx context.Context) error {
	ok, err := l.mutex.ExtendContext(ctx)
	if err != nil {
		return errors.Join(ErrClaimLost, err)
	}
	if !ok {
		return ErrClaimLost
	}
	return nil
}

func (l *redsyncLock) Release(ctx context.Context) error {
	_, err := l.mutex.UnlockContext(ctx)
	return err
}
