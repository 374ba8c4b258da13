package identity

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyfold/nbworker/pkg/metrics"
)

// ErrLockHeld is returned by a Locker when another worker holds the lock.
var ErrLockHeld = errors.New("identity lock held by another worker")

// Lock is an acquired, time-bounded exclusive hold.
type Lock interface {
	// Extend renews the lease. Returns ErrClaimLost if the lease is no
	// longer held.
	Extend(ctx context.Context) error

	// Release drops the lease.
	Release(ctx context.Context) error
}

// Locker acquires named distributed locks with a lease TTL.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lock, error)
}

// LockStrategy claims identities through a distributed lease lock, iterating
// the catalog from a start index derived from the worker's ordinal and
// wrapping at most once.
type LockStrategy struct {
	registry   *Registry
	locker     Locker
	ttl        time.Duration
	startIndex int
	logger     zerolog.Logger
}

// NewLockStrategy builds a lock-based claim strategy. ordinal seeds the
// catalog start index so replicas spread their first attempts.
func NewLockStrategy(registry *Registry, locker Locker, ttl time.Duration, ordinal int, logger zerolog.Logger) *LockStrategy {
	return &LockStrategy{
		registry:   registry,
		locker:     locker,
		ttl:        ttl,
		startIndex: ordinal % registry.Len(),
		logger:     logger,
	}
}

// Claim acquires the first unheld, unexcluded identity, wrapping once around
// the catalog. Fails with PoolExhaustedError after a full pass.
func (s *LockStrategy) Claim(ctx context.Context, exclude map[string]struct{}) (*Claim, error) {
	n := s.registry.Len()
	contended := 0
	excluded := 0

	for i := 0; i < n; i++ {
		id := s.registry.At((s.startIndex + i) % n)

		if _, skip := exclude[id.Name]; skip {
			excluded++
			continue
		}

		lock, err := s.locker.Acquire(ctx, id.Name, s.ttl)
		if errors.Is(err, ErrLockHeld) {
			s.logger.Debug().Str("identity", id.Name).Msg("Identity already claimed")
			metrics.ClaimAttempts.WithLabelValues("contended").Inc()
			contended++
			continue
		}
		if err != nil {
			metrics.ClaimAttempts.WithLabelValues("error").Inc()
			return nil, err
		}

		s.logger.Info().Str("identity", id.Name).Msg("Claimed identity")
		metrics.ClaimAttempts.WithLabelValues("claimed").Inc()
		return NewClaim(id, lock), nil
	}

	metrics.ClaimAttempts.WithLabelValues("exhausted").Inc()
	return nil, &PoolExhaustedError{
		PoolSize:  n,
		Excluded:  excluded,
		Contended: contended,
	}
}
