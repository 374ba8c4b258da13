package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClaimLost indicates the lease behind a claim could not be renewed.
// The worker must treat this exactly like losing its session.
var ErrClaimLost = errors.New("identity claim lost")

// PoolExhaustedError is returned when no identity could be claimed after
// one full pass over the catalog. It is fatal to worker startup.
type PoolExhaustedError struct {
	PoolSize  int
	Excluded  int
	Contended int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf(
		"identity pool exhausted: no identity available out of %d (%d held by other workers, %d excluded this pass)",
		e.PoolSize, e.Contended, e.Excluded,
	)
}

// Claim is an exclusive hold on one identity for the process lifetime.
// There is no unclaim operation; exclusivity lapses when the lease expires
// after process exit, or immediately for ordinal claims.
type Claim struct {
	Identity  Identity
	ClaimedAt time.Time

	lock Lock
}

// NewClaim builds a claim over an acquired lock. A nil lock means the
// claim needs no renewal, as with ordinal claims.
func NewClaim(id Identity, lock Lock) *Claim {
	return &Claim{
		Identity:  id,
		ClaimedAt: time.Now(),
		lock:      lock,
	}
}

// Renew extends the lease behind the claim. Ordinal claims have no lease
// and renew trivially.
func (c *Claim) Renew(ctx context.Context) error {
	if c.lock == nil {
		return nil
	}
	return c.lock.Extend(ctx)
}

// Release drops the lease. Best effort: the lease TTL is the real guarantee.
func (c *Claim) Release(ctx context.Context) error {
	if c.lock == nil {
		return nil
	}
	return c.lock.Release(ctx)
}

// Strategy claims one identity from the catalog for this worker.
// Identities in exclude are skipped for this pass (used when cycling away
// from orphaned sessions).
type Strategy interface {
	Claim(ctx context.Context, exclude map[string]struct{}) (*Claim, error)
}
