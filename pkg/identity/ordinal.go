package identity

import (
	"context"
	"fmt"
)

// OrdinalStrategy claims identities by mapping the worker's stable
// deployment ordinal 1:1 onto a catalog slot. No runtime coordination is
// required: the orchestration layer guarantees ordinal uniqueness.
type OrdinalStrategy struct {
	registry *Registry
	ordinal  int
}

// NewOrdinalStrategy builds an ordinal claim strategy. The ordinal must
// address a catalog slot.
func NewOrdinalStrategy(registry *Registry, ordinal int) (*OrdinalStrategy, error) {
	if ordinal < 0 || ordinal >= registry.Len() {
		return nil, fmt.Errorf("ordinal %d outside identity catalog of size %d", ordinal, registry.Len())
	}
	return &OrdinalStrategy{registry: registry, ordinal: ordinal}, nil
}

// Claim returns the identity at the worker's slot. There is no alternative
// slot, so an excluded identity exhausts the pool for this worker.
func (s *OrdinalStrategy) Claim(ctx context.Context, exclude map[string]struct{}) (*Claim, error) {
	id := s.registry.At(s.ordinal)

	if _, skip := exclude[id.Name]; skip {
		return nil, &PoolExhaustedError{
			PoolSize: s.registry.Len(),
			Excluded: 1,
		}
	}

	return NewClaim(id, nil), nil
}
