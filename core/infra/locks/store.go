// Package locks provides leases that keep housekeeping on one replica.
package locks

import (
	"context"
	"time"
)

const defaultTTL = 30 * time.Second

// Locker grants a time-bounded lease on a named resource. Acquiring a lease
// the owner already holds extends it.
type Locker interface {
	TryAcquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) error
}

// Local always grants the lease. It serves single-process deployments.
type Local struct{}

func (Local) TryAcquire(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (Local) Release(context.Context, string, string) error { return nil }

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}
