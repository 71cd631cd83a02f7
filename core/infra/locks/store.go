package locks

import (
	"context"
	"time"
)

// Store is the serialization primitive used to guard per-chain mutations.
// Acquire returns false without error when the lock is held by another owner.
type Store interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) error
}

// AcquireWait polls Acquire until the lock is obtained, the context is
// cancelled, or wait elapses. It returns false when the lock never came free.
func AcquireWait(ctx context.Context, s Store, resource, owner string, ttl, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := s.Acquire(ctx, resource, owner, ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}
