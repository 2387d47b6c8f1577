package lock

import (
	"context"
	"errors"
)

// ErrNotHeld is returned by Release for a lock this manager does not hold.
var ErrNotHeld = errors.New("lock is not held")

// DistributedLockManager serializes work across joinflow instances. Lock ids live in internal/constants.
type DistributedLockManager interface {
	// Acquire blocks until the lock is held or ctx is done.
	Acquire(ctx context.Context, lockID int) error
	// TryAcquire takes the lock only if nobody holds it.
	TryAcquire(ctx context.Context, lockID int) (bool, error)
	Release(ctx context.Context, lockID int) error
}
