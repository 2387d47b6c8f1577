package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLockManager is an in-process lock manager for single-instance runs and tests.
type LocalLockManager struct {
	mu   sync.Mutex
	held map[int]bool
}

func NewLocalLockManager() *LocalLockManager {
	return &LocalLockManager{held: make(map[int]bool)}
}

func (l *LocalLockManager) Acquire(ctx context.Context, lockID int) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if ok, _ := l.TryAcquire(ctx, lockID); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to acquire lock: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *LocalLockManager) TryAcquire(ctx context.Context, lockID int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[lockID] {
		return false, nil
	}
	l.held[lockID] = true
	return true, nil
}

func (l *LocalLockManager) Release(ctx context.Context, lockID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held[lockID] {
		return fmt.Errorf("failed to release lock %d: %w", lockID, ErrNotHeld)
	}
	delete(l.held, lockID)
	return nil
}
