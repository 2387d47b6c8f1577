package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix    = "joinflow:lock:"
	redisRetryBackoff = 100 * time.Millisecond
)

// releaseScript deletes the key only if it still carries our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// redisLocker is the part of redis.Cmdable the lock manager needs.
type redisLocker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisDistributedLockManager takes locks with SET NX PX and a per-acquisition token.
// A lock expires after ttl even if the holder dies.
type RedisDistributedLockManager struct {
	client redisLocker
	ttl    time.Duration
	mu     sync.Mutex
	tokens map[int]string
}

func NewRedisDistributedLockManager(client redisLocker, ttl time.Duration) *RedisDistributedLockManager {
	return &RedisDistributedLockManager{
		client: client,
		ttl:    ttl,
		tokens: make(map[int]string),
	}
}

func redisKey(lockID int) string {
	return fmt.Sprintf("%s%d", redisKeyPrefix, lockID)
}

func (l *RedisDistributedLockManager) Acquire(ctx context.Context, lockID int) error {
	ticker := time.NewTicker(redisRetryBackoff)
	defer ticker.Stop()

	for {
		ok, err := l.TryAcquire(ctx, lockID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to acquire lock: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RedisDistributedLockManager) TryAcquire(ctx context.Context, lockID int) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, redisKey(lockID), token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.tokens[lockID] = token
	l.mu.Unlock()
	return true, nil
}

func (l *RedisDistributedLockManager) Release(ctx context.Context, lockID int) error {
	l.mu.Lock()
	token, ok := l.tokens[lockID]
	delete(l.tokens, lockID)
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("failed to release lock %d: %w", lockID, ErrNotHeld)
	}

	deleted, err := l.client.Eval(ctx, releaseScript, []string{redisKey(lockID)}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("failed to release lock %d: expired before release: %w", lockID, ErrNotHeld)
	}
	return nil
}
