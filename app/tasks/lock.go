package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRunLockTTL = 10 * time.Minute

var ErrLockNotHeld = errors.New("lock not held")

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisRunLock is a per-source SET NX lock shared by scheduler processes.
// The run id is the lock token.
type RedisRunLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ RunLock = (*RedisRunLock)(nil)

func NewRedisRunLock(client *redis.Client, ttl time.Duration) *RedisRunLock {
	if ttl <= 0 {
		ttl = DefaultRunLockTTL
	}
	return &RedisRunLock{client: client, prefix: "notice-comb:run:", ttl: ttl}
}

func (l *RedisRunLock) Acquire(ctx context.Context, sourceID, runID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+sourceID, runID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

func (l *RedisRunLock) Release(ctx context.Context, sourceID, runID string) error {
	result, err := releaseScript.Run(ctx, l.client, []string{l.prefix + sourceID}, runID).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *RedisRunLock) Extend(ctx context.Context, sourceID, runID string) error {
	result, err := extendScript.Run(ctx, l.client, []string{l.prefix + sourceID}, runID, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *RedisRunLock) TTL() time.Duration {
	return l.ttl
}
