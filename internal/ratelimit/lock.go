package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	ErrLockHeld = errors.New("lock_held")
	// ErrLockLost means the lease expired and another owner may hold it now.
	ErrLockLost = errors.New("lock_lost")

	errLockUnconfigured = errors.New("lock_unconfigured")
	errLockArgs         = errors.New("lock_invalid_args")
)

// compare-and-delete; a stale owner must not free its successor's lease.
var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out single-owner leases on scheduler jobs so only one
// scheduler replica runs a job at a time.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// TryLock returns the owner token and true when the lease was taken.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errLockUnconfigured
	}
	if key == "" || ttl <= 0 {
		return "", false, errLockArgs
	}

	token := uuid.NewString()
	err := l.client.SetArgs(ctx, key, token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	switch {
	case errors.Is(err, redis.Nil):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return token, true, nil
}

// Release frees the lease owned by token. ErrLockLost reports that the lease
// had already expired or moved to another owner.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	deleted, err := releaseLease.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrLockLost
	}
	return nil
}

// WithLock runs fn under key, or returns ErrLockHeld without calling it.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	token, ok, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	fnErr := fn(ctx)
	if err := l.Release(context.WithoutCancel(ctx), key, token); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}
