package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Deletes the key only while it still holds the caller's token.
const compareAndDelete = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const releaseTimeout = 2 * time.Second

var (
	ErrLockHeld = errors.New("lock_held")

	errLockUnconfigured = errors.New("lock client not configured")
	errLockArgs         = errors.New("lock key and ttl are required")
)

// Locker guards ops jobs so only one runner works at a time across hosts.
// The stored value is "<host>:<pid>:<uuid>", so GET on the key shows who
// holds it.
type Locker struct {
	client  *redis.Client
	release *redis.Script
	owner   string
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(compareAndDelete),
		owner:   fmt.Sprintf("%s:%d", host, os.Getpid()),
	}
}

// TryLock sets key if absent and returns the holder token on success.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errLockUnconfigured
	}
	if key == "" || ttl <= 0 {
		return "", false, errLockArgs
	}

	token := l.owner + ":" + uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !acquired {
		return "", false, err
	}
	return token, true, nil
}

// Release drops key if token still owns it. Expired or stolen locks are left alone.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{key}, token).Err()
}

// WithLock runs fn while holding key and returns ErrLockHeld when another
// runner has it. A nil Locker runs fn unguarded.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if l == nil {
		return fn(ctx)
	}
	token, acquired, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLockHeld
	}
	defer func() {
		// Release even when fn was cancelled.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		_ = l.Release(releaseCtx, key, token)
	}()
	return fn(ctx)
}
