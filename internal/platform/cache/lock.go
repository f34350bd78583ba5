package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned by Unlock when the key expired or was taken over
// by another holder.
var ErrLockNotHeld = errors.New("lock not held")

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived exclusive locks. Locks are advisory: callers
// that must be correct without them (the tail sweep) use them only to avoid
// duplicate work.
type Locker struct {
	client redis.UniversalClient
}

func NewLocker(client redis.UniversalClient) *Locker {
	return &Locker{client: client}
}

func lockKey(name string) string {
	return KeyPrefix + "lock:" + name
}

// TryLock attempts to take the named lock for ttl. It returns the token to
// pass to Unlock, or ok=false when someone else holds the lock.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = l.client.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock releases the lock if token still owns it.
func (l *Locker) Unlock(ctx context.Context, name, token string) error {
	n, err := unlockScript.Run(ctx, l.client, []string{lockKey(name)}, token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
