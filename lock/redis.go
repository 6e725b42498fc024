/*
Package lock provides a distributed engine.Locker backed by Redis.

PURPOSE:
  engine.KeyedMutex serializes aggregates inside one process. When several
  server processes share a database, the same keys must be serialized across
  them: two processes debiting one Centro would otherwise both compute
  balance_after from the same stale read.

PROTOCOL:
  acquire: SET <prefix><key> <token> NX PX <ttl>, retried every RetryInterval
           until it succeeds or ctx is done
  release: compare-and-delete in Lua, so a holder whose lease expired never
           deletes the next holder's lock

  The TTL bounds how long a crashed holder blocks a key. It must exceed the
  longest WithTx the engine runs; the default is generous.

SEE ALSO:
  - engine/lock.go: Locker interface, key naming, lock order
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/repair-engine/engine"
)

const (
	DefaultTTL           = 30 * time.Second
	DefaultRetryInterval = 25 * time.Millisecond
	DefaultPrefix        = "repair-engine:lock:"
)

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLocker implements engine.Locker.
type RedisLocker struct {
	Client        redis.UniversalClient
	TTL           time.Duration
	RetryInterval time.Duration
	Prefix        string
	Logger        *zap.Logger
}

func NewRedisLocker(client redis.UniversalClient, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		Client:        client,
		TTL:           DefaultTTL,
		RetryInterval: DefaultRetryInterval,
		Prefix:        DefaultPrefix,
		Logger:        logger,
	}
}

// Lock blocks until the key is acquired or ctx is done. Redis errors and
// cancellation are both reported as engine.ErrLockTimeout so callers treat
// them as retryable.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	name := l.Prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.Client.SetNX(ctx, name, token, l.TTL).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, engine.NewLockError(key, fmt.Errorf("redis: %w", err))
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, engine.NewLockError(key, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(name, token) })
	}, nil
}

// release deletes the lock if token still owns it. A failure leaves the key
// held until its TTL runs out, so it is logged rather than dropped.
func (l *RedisLocker) release(name, token string) {
	// Fresh context: the caller's may already be done.
	ctx, cancel := context.WithTimeout(context.Background(), l.RetryInterval*40)
	defer cancel()
	if err := releaseScript.Run(ctx, l.Client, []string{name}, token).Err(); err != nil {
		l.Logger.Warn("lock release failed, key held until TTL",
			zap.String("key", name),
			zap.Duration("ttl", l.TTL),
			zap.Error(err))
	}
}

// Ping verifies the connection, for startup checks.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.Client.Ping(ctx).Err()
}
