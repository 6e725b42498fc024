package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/repair-engine/engine"
)

// These tests need a Redis server: REDIS_ADDR=localhost:6379 go test ./lock/
func newTestLocker(t *testing.T) *RedisLocker {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	l := NewRedisLocker(client, nil)
	l.Prefix = "test:" + uuid.NewString() + ":"
	require.NoError(t, l.Ping(context.Background()))
	return l
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, engine.BalanceLockKey(engine.Centro("c1")))
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestRedisLocker_TimeoutIsRetryable(t *testing.T) {
	l := newTestLocker(t)

	unlock, err := l.Lock(context.Background(), "repair:r1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "repair:r1")

	assert.ErrorIs(t, err, engine.ErrLockTimeout)
	assert.True(t, engine.IsRetryable(err))
}

func TestRedisLocker_UnlockIsIdempotent(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "slots:c1")
	require.NoError(t, err)
	unlock()
	unlock()

	again, err := l.Lock(ctx, "slots:c1")
	require.NoError(t, err)
	again()
}

func TestRedisLocker_ReleaseFailureIsLogged(t *testing.T) {
	// GIVEN: A locker whose Redis is unreachable
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 20 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	core, logs := observer.New(zapcore.WarnLevel)
	l := NewRedisLocker(client, zap.New(core))
	l.RetryInterval = time.Millisecond

	// WHEN: A release is attempted
	l.release("test:slots:c1", "token")

	// THEN: The failure is reported instead of swallowed
	entries := logs.FilterMessage("lock release failed, key held until TTL").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "test:slots:c1", entries[0].ContextMap()["key"])
}
