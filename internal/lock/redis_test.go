//go:build integration

package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected locker.
func setupRedis(t *testing.T, opts ...RedisOption) *RedisLocker {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rl, err := NewRedisLocker("redis://"+host+":"+port.Port(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { rl.Close() })
	require.NoError(t, rl.Ping(ctx))
	return rl
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	rl := setupRedis(t)

	var mu sync.Mutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := rl.Lock(context.Background(), "ratelimit:organization:org-1:messages_per_hour")
			require.NoError(t, err)
			mu.Lock()
			counter++
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, counter)
}

func TestRedisLocker_WaitTimeout(t *testing.T) {
	rl := setupRedis(t, WithWait(50*time.Millisecond))

	unlock, err := rl.Lock(context.Background(), "artifact:1")
	require.NoError(t, err)
	defer unlock()

	_, err = rl.Lock(context.Background(), "artifact:1")
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestRedisLocker_ExpiredLockNotReleasedByOldHolder(t *testing.T) {
	rl := setupRedis(t, WithTTL(50*time.Millisecond))

	first, err := rl.Lock(context.Background(), "k")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	second, err := rl.Lock(context.Background(), "k")
	require.NoError(t, err)

	// The stale holder's release must not drop the new holder's lock.
	first()
	exists, err := rl.client.Exists(context.Background(), "lock:k").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
	second()
}
