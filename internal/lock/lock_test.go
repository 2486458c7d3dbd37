package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	t.Parallel()

	km := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "breaker:anthropic")
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, km.size())
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	t.Parallel()

	km := NewKeyedMutex()
	unlockA, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := km.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	t.Parallel()

	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	unlock() // second call is a no-op
	assert.Equal(t, 0, km.size())
}

func TestLockAll_SortedAndDeduped(t *testing.T) {
	t.Parallel()

	rec := &recordingLocker{inner: NewKeyedMutex()}
	unlock, err := LockAll(context.Background(), rec, "c", "a", "b", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, rec.order)
	unlock()
	unlock()
	assert.Equal(t, 0, rec.inner.size())
}

func TestLockAll_ReleasesOnFailure(t *testing.T) {
	t.Parallel()

	km := NewKeyedMutex()
	held, err := km.Lock(context.Background(), "b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = LockAll(ctx, km, "a", "b")
	require.Error(t, err)

	// "a" was released after "b" failed.
	unlockA, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlockA()
	held()
}

type recordingLocker struct {
	mu    sync.Mutex
	order []string
	inner *KeyedMutex
}

func (r *recordingLocker) Lock(ctx context.Context, key string) (func(), error) {
	r.mu.Lock()
	r.order = append(r.order, key)
	r.mu.Unlock()
	return r.inner.Lock(ctx, key)
}

func TestKeyedMutex_AsLocker(t *testing.T) {
	t.Parallel()

	var l Locker = NewKeyedMutex()
	unlock, err := l.Lock(context.Background(), "artifact:a-1")
	require.NoError(t, err)
	require.NotNil(t, unlock)
	unlock()
}

func TestRedisLocker_NextPoll(t *testing.T) {
	t.Parallel()

	r := &RedisLocker{minPoll: 8 * time.Millisecond, maxPoll: 40 * time.Millisecond}

	tests := []struct {
		name     string
		base     time.Duration
		wantNext time.Duration
	}{
		{"doubles", 8 * time.Millisecond, 16 * time.Millisecond},
		{"doubles again", 16 * time.Millisecond, 32 * time.Millisecond},
		{"capped", 32 * time.Millisecond, 40 * time.Millisecond},
		{"stays capped", 40 * time.Millisecond, 40 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for range 20 {
				next, wait := r.nextPoll(tt.base)
				assert.Equal(t, tt.wantNext, next)
				assert.GreaterOrEqual(t, wait, tt.base/2)
				assert.LessOrEqual(t, wait, tt.base)
			}
		})
	}
}
