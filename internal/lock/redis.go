package lock

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// unlockScript deletes the key only when it still holds our token, so an
// expired lock re-acquired by another worker is never released by us.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared across processes. Each lock is a key set
// with NX and a TTL holding a random token.
type RedisLocker struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	wait    time.Duration
	minPoll time.Duration
	maxPoll time.Duration
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets how long a lock lives if its holder never releases it.
func WithTTL(d time.Duration) RedisOption {
	return func(r *RedisLocker) { r.ttl = d }
}

// WithWait sets how long Lock polls before giving up.
func WithWait(d time.Duration) RedisOption {
	return func(r *RedisLocker) { r.wait = d }
}

// WithPrefix namespaces every key.
func WithPrefix(p string) RedisOption {
	return func(r *RedisLocker) { r.prefix = p }
}

// NewRedisLocker creates a RedisLocker from a Redis URL.
func NewRedisLocker(redisURL string, opts ...RedisOption) (*RedisLocker, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, eris.Wrap(err, "lock: parse redis url")
	}
	return NewRedisLockerFromClient(redis.NewClient(ropts), opts...), nil
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(client *redis.Client, opts ...RedisOption) *RedisLocker {
	r := &RedisLocker{
		client:  client,
		prefix:  "lock:",
		ttl:     10 * time.Second,
		wait:    5 * time.Second,
		minPoll: 5 * time.Millisecond,
		maxPoll: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Ping checks connectivity.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return eris.Wrap(r.client.Ping(ctx).Err(), "lock: redis ping")
}

// Close closes the underlying client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}

// nextPoll doubles the previous base delay up to maxPoll and returns the
// new base plus a jittered wait in [base/2, base].
func (r *RedisLocker) nextPoll(base time.Duration) (next, wait time.Duration) {
	next = min(base*2, r.maxPoll)
	half := base / 2
	wait = half + time.Duration(rand.Int64N(int64(half)+1))
	return next, wait
}

// Lock polls SET NX with jittered exponential backoff until the key is acquired, the
// wait budget is spent or ctx is done.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	full := r.prefix + key
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	poll := r.minPoll
	var pause time.Duration
	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, eris.Wrapf(err, "lock: setnx %s", key)
		}
		if ok {
			break
		}

		poll, pause = r.nextPoll(poll)
		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ErrLockTimeout, "lock: %s", key)
		case <-time.After(pause):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release with a fresh context; the caller's may already be done.
			rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer rcancel()
			if err := unlockScript.Run(rctx, r.client, []string{full}, token).Err(); err != nil {
				zap.L().Warn("lock: release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
