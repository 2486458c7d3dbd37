// Package lock serializes read-modify-write sequences per key. Breaker
// state, rate-limit rows, artifacts and alert keys are each guarded by a
// key so that concurrent workers never interleave on the same record.
package lock

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// Locker acquires exclusive per-key locks. The returned func releases the
// lock and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

var (
	_ Locker = (*KeyedMutex)(nil)
	_ Locker = (*RedisLocker)(nil)
)

// ErrLockTimeout is returned when a lock cannot be acquired before the
// wait budget or the context runs out.
var ErrLockTimeout = eris.New("lock: timed out waiting for key")

// KeyedMutex is an in-process Locker. Entries are reference counted and
// dropped once no goroutine holds or waits on the key.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyEntry)}
}

// Lock blocks until key is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, eris.Wrapf(ErrLockTimeout, "lock: %s", key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// size reports the number of live entries.
func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// LockAll acquires every key in sorted order and returns a func releasing
// them in reverse. Duplicate keys are taken once. On failure nothing stays
// held.
func LockAll(ctx context.Context, l Locker, keys ...string) (func(), error) {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			sorted = append(sorted, k)
		}
	}
	sort.Strings(sorted)

	unlocks := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	for _, k := range sorted {
		unlock, err := l.Lock(ctx, k)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}
