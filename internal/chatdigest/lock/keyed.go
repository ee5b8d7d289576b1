package lock

import (
	"context"
	"sync"
	"time"
)

// KeyedMutex is an in-process Locker. Entries are reference counted and
// removed once nobody holds or waits for a key, so the table does not grow
// with the number of conversations ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	// ch has capacity 1; a token in the channel means "held".
	ch   chan struct{}
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) acquireEntry(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) releaseEntry(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *KeyedMutex) unlockFunc(key string, e *keyedEntry) Unlock {
	var once sync.Once
	return func() error {
		err := ErrNotHeld
		once.Do(func() {
			<-e.ch
			k.releaseEntry(key, e)
			err = nil
		})
		return err
	}
}

// Lock implements Locker.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	e := k.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		return k.unlockFunc(key, e), nil
	case <-ctx.Done():
		k.releaseEntry(key, e)
		return nil, ctx.Err()
	}
}

// TryLock implements Locker. ttl is ignored: an in-process holder cannot
// vanish without its deferred unlock running.
func (k *KeyedMutex) TryLock(_ context.Context, key string, _ time.Duration) (Unlock, bool, error) {
	e := k.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		return k.unlockFunc(key, e), true, nil
	default:
		k.releaseEntry(key, e)
		return nil, false, nil
	}
}

// Len reports how many keys are currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

var _ Locker = (*KeyedMutex)(nil)
