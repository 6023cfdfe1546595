// Package lock provides keyed mutual exclusion for deployment runs.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld indicates another holder owns the key.
var ErrHeld = errors.New("lock: already held")

// Locker hands out exclusive, expiring ownership of a key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// LocalLocker is an in-process Locker for single-replica deployments.
type LocalLocker struct {
	held sync.Map
}

// NewLocal returns an in-process locker.
func NewLocal() *LocalLocker {
	return &LocalLocker{}
}

type localEntry struct {
	expires time.Time
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	entry := &localEntry{expires: time.Now().Add(ttl)}
	for {
		existing, loaded := l.held.LoadOrStore(key, entry)
		if !loaded {
			break
		}
		current := existing.(*localEntry)
		if ttl > 0 && time.Now().Before(current.expires) {
			return nil, ErrHeld
		}
		if ttl <= 0 {
			return nil, ErrHeld
		}
		if l.held.CompareAndSwap(key, current, entry) {
			break
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.held.CompareAndDelete(key, entry) })
	}, nil
}
