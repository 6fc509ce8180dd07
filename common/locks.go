package common

import (
	"context"
	"sync"
)

// NamedLocks hands out one mutual-exclusion lock per name. Entries are
// dropped once nobody holds or waits for them.
type NamedLocks struct {
	mu    sync.Mutex
	locks map[string]*namedLock
}

type namedLock struct {
	ch   chan struct{}
	refs int
}

// NewNamedLocks creates an empty registry.
func NewNamedLocks() *NamedLocks {
	return &NamedLocks{locks: make(map[string]*namedLock)}
}

// Lock acquires the lock for name, waiting until it is free or ctx is done.
// The returned function releases the lock and must be called exactly once.
func (l *NamedLocks) Lock(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*namedLock)
	}
	entry, ok := l.locks[name]
	if !ok {
		entry = &namedLock{ch: make(chan struct{}, 1)}
		l.locks[name] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(name, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			l.release(name, entry)
		})
	}, nil
}

func (l *NamedLocks) release(name string, entry *namedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, name)
	}
}

// Len returns the number of names currently held or awaited.
func (l *NamedLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
