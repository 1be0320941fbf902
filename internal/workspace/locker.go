package workspace

import (
	"context"
	"sync"
)

// Locker grants exclusive access to a session token for the duration of one dispatch.
type Locker interface {
	// Lock blocks until the token is held or ctx is done. The returned func
	// releases the lock and is safe to call more than once.
	Lock(ctx context.Context, token string) (func(), error)
	// TryLock acquires the token only if nobody holds it.
	TryLock(ctx context.Context, token string) (func(), bool, error)
}

type memoryEntry struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker is an in-process keyed mutex. Entries are dropped once no
// goroutine holds or waits for them.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]*memoryEntry)}
}

func (l *MemoryLocker) acquireRef(token string) *memoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[token]
	if !ok {
		e = &memoryEntry{ch: make(chan struct{}, 1)}
		l.entries[token] = e
	}
	e.refs++
	return e
}

func (l *MemoryLocker) releaseRef(token string, e *memoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, token)
	}
}

func (l *MemoryLocker) unlocker(token string, e *memoryEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.releaseRef(token, e)
		})
	}
}

func (l *MemoryLocker) Lock(ctx context.Context, token string) (func(), error) {
	e := l.acquireRef(token)
	select {
	case e.ch <- struct{}{}:
		return l.unlocker(token, e), nil
	case <-ctx.Done():
		l.releaseRef(token, e)
		return nil, ctx.Err()
	}
}

func (l *MemoryLocker) TryLock(_ context.Context, token string) (func(), bool, error) {
	e := l.acquireRef(token)
	select {
	case e.ch <- struct{}{}:
		return l.unlocker(token, e), true, nil
	default:
		l.releaseRef(token, e)
		return nil, false, nil
	}
}
