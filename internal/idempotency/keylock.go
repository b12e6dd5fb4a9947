package idempotency

import "sync"

// KeyLock serializes local work on the same Key. It is used in front of the Guard when
// the backing store does not make a second claimant wait on the first one's
// uncommitted row.
type KeyLock struct {
	mu    sync.Mutex
	locks map[Key]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[Key]*keyEntry)}
}

// Lock blocks until key is free and returns the function that releases it.
func (l *KeyLock) Lock(key Key) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &keyEntry{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (l *KeyLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
