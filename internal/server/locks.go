package server

import "sync"

// documentLocks serializes stage mutations per document id.
type documentLocks struct {
	mu    sync.Mutex
	locks map[string]*documentLock
}

type documentLock struct {
	mu      sync.Mutex
	holders int
}

func newDocumentLocks() *documentLocks {
	return &documentLocks{locks: make(map[string]*documentLock)}
}

// Lock blocks until documentID is free and returns the matching unlock.
func (l *documentLocks) Lock(documentID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[documentID]
	if !ok {
		lock = &documentLock{}
		l.locks[documentID] = lock
	}
	lock.holders++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.holders--
		if lock.holders == 0 {
			delete(l.locks, documentID)
		}
		l.mu.Unlock()
	}
}

func (l *documentLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
