package feedback

import "sync"

type itemLock struct {
	mu   sync.Mutex
	refs int
}

// itemLocks hands out one mutex per item id and forgets it once nobody holds
// or waits on it.
type itemLocks struct {
	mu    sync.Mutex
	locks map[string]*itemLock
}

func newItemLocks() *itemLocks {
	return &itemLocks{locks: make(map[string]*itemLock)}
}

func (l *itemLocks) lock(id string) func() {
	l.mu.Lock()
	il, ok := l.locks[id]
	if !ok {
		il = &itemLock{}
		l.locks[id] = il
	}
	il.refs++
	l.mu.Unlock()

	il.mu.Lock()

	return func() {
		il.mu.Unlock()

		l.mu.Lock()
		il.refs--
		if il.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *itemLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
