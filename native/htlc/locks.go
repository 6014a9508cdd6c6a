package htlc

import "sync"

// keyedMutex serialises mutations per escrow id while letting unrelated
// escrows proceed in parallel. Entries are reference counted and dropped once
// no goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[EscrowID]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[EscrowID]*keyedEntry)}
}

// Lock acquires the critical section for id and returns its release func.
func (k *keyedMutex) Lock(id EscrowID) func() {
	k.mu.Lock()
	entry, ok := k.locks[id]
	if !ok {
		entry = &keyedEntry{}
		k.locks[id] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
