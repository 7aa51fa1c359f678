package ledger

import (
	"slices"
	"sync"
)

// lockTable hands out one mutex per key. Keys are always taken in
// ascending order so two transfers between the same pair of accounts
// cannot deadlock.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*keyLock)}
}

// acquire locks every distinct key and returns the matching release func.
func (t *lockTable) acquire(keys ...string) func() {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*keyLock, 0, len(sorted))
	for _, k := range sorted {
		t.mu.Lock()
		kl, ok := t.locks[k]
		if !ok {
			kl = &keyLock{}
			t.locks[k] = kl
		}
		kl.refs++
		t.mu.Unlock()

		kl.mu.Lock()
		held = append(held, kl)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			t.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(t.locks, sorted[i])
			}
			t.mu.Unlock()
		}
	}
}
