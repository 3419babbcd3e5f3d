package engine

import (
	"slices"
	"sync"
)

// lockTable holds one mutex per record. Callers locking several records get
// them in ascending id order.
type lockTable struct {
	mu    sync.Mutex
	locks map[ID]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[ID]*sync.Mutex)}
}

func (lt *lockTable) get(id ID) *sync.Mutex {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	m, ok := lt.locks[id]
	if !ok {
		m = &sync.Mutex{}
		lt.locks[id] = m
	}
	return m
}

// lock acquires the locks of ids in ascending order and returns a function
// releasing them in reverse order.
func (lt *lockTable) lock(ids ...ID) func() {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	held := make([]*sync.Mutex, 0, len(ordered))
	for _, id := range ordered {
		if id == 0 {
			continue
		}
		m := lt.get(id)
		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// forget drops the mutex of a removed record.
func (lt *lockTable) forget(id ID) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	delete(lt.locks, id)
}
