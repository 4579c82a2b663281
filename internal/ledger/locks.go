package ledger

import "sync"

// lockTable is an in-process per-account mutex table. It stands in for
// database row locks: every mutating unit of work acquires the account's
// mutex for the duration of its read-modify-write, so distinct accounts
// never block each other while operations on one account serialize.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the mutex for key and returns its unlock func.
func (t *lockTable) acquire(key string) func() {
	t.mu.Lock()
	m, ok := t.locks[key]
	if !ok {
		m = &sync.Mutex{}
		t.locks[key] = m
	}
	t.mu.Unlock()

	m.Lock()
	return m.Unlock
}
