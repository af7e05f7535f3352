package payroll

import (
	"sort"
	"sync"
)

// scopeLocks serializes mutations per (tenant, scope key) inside one
// process. Entries are reference counted and dropped when unused.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[string]*scopeLock
}

type scopeLock struct {
	mu   sync.Mutex
	refs int
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{locks: make(map[string]*scopeLock)}
}

// lock acquires the locks of all keys in sorted order and returns the
// release function. Duplicate keys are locked once.
func (l *scopeLocks) lock(tenantID string, scopeKeys ...string) func() {
	keys := make([]string, 0, len(scopeKeys))
	seen := make(map[string]bool, len(scopeKeys))
	for _, k := range scopeKeys {
		full := tenantID + "\x00" + k
		if k == "" || seen[full] {
			continue
		}
		seen[full] = true
		keys = append(keys, full)
	}
	sort.Strings(keys)

	held := make([]*scopeLock, 0, len(keys))
	for _, k := range keys {
		l.mu.Lock()
		sl, ok := l.locks[k]
		if !ok {
			sl = &scopeLock{}
			l.locks[k] = sl
		}
		sl.refs++
		l.mu.Unlock()

		sl.mu.Lock()
		held = append(held, sl)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.locks, keys[i])
			}
			l.mu.Unlock()
		}
	}
}
