package ingest

import "sync"

// keyedLocks serialises writers per document uid so two concurrent ingests
// of the same uid cannot interleave the delete-steps/upsert-doc/upsert-steps
// sequence. Entries are reference counted and dropped on release to keep the
// map bounded by the number of in-flight uids.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{entries: make(map[string]*lockEntry)}
}

// Lock acquires the per-key mutex and returns its release function.
func (k *keyedLocks) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
