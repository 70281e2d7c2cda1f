package session

import (
	"fmt"
	"sync"
)

// keyedMutex serializes lifecycle operations per (user, image) key without a
// global lock. Entries are refcounted and dropped when the last holder
// releases, so the map does not grow with the universe of past keys.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyEntry)}
}

// lock blocks until the key is exclusively held and returns the unlock func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

func sessionKey(userID string, imageID uint) string {
	return fmt.Sprintf("%s/%d", userID, imageID)
}
