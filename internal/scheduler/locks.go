package scheduler

import (
	"slices"
	"sync"
)

// ResourceLocks provides exclusive resource locks keyed by name. A task holds
// all of its keys for the whole run; tasks sharing a key never run together.
// Acquisition is all-or-nothing and never blocks, a task whose keys are busy
// stays Ready and the loop moves on to the next one.
type ResourceLocks struct {
	mu     sync.Mutex        // Guards the holders map
	holder map[string]string // key -> owner
}

// NewResourceLocks creates an empty lock table.
func NewResourceLocks() *ResourceLocks {
	return &ResourceLocks{
		holder: make(map[string]string),
	}
}

// TryLockAll acquires every key for owner, or none of them.
func (r *ResourceLocks) TryLockAll(owner string, keys []string) bool {
	if len(keys) == 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range keys {
		if h, held := r.holder[key]; held && h != owner {
			return false
		}
	}
	for _, key := range keys {
		r.holder[key] = owner
	}
	return true
}

// UnlockAll releases the keys held by owner. Keys held by someone else are left alone.
func (r *ResourceLocks) UnlockAll(owner string, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range keys {
		if r.holder[key] == owner {
			delete(r.holder, key)
		}
	}
}

// Held returns the held keys in sorted order.
func (r *ResourceLocks) Held() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.holder))
	for key := range r.holder {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
