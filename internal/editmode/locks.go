package editmode

import (
	"sort"
	"sync"
	"time"
)

// LockRegistry records which scopes one controller is editing. It is advisory: nothing consults it
// before writing.
type LockRegistry struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{held: make(map[string]time.Time), clock: time.Now}
}

// Acquire marks scope as locked. Acquiring a held scope again is a no-op and reports false.
func (r *LockRegistry) Acquire(scope string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[scope]; ok {
		return false
	}
	r.held[scope] = r.clock()
	return true
}

func (r *LockRegistry) Held(scope string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[scope]
	return ok
}

func (r *LockRegistry) Scopes() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.held))
	for scope := range r.held {
		out = append(out, scope)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// ReleaseAll clears every lock and returns the scopes that were held.
func (r *LockRegistry) ReleaseAll() []string {
	r.mu.Lock()
	released := make([]string, 0, len(r.held))
	for scope := range r.held {
		released = append(released, scope)
	}
	r.held = make(map[string]time.Time)
	r.mu.Unlock()
	sort.Strings(released)
	return released
}
