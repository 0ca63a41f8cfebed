package dialog

import (
	"sync"
	"time"
)

type lockEntry struct {
	mu       *sync.Mutex
	lastUsed time.Time
}

// lockRegistry hands out one mutex per dialog key. The registry's own
// mutex guards only lazy creation and eviction, never the exchange
// protocol itself, so creating the lock for a never-seen key cannot
// depend on holding that same lock.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*lockEntry)}
}

func (r *lockRegistry) lockFor(key string, now time.Time) *lockEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.locks[key]; ok {
		e.lastUsed = now
		return e
	}
	e := &lockEntry{mu: &sync.Mutex{}, lastUsed: now}
	r.locks[key] = e
	return e
}

// acquire blocks until the caller holds the registered lock for key and
// returns the release func. After locking it re-checks that the
// registry still maps key to the same entry: eviction may have removed
// the entry while the caller was waiting, in which case locking the
// orphan would let a second caller create a fresh lock for the same
// key. Retrying closes that window.
func (r *lockRegistry) acquire(key string, now func() time.Time) func() {
	for {
		e := r.lockFor(key, now())
		e.mu.Lock()
		r.mu.Lock()
		cur := r.locks[key]
		if cur == e {
			e.lastUsed = now()
			r.mu.Unlock()
			return e.mu.Unlock
		}
		r.mu.Unlock()
		e.mu.Unlock()
	}
}

// evictIdle removes locks idle for at least maxIdle. A lock that cannot
// be TryLock'd has an exchange in flight and is skipped. onEvict runs
// with the key's lock held so the caller can drop dependent state.
func (r *lockRegistry) evictIdle(now time.Time, maxIdle time.Duration, onEvict func(key string)) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for key, e := range r.locks {
		if now.Sub(e.lastUsed) < maxIdle {
			continue
		}
		if !e.mu.TryLock() {
			continue
		}
		delete(r.locks, key)
		if onEvict != nil {
			onEvict(key)
		}
		e.mu.Unlock()
		evicted++
	}
	return evicted
}

func (r *lockRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
