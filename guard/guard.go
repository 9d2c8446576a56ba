// Package guard is a process-local keyed lock registry. Entries are advisory:
// they record which TaskInstance currently drives a key, never whether work
// was done.
package guard

import (
	"sync"
	"time"
)

type entry struct {
	owner   string
	touched time.Time
}

// Registry maps lock keys to their current owner. An entry whose owner shows
// no activity for longer than the grace window is treated as free.
type Registry struct {
	mu      sync.Mutex
	grace   time.Duration
	now     func() time.Time
	entries map[string]*entry
}

type Option func(*Registry)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(grace time.Duration, opts ...Option) *Registry {
	r := &Registry{grace: grace, now: time.Now, entries: make(map[string]*entry)}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) expired(e *entry, now time.Time) bool {
	return r.grace > 0 && now.Sub(e.touched) > r.grace
}

// Acquire never blocks. It returns a lease when key is free, expired, or
// already owned by owner.
func (r *Registry) Acquire(key, owner string) (*Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if e, ok := r.entries[key]; ok && e.owner != owner && !r.expired(e, now) {
		return nil, false
	}
	r.entries[key] = &entry{owner: owner, touched: now}
	return &Lease{r: r, key: key, owner: owner}, true
}

// Release frees key regardless of owner. Releasing a free key is a no-op.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

func (r *Registry) releaseOwned(key, owner string) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok && e.owner == owner {
		delete(r.entries, key)
	}
	r.mu.Unlock()
}

// Owner returns the live owner of key.
func (r *Registry) Owner(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || r.expired(e, r.now()) {
		return "", false
	}
	return e.owner, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Lease is a scoped hold on one key. Release is idempotent and only frees the
// key while this lease still owns it.
type Lease struct {
	r     *Registry
	key   string
	owner string
	once  sync.Once
}

func (l *Lease) Key() string { return l.key }

// Touch records activity, postponing the time-based fallback release.
func (l *Lease) Touch() {
	l.r.mu.Lock()
	if e, ok := l.r.entries[l.key]; ok && e.owner == l.owner {
		e.touched = l.r.now()
	}
	l.r.mu.Unlock()
}

// Held reports whether the lease still owns its key.
func (l *Lease) Held() bool {
	owner, ok := l.r.Owner(l.key)
	return ok && owner == l.owner
}

func (l *Lease) Release() {
	l.once.Do(func() { l.r.releaseOwned(l.key, l.owner) })
}
