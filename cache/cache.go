// Package cache implements the bounded, ordered key-value store shared
// by the check and report aggregators: capacity-bound LRU eviction on
// top of a hashicorp/golang-lru store, plus a second, policy-selected
// time-based sweep (idle-timeout for the check cache, age-based for
// the report cache) and a delete callback invoked while the cache's
// own lock is held.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EvictionPolicy selects how RemoveExpiredEntries decides an entry's
// age.
type EvictionPolicy int

const (
	// IdleTimeout expires an entry a fixed duration after it was last
	// looked up (the check cache's stale-while-refresh sweep).
	IdleTimeout EvictionPolicy = iota
	// AgeBased expires an entry a fixed duration after it was
	// inserted, regardless of subsequent lookups (the report cache's
	// flush sweep).
	AgeBased
)

// Deleter is invoked synchronously while the cache's internal lock is
// held, once per evicted entry. It must not call back into the cache
// that is evicting it; use a re-entry buffer to defer any such call.
type Deleter[K comparable, V any] func(key K, value V)

type record[V any] struct {
	value      V
	insertedAt time.Time
	lastTouch  time.Time
}

// Cache is a bounded map from K to V with LRU capacity eviction and a
// second time-based eviction policy.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	store    *lru.Cache[K, *record[V]]
	policy   EvictionPolicy
	deadline time.Duration
	deleter  Deleter[K, V]
	now      func() time.Time
}

// New builds a Cache with the given capacity (entries beyond it evict
// least-recently-used first), eviction policy, and per-policy
// duration. A capacity ≤ 0 means caching is disabled: Insert becomes
// a no-op and Lookup always misses.
func New[K comparable, V any](capacity int, policy EvictionPolicy, deadline time.Duration, deleter Deleter[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		policy:   policy,
		deadline: deadline,
		deleter:  deleter,
		now:      time.Now,
	}
	if capacity <= 0 {
		return c
	}
	store, err := lru.NewWithEvict[K, *record[V]](capacity, func(key K, r *record[V]) {
		if c.deleter != nil {
			c.deleter(key, r.value)
		}
	})
	if err != nil {
		// Only returned by golang-lru for size <= 0, already excluded above.
		panic(err)
	}
	c.store = store
	return c
}

// Enabled reports whether this cache actually stores entries.
func (c *Cache[K, V]) Enabled() bool {
	return c.store != nil
}

// Insert adds or replaces the entry for key, resetting its insertion
// and last-touch time, and bumping its recency.
func (c *Cache[K, V]) Insert(key K, value V) {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.store.Add(key, &record[V]{value: value, insertedAt: now, lastTouch: now})
}

// Lookup returns the cached value for key and bumps its recency and
// (for idle-timeout caches) its last-touch time.
func (c *Cache[K, V]) Lookup(key K) (V, bool) {
	var zero V
	if c.store == nil {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.store.Get(key)
	if !ok {
		return zero, false
	}
	r.lastTouch = c.now()
	return r.value, true
}

type cursorOp int

const (
	opNone cursorOp = iota
	opSet
	opDelete
)

// Cursor gives a Mutate callback exclusive, atomic access to one
// entry: its current value (if any), and the ability to leave it
// untouched, replace it, or delete it.
type Cursor[V any] struct {
	value V
	ok    bool
	op    cursorOp
}

// Get returns the entry's current value, or the zero value and false
// if it is absent.
func (cu *Cursor[V]) Get() (V, bool) {
	return cu.value, cu.ok
}

// Set replaces the entry's value, inserting it if it was absent.
func (cu *Cursor[V]) Set(v V) {
	cu.value = v
	cu.op = opSet
}

// Delete removes the entry, invoking the deleter if it was present.
func (cu *Cursor[V]) Delete() {
	cu.op = opDelete
}

// Mutate runs fn with exclusive access to the entry for key (present
// or not). This is how the check and report aggregators perform
// atomic read-modify-write against a single key: lookup, decide, and
// update all happen while the cache's lock is held.
func (c *Cache[K, V]) Mutate(key K, fn func(cu *Cursor[V])) {
	if c.store == nil {
		cu := &Cursor[V]{}
		fn(cu)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	r, existed := c.store.Get(key)
	cu := &Cursor[V]{}
	if existed {
		cu.value, cu.ok = r.value, true
	}
	fn(cu)
	switch cu.op {
	case opSet:
		if existed {
			r.value = cu.value
			r.lastTouch = now
		} else {
			c.store.Add(key, &record[V]{value: cu.value, insertedAt: now, lastTouch: now})
		}
	case opDelete:
		if existed {
			c.store.Remove(key) // triggers the evict callback synchronously
		}
	}
}

// RemoveExpiredEntries evicts every entry whose age under the
// configured policy is ≥ deadline, invoking the deleter for each.
func (c *Cache[K, V]) RemoveExpiredEntries() {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, key := range c.store.Keys() {
		r, ok := c.store.Peek(key)
		if !ok {
			continue
		}
		if c.expired(r, now) {
			c.store.Remove(key) // triggers the evict callback synchronously
		}
	}
}

func (c *Cache[K, V]) expired(r *record[V], now time.Time) bool {
	switch c.policy {
	case AgeBased:
		return now.Sub(r.insertedAt) >= c.deadline
	default:
		return now.Sub(r.lastTouch) >= c.deadline
	}
}

// RemoveAll evicts every entry, invoking the deleter for each.
func (c *Cache[K, V]) RemoveAll() {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Purge()
}

// Len returns the current entry count.
func (c *Cache[K, V]) Len() int {
	if c.store == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}
