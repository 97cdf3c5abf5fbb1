package safetodo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Query keys
// ============================================================================

// QueryKey identifies a cached query. Keys are tuples; invalidation and
// updates match every key that starts with the given prefix.
type QueryKey []string

// HasPrefix reports whether k starts with every element of prefix.
func (k QueryKey) HasPrefix(prefix QueryKey) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (k QueryKey) String() string {
	return strings.Join(k, "/")
}

func (k QueryKey) id() string {
	return strings.Join(k, "\x00")
}

// Key families used by the notification subsystem.
var (
	KeyNotifications       = QueryKey{"notifications"}
	KeyNotificationsUnseen = QueryKey{"notifications", "unseen"}
	KeyNotificationsMenu   = QueryKey{"notifications", "menu"}
	KeyNotificationsUnread = QueryKey{"notifications-unread"}
	KeyUsers               = QueryKey{"users"}
	KeyMe                  = QueryKey{"me"}
)

// ============================================================================
// QueryCache
// ============================================================================

type cacheEntry struct {
	key         QueryKey
	data        any
	updatedAt   time.Time
	invalidated bool
	gen         uint64
	seq         uint64
}

// FetchOptions controls a read-through fetch.
type FetchOptions struct {
	// StaleTime is how long a fetched value is served without refetching.
	// Zero means every read refetches.
	StaleTime time.Duration
	// Force refetches regardless of freshness and never joins a fetch that
	// is already in flight.
	Force bool
}

// QueryCache is a read-through cache of REST query results with explicit,
// prefix-based invalidation. Concurrent fetches of the same key share one
// request. It is safe for concurrent use.
type QueryCache struct {
	mu        sync.RWMutex
	entries   map[string]*cacheEntry
	listeners []func(QueryKey)
	seq       uint64
	resetSeq  uint64
	group     singleflight.Group
	now       func() time.Time
}

// NewQueryCache creates an empty cache.
func NewQueryCache() *QueryCache {
	return &QueryCache{
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// Fetch returns the cached value for key when it is fresh, and otherwise
// calls fn, stores its result and returns it. Errors are returned as-is and
// leave the previous entry untouched.
func Fetch[T any](ctx context.Context, c *QueryCache, key QueryKey, opts FetchOptions, fn func(context.Context) (T, error)) (T, error) {
	id := key.id()

	if !opts.Force {
		if v, ok := c.fresh(id, opts.StaleTime); ok {
			if typed, ok := v.(T); ok {
				return typed, nil
			}
		}
	}

	if opts.Force {
		c.group.Forget(id)
	}
	startGen, seq := c.begin(id)
	v, err, _ := c.group.Do(id, func() (any, error) {
		val, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, val, startGen, seq)
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, _ := v.(T)
	return typed, nil
}

func (c *QueryCache) fresh(id string, staleTime time.Duration) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || e.invalidated {
		return nil, false
	}
	if c.now().Sub(e.updatedAt) >= staleTime {
		return nil, false
	}
	return e.data, true
}

// begin records the start of a fetch: the entry generation it reads
// against and a sequence number ordering it after every earlier write.
func (c *QueryCache) begin(id string) (gen, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	if e, ok := c.entries[id]; ok {
		gen = e.gen
	}
	return gen, c.seq
}

// store writes a fetched value unless a later fetch or Set already wrote
// the entry. If the key was invalidated while the fetch was in flight the
// value is kept but stays marked for refetch.
func (c *QueryCache) store(key QueryKey, data any, startGen, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq <= c.resetSeq {
		return
	}
	id := key.id()
	e, ok := c.entries[id]
	if !ok {
		e = &cacheEntry{key: append(QueryKey(nil), key...)}
		c.entries[id] = e
	}
	if e.seq > seq {
		return
	}
	e.seq = seq
	e.data = data
	e.updatedAt = c.now()
	e.invalidated = e.gen != startGen
}

// Set stores data under key as a fresh value.
func (c *QueryCache) Set(key QueryKey, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := key.id()
	e, ok := c.entries[id]
	if !ok {
		e = &cacheEntry{key: append(QueryKey(nil), key...)}
		c.entries[id] = e
	}
	c.seq++
	e.seq = c.seq
	e.data = data
	e.updatedAt = c.now()
	e.invalidated = false
}

// Peek returns the cached value for key without regard to freshness.
func (c *QueryCache) Peek(key QueryKey) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key.id()]
	if !ok {
		return nil, false
	}
	return e.data, true
}

// IsInvalidated reports whether key has been marked for refetch.
func (c *QueryCache) IsInvalidated(key QueryKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key.id()]
	return ok && e.invalidated
}

// Invalidate marks every entry under prefix for refetch and notifies
// listeners. It returns the number of entries marked.
func (c *QueryCache) Invalidate(prefix QueryKey) int {
	c.mu.Lock()
	n := 0
	for _, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			e.invalidated = true
			e.gen++
			n++
		}
	}
	listeners := append([]func(QueryKey){}, c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		l(prefix)
	}
	return n
}

// Update rewrites every entry under prefix with fn. fn returns the new value
// and whether it changed anything; unchanged entries keep their timestamps.
func (c *QueryCache) Update(prefix QueryKey, fn func(key QueryKey, data any) (any, bool)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if !e.key.HasPrefix(prefix) {
			continue
		}
		if next, changed := fn(e.key, e.data); changed {
			e.data = next
			n++
		}
	}
	return n
}

// Remove drops every entry under prefix.
func (c *QueryCache) Remove(prefix QueryKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Reset drops every entry. Fetches started before Reset do not store
// their results.
func (c *QueryCache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.resetSeq = c.seq
	c.mu.Unlock()
}

// Keys returns the cached keys in lexical order.
func (c *QueryCache) Keys() []QueryKey {
	c.mu.RLock()
	keys := make([]QueryKey, 0, len(c.entries))
	for _, e := range c.entries {
		keys = append(keys, e.key)
	}
	c.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// OnInvalidate registers a listener called after every Invalidate.
func (c *QueryCache) OnInvalidate(fn func(prefix QueryKey)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}
