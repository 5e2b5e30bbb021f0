// Package cache is the query-fingerprint result cache: bounded LRU,
// per-entry TTL, and at most one concurrent build per fingerprint.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"grepwise/internal/callgroup"
	"grepwise/internal/event"
)

const (
	DefaultTTL      = 30 * time.Second
	DefaultCapacity = 256
)

// Cache maps fingerprints to built values. Concurrent callers of the
// same fingerprint share one in-flight build; a failed build
// propagates to all waiters and is not cached.
type Cache[V any] struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu    sync.Mutex
	ll    *list.List // front = most recently used
	items map[string]*list.Element

	group callgroup.Group[string, V]

	hits, misses uint64
}

type entry[V any] struct {
	key     string
	val     V
	created time.Time
}

func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[V]{
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached value for key or builds it. The build runs at
// most once per fingerprint per cache generation.
func (c *Cache[V]) Get(ctx context.Context, key string, build func() (V, error)) (V, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}
	return c.group.Do(ctx, key, func() (V, error) {
		// A racing builder may have populated the entry between the
		// miss and the single-flight slot.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := build()
		if err != nil {
			return v, err
		}
		c.put(key, v)
		return v, nil
	})
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	ent := el.Value.(*entry[V])
	if c.now().Sub(ent.created) > c.ttl {
		c.ll.Remove(el)
		delete(c.items, key)
		c.misses++
		var zero V
		return zero, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return ent.val, true
}

func (c *Cache[V]) put(key string, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*entry[V]).val = val
		el.Value.(*entry[V]).created = c.now()
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&entry[V]{key: key, val: val, created: c.now()})
	c.items[key] = el
	for c.ll.Len() > c.capacity {
		back := c.ll.Back()
		c.ll.Remove(back)
		delete(c.items, back.Value.(*entry[V]).key)
	}
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns hit and miss counters.
func (c *Cache[V]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Versions tracks a per-partition write counter. Fingerprints embed
// the counters for the partitions a query touches, so any committed
// write naturally invalidates the affected cache entries.
type Versions struct {
	mu    sync.RWMutex
	byKey map[string]uint64
}

func NewVersions() *Versions {
	return &Versions{byKey: make(map[string]uint64)}
}

// Bump increments the counter for a partition key.
func (v *Versions) Bump(key string) {
	v.mu.Lock()
	v.byKey[key]++
	v.mu.Unlock()
}

// Run bumps versions from bus commit events until ctx is done.
func (v *Versions) Run(ctx context.Context, bus *event.Bus) {
	ch, cancel := bus.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			v.Bump(ev.PartitionKey)
		}
	}
}

// Stamp renders the counters for the given partition keys as a stable
// fingerprint component.
func (v *Versions) Stamp(keys []string) string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	v.mu.RLock()
	defer v.mu.RUnlock()
	var b strings.Builder
	for i, k := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s:%d", k, v.byKey[k])
	}
	return b.String()
}

// Fingerprint builds the canonical cache key from the normalized query
// text, time range, sort, limit, and the partition version stamp.
func Fingerprint(query string, start, end int64, sortSpec string, limit int, versions string) string {
	return fmt.Sprintf("q=%s|r=%d-%d|s=%s|l=%d|v=%s", query, start, end, sortSpec, limit, versions)
}
