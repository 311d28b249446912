// Package progcache caches compiled GPU programs by source digest.
//
// Two layers with identical generated source share one pipeline. Entries
// live in 16 independently locked shards with LRU eviction per shard; an
// evicted or cleared value is handed to the release function so the caller
// can destroy its GPU objects.
package progcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
)

const (
	// ShardCount is the number of shards. Must be a power of 2.
	ShardCount = 16

	// DefaultCapacity is the default number of entries per shard.
	DefaultCapacity = 64

	shardMask = ShardCount - 1
)

// Key is the SHA-256 digest of a program variant.
type Key [sha256.Size]byte

// KeyOf digests the given parts. Parts are length-prefixed so that
// ("ab", "c") and ("a", "bc") differ.
func KeyOf(parts ...string) Key {
	h := sha256.New()
	var n [8]byte
	for _, p := range parts {
		l := uint64(len(p))
		for i := range n {
			n[i] = byte(l >> (8 * i))
		}
		h.Write(n[:])
		h.Write([]byte(p))
	}
	var k Key
	h.Sum(k[:0])
	return k
}

// String returns the first 12 hex digits, enough for log lines.
func (k Key) String() string { return hex.EncodeToString(k[:6]) }

// Stats is a snapshot of cache counters.
type Stats struct {
	Len       int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// HitRate returns hits/(hits+misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	if total := s.Hits + s.Misses; total > 0 {
		return float64(s.Hits) / float64(total)
	}
	return 0
}

type entry[V any] struct {
	value   V
	refs    int
	evicted bool
	node    *lruNode
}

type shard[V any] struct {
	mu      sync.Mutex
	entries map[Key]*entry[V]
	lru     lruList
}

// Cache is a sharded LRU cache of compiled programs. It is safe for
// concurrent use and must not be copied.
type Cache[V any] struct {
	shards   [ShardCount]*shard[V]
	capacity int
	release  func(V)

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache holding up to capacity entries per shard. release,
// if non-nil, is called once for every value that has left the cache and
// is no longer referenced.
func New[V any](capacity int, release func(V)) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache[V]{capacity: capacity, release: release}
	for i := range c.shards {
		c.shards[i] = &shard[V]{entries: make(map[Key]*entry[V])}
	}
	return c
}

func (c *Cache[V]) shard(k Key) *shard[V] { return c.shards[k[0]&shardMask] }

// Ref is a held cache entry.
type Ref[V any] struct {
	Value V
	c     *Cache[V]
	key   Key
	e     *entry[V]
	once  sync.Once
}

// Release drops the reference. An entry evicted while referenced is freed
// by its last holder. Release is idempotent.
func (r *Ref[V]) Release() {
	r.once.Do(func() {
		s := r.c.shard(r.key)
		s.mu.Lock()
		r.e.refs--
		free := r.e.refs == 0 && r.e.evicted
		s.mu.Unlock()
		if free {
			r.c.free(r.e.value)
		}
	})
}

// Acquire returns the entry for k, creating it on a miss. create runs under
// the shard lock, so concurrent misses on one key build once. Errors are
// not cached.
func (c *Cache[V]) Acquire(k Key, create func() (V, error)) (*Ref[V], error) {
	s := c.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[k]; ok {
		s.lru.MoveToFront(e.node)
		e.refs++
		c.hits.Add(1)
		return &Ref[V]{Value: e.value, c: c, key: k, e: e}, nil
	}
	c.misses.Add(1)
	v, err := create()
	if err != nil {
		return nil, err
	}
	c.evictLocked(s)
	e := &entry[V]{value: v, refs: 1, node: s.lru.PushFront(k)}
	s.entries[k] = e
	return &Ref[V]{Value: v, c: c, key: k, e: e}, nil
}

// evictLocked makes room for one entry. Referenced entries are dropped
// from the index but freed by their last holder.
func (c *Cache[V]) evictLocked(s *shard[V]) {
	for s.lru.Len() >= c.capacity {
		k, ok := s.lru.RemoveOldest()
		if !ok {
			return
		}
		e := s.entries[k]
		delete(s.entries, k)
		c.evictions.Add(1)
		e.evicted = true
		if e.refs == 0 {
			c.free(e.value)
		}
	}
}

func (c *Cache[V]) free(v V) {
	if c.release != nil {
		c.release(v)
	}
}

// Clear releases every unreferenced entry and forgets the rest.
func (c *Cache[V]) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			e.evicted = true
			if e.refs == 0 {
				c.free(e.value)
			}
		}
		s.entries = make(map[Key]*entry[V])
		s.lru.Clear()
		s.mu.Unlock()
	}
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Stats returns the current counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Len:       c.Len(),
		Capacity:  c.capacity * ShardCount,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
