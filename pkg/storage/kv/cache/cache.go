// Package cache implements the entry cache (C8): an LRU over
// allocated IDs, a DN→ID index so lookups by name hit the same LRU
// slot, and a per-ID lock the write orchestrator holds across a
// commit's cache update (C8's reader-count contract), per spec.md
// §4.7/§9.
package cache

import (
	"container/list"
	"sync"

	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/rcastellor/dirstore/pkg/entry"
)

// DefaultSize is used when a caller configures a non-positive size.
const DefaultSize = 1000

type slot struct {
	id    uint32
	dn    string
	entry *entry.Entry
	elem  *list.Element
}

// Cache is a fixed-capacity, thread-safe LRU cache of entries, keyed
// by both numeric ID and normalized DN.
type Cache struct {
	mu       sync.Mutex
	capacity int
	byID     map[uint32]*slot
	byDN     map[string]*slot
	order    *list.List // most-recently-used at the front

	idLocks map[uint32]*sync.RWMutex
	lockMu  sync.Mutex
}

// New creates a Cache holding up to size entries.
func New(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	return &Cache{
		capacity: size,
		byID:     make(map[uint32]*slot, size),
		byDN:     make(map[string]*slot, size),
		order:    list.New(),
		idLocks:  make(map[uint32]*sync.RWMutex),
	}
}

// Put inserts or refreshes the cached copy of id/dn, evicting the
// least-recently-used entry if the cache is at capacity.
func (c *Cache) Put(id uint32, name dn.DN, e *entry.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := name.String()
	if s, ok := c.byID[id]; ok {
		delete(c.byDN, s.dn)
		s.dn = key
		s.entry = e
		c.byDN[key] = s
		c.order.MoveToFront(s.elem)
		return
	}

	s := &slot{id: id, dn: key, entry: e}
	s.elem = c.order.PushFront(s)
	c.byID[id] = s
	c.byDN[key] = s

	if c.order.Len() > c.capacity {
		c.evictOldest()
	}
}

func (c *Cache) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	s := oldest.Value.(*slot)
	c.order.Remove(oldest)
	delete(c.byID, s.id)
	delete(c.byDN, s.dn)
}

// GetByDN returns the cached entry for name, if present, moving it to
// the front of the LRU order.
func (c *Cache) GetByDN(name dn.DN) (*entry.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byDN[name.String()]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(s.elem)
	return s.entry, true
}

// GetByID returns the cached entry for id, if present, moving it to
// the front of the LRU order.
func (c *Cache) GetByID(id uint32) (*entry.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(s.elem)
	return s.entry, true
}

// Remove evicts id/dn from the cache, if present.
func (c *Cache) Remove(id uint32, name dn.DN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byID[id]
	if !ok {
		return
	}
	c.order.Remove(s.elem)
	delete(c.byID, id)
	delete(c.byDN, name.String())
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// LockID returns the per-ID lock for id, creating it on first use.
// The write orchestrator holds this for the span between a
// transaction's commit and the matching cache update, so two
// concurrent writers to the same ID never interleave their post-commit
// Put/Remove calls out of commit order.
func (c *Cache) LockID(id uint32) *sync.RWMutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	l, ok := c.idLocks[id]
	if !ok {
		l = &sync.RWMutex{}
		c.idLocks[id] = l
	}
	return l
}
