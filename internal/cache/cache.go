// Package cache implements CannonDB's bounded page cache: a strict-LRU
// map from page number to page bytes, with dirty tracking and the
// commit-time drain the engine facade uses to build WAL frames
// (spec.md §4.C).
package cache

import (
	"container/list"
	"sort"
	"sync"

	"github.com/SimonCqk/cannondb/internal/cdblog"
	"github.com/SimonCqk/cannondb/internal/pager"
)

// FlushFunc durably persists one dirty page through the WAL pathway so
// it can be safely evicted ahead of a full commit. It is invoked only
// when every cached entry is dirty and a clean victim cannot be found.
type FlushFunc func(pageNo uint32, data []byte) error

// DirtyPage is one entry of a commit-time drain.
type DirtyPage struct {
	PageNo uint32
	Data   []byte
}

type cacheEntry struct {
	pageNo uint32
	data   []byte
	dirty  bool
}

// Cache is a bounded, strict-LRU page cache sitting in front of a Pager.
type Cache struct {
	mu     sync.Mutex
	pager  *pager.Pager
	size   int
	items  map[uint32]*list.Element
	order  *list.List // front = most recently used
	flush  FlushFunc
	log    *cdblog.Logger
}

// New creates a Cache bounded to size pages, backed by p for miss
// fills. flush is called to push a dirty page through the WAL pathway
// when eviction finds no clean victim.
func New(p *pager.Pager, size int, flush FlushFunc, log *cdblog.Logger) *Cache {
	if log == nil {
		log = cdblog.Noop()
	}
	if size < 1 {
		size = 1
	}
	return &Cache{
		pager: p,
		size:  size,
		items: make(map[uint32]*list.Element),
		order: list.New(),
		flush: flush,
		log:   log.With("cache"),
	}
}

// Get returns the bytes of page n, reading through the Pager on a miss.
func (c *Cache) Get(n uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[n]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		return cloneBytes(entry.data), nil
	}

	data, err := c.pager.ReadPage(n)
	if err != nil {
		return nil, err
	}
	if err := c.admit(n, data, false); err != nil {
		return nil, err
	}
	return cloneBytes(data), nil
}

// PutDirty installs or replaces page n's bytes, marks it dirty, and
// moves it to most-recently-used.
func (c *Cache) PutDirty(n uint32, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[n]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.data = cloneBytes(data)
		entry.dirty = true
		c.order.MoveToFront(elem)
		return nil
	}
	return c.admit(n, data, true)
}

// admit inserts a brand-new entry, evicting first if at capacity.
// Caller holds c.mu.
func (c *Cache) admit(n uint32, data []byte, dirty bool) error {
	if c.order.Len() >= c.size {
		if err := c.evictLocked(); err != nil {
			return err
		}
	}
	entry := &cacheEntry{pageNo: n, data: cloneBytes(data), dirty: dirty}
	elem := c.order.PushFront(entry)
	c.items[n] = elem
	return nil
}

// evictLocked removes the least-recently-used clean entry. If every
// entry is dirty, it flushes the global LRU tail through the WAL
// pathway first, then evicts it. Caller holds c.mu.
func (c *Cache) evictLocked() error {
	for e := c.order.Back(); e != nil; e = e.Prev() {
		entry := e.Value.(*cacheEntry)
		if !entry.dirty {
			c.order.Remove(e)
			delete(c.items, entry.pageNo)
			return nil
		}
	}

	e := c.order.Back()
	if e == nil {
		return nil
	}
	entry := e.Value.(*cacheEntry)
	if c.flush != nil {
		c.log.Debug().Uint32("page", entry.pageNo).Msg("flushing dirty page to make room in cache")
		if err := c.flush(entry.pageNo, entry.data); err != nil {
			return err
		}
	}
	c.order.Remove(e)
	delete(c.items, entry.pageNo)
	return nil
}

// DrainDirty returns every currently dirty page, in ascending page
// number order, and clears their dirty flags. Entries remain cached
// (now clean) unless subsequently evicted.
func (c *Cache) DrainDirty() []DirtyPage {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []DirtyPage
	for e := c.order.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*cacheEntry)
		if entry.dirty {
			out = append(out, DirtyPage{PageNo: entry.pageNo, Data: cloneBytes(entry.data)})
			entry.dirty = false
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNo < out[j].PageNo })
	return out
}

// Invalidate drops page n from the cache unconditionally, discarding
// it even if dirty.
func (c *Cache) Invalidate(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[n]; ok {
		c.order.Remove(elem)
		delete(c.items, n)
	}
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
