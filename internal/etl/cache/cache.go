// Package cache is an in-process TTL + LRU cache for enriched entity
// metadata. Entries expire lazily on read and the least recently used entry
// is evicted when capacity is reached
package cache

import (
	"container/list"
	"sync"
	"time"

	"githarvest/internal/etl/domain"
	"githarvest/internal/platform/metrics"
)

// Config bounds the cache. Zero values fall back to defaults
type Config struct {
	Capacity int
	TTL      time.Duration
}

const (
	defaultCapacity = 10000
	defaultTTL      = 30 * time.Minute
)

type entry struct {
	ref      domain.EntityRef
	ent      domain.EnrichedEntity
	storedAt time.Time
}

// Cache is safe for concurrent use
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently used
	items    map[domain.EntityRef]*list.Element

	now func() time.Time
}

// New builds an empty cache
func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Cache{
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		order:    list.New(),
		items:    make(map[domain.EntityRef]*list.Element, cfg.Capacity),
		now:      time.Now,
	}
}

// Get returns the cached entity for ref. An entry past its TTL is removed
// and reported as a miss. Hits are marked most recently used
func (c *Cache) Get(ref domain.EntityRef) (domain.EnrichedEntity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[ref]
	if !ok {
		metrics.CacheMisses.Inc()
		return domain.EnrichedEntity{}, false
	}
	e := el.Value.(*entry)
	if c.now().Sub(e.storedAt) >= c.ttl {
		c.removeLocked(el)
		metrics.CacheMisses.Inc()
		return domain.EnrichedEntity{}, false
	}
	c.order.MoveToFront(el)
	metrics.CacheHits.Inc()

	out := e.ent
	out.Source = domain.SourceCache
	return out, true
}

// Put stores a successfully fetched entity, evicting the least recently
// used entry when the cache is full. An existing entry is refreshed in
// place and its TTL restarts
func (c *Cache) Put(ent domain.EnrichedEntity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[ent.Ref]; ok {
		e := el.Value.(*entry)
		e.ent = ent
		e.storedAt = c.now()
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.capacity {
		if back := c.order.Back(); back != nil {
			c.removeLocked(back)
			metrics.CacheEvictions.Inc()
		}
	}
	el := c.order.PushFront(&entry{ref: ent.Ref, ent: ent, storedAt: c.now()})
	c.items[ent.Ref] = el
}

// Len reports the number of live entries, including any not yet lazily
// expired
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.items, e.ref)
}
