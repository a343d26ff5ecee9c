package cache

import (
	"container/list"
	"sync"

	"tilestream/internal/metrics"
	"tilestream/internal/tile"
)

const (
	DefaultCapacity = 3_000_000
	// DefaultLowWaterRatio is the share of capacity eviction trims down to.
	DefaultLowWaterRatio = 0.85
)

// RemovalListener is called for every entry evicted or removed from the cache
type RemovalListener func(key tile.Key, t *tile.Tile)

type entry struct {
	key  tile.Key
	tile *tile.Tile
	size int64
}

// MemoryCache is a size-bounded LRU cache of tiles
type MemoryCache struct {
	name string

	mu        sync.Mutex
	capacity  int64
	lowWater  int64
	used      int64
	items     map[tile.Key]*list.Element
	lruList   *list.List
	listeners []RemovalListener
}

// NewMemoryCache creates a cache holding up to capacity bytes, trimming to 85% on overflow
func NewMemoryCache(name string, capacity int64) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryCache{
		name:     name,
		capacity: capacity,
		lowWater: int64(float64(capacity) * DefaultLowWaterRatio),
		items:    make(map[tile.Key]*list.Element),
		lruList:  list.New(),
	}
}

func (c *MemoryCache) Name() string { return c.name }

func (c *MemoryCache) Capacity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

func (c *MemoryCache) LowWater() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lowWater
}

// SetLowWater changes the trim-to mark. Values outside [0, capacity) are ignored.
func (c *MemoryCache) SetLowWater(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= 0 && n < c.capacity {
		c.lowWater = n
	}
}

func (c *MemoryCache) SizeInBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// AddListener registers fn for removals. Listeners run after the cache lock is released.
func (c *MemoryCache) AddListener(fn RemovalListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Contains reports presence without touching the access order
func (c *MemoryCache) Contains(key tile.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

func (c *MemoryCache) Get(key tile.Key) (*tile.Tile, bool) {
	c.mu.Lock()
	elem, ok := c.items[key]
	if ok {
		c.lruList.MoveToFront(elem)
	}
	c.mu.Unlock()

	if !ok {
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return elem.Value.(*entry).tile, true
}

// Put stores t under key, replacing any previous entry. It returns false when the
// tile's size is not positive or exceeds the capacity.
func (c *MemoryCache) Put(key tile.Key, t *tile.Tile) bool {
	size := t.SizeInBytes()

	c.mu.Lock()
	if size <= 0 || size > c.capacity {
		c.mu.Unlock()
		return false
	}

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}

	var evicted []*entry
	if c.used+size > c.capacity {
		evicted = c.makeSpace(size)
	}

	elem := c.lruList.PushFront(&entry{key: key, tile: t, size: size})
	c.items[key] = elem
	c.used += size
	used := c.used
	listeners := c.listeners
	c.mu.Unlock()

	metrics.CacheUsedBytes.WithLabelValues(c.name).Set(float64(used))
	if len(evicted) > 0 {
		metrics.CacheEvictions.WithLabelValues(c.name).Add(float64(len(evicted)))
		notify(listeners, evicted)
	}
	return true
}

func (c *MemoryCache) Remove(key tile.Key) {
	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	ent := c.removeElement(elem)
	used := c.used
	listeners := c.listeners
	c.mu.Unlock()

	metrics.CacheUsedBytes.WithLabelValues(c.name).Set(float64(used))
	notify(listeners, []*entry{ent})
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[tile.Key]*list.Element)
	c.lruList = list.New()
	c.used = 0
	metrics.CacheUsedBytes.WithLabelValues(c.name).Set(0)
}

// makeSpace evicts least recently used entries while there is not enough free room
// for size or usage stays above the low water mark. Caller holds mu.
func (c *MemoryCache) makeSpace(size int64) []*entry {
	var evicted []*entry
	for c.lruList.Len() > 0 && (c.capacity-c.used < size || c.used > c.lowWater) {
		evicted = append(evicted, c.removeElement(c.lruList.Back()))
	}
	return evicted
}

func (c *MemoryCache) removeElement(elem *list.Element) *entry {
	ent := elem.Value.(*entry)
	c.lruList.Remove(elem)
	delete(c.items, ent.key)
	c.used -= ent.size
	return ent
}

func notify(listeners []RemovalListener, entries []*entry) {
	for _, ent := range entries {
		for _, fn := range listeners {
			fn(ent.key, ent.tile)
		}
	}
}
