// Package cache is the bounded page cache consulted before the read fast
// path. Pages are keyed by (inode, offset, length); two instances with
// different capacities serve big and small pages. Eviction is plain LRU —
// the read engine treats every miss the same way, so policy is free to
// change without touching it.
package cache

import (
	"container/list"
	"fmt"
	"sync"
)

// Config tunes one cache instance.
type Config struct {
	MaxBytes   int64 `yaml:"max_bytes"`
	MaxEntries int   `yaml:"max_entries"`
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Size      int64   `json:"size"`
	Capacity  int64   `json:"capacity"`
	HitRate   float64 `json:"hit_rate"`
}

// PageCache is a thread-safe LRU over fixed page regions.
type PageCache struct {
	mu          sync.Mutex
	capacity    int64
	currentSize int64
	maxEntries  int
	items       map[string]*pageItem
	evictList   *list.List

	stats Stats
}

type pageItem struct {
	key     string
	ino     uint64
	data    []byte
	element *list.Element
}

// NewPageCache builds a cache; nil config gets modest defaults.
func NewPageCache(config *Config) *PageCache {
	if config == nil {
		config = &Config{
			MaxBytes:   64 * 1024 * 1024,
			MaxEntries: 16384,
		}
	}
	return &PageCache{
		capacity:   config.MaxBytes,
		maxEntries: config.MaxEntries,
		items:      make(map[string]*pageItem),
		evictList:  list.New(),
		stats:      Stats{Capacity: config.MaxBytes},
	}
}

func pageKey(ino uint64, offset int64, size int) string {
	return fmt.Sprintf("%d:%d:%d", ino, offset, size)
}

// Get returns a copy of the cached page, or nil on miss.
func (c *PageCache) Get(ino uint64, offset int64, size int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[pageKey(ino, offset, size)]
	if !ok {
		c.stats.Misses++
		return nil
	}
	c.evictList.MoveToFront(item.element)
	c.stats.Hits++

	out := make([]byte, len(item.data))
	copy(out, item.data)
	return out
}

// Put stores a page copy, evicting least-recently-used pages as needed.
func (c *PageCache) Put(ino uint64, offset int64, data []byte) {
	if len(data) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := pageKey(ino, offset, len(data))
	if item, ok := c.items[key]; ok {
		copy(item.data, data)
		c.evictList.MoveToFront(item.element)
		return
	}

	item := &pageItem{
		key:  key,
		ino:  ino,
		data: append([]byte(nil), data...),
	}
	item.element = c.evictList.PushFront(item)
	c.items[key] = item
	c.currentSize += int64(len(data))

	for (c.currentSize > c.capacity || len(c.items) > c.maxEntries) && c.evictList.Len() > 1 {
		c.evictOldest()
	}
}

// Drop invalidates every page of one inode, used when a write lands on it.
func (c *PageCache) Drop(ino uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, item := range c.items {
		if item.ino == ino {
			c.removeItem(key)
		}
	}
}

// Size returns the cached byte total.
func (c *PageCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Stats returns a snapshot of the counters.
func (c *PageCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.currentSize
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (c *PageCache) evictOldest() {
	element := c.evictList.Back()
	if element == nil {
		return
	}
	c.removeItem(element.Value.(*pageItem).key)
}

func (c *PageCache) removeItem(key string) {
	item, ok := c.items[key]
	if !ok {
		return
	}
	c.evictList.Remove(item.element)
	delete(c.items, key)
	c.currentSize -= int64(len(item.data))
	c.stats.Evictions++
}
