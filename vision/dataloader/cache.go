package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-detect/vision/dataset"
)

// SampleCache is an LRU cache of decoded samples keyed by dataset index.
// It only serves datasets whose samples do not change between reads.
type SampleCache struct {
	mu      sync.Mutex
	items   map[int]*list.Element
	lru     *list.List
	maxSize int

	// Statistics
	hits   int64
	misses int64
}

type cacheEntry struct {
	index  int
	sample dataset.Sample
}

// NewSampleCache creates a cache holding at most maxSize samples.
func NewSampleCache(maxSize int) *SampleCache {
	return &SampleCache{
		items:   make(map[int]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves a sample from the cache
func (c *SampleCache) Get(index int) (dataset.Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[index]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).sample, true
	}
	c.misses++
	return dataset.Sample{}, false
}

// Put adds a sample, evicting the least recently used ones beyond maxSize.
func (c *SampleCache) Put(index int, sample dataset.Sample) {
	if c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[index]; ok {
		c.lru.MoveToFront(elem)
		return
	}
	c.items[index] = c.lru.PushFront(&cacheEntry{index: index, sample: sample})

	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).index)
	}
}

// Clear drops every cached sample. Statistics are cumulative and kept.
func (c *SampleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[int]*list.Element)
	c.lru.Init()
}

// Stats returns cache statistics
func (c *SampleCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total) * 100
	}
	return s
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d samples, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
