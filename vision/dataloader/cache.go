package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager is an LRU cache of decoded images keyed by path
type CacheManager struct {
	mu          sync.Mutex
	cache       map[string][]float64
	lru         *list.List
	lruMap      map[string]*list.Element
	maxSize     int
	currentSize int
	itemSize    int // Size of each item in float64 elements

	// Statistics
	hits   int64
	misses int64
}

// NewCacheManager creates a new cache manager holding at most maxSize items
// of itemSize elements. A maxSize of zero disables caching.
func NewCacheManager(maxSize int, itemSize int) *CacheManager {
	return &CacheManager{
		cache:    make(map[string][]float64),
		lru:      list.New(),
		lruMap:   make(map[string]*list.Element),
		maxSize:  maxSize,
		itemSize: itemSize,
	}
}

// Get retrieves an item from the cache. Callers must not modify the
// returned slice.
func (cm *CacheManager) Get(key string) ([]float64, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if data, exists := cm.cache[key]; exists {
		// Move to front (most recently used)
		if elem, ok := cm.lruMap[key]; ok {
			cm.lru.MoveToFront(elem)
		}
		cm.hits++
		return data, true
	}

	cm.misses++
	return nil, false
}

// Put adds an item to the cache
func (cm *CacheManager) Put(key string, data []float64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.maxSize <= 0 {
		return
	}

	if _, exists := cm.cache[key]; exists {
		if elem, ok := cm.lruMap[key]; ok {
			cm.lru.MoveToFront(elem)
		}
		return
	}

	elem := cm.lru.PushFront(key)
	cm.lruMap[key] = elem
	cm.cache[key] = data
	cm.currentSize++

	// Evict if necessary
	for cm.currentSize > cm.maxSize && cm.lru.Len() > 0 {
		oldest := cm.lru.Back()
		if oldest != nil {
			cm.removeElement(oldest)
		}
	}
}

// removeElement removes an element from the cache
func (cm *CacheManager) removeElement(elem *list.Element) {
	key := elem.Value.(string)
	cm.lru.Remove(elem)
	delete(cm.lruMap, key)
	delete(cm.cache, key)
	cm.currentSize--
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return CacheStats{
		Size:        cm.currentSize,
		MaxSize:     cm.maxSize,
		Hits:        cm.hits,
		Misses:      cm.misses,
		HitRate:     cm.calculateHitRate(),
		MemoryBytes: int64(cm.currentSize) * int64(cm.itemSize) * 8,
	}
}

// calculateHitRate calculates the hit rate percentage
func (cm *CacheManager) calculateHitRate() float64 {
	total := cm.hits + cm.misses
	if total == 0 {
		return 0
	}
	return float64(cm.hits) / float64(total) * 100
}

// Clear clears the cache
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[string][]float64)
	cm.lru = list.New()
	cm.lruMap = make(map[string]*list.Element)
	cm.currentSize = 0
	// Statistics stay cumulative
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size        int
	MaxSize     int
	Hits        int64
	Misses      int64
	HitRate     float64
	MemoryBytes int64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
