package cache

import (
	"fmt"
	"math"
	"sync"

	"github.com/cyverse/imageloader/commons"
	"github.com/hashicorp/golang-lru/simplelru"
)

// MemoryCacheEntry is a decoded image resident in the memory cache
type MemoryCacheEntry struct {
	key      string
	resource ImageResource
	byteSize int64
	inUse    bool
}

func (entry *MemoryCacheEntry) GetKey() string {
	return entry.key
}

func (entry *MemoryCacheEntry) GetResource() ImageResource {
	return entry.resource
}

func (entry *MemoryCacheEntry) GetByteSize() int64 {
	return entry.byteSize
}

func (entry *MemoryCacheEntry) IsInUse() bool {
	return entry.inUse
}

// MemoryCacheStat is a point in time view of the memory cache
type MemoryCacheStat struct {
	Entries           int
	Size              int64
	SizeCap           int64
	QuarantineEntries int
	QuarantineSize    int64
	QuarantineSizeCap int64
	Hits              int64
	Misses            int64
}

// MemoryCache is an LRU cache of decoded images bounded by their byte size.
// Entries evicted while in use wait in a quarantine until marked unused.
type MemoryCache struct {
	sizeCap           int64
	size              int64
	quarantineSizeCap int64
	quarantineSize    int64
	lru               *simplelru.LRU // recency order, key -> *MemoryCacheEntry
	quarantine        map[string]*MemoryCacheEntry
	handler           ResourceHandler
	hits              int64
	misses            int64
	mutex             sync.Mutex
}

// NewMemoryCache creates a MemoryCache. quarantineSizeCap 0 disables the quarantine.
func NewMemoryCache(sizeCap int64, quarantineSizeCap int64, handler ResourceHandler) (*MemoryCache, error) {
	lru, err := simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}

	return &MemoryCache{
		sizeCap:           sizeCap,
		size:              0,
		quarantineSizeCap: quarantineSizeCap,
		quarantineSize:    0,
		lru:               lru,
		quarantine:        map[string]*MemoryCacheEntry{},
		handler:           handler,
	}, nil
}

func (cache *MemoryCache) release(resources []ImageResource) {
	for _, resource := range resources {
		cache.handler.Release(resource)
	}
}

// Get returns the resource and marks it in use.
// Restoring a quarantined entry may evict others, a QuarantineOverflowError comes with the hit.
func (cache *MemoryCache) Get(key string) (ImageResource, bool, error) {
	toRelease := []ImageResource{}
	defer func() {
		cache.release(toRelease)
	}()

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if value, ok := cache.lru.Get(key); ok {
		entry := value.(*MemoryCacheEntry)
		if !cache.handler.IsValid(entry.resource) {
			cache.lru.Remove(key)
			cache.size -= entry.byteSize
			toRelease = append(toRelease, entry.resource)
			cache.misses++
			return nil, false, nil
		}

		entry.inUse = true
		cache.hits++
		return entry.resource, true, nil
	}

	if entry, ok := cache.quarantine[key]; ok {
		delete(cache.quarantine, key)
		cache.quarantineSize -= entry.byteSize

		if !cache.handler.IsValid(entry.resource) {
			toRelease = append(toRelease, entry.resource)
			cache.misses++
			return nil, false, nil
		}

		// back to the active set
		entry.inUse = true
		cache.lru.Add(key, entry)
		cache.size += entry.byteSize
		cache.hits++

		released, err := cache.trim()
		toRelease = append(toRelease, released...)
		return entry.resource, true, err
	}

	cache.misses++
	return nil, false, nil
}

// Contains tests presence without touching recency or use marks
func (cache *MemoryCache) Contains(key string) bool {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if cache.lru.Contains(key) {
		return true
	}

	_, ok := cache.quarantine[key]
	return ok
}

// Put inserts the resource as in use, replacing and releasing any entry with the same key.
// A QuarantineOverflowError means in-use entries were never marked unused.
func (cache *MemoryCache) Put(key string, resource ImageResource) error {
	toRelease := []ImageResource{}
	defer func() {
		cache.release(toRelease)
	}()

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	toRelease = append(toRelease, cache.removeLocked(key)...)

	entry := &MemoryCacheEntry{
		key:      key,
		resource: resource,
		byteSize: cache.handler.ByteSizeOf(resource),
		inUse:    true,
	}

	cache.lru.Add(key, entry)
	cache.size += entry.byteSize

	released, err := cache.trim()
	toRelease = append(toRelease, released...)
	return err
}

// trim evicts least recently used entries until the cache fits its size cap
func (cache *MemoryCache) trim() ([]ImageResource, error) {
	toRelease := []ImageResource{}

	for cache.size > cache.sizeCap {
		_, value, ok := cache.lru.RemoveOldest()
		if !ok {
			break
		}

		entry := value.(*MemoryCacheEntry)
		cache.size -= entry.byteSize

		if !entry.inUse || cache.quarantineSizeCap <= 0 {
			toRelease = append(toRelease, entry.resource)
			continue
		}

		if old, ok := cache.quarantine[entry.key]; ok {
			cache.quarantineSize -= old.byteSize
			if old.resource != entry.resource {
				toRelease = append(toRelease, old.resource)
			}
		}

		cache.quarantine[entry.key] = entry
		cache.quarantineSize += entry.byteSize
	}

	if cache.quarantineSize > cache.quarantineSizeCap && cache.quarantineSizeCap > 0 {
		return toRelease, commons.NewQuarantineOverflowError(cache.quarantineSize, cache.quarantineSizeCap)
	}
	return toRelease, nil
}

// MarkUnused flags the entry as not rendered anymore. A quarantined entry is released at once.
func (cache *MemoryCache) MarkUnused(key string) {
	toRelease := []ImageResource{}
	defer func() {
		cache.release(toRelease)
	}()

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if entry, ok := cache.quarantine[key]; ok {
		delete(cache.quarantine, key)
		cache.quarantineSize -= entry.byteSize
		toRelease = append(toRelease, entry.resource)
		return
	}

	if value, ok := cache.lru.Peek(key); ok {
		entry := value.(*MemoryCacheEntry)
		entry.inUse = false
	}
}

func (cache *MemoryCache) removeLocked(key string) []ImageResource {
	toRelease := []ImageResource{}

	if value, ok := cache.lru.Peek(key); ok {
		entry := value.(*MemoryCacheEntry)
		cache.lru.Remove(key)
		cache.size -= entry.byteSize
		toRelease = append(toRelease, entry.resource)
	}

	if entry, ok := cache.quarantine[key]; ok {
		delete(cache.quarantine, key)
		cache.quarantineSize -= entry.byteSize
		if len(toRelease) == 0 || toRelease[0] != entry.resource {
			toRelease = append(toRelease, entry.resource)
		}
	}
	return toRelease
}

// Remove drops the entry from both stores and releases it
func (cache *MemoryCache) Remove(key string) {
	toRelease := []ImageResource{}
	defer func() {
		cache.release(toRelease)
	}()

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	toRelease = cache.removeLocked(key)
}

// Extract drops the entry from the active set without releasing it, ownership moves to the caller
func (cache *MemoryCache) Extract(key string) (ImageResource, bool) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	value, ok := cache.lru.Peek(key)
	if !ok {
		return nil, false
	}

	entry := value.(*MemoryCacheEntry)
	cache.lru.Remove(key)
	cache.size -= entry.byteSize
	return entry.resource, true
}

// ClearUnused evicts and releases every entry not in use
func (cache *MemoryCache) ClearUnused() {
	toRelease := []ImageResource{}
	defer func() {
		cache.release(toRelease)
	}()

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	for _, key := range cache.lru.Keys() {
		value, ok := cache.lru.Peek(key)
		if !ok {
			continue
		}

		entry := value.(*MemoryCacheEntry)
		if entry.inUse {
			continue
		}

		cache.lru.Remove(key)
		cache.size -= entry.byteSize
		toRelease = append(toRelease, entry.resource)
	}
}

// ClearAll releases every entry including quarantined ones
func (cache *MemoryCache) ClearAll() {
	toRelease := []ImageResource{}
	defer func() {
		cache.release(toRelease)
	}()

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	for _, key := range cache.lru.Keys() {
		if value, ok := cache.lru.Peek(key); ok {
			toRelease = append(toRelease, value.(*MemoryCacheEntry).resource)
		}
	}

	for _, entry := range cache.quarantine {
		toRelease = append(toRelease, entry.resource)
	}

	cache.lru.Purge()
	cache.quarantine = map[string]*MemoryCacheEntry{}
	cache.size = 0
	cache.quarantineSize = 0
}

func (cache *MemoryCache) GetSize() int64 {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return cache.size
}

func (cache *MemoryCache) GetQuarantineSize() int64 {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return cache.quarantineSize
}

// GetKeys returns keys of the active set, least recently used first
func (cache *MemoryCache) GetKeys() []string {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	keys := []string{}
	for _, key := range cache.lru.Keys() {
		if strkey, ok := key.(string); ok {
			keys = append(keys, strkey)
		}
	}
	return keys
}

func (cache *MemoryCache) GetStat() *MemoryCacheStat {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return &MemoryCacheStat{
		Entries:           cache.lru.Len(),
		Size:              cache.size,
		SizeCap:           cache.sizeCap,
		QuarantineEntries: len(cache.quarantine),
		QuarantineSize:    cache.quarantineSize,
		QuarantineSizeCap: cache.quarantineSizeCap,
		Hits:              cache.hits,
		Misses:            cache.misses,
	}
}

// Report returns a one line summary of memory use
func (cache *MemoryCache) Report() string {
	stat := cache.GetStat()
	return fmt.Sprintf("memory cache %d entries %d/%d bytes, quarantine %d entries %d/%d bytes, hits %d, misses %d",
		stat.Entries, stat.Size, stat.SizeCap,
		stat.QuarantineEntries, stat.QuarantineSize, stat.QuarantineSizeCap,
		stat.Hits, stat.Misses)
}
