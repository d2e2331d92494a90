package directory

import (
	"container/list"
	"sync"
	"time"

	"voicegate-server/pkg/metrics"
)

// cacheEntry holds one memoized authorized resolution
type cacheEntry struct {
	key        string
	email      string
	matchedKey string
	department string
	expiration time.Time
	element    *list.Element
}

// lookupCache memoizes successful directory resolutions with a TTL. It is an
// optimization only; a miss always falls back to full resolution. Entries
// are immutable once written and stale entries are evicted lazily on read.
type lookupCache struct {
	mutex      sync.Mutex
	items      map[string]*cacheEntry
	lruList    *list.List
	maxSize    int
	defaultTTL time.Duration
}

// newLookupCache creates a lookup cache
func newLookupCache(maxSize int, ttl time.Duration) *lookupCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &lookupCache{
		items:      make(map[string]*cacheEntry),
		lruList:    list.New(),
		maxSize:    maxSize,
		defaultTTL: ttl,
	}
}

// get returns a live cached resolution, expiring stale entries on the way
func (c *lookupCache) get(key string) (*cacheEntry, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	item, exists := c.items[key]
	if !exists {
		metrics.IncCounter(metrics.CacheMisses)
		return nil, false
	}

	if time.Now().After(item.expiration) {
		c.removeLocked(item)
		metrics.IncCounter(metrics.CacheMisses)
		return nil, false
	}

	c.lruList.MoveToFront(item.element)
	metrics.IncCounter(metrics.CacheHits)
	return item, true
}

// set stores an authorized resolution
func (c *lookupCache) set(key, email, matchedKey, department string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	expiration := time.Now().Add(c.defaultTTL)

	if existing, exists := c.items[key]; exists {
		existing.email = email
		existing.matchedKey = matchedKey
		existing.department = department
		existing.expiration = expiration
		c.lruList.MoveToFront(existing.element)
		return
	}

	item := &cacheEntry{
		key:        key,
		email:      email,
		matchedKey: matchedKey,
		department: department,
		expiration: expiration,
	}
	item.element = c.lruList.PushFront(item)
	c.items[key] = item

	for len(c.items) > c.maxSize {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*cacheEntry))
	}
}

// invalidate removes a single key
func (c *lookupCache) invalidate(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if item, exists := c.items[key]; exists {
		c.removeLocked(item)
	}
}

// size returns the live item count
func (c *lookupCache) size() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.items)
}

func (c *lookupCache) removeLocked(item *cacheEntry) {
	delete(c.items, item.key)
	c.lruList.Remove(item.element)
}
