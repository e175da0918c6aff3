package playback

import (
	"container/list"
	"sync"

	"github.com/example/cellsync/internal/store"
	"github.com/example/cellsync/internal/types"
)

type cacheKey struct {
	Fingerprint uint32
	Size        int
	At          types.Hlc
}

// cacheEntry stores a reusable state for a particular cursor.
type cacheEntry struct {
	At      types.Hlc
	Applied int
	Tables  store.Tables
}

type stateCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

func newStateCache(capacity int) *stateCache {
	if capacity < 1 {
		capacity = 1
	}
	return &stateCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

// Get returns the cached state with the highest cursor not after target that
// was built from the same log.
func (c *stateCache) Get(fingerprint uint32, size int, target types.Hlc) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bestKey cacheKey
	var bestItem *list.Element

	for key, item := range c.items {
		if key.Fingerprint != fingerprint || key.Size != size || key.At > target {
			continue
		}
		if bestItem == nil || key.At > bestKey.At {
			bestKey = key
			bestItem = item
		}
	}

	if bestItem == nil {
		return cacheEntry{}, false
	}

	c.ll.MoveToFront(bestItem)
	entry := bestItem.Value.(cacheEntry)
	entry.Tables = entry.Tables.Clone()
	return entry, true
}

func (c *stateCache) Put(fingerprint uint32, size int, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.Tables = entry.Tables.Clone()
	key := cacheKey{Fingerprint: fingerprint, Size: size, At: entry.At}
	if element, ok := c.items[key]; ok {
		element.Value = entry
		c.ll.MoveToFront(element)
		return
	}

	element := c.ll.PushFront(entry)
	c.items[key] = element

	if c.ll.Len() > c.capacity {
		last := c.ll.Back()
		if last != nil {
			c.ll.Remove(last)
			for k, v := range c.items {
				if v == last {
					delete(c.items, k)
					break
				}
			}
		}
	}
}
