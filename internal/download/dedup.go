package download

import (
	"container/list"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ytget/dlsched/internal/model"
)

// DefaultDedupCapacity is used when no capacity is configured
const DefaultDedupCapacity = 1024

// DedupEntry describes completed content
type DedupEntry struct {
	TaskID   string
	Path     string
	Checksum string
	Size     int64
}

type dedupItem struct {
	key   string
	entry DedupEntry
}

// DedupCache is a fixed-capacity LRU of completed content identities. Get
// and Put are O(1).
type DedupCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front is most recently used
	items    map[string]*list.Element
}

// NewDedupCache creates a cache holding at most capacity entries
func NewDedupCache(capacity int) *DedupCache {
	if capacity < 1 {
		capacity = DefaultDedupCapacity
	}
	return &DedupCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Get returns the entry for key and marks it most recently used
func (c *DedupCache) Get(key string) (DedupEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return DedupEntry{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*dedupItem).entry, true
}

// Put inserts or refreshes key, evicting the least recently used entry once
// capacity is exceeded
func (c *DedupCache) Put(key string, entry DedupEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*dedupItem).entry = entry
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&dedupItem{key: key, entry: entry})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*dedupItem).key)
	}
}

// Remove drops key
func (c *DedupCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.items, key)
	return true
}

// Len returns the number of entries
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// ContentID returns the dedup identity of a task: its explicit ContentID, or
// an xxhash of the normalized URL.
func ContentID(task model.Task) string {
	if task.ContentID != "" {
		return task.ContentID
	}
	u, _, _ := strings.Cut(strings.TrimSpace(task.URL), "#")
	u = strings.TrimSuffix(u, "/")
	return fmt.Sprintf("xxh:%016x", xxhash.Sum64String(u))
}

// StableID returns a task ID derived from the content identity of task.
// Submitting the same content again in a later run reuses its transfer
// record, so an interrupted partial artifact is resumed instead of discarded.
func StableID(task model.Task) string {
	return model.StableTaskID(ContentID(task))
}
