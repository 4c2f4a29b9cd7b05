package result

import (
	"container/list"
	"sync"

	"github.com/seantiz/canvas/internal/model"
)

// DefaultCacheSize is used when NewCache is given a non-positive size.
const DefaultCacheSize = 32

// Cache keeps the most recently stored artifacts in memory so they are
// retrievable before the durable save completes.
type Cache struct {
	mu      sync.Mutex
	size    int
	order   *list.List
	entries map[string]*list.Element
}

// NewCache creates an LRU cache holding up to size artifacts.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{
		size:    size,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Put stores a under its job id, evicting the least recently used entry
// when full.
func (c *Cache) Put(a model.Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[a.JobID]; ok {
		el.Value = a
		c.order.MoveToFront(el)
		return
	}
	c.entries[a.JobID] = c.order.PushFront(a)
	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(model.Artifact).JobID)
	}
}

// Get returns the cached artifact for jobID.
func (c *Cache) Get(jobID string) (model.Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[jobID]
	if !ok {
		return model.Artifact{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(model.Artifact), true
}

// Len returns the number of cached artifacts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
