package tool

import (
	"container/list"
	"sync"

	"go.uber.org/zap"
)

// DocToolCache is a bounded LRU of per-document recall tool instances, so
// document-scoped retrieval does not reconstruct a client per call.
type DocToolCache struct {
	mu       sync.Mutex
	capacity int
	client   *RecallClient
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	logger   *zap.Logger
}

type docCacheEntry struct {
	docID string
	tool  *RecallTool
}

// NewDocToolCache creates a cache bound to one recall client.
func NewDocToolCache(client *RecallClient, capacity int, logger *zap.Logger) *DocToolCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = 32
	}
	return &DocToolCache{
		capacity: capacity,
		client:   client,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		logger:   logger.With(zap.String("component", "doc_tool_cache")),
	}
}

// Get returns the document-scoped recall tool, creating it on first use and
// evicting the least-recently-used instance when full.
func (c *DocToolCache) Get(docID string) *RecallTool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[docID]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*docCacheEntry).tool
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			evicted := oldest.Value.(*docCacheEntry)
			c.order.Remove(oldest)
			delete(c.entries, evicted.docID)
			c.logger.Debug("evicted doc tool", zap.String("doc_id", evicted.docID))
		}
	}

	t := NewDocRecallTool(c.client, docID)
	c.entries[docID] = c.order.PushFront(&docCacheEntry{docID: docID, tool: t})
	return t
}

// Len returns the number of cached instances.
func (c *DocToolCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
