package geocode

import (
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/JakeFAU/digwatch/internal/notice"
)

// pointCache is a bounded LRU of resolved points keyed by case id. Entries
// are copied on the way in and out. Only successful lookups are stored.
type pointCache struct {
	mu  sync.Mutex
	lru *lru.Cache
}

func newPointCache(maxEntries int) *pointCache {
	if maxEntries <= 0 {
		return nil
	}
	return &pointCache{lru: lru.New(maxEntries)}
}

func (c *pointCache) get(caseID string) (*notice.Geometry, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(caseID)
	if !ok {
		return nil, false
	}
	g := v.(notice.Geometry)
	return &notice.Geometry{Type: g.Type, Coordinates: append([]float64(nil), g.Coordinates...)}, true
}

func (c *pointCache) put(caseID string, g *notice.Geometry) {
	if c == nil || g == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(caseID, notice.Geometry{Type: g.Type, Coordinates: append([]float64(nil), g.Coordinates...)})
}

func (c *pointCache) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
