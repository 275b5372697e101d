package monitor

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"overlay-wan/pkg/health"
	"overlay-wan/pkg/model"
)

// DefaultCacheSize bounds how many paths keep a cached health result.
const DefaultCacheSize = 4096

// HealthCache holds the latest PathHealth per path. Safe for concurrent use.
type HealthCache struct {
	lru *lru.Cache[model.PathID, health.PathHealth]
}

func NewHealthCache(size int) (*HealthCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[model.PathID, health.PathHealth](size)
	if err != nil {
		return nil, err
	}
	return &HealthCache{lru: c}, nil
}

// Put stores h and returns the entry it replaced, if any.
func (c *HealthCache) Put(h health.PathHealth) (prev health.PathHealth, ok bool) {
	prev, ok = c.lru.Peek(h.PathID)
	c.lru.Add(h.PathID, h)
	return prev, ok
}

func (c *HealthCache) Get(id model.PathID) (health.PathHealth, bool) {
	return c.lru.Get(id)
}

// Fresh returns the cached result for id if it was checked at or after
// notBefore. stale reports a cached result that is too old.
func (c *HealthCache) Fresh(id model.PathID, notBefore time.Time) (h health.PathHealth, ok, stale bool) {
	h, ok = c.lru.Peek(id)
	if ok && h.CheckedAt.Before(notBefore) {
		return h, false, true
	}
	return h, ok, false
}

// All returns every cached result ordered by path id. A non-zero notBefore
// leaves out results checked earlier.
func (c *HealthCache) All(notBefore time.Time) []health.PathHealth {
	keys := c.lru.Keys()
	out := make([]health.PathHealth, 0, len(keys))
	for _, k := range keys {
		if h, ok := c.lru.Peek(k); ok && !h.CheckedAt.Before(notBefore) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PathID < out[j].PathID })
	return out
}

func (c *HealthCache) Remove(id model.PathID) {
	c.lru.Remove(id)
}
