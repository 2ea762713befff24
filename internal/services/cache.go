package services

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is a process-wide TTL memo for resolved paths and marker content.
// A zero TTL disables it. Entries are independent; nothing here is trusted
// for a protection decision beyond the marker text itself.
type Cache struct {
	db      *gocache.Cache
	enabled bool
	onHit   func(kind string)
	onMiss  func(kind string)
}

// NewCache builds a cache whose entries live for ttl.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		return &Cache{}
	}
	return &Cache{
		db:      gocache.New(ttl, 2*ttl),
		enabled: true,
	}
}

// Observe registers hit/miss callbacks, used for metrics.
func (c *Cache) Observe(onHit, onMiss func(kind string)) {
	c.onHit = onHit
	c.onMiss = onMiss
}

// Get returns the value stored under key. kind labels the lookup for
// observers ("path", "marker").
func (c *Cache) Get(kind, key string) (any, bool) {
	if c == nil || !c.enabled {
		return nil, false
	}
	v, found := c.db.Get(key)
	if found {
		if c.onHit != nil {
			c.onHit(kind)
		}
		return v, true
	}
	if c.onMiss != nil {
		c.onMiss(kind)
	}
	return nil, false
}

// Set stores value with the default TTL.
func (c *Cache) Set(key string, value any) {
	if c == nil || !c.enabled {
		return
	}
	c.db.Set(key, value, gocache.DefaultExpiration)
}

// Delete drops key.
func (c *Cache) Delete(key string) {
	if c == nil || !c.enabled {
		return
	}
	c.db.Delete(key)
}

// Flush removes every entry.
func (c *Cache) Flush() {
	if c == nil || !c.enabled {
		return
	}
	c.db.Flush()
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	if c == nil || !c.enabled {
		return 0
	}
	return c.db.ItemCount()
}
