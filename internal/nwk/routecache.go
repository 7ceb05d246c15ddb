package nwk

import "zigbee-go-stack/internal/mac"

// SourceRoute is a route cache record: the relays a concentrator uses to
// reach Dst, in route record order. The first relay is the one next to
// Dst and the last one is the concentrator's neighbor.
type SourceRoute struct {
	Dst    mac.ShortAddr   `json:"dst"`
	Relays []mac.ShortAddr `json:"relays"`
}

// RouteCache is a fixed set of source routes. A new destination takes a
// free slot when there is one; otherwise it overwrites the oldest
// insertion.
type RouteCache struct {
	records []SourceRoute
	used    []bool
	// added holds the insertion stamp of each slot.
	added []uint64
	stamp uint64
}

// NewRouteCache creates an empty cache with size slots.
func NewRouteCache(size int) *RouteCache {
	return &RouteCache{
		records: make([]SourceRoute, size),
		used:    make([]bool, size),
		added:   make([]uint64, size),
	}
}

// Add stores the route to dst, replacing a cached route to the same
// destination in place.
func (c *RouteCache) Add(dst mac.ShortAddr, relays []mac.ShortAddr) {
	if len(c.records) == 0 {
		return
	}
	relays = append([]mac.ShortAddr(nil), relays...)
	slot := -1
	for i := range c.records {
		if c.used[i] && c.records[i].Dst == dst {
			c.records[i].Relays = relays
			return
		}
		switch {
		case slot >= 0 && !c.used[slot]:
		case !c.used[i] || slot < 0 || c.added[i] < c.added[slot]:
			slot = i
		}
	}
	c.stamp++
	c.records[slot] = SourceRoute{Dst: dst, Relays: relays}
	c.used[slot] = true
	c.added[slot] = c.stamp
}

// Find returns the cached route to dst.
func (c *RouteCache) Find(dst mac.ShortAddr) (SourceRoute, bool) {
	for i := range c.records {
		if c.used[i] && c.records[i].Dst == dst {
			return c.records[i], true
		}
	}
	return SourceRoute{}, false
}

// Remove drops the route to dst.
func (c *RouteCache) Remove(dst mac.ShortAddr) {
	for i := range c.records {
		if c.used[i] && c.records[i].Dst == dst {
			c.records[i] = SourceRoute{}
			c.used[i] = false
		}
	}
}

// RemoveRelay drops every route passing through relay.
func (c *RouteCache) RemoveRelay(relay mac.ShortAddr) {
	for i := range c.records {
		if !c.used[i] {
			continue
		}
		for _, r := range c.records[i].Relays {
			if r == relay {
				c.records[i] = SourceRoute{}
				c.used[i] = false
				break
			}
		}
	}
}

// Len returns the number of cached routes.
func (c *RouteCache) Len() int {
	n := 0
	for _, u := range c.used {
		if u {
			n++
		}
	}
	return n
}

// Entries returns the cached routes.
func (c *RouteCache) Entries() []SourceRoute {
	var out []SourceRoute
	for i := range c.records {
		if c.used[i] {
			out = append(out, c.records[i])
		}
	}
	return out
}

// Reset empties the cache.
func (c *RouteCache) Reset() {
	for i := range c.records {
		c.records[i] = SourceRoute{}
		c.used[i] = false
		c.added[i] = 0
	}
	c.stamp = 0
}
