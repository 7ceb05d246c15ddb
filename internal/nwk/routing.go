package nwk

import "zigbee-go-stack/internal/mac"

// RouteStatus is the state of a routing table entry.
type RouteStatus uint8

const (
	RouteActive RouteStatus = iota
	RouteDiscoveryUnderway
	RouteDiscoveryFailed
	RouteInactive
)

func (s RouteStatus) String() string {
	switch s {
	case RouteActive:
		return "active"
	case RouteDiscoveryUnderway:
		return "discovery_underway"
	case RouteDiscoveryFailed:
		return "discovery_failed"
	case RouteInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// RoutingEntry is one routing table row.
type RoutingEntry struct {
	Dst     mac.ShortAddr `json:"dst"`
	NextHop mac.ShortAddr `json:"next_hop"`
	Status  RouteStatus   `json:"status"`
	IsGroup bool          `json:"is_group,omitempty"`

	NoRouteCache         bool  `json:"no_route_cache,omitempty"`
	ManyToOne            bool  `json:"many_to_one,omitempty"`
	RouteRecordRequired  bool  `json:"route_record_required,omitempty"`
	NewConcentrator      bool  `json:"new_concentrator,omitempty"`
	NoSourceRoutePeriods uint8 `json:"no_source_route_periods,omitempty"`

	Cost uint8 `json:"cost"`
	// Failures counts unconfirmed transmissions since the last success.
	Failures int `json:"failures"`

	busy bool
}

// Active reports whether the entry can carry traffic.
func (e *RoutingEntry) Active() bool {
	return e.busy && e.Status == RouteActive
}

// RoutingTable maps destinations to next hops.
type RoutingTable struct {
	entries   []RoutingEntry
	failOrder int
}

// NewRoutingTable creates an empty table. An entry whose failure count
// exceeds failOrder is freed.
func NewRoutingTable(size, failOrder int) *RoutingTable {
	return &RoutingTable{entries: make([]RoutingEntry, size), failOrder: failOrder}
}

// Alloc returns a free entry, reclaiming a failed or inactive one if the
// table is full. It returns nil when every entry is in use.
func (t *RoutingTable) Alloc() *RoutingEntry {
	var reclaim *RoutingEntry
	for i := range t.entries {
		e := &t.entries[i]
		if !e.busy {
			*e = RoutingEntry{busy: true, Status: RouteInactive}
			return e
		}
		if reclaim == nil && (e.Status == RouteDiscoveryFailed || e.Status == RouteInactive) {
			reclaim = e
		}
	}
	if reclaim != nil {
		*reclaim = RoutingEntry{busy: true, Status: RouteInactive}
	}
	return reclaim
}

// Find returns the entry for (dst, isGroup), or nil.
func (t *RoutingTable) Find(dst mac.ShortAddr, isGroup bool) *RoutingEntry {
	for i := range t.entries {
		e := &t.entries[i]
		if e.busy && e.Dst == dst && e.IsGroup == isGroup {
			return e
		}
	}
	return nil
}

// Install records a discovered route to dst. An existing active route is
// only replaced by a strictly cheaper one. It returns the entry carrying
// the route, or nil when the table is full.
func (t *RoutingTable) Install(dst, nextHop mac.ShortAddr, cost uint8, manyToOne bool) *RoutingEntry {
	e := t.Find(dst, false)
	if e != nil && e.Status == RouteActive && e.NextHop != nextHop && cost >= e.Cost {
		return e
	}
	if e == nil {
		if e = t.Alloc(); e == nil {
			return nil
		}
	}
	e.Dst = dst
	e.NextHop = nextHop
	e.Cost = cost
	e.Status = RouteActive
	e.Failures = 0
	e.ManyToOne = manyToOne
	return e
}

// Update applies a transmission outcome to e. A success clears the
// failure count; a failure increments it and frees the entry once it
// exceeds failOrder. It returns false if the entry was freed.
func (t *RoutingTable) Update(e *RoutingEntry, status Status) bool {
	if e == nil || !e.busy {
		return false
	}
	if status == StatusSuccess {
		e.Failures = 0
		return true
	}
	e.Failures++
	if e.Failures > t.failOrder {
		t.Free(e)
		return false
	}
	return true
}

// Free releases e.
func (t *RoutingTable) Free(e *RoutingEntry) {
	if e != nil {
		*e = RoutingEntry{}
	}
}

// Remove frees the route to dst.
func (t *RoutingTable) Remove(dst mac.ShortAddr) {
	t.Free(t.Find(dst, false))
}

// DeleteNextHop frees every route through nextHop and returns how many
// were freed.
func (t *RoutingTable) DeleteNextHop(nextHop mac.ShortAddr) int {
	n := 0
	for i := range t.entries {
		e := &t.entries[i]
		if e.busy && e.NextHop == nextHop && e.Status == RouteActive {
			*e = RoutingEntry{}
			n++
		}
	}
	return n
}

// Concentrators returns the active many-to-one routes.
func (t *RoutingTable) Concentrators() []RoutingEntry {
	var out []RoutingEntry
	for _, e := range t.entries {
		if e.busy && e.ManyToOne && e.Status == RouteActive {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns a copy of the busy entries.
func (t *RoutingTable) Entries() []RoutingEntry {
	var out []RoutingEntry
	for _, e := range t.entries {
		if e.busy {
			out = append(out, e)
		}
	}
	return out
}

// Load replaces the table contents with the active entries given.
func (t *RoutingTable) Load(entries []RoutingEntry) {
	t.Reset()
	i := 0
	for _, e := range entries {
		if i >= len(t.entries) {
			break
		}
		if e.Status != RouteActive {
			continue
		}
		e.busy = true
		t.entries[i] = e
		i++
	}
}

// Reset empties the table.
func (t *RoutingTable) Reset() {
	for i := range t.entries {
		t.entries[i] = RoutingEntry{}
	}
}
