package nwk

import "zigbee-go-stack/internal/mac"

// Relationship is a neighbor's relation to this device.
type Relationship uint8

const (
	RelParent Relationship = iota
	RelChild
	RelSibling
	RelNone
	RelPreviousChild
	RelUnauthenticatedChild
)

func (r Relationship) String() string {
	switch r {
	case RelParent:
		return "parent"
	case RelChild:
		return "child"
	case RelSibling:
		return "sibling"
	case RelNone:
		return "none"
	case RelPreviousChild:
		return "previous_child"
	case RelUnauthenticatedChild:
		return "unauthenticated_child"
	default:
		return "unknown"
	}
}

// Neighbor is one neighbor table entry.
type Neighbor struct {
	Short        mac.ShortAddr `json:"short"`
	Ext          mac.ExtAddr   `json:"ext"`
	DeviceType   DeviceType    `json:"device_type"`
	Relationship Relationship  `json:"relationship"`
	RxOnWhenIdle bool          `json:"rx_on_when_idle"`
	LQI          uint8         `json:"lqi"`
	// OutCost is the cost the neighbor reported for our link in its last
	// link status; zero until one arrives.
	OutCost uint8 `json:"out_cost"`
	Age     int   `json:"age"`

	busy bool
}

// IsRouter reports whether the neighbor relays broadcasts.
func (n *Neighbor) IsRouter() bool {
	return n.DeviceType != EndDevice
}

// IsChild reports whether the neighbor joined through us.
func (n *Neighbor) IsChild() bool {
	return n.Relationship == RelChild || n.Relationship == RelUnauthenticatedChild
}

// LinkCost maps a link quality indication to a ZigBee link cost 1-7.
func LinkCost(lqi uint8) uint8 {
	switch {
	case lqi >= 200:
		return 1
	case lqi >= 160:
		return 2
	case lqi >= 120:
		return 3
	case lqi >= 90:
		return 4
	case lqi >= 60:
		return 5
	case lqi >= 30:
		return 6
	default:
		return 7
	}
}

// NeighborTable holds the devices in radio range. Slot indices are stable
// while an entry lives and double as passive-ack bit positions.
type NeighborTable struct {
	entries  []Neighbor
	ageLimit int
}

// NewNeighborTable creates an empty table.
func NewNeighborTable(size, ageLimit int) *NeighborTable {
	return &NeighborTable{entries: make([]Neighbor, size), ageLimit: ageLimit}
}

// Add inserts or refreshes n, keyed by extended address when known and
// by short address otherwise. It returns nil if the table is full.
func (t *NeighborTable) Add(n Neighbor) *Neighbor {
	e := t.match(n.Short, n.Ext)
	if e == nil {
		for i := range t.entries {
			if !t.entries[i].busy {
				e = &t.entries[i]
				break
			}
		}
		if e == nil {
			return nil
		}
	} else {
		if n.Ext == 0 {
			n.Ext = e.Ext
		}
		if n.OutCost == 0 {
			n.OutCost = e.OutCost
		}
	}
	n.busy = true
	n.Age = 0
	*e = n
	return e
}

func (t *NeighborTable) match(short mac.ShortAddr, ext mac.ExtAddr) *Neighbor {
	if ext != 0 {
		if e := t.FindByExt(ext); e != nil {
			return e
		}
	}
	return t.FindByShort(short)
}

// FindByShort returns the neighbor using short, or nil.
func (t *NeighborTable) FindByShort(short mac.ShortAddr) *Neighbor {
	for i := range t.entries {
		if t.entries[i].busy && t.entries[i].Short == short {
			return &t.entries[i]
		}
	}
	return nil
}

// FindByExt returns the neighbor with ext, or nil.
func (t *NeighborTable) FindByExt(ext mac.ExtAddr) *Neighbor {
	for i := range t.entries {
		if t.entries[i].busy && t.entries[i].Ext == ext {
			return &t.entries[i]
		}
	}
	return nil
}

// Index returns n's slot, or -1.
func (t *NeighborTable) Index(short mac.ShortAddr) int {
	for i := range t.entries {
		if t.entries[i].busy && t.entries[i].Short == short {
			return i
		}
	}
	return -1
}

// Heard refreshes the entry for short after a frame arrived from it.
func (t *NeighborTable) Heard(short mac.ShortAddr, lqi uint8) *Neighbor {
	e := t.FindByShort(short)
	if e != nil {
		e.LQI = lqi
		e.Age = 0
	}
	return e
}

// Remove drops the entry for short.
func (t *NeighborTable) Remove(short mac.ShortAddr) {
	if e := t.FindByShort(short); e != nil {
		*e = Neighbor{}
	}
}

// Age ages every router neighbor that is not a child or parent and drops
// those that missed ageLimit link status periods. It returns the dropped
// addresses.
func (t *NeighborTable) Age() []mac.ShortAddr {
	var dropped []mac.ShortAddr
	for i := range t.entries {
		e := &t.entries[i]
		if !e.busy || e.IsChild() || e.Relationship == RelParent || !e.IsRouter() {
			continue
		}
		e.Age++
		if t.ageLimit > 0 && e.Age > t.ageLimit {
			dropped = append(dropped, e.Short)
			*e = Neighbor{}
		}
	}
	return dropped
}

// RouterMask returns the bit set of router neighbor slots.
func (t *NeighborTable) RouterMask() uint64 {
	var mask uint64
	for i := range t.entries {
		if i >= 64 {
			break
		}
		if t.entries[i].busy && t.entries[i].IsRouter() {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// Children returns the number of child entries of device type dt,
// authenticated or not.
func (t *NeighborTable) Children(dt DeviceType) int {
	n := 0
	for i := range t.entries {
		e := &t.entries[i]
		if e.busy && e.IsChild() && e.DeviceType == dt {
			n++
		}
	}
	return n
}

// Entries returns a copy of the busy entries.
func (t *NeighborTable) Entries() []Neighbor {
	var out []Neighbor
	for _, e := range t.entries {
		if e.busy {
			out = append(out, e)
		}
	}
	return out
}

// Load replaces the table contents.
func (t *NeighborTable) Load(entries []Neighbor) {
	t.Reset()
	for i, e := range entries {
		if i >= len(t.entries) {
			break
		}
		e.busy = true
		t.entries[i] = e
	}
}

// Reset empties the table.
func (t *NeighborTable) Reset() {
	for i := range t.entries {
		t.entries[i] = Neighbor{}
	}
}
