package nwk

import "zigbee-go-stack/internal/mac"

// AddrMapEntry binds a short address to an extended address.
type AddrMapEntry struct {
	Short    mac.ShortAddr `json:"short"`
	Ext      mac.ExtAddr   `json:"ext"`
	Conflict bool          `json:"conflict"`

	busy bool
}

// AddrMapResult is the outcome of AddressMap.Add.
type AddrMapResult uint8

const (
	AddrUnchanged AddrMapResult = iota
	AddrAdded
	AddrUpdated
	// AddrConflict means another device already holds the short address;
	// that entry is now flagged and nothing was inserted.
	AddrConflict
	AddrFull
)

func (r AddrMapResult) String() string {
	switch r {
	case AddrUnchanged:
		return "unchanged"
	case AddrAdded:
		return "added"
	case AddrUpdated:
		return "updated"
	case AddrConflict:
		return "conflict"
	case AddrFull:
		return "full"
	default:
		return "unknown"
	}
}

// AddressMap is a fixed-size short/extended address table. When full, the
// oldest insertion is overwritten.
type AddressMap struct {
	entries []AddrMapEntry
	next    int
}

// NewAddressMap creates an empty map with size slots.
func NewAddressMap(size int) *AddressMap {
	return &AddressMap{entries: make([]AddrMapEntry, size)}
}

// Add records that ext uses short. A different device already holding
// short (and not itself flagged) gets its conflict flag set.
func (m *AddressMap) Add(short mac.ShortAddr, ext mac.ExtAddr, isConflict bool) AddrMapResult {
	if other := m.FindByShort(short); other != nil && other.Ext != ext {
		other.Conflict = true
		return AddrConflict
	}

	if e := m.FindByExt(ext); e != nil {
		if e.Short == short && e.Conflict == isConflict {
			return AddrUnchanged
		}
		e.Short = short
		e.Conflict = isConflict
		return AddrUpdated
	}

	slot := -1
	for i := range m.entries {
		if !m.entries[i].busy {
			slot = i
			break
		}
	}
	if slot < 0 {
		if len(m.entries) == 0 {
			return AddrFull
		}
		slot = m.next
		m.next = (m.next + 1) % len(m.entries)
	}
	m.entries[slot] = AddrMapEntry{Short: short, Ext: ext, Conflict: isConflict, busy: true}
	return AddrAdded
}

// FindByShort returns the non-conflicted entry for short, falling back to a
// conflicted one.
func (m *AddressMap) FindByShort(short mac.ShortAddr) *AddrMapEntry {
	var flagged *AddrMapEntry
	for i := range m.entries {
		e := &m.entries[i]
		if !e.busy || e.Short != short {
			continue
		}
		if !e.Conflict {
			return e
		}
		if flagged == nil {
			flagged = e
		}
	}
	return flagged
}

// FindByExt returns the entry for ext, or nil.
func (m *AddressMap) FindByExt(ext mac.ExtAddr) *AddrMapEntry {
	for i := range m.entries {
		e := &m.entries[i]
		if e.busy && e.Ext == ext {
			return e
		}
	}
	return nil
}

// ClearConflict drops the conflict flag of every entry using short.
func (m *AddressMap) ClearConflict(short mac.ShortAddr) {
	for i := range m.entries {
		if m.entries[i].busy && m.entries[i].Short == short {
			m.entries[i].Conflict = false
		}
	}
}

// Remove deletes the entry for ext.
func (m *AddressMap) Remove(ext mac.ExtAddr) {
	if e := m.FindByExt(ext); e != nil {
		*e = AddrMapEntry{}
	}
}

// Reset empties the map.
func (m *AddressMap) Reset() {
	for i := range m.entries {
		m.entries[i] = AddrMapEntry{}
	}
	m.next = 0
}

// Entries returns a copy of the busy entries.
func (m *AddressMap) Entries() []AddrMapEntry {
	var out []AddrMapEntry
	for _, e := range m.entries {
		if e.busy {
			out = append(out, e)
		}
	}
	return out
}

// Load replaces the map contents with entries.
func (m *AddressMap) Load(entries []AddrMapEntry) {
	m.Reset()
	for i, e := range entries {
		if i >= len(m.entries) {
			break
		}
		e.busy = true
		m.entries[i] = e
	}
}
