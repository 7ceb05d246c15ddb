package sys

import "time"

// DuplicateStatus is the outcome of DuplicateTable.Check.
type DuplicateStatus uint8

const (
	DuplicateAdded DuplicateStatus = iota
	DuplicateFound
	DuplicateFull
)

func (s DuplicateStatus) String() string {
	switch s {
	case DuplicateAdded:
		return "added"
	case DuplicateFound:
		return "found"
	case DuplicateFull:
		return "full"
	default:
		return "unknown"
	}
}

// DuplicateTableConfig sizes a duplicate table.
type DuplicateTableConfig struct {
	Size         int
	TTL          time.Duration
	AgingPeriod  time.Duration // defaults to TTL/4
	RemoveOldest bool
}

// DuplicateEntry is a live (address, sequence number) record.
type DuplicateEntry struct {
	Address   uint16
	SeqNumber uint8
	// Expires is when the entry stops matching.
	Expires time.Time
	// Mask is free for the owner, e.g. the set of neighbors heard relaying.
	Mask   uint64
	active bool
}

// DuplicateTable rejects repeated (address, seqNumber) pairs for TTL.
// Every entry carries its own expiry; a periodic tick independent of
// Check frees the expired ones.
type DuplicateTable struct {
	env     *Env
	cfg     DuplicateTableConfig
	entries []DuplicateEntry
	timer   *Timer
}

// NewDuplicateTable creates an empty table. The aging timer only runs
// while the table holds live entries.
func NewDuplicateTable(env *Env, cfg DuplicateTableConfig) *DuplicateTable {
	if cfg.AgingPeriod <= 0 {
		cfg.AgingPeriod = cfg.TTL / 4
		if cfg.AgingPeriod <= 0 {
			cfg.AgingPeriod = time.Millisecond
		}
	}
	t := &DuplicateTable{
		env:     env,
		cfg:     cfg,
		entries: make([]DuplicateEntry, cfg.Size),
	}
	t.timer = NewTimer(env, cfg.AgingPeriod, TimerRepeat, t.age)
	return t
}

// Check looks up (address, seq). A live match answers DuplicateFound;
// otherwise the pair is inserted (DuplicateAdded) or the table is full.
func (t *DuplicateTable) Check(address uint16, seq uint8) DuplicateStatus {
	now := t.env.Clock.Now()
	free := -1
	oldest := -1
	for i := range t.entries {
		e := &t.entries[i]
		if e.active && !now.Before(e.Expires) {
			e.active = false
		}
		if !e.active {
			if free < 0 {
				free = i
			}
			continue
		}
		if e.Address == address && e.SeqNumber == seq {
			return DuplicateFound
		}
		if oldest < 0 || e.Expires.Before(t.entries[oldest].Expires) {
			oldest = i
		}
	}

	slot := free
	if slot < 0 {
		if !t.cfg.RemoveOldest || oldest < 0 {
			return DuplicateFull
		}
		slot = oldest
	}
	t.entries[slot] = DuplicateEntry{Address: address, SeqNumber: seq, Expires: now.Add(t.cfg.TTL), active: true}
	if !t.timer.Running() {
		t.timer.Start()
	}
	return DuplicateAdded
}

// Find returns the live entry for (address, seq), or nil.
func (t *DuplicateTable) Find(address uint16, seq uint8) *DuplicateEntry {
	now := t.env.Clock.Now()
	for i := range t.entries {
		e := &t.entries[i]
		if e.active && now.Before(e.Expires) && e.Address == address && e.SeqNumber == seq {
			return e
		}
	}
	return nil
}

// Remove clears the entry for (address, seq) if present.
func (t *DuplicateTable) Remove(address uint16, seq uint8) {
	if e := t.Find(address, seq); e != nil {
		e.active = false
	}
}

// Clear drops every entry and stops aging.
func (t *DuplicateTable) Clear() {
	for i := range t.entries {
		t.entries[i] = DuplicateEntry{}
	}
	t.timer.Stop()
}

// Len returns the number of live entries.
func (t *DuplicateTable) Len() int {
	n := 0
	for i := range t.entries {
		if t.entries[i].active {
			n++
		}
	}
	return n
}

func (t *DuplicateTable) age() {
	now := t.env.Clock.Now()
	live := 0
	for i := range t.entries {
		e := &t.entries[i]
		if !e.active {
			continue
		}
		if !now.Before(e.Expires) {
			e.active = false
			continue
		}
		live++
	}
	if live == 0 {
		t.timer.Stop()
	}
}
