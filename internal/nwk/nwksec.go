package nwk

import (
	"math"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/security"
)

// NetworkKey is a network key and its sequence number.
type NetworkKey struct {
	Seq uint8        `json:"seq"`
	Key security.Key `json:"key"`
}

type keyState struct {
	NetworkKey
	out uint32
	in  map[mac.ExtAddr]uint32
}

// SecurityMaterial holds the active and alternate network keys with their
// frame counters.
type SecurityMaterial struct {
	active    *keyState
	alternate *keyState

	step     uint32
	outLimit uint32
	// persist is called with the counter value to store whenever the
	// outgoing counter crosses the last persisted limit.
	persist func(top uint32)
}

// SecuritySnapshot is the persisted form of SecurityMaterial.
type SecuritySnapshot struct {
	Active    *NetworkKey `json:"active,omitempty"`
	Alternate *NetworkKey `json:"alternate,omitempty"`
	OutTop    uint32      `json:"out_top"`
}

// NewSecurityMaterial creates empty material. The outgoing counter is
// persisted every step frames.
func NewSecurityMaterial(step uint32, persist func(top uint32)) *SecurityMaterial {
	return &SecurityMaterial{step: step, persist: persist}
}

func newKeyState(k NetworkKey) *keyState {
	return &keyState{NetworkKey: k, in: make(map[mac.ExtAddr]uint32)}
}

// SetKey stores key under seq. With no active key it becomes active;
// otherwise it becomes the alternate, waiting for Switch. Storing a key
// already held under the same seq keeps its frame counters.
func (m *SecurityMaterial) SetKey(seq uint8, key security.Key) {
	if k := m.state(seq); k != nil {
		if k.Key != key {
			k.Key = key
			k.in = make(map[mac.ExtAddr]uint32)
		}
		return
	}
	k := NetworkKey{Seq: seq, Key: key}
	if m.active == nil {
		m.active = newKeyState(k)
		m.outLimit = 0
		return
	}
	m.alternate = newKeyState(k)
}

// Switch makes the key with seq active and retires the previous one. It
// reports false if no such key is held.
func (m *SecurityMaterial) Switch(seq uint8) bool {
	if m.active != nil && m.active.Seq == seq {
		return true
	}
	if m.alternate == nil || m.alternate.Seq != seq {
		return false
	}
	m.active = m.alternate
	m.alternate = nil
	m.outLimit = 0
	return true
}

// Active returns the active key.
func (m *SecurityMaterial) Active() (NetworkKey, bool) {
	if m.active == nil {
		return NetworkKey{}, false
	}
	return m.active.NetworkKey, true
}

// Key returns the key with seq, active or alternate.
func (m *SecurityMaterial) Key(seq uint8) (NetworkKey, bool) {
	if k := m.state(seq); k != nil {
		return k.NetworkKey, true
	}
	return NetworkKey{}, false
}

func (m *SecurityMaterial) state(seq uint8) *keyState {
	if m.active != nil && m.active.Seq == seq {
		return m.active
	}
	if m.alternate != nil && m.alternate.Seq == seq {
		return m.alternate
	}
	return nil
}

// HasKey reports whether any network key is held.
func (m *SecurityMaterial) HasKey() bool {
	return m.active != nil
}

// NextOutCounter returns the counter for the next secured frame under the
// active key and advances it. ok is false once the counter is exhausted.
func (m *SecurityMaterial) NextOutCounter() (uint32, bool) {
	if m.active == nil || m.active.out == math.MaxUint32 {
		return 0, false
	}
	c := m.active.out
	m.active.out++
	if m.active.out >= m.outLimit {
		m.outLimit = m.active.out + m.step
		if m.outLimit < m.active.out {
			m.outLimit = math.MaxUint32
		}
		if m.persist != nil {
			m.persist(m.outLimit)
		}
	}
	return c, true
}

// OutCounter returns the next outgoing counter value.
func (m *SecurityMaterial) OutCounter() uint32 {
	if m.active == nil {
		return 0
	}
	return m.active.out
}

// CheckInCounter reports whether counter from src under key seq is fresh:
// strictly greater than the last accepted one.
func (m *SecurityMaterial) CheckInCounter(seq uint8, src mac.ExtAddr, counter uint32) bool {
	k := m.state(seq)
	if k == nil {
		return false
	}
	last, seen := k.in[src]
	return !seen || counter > last
}

// CommitInCounter records counter as the last accepted from src.
func (m *SecurityMaterial) CommitInCounter(seq uint8, src mac.ExtAddr, counter uint32) {
	if k := m.state(seq); k != nil {
		k.in[src] = counter
	}
}

// ForgetPeer drops the incoming counters of src.
func (m *SecurityMaterial) ForgetPeer(src mac.ExtAddr) {
	for _, k := range []*keyState{m.active, m.alternate} {
		if k != nil {
			delete(k.in, src)
		}
	}
}

// Snapshot returns the persisted form. OutTop is the limit the counter
// may reach before the next save.
func (m *SecurityMaterial) Snapshot() SecuritySnapshot {
	var s SecuritySnapshot
	if m.active != nil {
		k := m.active.NetworkKey
		s.Active = &k
		s.OutTop = max(m.outLimit, m.active.out)
	}
	if m.alternate != nil {
		k := m.alternate.NetworkKey
		s.Alternate = &k
	}
	return s
}

// Restore loads a snapshot. The outgoing counter resumes at the stored
// limit, past every value used before the snapshot was taken.
func (m *SecurityMaterial) Restore(s SecuritySnapshot) {
	m.Reset()
	if s.Active != nil {
		m.active = newKeyState(*s.Active)
		m.active.out = s.OutTop
		m.outLimit = 0
	}
	if s.Alternate != nil {
		m.alternate = newKeyState(*s.Alternate)
	}
}

// Reset drops every key.
func (m *SecurityMaterial) Reset() {
	m.active = nil
	m.alternate = nil
	m.outLimit = 0
}
