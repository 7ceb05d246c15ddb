package aps

import (
	"math"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/security"
)

// KeyPairFlags qualify a key-pair descriptor.
type KeyPairFlags uint8

const (
	// KeyPairVerified is set once a frame secured with the link key was
	// received from the device.
	KeyPairVerified KeyPairFlags = 1 << iota
	// KeyPairPreconfigured marks a pair created from the global trust
	// center link key rather than a transported one.
	KeyPairPreconfigured
)

// KeyPair is the link key material shared with one device.
type KeyPair struct {
	DeviceAddr mac.ExtAddr  `json:"device_addr"`
	LinkKey    security.Key `json:"link_key"`
	InitialKey security.Key `json:"initial_key"`
	Flags      KeyPairFlags `json:"flags"`
	// OutCounterTop is the persisted upper bound of the outgoing counter.
	OutCounterTop uint32 `json:"out_counter_top"`
	InCounter     uint32 `json:"in_counter"`
	InValid       bool   `json:"in_valid"`

	outCounter uint32
}

// KeyPairSet holds the link keys of trusted peers. Outgoing counters are
// persisted ahead of use in steps so they never repeat after a restart.
type KeyPairSet struct {
	pairs []*KeyPair
	size  int
	step  uint32
	// persist runs whenever descriptors change or a counter crosses its
	// persisted bound.
	persist func()
}

// NewKeyPairSet creates an empty set holding at most size pairs.
func NewKeyPairSet(size int, step uint32, persist func()) *KeyPairSet {
	return &KeyPairSet{size: size, step: step, persist: persist}
}

func (s *KeyPairSet) changed() {
	if s.persist != nil {
		s.persist()
	}
}

// Find returns the pair for ext, or nil.
func (s *KeyPairSet) Find(ext mac.ExtAddr) *KeyPair {
	for _, p := range s.pairs {
		if p.DeviceAddr == ext {
			return p
		}
	}
	return nil
}

// Set installs key for ext. Replacing a link key restarts the incoming
// counter; the outgoing counter keeps climbing so no value is used twice
// under a key that is later installed again.
func (s *KeyPairSet) Set(ext mac.ExtAddr, key security.Key, flags KeyPairFlags) (*KeyPair, error) {
	if p := s.Find(ext); p != nil {
		if p.LinkKey != key {
			p.LinkKey = key
			p.Flags = flags
			p.InCounter, p.InValid = 0, false
			s.changed()
		}
		return p, nil
	}
	if len(s.pairs) >= s.size {
		return nil, ErrKeyPairSetFull
	}
	p := &KeyPair{DeviceAddr: ext, LinkKey: key, InitialKey: key, Flags: flags}
	s.pairs = append(s.pairs, p)
	s.changed()
	return p, nil
}

// Remove deletes the pair for ext.
func (s *KeyPairSet) Remove(ext mac.ExtAddr) bool {
	for i, p := range s.pairs {
		if p.DeviceAddr == ext {
			s.pairs = append(s.pairs[:i], s.pairs[i+1:]...)
			s.changed()
			return true
		}
	}
	return false
}

// GetUpdatedOutFrameCounter returns the next outgoing frame counter for
// ext. Successive calls return strictly increasing values.
func (s *KeyPairSet) GetUpdatedOutFrameCounter(ext mac.ExtAddr) (uint32, error) {
	p := s.Find(ext)
	if p == nil {
		return 0, ErrNoLinkKey
	}
	if p.outCounter == math.MaxUint32 {
		return 0, ErrCounterExhausted
	}
	c := p.outCounter
	p.outCounter++
	if p.outCounter >= p.OutCounterTop {
		top := p.outCounter + s.step
		if top < p.outCounter {
			top = math.MaxUint32
		}
		p.OutCounterTop = top
		s.changed()
	}
	return c, nil
}

// CheckInCounter reports whether counter is fresh for ext: strictly
// greater than the last accepted one.
func (s *KeyPairSet) CheckInCounter(ext mac.ExtAddr, counter uint32) bool {
	p := s.Find(ext)
	if p == nil {
		return false
	}
	return !p.InValid || counter > p.InCounter
}

// CommitInCounter records counter as the last accepted one for ext.
func (s *KeyPairSet) CommitInCounter(ext mac.ExtAddr, counter uint32) {
	p := s.Find(ext)
	if p == nil {
		return
	}
	p.InCounter, p.InValid = counter, true
	p.Flags |= KeyPairVerified
}

// Entries returns copies of the descriptors.
func (s *KeyPairSet) Entries() []KeyPair {
	out := make([]KeyPair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, *p)
	}
	return out
}

// Load replaces the set. Outgoing counters resume at the persisted bound.
func (s *KeyPairSet) Load(entries []KeyPair) {
	s.pairs = s.pairs[:0]
	for _, e := range entries {
		if len(s.pairs) >= s.size {
			break
		}
		p := e
		p.outCounter = p.OutCounterTop
		s.pairs = append(s.pairs, &p)
	}
}

// Len returns the number of pairs.
func (s *KeyPairSet) Len() int { return len(s.pairs) }

// Reset drops every pair.
func (s *KeyPairSet) Reset() {
	s.pairs = nil
}
