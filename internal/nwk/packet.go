package nwk

import (
	"fmt"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/sys"
)

// PacketType classifies pool buffers by who owns them.
type PacketType uint8

const (
	PacketInput PacketType = iota
	PacketOutput
	PacketTransit
	PacketLoopback
	PacketExtern
	numPacketTypes
)

func (t PacketType) String() string {
	switch t {
	case PacketInput:
		return "input"
	case PacketOutput:
		return "output"
	case PacketTransit:
		return "transit"
	case PacketLoopback:
		return "loopback"
	case PacketExtern:
		return "extern"
	default:
		return fmt.Sprintf("packet_type_%d", uint8(t))
	}
}

// PacketHandle names a pool slot. A handle outlives its packet: once the
// slot is freed the generation moves on and the handle stops resolving.
type PacketHandle struct {
	index uint16
	gen   uint32
}

// Valid reports whether h was ever issued.
func (h PacketHandle) Valid() bool { return h.gen != 0 }

func (h PacketHandle) String() string { return fmt.Sprintf("pkt(%d/%d)", h.index, h.gen) }

// Packet is a NWK frame in flight, inbound or outbound.
type Packet struct {
	Type   PacketType
	Length int

	Header  Header
	Payload []byte

	// Receive side.
	MacSrc      mac.ShortAddr
	LinkQuality uint8
	Secured     bool

	// Transmit side.
	NextHop  mac.ShortAddr
	Secure   bool
	retries  int
	relayed  bool
	onDone   func(Status)
	waitDisc bool
}

type packetSlot struct {
	pkt  Packet
	gen  uint32
	busy bool
}

// AllocRequest is a queued allocation. Ready runs as a task once a buffer
// of Type is available.
type AllocRequest struct {
	Type   PacketType
	Length int
	Ready  func(PacketHandle)

	queued bool
}

// PacketManager is a fixed pool of frame buffers with per-type limits.
type PacketManager struct {
	env      *sys.Env
	limits   [numPacketTypes]int
	used     [numPacketTypes]int
	slots    []packetSlot
	waiters  []*AllocRequest
	maxFrame int
}

// NewPacketManager creates a pool sized by limits.
func NewPacketManager(env *sys.Env, limits PacketLimits, maxFrame int) *PacketManager {
	m := &PacketManager{
		env:      env,
		slots:    make([]packetSlot, limits.Total()),
		maxFrame: maxFrame,
	}
	m.limits[PacketInput] = limits.Input
	m.limits[PacketOutput] = limits.Output
	m.limits[PacketTransit] = limits.Transit
	m.limits[PacketLoopback] = limits.Loopback
	m.limits[PacketExtern] = limits.Extern
	return m
}

// Alloc takes a buffer of type t able to hold length bytes. It returns
// ok=false when the type's share of the pool is exhausted.
func (m *PacketManager) Alloc(t PacketType, length int) (PacketHandle, bool) {
	if t >= numPacketTypes || length < 0 || length > m.maxFrame {
		return PacketHandle{}, false
	}
	if m.used[t] >= m.limits[t] {
		return PacketHandle{}, false
	}
	for i := range m.slots {
		s := &m.slots[i]
		if s.busy {
			continue
		}
		s.gen++
		if s.gen == 0 {
			s.gen = 1
		}
		s.busy = true
		s.pkt = Packet{Type: t, Length: length}
		m.used[t]++
		return PacketHandle{index: uint16(i), gen: s.gen}, true
	}
	return PacketHandle{}, false
}

// AllocQueued allocates now if possible, otherwise queues req in FIFO
// order. Either way req.Ready runs as a later task.
func (m *PacketManager) AllocQueued(req *AllocRequest) bool {
	if req.Ready == nil {
		m.env.Fatal.Raise(sys.FatalNilCallback, "packet allocation without Ready callback")
		return false
	}
	if req.Type >= numPacketTypes || req.Length > m.maxFrame {
		return false
	}
	if h, ok := m.Alloc(req.Type, req.Length); ok {
		m.env.Tasks.Post(func() { req.Ready(h) })
		return true
	}
	req.queued = true
	m.waiters = append(m.waiters, req)
	return true
}

// Cancel drops a queued request. Its Ready callback will not run.
func (m *PacketManager) Cancel(req *AllocRequest) {
	for i, w := range m.waiters {
		if w == req {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			req.queued = false
			return
		}
	}
}

// Get resolves h. A stale or forged handle is an invariant violation.
func (m *PacketManager) Get(h PacketHandle) *Packet {
	if int(h.index) >= len(m.slots) || !h.Valid() {
		m.env.Fatal.Raise(sys.FatalInvalidHandle, fmt.Sprintf("packet handle %s out of range", h))
		return nil
	}
	s := &m.slots[h.index]
	if !s.busy || s.gen != h.gen {
		m.env.Fatal.Raise(sys.FatalInvalidHandle, fmt.Sprintf("stale packet handle %s", h))
		return nil
	}
	return &s.pkt
}

// Lookup resolves h without treating a stale handle as fatal.
func (m *PacketManager) Lookup(h PacketHandle) (*Packet, bool) {
	if int(h.index) >= len(m.slots) || !h.Valid() {
		return nil, false
	}
	s := &m.slots[h.index]
	if !s.busy || s.gen != h.gen {
		return nil, false
	}
	return &s.pkt, true
}

// Free returns the buffer to the pool and serves queued allocations.
func (m *PacketManager) Free(h PacketHandle) {
	if int(h.index) >= len(m.slots) || !h.Valid() {
		m.env.Fatal.Raise(sys.FatalInvalidHandle, fmt.Sprintf("free of invalid handle %s", h))
		return
	}
	s := &m.slots[h.index]
	if !s.busy || s.gen != h.gen {
		m.env.Fatal.Raise(sys.FatalDoubleFree, fmt.Sprintf("packet %s freed twice", h))
		return
	}
	m.used[s.pkt.Type]--
	s.busy = false
	s.pkt = Packet{}
	m.serveWaiters()
}

func (m *PacketManager) serveWaiters() {
	kept := m.waiters[:0]
	for _, req := range m.waiters {
		if h, ok := m.Alloc(req.Type, req.Length); ok {
			req.queued = false
			r := req
			m.env.Tasks.Post(func() { r.Ready(h) })
			continue
		}
		kept = append(kept, req)
	}
	for i := len(kept); i < len(m.waiters); i++ {
		m.waiters[i] = nil
	}
	m.waiters = kept
}

// InUse returns the number of busy buffers of type t.
func (m *PacketManager) InUse(t PacketType) int {
	return m.used[t]
}

// Waiting returns the number of queued allocations.
func (m *PacketManager) Waiting() int {
	return len(m.waiters)
}

// Reset frees every buffer and drops queued allocations. Outstanding
// handles go stale.
func (m *PacketManager) Reset() {
	for i := range m.slots {
		if m.slots[i].busy {
			m.slots[i].busy = false
			m.slots[i].pkt = Packet{}
		}
	}
	m.used = [numPacketTypes]int{}
	m.waiters = nil
}
