package stack

import (
	"zigbee-go-stack/internal/aps"
	"zigbee-go-stack/internal/nwk"
)

// Snapshot is a copy of the stack's state, safe to hand to other
// goroutines.
type Snapshot struct {
	ExtAddr       string `json:"ext_addr"`
	ShortAddr     string `json:"short_addr"`
	PanID         string `json:"pan_id"`
	ExtPanID      string `json:"ext_pan_id"`
	Channel       uint8  `json:"channel"`
	UpdateID      uint8  `json:"update_id"`
	DeviceType    string `json:"device_type"`
	Depth         uint8  `json:"depth"`
	Parent        string `json:"parent,omitempty"`
	Joined        bool   `json:"joined"`
	PermitJoining bool   `json:"permit_joining"`
	State         string `json:"state"`
	// KeySeq is the active network key's sequence number, nil without a
	// key.
	KeySeq      *uint8 `json:"key_seq,omitempty"`
	TrustCenter string `json:"trust_center,omitempty"`

	Routes     []Route        `json:"routes"`
	Neighbors  []NeighborInfo `json:"neighbors"`
	AddressMap []AddressEntry `json:"address_map"`
	Devices    []DeviceInfo   `json:"devices"`
	Counters   Counters       `json:"counters"`
}

// Route is a routing table row.
type Route struct {
	Dst       string `json:"dst"`
	NextHop   string `json:"next_hop"`
	Status    string `json:"status"`
	Cost      uint8  `json:"cost"`
	ManyToOne bool   `json:"many_to_one,omitempty"`
	Group     bool   `json:"group,omitempty"`
}

// NeighborInfo is a neighbor table row.
type NeighborInfo struct {
	ShortAddr    string `json:"short_addr"`
	ExtAddr      string `json:"ext_addr"`
	DeviceType   string `json:"device_type"`
	Relationship string `json:"relationship"`
	LQI          uint8  `json:"lqi"`
	OutCost      uint8  `json:"out_cost"`
	Age          int    `json:"age"`
}

// AddressEntry is an address map row.
type AddressEntry struct {
	ShortAddr string `json:"short_addr"`
	ExtAddr   string `json:"ext_addr"`
	Conflict  bool   `json:"conflict,omitempty"`
}

// DeviceInfo is a device tracked by the trust center.
type DeviceInfo struct {
	ExtAddr    string `json:"ext_addr"`
	ShortAddr  string `json:"short_addr"`
	Parent     string `json:"parent"`
	Authorized bool   `json:"authorized"`
}

// Counters holds the layer statistics.
type Counters struct {
	NWK nwk.Counters `json:"nwk"`
	APS aps.Counters `json:"aps"`
}

// Counters returns the layer statistics. It must run on the stack
// goroutine.
func (s *Stack) Counters() Counters {
	return Counters{NWK: s.nwk.Counters(), APS: s.aps.Counters()}
}

// TakeSnapshot captures the stack state. It must run on the stack
// goroutine; other goroutines use Snapshot.
func (s *Stack) TakeSnapshot() Snapshot {
	nib := s.nwk.NIB()
	snap := Snapshot{
		ExtAddr:       nib.ExtAddr.String(),
		ShortAddr:     nib.ShortAddr.String(),
		PanID:         nib.PanID.String(),
		Channel:       nib.Channel,
		UpdateID:      nib.UpdateID,
		DeviceType:    nib.DeviceType.String(),
		Depth:         nib.Depth,
		Joined:        nib.Joined,
		PermitJoining: nib.PermitJoining,
		State:         s.zdo.State().String(),
		Routes:        []Route{},
		Neighbors:     []NeighborInfo{},
		AddressMap:    []AddressEntry{},
		Devices:       []DeviceInfo{},
		Counters:      s.Counters(),
	}
	snap.ExtPanID = formatExtPanID(nib.ExtPanID)
	if nib.DeviceType != nwk.Coordinator && nib.Joined {
		snap.Parent = nib.Parent.String()
	}
	if k, ok := s.nwk.Security().Active(); ok {
		seq := k.Seq
		snap.KeySeq = &seq
	}
	if tc := s.aps.TrustCenter(); tc != 0 {
		snap.TrustCenter = tc.String()
	}

	for _, e := range s.nwk.Routes().Entries() {
		snap.Routes = append(snap.Routes, Route{
			Dst:       e.Dst.String(),
			NextHop:   e.NextHop.String(),
			Status:    e.Status.String(),
			Cost:      e.Cost,
			ManyToOne: e.ManyToOne,
			Group:     e.IsGroup,
		})
	}
	for _, n := range s.nwk.Neighbors().Entries() {
		snap.Neighbors = append(snap.Neighbors, NeighborInfo{
			ShortAddr:    n.Short.String(),
			ExtAddr:      n.Ext.String(),
			DeviceType:   n.DeviceType.String(),
			Relationship: n.Relationship.String(),
			LQI:          n.LQI,
			OutCost:      n.OutCost,
			Age:          n.Age,
		})
	}
	for _, e := range s.nwk.AddressMap().Entries() {
		snap.AddressMap = append(snap.AddressMap, AddressEntry{
			ShortAddr: e.Short.String(),
			ExtAddr:   e.Ext.String(),
			Conflict:  e.Conflict,
		})
	}
	for _, d := range s.zdo.Devices() {
		snap.Devices = append(snap.Devices, DeviceInfo{
			ExtAddr:    d.ExtAddr.String(),
			ShortAddr:  d.ShortAddr.String(),
			Parent:     d.Parent.String(),
			Authorized: d.Authorized,
		})
	}
	return snap
}

func formatExtPanID(epid uint64) string {
	b := make([]byte, 0, 23)
	const digits = "0123456789ABCDEF"
	for i := 7; i >= 0; i-- {
		x := byte(epid >> (8 * i))
		b = append(b, digits[x>>4], digits[x&0x0F])
		if i > 0 {
			b = append(b, ':')
		}
	}
	return string(b)
}
