package nwk

import (
	"fmt"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/wire"
)

// CommandID identifies a NWK command frame.
type CommandID uint8

const (
	CmdRouteRequest   CommandID = 0x01
	CmdRouteReply     CommandID = 0x02
	CmdNetworkStatus  CommandID = 0x03
	CmdLeave          CommandID = 0x04
	CmdRouteRecord    CommandID = 0x05
	CmdRejoinRequest  CommandID = 0x06
	CmdRejoinResponse CommandID = 0x07
	CmdLinkStatus     CommandID = 0x08
	CmdNetworkReport  CommandID = 0x09
	CmdNetworkUpdate  CommandID = 0x0A
)

func (c CommandID) String() string {
	switch c {
	case CmdRouteRequest:
		return "route_request"
	case CmdRouteReply:
		return "route_reply"
	case CmdNetworkStatus:
		return "network_status"
	case CmdLeave:
		return "leave"
	case CmdRouteRecord:
		return "route_record"
	case CmdRejoinRequest:
		return "rejoin_request"
	case CmdRejoinResponse:
		return "rejoin_response"
	case CmdLinkStatus:
		return "link_status"
	case CmdNetworkReport:
		return "network_report"
	case CmdNetworkUpdate:
		return "network_update"
	default:
		return fmt.Sprintf("cmd_0x%02X", uint8(c))
	}
}

// Command is a NWK command payload.
type Command interface {
	ID() CommandID
	encode(w *wire.Writer)
}

// EncodeCommand returns the command identifier followed by its payload.
func EncodeCommand(c Command) []byte {
	w := wire.NewWriter(32)
	w.U8(uint8(c.ID()))
	c.encode(w)
	return w.Buf()
}

// ManyToOne is the many-to-one field of a route request.
type ManyToOne uint8

const (
	NotManyToOne           ManyToOne = 0
	ManyToOneRouteRecord   ManyToOne = 1
	ManyToOneNoRouteRecord ManyToOne = 2
)

// RouteRequest is command 0x01.
type RouteRequest struct {
	ManyToOne ManyToOne
	Multicast bool
	RequestID uint8
	Dst       mac.ShortAddr
	PathCost  uint8
	HasDstExt bool
	DstExt    mac.ExtAddr
}

func (c *RouteRequest) ID() CommandID { return CmdRouteRequest }

func (c *RouteRequest) encode(w *wire.Writer) {
	opts := uint8(c.ManyToOne&0x03) << 3
	if c.HasDstExt {
		opts |= 0x20
	}
	if c.Multicast {
		opts |= 0x40
	}
	w.U8(opts).U8(c.RequestID).U16(uint16(c.Dst)).U8(c.PathCost)
	if c.HasDstExt {
		w.U64(uint64(c.DstExt))
	}
}

// RouteReply is command 0x02.
type RouteReply struct {
	Multicast  bool
	RequestID  uint8
	Originator mac.ShortAddr
	Responder  mac.ShortAddr
	PathCost   uint8
	HasOrigExt bool
	OrigExt    mac.ExtAddr
	HasRespExt bool
	RespExt    mac.ExtAddr
}

func (c *RouteReply) ID() CommandID { return CmdRouteReply }

func (c *RouteReply) encode(w *wire.Writer) {
	var opts uint8
	if c.HasOrigExt {
		opts |= 0x10
	}
	if c.HasRespExt {
		opts |= 0x20
	}
	if c.Multicast {
		opts |= 0x40
	}
	w.U8(opts).U8(c.RequestID).U16(uint16(c.Originator)).U16(uint16(c.Responder)).U8(c.PathCost)
	if c.HasOrigExt {
		w.U64(uint64(c.OrigExt))
	}
	if c.HasRespExt {
		w.U64(uint64(c.RespExt))
	}
}

// NetworkStatus is command 0x03.
type NetworkStatus struct {
	Code NetworkStatusCode
	Dst  mac.ShortAddr
}

func (c *NetworkStatus) ID() CommandID { return CmdNetworkStatus }

func (c *NetworkStatus) encode(w *wire.Writer) {
	w.U8(uint8(c.Code)).U16(uint16(c.Dst))
}

// Leave is command 0x04.
type Leave struct {
	RemoveChildren bool
	Request        bool
	Rejoin         bool
}

func (c *Leave) ID() CommandID { return CmdLeave }

func (c *Leave) encode(w *wire.Writer) {
	var opts uint8
	if c.Rejoin {
		opts |= 0x20
	}
	if c.Request {
		opts |= 0x40
	}
	if c.RemoveChildren {
		opts |= 0x80
	}
	w.U8(opts)
}

// RouteRecord is command 0x05. Relays are listed in the order the frame
// passed them, closest to the originator first.
type RouteRecord struct {
	Relays []mac.ShortAddr
}

func (c *RouteRecord) ID() CommandID { return CmdRouteRecord }

func (c *RouteRecord) encode(w *wire.Writer) {
	w.U8(uint8(len(c.Relays)))
	for _, r := range c.Relays {
		w.U16(uint16(r))
	}
}

// RejoinRequest is command 0x06.
type RejoinRequest struct {
	Capability mac.Capability
}

func (c *RejoinRequest) ID() CommandID { return CmdRejoinRequest }

func (c *RejoinRequest) encode(w *wire.Writer) {
	w.U8(uint8(c.Capability))
}

// RejoinResponse is command 0x07.
type RejoinResponse struct {
	ShortAddr mac.ShortAddr
	Status    mac.Status
}

func (c *RejoinResponse) ID() CommandID { return CmdRejoinResponse }

func (c *RejoinResponse) encode(w *wire.Writer) {
	w.U16(uint16(c.ShortAddr)).U8(uint8(c.Status))
}

// LinkStatusEntry is one neighbor in a link status command. Costs are 1-7.
type LinkStatusEntry struct {
	Addr    mac.ShortAddr
	InCost  uint8
	OutCost uint8
}

// LinkStatus is command 0x08.
type LinkStatus struct {
	First bool
	Last  bool
	Links []LinkStatusEntry
}

func (c *LinkStatus) ID() CommandID { return CmdLinkStatus }

func (c *LinkStatus) encode(w *wire.Writer) {
	opts := uint8(len(c.Links)) & 0x1F
	if c.First {
		opts |= 0x20
	}
	if c.Last {
		opts |= 0x40
	}
	w.U8(opts)
	for _, l := range c.Links {
		w.U16(uint16(l.Addr)).U8(l.InCost&0x07 | (l.OutCost&0x07)<<4)
	}
}

// Network report and update command types.
const (
	ReportPanIDConflict uint8 = 0x00
	UpdatePanID         uint8 = 0x00
)

// NetworkReport is command 0x09.
type NetworkReport struct {
	Type     uint8
	ExtPanID uint64
	PanIDs   []mac.PanID
}

func (c *NetworkReport) ID() CommandID { return CmdNetworkReport }

func (c *NetworkReport) encode(w *wire.Writer) {
	w.U8(uint8(len(c.PanIDs))&0x1F | c.Type<<5).U64(c.ExtPanID)
	for _, p := range c.PanIDs {
		w.U16(uint16(p))
	}
}

// NetworkUpdate is command 0x0A.
type NetworkUpdate struct {
	Type     uint8
	ExtPanID uint64
	UpdateID uint8
	NewPanID mac.PanID
}

func (c *NetworkUpdate) ID() CommandID { return CmdNetworkUpdate }

func (c *NetworkUpdate) encode(w *wire.Writer) {
	w.U8(1 | c.Type<<5).U64(c.ExtPanID).U8(c.UpdateID).U16(uint16(c.NewPanID))
}

// DecodeCommand parses a command payload starting at the command identifier.
func DecodeCommand(payload []byte) (Command, error) {
	r := wire.NewReader(payload)
	id := CommandID(r.U8())
	var cmd Command
	switch id {
	case CmdRouteRequest:
		opts := r.U8()
		c := &RouteRequest{
			ManyToOne: ManyToOne((opts >> 3) & 0x03),
			HasDstExt: opts&0x20 != 0,
			Multicast: opts&0x40 != 0,
			RequestID: r.U8(),
			Dst:       mac.ShortAddr(r.U16()),
			PathCost:  r.U8(),
		}
		if c.HasDstExt {
			c.DstExt = mac.ExtAddr(r.U64())
		}
		cmd = c
	case CmdRouteReply:
		opts := r.U8()
		c := &RouteReply{
			HasOrigExt: opts&0x10 != 0,
			HasRespExt: opts&0x20 != 0,
			Multicast:  opts&0x40 != 0,
			RequestID:  r.U8(),
			Originator: mac.ShortAddr(r.U16()),
			Responder:  mac.ShortAddr(r.U16()),
			PathCost:   r.U8(),
		}
		if c.HasOrigExt {
			c.OrigExt = mac.ExtAddr(r.U64())
		}
		if c.HasRespExt {
			c.RespExt = mac.ExtAddr(r.U64())
		}
		cmd = c
	case CmdNetworkStatus:
		cmd = &NetworkStatus{Code: NetworkStatusCode(r.U8()), Dst: mac.ShortAddr(r.U16())}
	case CmdLeave:
		opts := r.U8()
		cmd = &Leave{Rejoin: opts&0x20 != 0, Request: opts&0x40 != 0, RemoveChildren: opts&0x80 != 0}
	case CmdRouteRecord:
		n := int(r.U8())
		c := &RouteRecord{}
		for i := 0; i < n && r.Err() == nil; i++ {
			c.Relays = append(c.Relays, mac.ShortAddr(r.U16()))
		}
		cmd = c
	case CmdRejoinRequest:
		cmd = &RejoinRequest{Capability: mac.Capability(r.U8())}
	case CmdRejoinResponse:
		cmd = &RejoinResponse{ShortAddr: mac.ShortAddr(r.U16()), Status: mac.Status(r.U8())}
	case CmdLinkStatus:
		opts := r.U8()
		c := &LinkStatus{First: opts&0x20 != 0, Last: opts&0x40 != 0}
		for i := 0; i < int(opts&0x1F) && r.Err() == nil; i++ {
			addr := mac.ShortAddr(r.U16())
			cost := r.U8()
			c.Links = append(c.Links, LinkStatusEntry{Addr: addr, InCost: cost & 0x07, OutCost: (cost >> 4) & 0x07})
		}
		cmd = c
	case CmdNetworkReport:
		opts := r.U8()
		c := &NetworkReport{Type: opts >> 5, ExtPanID: r.U64()}
		for i := 0; i < int(opts&0x1F) && r.Err() == nil; i++ {
			c.PanIDs = append(c.PanIDs, mac.PanID(r.U16()))
		}
		cmd = c
	case CmdNetworkUpdate:
		opts := r.U8()
		cmd = &NetworkUpdate{Type: opts >> 5, ExtPanID: r.U64(), UpdateID: r.U8(), NewPanID: mac.PanID(r.U16())}
	default:
		return nil, fmt.Errorf("%w: unknown command 0x%02X", ErrInvalidFrame, uint8(id))
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFrame, id, err)
	}
	return cmd, nil
}
