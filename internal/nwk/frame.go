package nwk

import (
	"fmt"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/wire"
)

// FrameType is the NWK frame type.
type FrameType uint8

const (
	FrameData    FrameType = 0x00
	FrameCommand FrameType = 0x01
)

const protocolVersion = 0x02

// Frame control bit layout (little-endian 16-bit field).
const (
	fcTypeMask       = 0x0003
	fcVersionShift   = 2
	fcVersionMask    = 0x003C
	fcDiscoverShift  = 6
	fcDiscoverMask   = 0x00C0
	fcMulticast      = 0x0100
	fcSecurity       = 0x0200
	fcSourceRoute    = 0x0400
	fcDstExt         = 0x0800
	fcSrcExt         = 0x1000
	fcEndDeviceInit  = 0x2000
	discoverSuppress = 0x00
	discoverEnable   = 0x01
)

// Broadcast destinations.
const (
	BroadcastAll          mac.ShortAddr = 0xFFFF
	BroadcastRxOnWhenIdle mac.ShortAddr = 0xFFFD
	BroadcastRouters      mac.ShortAddr = 0xFFFC
	BroadcastLowPower     mac.ShortAddr = 0xFFFB
)

// IsBroadcast reports whether a is one of the NWK broadcast addresses.
func IsBroadcast(a mac.ShortAddr) bool {
	return a >= BroadcastLowPower
}

// Header is a decoded NWK header.
type Header struct {
	Type               FrameType
	Version            uint8
	DiscoverRoute      bool
	Multicast          bool
	Security           bool
	SourceRoute        bool
	EndDeviceInitiator bool

	Dst    mac.ShortAddr
	Src    mac.ShortAddr
	Radius uint8
	Seq    uint8

	DstExt mac.ExtAddr // valid if HasDstExt
	SrcExt mac.ExtAddr // valid if HasSrcExt

	HasDstExt bool
	HasSrcExt bool

	MulticastControl uint8

	// Source route subframe: Relays[0] is the relay closest to the
	// destination; RelayIndex names the relay the frame is heading to.
	RelayIndex uint8
	Relays     []mac.ShortAddr
}

func (h *Header) frameControl() uint16 {
	fc := uint16(h.Type) & fcTypeMask
	version := h.Version
	if version == 0 {
		version = protocolVersion
	}
	fc |= (uint16(version) << fcVersionShift) & fcVersionMask
	if h.DiscoverRoute {
		fc |= discoverEnable << fcDiscoverShift
	}
	if h.Multicast {
		fc |= fcMulticast
	}
	if h.Security {
		fc |= fcSecurity
	}
	if h.SourceRoute {
		fc |= fcSourceRoute
	}
	if h.HasDstExt {
		fc |= fcDstExt
	}
	if h.HasSrcExt {
		fc |= fcSrcExt
	}
	if h.EndDeviceInitiator {
		fc |= fcEndDeviceInit
	}
	return fc
}

// Encode writes the header.
func (h *Header) Encode(w *wire.Writer) {
	w.U16(h.frameControl())
	w.U16(uint16(h.Dst)).U16(uint16(h.Src)).U8(h.Radius).U8(h.Seq)
	if h.HasDstExt {
		w.U64(uint64(h.DstExt))
	}
	if h.HasSrcExt {
		w.U64(uint64(h.SrcExt))
	}
	if h.Multicast {
		w.U8(h.MulticastControl)
	}
	if h.SourceRoute {
		w.U8(uint8(len(h.Relays))).U8(h.RelayIndex)
		for _, r := range h.Relays {
			w.U16(uint16(r))
		}
	}
}

// Bytes returns the encoded header.
func (h *Header) Bytes() []byte {
	w := wire.NewWriter(32)
	h.Encode(w)
	return w.Buf()
}

// DecodeHeader reads a NWK header.
func DecodeHeader(r *wire.Reader) (Header, error) {
	fc := r.U16()
	h := Header{
		Type:               FrameType(fc & fcTypeMask),
		Version:            uint8((fc & fcVersionMask) >> fcVersionShift),
		DiscoverRoute:      (fc&fcDiscoverMask)>>fcDiscoverShift == discoverEnable,
		Multicast:          fc&fcMulticast != 0,
		Security:           fc&fcSecurity != 0,
		SourceRoute:        fc&fcSourceRoute != 0,
		HasDstExt:          fc&fcDstExt != 0,
		HasSrcExt:          fc&fcSrcExt != 0,
		EndDeviceInitiator: fc&fcEndDeviceInit != 0,
	}
	h.Dst = mac.ShortAddr(r.U16())
	h.Src = mac.ShortAddr(r.U16())
	h.Radius = r.U8()
	h.Seq = r.U8()
	if h.HasDstExt {
		h.DstExt = mac.ExtAddr(r.U64())
	}
	if h.HasSrcExt {
		h.SrcExt = mac.ExtAddr(r.U64())
	}
	if h.Multicast {
		h.MulticastControl = r.U8()
	}
	if h.SourceRoute {
		n := int(r.U8())
		h.RelayIndex = r.U8()
		for i := 0; i < n && r.Err() == nil; i++ {
			h.Relays = append(h.Relays, mac.ShortAddr(r.U16()))
		}
	}
	if err := r.Err(); err != nil {
		return h, fmt.Errorf("%w: header: %v", ErrInvalidFrame, err)
	}
	if h.Version != protocolVersion {
		return h, fmt.Errorf("%w: protocol version %d", ErrInvalidFrame, h.Version)
	}
	if h.Type != FrameData && h.Type != FrameCommand {
		return h, fmt.Errorf("%w: frame type %d", ErrInvalidFrame, h.Type)
	}
	if h.SourceRoute && int(h.RelayIndex) >= len(h.Relays) && len(h.Relays) > 0 {
		return h, fmt.Errorf("%w: relay index %d of %d", ErrInvalidFrame, h.RelayIndex, len(h.Relays))
	}
	return h, nil
}
