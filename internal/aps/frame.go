package aps

import (
	"fmt"

	"zigbee-go-stack/internal/wire"
)

// FrameType is the APS frame type.
type FrameType uint8

const (
	FrameData    FrameType = 0
	FrameCommand FrameType = 1
	FrameAck     FrameType = 2
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "data"
	case FrameCommand:
		return "command"
	case FrameAck:
		return "ack"
	default:
		return fmt.Sprintf("frame_type_%d", uint8(t))
	}
}

// DeliveryMode is the APS delivery mode.
type DeliveryMode uint8

const (
	DeliveryUnicast   DeliveryMode = 0
	DeliveryBroadcast DeliveryMode = 2
	DeliveryGroup     DeliveryMode = 3
)

// Frame control field.
const (
	fcTypeMask     = 0x03
	fcDeliveryMask = 0x0C
	fcDeliveryShft = 2
	fcAckFormat    = 0x10
	fcSecurity     = 0x20
	fcAckRequest   = 0x40
	fcExtHeader    = 0x80
)

// BroadcastEndpoint addresses every active endpoint.
const BroadcastEndpoint uint8 = 0xFF

// Header is a decoded APS header, up to and including the APS counter.
type Header struct {
	Type       FrameType
	Delivery   DeliveryMode
	AckFormat  bool
	Security   bool
	AckRequest bool

	DstEndpoint uint8  // unicast and broadcast data and data acks
	GroupID     uint16 // group delivery
	ClusterID   uint16
	ProfileID   uint16
	SrcEndpoint uint8
	Counter     uint8
}

func (h *Header) frameControl() uint8 {
	fc := uint8(h.Type) & fcTypeMask
	fc |= (uint8(h.Delivery) << fcDeliveryShft) & fcDeliveryMask
	if h.AckFormat {
		fc |= fcAckFormat
	}
	if h.Security {
		fc |= fcSecurity
	}
	if h.AckRequest {
		fc |= fcAckRequest
	}
	return fc
}

// hasEndpoints reports whether the header carries the addressing fields
// (endpoints, cluster and profile).
func (h *Header) hasEndpoints() bool {
	switch h.Type {
	case FrameData:
		return true
	case FrameAck:
		return !h.AckFormat
	}
	return false
}

// Encode writes the header.
func (h *Header) Encode(w *wire.Writer) {
	w.U8(h.frameControl())
	if h.hasEndpoints() {
		if h.Delivery == DeliveryGroup {
			w.U16(h.GroupID)
		} else {
			w.U8(h.DstEndpoint)
		}
		w.U16(h.ClusterID).U16(h.ProfileID).U8(h.SrcEndpoint)
	}
	w.U8(h.Counter)
}

// Bytes returns the encoded header.
func (h *Header) Bytes() []byte {
	w := wire.NewWriter(10)
	h.Encode(w)
	return w.Buf()
}

// DecodeHeader reads an APS header. Fragmented frames (extended header)
// are not supported and rejected.
func DecodeHeader(r *wire.Reader) (Header, error) {
	fc := r.U8()
	h := Header{
		Type:       FrameType(fc & fcTypeMask),
		Delivery:   DeliveryMode((fc & fcDeliveryMask) >> fcDeliveryShft),
		AckFormat:  fc&fcAckFormat != 0,
		Security:   fc&fcSecurity != 0,
		AckRequest: fc&fcAckRequest != 0,
	}
	if fc&fcExtHeader != 0 {
		return h, fmt.Errorf("%w: extended header", ErrInvalidFrame)
	}
	if h.Type > FrameAck {
		return h, fmt.Errorf("%w: frame type %d", ErrInvalidFrame, h.Type)
	}
	if h.Delivery == 1 {
		return h, fmt.Errorf("%w: reserved delivery mode", ErrInvalidFrame)
	}
	if h.hasEndpoints() {
		if h.Delivery == DeliveryGroup {
			h.GroupID = r.U16()
		} else {
			h.DstEndpoint = r.U8()
		}
		h.ClusterID = r.U16()
		h.ProfileID = r.U16()
		h.SrcEndpoint = r.U8()
	}
	h.Counter = r.U8()
	if err := r.Err(); err != nil {
		return h, fmt.Errorf("%w: header: %v", ErrInvalidFrame, err)
	}
	return h, nil
}

// ackFor builds the acknowledgement header answering h.
func ackFor(h Header) Header {
	a := Header{Type: FrameAck, Counter: h.Counter}
	if h.Type == FrameCommand {
		a.AckFormat = true
		return a
	}
	a.DstEndpoint = h.SrcEndpoint
	a.SrcEndpoint = h.DstEndpoint
	a.ClusterID = h.ClusterID
	a.ProfileID = h.ProfileID
	return a
}
