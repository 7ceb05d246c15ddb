package mac

import (
	"encoding/binary"
	"fmt"
)

// PIB holds the attributes a radio keeps between requests.
type PIB struct {
	Channel           uint8
	PanID             PanID
	ShortAddr         ShortAddr
	RxOnWhenIdle      bool
	AssociationPermit bool
	BeaconPayload     []byte
}

// DefaultPIB is the state of a radio after reset.
func DefaultPIB() PIB {
	return PIB{
		Channel:      11,
		PanID:        BroadcastPanID,
		ShortAddr:    BroadcastShortAddr,
		RxOnWhenIdle: true,
	}
}

// Apply stores value into attr.
func (p *PIB) Apply(attr PIBAttr, value []byte) Status {
	switch attr {
	case PIBCurrentChannel:
		if len(value) != 1 || value[0] < 11 || value[0] > 26 {
			return StatusInvalidParameter
		}
		p.Channel = value[0]
	case PIBPanID:
		if len(value) != 2 {
			return StatusInvalidParameter
		}
		p.PanID = PanID(binary.LittleEndian.Uint16(value))
	case PIBShortAddress:
		if len(value) != 2 {
			return StatusInvalidParameter
		}
		p.ShortAddr = ShortAddr(binary.LittleEndian.Uint16(value))
	case PIBRxOnWhenIdle:
		if len(value) != 1 {
			return StatusInvalidParameter
		}
		p.RxOnWhenIdle = value[0] != 0
	case PIBAssociationPermit:
		if len(value) != 1 {
			return StatusInvalidParameter
		}
		p.AssociationPermit = value[0] != 0
	case PIBBeaconPayload:
		p.BeaconPayload = append([]byte(nil), value...)
	default:
		return StatusUnsupportedAttribute
	}
	return StatusSuccess
}

// U8 encodes a one-byte attribute value.
func U8(v uint8) []byte { return []byte{v} }

// U16 encodes a two-byte little-endian attribute value.
func U16(v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return b[:]
}

// Bool encodes a boolean attribute value.
func Bool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func (a PIBAttr) String() string {
	switch a {
	case PIBCurrentChannel:
		return "current_channel"
	case PIBAssociationPermit:
		return "association_permit"
	case PIBBeaconPayload:
		return "beacon_payload"
	case PIBPanID:
		return "pan_id"
	case PIBRxOnWhenIdle:
		return "rx_on_when_idle"
	case PIBShortAddress:
		return "short_address"
	default:
		return fmt.Sprintf("pib_0x%02X", uint8(a))
	}
}
