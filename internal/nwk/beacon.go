package nwk

import (
	"fmt"

	"zigbee-go-stack/internal/wire"
)

const (
	beaconProtocolID   = 0x00
	stackProfilePro    = 0x02
	beaconPayloadSize  = 15
	beaconTxOffsetNone = 0xFFFFFF
)

// Beacon is the ZigBee NWK beacon payload.
type Beacon struct {
	StackProfile      uint8
	ProtocolVersion   uint8
	RouterCapacity    bool
	Depth             uint8
	EndDeviceCapacity bool
	ExtPanID          uint64
	UpdateID          uint8
}

// Encode returns the beacon payload bytes.
func (b Beacon) Encode() []byte {
	w := wire.NewWriter(beaconPayloadSize)
	w.U8(beaconProtocolID)
	w.U8(b.StackProfile&0x0F | b.ProtocolVersion<<4)
	flags := (b.Depth & 0x0F) << 3
	if b.RouterCapacity {
		flags |= 0x04
	}
	if b.EndDeviceCapacity {
		flags |= 0x80
	}
	w.U8(flags)
	w.U64(b.ExtPanID)
	w.U8(beaconTxOffsetNone & 0xFF).U8(beaconTxOffsetNone >> 8 & 0xFF).U8(beaconTxOffsetNone >> 16)
	w.U8(b.UpdateID)
	return w.Buf()
}

// DecodeBeacon parses a beacon payload.
func DecodeBeacon(payload []byte) (Beacon, error) {
	r := wire.NewReader(payload)
	if id := r.U8(); id != beaconProtocolID {
		return Beacon{}, fmt.Errorf("%w: beacon protocol id 0x%02X", ErrInvalidFrame, id)
	}
	p := r.U8()
	flags := r.U8()
	b := Beacon{
		StackProfile:      p & 0x0F,
		ProtocolVersion:   p >> 4,
		RouterCapacity:    flags&0x04 != 0,
		Depth:             (flags >> 3) & 0x0F,
		EndDeviceCapacity: flags&0x80 != 0,
		ExtPanID:          r.U64(),
	}
	r.Bytes(3)
	b.UpdateID = r.U8()
	if err := r.Err(); err != nil {
		return Beacon{}, fmt.Errorf("%w: beacon: %v", ErrInvalidFrame, err)
	}
	return b, nil
}
