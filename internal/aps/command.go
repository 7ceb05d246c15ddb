package aps

import (
	"fmt"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/wire"
)

// CommandID identifies an APS command frame.
type CommandID uint8

const (
	CmdTransportKey CommandID = 0x05
	CmdUpdateDevice CommandID = 0x06
	CmdRemoveDevice CommandID = 0x07
	CmdRequestKey   CommandID = 0x08
	CmdSwitchKey    CommandID = 0x09
	CmdTunnel       CommandID = 0x0E
)

func (c CommandID) String() string {
	switch c {
	case CmdTransportKey:
		return "transport_key"
	case CmdUpdateDevice:
		return "update_device"
	case CmdRemoveDevice:
		return "remove_device"
	case CmdRequestKey:
		return "request_key"
	case CmdSwitchKey:
		return "switch_key"
	case CmdTunnel:
		return "tunnel"
	default:
		return fmt.Sprintf("cmd_0x%02X", uint8(c))
	}
}

// KeyType names the key carried by a transport key or asked for by a
// request key command.
type KeyType uint8

const (
	KeyTypeNetwork    KeyType = 0x01
	KeyTypeAppLink    KeyType = 0x03
	KeyTypeTCLink     KeyType = 0x04
	requestKeyAppLink KeyType = 0x02
)

func (k KeyType) String() string {
	switch k {
	case KeyTypeNetwork:
		return "network"
	case KeyTypeAppLink, requestKeyAppLink:
		return "application_link"
	case KeyTypeTCLink:
		return "trust_center_link"
	default:
		return fmt.Sprintf("key_type_%d", uint8(k))
	}
}

// UpdateStatus is the status field of an update device command.
type UpdateStatus uint8

const (
	UpdateSecuredRejoin   UpdateStatus = 0x00
	UpdateUnsecuredJoin   UpdateStatus = 0x01
	UpdateDeviceLeft      UpdateStatus = 0x02
	UpdateUnsecuredRejoin UpdateStatus = 0x03
)

func (s UpdateStatus) String() string {
	switch s {
	case UpdateSecuredRejoin:
		return "secured_rejoin"
	case UpdateUnsecuredJoin:
		return "unsecured_join"
	case UpdateDeviceLeft:
		return "device_left"
	case UpdateUnsecuredRejoin:
		return "unsecured_rejoin"
	default:
		return fmt.Sprintf("update_status_%d", uint8(s))
	}
}

// Command is an APS command payload.
type Command interface {
	ID() CommandID
	encode(w *wire.Writer)
}

// EncodeCommand returns the command identifier followed by its payload.
func EncodeCommand(c Command) []byte {
	w := wire.NewWriter(40)
	w.U8(uint8(c.ID()))
	c.encode(w)
	return w.Buf()
}

// TransportKey is command 0x05. Network keys carry Seq, DstExt and SrcExt;
// trust center link keys DstExt and SrcExt; application link keys
// PartnerExt and Initiator.
type TransportKey struct {
	KeyType    KeyType
	Key        security.Key
	Seq        uint8
	DstExt     mac.ExtAddr
	SrcExt     mac.ExtAddr
	PartnerExt mac.ExtAddr
	Initiator  bool
}

func (*TransportKey) ID() CommandID { return CmdTransportKey }

func (c *TransportKey) encode(w *wire.Writer) {
	w.U8(uint8(c.KeyType)).Bytes(c.Key[:])
	switch c.KeyType {
	case KeyTypeNetwork:
		w.U8(c.Seq).U64(uint64(c.DstExt)).U64(uint64(c.SrcExt))
	case KeyTypeTCLink:
		w.U64(uint64(c.DstExt)).U64(uint64(c.SrcExt))
	case KeyTypeAppLink:
		w.U64(uint64(c.PartnerExt)).Bool(c.Initiator)
	}
}

// UpdateDevice is command 0x06, sent by a router to the trust center.
type UpdateDevice struct {
	DeviceExt   mac.ExtAddr
	DeviceShort mac.ShortAddr
	Status      UpdateStatus
}

func (*UpdateDevice) ID() CommandID { return CmdUpdateDevice }

func (c *UpdateDevice) encode(w *wire.Writer) {
	w.U64(uint64(c.DeviceExt)).U16(uint16(c.DeviceShort)).U8(uint8(c.Status))
}

// RemoveDevice is command 0x07, sent by the trust center to a parent.
type RemoveDevice struct {
	TargetExt mac.ExtAddr
}

func (*RemoveDevice) ID() CommandID { return CmdRemoveDevice }

func (c *RemoveDevice) encode(w *wire.Writer) {
	w.U64(uint64(c.TargetExt))
}

// RequestKey is command 0x08.
type RequestKey struct {
	KeyType    KeyType
	PartnerExt mac.ExtAddr
}

func (*RequestKey) ID() CommandID { return CmdRequestKey }

func (c *RequestKey) encode(w *wire.Writer) {
	w.U8(uint8(c.KeyType))
	if c.KeyType == requestKeyAppLink {
		w.U64(uint64(c.PartnerExt))
	}
}

// SwitchKey is command 0x09.
type SwitchKey struct {
	Seq uint8
}

func (*SwitchKey) ID() CommandID { return CmdSwitchKey }

func (c *SwitchKey) encode(w *wire.Writer) {
	w.U8(c.Seq)
}

// Tunnel is command 0x0E: an APS-secured command frame the receiving
// router forwards to a child that has no network key yet.
type Tunnel struct {
	DstExt mac.ExtAddr
	Frame  []byte
}

func (*Tunnel) ID() CommandID { return CmdTunnel }

func (c *Tunnel) encode(w *wire.Writer) {
	w.U64(uint64(c.DstExt)).Bytes(c.Frame)
}

// DecodeCommand parses a command identifier and payload.
func DecodeCommand(payload []byte) (Command, error) {
	r := wire.NewReader(payload)
	id := CommandID(r.U8())
	var cmd Command
	switch id {
	case CmdTransportKey:
		c := &TransportKey{KeyType: KeyType(r.U8()), Key: r.Array16()}
		switch c.KeyType {
		case KeyTypeNetwork:
			c.Seq = r.U8()
			c.DstExt = mac.ExtAddr(r.U64())
			c.SrcExt = mac.ExtAddr(r.U64())
		case KeyTypeTCLink:
			c.DstExt = mac.ExtAddr(r.U64())
			c.SrcExt = mac.ExtAddr(r.U64())
		case KeyTypeAppLink:
			c.PartnerExt = mac.ExtAddr(r.U64())
			c.Initiator = r.Bool()
		default:
			return nil, fmt.Errorf("%w: key type %d", ErrInvalidFrame, c.KeyType)
		}
		cmd = c
	case CmdUpdateDevice:
		cmd = &UpdateDevice{
			DeviceExt:   mac.ExtAddr(r.U64()),
			DeviceShort: mac.ShortAddr(r.U16()),
			Status:      UpdateStatus(r.U8()),
		}
	case CmdRemoveDevice:
		cmd = &RemoveDevice{TargetExt: mac.ExtAddr(r.U64())}
	case CmdRequestKey:
		c := &RequestKey{KeyType: KeyType(r.U8())}
		if c.KeyType == requestKeyAppLink {
			c.PartnerExt = mac.ExtAddr(r.U64())
		}
		cmd = c
	case CmdSwitchKey:
		cmd = &SwitchKey{Seq: r.U8()}
	case CmdTunnel:
		c := &Tunnel{DstExt: mac.ExtAddr(r.U64())}
		c.Frame = append([]byte(nil), r.Rest()...)
		if len(c.Frame) == 0 && r.Err() == nil {
			return nil, fmt.Errorf("%w: empty tunnel", ErrInvalidFrame)
		}
		cmd = c
	default:
		return nil, fmt.Errorf("%w: command %s", ErrInvalidFrame, id)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFrame, id, err)
	}
	return cmd, nil
}
