// Package mac defines the MAC service access point the NWK layer runs on:
// request/confirm/indication primitives, an in-memory radio medium used by
// tests and simulations, and a serial transport for a radio co-processor.
package mac

import (
	"errors"
	"fmt"
	"time"
)

// ShortAddr is a 16-bit network (short) address.
type ShortAddr uint16

// ExtAddr is a 64-bit IEEE extended address.
type ExtAddr uint64

// PanID is a 16-bit PAN identifier.
type PanID uint16

const (
	BroadcastShortAddr ShortAddr = 0xFFFF
	NoShortAddr        ShortAddr = 0xFFFE
	BroadcastPanID     PanID     = 0xFFFF
)

func (a ShortAddr) String() string { return fmt.Sprintf("0x%04X", uint16(a)) }
func (a ExtAddr) String() string   { return fmt.Sprintf("%016X", uint64(a)) }
func (p PanID) String() string     { return fmt.Sprintf("0x%04X", uint16(p)) }

// AddrMode selects which part of Addr is valid.
type AddrMode uint8

const (
	AddrModeNone  AddrMode = 0x00
	AddrModeShort AddrMode = 0x02
	AddrModeExt   AddrMode = 0x03
)

// Addr is a MAC address in either short or extended form.
type Addr struct {
	Mode  AddrMode
	Short ShortAddr
	Ext   ExtAddr
}

// Short returns a short-mode address.
func Short(a ShortAddr) Addr { return Addr{Mode: AddrModeShort, Short: a} }

// Ext returns an extended-mode address.
func Ext(a ExtAddr) Addr { return Addr{Mode: AddrModeExt, Ext: a} }

func (a Addr) String() string {
	switch a.Mode {
	case AddrModeShort:
		return a.Short.String()
	case AddrModeExt:
		return a.Ext.String()
	default:
		return "none"
	}
}

// IsBroadcast reports whether a is the short broadcast address.
func (a Addr) IsBroadcast() bool {
	return a.Mode == AddrModeShort && a.Short == BroadcastShortAddr
}

// Status is an IEEE 802.15.4 MAC status code.
type Status uint8

const (
	StatusSuccess              Status = 0x00
	StatusPanAtCapacity        Status = 0x01
	StatusPanAccessDenied      Status = 0x02
	StatusBeaconLoss           Status = 0xE0
	StatusChannelAccessFailure Status = 0xE1
	StatusDenied               Status = 0xE2
	StatusInvalidParameter     Status = 0xE8
	StatusNoAck                Status = 0xE9
	StatusNoBeacon             Status = 0xEA
	StatusNoData               Status = 0xEB
	StatusTransactionExpired   Status = 0xF0
	StatusTransactionOverflow  Status = 0xF1
	StatusUnsupportedAttribute Status = 0xF4
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPanAtCapacity:
		return "pan_at_capacity"
	case StatusPanAccessDenied:
		return "pan_access_denied"
	case StatusBeaconLoss:
		return "beacon_loss"
	case StatusChannelAccessFailure:
		return "channel_access_failure"
	case StatusDenied:
		return "denied"
	case StatusInvalidParameter:
		return "invalid_parameter"
	case StatusNoAck:
		return "no_ack"
	case StatusNoBeacon:
		return "no_beacon"
	case StatusNoData:
		return "no_data"
	case StatusTransactionExpired:
		return "transaction_expired"
	case StatusTransactionOverflow:
		return "transaction_overflow"
	case StatusUnsupportedAttribute:
		return "unsupported_attribute"
	default:
		return fmt.Sprintf("mac_status_0x%02X", uint8(s))
	}
}

// ErrStatus is matched by every error returned from Status.Err.
var ErrStatus = errors.New("mac: request failed")

type statusError Status

func (e statusError) Error() string { return "mac: " + Status(e).String() }
func (e statusError) Unwrap() error { return ErrStatus }

// Err returns nil for StatusSuccess and an error wrapping ErrStatus otherwise.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return statusError(s)
}

// Capability is the association capability information field.
type Capability uint8

const (
	CapAlternateCoordinator Capability = 1 << 0
	CapFullFunctionDevice   Capability = 1 << 1
	CapMainsPowered         Capability = 1 << 2
	CapRxOnWhenIdle         Capability = 1 << 3
	CapSecurity             Capability = 1 << 6
	CapAllocateAddress      Capability = 1 << 7
)

// PIBAttr identifies a MAC/PHY PIB attribute.
type PIBAttr uint8

const (
	PIBCurrentChannel    PIBAttr = 0x00
	PIBAssociationPermit PIBAttr = 0x41
	PIBBeaconPayload     PIBAttr = 0x45
	PIBPanID             PIBAttr = 0x50
	PIBRxOnWhenIdle      PIBAttr = 0x52
	PIBShortAddress      PIBAttr = 0x53
)

// DataReq is MCPS-DATA.request.
type DataReq struct {
	SrcAddrMode AddrMode
	Dst         Addr
	DstPanID    PanID
	Msdu        []byte
	Handle      uint8
	AckTx       bool
	Confirm     func(DataConf)
}

// DataConf is MCPS-DATA.confirm.
type DataConf struct {
	Handle uint8
	Status Status
}

// DataInd is MCPS-DATA.indication.
type DataInd struct {
	Src         Addr
	Dst         Addr
	SrcPanID    PanID
	Msdu        []byte
	LinkQuality uint8
}

// ScanType selects energy detection or active (beacon) scanning.
type ScanType uint8

const (
	ScanEnergy ScanType = 0x00
	ScanActive ScanType = 0x01
)

// AllChannels is the 2.4 GHz channel mask (11-26).
const AllChannels uint32 = 0x07FFF800

// ScanReq is MLME-SCAN.request. Duration is the 802.15.4 scan exponent.
type ScanReq struct {
	Type     ScanType
	Channels uint32
	Duration uint8
	Confirm  func(ScanConf)
}

// PANDescriptor describes one received beacon.
type PANDescriptor struct {
	Coord         Addr
	CoordExt      ExtAddr
	CoordPanID    PanID
	Channel       uint8
	LinkQuality   uint8
	PermitJoin    bool
	BeaconPayload []byte
}

// ScanConf is MLME-SCAN.confirm.
type ScanConf struct {
	Status         Status
	Type           ScanType
	PANDescriptors []PANDescriptor
	EnergyLevels   map[uint8]uint8
}

// ScanTime returns how long a scan over the channel mask takes.
func ScanTime(channels uint32, duration uint8) time.Duration {
	const baseSuperframe = 15360 * time.Microsecond
	n := 0
	for ch := uint8(11); ch <= 26; ch++ {
		if channels&(1<<ch) != 0 {
			n++
		}
	}
	return time.Duration(n) * baseSuperframe * time.Duration((1<<duration)+1)
}

// SetReq is MLME-SET.request.
type SetReq struct {
	Attr    PIBAttr
	Value   []byte
	Confirm func(Status)
}

// AssociateReq is MLME-ASSOCIATE.request.
type AssociateReq struct {
	Coord      Addr
	CoordPanID PanID
	Channel    uint8
	Capability Capability
	Confirm    func(AssociateConf)
}

// AssociateConf is MLME-ASSOCIATE.confirm.
type AssociateConf struct {
	ShortAddr ShortAddr
	Status    Status
}

// AssociateInd is MLME-ASSOCIATE.indication, delivered on the parent.
type AssociateInd struct {
	DeviceExt  ExtAddr
	Capability Capability
}

// AssociateResp is MLME-ASSOCIATE.response, issued by the parent.
type AssociateResp struct {
	DeviceExt ExtAddr
	ShortAddr ShortAddr
	Status    Status
}

// MAC is the service the NWK layer consumes. Requests never block: results
// arrive through the Confirm callbacks, which run as tasks on the stack's
// task manager, as do indications.
type MAC interface {
	ExtAddr() ExtAddr
	DataReq(req *DataReq)
	ScanReq(req *ScanReq)
	SetReq(req *SetReq)
	Associate(req *AssociateReq)
	AssociateResp(resp AssociateResp)
	ResetReq(confirm func(Status))
	OnDataInd(handler func(DataInd))
	OnAssociateInd(handler func(AssociateInd))
}
