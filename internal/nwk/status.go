package nwk

import (
	"errors"
	"fmt"

	"zigbee-go-stack/internal/mac"
)

// Status is an NLME/NLDE confirm status. MAC failures are passed through
// unchanged; their codes do not overlap the NWK range.
type Status uint8

const (
	StatusSuccess              Status = 0x00
	StatusInvalidParameter     Status = 0xC1
	StatusInvalidRequest       Status = 0xC2
	StatusNotPermitted         Status = 0xC3
	StatusStartupFailure       Status = 0xC4
	StatusAlreadyPresent       Status = 0xC5
	StatusSyncFailure          Status = 0xC6
	StatusNeighborTableFull    Status = 0xC7
	StatusUnknownDevice        Status = 0xC8
	StatusUnsupportedAttribute Status = 0xC9
	StatusNoNetworks           Status = 0xCA
	StatusMaxFrameCounter      Status = 0xCC
	StatusNoKey                Status = 0xCD
	StatusBadCCMOutput         Status = 0xCE
	StatusNoRoutingCapacity    Status = 0xCF
	StatusRouteDiscoveryFailed Status = 0xD0
	StatusRouteError           Status = 0xD1
	StatusBTTableFull          Status = 0xD2
	StatusFrameNotBuffered     Status = 0xD3
)

func statusFromMAC(s mac.Status) Status { return Status(s) }

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidParameter:
		return "invalid_parameter"
	case StatusInvalidRequest:
		return "invalid_request"
	case StatusNotPermitted:
		return "not_permitted"
	case StatusStartupFailure:
		return "startup_failure"
	case StatusAlreadyPresent:
		return "already_present"
	case StatusSyncFailure:
		return "sync_failure"
	case StatusNeighborTableFull:
		return "neighbor_table_full"
	case StatusUnknownDevice:
		return "unknown_device"
	case StatusUnsupportedAttribute:
		return "unsupported_attribute"
	case StatusNoNetworks:
		return "no_networks"
	case StatusMaxFrameCounter:
		return "max_frame_counter"
	case StatusNoKey:
		return "no_key"
	case StatusBadCCMOutput:
		return "bad_ccm_output"
	case StatusNoRoutingCapacity:
		return "no_routing_capacity"
	case StatusRouteDiscoveryFailed:
		return "route_discovery_failed"
	case StatusRouteError:
		return "route_error"
	case StatusBTTableFull:
		return "bt_table_full"
	case StatusFrameNotBuffered:
		return "frame_not_buffered"
	}
	if s >= 0xE0 {
		return "mac_" + mac.Status(s).String()
	}
	return fmt.Sprintf("nwk_status_0x%02X", uint8(s))
}

// ErrStatus is matched by every error returned from Status.Err.
var ErrStatus = errors.New("nwk: request failed")

type statusError Status

func (e statusError) Error() string { return "nwk: " + Status(e).String() }
func (e statusError) Unwrap() error { return ErrStatus }

// Err returns nil for StatusSuccess and an error wrapping ErrStatus otherwise.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return statusError(s)
}

var (
	ErrInvalidFrame = errors.New("nwk: invalid frame")
	ErrNotJoined    = errors.New("nwk: not joined to a network")
	ErrReplay       = errors.New("nwk: frame counter replay")
	ErrUnknownKey   = errors.New("nwk: unknown key sequence number")
)

// NetworkStatusCode is the status carried by a network status command.
type NetworkStatusCode uint8

const (
	NetStatusNoRouteAvailable          NetworkStatusCode = 0x00
	NetStatusTreeLinkFailure           NetworkStatusCode = 0x01
	NetStatusNonTreeLinkFailure        NetworkStatusCode = 0x02
	NetStatusLowBatteryLevel           NetworkStatusCode = 0x03
	NetStatusNoRoutingCapacity         NetworkStatusCode = 0x04
	NetStatusNoIndirectCapacity        NetworkStatusCode = 0x05
	NetStatusIndirectTransactionExpiry NetworkStatusCode = 0x06
	NetStatusTargetDeviceUnavailable   NetworkStatusCode = 0x07
	NetStatusTargetAddressUnallocated  NetworkStatusCode = 0x08
	NetStatusParentLinkFailure         NetworkStatusCode = 0x09
	NetStatusValidateRoute             NetworkStatusCode = 0x0A
	NetStatusSourceRouteFailure        NetworkStatusCode = 0x0B
	NetStatusManyToOneRouteFailure     NetworkStatusCode = 0x0C
	NetStatusAddressConflict           NetworkStatusCode = 0x0D
	NetStatusVerifyAddresses           NetworkStatusCode = 0x0E
	NetStatusPanIDUpdate               NetworkStatusCode = 0x0F
	NetStatusNetworkAddressUpdate      NetworkStatusCode = 0x10
	NetStatusBadFrameCounter           NetworkStatusCode = 0x11
	NetStatusBadKeySequenceNumber      NetworkStatusCode = 0x12
)

func (c NetworkStatusCode) String() string {
	switch c {
	case NetStatusNoRouteAvailable:
		return "no_route_available"
	case NetStatusTreeLinkFailure:
		return "tree_link_failure"
	case NetStatusNonTreeLinkFailure:
		return "non_tree_link_failure"
	case NetStatusLowBatteryLevel:
		return "low_battery_level"
	case NetStatusNoRoutingCapacity:
		return "no_routing_capacity"
	case NetStatusNoIndirectCapacity:
		return "no_indirect_capacity"
	case NetStatusIndirectTransactionExpiry:
		return "indirect_transaction_expiry"
	case NetStatusTargetDeviceUnavailable:
		return "target_device_unavailable"
	case NetStatusTargetAddressUnallocated:
		return "target_address_unallocated"
	case NetStatusParentLinkFailure:
		return "parent_link_failure"
	case NetStatusValidateRoute:
		return "validate_route"
	case NetStatusSourceRouteFailure:
		return "source_route_failure"
	case NetStatusManyToOneRouteFailure:
		return "many_to_one_route_failure"
	case NetStatusAddressConflict:
		return "address_conflict"
	case NetStatusVerifyAddresses:
		return "verify_addresses"
	case NetStatusPanIDUpdate:
		return "pan_id_update"
	case NetStatusNetworkAddressUpdate:
		return "network_address_update"
	case NetStatusBadFrameCounter:
		return "bad_frame_counter"
	case NetStatusBadKeySequenceNumber:
		return "bad_key_sequence_number"
	default:
		return fmt.Sprintf("net_status_0x%02X", uint8(c))
	}
}
