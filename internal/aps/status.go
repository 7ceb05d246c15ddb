package aps

import (
	"errors"
	"fmt"

	"zigbee-go-stack/internal/nwk"
)

// Status is an APSDE/APSME confirm status. NWK and MAC failures pass
// through unchanged; the code ranges do not overlap.
type Status uint8

const (
	StatusSuccess          Status = 0x00
	StatusAsduTooLong      Status = 0xA0
	StatusIllegalRequest   Status = 0xA3
	StatusInvalidGroup     Status = 0xA5
	StatusInvalidParameter Status = 0xA6
	StatusNoAck            Status = 0xA7
	StatusNoShortAddress   Status = 0xA9
	StatusNotSupported     Status = 0xAA
	StatusSecurityFail     Status = 0xAD
	StatusTableFull        Status = 0xAE
	StatusNoKey            Status = 0xB1
)

func statusFromNWK(s nwk.Status) Status { return Status(s) }

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusAsduTooLong:
		return "asdu_too_long"
	case StatusIllegalRequest:
		return "illegal_request"
	case StatusInvalidGroup:
		return "invalid_group"
	case StatusInvalidParameter:
		return "invalid_parameter"
	case StatusNoAck:
		return "no_ack"
	case StatusNoShortAddress:
		return "no_short_address"
	case StatusNotSupported:
		return "not_supported"
	case StatusSecurityFail:
		return "security_fail"
	case StatusTableFull:
		return "table_full"
	case StatusNoKey:
		return "no_key"
	}
	if s >= 0xC0 {
		return nwk.Status(s).String()
	}
	return fmt.Sprintf("aps_status_0x%02X", uint8(s))
}

// ErrStatus is matched by every error returned from Status.Err.
var ErrStatus = errors.New("aps: request failed")

type statusError Status

func (e statusError) Error() string { return "aps: " + Status(e).String() }
func (e statusError) Unwrap() error { return ErrStatus }

// Err returns nil for StatusSuccess and an error wrapping ErrStatus otherwise.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return statusError(s)
}

var (
	ErrInvalidFrame     = errors.New("aps: invalid frame")
	ErrReplay           = errors.New("aps: frame counter replay")
	ErrNoLinkKey        = errors.New("aps: no link key for device")
	ErrKeyPairSetFull   = errors.New("aps: key-pair set full")
	ErrCounterExhausted = errors.New("aps: outgoing frame counter exhausted")
)
