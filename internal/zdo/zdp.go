package zdo

import (
	"errors"
	"fmt"

	"zigbee-go-stack/internal/aps"
	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/nwk"
	"zigbee-go-stack/internal/wire"
)

const (
	zdpEndpoint = 0x00
	zdpProfile  = 0x0000

	ClusterDeviceAnnounce    = 0x0013
	ClusterMgmtPermitJoining = 0x0036
)

// ErrInvalidFrame is returned for malformed ZDP frames.
var ErrInvalidFrame = errors.New("zdo: invalid frame")

// DeviceAnnounce is the Device_annce broadcast a device sends after
// joining or rejoining.
type DeviceAnnounce struct {
	Seq        uint8
	ShortAddr  mac.ShortAddr
	ExtAddr    mac.ExtAddr
	Capability mac.Capability
}

// Encode returns the ZDP payload.
func (a DeviceAnnounce) Encode() []byte {
	w := wire.NewWriter(12)
	w.U8(a.Seq).U16(uint16(a.ShortAddr)).U64(uint64(a.ExtAddr)).U8(uint8(a.Capability))
	return w.Buf()
}

// DecodeDeviceAnnounce parses a Device_annce payload.
func DecodeDeviceAnnounce(payload []byte) (DeviceAnnounce, error) {
	r := wire.NewReader(payload)
	a := DeviceAnnounce{
		Seq:        r.U8(),
		ShortAddr:  mac.ShortAddr(r.U16()),
		ExtAddr:    mac.ExtAddr(r.U64()),
		Capability: mac.Capability(r.U8()),
	}
	if err := r.Err(); err != nil {
		return DeviceAnnounce{}, fmt.Errorf("%w: device announce: %v", ErrInvalidFrame, err)
	}
	return a, nil
}

// PermitJoining is Mgmt_Permit_Joining_req.
type PermitJoining struct {
	Seq            uint8
	Duration       uint8
	TCSignificance bool
}

// Encode returns the ZDP payload.
func (p PermitJoining) Encode() []byte {
	w := wire.NewWriter(3)
	w.U8(p.Seq).U8(p.Duration).Bool(p.TCSignificance)
	return w.Buf()
}

// DecodePermitJoining parses a Mgmt_Permit_Joining_req payload.
func DecodePermitJoining(payload []byte) (PermitJoining, error) {
	r := wire.NewReader(payload)
	p := PermitJoining{Seq: r.U8(), Duration: r.U8(), TCSignificance: r.Bool()}
	if err := r.Err(); err != nil {
		return PermitJoining{}, fmt.Errorf("%w: permit joining: %v", ErrInvalidFrame, err)
	}
	return p, nil
}

func (l *Layer) sendZDP(dst mac.ShortAddr, cluster uint16, payload []byte) {
	l.aps.DataReq(&aps.DataReq{
		DstMode:     aps.AddrModeShort,
		DstShort:    dst,
		DstEndpoint: zdpEndpoint,
		ProfileID:   zdpProfile,
		ClusterID:   cluster,
		SrcEndpoint: zdpEndpoint,
		Payload:     payload,
		Confirm: func(c aps.DataConf) {
			if c.Status != aps.StatusSuccess {
				l.logger.Debug("zdp frame not sent", "cluster", cluster, "status", c.Status.String())
			}
		},
	})
}

// announce broadcasts this device's addresses.
func (l *Layer) announce() {
	nib := l.nwk.NIB()
	a := DeviceAnnounce{
		Seq:        l.nextSeq(),
		ShortAddr:  nib.ShortAddr,
		ExtAddr:    nib.ExtAddr,
		Capability: l.nwk.Capability(),
	}
	l.logger.Info("device announce", "addr", addrAttr(a.ShortAddr))
	l.sendZDP(nwk.BroadcastRxOnWhenIdle, ClusterDeviceAnnounce, a.Encode())
}

// PermitJoin opens or closes joining here and on every router.
func (l *Layer) PermitJoin(seconds uint8) error {
	if l.state != StateRunning {
		return ErrNotRunning
	}
	if l.nwk.IsRouter() {
		l.nwk.PermitJoiningReq(seconds, nil)
	}
	p := PermitJoining{Seq: l.nextSeq(), Duration: seconds, TCSignificance: true}
	l.sendZDP(nwk.BroadcastRouters, ClusterMgmtPermitJoining, p.Encode())
	return nil
}

// onZDP serves endpoint 0.
func (l *Layer) onZDP(ind aps.DataInd) {
	if ind.ProfileID != zdpProfile {
		return
	}
	switch ind.ClusterID {
	case ClusterDeviceAnnounce:
		a, err := DecodeDeviceAnnounce(ind.Payload)
		if err != nil {
			l.logger.Debug("bad device announce", "src", addrAttr(ind.SrcShort), "err", err)
			return
		}
		l.onDeviceAnnounce(a)
	case ClusterMgmtPermitJoining:
		p, err := DecodePermitJoining(ind.Payload)
		if err != nil {
			l.logger.Debug("bad permit joining", "src", addrAttr(ind.SrcShort), "err", err)
			return
		}
		if l.nwk.IsRouter() && l.state == StateRunning {
			l.nwk.PermitJoiningReq(p.Duration, nil)
		}
	default:
		l.logger.Debug("unsupported zdp cluster", "cluster", ind.ClusterID, "src", addrAttr(ind.SrcShort))
	}
}

func (l *Layer) onDeviceAnnounce(a DeviceAnnounce) {
	l.logger.Debug("device announced", "addr", addrAttr(a.ShortAddr), "ext", extAttr(a.ExtAddr))
	// Feeds address conflict detection.
	l.nwk.AddAddress(a.ShortAddr, a.ExtAddr)
	if n := l.devices[a.ExtAddr]; n != nil {
		n.ShortAddr = a.ShortAddr
		n.Capability = a.Capability
		n.LastSeen = l.env.Clock.Now()
		l.saveDevices()
	}
	l.handlerMu.Lock()
	h := l.onAnnounce
	l.handlerMu.Unlock()
	if h != nil {
		h(a)
	}
}
