package nwk

import (
	"fmt"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/pds"
)

// LeaveReq is NLME-LEAVE.request. A zero DeviceAddr, or our own address,
// makes this device leave; otherwise the named child is asked to leave.
type LeaveReq struct {
	DeviceAddr     mac.ExtAddr
	RemoveChildren bool
	Rejoin         bool
	Confirm        func(Status)
}

// LeaveReq removes this device or one of its children from the network.
func (l *Layer) LeaveReq(req *LeaveReq) {
	confirm := func(s Status) {
		if req.Confirm != nil {
			l.env.Tasks.Post(func() { req.Confirm(s) })
		}
	}
	if !l.nib.Joined {
		confirm(StatusInvalidRequest)
		return
	}
	if req.DeviceAddr == 0 || req.DeviceAddr == l.nib.ExtAddr {
		l.leaveSelf(req.Rejoin, req.RemoveChildren, confirm)
		return
	}
	n := l.neighbors.FindByExt(req.DeviceAddr)
	if n == nil || !n.IsChild() {
		confirm(StatusUnknownDevice)
		return
	}
	child, ext := n.Short, n.Ext
	l.sendCommand(child, 1, &Leave{Request: true, Rejoin: req.Rejoin, RemoveChildren: req.RemoveChildren}, true, func(s Status) {
		if s == StatusSuccess {
			l.forgetDevice(child, ext, req.Rejoin)
			l.emitLeave(LeaveInd{ShortAddr: child, ExtAddr: ext, Rejoin: req.Rejoin})
		}
		confirm(s)
	})
}

// leaveSelf announces our departure to the neighbors, then drops the
// network. With rejoin set the network parameters and keys are kept.
func (l *Layer) leaveSelf(rejoin, removeChildren bool, confirm func(Status)) {
	l.logger.Info("leaving network", "rejoin", rejoin)
	cmd := &Leave{Rejoin: rejoin, RemoveChildren: removeChildren}
	short, ext := l.nib.ShortAddr, l.nib.ExtAddr
	l.sendCommand(BroadcastRxOnWhenIdle, 1, cmd, true, func(s Status) {
		if s != StatusSuccess {
			l.logger.Debug("leave announcement failed", "status", s.String())
		}
		l.dropNetwork(rejoin)
		l.emitLeave(LeaveInd{ShortAddr: short, ExtAddr: ext, Rejoin: rejoin, Self: true})
		confirm(StatusSuccess)
	})
}

// dropNetwork resets the layer after leaving.
func (l *Layer) dropNetwork(rejoin bool) {
	l.stopTimers()
	l.resetTables()
	if rejoin {
		l.nib.Joined = false
		l.nib.PermitJoining = false
		l.setMAC(mac.PIBAssociationPermit, mac.Bool(false), nil)
		l.saveNetworkParams()
		return
	}
	l.sec.Reset()
	l.nib = l.freshNIB()
	l.mac.ResetReq(nil)
	if l.store != nil {
		for _, id := range []pds.MemID{pds.MemNetworkParams, pds.MemNwkSecurity, pds.MemNwkOutCounter,
			pds.MemRoutingTable, pds.MemAddressMap, pds.MemNeighborTable} {
			if err := l.store.Delete(id); err != nil {
				l.logger.Warn("clear persisted state", "mem", id.String(), "err", err)
			}
		}
	}
}

// forgetDevice drops every table reference to a device that left.
func (l *Layer) forgetDevice(short mac.ShortAddr, ext mac.ExtAddr, rejoin bool) {
	l.neighbors.Remove(short)
	l.routes.Remove(short)
	l.routes.DeleteNextHop(short)
	l.routeCache.Remove(short)
	l.routeCache.RemoveRelay(short)
	if !rejoin && ext != 0 {
		l.addrMap.Remove(ext)
		l.sec.ForgetPeer(ext)
	}
	l.updateBeacon()
}

// onLeave handles a leave command: a request for us to leave, or a
// neighbor announcing it left.
func (l *Layer) onLeave(p *Packet, c *Leave) {
	hdr := &p.Header
	if c.Request {
		if IsBroadcast(hdr.Dst) {
			return
		}
		if hdr.Src != l.nib.Parent && hdr.Src != 0x0000 {
			l.drop("leave request from neither parent nor trust center",
				"src", fmt.Sprintf("0x%04X", uint16(hdr.Src)))
			return
		}
		l.logger.Info("asked to leave", "by", fmt.Sprintf("0x%04X", uint16(hdr.Src)), "rejoin", c.Rejoin)
		l.leaveSelf(c.Rejoin, c.RemoveChildren, func(Status) {})
		return
	}

	ext := hdr.SrcExt
	if !hdr.HasSrcExt {
		ext, _ = l.ExtAddrOf(hdr.Src)
	}
	l.logger.Info("neighbor left",
		"addr", fmt.Sprintf("0x%04X", uint16(hdr.Src)),
		"ext", fmt.Sprintf("%016X", uint64(ext)),
		"rejoin", c.Rejoin)
	wasParent := hdr.Src == l.nib.Parent && !l.IsRouter()
	l.forgetDevice(hdr.Src, ext, c.Rejoin)
	l.emitLeave(LeaveInd{ShortAddr: hdr.Src, ExtAddr: ext, Rejoin: c.Rejoin})
	if wasParent {
		l.emitStatus(NetworkStatusInd{Code: NetStatusParentLinkFailure, Addr: hdr.Src})
	}
}
