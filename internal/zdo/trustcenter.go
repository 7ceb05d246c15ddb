package zdo

import (
	"errors"
	"slices"

	"zigbee-go-stack/internal/aps"
	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/nwk"
	"zigbee-go-stack/internal/pds"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/sys"
)

// onNwkJoin runs when a device joins or rejoins through this device. The
// trust center hands a direct child the network key; other routers
// report the device to the trust center.
func (l *Layer) onNwkJoin(ind nwk.JoinInd) {
	own := l.nwk.NIB().ShortAddr
	n := Node{ExtAddr: ind.ExtAddr, ShortAddr: ind.ShortAddr, Parent: own, Capability: ind.Capability}
	switch {
	case !l.securityEnabled():
		l.track(n)
	case l.aps.IsTrustCenter():
		tracked := l.track(n)
		if ind.Rejoin && ind.Secured {
			break
		}
		if tracked != nil {
			l.transportNetworkKey(tracked)
		}
	case l.aps.TrustCenter() != 0:
		status := aps.UpdateUnsecuredJoin
		if ind.Rejoin {
			status = aps.UpdateUnsecuredRejoin
			if ind.Secured {
				status = aps.UpdateSecuredRejoin
			}
		}
		l.aps.UpdateDeviceReq(&aps.UpdateDeviceReq{DeviceExt: ind.ExtAddr, DeviceShort: ind.ShortAddr, Status: status})
	default:
		l.logger.Warn("device joined before the trust center is known", "ext", extAttr(ind.ExtAddr))
	}
	if !ind.Rejoin {
		l.emitJoined(n)
	}
}

// track records a device on the trust center. It returns nil when the
// device list is full.
func (l *Layer) track(n Node) *Node {
	if !l.aps.IsTrustCenter() && l.securityEnabled() {
		return nil
	}
	d := l.devices[n.ExtAddr]
	if d == nil {
		if len(l.devices) >= l.cfg.MaxDevices {
			l.logger.Warn("device list full", "ext", extAttr(n.ExtAddr))
			return nil
		}
		d = &Node{ExtAddr: n.ExtAddr}
		l.devices[n.ExtAddr] = d
	}
	d.ShortAddr, d.Parent = n.ShortAddr, n.Parent
	if n.Capability != 0 {
		d.Capability = n.Capability
	}
	d.LastSeen = l.env.Clock.Now()
	l.saveDevices()
	return d
}

// transportNetworkKey sends the active network key to a device that has
// just joined: directly when it is our child, otherwise tunneled through
// its parent.
func (l *Layer) transportNetworkKey(n *Node) {
	k, ok := l.nwk.Security().Active()
	if !ok {
		l.logger.Error("no network key to hand out", "ext", extAttr(n.ExtAddr))
		return
	}
	ext := n.ExtAddr
	req := &aps.TransportKeyReq{
		DstExt:   ext,
		DstShort: n.ShortAddr,
		KeyType:  aps.KeyTypeNetwork,
		Key:      k.Key,
		Seq:      k.Seq,
		Confirm: func(s aps.Status) {
			d := l.devices[ext]
			if s != aps.StatusSuccess {
				l.logger.Warn("network key not delivered", "ext", extAttr(ext), "status", s.String())
				return
			}
			if d != nil {
				d.Authorized = true
				l.saveDevices()
			}
		},
	}
	if n.Parent == l.nwk.NIB().ShortAddr {
		req.Joining = true
	} else {
		req.Tunnel, req.Parent = true, n.Parent
	}
	l.aps.TransportKeyReq(req)
}

func (l *Layer) onUpdateDevice(ind aps.UpdateDeviceInd) {
	l.logger.Info("device update",
		"ext", extAttr(ind.DeviceExt),
		"addr", addrAttr(ind.DeviceShort),
		"parent", addrAttr(ind.SrcShort),
		"status", ind.Status.String())
	if ind.Status == aps.UpdateDeviceLeft {
		l.deviceLeft(nwk.LeaveInd{ShortAddr: ind.DeviceShort, ExtAddr: ind.DeviceExt})
		return
	}
	n := l.track(Node{ExtAddr: ind.DeviceExt, ShortAddr: ind.DeviceShort, Parent: ind.SrcShort})
	if n == nil {
		return
	}
	switch ind.Status {
	case aps.UpdateUnsecuredJoin:
		l.transportNetworkKey(n)
		l.emitJoined(*n)
	case aps.UpdateUnsecuredRejoin:
		l.transportNetworkKey(n)
	}
}

// deviceLeft forgets a departed device. A router reports it to the trust
// center; the trust center drops its link key.
func (l *Layer) deviceLeft(ind nwk.LeaveInd) {
	if ind.ExtAddr == 0 {
		return
	}
	if l.aps.IsTrustCenter() {
		if !ind.Rejoin {
			if _, ok := l.devices[ind.ExtAddr]; ok {
				delete(l.devices, ind.ExtAddr)
				l.saveDevices()
			}
			l.aps.Keys().Remove(ind.ExtAddr)
		}
	} else if l.securityEnabled() && l.aps.TrustCenter() != 0 && l.nwk.IsRouter() && !ind.Rejoin {
		l.aps.UpdateDeviceReq(&aps.UpdateDeviceReq{DeviceExt: ind.ExtAddr, DeviceShort: ind.ShortAddr, Status: aps.UpdateDeviceLeft})
	}
	l.emitLeft(DeviceLeft{ExtAddr: ind.ExtAddr, ShortAddr: ind.ShortAddr, Rejoin: ind.Rejoin})
}

// RemoveDevice asks a device to leave. On the trust center a device
// behind another router is removed through its parent.
func (l *Layer) RemoveDevice(ext mac.ExtAddr, done func(error)) {
	finish := l.postDone(done)
	if l.state != StateRunning {
		finish(ErrNotRunning)
		return
	}
	if n := l.nwk.Neighbors().FindByExt(ext); n != nil && n.IsChild() {
		l.nwk.LeaveReq(&nwk.LeaveReq{DeviceAddr: ext, Confirm: func(s nwk.Status) { finish(s.Err()) }})
		return
	}
	d := l.devices[ext]
	if !l.aps.IsTrustCenter() || d == nil {
		finish(nwk.StatusUnknownDevice.Err())
		return
	}
	parentExt, _ := l.nwk.ExtAddrOf(d.Parent)
	l.aps.RemoveDeviceReq(&aps.RemoveDeviceReq{
		ParentShort: d.Parent,
		ParentExt:   parentExt,
		TargetExt:   ext,
		Confirm:     func(s aps.Status) { finish(s.Err()) },
	})
}

// onRemoveDevice runs on a parent told by the trust center to remove a
// child.
func (l *Layer) onRemoveDevice(ind aps.RemoveDeviceInd) {
	l.logger.Info("removing device on trust center request", "ext", extAttr(ind.TargetExt))
	l.nwk.LeaveReq(&nwk.LeaveReq{DeviceAddr: ind.TargetExt, Confirm: func(s nwk.Status) {
		if s != nwk.StatusSuccess {
			l.logger.Warn("remove device", "ext", extAttr(ind.TargetExt), "status", s.String())
		}
	}})
}

// onRequestKey serves key requests on the trust center.
func (l *Layer) onRequestKey(ind aps.RequestKeyInd) {
	if _, known := l.devices[ind.SrcExt]; !known {
		l.logger.Warn("key request from unknown device", "ext", extAttr(ind.SrcExt))
		return
	}
	switch ind.KeyType {
	case aps.KeyTypeNetwork:
		k, ok := l.nwk.Security().Active()
		if !ok {
			return
		}
		l.aps.TransportKeyReq(&aps.TransportKeyReq{
			DstExt:   ind.SrcExt,
			DstShort: ind.SrcShort,
			KeyType:  aps.KeyTypeNetwork,
			Key:      k.Key,
			Seq:      k.Seq,
		})
	case aps.KeyTypeAppLink:
		if _, known := l.devices[ind.PartnerExt]; !known {
			l.logger.Warn("application key for unknown partner", "partner", extAttr(ind.PartnerExt))
			return
		}
		key := l.randomKey()
		l.aps.TransportKeyReq(&aps.TransportKeyReq{
			DstExt:     ind.SrcExt,
			DstShort:   ind.SrcShort,
			KeyType:    aps.KeyTypeAppLink,
			Key:        key,
			PartnerExt: ind.PartnerExt,
			Initiator:  true,
		})
		l.aps.TransportKeyReq(&aps.TransportKeyReq{
			DstExt:     ind.PartnerExt,
			KeyType:    aps.KeyTypeAppLink,
			Key:        key,
			PartnerExt: ind.SrcExt,
		})
	case aps.KeyTypeTCLink:
		key := l.randomKey()
		ext := ind.SrcExt
		l.aps.TransportKeyReq(&aps.TransportKeyReq{
			DstExt:   ext,
			DstShort: ind.SrcShort,
			KeyType:  aps.KeyTypeTCLink,
			Key:      key,
			Confirm: func(s aps.Status) {
				if s != aps.StatusSuccess {
					return
				}
				if _, err := l.aps.Keys().Set(ext, key, 0); err != nil {
					l.logger.Warn("install trust center link key", "ext", extAttr(ext), "err", err)
				}
			},
		})
	}
}

func (l *Layer) onSwitchKey(ind aps.SwitchKeyInd) {
	l.logger.Info("network key switched", "seq", ind.Seq, "trust_center", extAttr(ind.SrcExt))
	l.emitKeySwitched(ind.Seq)
}

// rotation is a network key rotation in progress.
type rotation struct {
	seq     uint8
	pending int
	failed  int
	timer   *sys.Timer
	done    func(error)
}

// RotateNetworkKey replaces the network key: the new key is transported
// to every known device, and after SwitchKeyDelay a broadcast switch key
// activates it network wide. The trust center switches last, once the
// broadcast has been delivered. A zero key draws a random one.
func (l *Layer) RotateNetworkKey(key security.Key, done func(error)) {
	finish := l.postDone(done)
	switch {
	case !l.aps.IsTrustCenter():
		finish(ErrNotTrustCenter)
		return
	case l.state != StateRunning:
		finish(ErrNotRunning)
		return
	case l.rotation != nil:
		finish(ErrBusy)
		return
	}
	active, ok := l.nwk.Security().Active()
	if !ok {
		finish(ErrNoNetworkKey)
		return
	}
	if key.IsZero() {
		key = l.randomKey()
	}
	r := &rotation{seq: active.Seq + 1, done: finish}
	l.rotation = r
	l.nwk.SetNetworkKey(r.seq, key)
	r.timer = sys.NewTimer(l.env, l.cfg.SwitchKeyDelay, sys.TimerOneShot, func() { l.switchKey(r) })

	targets := l.sortedDevices()
	l.logger.Info("rotating network key", "seq", r.seq, "devices", len(targets))
	r.pending = len(targets)
	if r.pending == 0 {
		r.timer.Start()
		return
	}
	for _, ext := range targets {
		d := l.devices[ext]
		dst, ok := l.nwk.ShortAddrOf(ext)
		if !ok {
			dst = d.ShortAddr
		}
		l.aps.TransportKeyReq(&aps.TransportKeyReq{
			DstExt:   ext,
			DstShort: dst,
			KeyType:  aps.KeyTypeNetwork,
			Key:      key,
			Seq:      r.seq,
			Confirm: func(s aps.Status) {
				if s != aps.StatusSuccess {
					r.failed++
					l.logger.Warn("rotated key not delivered", "ext", extAttr(ext), "status", s.String())
				}
				r.pending--
				if r.pending == 0 {
					r.timer.Start()
				}
			},
		})
	}
}

func (l *Layer) switchKey(r *rotation) {
	l.aps.SwitchKeyReq(&aps.SwitchKeyReq{
		DstShort: nwk.BroadcastRxOnWhenIdle,
		Seq:      r.seq,
		Confirm: func(s aps.Status) {
			l.rotation = nil
			if s != aps.StatusSuccess {
				r.done(s.Err())
				return
			}
			l.nwk.SwitchNetworkKey(r.seq)
			l.logger.Info("network key rotated", "seq", r.seq, "undelivered", r.failed)
			l.emitKeySwitched(r.seq)
			r.done(nil)
		},
	})
}

func (l *Layer) sortedDevices() []mac.ExtAddr {
	exts := make([]mac.ExtAddr, 0, len(l.devices))
	for ext := range l.devices {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return exts
}

func (l *Layer) saveDevices() {
	if l.store == nil {
		return
	}
	if err := pds.SaveJSON(l.store, pds.MemZdoDevices, l.Devices()); err != nil {
		l.logger.Error("persist devices", "err", err)
	}
}

func (l *Layer) clearDevices() {
	l.devices = make(map[mac.ExtAddr]*Node)
	if l.store != nil {
		if err := l.store.Delete(pds.MemZdoDevices); err != nil {
			l.logger.Warn("clear persisted devices", "err", err)
		}
	}
}

// Restore reloads the trust center's device list.
func (l *Layer) Restore() (bool, error) {
	if l.store == nil {
		return false, nil
	}
	var nodes []Node
	if err := pds.LoadJSON(l.store, pds.MemZdoDevices, &nodes); err != nil {
		if errors.Is(err, pds.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	for i := range nodes {
		n := nodes[i]
		l.devices[n.ExtAddr] = &n
	}
	return true, nil
}
