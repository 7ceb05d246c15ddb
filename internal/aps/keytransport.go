package aps

import (
	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/nwk"
	"zigbee-go-stack/internal/security"
)

// TransportKeyReq is APSME-TRANSPORT-KEY.request.
type TransportKeyReq struct {
	DstExt mac.ExtAddr
	// DstShort is resolved through the NWK address tables when zero.
	DstShort   mac.ShortAddr
	KeyType    KeyType
	Key        security.Key
	Seq        uint8
	PartnerExt mac.ExtAddr
	Initiator  bool
	// Tunnel delivers the command through Parent, the router the
	// destination has just joined.
	Tunnel bool
	Parent mac.ShortAddr
	// Joining sends without NWK security to a child of ours that has no
	// network key yet.
	Joining bool
	Confirm func(Status)
}

// TransportKeyInd is APSME-TRANSPORT-KEY.indication.
type TransportKeyInd struct {
	SrcExt     mac.ExtAddr
	KeyType    KeyType
	Key        security.Key
	Seq        uint8
	PartnerExt mac.ExtAddr
}

// SwitchKeyReq is APSME-SWITCH-KEY.request. A broadcast DstShort
// switches the whole network.
type SwitchKeyReq struct {
	DstShort mac.ShortAddr
	DstExt   mac.ExtAddr
	Seq      uint8
	Confirm  func(Status)
}

// SwitchKeyInd is APSME-SWITCH-KEY.indication.
type SwitchKeyInd struct {
	SrcExt mac.ExtAddr
	Seq    uint8
}

// RequestKeyReq is APSME-REQUEST-KEY.request, sent to the trust center.
type RequestKeyReq struct {
	KeyType    KeyType
	PartnerExt mac.ExtAddr
	Confirm    func(Status)
}

// RequestKeyInd is APSME-REQUEST-KEY.indication.
type RequestKeyInd struct {
	SrcShort   mac.ShortAddr
	SrcExt     mac.ExtAddr
	KeyType    KeyType
	PartnerExt mac.ExtAddr
}

// UpdateDeviceReq is APSME-UPDATE-DEVICE.request, sent by a router to the
// trust center when a device joins, rejoins or leaves through it.
type UpdateDeviceReq struct {
	DeviceExt   mac.ExtAddr
	DeviceShort mac.ShortAddr
	Status      UpdateStatus
	Confirm     func(Status)
}

// UpdateDeviceInd is APSME-UPDATE-DEVICE.indication.
type UpdateDeviceInd struct {
	SrcShort    mac.ShortAddr
	SrcExt      mac.ExtAddr
	DeviceExt   mac.ExtAddr
	DeviceShort mac.ShortAddr
	Status      UpdateStatus
}

// RemoveDeviceReq is APSME-REMOVE-DEVICE.request, sent by the trust
// center to the parent of the device to remove.
type RemoveDeviceReq struct {
	ParentShort mac.ShortAddr
	ParentExt   mac.ExtAddr
	TargetExt   mac.ExtAddr
	Confirm     func(Status)
}

// RemoveDeviceInd is APSME-REMOVE-DEVICE.indication.
type RemoveDeviceInd struct {
	SrcExt    mac.ExtAddr
	TargetExt mac.ExtAddr
}

func (l *Layer) postConfirm(confirm func(Status)) func(Status) {
	return func(s Status) {
		if confirm != nil {
			l.env.Tasks.Post(func() { confirm(s) })
		}
	}
}

// sendCommand queues a command to dst. With peer non-zero and a link key
// held for it, the command is secured with keyID.
func (l *Layer) sendCommand(cmd Command, dst mac.ShortAddr, dstExt mac.ExtAddr, peer mac.ExtAddr, keyID security.KeyID, done func(Status)) *outFrame {
	f := &outFrame{
		hdr:     Header{Type: FrameCommand, Counter: l.nextCounter()},
		payload: EncodeCommand(cmd),
		dst:     dst,
		dstExt:  dstExt,
		sent:    func(_ []byte, s Status) { done(s) },
	}
	if peer != 0 && l.cfg.SecurityEnabled {
		f.secure, f.keyID, f.peer = true, keyID, peer
	}
	return f
}

// TransportKeyReq sends a key to a device. Network and trust center link
// keys are protected with the key-transport key derived from the
// destination's link key, application link keys with the key-load key.
func (l *Layer) TransportKeyReq(req *TransportKeyReq) {
	confirm := l.postConfirm(req.Confirm)
	cmd := &TransportKey{KeyType: req.KeyType, Key: req.Key}
	keyID := security.KeyIDKeyTransport
	switch req.KeyType {
	case KeyTypeNetwork:
		cmd.Seq, cmd.DstExt, cmd.SrcExt = req.Seq, req.DstExt, l.ownExt()
	case KeyTypeTCLink:
		cmd.DstExt, cmd.SrcExt = req.DstExt, l.ownExt()
	case KeyTypeAppLink:
		cmd.PartnerExt, cmd.Initiator = req.PartnerExt, req.Initiator
		keyID = security.KeyIDKeyLoad
	default:
		confirm(StatusInvalidParameter)
		return
	}
	if req.DstExt == 0 {
		confirm(StatusInvalidParameter)
		return
	}
	if l.cfg.SecurityEnabled && l.keys.Find(req.DstExt) == nil {
		if _, err := l.keys.Set(req.DstExt, l.cfg.TCLinkKey, KeyPairPreconfigured); err != nil {
			l.logger.Warn("no room for link key", "device", extAttr(req.DstExt), "err", err)
			confirm(StatusTableFull)
			return
		}
	}

	dst := req.DstShort
	if dst == 0 && !req.Tunnel {
		short, ok := l.nwk.ShortAddrOf(req.DstExt)
		if !ok {
			confirm(StatusNoShortAddress)
			return
		}
		dst = short
	}
	f := l.sendCommand(cmd, dst, req.DstExt, req.DstExt, keyID, func(s Status) {
		if s == StatusSuccess {
			l.counters.KeysTransported++
		}
		confirm(s)
	})
	f.noNwkSecurity = req.Joining
	f.tunnel, f.tunnelVia = req.Tunnel, req.Parent
	l.logger.Info("transport key",
		"device", extAttr(req.DstExt),
		"key_type", req.KeyType.String(),
		"seq", req.Seq,
		"tunnel", req.Tunnel)
	l.submit(f)
}

// SwitchKeyReq tells one device, or the whole network, to activate the
// network key with the given sequence number.
func (l *Layer) SwitchKeyReq(req *SwitchKeyReq) {
	confirm := l.postConfirm(req.Confirm)
	var peer mac.ExtAddr
	if !nwk.IsBroadcast(req.DstShort) {
		peer = req.DstExt
		if peer == 0 {
			peer, _ = l.nwk.ExtAddrOf(req.DstShort)
		}
		if l.keys.Find(peer) == nil {
			peer = 0
		}
	}
	f := l.sendCommand(&SwitchKey{Seq: req.Seq}, req.DstShort, 0, peer, security.KeyIDData, confirm)
	l.logger.Info("switch key", "dst", addrAttr(req.DstShort), "seq", req.Seq)
	l.submit(f)
}

// RequestKeyReq asks the trust center for a key.
func (l *Layer) RequestKeyReq(req *RequestKeyReq) {
	confirm := l.postConfirm(req.Confirm)
	if l.tcAddr == 0 {
		confirm(StatusIllegalRequest)
		return
	}
	cmd := &RequestKey{KeyType: req.KeyType, PartnerExt: req.PartnerExt}
	if req.KeyType == KeyTypeAppLink {
		cmd.KeyType = requestKeyAppLink
	}
	dst, ok := l.nwk.ShortAddrOf(l.tcAddr)
	if !ok {
		dst = 0x0000
	}
	l.submit(l.sendCommand(cmd, dst, l.tcAddr, l.tcAddr, security.KeyIDData, confirm))
}

// UpdateDeviceReq reports a device joining, rejoining or leaving to the
// trust center.
func (l *Layer) UpdateDeviceReq(req *UpdateDeviceReq) {
	confirm := l.postConfirm(req.Confirm)
	if l.tcAddr == 0 {
		confirm(StatusIllegalRequest)
		return
	}
	dst, ok := l.nwk.ShortAddrOf(l.tcAddr)
	if !ok {
		dst = 0x0000
	}
	var peer mac.ExtAddr
	if l.keys.Find(l.tcAddr) != nil {
		peer = l.tcAddr
	}
	cmd := &UpdateDevice{DeviceExt: req.DeviceExt, DeviceShort: req.DeviceShort, Status: req.Status}
	l.logger.Info("update device",
		"device", extAttr(req.DeviceExt),
		"addr", addrAttr(req.DeviceShort),
		"status", req.Status.String())
	l.submit(l.sendCommand(cmd, dst, l.tcAddr, peer, security.KeyIDData, confirm))
}

// RemoveDeviceReq asks a parent to remove one of its children and drops
// the child's link key.
func (l *Layer) RemoveDeviceReq(req *RemoveDeviceReq) {
	confirm := l.postConfirm(req.Confirm)
	l.keys.Remove(req.TargetExt)
	var peer mac.ExtAddr
	if l.keys.Find(req.ParentExt) != nil {
		peer = req.ParentExt
	}
	l.logger.Info("remove device", "device", extAttr(req.TargetExt), "parent", addrAttr(req.ParentShort))
	l.submit(l.sendCommand(&RemoveDevice{TargetExt: req.TargetExt}, req.ParentShort, req.ParentExt, peer, security.KeyIDData, confirm))
}

// authentic reports whether a received key command is protected enough
// to act on: with a link key when linkKey is set, otherwise with either
// the link key or the network key.
func (l *Layer) authentic(rx received, linkKey bool) bool {
	if !l.cfg.SecurityEnabled {
		return true
	}
	if linkKey {
		return rx.secured
	}
	return rx.secured || rx.ind.Secured
}

func (l *Layer) fromTrustCenter(rx received) bool {
	return l.tcAddr != 0 && rx.origin == l.tcAddr
}

func (l *Layer) onCommand(rx received) {
	cmd, err := DecodeCommand(rx.payload)
	if err != nil {
		l.drop(err.Error(), "src", addrAttr(rx.ind.Src))
		return
	}
	l.logger.Debug("command received", "cmd", cmd.ID().String(), "src", addrAttr(rx.ind.Src), "aps_secured", rx.secured)
	switch c := cmd.(type) {
	case *TransportKey:
		l.onTransportKeyCmd(rx, c)
	case *UpdateDevice:
		l.onUpdateDeviceCmd(rx, c)
	case *RemoveDevice:
		l.onRemoveDeviceCmd(rx, c)
	case *RequestKey:
		l.onRequestKeyCmd(rx, c)
	case *SwitchKey:
		l.onSwitchKeyCmd(rx, c)
	case *Tunnel:
		l.onTunnelCmd(rx, c)
	}
}

func (l *Layer) onTransportKeyCmd(rx received, c *TransportKey) {
	if !l.authentic(rx, true) {
		l.drop("unprotected transport key", "src", addrAttr(rx.ind.Src))
		return
	}
	switch c.KeyType {
	case KeyTypeNetwork:
		if c.DstExt != 0 && c.DstExt != l.ownExt() {
			l.drop("network key for another device", "dst", extAttr(c.DstExt))
			return
		}
		if rx.secured && rx.keyID != security.KeyIDKeyTransport {
			l.drop("network key under the wrong key class", "key_id", rx.keyID.String())
			return
		}
		if l.tcAddr == 0 {
			l.tcAddr = c.SrcExt
			l.saveKeys()
			l.logger.Info("trust center learned", "trust_center", extAttr(l.tcAddr))
		} else if c.SrcExt != l.tcAddr {
			l.drop("network key not from trust center", "src", extAttr(c.SrcExt))
			return
		}
		l.nwk.SetNetworkKey(c.Seq, c.Key)
	case KeyTypeTCLink:
		if !l.fromTrustCenter(rx) {
			l.drop("link key not from trust center", "src", extAttr(rx.origin))
			return
		}
		if _, err := l.keys.Set(l.tcAddr, c.Key, 0); err != nil {
			l.logger.Warn("store trust center link key", "err", err)
			return
		}
	case KeyTypeAppLink:
		if !l.fromTrustCenter(rx) {
			l.drop("link key not from trust center", "src", extAttr(rx.origin))
			return
		}
		if _, err := l.keys.Set(c.PartnerExt, c.Key, 0); err != nil {
			l.logger.Warn("store application link key", "partner", extAttr(c.PartnerExt), "err", err)
			return
		}
	}
	l.counters.KeysTransported++
	l.logger.Info("key received", "key_type", c.KeyType.String(), "seq", c.Seq, "src", extAttr(rx.origin))

	l.handlerMu.Lock()
	h := l.onTransportKey
	l.handlerMu.Unlock()
	if h != nil {
		h(TransportKeyInd{SrcExt: rx.origin, KeyType: c.KeyType, Key: c.Key, Seq: c.Seq, PartnerExt: c.PartnerExt})
	}
}

func (l *Layer) onUpdateDeviceCmd(rx received, c *UpdateDevice) {
	if !l.IsTrustCenter() {
		l.drop("update device on a non trust center")
		return
	}
	if !l.authentic(rx, false) {
		l.drop("unprotected update device", "src", addrAttr(rx.ind.Src))
		return
	}
	if c.Status != UpdateDeviceLeft {
		l.nwk.AddAddress(c.DeviceShort, c.DeviceExt)
	}
	l.handlerMu.Lock()
	h := l.onUpdateDevice
	l.handlerMu.Unlock()
	if h != nil {
		h(UpdateDeviceInd{
			SrcShort:    rx.ind.Src,
			SrcExt:      rx.origin,
			DeviceExt:   c.DeviceExt,
			DeviceShort: c.DeviceShort,
			Status:      c.Status,
		})
	}
}

func (l *Layer) onRemoveDeviceCmd(rx received, c *RemoveDevice) {
	if !l.authentic(rx, false) || !l.fromTrustCenter(rx) {
		l.drop("remove device not from trust center", "src", extAttr(rx.origin))
		return
	}
	l.handlerMu.Lock()
	h := l.onRemoveDevice
	l.handlerMu.Unlock()
	if h != nil {
		h(RemoveDeviceInd{SrcExt: rx.origin, TargetExt: c.TargetExt})
	}
}

func (l *Layer) onRequestKeyCmd(rx received, c *RequestKey) {
	if !l.IsTrustCenter() {
		l.drop("request key on a non trust center")
		return
	}
	if !l.authentic(rx, true) {
		l.drop("unprotected request key", "src", addrAttr(rx.ind.Src))
		return
	}
	kt := c.KeyType
	if kt == requestKeyAppLink {
		kt = KeyTypeAppLink
	}
	l.handlerMu.Lock()
	h := l.onRequestKey
	l.handlerMu.Unlock()
	if h != nil {
		h(RequestKeyInd{SrcShort: rx.ind.Src, SrcExt: rx.origin, KeyType: kt, PartnerExt: c.PartnerExt})
	}
}

func (l *Layer) onSwitchKeyCmd(rx received, c *SwitchKey) {
	if l.cfg.SecurityEnabled && !rx.ind.Secured {
		l.drop("switch key without network security", "src", addrAttr(rx.ind.Src))
		return
	}
	if !l.fromTrustCenter(rx) {
		l.drop("switch key not from trust center", "src", extAttr(rx.origin))
		return
	}
	if !l.nwk.SwitchNetworkKey(c.Seq) {
		return
	}
	l.handlerMu.Lock()
	h := l.onSwitchKey
	l.handlerMu.Unlock()
	if h != nil {
		h(SwitchKeyInd{SrcExt: rx.origin, Seq: c.Seq})
	}
}

// onTunnelCmd forwards a tunneled command to the child it names. The
// child verifies the inner frame with its own link key.
func (l *Layer) onTunnelCmd(rx received, c *Tunnel) {
	if !l.authentic(rx, false) || !l.fromTrustCenter(rx) {
		l.drop("tunnel not from trust center", "src", extAttr(rx.origin))
		return
	}
	short, ok := l.nwk.ShortAddrOf(c.DstExt)
	if !ok {
		l.drop("tunnel to unknown device", "dst", extAttr(c.DstExt))
		return
	}
	l.counters.Tunneled++
	l.sendFrame(c.Frame, short, c.DstExt, 1, true, func(s Status) {
		if s != StatusSuccess {
			l.logger.Warn("tunnel forward failed", "dst", addrAttr(short), "status", s.String())
		}
	})
}
