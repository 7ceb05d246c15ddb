package nwk

import (
	"fmt"
	"sort"
	"time"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/sys"
)

// JoinReq is NLME-JOIN.request.
type JoinReq struct {
	// ExtPanID restricts the join to one network; zero joins any. A rejoin
	// always targets the network in the NIB.
	ExtPanID uint64
	// Channels overrides the configured channel mask when non-zero.
	Channels uint32
	Rejoin   bool
	Confirm  func(JoinConf)
}

// JoinConf is NLME-JOIN.confirm.
type JoinConf struct {
	Status    Status
	ShortAddr mac.ShortAddr
	PanID     mac.PanID
	ExtPanID  uint64
	Channel   uint8
	Parent    mac.ShortAddr
}

// FormReq is NLME-NETWORK-FORMATION.request. Zero fields fall back to the
// configuration.
type FormReq struct {
	Channels uint32
	PanID    mac.PanID
	ExtPanID uint64
	Confirm  func(Status)
}

type joinCandidate struct {
	desc   mac.PANDescriptor
	beacon Beacon
}

// joinState is the join or rejoin in progress.
type joinState struct {
	rejoin     bool
	epid       uint64
	confirm    func(JoinConf)
	candidates []joinCandidate
	next       int
	// waiting is the router a rejoin request went to.
	waiting *joinCandidate
	timer   *sys.Timer
}

type macSet struct {
	attr  mac.PIBAttr
	value []byte
}

// Capability is the capability field this device announces when joining.
// End devices stay receive-on; indirect transmission is not supported.
func (l *Layer) Capability() mac.Capability {
	c := mac.CapAllocateAddress | mac.CapRxOnWhenIdle
	if l.IsRouter() {
		c |= mac.CapFullFunctionDevice | mac.CapMainsPowered
	}
	if l.cfg.SecurityEnabled {
		c |= mac.CapSecurity
	}
	return c
}

// JoinReq joins a network through MAC association or, with Rejoin set,
// through the NWK rejoin command.
func (l *Layer) JoinReq(req *JoinReq) {
	confirm := func(c JoinConf) {
		if req.Confirm != nil {
			l.env.Tasks.Post(func() { req.Confirm(c) })
		}
	}
	switch {
	case l.join != nil, l.nib.Joined, l.nib.DeviceType == Coordinator:
		confirm(JoinConf{Status: StatusInvalidRequest})
		return
	case req.Rejoin && l.nib.ExtPanID == 0:
		confirm(JoinConf{Status: StatusInvalidRequest})
		return
	}

	js := &joinState{rejoin: req.Rejoin, epid: req.ExtPanID, confirm: confirm}
	if req.Rejoin {
		js.epid = l.nib.ExtPanID
	} else {
		l.resetTables()
	}
	js.timer = sys.NewTimer(l.env, l.cfg.JoinTimeout, sys.TimerOneShot, func() {
		if l.join != js || js.waiting == nil {
			return
		}
		l.logger.Info("no rejoin response", "router", js.waiting.desc.Coord.String())
		js.waiting = nil
		l.tryNextParent(js)
	})
	l.join = js

	channels := req.Channels
	if channels == 0 {
		channels = l.cfg.Channels
	}
	l.logger.Info("joining network", "rejoin", req.Rejoin, "ext_pan_id", fmt.Sprintf("%016X", js.epid))
	l.mac.ScanReq(&mac.ScanReq{
		Type:     mac.ScanActive,
		Channels: channels,
		Duration: l.cfg.ScanDuration,
		Confirm:  func(c mac.ScanConf) { l.joinScanDone(js, c) },
	})
}

func (l *Layer) joinScanDone(js *joinState, c mac.ScanConf) {
	if l.join != js {
		return
	}
	js.candidates = l.joinCandidates(c.PANDescriptors, js)
	if len(js.candidates) == 0 {
		l.finishJoin(js, JoinConf{Status: StatusNoNetworks})
		return
	}
	l.tryNextParent(js)
}

// joinCandidates filters scan results down to routers that can take this
// device, best link first and shallowest first among equals.
func (l *Layer) joinCandidates(descs []mac.PANDescriptor, js *joinState) []joinCandidate {
	var out []joinCandidate
	for _, d := range descs {
		if d.Coord.Mode != mac.AddrModeShort {
			continue
		}
		b, err := DecodeBeacon(d.BeaconPayload)
		if err != nil || b.StackProfile != stackProfilePro {
			continue
		}
		if js.epid != 0 && b.ExtPanID != js.epid {
			continue
		}
		if !js.rejoin && !d.PermitJoin {
			continue
		}
		if (l.IsRouter() && !b.RouterCapacity) || (!l.IsRouter() && !b.EndDeviceCapacity) {
			continue
		}
		if b.Depth >= l.cfg.MaxDepth {
			continue
		}
		out = append(out, joinCandidate{desc: d, beacon: b})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].desc.LinkQuality != out[j].desc.LinkQuality {
			return out[i].desc.LinkQuality > out[j].desc.LinkQuality
		}
		return out[i].beacon.Depth < out[j].beacon.Depth
	})
	return out
}

func (l *Layer) tryNextParent(js *joinState) {
	if l.join != js {
		return
	}
	if js.next >= len(js.candidates) {
		l.finishJoin(js, JoinConf{Status: StatusNotPermitted})
		return
	}
	c := js.candidates[js.next]
	js.next++
	if js.rejoin {
		l.sendRejoinRequest(js, c)
		return
	}
	l.logger.Debug("associating", "parent", c.desc.Coord.String(), "pan_id", c.desc.CoordPanID.String())
	l.mac.Associate(&mac.AssociateReq{
		Coord:      c.desc.Coord,
		CoordPanID: c.desc.CoordPanID,
		Channel:    c.desc.Channel,
		Capability: l.Capability(),
		Confirm: func(ac mac.AssociateConf) {
			if l.join != js {
				return
			}
			if ac.Status != mac.StatusSuccess {
				l.logger.Info("association refused", "parent", c.desc.Coord.String(), "status", ac.Status.String())
				l.tryNextParent(js)
				return
			}
			l.joinedVia(js, c, ac.ShortAddr)
		},
	})
}

func (l *Layer) sendRejoinRequest(js *joinState, c joinCandidate) {
	parent := c.desc.Coord.Short
	l.setMACs([]macSet{
		{mac.PIBCurrentChannel, mac.U8(c.desc.Channel)},
		{mac.PIBPanID, mac.U16(uint16(c.desc.CoordPanID))},
	}, func(s mac.Status) {
		if l.join != js {
			return
		}
		if s != mac.StatusSuccess {
			l.tryNextParent(js)
			return
		}
		l.nib.PanID = c.desc.CoordPanID
		l.nib.Channel = c.desc.Channel
		js.waiting = &c
		js.timer.Start()
		hdr := Header{
			Type:      FrameCommand,
			Dst:       parent,
			Src:       l.nib.ShortAddr,
			Radius:    1,
			Seq:       l.nextSeq(),
			HasSrcExt: true,
			SrcExt:    l.nib.ExtAddr,
		}
		l.sendDirect(&RejoinRequest{Capability: l.Capability()}, hdr, mac.Short(parent), mac.AddrModeExt, true, func(st Status) {
			if st != StatusSuccess && l.join == js && js.waiting != nil {
				l.logger.Info("rejoin request not delivered", "router", parent.String(), "status", st.String())
				js.timer.Stop()
				js.waiting = nil
				l.tryNextParent(js)
			}
		})
	})
}

// onRejoinResponse completes a rejoin.
func (l *Layer) onRejoinResponse(p *Packet, c *RejoinResponse) {
	js := l.join
	if js == nil || !js.rejoin || js.waiting == nil || p.Header.Src != js.waiting.desc.Coord.Short {
		l.drop("unexpected rejoin response")
		return
	}
	js.timer.Stop()
	cand := *js.waiting
	js.waiting = nil
	if c.Status != mac.StatusSuccess {
		l.logger.Info("rejoin refused", "router", cand.desc.Coord.String(), "status", c.Status.String())
		l.tryNextParent(js)
		return
	}
	l.joinedVia(js, cand, c.ShortAddr)
}

// joinedVia commits the network parameters learned from the parent.
func (l *Layer) joinedVia(js *joinState, c joinCandidate, short mac.ShortAddr) {
	parent := c.desc.Coord.Short
	l.nib.ShortAddr = short
	l.nib.PanID = c.desc.CoordPanID
	l.nib.ExtPanID = c.beacon.ExtPanID
	l.nib.Channel = c.desc.Channel
	l.nib.UpdateID = c.beacon.UpdateID
	l.nib.Depth = c.beacon.Depth + 1
	l.nib.Parent = parent
	l.nib.ParentExt = c.desc.CoordExt

	parentType := Router
	if c.beacon.Depth == 0 {
		parentType = Coordinator
	}
	l.neighbors.Add(Neighbor{
		Short:        parent,
		Ext:          c.desc.CoordExt,
		DeviceType:   parentType,
		Relationship: RelParent,
		RxOnWhenIdle: true,
		LQI:          c.desc.LinkQuality,
	})
	l.addrMap.Add(parent, c.desc.CoordExt, false)

	l.setMACs([]macSet{
		{mac.PIBCurrentChannel, mac.U8(l.nib.Channel)},
		{mac.PIBPanID, mac.U16(uint16(l.nib.PanID))},
		{mac.PIBShortAddress, mac.U16(uint16(short))},
		{mac.PIBRxOnWhenIdle, mac.Bool(true)},
	}, func(s mac.Status) {
		if l.join != js {
			return
		}
		if s != mac.StatusSuccess {
			l.finishJoin(js, JoinConf{Status: StatusStartupFailure})
			return
		}
		l.nib.Joined = true
		l.updateBeacon()
		l.startRouting()
		l.saveNetworkParams()
		l.finishJoin(js, JoinConf{Status: StatusSuccess})
	})
}

func (l *Layer) finishJoin(js *joinState, c JoinConf) {
	if l.join != js {
		return
	}
	js.timer.Stop()
	l.join = nil
	if c.Status == StatusSuccess {
		c.ShortAddr = l.nib.ShortAddr
		c.PanID = l.nib.PanID
		c.ExtPanID = l.nib.ExtPanID
		c.Channel = l.nib.Channel
		c.Parent = l.nib.Parent
		l.logger.Info("joined network",
			"addr", fmt.Sprintf("0x%04X", uint16(c.ShortAddr)),
			"pan_id", fmt.Sprintf("0x%04X", uint16(c.PanID)),
			"parent", fmt.Sprintf("0x%04X", uint16(c.Parent)),
			"rejoin", js.rejoin)
	} else {
		l.logger.Info("join failed", "status", c.Status.String(), "rejoin", js.rejoin)
	}
	js.confirm(c)
}

// FormReq forms a new network on the quietest channel. Only a coordinator
// forms.
func (l *Layer) FormReq(req *FormReq) {
	confirm := func(s Status) {
		if req.Confirm != nil {
			l.env.Tasks.Post(func() { req.Confirm(s) })
		}
	}
	if l.nib.DeviceType != Coordinator || l.nib.Joined || l.join != nil {
		confirm(StatusInvalidRequest)
		return
	}
	channels := req.Channels
	if channels == 0 {
		channels = l.cfg.Channels
	}
	l.resetTables()
	l.mac.ScanReq(&mac.ScanReq{
		Type:     mac.ScanEnergy,
		Channels: channels,
		Duration: l.cfg.ScanDuration,
		Confirm: func(ec mac.ScanConf) {
			if ec.Status != mac.StatusSuccess {
				confirm(StatusStartupFailure)
				return
			}
			ch := quietestChannel(channels, ec.EnergyLevels)
			l.mac.ScanReq(&mac.ScanReq{
				Type:     mac.ScanActive,
				Channels: 1 << ch,
				Duration: l.cfg.ScanDuration,
				Confirm: func(ac mac.ScanConf) {
					used := make(map[mac.PanID]bool)
					for _, d := range ac.PANDescriptors {
						used[d.CoordPanID] = true
					}
					l.form(req, ch, used, confirm)
				},
			})
		},
	})
}

func quietestChannel(channels uint32, levels map[uint8]uint8) uint8 {
	best := uint8(0)
	bestLevel := 256
	for ch := uint8(11); ch <= 26; ch++ {
		if channels&(1<<ch) == 0 {
			continue
		}
		if lvl := int(levels[ch]); lvl < bestLevel {
			best, bestLevel = ch, lvl
		}
	}
	return best
}

func (l *Layer) form(req *FormReq, ch uint8, used map[mac.PanID]bool, confirm func(Status)) {
	pan := req.PanID
	if pan == 0 {
		pan = l.cfg.PanID
	}
	if pan == 0 {
		var ok bool
		pan, ok = l.pickPanID(func(p mac.PanID) bool { return used[p] })
		if !ok {
			confirm(StatusStartupFailure)
			return
		}
	} else if used[pan] {
		l.logger.Warn("configured PAN ID already in use", "pan_id", pan.String())
	}
	epid := req.ExtPanID
	if epid == 0 {
		epid = l.cfg.ExtPanID
	}
	if epid == 0 {
		epid = uint64(l.nib.ExtAddr)
	}

	l.setMACs([]macSet{
		{mac.PIBCurrentChannel, mac.U8(ch)},
		{mac.PIBPanID, mac.U16(uint16(pan))},
		{mac.PIBShortAddress, mac.U16(0x0000)},
		{mac.PIBRxOnWhenIdle, mac.Bool(true)},
	}, func(s mac.Status) {
		if s != mac.StatusSuccess {
			confirm(StatusStartupFailure)
			return
		}
		l.nib.ShortAddr = 0x0000
		l.nib.PanID = pan
		l.nib.ExtPanID = epid
		l.nib.Channel = ch
		l.nib.Depth = 0
		l.nib.Parent = mac.NoShortAddr
		l.nib.ManagerAddr = 0x0000
		l.nib.Joined = true
		l.updateBeacon()
		l.setPermitJoining(false)
		l.startRouting()
		l.saveNetworkParams()
		l.logger.Info("network formed",
			"pan_id", fmt.Sprintf("0x%04X", uint16(pan)),
			"ext_pan_id", fmt.Sprintf("%016X", epid),
			"channel", ch)
		confirm(StatusSuccess)
	})
}

// pickPanID draws a PAN ID from the configured range that is neither the
// current one nor rejected by inUse.
func (l *Layer) pickPanID(inUse func(mac.PanID) bool) (mac.PanID, bool) {
	lo, hi := l.cfg.PanIDRangeMin, l.cfg.PanIDRangeMax
	ok := func(p mac.PanID) bool { return p != l.nib.PanID && !inUse(p) }
	span := uint(hi-lo) + 1
	for range 64 {
		p := lo + mac.PanID(l.env.Rand.UintN(span))
		if ok(p) {
			return p, true
		}
	}
	for p := lo; p <= hi; p++ {
		if ok(p) {
			return p, true
		}
	}
	return 0, false
}

// PermitJoiningReq opens the network to association for seconds; 0 closes
// it and 0xFF leaves it open.
func (l *Layer) PermitJoiningReq(seconds uint8, confirm func(Status)) {
	st := StatusSuccess
	if !l.nib.Joined || !l.IsRouter() {
		st = StatusInvalidRequest
	} else {
		l.permitTimer.Stop()
		l.setPermitJoining(seconds != 0)
		if seconds != 0 && seconds != 0xFF {
			l.permitTimer.StartAfter(time.Duration(seconds) * time.Second)
		}
	}
	if confirm != nil {
		l.env.Tasks.Post(func() { confirm(st) })
	}
}

func (l *Layer) setPermitJoining(on bool) {
	if l.nib.PermitJoining != on {
		l.logger.Info("permit joining", "on", on)
	}
	l.nib.PermitJoining = on
	l.setMAC(mac.PIBAssociationPermit, mac.Bool(on), nil)
}

// updateBeacon refreshes the beacon payload with the current capacity.
func (l *Layer) updateBeacon() {
	if !l.IsRouter() || !l.nib.Joined {
		return
	}
	b := Beacon{
		StackProfile:      stackProfilePro,
		ProtocolVersion:   protocolVersion,
		RouterCapacity:    l.hasChildCapacity(mac.CapFullFunctionDevice),
		EndDeviceCapacity: l.hasChildCapacity(0),
		Depth:             l.nib.Depth,
		ExtPanID:          l.nib.ExtPanID,
		UpdateID:          l.nib.UpdateID,
	}
	l.setMAC(mac.PIBBeaconPayload, b.Encode(), nil)
}

func (l *Layer) hasChildCapacity(c mac.Capability) bool {
	routers := l.neighbors.Children(Router)
	total := routers + l.neighbors.Children(EndDevice)
	if total >= l.cfg.MaxChildren {
		return false
	}
	if c&mac.CapFullFunctionDevice != 0 {
		return routers < l.cfg.MaxRouters && l.nib.Depth < l.cfg.MaxDepth
	}
	return true
}

func childType(c mac.Capability) DeviceType {
	if c&mac.CapFullFunctionDevice != 0 {
		return Router
	}
	return EndDevice
}

// onAssociateInd admits a device associating through us.
func (l *Layer) onAssociateInd(ind mac.AssociateInd) {
	if !l.IsRouter() || !l.nib.Joined {
		return
	}
	resp := mac.AssociateResp{DeviceExt: ind.DeviceExt, ShortAddr: mac.NoShortAddr, Status: mac.StatusSuccess}
	existing := l.neighbors.FindByExt(ind.DeviceExt)
	switch {
	case !l.nib.PermitJoining:
		resp.Status = mac.StatusPanAccessDenied
	case existing != nil && existing.IsChild():
		resp.ShortAddr = existing.Short
	case !l.hasChildCapacity(ind.Capability):
		resp.Status = mac.StatusPanAtCapacity
	default:
		resp.ShortAddr = l.newStochasticAddr()
	}
	if resp.Status == mac.StatusSuccess && !l.admitChild(resp.ShortAddr, ind.DeviceExt, ind.Capability, false) {
		resp.Status = mac.StatusPanAtCapacity
		resp.ShortAddr = mac.NoShortAddr
	}
	l.mac.AssociateResp(resp)
	if resp.Status != mac.StatusSuccess {
		l.logger.Info("association denied", "device", fmt.Sprintf("%016X", uint64(ind.DeviceExt)), "status", resp.Status.String())
		return
	}
	l.logger.Info("device associated",
		"addr", fmt.Sprintf("0x%04X", uint16(resp.ShortAddr)),
		"ext", fmt.Sprintf("%016X", uint64(ind.DeviceExt)))
	l.emitJoin(JoinInd{ShortAddr: resp.ShortAddr, ExtAddr: ind.DeviceExt, Capability: ind.Capability})
}

// admitChild records a new or returning child. It reports false when the
// neighbor table is full.
func (l *Layer) admitChild(short mac.ShortAddr, ext mac.ExtAddr, c mac.Capability, secured bool) bool {
	rel := RelChild
	if l.cfg.SecurityEnabled && !secured {
		rel = RelUnauthenticatedChild
	}
	if l.neighbors.Add(Neighbor{
		Short:        short,
		Ext:          ext,
		DeviceType:   childType(c),
		Relationship: rel,
		RxOnWhenIdle: c&mac.CapRxOnWhenIdle != 0,
	}) == nil {
		return false
	}
	l.addrMap.Add(short, ext, false)
	l.updateBeacon()
	return true
}

// onRejoinRequest answers a device rejoining through us.
func (l *Layer) onRejoinRequest(p *Packet, c *RejoinRequest) {
	if !l.IsRouter() || !l.nib.Joined {
		return
	}
	hdr := p.Header
	if !hdr.HasSrcExt {
		l.drop("rejoin request without extended source")
		return
	}
	ext := hdr.SrcExt
	addr := hdr.Src
	st := mac.StatusSuccess
	existing := l.neighbors.FindByExt(ext)
	if (existing == nil || !existing.IsChild()) && !l.hasChildCapacity(c.Capability) {
		st = mac.StatusPanAtCapacity
	}
	if st == mac.StatusSuccess {
		if addr == mac.NoShortAddr || IsBroadcast(addr) || l.addrInUse(addr, ext) {
			addr = l.newStochasticAddr()
		}
		if !l.admitChild(addr, ext, c.Capability, p.Secured) {
			st = mac.StatusPanAtCapacity
		}
	}
	if st != mac.StatusSuccess {
		addr = mac.NoShortAddr
	}
	resp := Header{
		Type:      FrameCommand,
		Dst:       hdr.Src,
		Src:       l.nib.ShortAddr,
		Radius:    1,
		Seq:       l.nextSeq(),
		HasSrcExt: true,
		SrcExt:    l.nib.ExtAddr,
		HasDstExt: true,
		DstExt:    ext,
	}
	l.sendDirect(&RejoinResponse{ShortAddr: addr, Status: st}, resp, mac.Ext(ext), mac.AddrModeShort, p.Secured, func(s Status) {
		if s != StatusSuccess {
			l.logger.Debug("rejoin response not delivered", "ext", fmt.Sprintf("%016X", uint64(ext)), "status", s.String())
		}
	})
	if st != mac.StatusSuccess {
		return
	}
	l.logger.Info("device rejoined",
		"addr", fmt.Sprintf("0x%04X", uint16(addr)),
		"ext", fmt.Sprintf("%016X", uint64(ext)),
		"secured", p.Secured)
	l.emitJoin(JoinInd{ShortAddr: addr, ExtAddr: ext, Capability: c.Capability, Rejoin: true, Secured: p.Secured})
}

// addrInUse reports whether short belongs to a device other than ext.
func (l *Layer) addrInUse(short mac.ShortAddr, ext mac.ExtAddr) bool {
	if short == l.nib.ShortAddr {
		return true
	}
	if n := l.neighbors.FindByShort(short); n != nil && n.Ext != ext {
		return true
	}
	if e := l.addrMap.FindByShort(short); e != nil && e.Ext != ext {
		return true
	}
	return false
}

// newStochasticAddr draws an unused short address.
func (l *Layer) newStochasticAddr() mac.ShortAddr {
	for {
		a := mac.ShortAddr(l.env.Rand.UintN(0xFFF7) + 1)
		if !l.addrInUse(a, 0) {
			return a
		}
	}
}

// sendDirect transmits a one-hop command with explicit MAC addressing,
// bypassing routing. Rejoin uses it before the device has an address the
// network can route to.
func (l *Layer) sendDirect(cmd Command, hdr Header, macDst mac.Addr, srcMode mac.AddrMode, secure bool, done func(Status)) {
	payload := EncodeCommand(cmd)
	h, ok := l.packets.Alloc(PacketOutput, min(nwkHeaderMax+len(payload), l.cfg.MaxFrameSize))
	if !ok {
		done(StatusFrameNotBuffered)
		return
	}
	p := l.packets.Get(h)
	p.Header = hdr
	p.Payload = payload
	p.Secure = secure && l.securing()
	frame, st := l.encodeFrame(p)
	if st != StatusSuccess {
		l.packets.Free(h)
		done(st)
		return
	}
	l.counters.TxFrames++
	l.mac.DataReq(&mac.DataReq{
		SrcAddrMode: srcMode,
		Dst:         macDst,
		DstPanID:    l.nib.PanID,
		Msdu:        frame,
		Handle:      l.nextMACHandle(),
		AckTx:       true,
		Confirm: func(c mac.DataConf) {
			if _, ok := l.packets.Lookup(h); ok {
				l.packets.Free(h)
			}
			done(statusFromMAC(c.Status))
		},
	})
}

// setMACs applies the attributes in order, stopping at the first failure.
func (l *Layer) setMACs(sets []macSet, done func(mac.Status)) {
	if len(sets) == 0 {
		done(mac.StatusSuccess)
		return
	}
	l.setMAC(sets[0].attr, sets[0].value, func(s mac.Status) {
		if s != mac.StatusSuccess {
			done(s)
			return
		}
		l.setMACs(sets[1:], done)
	})
}

// resetTables clears the per-network state kept across frames. Keys and
// the NIB are left alone.
func (l *Layer) resetTables() {
	for _, b := range l.broadcasts {
		b.timer.Stop()
	}
	l.broadcasts = nil
	l.abortDiscoveries()
	l.btt.Clear()
	l.addrMap.Reset()
	l.neighbors.Reset()
	l.routes.Reset()
	l.routeCache.Reset()
	l.txDelay.Reset()
	l.discovery.reset()
	l.conflict.Reset()
}
