package nwk

import (
	"fmt"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/wire"
)

const nwkHeaderMax = 8 + 16 + 1 + 2 + 2*16

// DataReq sends an NSDU. The confirm runs as a task once the frame has
// left this device or failed.
func (l *Layer) DataReq(req *DataReq) {
	confirm := func(s Status) {
		if s != StatusSuccess {
			l.counters.TxFailures++
		}
		if req.Confirm != nil {
			c := DataConf{Handle: req.Handle, Status: s}
			l.env.Tasks.Post(func() { req.Confirm(c) })
		}
	}
	if !l.nib.Joined {
		confirm(StatusInvalidRequest)
		return
	}
	if req.Dst == mac.NoShortAddr {
		confirm(StatusInvalidParameter)
		return
	}
	length := nwkHeaderMax + len(req.Payload)
	typ := PacketExtern
	if req.Dst == l.nib.ShortAddr {
		typ = PacketLoopback
	}
	ok := l.packets.AllocQueued(&AllocRequest{
		Type:   typ,
		Length: min(length, l.cfg.MaxFrameSize),
		Ready: func(h PacketHandle) {
			p := l.packets.Get(h)
			if p == nil {
				return
			}
			radius := req.Radius
			if radius == 0 {
				radius = l.cfg.MaxRadius()
			}
			p.Header = Header{
				Type:          FrameData,
				Dst:           req.Dst,
				Src:           l.nib.ShortAddr,
				Radius:        radius,
				Seq:           l.nextSeq(),
				DiscoverRoute: req.DiscoverRoute,
				HasSrcExt:     true,
				SrcExt:        l.nib.ExtAddr,
				HasDstExt:     req.DstExt != 0,
				DstExt:        req.DstExt,
			}
			p.Payload = append([]byte(nil), req.Payload...)
			p.Secure = l.securing() && !req.NoSecurity
			l.send(h, true, confirm)
		},
	})
	if !ok {
		confirm(StatusInvalidParameter)
	}
}

// securing reports whether originated frames are NWK-secured.
func (l *Layer) securing() bool {
	return l.cfg.SecurityEnabled && l.sec.HasKey()
}

// sendCommand originates a NWK command frame.
func (l *Layer) sendCommand(dst mac.ShortAddr, radius uint8, cmd Command, secure bool, done func(Status)) {
	if done == nil {
		done = func(Status) {}
	}
	payload := EncodeCommand(cmd)
	h, ok := l.packets.Alloc(PacketOutput, min(nwkHeaderMax+len(payload), l.cfg.MaxFrameSize))
	if !ok {
		l.logger.Debug("no buffer for command", "cmd", cmd.ID().String())
		done(StatusFrameNotBuffered)
		return
	}
	if radius == 0 {
		radius = l.cfg.MaxRadius()
	}
	p := l.packets.Get(h)
	p.Header = Header{
		Type:      FrameCommand,
		Dst:       dst,
		Src:       l.nib.ShortAddr,
		Radius:    radius,
		Seq:       l.nextSeq(),
		HasSrcExt: true,
		SrcExt:    l.nib.ExtAddr,
	}
	p.Payload = payload
	p.Secure = secure && l.securing()
	l.send(h, true, done)
}

// send routes packet h. The packet is freed before done runs.
func (l *Layer) send(h PacketHandle, originated bool, done func(Status)) {
	p := l.packets.Get(h)
	if p == nil {
		return
	}
	finish := func(s Status) {
		if _, ok := l.packets.Lookup(h); ok {
			l.packets.Free(h)
		}
		done(s)
	}

	dst := p.Header.Dst
	switch {
	case IsBroadcast(dst):
		l.broadcast(h, originated, finish)
		return
	case dst == l.nib.ShortAddr:
		l.loopback(h, finish)
		return
	}

	if originated && l.routeRecordDue(dst) {
		l.sendRouteRecord(dst)
	}

	next, st := l.nextHop(p, originated)
	switch st {
	case StatusSuccess:
		l.unicast(h, next, finish)
	case statusPending:
		if !l.awaitRoute(dst, func(s Status) {
			if s != StatusSuccess {
				finish(s)
				return
			}
			pp, ok := l.packets.Lookup(h)
			if !ok {
				done(StatusFrameNotBuffered)
				return
			}
			next, st := l.nextHop(pp, false)
			if st != StatusSuccess {
				finish(StatusRouteError)
				return
			}
			l.unicast(h, next, finish)
		}) {
			finish(StatusFrameNotBuffered)
		}
	default:
		l.counters.RouteFailures++
		finish(st)
	}
}

// statusPending is an internal nextHop outcome: discovery is running.
const statusPending Status = 0xFE

// nextHop picks the MAC destination for p: a neighbor, the source route
// of a concentrator, the routing table, or the parent of an end device.
// Discovery is started when allowed.
func (l *Layer) nextHop(p *Packet, originated bool) (mac.ShortAddr, Status) {
	dst := p.Header.Dst

	if !l.IsRouter() {
		if l.nib.Parent == mac.NoShortAddr {
			return 0, StatusRouteError
		}
		return l.nib.Parent, StatusSuccess
	}

	if n := l.neighbors.FindByShort(dst); n != nil && (n.RxOnWhenIdle || n.IsChild()) {
		return dst, StatusSuccess
	}

	if originated && l.cfg.Concentrator {
		if sr, ok := l.routeCache.Find(dst); ok && len(sr.Relays) > 0 && len(sr.Relays) <= l.cfg.MaxSourceRouteHops {
			p.Header.SourceRoute = true
			p.Header.Relays = append([]mac.ShortAddr(nil), sr.Relays...)
			p.Header.RelayIndex = uint8(len(sr.Relays) - 1)
			return p.Header.Relays[p.Header.RelayIndex], StatusSuccess
		}
	}

	if e := l.routes.Find(dst, false); e != nil {
		switch e.Status {
		case RouteActive:
			return e.NextHop, StatusSuccess
		case RouteDiscoveryUnderway:
			return 0, statusPending
		}
	}

	if p.Header.DiscoverRoute || originated {
		if l.startDiscovery(dst) {
			return 0, statusPending
		}
		return 0, StatusNoRoutingCapacity
	}
	return 0, StatusRouteError
}

// encodeFrame serializes p, securing it with the active network key.
func (l *Layer) encodeFrame(p *Packet) ([]byte, Status) {
	p.Header.Security = p.Secure
	header := p.Header.Bytes()
	var frame []byte
	if p.Secure {
		key, ok := l.sec.Active()
		if !ok {
			return nil, StatusNoKey
		}
		counter, ok := l.sec.NextOutCounter()
		if !ok {
			return nil, StatusMaxFrameCounter
		}
		aux := security.AuxHeader{
			KeyID:    security.KeyIDNetwork,
			ExtNonce: true,
			Counter:  counter,
			SrcExt:   uint64(l.nib.ExtAddr),
			KeySeq:   key.Seq,
		}
		frame = security.Protect(key.Key, header, aux, security.LevelEncMIC32, p.Payload)
	} else {
		w := wire.NewWriter(len(header) + len(p.Payload))
		w.Bytes(header).Bytes(p.Payload)
		frame = w.Buf()
	}
	if len(frame) > l.cfg.MaxFrameSize {
		return nil, StatusInvalidParameter
	}
	return frame, StatusSuccess
}

// unicast transmits p to next with MAC acknowledgement and applies the
// outcome to the route in use.
func (l *Layer) unicast(h PacketHandle, next mac.ShortAddr, done func(Status)) {
	p := l.packets.Get(h)
	if p == nil {
		return
	}
	frame, st := l.encodeFrame(p)
	if st != StatusSuccess {
		done(st)
		return
	}
	p.NextHop = next
	dst := p.Header.Dst
	src := p.Header.Src
	sourceRouted := p.Header.SourceRoute
	l.counters.TxFrames++
	l.mac.DataReq(&mac.DataReq{
		SrcAddrMode: mac.AddrModeShort,
		Dst:         mac.Short(next),
		DstPanID:    l.nib.PanID,
		Msdu:        frame,
		Handle:      l.nextMACHandle(),
		AckTx:       true,
		Confirm: func(c mac.DataConf) {
			st := statusFromMAC(c.Status)
			if e := l.routes.Find(dst, false); e != nil && e.Status == RouteActive && e.NextHop == next {
				if !l.routes.Update(e, st) {
					l.logger.Info("route invalidated",
						"dst", fmt.Sprintf("0x%04X", uint16(dst)), "next_hop", fmt.Sprintf("0x%04X", uint16(next)))
				}
			}
			if st != StatusSuccess {
				l.linkFailed(next, dst, src, sourceRouted)
			}
			done(st)
		},
	})
}

// linkFailed handles a unicast the next hop did not acknowledge.
func (l *Layer) linkFailed(next, dst, src mac.ShortAddr, sourceRouted bool) {
	l.counters.RouteFailures++
	if sourceRouted {
		l.routeCache.Remove(dst)
	}
	if src == l.nib.ShortAddr {
		return
	}
	code := NetStatusNonTreeLinkFailure
	switch {
	case sourceRouted:
		code = NetStatusSourceRouteFailure
	case l.isManyToOne(dst):
		code = NetStatusManyToOneRouteFailure
	}
	l.sendNetworkStatusTo(src, code, dst)
}

func (l *Layer) isManyToOne(dst mac.ShortAddr) bool {
	e := l.routes.Find(dst, false)
	return e != nil && e.ManyToOne
}

// loopback delivers a frame addressed to ourselves.
func (l *Layer) loopback(h PacketHandle, done func(Status)) {
	p := l.packets.Get(h)
	if p == nil {
		return
	}
	ind := DataInd{
		Src:         l.nib.ShortAddr,
		SrcExt:      l.nib.ExtAddr,
		Dst:         l.nib.ShortAddr,
		MacSrc:      l.nib.ShortAddr,
		Payload:     append([]byte(nil), p.Payload...),
		LinkQuality: 0xFF,
		Secured:     p.Secure,
		Radius:      p.Header.Radius,
	}
	isData := p.Header.Type == FrameData
	l.env.Tasks.Post(func() {
		if isData {
			l.emitData(ind)
		}
		done(StatusSuccess)
	})
}

// sendNetworkStatusTo reports code about addr to dst.
func (l *Layer) sendNetworkStatusTo(dst mac.ShortAddr, code NetworkStatusCode, addr mac.ShortAddr) {
	l.sendCommand(dst, 0, &NetworkStatus{Code: code, Dst: addr}, true, func(s Status) {
		if s != StatusSuccess {
			l.logger.Debug("network status not delivered", "code", code.String(), "status", s.String())
		}
	})
}
