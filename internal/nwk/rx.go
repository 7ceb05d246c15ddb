package nwk

import (
	"errors"
	"fmt"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/sys"
	"zigbee-go-stack/internal/wire"
)

// onMACData is the MCPS-DATA.indication entry point.
func (l *Layer) onMACData(ind mac.DataInd) {
	h, ok := l.packets.Alloc(PacketInput, min(len(ind.Msdu), l.cfg.MaxFrameSize))
	if !ok || len(ind.Msdu) > l.cfg.MaxFrameSize {
		if ok {
			l.packets.Free(h)
		}
		l.drop("no input buffer")
		return
	}
	defer func() {
		if _, live := l.packets.Lookup(h); live {
			l.packets.Free(h)
		}
	}()

	p := l.packets.Get(h)
	p.LinkQuality = ind.LinkQuality
	p.MacSrc = mac.NoShortAddr
	if ind.Src.Mode == mac.AddrModeShort {
		p.MacSrc = ind.Src.Short
	}

	if err := l.decodeInput(p, ind.Msdu); err != nil {
		switch {
		case errors.Is(err, ErrReplay):
			l.counters.Replays++
		case errors.Is(err, ErrInvalidFrame):
		default:
			l.counters.SecurityFailures++
		}
		l.drop(err.Error(), "mac_src", fmt.Sprintf("0x%04X", uint16(p.MacSrc)))
		return
	}
	l.counters.RxFrames++

	hdr := &p.Header
	if p.MacSrc != mac.NoShortAddr {
		l.neighbors.Heard(p.MacSrc, p.LinkQuality)
	}
	if hdr.HasSrcExt {
		if hdr.Src == l.nib.ShortAddr && hdr.SrcExt == l.nib.ExtAddr {
			// Our own broadcast relayed back: only the passive ack matters.
			if IsBroadcast(hdr.Dst) {
				l.broadcastHeard(hdr.Src, hdr.Seq, p.MacSrc)
			}
			return
		}
		l.learnAddress(hdr.Src, hdr.SrcExt)
	}

	if IsBroadcast(hdr.Dst) {
		l.receiveBroadcast(h)
		return
	}
	if hdr.Dst == l.nib.ShortAddr || (hdr.HasDstExt && hdr.DstExt == l.nib.ExtAddr && hdr.Dst == mac.NoShortAddr) {
		l.deliver(h)
		return
	}
	l.relay(h)
}

// decodeInput parses and, if secured, authenticates and decrypts the frame.
func (l *Layer) decodeInput(p *Packet, msdu []byte) error {
	r := wire.NewReader(msdu)
	hdr, err := DecodeHeader(r)
	if err != nil {
		return err
	}
	p.Header = hdr
	headerLen := r.Offset()

	if !hdr.Security {
		p.Payload = r.Rest()
		if !l.acceptUnsecured(p) {
			return fmt.Errorf("%w: unsecured frame on a secured network", ErrInvalidFrame)
		}
		return nil
	}

	aux, err := security.DecodeAux(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if aux.KeyID != security.KeyIDNetwork || !aux.ExtNonce {
		return fmt.Errorf("%w: unexpected key id %s", ErrInvalidFrame, aux.KeyID)
	}
	key, ok := l.sec.Key(aux.KeySeq)
	if !ok {
		return fmt.Errorf("%w: seq %d", ErrUnknownKey, aux.KeySeq)
	}
	src := mac.ExtAddr(aux.SrcExt)
	if !l.sec.CheckInCounter(aux.KeySeq, src, aux.Counter) {
		return fmt.Errorf("%w: counter %d from %016X", ErrReplay, aux.Counter, uint64(src))
	}
	plain, err := security.Unprotect(key.Key, msdu[:headerLen], aux, security.LevelEncMIC32, aux.SrcExt, r.Rest())
	if err != nil {
		return fmt.Errorf("nwk: %w", err)
	}
	l.sec.CommitInCounter(aux.KeySeq, src, aux.Counter)
	p.Payload = plain
	p.Secured = true
	if n := l.neighbors.FindByShort(p.MacSrc); n != nil && hdr.Src == p.MacSrc {
		if n.Ext == 0 {
			n.Ext = src
		}
		if n.Relationship == RelUnauthenticatedChild && n.Ext == src {
			n.Relationship = RelChild
		}
	}
	return nil
}

// acceptUnsecured decides whether an unsecured frame may be processed.
func (l *Layer) acceptUnsecured(p *Packet) bool {
	if !l.cfg.SecurityEnabled || !l.sec.HasKey() {
		return true
	}
	if p.Header.Type == FrameCommand && len(p.Payload) > 0 {
		switch CommandID(p.Payload[0]) {
		case CmdRejoinRequest, CmdRejoinResponse:
			return true
		}
	}
	// A joined child without the key yet talks to us in the clear.
	if n := l.neighbors.FindByShort(p.Header.Src); n != nil && n.Relationship == RelUnauthenticatedChild {
		return true
	}
	return false
}

// deliver hands a frame addressed to us to the command handler or the
// upper layer.
func (l *Layer) deliver(h PacketHandle) {
	p := l.packets.Get(h)
	if p.Header.Type == FrameCommand {
		l.handleCommand(p)
		return
	}
	l.emitData(DataInd{
		Src:         p.Header.Src,
		SrcExt:      p.Header.SrcExt,
		Dst:         p.Header.Dst,
		MacSrc:      p.MacSrc,
		Payload:     append([]byte(nil), p.Payload...),
		LinkQuality: p.LinkQuality,
		Secured:     p.Secured,
		Radius:      p.Header.Radius,
	})
}

// receiveBroadcast runs duplicate rejection, passive-ack accounting,
// local delivery and relaying for a broadcast frame.
func (l *Layer) receiveBroadcast(h PacketHandle) {
	p := l.packets.Get(h)
	hdr := &p.Header

	isRREQ := hdr.Type == FrameCommand && len(p.Payload) > 0 && CommandID(p.Payload[0]) == CmdRouteRequest
	if isRREQ {
		// Route requests are deduplicated by the discovery table.
		l.deliver(h)
		return
	}

	switch l.btt.Check(uint16(hdr.Src), hdr.Seq) {
	case sys.DuplicateFound:
		l.counters.Duplicates++
		l.broadcastHeard(hdr.Src, hdr.Seq, p.MacSrc)
		return
	case sys.DuplicateFull:
		l.drop("broadcast transaction table full")
		return
	}
	l.markHeard(hdr.Src, hdr.Seq, p.MacSrc)

	if l.acceptsBroadcast(hdr.Dst) {
		l.deliver(h)
	}
	if l.IsRouter() && hdr.Radius > 1 {
		l.relayBroadcast(p)
	}
}

// acceptsBroadcast reports whether this device is in the broadcast group.
func (l *Layer) acceptsBroadcast(dst mac.ShortAddr) bool {
	switch dst {
	case BroadcastAll, BroadcastRxOnWhenIdle:
		return true
	case BroadcastRouters:
		return l.IsRouter()
	default:
		return false
	}
}

// relayBroadcast re-sends a broadcast as a transit frame.
func (l *Layer) relayBroadcast(in *Packet) {
	h, ok := l.packets.Alloc(PacketTransit, in.Length)
	if !ok {
		l.drop("no transit buffer for broadcast relay")
		return
	}
	p := l.packets.Get(h)
	p.Header = in.Header
	p.Header.Radius--
	p.Payload = append([]byte(nil), in.Payload...)
	p.Secure = in.Secured
	l.counters.BroadcastsRelayed++
	l.broadcast(h, false, func(Status) {
		if _, ok := l.packets.Lookup(h); ok {
			l.packets.Free(h)
		}
	})
}

// relay forwards a unicast frame that is not for us.
func (l *Layer) relay(in PacketHandle) {
	pin := l.packets.Get(in)
	if !l.IsRouter() {
		l.drop("end device got a frame for another device")
		return
	}
	if pin.Header.Radius <= 1 {
		l.drop("radius exhausted", "dst", fmt.Sprintf("0x%04X", uint16(pin.Header.Dst)))
		return
	}

	h, ok := l.packets.Alloc(PacketTransit, pin.Length)
	if !ok {
		l.drop("no transit buffer")
		return
	}
	p := l.packets.Get(h)
	p.Header = pin.Header
	p.Header.Radius--
	p.Header.Relays = append([]mac.ShortAddr(nil), pin.Header.Relays...)
	p.Payload = append([]byte(nil), pin.Payload...)
	p.Secure = pin.Secured
	p.MacSrc = pin.MacSrc
	p.relayed = true
	l.counters.Relayed++

	hdr := &p.Header
	free := func(Status) {
		if _, ok := l.packets.Lookup(h); ok {
			l.packets.Free(h)
		}
	}

	if hdr.Type == FrameCommand && len(p.Payload) > 0 && CommandID(p.Payload[0]) == CmdRouteRecord {
		l.appendRouteRecord(p)
	}

	if hdr.SourceRoute {
		next, ok := l.sourceRouteNextHop(hdr)
		if !ok {
			l.sendNetworkStatusTo(hdr.Src, NetStatusSourceRouteFailure, hdr.Dst)
			free(StatusRouteError)
			return
		}
		l.unicast(h, next, free)
		return
	}

	next, st := l.nextHop(p, false)
	switch st {
	case StatusSuccess:
		l.unicast(h, next, free)
	case statusPending:
		dst := hdr.Dst
		if !l.awaitRoute(dst, func(s Status) {
			if s != StatusSuccess {
				if s != StatusFrameNotBuffered {
					l.sendNetworkStatusTo(hdr.Src, NetStatusNoRouteAvailable, dst)
				}
				free(s)
				return
			}
			pp, ok := l.packets.Lookup(h)
			if !ok {
				l.drop("relay buffer released while waiting for route")
				return
			}
			next, st := l.nextHop(pp, false)
			if st != StatusSuccess {
				free(st)
				return
			}
			l.unicast(h, next, free)
		}) {
			free(StatusFrameNotBuffered)
		}
	default:
		l.counters.RouteFailures++
		code := NetStatusNoRouteAvailable
		if l.isManyToOne(hdr.Dst) {
			code = NetStatusManyToOneRouteFailure
		}
		l.sendNetworkStatusTo(hdr.Src, code, hdr.Dst)
		free(st)
	}
}

// handleCommand dispatches a NWK command addressed to us.
func (l *Layer) handleCommand(p *Packet) {
	cmd, err := DecodeCommand(p.Payload)
	if err != nil {
		l.drop(err.Error())
		return
	}
	switch c := cmd.(type) {
	case *RouteRequest:
		l.onRouteRequest(p, c)
	case *RouteReply:
		l.onRouteReply(p, c)
	case *NetworkStatus:
		l.handleNetworkStatusCmd(p, c)
	case *Leave:
		l.onLeave(p, c)
	case *RouteRecord:
		l.onRouteRecord(p, c)
	case *RejoinRequest:
		l.onRejoinRequest(p, c)
	case *RejoinResponse:
		l.onRejoinResponse(p, c)
	case *LinkStatus:
		l.onLinkStatus(p, c)
	case *NetworkReport:
		l.onNetworkReport(p, c)
	case *NetworkUpdate:
		l.onNetworkUpdate(p, c)
	}
}

// handleNetworkStatusCmd applies a network status report.
func (l *Layer) handleNetworkStatusCmd(p *Packet, c *NetworkStatus) {
	l.logger.Debug("network status",
		"code", c.Code.String(), "addr", fmt.Sprintf("0x%04X", uint16(c.Dst)),
		"from", fmt.Sprintf("0x%04X", uint16(p.Header.Src)))
	switch c.Code {
	case NetStatusNoRouteAvailable, NetStatusTreeLinkFailure, NetStatusNonTreeLinkFailure:
		l.routes.Remove(c.Dst)
	case NetStatusSourceRouteFailure, NetStatusManyToOneRouteFailure:
		l.routeCache.Remove(c.Dst)
	case NetStatusAddressConflict:
		if c.Dst == l.nib.ShortAddr && l.nib.Joined {
			l.counters.AddressConflicts++
			l.conflict.Resolve(c.Dst)
		}
	case NetStatusNetworkAddressUpdate:
		if p.Header.HasSrcExt {
			l.addrMap.Remove(p.Header.SrcExt)
			l.addrMap.Add(c.Dst, p.Header.SrcExt, false)
			if n := l.neighbors.FindByExt(p.Header.SrcExt); n != nil {
				n.Short = c.Dst
			}
			if p.Header.SrcExt == l.nib.ParentExt {
				l.nib.Parent = c.Dst
			}
		}
	}
	l.emitStatus(NetworkStatusInd{Code: c.Code, Addr: c.Dst})
}
