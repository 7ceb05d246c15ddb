package aps

import (
	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/nwk"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/sys"
)

// outFrame is a queued APS transmission. Frames wait on the security
// engine in request order; the engine is released as soon as the frame
// is built.
type outFrame struct {
	owner sys.MutexOwner

	hdr     Header
	payload []byte
	secure  bool
	keyID   security.KeyID
	peer    mac.ExtAddr

	dst    mac.ShortAddr
	dstExt mac.ExtAddr
	radius uint8
	// noNwkSecurity sends without NWK security, for a device that has no
	// network key yet.
	noNwkSecurity bool
	// tunnelVia wraps the built frame in a tunnel command to this router.
	tunnelVia mac.ShortAddr
	tunnel    bool

	sent func(frame []byte, s Status)
}

func (l *Layer) submit(f *outFrame) {
	f.owner.Granted = func() { l.transmit(f) }
	if l.engine.Lock(&f.owner) {
		l.transmit(f)
	}
}

func (l *Layer) transmit(f *outFrame) {
	frame, st := l.build(f)
	l.engine.Unlock(&f.owner)
	if st != StatusSuccess {
		f.sent(nil, st)
		return
	}
	dst, dstExt, noSec := f.dst, f.dstExt, f.noNwkSecurity
	if f.tunnel {
		outer := Header{Type: FrameCommand, Counter: l.nextCounter()}
		frame = append(outer.Bytes(), EncodeCommand(&Tunnel{DstExt: f.dstExt, Frame: frame})...)
		dst, dstExt, noSec = f.tunnelVia, 0, false
	}
	l.sendFrame(frame, dst, dstExt, f.radius, noSec, func(s Status) { f.sent(frame, s) })
}

func (l *Layer) build(f *outFrame) ([]byte, Status) {
	if !f.secure {
		return append(f.hdr.Bytes(), f.payload...), StatusSuccess
	}
	frame, err := l.seal(f.hdr, f.payload, f.keyID, f.peer)
	if err != nil {
		l.logger.Warn("secure frame", "peer", extAttr(f.peer), "err", err)
		return nil, StatusNoKey
	}
	return frame, StatusSuccess
}

// sendFrame hands a built frame to the NWK.
func (l *Layer) sendFrame(frame []byte, dst mac.ShortAddr, dstExt mac.ExtAddr, radius uint8, noSecurity bool, done func(Status)) {
	l.counters.TxFrames++
	l.nwk.DataReq(&nwk.DataReq{
		Dst:           dst,
		DstExt:        dstExt,
		Radius:        radius,
		NoSecurity:    noSecurity,
		DiscoverRoute: true,
		Payload:       frame,
		Confirm: func(c nwk.DataConf) {
			done(statusFromNWK(c.Status))
		},
	})
}

// DataReq sends an ASDU. The confirm runs as a task after the NWK
// confirm or, with AckRequest, after the acknowledgement or the last
// retry.
func (l *Layer) DataReq(req *DataReq) {
	var dst mac.ShortAddr
	confirm := func(s Status) {
		if req.Confirm == nil {
			return
		}
		c := DataConf{Status: s, DstShort: dst, DstEndpoint: req.DstEndpoint, SrcEndpoint: req.SrcEndpoint}
		l.env.Tasks.Post(func() { req.Confirm(c) })
	}
	if len(req.Payload) > maxPayload {
		confirm(StatusAsduTooLong)
		return
	}

	hdr := Header{
		Type:        FrameData,
		DstEndpoint: req.DstEndpoint,
		ClusterID:   req.ClusterID,
		ProfileID:   req.ProfileID,
		SrcEndpoint: req.SrcEndpoint,
	}
	var dstExt mac.ExtAddr
	switch req.DstMode {
	case AddrModeGroup:
		hdr.Delivery = DeliveryGroup
		hdr.GroupID = req.GroupID
		dst = nwk.BroadcastRxOnWhenIdle
	case AddrModeShort:
		dst = req.DstShort
		if nwk.IsBroadcast(dst) {
			hdr.Delivery = DeliveryBroadcast
		}
	case AddrModeExt:
		short, ok := l.nwk.ShortAddrOf(req.DstExt)
		if !ok {
			confirm(StatusNoShortAddress)
			return
		}
		dst, dstExt = short, req.DstExt
	default:
		confirm(StatusInvalidParameter)
		return
	}

	f := &outFrame{dst: dst, dstExt: dstExt, radius: req.Radius, payload: req.Payload}
	if req.Secure {
		if hdr.Delivery != DeliveryUnicast {
			confirm(StatusInvalidParameter)
			return
		}
		peer := dstExt
		if peer == 0 {
			peer = l.peerExt(dst)
		}
		if peer == 0 {
			confirm(StatusNoShortAddress)
			return
		}
		f.secure, f.keyID, f.peer = true, security.KeyIDData, peer
	}
	hdr.AckRequest = req.AckRequest && hdr.Delivery == DeliveryUnicast
	hdr.Counter = l.nextCounter()
	f.hdr = hdr

	f.sent = func(frame []byte, s Status) {
		if s != StatusSuccess || !hdr.AckRequest {
			confirm(s)
			return
		}
		l.awaitAck(dst, dstExt, req.Radius, hdr.Counter, frame, confirm)
	}
	l.submit(f)
}

// peerExt resolves the extended address of a unicast destination. The
// coordinator may sit several hops away, outside the neighbor and address
// tables; 0x0000 then falls back to the trust center address.
func (l *Layer) peerExt(dst mac.ShortAddr) mac.ExtAddr {
	if ext, ok := l.nwk.ExtAddrOf(dst); ok {
		return ext
	}
	if dst == 0x0000 {
		return l.tcAddr
	}
	return 0
}

// pendingAck is a unicast frame waiting for its APS acknowledgement.
type pendingAck struct {
	dst     mac.ShortAddr
	dstExt  mac.ExtAddr
	radius  uint8
	counter uint8
	frame   []byte
	retries int
	timer   *sys.Timer
	confirm func(Status)
}

func (l *Layer) awaitAck(dst mac.ShortAddr, dstExt mac.ExtAddr, radius, counter uint8, frame []byte, confirm func(Status)) {
	a := &pendingAck{dst: dst, dstExt: dstExt, radius: radius, counter: counter, frame: frame, confirm: confirm}
	a.timer = sys.NewTimer(l.env, l.cfg.AckWaitDuration, sys.TimerOneShot, func() { l.ackTimeout(a) })
	l.acks = append(l.acks, a)
	a.timer.Start()
}

func (l *Layer) ackTimeout(a *pendingAck) {
	if a.retries >= l.cfg.MaxFrameRetries {
		l.removeAck(a)
		l.counters.AckTimeouts++
		l.logger.Debug("no ack", "dst", addrAttr(a.dst), "counter", a.counter)
		a.confirm(StatusNoAck)
		return
	}
	a.retries++
	l.counters.Retries++
	l.sendFrame(a.frame, a.dst, a.dstExt, a.radius, false, func(s Status) {
		if !l.ackPending(a) {
			return
		}
		if s != StatusSuccess {
			l.removeAck(a)
			a.confirm(s)
			return
		}
		a.timer.Start()
	})
}

func (l *Layer) ackPending(a *pendingAck) bool {
	for _, p := range l.acks {
		if p == a {
			return true
		}
	}
	return false
}

func (l *Layer) removeAck(a *pendingAck) {
	a.timer.Stop()
	for i, p := range l.acks {
		if p == a {
			l.acks = append(l.acks[:i], l.acks[i+1:]...)
			return
		}
	}
}

// onAck completes the pending frame acknowledged by src.
func (l *Layer) onAck(src mac.ShortAddr, hdr Header) {
	for _, a := range l.acks {
		if a.dst == src && a.counter == hdr.Counter {
			l.removeAck(a)
			a.confirm(StatusSuccess)
			return
		}
	}
	l.logger.Debug("unexpected ack", "src", addrAttr(src), "counter", hdr.Counter)
}

// sendAck acknowledges a received unicast frame.
func (l *Layer) sendAck(src mac.ShortAddr, hdr Header) {
	a := ackFor(hdr)
	l.sendFrame(a.Bytes(), src, 0, 0, false, func(s Status) {
		if s != StatusSuccess {
			l.logger.Debug("ack not sent", "dst", addrAttr(src), "status", s.String())
		}
	})
}
