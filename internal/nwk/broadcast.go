package nwk

import (
	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/sys"
)

// broadcastTx is a broadcast held open for passive acknowledgement.
type broadcastTx struct {
	h       PacketHandle
	src     mac.ShortAddr
	seq     uint8
	retries int
	maxTry  int
	timer   *sys.Timer
	done    func(Status)
	sent    bool
}

// broadcast transmits h after the broadcast jitter and keeps it until
// every router neighbor has been heard relaying it, the retries run out,
// or the passive-ack window closes.
func (l *Layer) broadcast(h PacketHandle, originated bool, done func(Status)) {
	p := l.packets.Get(h)
	if p == nil {
		return
	}
	hdr := &p.Header
	isRREQ := hdr.Type == FrameCommand && len(p.Payload) > 0 && CommandID(p.Payload[0]) == CmdRouteRequest

	if originated && !isRREQ {
		if l.btt.Check(uint16(hdr.Src), hdr.Seq) == sys.DuplicateFull {
			done(StatusBTTableFull)
			return
		}
	}

	b := &broadcastTx{h: h, src: hdr.Src, seq: hdr.Seq, done: done, maxTry: l.cfg.BroadcastRetries}
	if isRREQ || hdr.Radius <= 1 || !l.IsRouter() {
		b.maxTry = 0
	}
	b.timer = sys.NewTimer(l.env, l.cfg.PassiveAckTimeout, sys.TimerOneShot, func() { l.passiveAckExpired(b) })
	l.broadcasts = append(l.broadcasts, b)
	l.txDelay.Req(func() { l.transmitBroadcast(b) })
}

func (l *Layer) transmitBroadcast(b *broadcastTx) {
	p, ok := l.packets.Lookup(b.h)
	if !ok {
		l.finishBroadcast(b, StatusFrameNotBuffered)
		return
	}
	frame, st := l.encodeFrame(p)
	if st != StatusSuccess {
		l.finishBroadcast(b, st)
		return
	}
	l.counters.TxFrames++
	l.mac.DataReq(&mac.DataReq{
		SrcAddrMode: mac.AddrModeShort,
		Dst:         mac.Short(mac.BroadcastShortAddr),
		DstPanID:    l.nib.PanID,
		Msdu:        frame,
		Handle:      l.nextMACHandle(),
		Confirm: func(c mac.DataConf) {
			if c.Status != mac.StatusSuccess {
				l.finishBroadcast(b, statusFromMAC(c.Status))
				return
			}
			b.sent = true
			if b.maxTry == 0 || l.allRelayed(b) {
				l.finishBroadcast(b, StatusSuccess)
				return
			}
			b.timer.Start()
		},
	})
}

// allRelayed reports whether every router neighbor has been heard
// repeating the broadcast.
func (l *Layer) allRelayed(b *broadcastTx) bool {
	expected := l.neighbors.RouterMask()
	if expected == 0 {
		return true
	}
	e := l.btt.Find(uint16(b.src), b.seq)
	if e == nil {
		return true
	}
	return e.Mask&expected == expected
}

func (l *Layer) passiveAckExpired(b *broadcastTx) {
	if l.allRelayed(b) || b.retries >= b.maxTry {
		l.finishBroadcast(b, StatusSuccess)
		return
	}
	b.retries++
	l.logger.Debug("broadcast retry", "src", b.src.String(), "seq", b.seq, "retry", b.retries)
	l.txDelay.Req(func() { l.transmitBroadcast(b) })
}

// markHeard records that the neighbor at macSrc holds broadcast (src, seq).
func (l *Layer) markHeard(src mac.ShortAddr, seq uint8, macSrc mac.ShortAddr) {
	e := l.btt.Find(uint16(src), seq)
	if e == nil {
		return
	}
	if i := l.neighbors.Index(macSrc); i >= 0 && i < 64 {
		e.Mask |= 1 << uint(i)
	}
}

// broadcastHeard is the passive acknowledgement path: a neighbor relayed a
// broadcast we hold open.
func (l *Layer) broadcastHeard(src mac.ShortAddr, seq uint8, macSrc mac.ShortAddr) {
	l.markHeard(src, seq, macSrc)
	for _, b := range l.broadcasts {
		if b.src == src && b.seq == seq && b.sent && b.timer.Running() && l.allRelayed(b) {
			l.finishBroadcast(b, StatusSuccess)
			return
		}
	}
}

func (l *Layer) finishBroadcast(b *broadcastTx, s Status) {
	for i, x := range l.broadcasts {
		if x == b {
			l.broadcasts = append(l.broadcasts[:i], l.broadcasts[i+1:]...)
			break
		}
	}
	b.timer.Stop()
	b.done(s)
}
