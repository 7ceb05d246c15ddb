package nwk

import (
	"fmt"
	"time"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/sys"
)

// discoveryEntry tracks one route request seen by this device.
type discoveryEntry struct {
	used        bool
	requestID   uint8
	originator  mac.ShortAddr
	sender      mac.ShortAddr
	dst         mac.ShortAddr
	forwardCost uint8
	replied     bool
	expires     time.Time
}

type discoveryTable struct {
	entries []discoveryEntry
}

func newDiscoveryTable(size int) *discoveryTable {
	return &discoveryTable{entries: make([]discoveryEntry, size)}
}

func (t *discoveryTable) find(originator mac.ShortAddr, id uint8, now time.Time) *discoveryEntry {
	for i := range t.entries {
		e := &t.entries[i]
		if !e.used {
			continue
		}
		if now.After(e.expires) {
			*e = discoveryEntry{}
			continue
		}
		if e.originator == originator && e.requestID == id {
			return e
		}
	}
	return nil
}

func (t *discoveryTable) alloc(now time.Time) *discoveryEntry {
	for i := range t.entries {
		e := &t.entries[i]
		if !e.used || now.After(e.expires) {
			*e = discoveryEntry{used: true}
			return e
		}
	}
	return nil
}

func (t *discoveryTable) reset() {
	for i := range t.entries {
		t.entries[i] = discoveryEntry{}
	}
}

// localDiscovery is a route discovery this device originated.
type localDiscovery struct {
	dst       mac.ShortAddr
	requestID uint8
	retries   int
	retry     *sys.Timer
	deadline  *sys.Timer
	waiters   []func(Status)
	explicit  []func(Status)
}

// RouteDiscoveryReq runs route discovery to dst without sending data.
func (l *Layer) RouteDiscoveryReq(dst mac.ShortAddr, confirm func(Status)) {
	if !l.nib.Joined || !l.IsRouter() {
		l.env.Tasks.Post(func() { confirm(StatusInvalidRequest) })
		return
	}
	if e := l.routes.Find(dst, false); e != nil && e.Active() {
		l.env.Tasks.Post(func() { confirm(StatusSuccess) })
		return
	}
	if !l.startDiscovery(dst) {
		l.env.Tasks.Post(func() { confirm(StatusNoRoutingCapacity) })
		return
	}
	d := l.findLocalDiscovery(dst)
	d.explicit = append(d.explicit, confirm)
}

func (l *Layer) findLocalDiscovery(dst mac.ShortAddr) *localDiscovery {
	for _, d := range l.discoveries {
		if d.dst == dst {
			return d
		}
	}
	return nil
}

// startDiscovery begins route discovery to dst unless one is running.
// It reports false when no routing entry can be reserved.
func (l *Layer) startDiscovery(dst mac.ShortAddr) bool {
	if l.findLocalDiscovery(dst) != nil {
		return true
	}
	e := l.routes.Find(dst, false)
	if e == nil {
		if e = l.routes.Alloc(); e == nil {
			return false
		}
		e.Dst = dst
	}
	e.Status = RouteDiscoveryUnderway

	l.nib.RouteRequestID++
	d := &localDiscovery{dst: dst, requestID: l.nib.RouteRequestID}
	d.retry = sys.NewTimer(l.env, l.cfg.RREQRetryInterval, sys.TimerOneShot, func() { l.retryDiscovery(d) })
	d.deadline = sys.NewTimer(l.env, l.cfg.RouteDiscoveryTime, sys.TimerOneShot, func() {
		l.completeDiscovery(d, StatusRouteDiscoveryFailed)
	})
	l.discoveries = append(l.discoveries, d)

	if de := l.discovery.alloc(l.now()); de != nil {
		de.originator = l.nib.ShortAddr
		de.requestID = d.requestID
		de.sender = l.nib.ShortAddr
		de.dst = dst
		de.expires = l.now().Add(l.cfg.RouteDiscoveryTime)
	}

	l.counters.Discoveries++
	l.logger.Debug("route discovery started", "dst", fmt.Sprintf("0x%04X", uint16(dst)), "id", d.requestID)
	l.sendRouteRequest(d)
	d.deadline.Start()
	if l.cfg.RouteRequestRetries > 0 {
		d.retry.Start()
	}
	return true
}

func (l *Layer) sendRouteRequest(d *localDiscovery) {
	l.sendCommand(BroadcastRouters, l.cfg.MaxRadius(), &RouteRequest{
		RequestID: d.requestID,
		Dst:       d.dst,
	}, true, nil)
}

func (l *Layer) retryDiscovery(d *localDiscovery) {
	if l.findLocalDiscovery(d.dst) != d {
		return
	}
	d.retries++
	l.sendRouteRequest(d)
	if d.retries < l.cfg.RouteRequestRetries {
		d.retry.Start()
	}
}

// awaitRoute parks a frame until discovery to dst finishes. It reports
// false when the pending buffer is full.
func (l *Layer) awaitRoute(dst mac.ShortAddr, cb func(Status)) bool {
	d := l.findLocalDiscovery(dst)
	if d == nil {
		return false
	}
	pending := 0
	for _, x := range l.discoveries {
		pending += len(x.waiters)
	}
	if pending >= l.cfg.PendingPackets {
		return false
	}
	d.waiters = append(d.waiters, cb)
	return true
}

func (l *Layer) completeDiscovery(d *localDiscovery, s Status) {
	found := false
	for i, x := range l.discoveries {
		if x == d {
			l.discoveries = append(l.discoveries[:i], l.discoveries[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return
	}
	d.retry.Stop()
	d.deadline.Stop()
	if s != StatusSuccess {
		if e := l.routes.Find(d.dst, false); e != nil && e.Status == RouteDiscoveryUnderway {
			l.routes.Free(e)
		}
		l.counters.RouteFailures++
		l.logger.Info("route discovery failed", "dst", fmt.Sprintf("0x%04X", uint16(d.dst)))
	} else {
		l.logger.Debug("route discovered", "dst", fmt.Sprintf("0x%04X", uint16(d.dst)))
	}
	for _, w := range d.waiters {
		w(s)
	}
	for _, c := range d.explicit {
		c(s)
	}
}

// abortDiscoveries fails every running discovery with
// StatusFrameNotBuffered so that the frames waiting on it are confirmed
// before their buffers go away.
func (l *Layer) abortDiscoveries() {
	ds := l.discoveries
	l.discoveries = nil
	for _, d := range ds {
		d.retry.Stop()
		d.deadline.Stop()
		for _, w := range d.waiters {
			w(StatusFrameNotBuffered)
		}
		for _, c := range d.explicit {
			c(StatusFrameNotBuffered)
		}
	}
}

// onRouteRequest handles a route request broadcast, including many-to-one
// advertisements from a concentrator.
func (l *Layer) onRouteRequest(p *Packet, c *RouteRequest) {
	hdr := &p.Header
	if !l.IsRouter() || hdr.Src == l.nib.ShortAddr || p.MacSrc == mac.NoShortAddr {
		return
	}
	cost := c.PathCost + LinkCost(p.LinkQuality)
	now := l.now()

	e := l.discovery.find(hdr.Src, c.RequestID, now)
	if e != nil {
		if cost < e.forwardCost {
			e.forwardCost = cost
			e.sender = p.MacSrc
			if c.ManyToOne != NotManyToOne {
				l.installManyToOne(hdr.Src, p.MacSrc, cost, c.ManyToOne)
			}
		}
		return
	}
	if e = l.discovery.alloc(now); e == nil {
		l.drop("discovery table full")
		return
	}
	e.originator = hdr.Src
	e.requestID = c.RequestID
	e.sender = p.MacSrc
	e.dst = c.Dst
	e.forwardCost = cost
	e.expires = now.Add(l.cfg.RouteDiscoveryTime)

	if c.ManyToOne != NotManyToOne {
		l.installManyToOne(hdr.Src, p.MacSrc, cost, c.ManyToOne)
		l.forwardRouteRequest(p, c, cost)
		return
	}

	if c.Dst == l.nib.ShortAddr || l.isEndDeviceChild(c.Dst) {
		replyCost := uint8(0)
		if c.Dst != l.nib.ShortAddr {
			if n := l.neighbors.FindByShort(c.Dst); n != nil {
				replyCost = LinkCost(n.LQI)
			}
		}
		e.replied = true
		l.sendCommand(e.sender, l.cfg.MaxRadius(), &RouteReply{
			RequestID:  c.RequestID,
			Originator: hdr.Src,
			Responder:  c.Dst,
			PathCost:   replyCost,
		}, true, nil)
		return
	}
	l.forwardRouteRequest(p, c, cost)
}

func (l *Layer) isEndDeviceChild(addr mac.ShortAddr) bool {
	n := l.neighbors.FindByShort(addr)
	return n != nil && n.IsChild() && n.DeviceType == EndDevice
}

func (l *Layer) installManyToOne(concentrator, next mac.ShortAddr, cost uint8, kind ManyToOne) {
	e := l.routes.Install(concentrator, next, cost, true)
	if e == nil {
		l.drop("routing table full for many-to-one route")
		return
	}
	e.RouteRecordRequired = kind == ManyToOneRouteRecord
	e.NewConcentrator = true
}

// forwardRouteRequest rebroadcasts a route request with the updated cost.
func (l *Layer) forwardRouteRequest(in *Packet, c *RouteRequest, cost uint8) {
	if in.Header.Radius <= 1 {
		return
	}
	fwd := *c
	fwd.PathCost = cost
	payload := EncodeCommand(&fwd)
	h, ok := l.packets.Alloc(PacketTransit, min(nwkHeaderMax+len(payload), l.cfg.MaxFrameSize))
	if !ok {
		l.drop("no transit buffer for route request")
		return
	}
	p := l.packets.Get(h)
	p.Header = in.Header
	p.Header.Radius--
	p.Payload = payload
	p.Secure = in.Secured
	l.broadcast(h, false, func(Status) {
		if _, ok := l.packets.Lookup(h); ok {
			l.packets.Free(h)
		}
	})
}

// onRouteReply handles a route reply heading back to the originator. The
// first reply for a request wins.
func (l *Layer) onRouteReply(p *Packet, c *RouteReply) {
	if p.MacSrc == mac.NoShortAddr {
		return
	}
	e := l.discovery.find(c.Originator, c.RequestID, l.now())
	if e == nil {
		l.drop("route reply without discovery entry")
		return
	}
	if e.replied {
		return
	}
	cost := c.PathCost + LinkCost(p.LinkQuality)
	e.replied = true
	l.routes.Install(c.Responder, p.MacSrc, cost, false)

	if c.Originator == l.nib.ShortAddr {
		if d := l.findLocalDiscovery(c.Responder); d != nil && d.requestID == c.RequestID {
			l.completeDiscovery(d, StatusSuccess)
		}
		return
	}
	fwd := *c
	fwd.PathCost = cost
	l.sendCommand(e.sender, l.cfg.MaxRadius(), &fwd, true, nil)
}

// sendManyToOne advertises this concentrator with a many-to-one route
// request.
func (l *Layer) sendManyToOne() {
	if !l.nib.Joined || !l.cfg.Concentrator {
		return
	}
	l.nib.RouteRequestID++
	id := l.nib.RouteRequestID
	if de := l.discovery.alloc(l.now()); de != nil {
		de.originator = l.nib.ShortAddr
		de.requestID = id
		de.sender = l.nib.ShortAddr
		de.expires = l.now().Add(l.cfg.RouteDiscoveryTime)
	}
	l.logger.Debug("many-to-one route request", "id", id)
	l.sendCommand(BroadcastRouters, l.cfg.ConcentratorRadius, &RouteRequest{
		ManyToOne: ManyToOneRouteRecord,
		RequestID: id,
		Dst:       BroadcastRouters,
	}, true, nil)
}
