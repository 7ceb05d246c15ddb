package nwk

import (
	"fmt"

	"zigbee-go-stack/internal/mac"
)

// routeRecordDue reports whether a route record must precede the next
// frame to dst, a concentrator that asked for one.
func (l *Layer) routeRecordDue(dst mac.ShortAddr) bool {
	e := l.routes.Find(dst, false)
	return e != nil && e.Active() && e.ManyToOne && e.RouteRecordRequired
}

// sendRouteRecord sends an empty route record to the concentrator dst.
// Relays append themselves on the way.
func (l *Layer) sendRouteRecord(dst mac.ShortAddr) {
	e := l.routes.Find(dst, false)
	if e == nil {
		return
	}
	e.RouteRecordRequired = false
	e.NewConcentrator = false
	l.sendCommand(dst, 0, &RouteRecord{}, true, func(s Status) {
		if s == StatusSuccess {
			return
		}
		l.logger.Debug("route record not delivered",
			"concentrator", fmt.Sprintf("0x%04X", uint16(dst)), "status", s.String())
		if e := l.routes.Find(dst, false); e != nil && e.ManyToOne {
			e.RouteRecordRequired = true
		}
	})
}

// appendRouteRecord adds this relay to a route record in transit.
func (l *Layer) appendRouteRecord(p *Packet) {
	cmd, err := DecodeCommand(p.Payload)
	if err != nil {
		return
	}
	rr, ok := cmd.(*RouteRecord)
	if !ok {
		return
	}
	rr.Relays = append(rr.Relays, l.nib.ShortAddr)
	payload := EncodeCommand(rr)
	if len(p.Header.Bytes())+len(payload) > l.cfg.MaxFrameSize {
		l.logger.Debug("route record too long to extend", "relays", len(rr.Relays))
		return
	}
	p.Payload = payload
}

// sourceRouteNextHop advances the source route subframe of a frame being
// relayed and returns the next MAC destination. It fails when this
// device is not the relay the frame was addressed to.
func (l *Layer) sourceRouteNextHop(hdr *Header) (mac.ShortAddr, bool) {
	i := int(hdr.RelayIndex)
	if i >= len(hdr.Relays) || hdr.Relays[i] != l.nib.ShortAddr {
		l.logger.Debug("source route does not name this relay",
			"dst", fmt.Sprintf("0x%04X", uint16(hdr.Dst)), "index", i, "relays", len(hdr.Relays))
		return 0, false
	}
	if i == 0 {
		if n := l.neighbors.FindByShort(hdr.Dst); n == nil {
			return 0, false
		}
		return hdr.Dst, true
	}
	hdr.RelayIndex--
	return hdr.Relays[hdr.RelayIndex], true
}

// onRouteRecord stores the path a route record took in the route cache.
// Only a concentrator keeps source routes.
func (l *Layer) onRouteRecord(p *Packet, c *RouteRecord) {
	if !l.cfg.Concentrator {
		return
	}
	src := p.Header.Src
	if len(c.Relays) == 0 || len(c.Relays) > l.cfg.MaxSourceRouteHops {
		l.routeCache.Remove(src)
		return
	}
	l.routeCache.Add(src, c.Relays)
	l.logger.Debug("source route stored",
		"dst", fmt.Sprintf("0x%04X", uint16(src)), "relays", len(c.Relays))
}
