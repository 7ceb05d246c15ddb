package nwk

import (
	"fmt"
	"sort"

	"zigbee-go-stack/internal/mac"
)

const maxLinksPerFrame = 31

// linkStatusTick ages the neighbor table and advertises our links to the
// router neighbors.
func (l *Layer) linkStatusTick() {
	if !l.nib.Joined || !l.IsRouter() {
		return
	}
	for _, addr := range l.neighbors.Age() {
		n := l.routes.DeleteNextHop(addr)
		l.routeCache.RemoveRelay(addr)
		l.logger.Info("neighbor aged out",
			"addr", fmt.Sprintf("0x%04X", uint16(addr)), "routes_dropped", n)
	}

	var links []LinkStatusEntry
	for _, n := range l.neighbors.Entries() {
		if !n.IsRouter() || n.Relationship == RelUnauthenticatedChild {
			continue
		}
		links = append(links, LinkStatusEntry{
			Addr:    n.Short,
			InCost:  LinkCost(n.LQI),
			OutCost: n.OutCost,
		})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Addr < links[j].Addr })
	for i := 0; i == 0 || i < len(links); i += maxLinksPerFrame {
		end := min(i+maxLinksPerFrame, len(links))
		l.sendCommand(BroadcastRouters, 1, &LinkStatus{
			First: i == 0,
			Last:  end == len(links),
			Links: links[i:end],
		}, true, nil)
	}
}

// onLinkStatus refreshes the sender's neighbor entry and takes the cost it
// measured for our link as our outgoing cost.
func (l *Layer) onLinkStatus(p *Packet, c *LinkStatus) {
	if !l.IsRouter() || p.MacSrc == mac.NoShortAddr || p.Header.Src != p.MacSrc {
		return
	}
	n := l.neighbors.FindByShort(p.MacSrc)
	if n == nil {
		dt := Router
		if p.MacSrc == 0x0000 {
			dt = Coordinator
		}
		n = l.neighbors.Add(Neighbor{
			Short:        p.MacSrc,
			Ext:          p.Header.SrcExt,
			DeviceType:   dt,
			Relationship: RelSibling,
			RxOnWhenIdle: true,
			LQI:          p.LinkQuality,
		})
		if n == nil {
			l.drop("neighbor table full for link status sender")
			return
		}
	}
	n.Age = 0
	n.OutCost = 0
	for _, e := range c.Links {
		if e.Addr == l.nib.ShortAddr {
			n.OutCost = e.InCost
			break
		}
	}
}
