package nwk

import (
	"fmt"
	"log/slog"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/sys"
)

// NetManagerState is the PAN ID conflict resolution state.
type NetManagerState uint8

const (
	NetManagerIdle NetManagerState = iota
	NetManagerMACScan
	NetManagerPrepareMACData
	NetManagerSendUpdateCmd
	NetManagerSetPanID
)

func (s NetManagerState) String() string {
	switch s {
	case NetManagerIdle:
		return "idle"
	case NetManagerMACScan:
		return "mac_scan"
	case NetManagerPrepareMACData:
		return "prepare_mac_data"
	case NetManagerSendUpdateCmd:
		return "send_update_cmd"
	case NetManagerSetPanID:
		return "set_pan_id"
	default:
		return "unknown"
	}
}

// NetworkManager detects PAN ID conflicts and, on the network manager
// device, moves the network to a fresh PAN ID: scan, pick an unused ID,
// broadcast the network update, wait out the broadcast delivery time,
// then switch. Other devices switch the same delay after the update.
type NetworkManager struct {
	l      *Layer
	logger *slog.Logger

	state    NetManagerState
	avoid    map[mac.PanID]bool
	newPanID mac.PanID
	// commit fires on the manager after the update has spread.
	commit *sys.Timer

	// switchTimer fires on other devices after an update arrives.
	pendingPanID mac.PanID
	switchTimer  *sys.Timer

	trace func(NetManagerState)
}

func newNetworkManager(l *Layer) *NetworkManager {
	m := &NetworkManager{l: l, logger: l.logger.With("component", "netmanager")}
	m.commit = sys.NewTimer(l.env, l.cfg.BroadcastDeliveryTime, sys.TimerOneShot, m.setPanID)
	m.switchTimer = sys.NewTimer(l.env, l.cfg.BroadcastDeliveryTime, sys.TimerOneShot, m.applyPending)
	return m
}

// State returns the current state.
func (m *NetworkManager) State() NetManagerState { return m.state }

// OnTransition registers fn to observe every state change.
func (m *NetworkManager) OnTransition(fn func(NetManagerState)) { m.trace = fn }

func (m *NetworkManager) enter(s NetManagerState) {
	m.logger.Debug("state", "from", m.state.String(), "to", s.String())
	m.state = s
	if m.trace != nil {
		m.trace(s)
	}
}

// isManager reports whether this device resolves conflicts itself.
func (m *NetworkManager) isManager() bool {
	return m.l.nib.ShortAddr == m.l.nib.ManagerAddr
}

// Resolve moves the network to a new PAN ID, avoiding the given ones. It
// returns false if this device is not the manager or a resolution is
// already running.
func (m *NetworkManager) Resolve(avoid []mac.PanID) bool {
	l := m.l
	if !l.nib.Joined || !m.isManager() || m.state != NetManagerIdle {
		return false
	}
	m.avoid = map[mac.PanID]bool{l.nib.PanID: true}
	for _, p := range avoid {
		m.avoid[p] = true
	}
	m.enter(NetManagerMACScan)
	l.mac.ScanReq(&mac.ScanReq{
		Type:     mac.ScanActive,
		Channels: 1 << l.nib.Channel,
		Duration: l.cfg.ScanDuration,
		Confirm:  m.scanDone,
	})
	return true
}

func (m *NetworkManager) scanDone(c mac.ScanConf) {
	if m.state != NetManagerMACScan {
		return
	}
	for _, d := range c.PANDescriptors {
		m.avoid[d.CoordPanID] = true
	}
	m.enter(NetManagerPrepareMACData)
	pan, ok := m.l.pickPanID(func(p mac.PanID) bool { return m.avoid[p] })
	if !ok {
		m.logger.Warn("no free PAN ID in range")
		m.enter(NetManagerIdle)
		return
	}
	m.newPanID = pan
	m.sendUpdate()
}

func (m *NetworkManager) sendUpdate() {
	l := m.l
	m.enter(NetManagerSendUpdateCmd)
	l.nib.UpdateID++
	l.logger.Info("announcing PAN ID change",
		"from", fmt.Sprintf("0x%04X", uint16(l.nib.PanID)),
		"to", fmt.Sprintf("0x%04X", uint16(m.newPanID)),
		"update_id", l.nib.UpdateID)
	l.sendCommand(BroadcastAll, 0, &NetworkUpdate{
		Type:     UpdatePanID,
		ExtPanID: l.nib.ExtPanID,
		UpdateID: l.nib.UpdateID,
		NewPanID: m.newPanID,
	}, true, func(s Status) {
		if m.state != NetManagerSendUpdateCmd {
			return
		}
		if s != StatusSuccess {
			m.logger.Warn("network update broadcast failed", "status", s.String())
		}
		// Devices must hear the update before we cut over.
		m.commit.Start()
	})
}

func (m *NetworkManager) setPanID() {
	if m.state != NetManagerSendUpdateCmd {
		return
	}
	m.enter(NetManagerSetPanID)
	m.l.applyPanID(m.newPanID, func() { m.enter(NetManagerIdle) })
}

func (m *NetworkManager) applyPending() {
	if m.pendingPanID == 0 {
		return
	}
	pan := m.pendingPanID
	m.pendingPanID = 0
	m.l.applyPanID(pan, nil)
}

func (m *NetworkManager) reset() {
	m.commit.Stop()
	m.switchTimer.Stop()
	m.pendingPanID = 0
	m.state = NetManagerIdle
}

// applyPanID switches the MAC and the NIB to pan.
func (l *Layer) applyPanID(pan mac.PanID, done func()) {
	l.setMAC(mac.PIBPanID, mac.U16(uint16(pan)), func(s mac.Status) {
		if s == mac.StatusSuccess {
			old := l.nib.PanID
			l.nib.PanID = pan
			l.updateBeacon()
			l.saveNetworkParams()
			l.logger.Info("PAN ID changed",
				"from", fmt.Sprintf("0x%04X", uint16(old)), "to", fmt.Sprintf("0x%04X", uint16(pan)))
			l.emitPanID(pan)
		}
		if done != nil {
			done()
		}
	})
}

// CheckPanConflict scans our channel for beacons that clash with our
// network: another network on our PAN ID, or a second coordinator
// claiming our extended PAN ID. done receives whether a conflict was
// found; resolution, or a report to the manager, is started on its own.
func (l *Layer) CheckPanConflict(done func(bool)) {
	if done == nil {
		done = func(bool) {}
	}
	if !l.nib.Joined || !l.IsRouter() {
		l.env.Tasks.Post(func() { done(false) })
		return
	}
	l.mac.ScanReq(&mac.ScanReq{
		Type:     mac.ScanActive,
		Channels: 1 << l.nib.Channel,
		Duration: l.cfg.ScanDuration,
		Confirm: func(c mac.ScanConf) {
			done(l.examineBeacons(c.PANDescriptors))
		},
	})
}

func (l *Layer) examineBeacons(descs []mac.PANDescriptor) bool {
	var foreign []mac.PanID
	clash, yield := false, false
	for _, d := range descs {
		b, err := DecodeBeacon(d.BeaconPayload)
		if err != nil {
			continue
		}
		switch {
		case d.CoordPanID == l.nib.PanID && b.ExtPanID != l.nib.ExtPanID:
			foreign = append(foreign, d.CoordPanID)
			clash = true
		case l.nib.DeviceType == Coordinator && b.ExtPanID == l.nib.ExtPanID &&
			b.Depth == 0 && d.CoordExt != l.nib.ExtAddr:
			// A second coordinator for our network. The lower address yields.
			foreign = append(foreign, d.CoordPanID)
			if l.nib.ExtAddr < d.CoordExt {
				yield = true
			}
		}
	}
	if len(foreign) == 0 {
		return false
	}
	l.counters.PanIDConflicts++
	l.logger.Warn("PAN ID conflict detected",
		"pan_id", fmt.Sprintf("0x%04X", uint16(l.nib.PanID)), "others", len(foreign))

	if l.nib.DeviceType == Coordinator && l.netManager.isManager() {
		if clash || yield {
			l.netManager.Resolve(foreign)
		}
		return true
	}
	l.sendCommand(l.nib.ManagerAddr, 0, &NetworkReport{
		Type:     ReportPanIDConflict,
		ExtPanID: l.nib.ExtPanID,
		PanIDs:   foreign,
	}, true, nil)
	return true
}

// onNetworkReport runs on the manager when a router reports a conflict.
func (l *Layer) onNetworkReport(p *Packet, c *NetworkReport) {
	if c.Type != ReportPanIDConflict || c.ExtPanID != l.nib.ExtPanID {
		return
	}
	l.logger.Info("PAN ID conflict reported", "by", fmt.Sprintf("0x%04X", uint16(p.Header.Src)))
	l.counters.PanIDConflicts++
	l.netManager.Resolve(c.PanIDs)
}

// onNetworkUpdate schedules the PAN ID switch announced by the manager.
func (l *Layer) onNetworkUpdate(p *Packet, c *NetworkUpdate) {
	if c.Type != UpdatePanID || c.ExtPanID != l.nib.ExtPanID || l.netManager.isManager() {
		return
	}
	if int8(c.UpdateID-l.nib.UpdateID) <= 0 {
		l.drop("stale network update", "update_id", c.UpdateID)
		return
	}
	l.nib.UpdateID = c.UpdateID
	l.netManager.pendingPanID = c.NewPanID
	l.netManager.switchTimer.Start()
	l.logger.Info("PAN ID change scheduled",
		"to", fmt.Sprintf("0x%04X", uint16(c.NewPanID)),
		"by", fmt.Sprintf("0x%04X", uint16(p.Header.Src)))
}
