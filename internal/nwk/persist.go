package nwk

import (
	"errors"
	"fmt"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/pds"
	"zigbee-go-stack/internal/security"
)

func (l *Layer) persistOutCounter(top uint32) {
	if l.store == nil {
		return
	}
	if err := pds.SaveJSON(l.store, pds.MemNwkOutCounter, top); err != nil {
		l.logger.Error("persist outgoing frame counter", "err", err)
	}
}

func (l *Layer) saveNetworkParams() {
	if l.store == nil {
		return
	}
	if err := pds.SaveJSON(l.store, pds.MemNetworkParams, l.nib); err != nil {
		l.logger.Error("persist network parameters", "err", err)
	}
}

func (l *Layer) saveSecurity() {
	if l.store == nil {
		return
	}
	if err := pds.SaveJSON(l.store, pds.MemNwkSecurity, l.sec.Snapshot()); err != nil {
		l.logger.Error("persist network keys", "err", err)
	}
}

// SetNetworkKey stores a network key delivered by the trust center. The
// first key becomes active at once; later ones wait for SwitchNetworkKey.
func (l *Layer) SetNetworkKey(seq uint8, key security.Key) {
	l.sec.SetKey(seq, key)
	l.saveSecurity()
	l.logger.Info("network key stored", "seq", seq)
}

// SwitchNetworkKey activates the key stored under seq and retires the
// previous one. It reports false if no such key is held.
func (l *Layer) SwitchNetworkKey(seq uint8) bool {
	if !l.sec.Switch(seq) {
		l.logger.Warn("switch to unknown network key", "seq", seq)
		return false
	}
	l.saveSecurity()
	l.logger.Info("network key switched", "seq", seq)
	return true
}

// Persist writes the network parameters, key material and tables.
func (l *Layer) Persist() error {
	if l.store == nil {
		return nil
	}
	return errors.Join(
		pds.SaveJSON(l.store, pds.MemNetworkParams, l.nib),
		pds.SaveJSON(l.store, pds.MemNwkSecurity, l.sec.Snapshot()),
		pds.SaveJSON(l.store, pds.MemRoutingTable, l.routes.Entries()),
		pds.SaveJSON(l.store, pds.MemAddressMap, l.addrMap.Entries()),
		pds.SaveJSON(l.store, pds.MemNeighborTable, l.neighbors.Entries()),
	)
}

// Restore reloads what Persist saved and, for a joined device, brings the
// MAC back onto the network. It reports false when nothing usable was
// stored. Missing or corrupt table records are skipped.
func (l *Layer) Restore() (bool, error) {
	if l.store == nil {
		return false, nil
	}
	var nib NIB
	if err := pds.LoadJSON(l.store, pds.MemNetworkParams, &nib); err != nil {
		if errors.Is(err, pds.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if nib.DeviceType != l.cfg.DeviceType {
		return false, fmt.Errorf("nwk: stored network is for a %s, configured as %s", nib.DeviceType, l.cfg.DeviceType)
	}

	var snap SecuritySnapshot
	if err := pds.LoadJSON(l.store, pds.MemNwkSecurity, &snap); err != nil && !errors.Is(err, pds.ErrNotFound) {
		return false, err
	}
	var top uint32
	if err := pds.LoadJSON(l.store, pds.MemNwkOutCounter, &top); err == nil {
		snap.OutTop = max(snap.OutTop, top)
	}
	l.sec.Restore(snap)

	var routes []RoutingEntry
	if err := pds.LoadJSON(l.store, pds.MemRoutingTable, &routes); err == nil {
		l.routes.Load(routes)
	}
	var addrs []AddrMapEntry
	if err := pds.LoadJSON(l.store, pds.MemAddressMap, &addrs); err == nil {
		l.addrMap.Load(addrs)
	}
	var neighbors []Neighbor
	if err := pds.LoadJSON(l.store, pds.MemNeighborTable, &neighbors); err == nil {
		l.neighbors.Load(neighbors)
	}

	nib.ExtAddr = l.mac.ExtAddr()
	nib.Seq = l.nib.Seq
	nib.PermitJoining = false
	l.nib = nib
	l.logger.Info("network state restored",
		"joined", nib.Joined,
		"addr", fmt.Sprintf("0x%04X", uint16(nib.ShortAddr)),
		"pan_id", fmt.Sprintf("0x%04X", uint16(nib.PanID)),
		"out_counter", snap.OutTop)

	if !nib.Joined {
		return true, nil
	}
	l.setMACs([]macSet{
		{mac.PIBCurrentChannel, mac.U8(nib.Channel)},
		{mac.PIBPanID, mac.U16(uint16(nib.PanID))},
		{mac.PIBShortAddress, mac.U16(uint16(nib.ShortAddr))},
		{mac.PIBRxOnWhenIdle, mac.Bool(true)},
	}, func(s mac.Status) {
		if s != mac.StatusSuccess {
			l.logger.Error("restore MAC attributes", "status", s.String())
			return
		}
		l.updateBeacon()
		l.setPermitJoining(false)
		l.startRouting()
	})
	return true, nil
}
