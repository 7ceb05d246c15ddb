// Package nwk implements the ZigBee network layer: frame routing over a
// mesh of MAC neighbors, broadcast relaying with passive acknowledgement,
// route discovery, source routing, NWK frame security and the join, leave
// and PAN maintenance procedures.
package nwk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/pds"
	"zigbee-go-stack/internal/sys"
)

// NIB is the network information base.
type NIB struct {
	ExtAddr     mac.ExtAddr   `json:"ext_addr"`
	ShortAddr   mac.ShortAddr `json:"short_addr"`
	PanID       mac.PanID     `json:"pan_id"`
	ExtPanID    uint64        `json:"ext_pan_id"`
	Channel     uint8         `json:"channel"`
	UpdateID    uint8         `json:"update_id"`
	Depth       uint8         `json:"depth"`
	DeviceType  DeviceType    `json:"device_type"`
	Parent      mac.ShortAddr `json:"parent"`
	ParentExt   mac.ExtAddr   `json:"parent_ext"`
	ManagerAddr mac.ShortAddr `json:"manager_addr"`
	Joined      bool          `json:"joined"`

	Seq            uint8 `json:"-"`
	RouteRequestID uint8 `json:"-"`
	PermitJoining  bool  `json:"-"`
}

// DataReq is NLDE-DATA.request.
type DataReq struct {
	Dst    mac.ShortAddr
	DstExt mac.ExtAddr
	Radius uint8
	// NoSecurity sends the frame without NWK security, as needed for key
	// transport to a device that has no network key yet.
	NoSecurity    bool
	DiscoverRoute bool
	Payload       []byte
	Handle        uint8
	Confirm       func(DataConf)
}

// DataConf is NLDE-DATA.confirm.
type DataConf struct {
	Handle uint8
	Status Status
}

// DataInd is NLDE-DATA.indication.
type DataInd struct {
	Src         mac.ShortAddr
	SrcExt      mac.ExtAddr
	Dst         mac.ShortAddr
	MacSrc      mac.ShortAddr
	Payload     []byte
	LinkQuality uint8
	Secured     bool
	Radius      uint8
}

// JoinInd reports a device joining or rejoining through this device.
type JoinInd struct {
	ShortAddr  mac.ShortAddr
	ExtAddr    mac.ExtAddr
	Capability mac.Capability
	Rejoin     bool
	// Secured is true for a rejoin protected by the current network key.
	Secured bool
}

// LeaveInd reports a device leaving, or this device being told to leave.
type LeaveInd struct {
	ShortAddr mac.ShortAddr
	ExtAddr   mac.ExtAddr
	Rejoin    bool
	Self      bool
}

// NetworkStatusInd is NLME-NWK-STATUS.indication.
type NetworkStatusInd struct {
	Code NetworkStatusCode
	Addr mac.ShortAddr
}

// Counters are cumulative layer statistics.
type Counters struct {
	TxFrames          uint64 `json:"tx_frames"`
	TxFailures        uint64 `json:"tx_failures"`
	RxFrames          uint64 `json:"rx_frames"`
	Relayed           uint64 `json:"relayed"`
	BroadcastsRelayed uint64 `json:"broadcasts_relayed"`
	Duplicates        uint64 `json:"duplicates"`
	Dropped           uint64 `json:"dropped"`
	SecurityFailures  uint64 `json:"security_failures"`
	Replays           uint64 `json:"replays"`
	RouteFailures     uint64 `json:"route_failures"`
	Discoveries       uint64 `json:"discoveries"`
	AddressConflicts  uint64 `json:"address_conflicts"`
	PanIDConflicts    uint64 `json:"pan_id_conflicts"`
}

// Layer is one device's network layer. All methods must run on the
// environment's task manager.
type Layer struct {
	env    *sys.Env
	mac    mac.MAC
	store  pds.Store
	cfg    Config
	logger *slog.Logger

	nib NIB

	packets    *PacketManager
	btt        *sys.DuplicateTable
	addrMap    *AddressMap
	neighbors  *NeighborTable
	routes     *RoutingTable
	routeCache *RouteCache
	txDelay    *TxDelay
	sec        *SecurityMaterial
	conflict   *ConflictResolver
	netManager *NetworkManager
	discovery  *discoveryTable

	discoveries []*localDiscovery

	broadcasts []*broadcastTx
	join       *joinState
	macHandle  uint8

	permitTimer       *sys.Timer
	linkStatusTimer   *sys.Timer
	concentratorTimer *sys.Timer

	counters Counters

	handlerMu       sync.Mutex
	onDataInd       func(DataInd)
	onJoinInd       func(JoinInd)
	onLeaveInd      func(LeaveInd)
	onNetworkStatus func(NetworkStatusInd)
	onPanIDChanged  func(mac.PanID)
}

// New creates a network layer on radio. store may be nil.
func New(env *sys.Env, radio mac.MAC, store pds.Store, cfg Config, logger *slog.Logger) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Layer{
		env:    env,
		mac:    radio,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "nwk"),
	}
	l.nib = l.freshNIB()
	l.packets = NewPacketManager(env, cfg.Packets, cfg.MaxFrameSize)
	l.btt = sys.NewDuplicateTable(env, sys.DuplicateTableConfig{
		Size:         cfg.BTTSize,
		TTL:          cfg.BroadcastDeliveryTime,
		RemoveOldest: true,
	})
	l.addrMap = NewAddressMap(cfg.AddressMapSize)
	l.neighbors = NewNeighborTable(cfg.NeighborTableSize, cfg.NeighborAgeLimit)
	l.routes = NewRoutingTable(cfg.RoutingTableSize, cfg.FailOrder)
	l.routeCache = NewRouteCache(cfg.RouteCacheSize)
	l.txDelay = NewTxDelay(env, cfg.MaxBroadcastJitter)
	l.sec = NewSecurityMaterial(cfg.CounterPersistStep, l.persistOutCounter)
	l.conflict = newConflictResolver(env, l, cfg.ConflictRetries, cfg.ConflictRetryBackoff, l.logger)
	l.netManager = newNetworkManager(l)
	l.discovery = newDiscoveryTable(cfg.DiscoveryTableSize)

	l.permitTimer = sys.NewTimer(env, 0, sys.TimerOneShot, func() { l.setPermitJoining(false) })
	l.linkStatusTimer = sys.NewTimer(env, cfg.LinkStatusPeriod, sys.TimerRepeat, l.linkStatusTick)
	l.concentratorTimer = sys.NewTimer(env, cfg.ConcentratorInterval, sys.TimerRepeat, l.sendManyToOne)

	radio.OnDataInd(l.onMACData)
	radio.OnAssociateInd(l.onAssociateInd)
	return l, nil
}

func (l *Layer) freshNIB() NIB {
	return NIB{
		ExtAddr:     l.mac.ExtAddr(),
		ShortAddr:   mac.NoShortAddr,
		PanID:       mac.BroadcastPanID,
		DeviceType:  l.cfg.DeviceType,
		Parent:      mac.NoShortAddr,
		ManagerAddr: 0x0000,
		Seq:         uint8(l.env.Rand.UintN(256)),
	}
}

// OnDataInd registers the NLDE-DATA.indication handler.
func (l *Layer) OnDataInd(handler func(DataInd)) {
	l.handlerMu.Lock()
	l.onDataInd = handler
	l.handlerMu.Unlock()
}

// OnJoinInd registers the handler for devices joining through us.
func (l *Layer) OnJoinInd(handler func(JoinInd)) {
	l.handlerMu.Lock()
	l.onJoinInd = handler
	l.handlerMu.Unlock()
}

// OnLeaveInd registers the leave indication handler.
func (l *Layer) OnLeaveInd(handler func(LeaveInd)) {
	l.handlerMu.Lock()
	l.onLeaveInd = handler
	l.handlerMu.Unlock()
}

// OnNetworkStatus registers the NLME-NWK-STATUS.indication handler.
func (l *Layer) OnNetworkStatus(handler func(NetworkStatusInd)) {
	l.handlerMu.Lock()
	l.onNetworkStatus = handler
	l.handlerMu.Unlock()
}

// OnPanIDChanged registers a handler run after the PAN ID changes.
func (l *Layer) OnPanIDChanged(handler func(mac.PanID)) {
	l.handlerMu.Lock()
	l.onPanIDChanged = handler
	l.handlerMu.Unlock()
}

func (l *Layer) emitData(ind DataInd) {
	l.handlerMu.Lock()
	h := l.onDataInd
	l.handlerMu.Unlock()
	if h != nil {
		h(ind)
	}
}

func (l *Layer) emitJoin(ind JoinInd) {
	l.handlerMu.Lock()
	h := l.onJoinInd
	l.handlerMu.Unlock()
	if h != nil {
		h(ind)
	}
}

func (l *Layer) emitLeave(ind LeaveInd) {
	l.handlerMu.Lock()
	h := l.onLeaveInd
	l.handlerMu.Unlock()
	if h != nil {
		h(ind)
	}
}

func (l *Layer) emitStatus(ind NetworkStatusInd) {
	l.handlerMu.Lock()
	h := l.onNetworkStatus
	l.handlerMu.Unlock()
	if h != nil {
		h(ind)
	}
}

func (l *Layer) emitPanID(pan mac.PanID) {
	l.handlerMu.Lock()
	h := l.onPanIDChanged
	l.handlerMu.Unlock()
	if h != nil {
		h(pan)
	}
}

// NIB returns a copy of the network information base.
func (l *Layer) NIB() NIB { return l.nib }

// Config returns the layer configuration.
func (l *Layer) Config() Config { return l.cfg }

// Counters returns a copy of the statistics.
func (l *Layer) Counters() Counters { return l.counters }

// Security returns the network key material.
func (l *Layer) Security() *SecurityMaterial { return l.sec }

// Packets returns the packet pool.
func (l *Layer) Packets() *PacketManager { return l.packets }

// BTT returns the broadcast transaction table.
func (l *Layer) BTT() *sys.DuplicateTable { return l.btt }

// AddressMap returns the address map.
func (l *Layer) AddressMap() *AddressMap { return l.addrMap }

// Neighbors returns the neighbor table.
func (l *Layer) Neighbors() *NeighborTable { return l.neighbors }

// Routes returns the routing table.
func (l *Layer) Routes() *RoutingTable { return l.routes }

// RouteCache returns the concentrator's source route cache.
func (l *Layer) RouteCache() *RouteCache { return l.routeCache }

// ConflictResolver returns the address conflict resolver.
func (l *Layer) ConflictResolver() *ConflictResolver { return l.conflict }

// NetworkManager returns the PAN ID conflict manager.
func (l *Layer) NetworkManager() *NetworkManager { return l.netManager }

// IsRouter reports whether this device routes frames.
func (l *Layer) IsRouter() bool { return l.nib.DeviceType != EndDevice }

// ExtAddrOf returns the extended address known for short.
func (l *Layer) ExtAddrOf(short mac.ShortAddr) (mac.ExtAddr, bool) {
	if short == l.nib.ShortAddr {
		return l.nib.ExtAddr, true
	}
	if e := l.addrMap.FindByShort(short); e != nil {
		return e.Ext, true
	}
	if n := l.neighbors.FindByShort(short); n != nil && n.Ext != 0 {
		return n.Ext, true
	}
	return 0, false
}

// ShortAddrOf returns the short address known for ext.
func (l *Layer) ShortAddrOf(ext mac.ExtAddr) (mac.ShortAddr, bool) {
	if ext == l.nib.ExtAddr {
		return l.nib.ShortAddr, true
	}
	if e := l.addrMap.FindByExt(ext); e != nil {
		return e.Short, true
	}
	if n := l.neighbors.FindByExt(ext); n != nil {
		return n.Short, true
	}
	return mac.NoShortAddr, false
}

// AddAddress records a short/extended pair learned by an upper layer, for
// example from a device announcement, and runs conflict detection on it.
func (l *Layer) AddAddress(short mac.ShortAddr, ext mac.ExtAddr) {
	l.learnAddress(short, ext)
}

func (l *Layer) learnAddress(short mac.ShortAddr, ext mac.ExtAddr) {
	if ext == 0 || IsBroadcast(short) || short == mac.NoShortAddr {
		return
	}
	if short == l.nib.ShortAddr && ext != l.nib.ExtAddr && l.nib.Joined {
		l.counters.AddressConflicts++
		l.logger.Warn("own short address in use by another device",
			"addr", fmt.Sprintf("0x%04X", uint16(short)), "other", fmt.Sprintf("%016X", uint64(ext)))
		l.conflict.Resolve(short)
		return
	}
	if ext == l.nib.ExtAddr {
		return
	}
	if l.addrMap.Add(short, ext, false) == AddrConflict {
		l.counters.AddressConflicts++
		l.logger.Warn("address conflict detected",
			"addr", fmt.Sprintf("0x%04X", uint16(short)), "ext", fmt.Sprintf("%016X", uint64(ext)))
		if l.IsRouter() {
			l.conflict.Resolve(short)
		}
	}
}

func (l *Layer) nextSeq() uint8 {
	l.nib.Seq++
	return l.nib.Seq
}

func (l *Layer) nextMACHandle() uint8 {
	l.macHandle++
	return l.macHandle
}

// Reset clears every table and forgets the network. Keys are dropped too.
func (l *Layer) Reset() {
	l.stopTimers()
	l.resetTables()
	l.packets.Reset()
	l.sec.Reset()
	l.netManager.reset()
	if l.join != nil {
		l.join.timer.Stop()
		l.join = nil
	}
	l.nib = l.freshNIB()
}

func (l *Layer) stopTimers() {
	l.permitTimer.Stop()
	l.linkStatusTimer.Stop()
	l.concentratorTimer.Stop()
}

// startRouting arms the periodic router duties.
func (l *Layer) startRouting() {
	if !l.IsRouter() {
		return
	}
	l.linkStatusTimer.Start()
	if l.cfg.Concentrator && l.nib.DeviceType == Coordinator {
		l.concentratorTimer.Start()
		l.env.Tasks.Post(l.sendManyToOne)
	}
}

func (l *Layer) setMAC(attr mac.PIBAttr, value []byte, done func(mac.Status)) {
	l.mac.SetReq(&mac.SetReq{Attr: attr, Value: value, Confirm: func(s mac.Status) {
		if s != mac.StatusSuccess {
			l.logger.Warn("MAC set failed", "attr", attr.String(), "status", s.String())
		}
		if done != nil {
			done(s)
		}
	}})
}

func (l *Layer) drop(reason string, args ...any) {
	l.counters.Dropped++
	l.logger.Debug("frame dropped: "+reason, args...)
}

func (l *Layer) now() time.Time { return l.env.Clock.Now() }
