// Package aps implements the ZigBee application support sub-layer: the
// data service with duplicate rejection and acknowledgements, link-key
// security, and the key management commands a trust center uses to
// distribute and rotate keys.
package aps

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/nwk"
	"zigbee-go-stack/internal/pds"
	"zigbee-go-stack/internal/sys"
)

// maxPayload is the largest ASDU sent without fragmentation.
const maxPayload = 82

// AddrMode is the destination addressing mode of a data request.
type AddrMode uint8

const (
	AddrModeGroup AddrMode = 0x01
	AddrModeShort AddrMode = 0x02
	AddrModeExt   AddrMode = 0x03
)

// DataReq is APSDE-DATA.request.
type DataReq struct {
	DstMode     AddrMode
	DstShort    mac.ShortAddr
	DstExt      mac.ExtAddr
	GroupID     uint16
	DstEndpoint uint8
	ProfileID   uint16
	ClusterID   uint16
	SrcEndpoint uint8
	Payload     []byte
	// AckRequest asks the destination for an APS acknowledgement. Only
	// unicast frames are acknowledged.
	AckRequest bool
	// Secure protects the frame with the link key shared with the
	// destination.
	Secure  bool
	Radius  uint8
	Confirm func(DataConf)
}

// DataConf is APSDE-DATA.confirm.
type DataConf struct {
	Status      Status
	DstShort    mac.ShortAddr
	DstEndpoint uint8
	SrcEndpoint uint8
}

// DataInd is APSDE-DATA.indication.
type DataInd struct {
	SrcShort    mac.ShortAddr
	SrcExt      mac.ExtAddr
	SrcEndpoint uint8
	DstShort    mac.ShortAddr
	DstEndpoint uint8
	Delivery    DeliveryMode
	GroupID     uint16
	ProfileID   uint16
	ClusterID   uint16
	Payload     []byte
	LinkQuality uint8
	// Secured is true for frames protected with a link key.
	Secured    bool
	NwkSecured bool
}

// Counters are cumulative layer statistics.
type Counters struct {
	TxFrames         uint64 `json:"tx_frames"`
	RxFrames         uint64 `json:"rx_frames"`
	Duplicates       uint64 `json:"duplicates"`
	Dropped          uint64 `json:"dropped"`
	SecurityFailures uint64 `json:"security_failures"`
	Replays          uint64 `json:"replays"`
	AckTimeouts      uint64 `json:"ack_timeouts"`
	Retries          uint64 `json:"retries"`
	Tunneled         uint64 `json:"tunneled"`
	KeysTransported  uint64 `json:"keys_transported"`
}

type groupMember struct {
	group    uint16
	endpoint uint8
}

// Layer is one device's APS. All methods must run on the environment's
// task manager.
type Layer struct {
	env    *sys.Env
	nwk    *nwk.Layer
	store  pds.Store
	cfg    Config
	logger *slog.Logger

	keys    *KeyPairSet
	dup     *sys.DuplicateTable
	engine  *sys.Mutex
	groups  []groupMember
	acks    []*pendingAck
	counter uint8
	tcAddr  mac.ExtAddr

	counters Counters

	handlerMu      sync.Mutex
	endpoints      map[uint8]func(DataInd)
	onTransportKey func(TransportKeyInd)
	onUpdateDevice func(UpdateDeviceInd)
	onRemoveDevice func(RemoveDeviceInd)
	onRequestKey   func(RequestKeyInd)
	onSwitchKey    func(SwitchKeyInd)
}

// New creates the APS on top of n and takes over its data indications.
// store may be nil.
func New(env *sys.Env, n *nwk.Layer, store pds.Store, cfg Config, logger *slog.Logger) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Layer{
		env:       env,
		nwk:       n,
		store:     store,
		cfg:       cfg,
		logger:    logger.With("component", "aps"),
		engine:    sys.NewMutex(env),
		counter:   uint8(env.Rand.UintN(256)),
		tcAddr:    cfg.TrustCenter,
		endpoints: make(map[uint8]func(DataInd)),
	}
	l.keys = NewKeyPairSet(cfg.KeyPairSetSize, cfg.CounterPersistStep, l.saveKeys)
	l.dup = sys.NewDuplicateTable(env, sys.DuplicateTableConfig{
		Size:         cfg.DuplicateTableSize,
		TTL:          cfg.DuplicateTTL,
		RemoveOldest: true,
	})
	n.OnDataInd(l.onNwkData)
	return l, nil
}

// RegisterEndpoint routes data frames addressed to ep to handler. A nil
// handler removes the endpoint.
func (l *Layer) RegisterEndpoint(ep uint8, handler func(DataInd)) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	if handler == nil {
		delete(l.endpoints, ep)
		return
	}
	l.endpoints[ep] = handler
}

// OnTransportKey registers the APSME-TRANSPORT-KEY.indication handler.
func (l *Layer) OnTransportKey(handler func(TransportKeyInd)) {
	l.handlerMu.Lock()
	l.onTransportKey = handler
	l.handlerMu.Unlock()
}

// OnUpdateDevice registers the APSME-UPDATE-DEVICE.indication handler.
func (l *Layer) OnUpdateDevice(handler func(UpdateDeviceInd)) {
	l.handlerMu.Lock()
	l.onUpdateDevice = handler
	l.handlerMu.Unlock()
}

// OnRemoveDevice registers the APSME-REMOVE-DEVICE.indication handler.
func (l *Layer) OnRemoveDevice(handler func(RemoveDeviceInd)) {
	l.handlerMu.Lock()
	l.onRemoveDevice = handler
	l.handlerMu.Unlock()
}

// OnRequestKey registers the APSME-REQUEST-KEY.indication handler.
func (l *Layer) OnRequestKey(handler func(RequestKeyInd)) {
	l.handlerMu.Lock()
	l.onRequestKey = handler
	l.handlerMu.Unlock()
}

// OnSwitchKey registers the APSME-SWITCH-KEY.indication handler.
func (l *Layer) OnSwitchKey(handler func(SwitchKeyInd)) {
	l.handlerMu.Lock()
	l.onSwitchKey = handler
	l.handlerMu.Unlock()
}

type endpointHandler struct {
	ep      uint8
	handler func(DataInd)
}

func (l *Layer) endpointHandlers(eps []uint8) []endpointHandler {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	var out []endpointHandler
	for _, ep := range eps {
		if h := l.endpoints[ep]; h != nil {
			out = append(out, endpointHandler{ep: ep, handler: h})
		}
	}
	return out
}

func (l *Layer) allEndpoints() []uint8 {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	eps := make([]uint8, 0, len(l.endpoints))
	for ep := range l.endpoints {
		eps = append(eps, ep)
	}
	slices.Sort(eps)
	return eps
}

// AddGroup adds endpoint to group.
func (l *Layer) AddGroup(group uint16, endpoint uint8) Status {
	for _, m := range l.groups {
		if m.group == group && m.endpoint == endpoint {
			return StatusSuccess
		}
	}
	if len(l.groups) >= l.cfg.GroupTableSize {
		return StatusTableFull
	}
	l.groups = append(l.groups, groupMember{group: group, endpoint: endpoint})
	return StatusSuccess
}

// RemoveGroup removes endpoint from group.
func (l *Layer) RemoveGroup(group uint16, endpoint uint8) Status {
	for i, m := range l.groups {
		if m.group == group && m.endpoint == endpoint {
			l.groups = append(l.groups[:i], l.groups[i+1:]...)
			return StatusSuccess
		}
	}
	return StatusInvalidGroup
}

func (l *Layer) groupEndpoints(group uint16) []uint8 {
	var eps []uint8
	for _, m := range l.groups {
		if m.group == group {
			eps = append(eps, m.endpoint)
		}
	}
	return eps
}

// Keys returns the key-pair set.
func (l *Layer) Keys() *KeyPairSet { return l.keys }

// TrustCenter returns the trust center address, zero if not yet known.
func (l *Layer) TrustCenter() mac.ExtAddr { return l.tcAddr }

// IsTrustCenter reports whether this device is the trust center.
func (l *Layer) IsTrustCenter() bool {
	return l.tcAddr != 0 && l.tcAddr == l.nwk.NIB().ExtAddr
}

// Counters returns the layer statistics.
func (l *Layer) Counters() Counters { return l.counters }

// NWK returns the network layer below.
func (l *Layer) NWK() *nwk.Layer { return l.nwk }

func (l *Layer) nextCounter() uint8 {
	l.counter++
	return l.counter
}

func (l *Layer) ownExt() mac.ExtAddr { return l.nwk.NIB().ExtAddr }

// Reset forgets the network: duplicate state, pending acknowledgements,
// the learned trust center and every link key except the preconfigured
// trust center key.
func (l *Layer) Reset() {
	l.dup.Clear()
	for _, a := range l.acks {
		a.timer.Stop()
	}
	l.acks = nil
	l.keys.Reset()
	l.tcAddr = l.cfg.TrustCenter
	if l.store != nil {
		if err := l.store.Delete(pds.MemApsKeyPairs); err != nil {
			l.logger.Error("delete key pairs", "err", err)
		}
	}
}

func (l *Layer) drop(reason string, args ...any) {
	l.counters.Dropped++
	l.logger.Debug("frame dropped", append([]any{"reason", reason}, args...)...)
}

func addrAttr(a mac.ShortAddr) string { return fmt.Sprintf("0x%04X", uint16(a)) }

func extAttr(e mac.ExtAddr) string { return fmt.Sprintf("%016X", uint64(e)) }
