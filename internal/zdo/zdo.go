// Package zdo implements the ZigBee device object. It starts, leaves and
// rejoins the network on behalf of the application and announces the
// device. On the trust center it distributes and rotates the network key.
package zdo

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zigbee-go-stack/internal/aps"
	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/nwk"
	"zigbee-go-stack/internal/pds"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/sys"
)

var (
	ErrBusy           = errors.New("zdo: another network operation is in progress")
	ErrNotRunning     = errors.New("zdo: not on a network")
	ErrNotTrustCenter = errors.New("zdo: not the trust center")
	ErrAuthTimeout    = errors.New("zdo: no network key received")
	ErrNoNetworkKey   = errors.New("zdo: no active network key")
)

// State is the device's network state.
type State uint8

const (
	StateIdle State = iota
	StateStarting
	// StateAuthenticating waits for the network key after joining.
	StateAuthenticating
	StateRunning
	StateLeaving
	StateRejoining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateAuthenticating:
		return "authenticating"
	case StateRunning:
		return "running"
	case StateLeaving:
		return "leaving"
	case StateRejoining:
		return "rejoining"
	default:
		return fmt.Sprintf("state_%d", uint8(s))
	}
}

// Config holds ZDO tunables.
type Config struct {
	// NetworkKey is the first network key of a trust center; zero draws a
	// random one.
	NetworkKey security.Key
	// PermitJoinDuration opens the network after start, in seconds. 0
	// keeps it closed and 0xFF opens it until closed.
	PermitJoinDuration uint8
	// AuthTimeout bounds the wait for the network key after a join.
	AuthTimeout time.Duration
	// SwitchKeyDelay separates network key distribution from the switch
	// command during a key rotation.
	SwitchKeyDelay time.Duration
	// MaxDevices bounds the trust center's device list.
	MaxDevices int
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:    10 * time.Second,
		SwitchKeyDelay: 9 * time.Second,
		MaxDevices:     64,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.AuthTimeout <= 0 || c.SwitchKeyDelay < 0 {
		return fmt.Errorf("zdo config: invalid timeouts")
	}
	if c.MaxDevices <= 0 {
		return fmt.Errorf("zdo config: max devices must be positive")
	}
	return nil
}

// Node is a device known to the trust center.
type Node struct {
	ExtAddr    mac.ExtAddr    `json:"ext_addr"`
	ShortAddr  mac.ShortAddr  `json:"short_addr"`
	Parent     mac.ShortAddr  `json:"parent"`
	Capability mac.Capability `json:"capability"`
	// Authorized is set once the network key was delivered.
	Authorized bool      `json:"authorized"`
	LastSeen   time.Time `json:"last_seen"`
}

// DeviceLeft reports a device leaving the network.
type DeviceLeft struct {
	ExtAddr   mac.ExtAddr
	ShortAddr mac.ShortAddr
	Rejoin    bool
}

// Layer is one device's ZDO. All methods must run on the environment's
// task manager.
type Layer struct {
	env    *sys.Env
	nwk    *nwk.Layer
	aps    *aps.Layer
	store  pds.Store
	cfg    Config
	logger *slog.Logger

	state     State
	seq       uint8
	pending   func(error)
	authTimer *sys.Timer
	// rejoinDone completes a Rejoin once the leave with rejoin is done.
	rejoinDone func(error)

	devices  map[mac.ExtAddr]*Node
	rotation *rotation

	handlerMu      sync.Mutex
	onState        func(State)
	onAnnounce     func(DeviceAnnounce)
	onJoined       func(Node)
	onLeft         func(DeviceLeft)
	onKeySwitched  func(uint8)
	onNetworkState func(nwk.NetworkStatusInd)
}

// New creates the ZDO over n and a and takes over their management
// indications. store may be nil.
func New(env *sys.Env, n *nwk.Layer, a *aps.Layer, store pds.Store, cfg Config, logger *slog.Logger) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Layer{
		env:     env,
		nwk:     n,
		aps:     a,
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "zdo"),
		seq:     uint8(env.Rand.UintN(256)),
		devices: make(map[mac.ExtAddr]*Node),
	}
	l.authTimer = sys.NewTimer(env, cfg.AuthTimeout, sys.TimerOneShot, l.authTimeout)

	n.OnJoinInd(l.onNwkJoin)
	n.OnLeaveInd(l.onNwkLeave)
	n.OnNetworkStatus(l.onNwkStatus)
	a.RegisterEndpoint(zdpEndpoint, l.onZDP)
	a.OnTransportKey(l.onTransportKey)
	a.OnUpdateDevice(l.onUpdateDevice)
	a.OnRemoveDevice(l.onRemoveDevice)
	a.OnRequestKey(l.onRequestKey)
	a.OnSwitchKey(l.onSwitchKey)
	return l, nil
}

// OnStateChanged registers a handler for state transitions.
func (l *Layer) OnStateChanged(handler func(State)) {
	l.handlerMu.Lock()
	l.onState = handler
	l.handlerMu.Unlock()
}

// OnDeviceAnnounce registers a handler for received device announcements.
func (l *Layer) OnDeviceAnnounce(handler func(DeviceAnnounce)) {
	l.handlerMu.Lock()
	l.onAnnounce = handler
	l.handlerMu.Unlock()
}

// OnDeviceJoined registers a handler for devices joining through this
// device or, on the trust center, anywhere in the network.
func (l *Layer) OnDeviceJoined(handler func(Node)) {
	l.handlerMu.Lock()
	l.onJoined = handler
	l.handlerMu.Unlock()
}

// OnDeviceLeft registers a handler for devices leaving.
func (l *Layer) OnDeviceLeft(handler func(DeviceLeft)) {
	l.handlerMu.Lock()
	l.onLeft = handler
	l.handlerMu.Unlock()
}

// OnKeySwitched registers a handler called with the sequence number of
// each network key that becomes active.
func (l *Layer) OnKeySwitched(handler func(uint8)) {
	l.handlerMu.Lock()
	l.onKeySwitched = handler
	l.handlerMu.Unlock()
}

// OnNetworkStatus registers a handler for NWK status indications.
func (l *Layer) OnNetworkStatus(handler func(nwk.NetworkStatusInd)) {
	l.handlerMu.Lock()
	l.onNetworkState = handler
	l.handlerMu.Unlock()
}

// State returns the network state.
func (l *Layer) State() State { return l.state }

// Devices returns the trust center's device list ordered by address.
func (l *Layer) Devices() []Node {
	out := make([]Node, 0, len(l.devices))
	for _, ext := range l.sortedDevices() {
		out = append(out, *l.devices[ext])
	}
	return out
}

func (l *Layer) setState(s State) {
	if l.state == s {
		return
	}
	l.logger.Info("state changed", "from", l.state.String(), "to", s.String())
	l.state = s
	l.handlerMu.Lock()
	h := l.onState
	l.handlerMu.Unlock()
	if h != nil {
		h(s)
	}
}

func (l *Layer) emitJoined(n Node) {
	l.handlerMu.Lock()
	h := l.onJoined
	l.handlerMu.Unlock()
	if h != nil {
		h(n)
	}
}

func (l *Layer) emitLeft(ind DeviceLeft) {
	l.handlerMu.Lock()
	h := l.onLeft
	l.handlerMu.Unlock()
	if h != nil {
		h(ind)
	}
}

func (l *Layer) emitKeySwitched(seq uint8) {
	l.handlerMu.Lock()
	h := l.onKeySwitched
	l.handlerMu.Unlock()
	if h != nil {
		h(seq)
	}
}

func (l *Layer) onNwkStatus(ind nwk.NetworkStatusInd) {
	if ind.Code == nwk.NetStatusParentLinkFailure && !l.nwk.IsRouter() && l.state == StateRunning {
		l.logger.Warn("parent lost, rejoining", "parent", addrAttr(ind.Addr))
		l.Rejoin(nil)
	}
	l.handlerMu.Lock()
	h := l.onNetworkState
	l.handlerMu.Unlock()
	if h != nil {
		h(ind)
	}
}

func (l *Layer) securityEnabled() bool { return l.nwk.Config().SecurityEnabled }

func (l *Layer) randomKey() security.Key {
	var k security.Key
	for i := range k {
		k[i] = byte(l.env.Rand.UintN(256))
	}
	return k
}

func (l *Layer) nextSeq() uint8 {
	l.seq++
	return l.seq
}

func addrAttr(a mac.ShortAddr) string { return fmt.Sprintf("0x%04X", uint16(a)) }

func extAttr(e mac.ExtAddr) string { return fmt.Sprintf("%016X", uint64(e)) }
