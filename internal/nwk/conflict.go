package nwk

import (
	"fmt"
	"log/slog"
	"time"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/sys"
)

// ConflictState is the address conflict resolver state.
type ConflictState uint8

const (
	ConflictIdle ConflictState = iota
	ConflictBegin
	ConflictMACSet
	ConflictRejoin
	ConflictSendStatus
	ConflictResolving
)

func (s ConflictState) String() string {
	switch s {
	case ConflictIdle:
		return "idle"
	case ConflictBegin:
		return "begin"
	case ConflictMACSet:
		return "mac_set"
	case ConflictRejoin:
		return "rejoin"
	case ConflictSendStatus:
		return "send_status"
	case ConflictResolving:
		return "resolving"
	default:
		return "unknown"
	}
}

// conflictReq is the in-flight request of the resolver. Exactly one
// variant is live per state.
type conflictReq interface{ conflictReq() }

type conflictMACSet struct {
	addr    mac.ShortAddr
	attempt int
}

type conflictRejoin struct{}

type conflictStatus struct {
	code NetworkStatusCode
	addr mac.ShortAddr
}

func (conflictMACSet) conflictReq() {}
func (conflictRejoin) conflictReq() {}
func (conflictStatus) conflictReq() {}

// conflictHost is what the resolver needs from the layer.
type conflictHost interface {
	shortAddr() mac.ShortAddr
	deviceType() DeviceType
	newStochasticAddr() mac.ShortAddr
	setShortAddr(addr mac.ShortAddr, done func(mac.Status))
	sendNetworkStatus(code NetworkStatusCode, addr mac.ShortAddr, done func(Status))
	rejoinNetwork(done func(Status))
	conflictResolved(addr mac.ShortAddr, newAddr mac.ShortAddr)
}

// ConflictResolver resolves one short address conflict at a time.
type ConflictResolver struct {
	env     *sys.Env
	host    conflictHost
	logger  *slog.Logger
	retries int
	backoff time.Duration

	state   ConflictState
	addr    mac.ShortAddr
	local   bool
	req     conflictReq
	newAddr mac.ShortAddr
	timer   *sys.Timer
}

func newConflictResolver(env *sys.Env, host conflictHost, retries int, backoff time.Duration, logger *slog.Logger) *ConflictResolver {
	r := &ConflictResolver{
		env:     env,
		host:    host,
		logger:  logger.With("component", "conflict"),
		retries: retries,
		backoff: backoff,
	}
	r.timer = sys.NewTimer(env, backoff, sys.TimerOneShot, r.retryMACSet)
	return r
}

// State returns the current state.
func (r *ConflictResolver) State() ConflictState { return r.state }

// Resolve starts resolving a conflict on addr. It returns false, dropping
// the request, when a resolution is already in progress.
func (r *ConflictResolver) Resolve(addr mac.ShortAddr) bool {
	if r.state != ConflictIdle {
		r.logger.Debug("conflict dropped, resolver busy",
			"addr", fmt.Sprintf("0x%04X", uint16(addr)), "state", r.state.String())
		return false
	}
	r.state = ConflictBegin
	r.addr = addr
	r.local = addr == r.host.shortAddr()
	r.newAddr = addr
	r.logger.Info("resolving address conflict",
		"addr", fmt.Sprintf("0x%04X", uint16(addr)), "local", r.local)
	r.env.Tasks.Post(r.begin)
	return true
}

func (r *ConflictResolver) begin() {
	if r.state != ConflictBegin {
		return
	}
	switch {
	case r.local && r.host.deviceType() == EndDevice:
		r.state = ConflictRejoin
		r.req = conflictRejoin{}
		r.host.rejoinNetwork(r.rejoinDone)
	case r.local:
		r.state = ConflictMACSet
		r.req = conflictMACSet{addr: r.host.newStochasticAddr()}
		r.issueMACSet()
	default:
		r.sendStatus(NetStatusAddressConflict, r.addr)
	}
}

func (r *ConflictResolver) issueMACSet() {
	req, ok := r.req.(conflictMACSet)
	if !ok {
		r.env.Fatal.Raise(sys.FatalStateMachine, "conflict: MAC set without request")
		return
	}
	r.host.setShortAddr(req.addr, func(s mac.Status) {
		if r.state != ConflictMACSet {
			return
		}
		if s == mac.StatusSuccess {
			r.newAddr = req.addr
			r.sendStatus(NetStatusNetworkAddressUpdate, req.addr)
			return
		}
		req.attempt++
		r.req = req
		if req.attempt < r.retries {
			r.logger.Warn("address change failed, retrying", "status", s.String(), "attempt", req.attempt)
			r.timer.StartAfter(r.backoff)
			return
		}
		r.logger.Warn("address change failed, reporting conflict", "status", s.String())
		r.sendStatus(NetStatusAddressConflict, r.addr)
	})
}

func (r *ConflictResolver) retryMACSet() {
	if r.state == ConflictMACSet {
		r.issueMACSet()
	}
}

func (r *ConflictResolver) rejoinDone(s Status) {
	if r.state != ConflictRejoin {
		return
	}
	if s != StatusSuccess {
		r.logger.Warn("rejoin after conflict failed", "status", s.String())
	}
	r.newAddr = r.host.shortAddr()
	r.finish()
}

func (r *ConflictResolver) sendStatus(code NetworkStatusCode, addr mac.ShortAddr) {
	r.state = ConflictSendStatus
	r.req = conflictStatus{code: code, addr: addr}
	r.host.sendNetworkStatus(code, addr, func(s Status) {
		if r.state != ConflictSendStatus {
			return
		}
		if s != StatusSuccess {
			r.logger.Debug("conflict status broadcast failed", "status", s.String())
		}
		r.finish()
	})
}

func (r *ConflictResolver) finish() {
	r.state = ConflictResolving
	r.req = nil
	r.host.conflictResolved(r.addr, r.newAddr)
	r.logger.Info("address conflict resolved",
		"addr", fmt.Sprintf("0x%04X", uint16(r.addr)),
		"new_addr", fmt.Sprintf("0x%04X", uint16(r.newAddr)))
	r.state = ConflictIdle
}

// Reset abandons any resolution in progress.
func (r *ConflictResolver) Reset() {
	r.timer.Stop()
	r.state = ConflictIdle
	r.req = nil
}

// The layer hosts the resolver.

func (l *Layer) shortAddr() mac.ShortAddr { return l.nib.ShortAddr }

func (l *Layer) deviceType() DeviceType { return l.nib.DeviceType }

func (l *Layer) setShortAddr(addr mac.ShortAddr, done func(mac.Status)) {
	l.setMAC(mac.PIBShortAddress, mac.U16(uint16(addr)), func(s mac.Status) {
		if s == mac.StatusSuccess {
			l.nib.ShortAddr = addr
			l.saveNetworkParams()
		}
		done(s)
	})
}

func (l *Layer) sendNetworkStatus(code NetworkStatusCode, addr mac.ShortAddr, done func(Status)) {
	l.sendCommand(BroadcastRxOnWhenIdle, 0, &NetworkStatus{Code: code, Dst: addr}, true, done)
}

// rejoinNetwork drops our conflicted address and rejoins through the
// best router in range.
func (l *Layer) rejoinNetwork(done func(Status)) {
	l.stopTimers()
	l.nib.Joined = false
	l.JoinReq(&JoinReq{Rejoin: true, Confirm: func(c JoinConf) { done(c.Status) }})
}

func (l *Layer) conflictResolved(addr, newAddr mac.ShortAddr) {
	l.addrMap.ClearConflict(addr)
	if addr != newAddr && newAddr == l.nib.ShortAddr {
		// Upper layers announce the new address.
		l.emitStatus(NetworkStatusInd{Code: NetStatusNetworkAddressUpdate, Addr: newAddr})
	}
}
