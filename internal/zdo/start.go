package zdo

import (
	"fmt"

	"zigbee-go-stack/internal/aps"
	"zigbee-go-stack/internal/nwk"
)

func (l *Layer) postDone(done func(error)) func(error) {
	return func(err error) {
		if done != nil {
			l.env.Tasks.Post(func() { done(err) })
		}
	}
}

// StartNetwork brings the device onto a network. A coordinator forms one
// and installs the first network key; other devices join and wait for
// the trust center to deliver the key, then announce themselves. A
// network restored from persistent data is resumed as is.
func (l *Layer) StartNetwork(done func(error)) {
	finish := l.postDone(done)
	if l.state != StateIdle {
		finish(ErrBusy)
		return
	}
	nib := l.nwk.NIB()
	if nib.Joined {
		l.logger.Info("resuming network", "addr", addrAttr(nib.ShortAddr))
		l.running(nib.DeviceType != nwk.Coordinator, finish)
		return
	}
	l.setState(StateStarting)
	if nib.DeviceType == nwk.Coordinator {
		l.form(finish)
		return
	}
	l.join(false, finish)
}

func (l *Layer) form(done func(error)) {
	l.nwk.FormReq(&nwk.FormReq{Confirm: func(s nwk.Status) {
		if s != nwk.StatusSuccess {
			l.setState(StateIdle)
			done(fmt.Errorf("form network: %w", s.Err()))
			return
		}
		if l.securityEnabled() {
			if _, ok := l.nwk.Security().Active(); !ok {
				key := l.cfg.NetworkKey
				if key.IsZero() {
					key = l.randomKey()
				}
				l.nwk.SetNetworkKey(0, key)
			}
		}
		l.running(false, done)
	}})
}

func (l *Layer) join(rejoin bool, done func(error)) {
	l.nwk.JoinReq(&nwk.JoinReq{ExtPanID: l.nwk.Config().ExtPanID, Rejoin: rejoin, Confirm: func(c nwk.JoinConf) {
		if c.Status != nwk.StatusSuccess {
			l.setState(StateIdle)
			done(fmt.Errorf("join network: %w", c.Status.Err()))
			return
		}
		_, hasKey := l.nwk.Security().Active()
		if !l.securityEnabled() || (rejoin && hasKey) {
			l.running(true, done)
			return
		}
		l.setState(StateAuthenticating)
		l.pending = done
		l.authTimer.Start()
	}})
}

// running completes a start, rejoin or authentication.
func (l *Layer) running(announce bool, done func(error)) {
	l.setState(StateRunning)
	if l.nwk.IsRouter() && l.cfg.PermitJoinDuration != 0 {
		l.nwk.PermitJoiningReq(l.cfg.PermitJoinDuration, nil)
	}
	if announce {
		l.announce()
	}
	done(nil)
}

func (l *Layer) onTransportKey(ind aps.TransportKeyInd) {
	if ind.KeyType != aps.KeyTypeNetwork || l.state != StateAuthenticating {
		return
	}
	l.authTimer.Stop()
	done := l.pending
	l.pending = nil
	l.logger.Info("authenticated", "trust_center", extAttr(ind.SrcExt), "seq", ind.Seq)
	l.running(true, done)
}

// authTimeout gives up on a join that never received the network key.
func (l *Layer) authTimeout() {
	if l.state != StateAuthenticating {
		return
	}
	l.logger.Warn("no network key from trust center", "timeout", l.cfg.AuthTimeout)
	done := l.pending
	l.pending = nil
	l.nwk.Reset()
	l.aps.Reset()
	l.setState(StateIdle)
	done(ErrAuthTimeout)
}

// LeaveNetwork leaves the network and forgets it.
func (l *Layer) LeaveNetwork(done func(error)) {
	finish := l.postDone(done)
	switch l.state {
	case StateRunning, StateAuthenticating:
	default:
		finish(ErrNotRunning)
		return
	}
	l.abortPending(ErrNotRunning)
	l.setState(StateLeaving)
	l.nwk.LeaveReq(&nwk.LeaveReq{Confirm: func(s nwk.Status) {
		finish(s.Err())
	}})
}

// Rejoin rejoins the network held in the NIB through the rejoin command,
// keeping the network key when one is held. A device still on the network
// first leaves it with the rejoin flag set.
func (l *Layer) Rejoin(done func(error)) {
	finish := l.postDone(done)
	switch {
	case l.state == StateRunning:
		l.setState(StateRejoining)
		l.rejoinDone = finish
		l.nwk.LeaveReq(&nwk.LeaveReq{Rejoin: true})
	case l.state != StateIdle:
		finish(ErrBusy)
	case l.nwk.NIB().ExtPanID == 0:
		finish(ErrNotRunning)
	default:
		l.setState(StateRejoining)
		l.join(true, finish)
	}
}

func (l *Layer) abortPending(err error) {
	l.authTimer.Stop()
	if l.pending != nil {
		done := l.pending
		l.pending = nil
		done(err)
	}
}

func (l *Layer) onNwkLeave(ind nwk.LeaveInd) {
	if ind.Self {
		if ind.Rejoin {
			done := l.rejoinDone
			l.rejoinDone = nil
			if done == nil {
				done = l.postDone(nil)
			}
			l.abortPending(ErrNotRunning)
			l.setState(StateRejoining)
			l.join(true, done)
			return
		}
		l.abortPending(ErrNotRunning)
		l.aps.Reset()
		l.clearDevices()
		l.setState(StateIdle)
		return
	}
	l.deviceLeft(ind)
}
