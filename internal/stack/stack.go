// Package stack assembles one ZigBee device from its layers. All layer
// state belongs to the goroutine running the task manager; other
// goroutines reach it through Do and the blocking helpers built on it.
package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zigbee-go-stack/internal/aps"
	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/nwk"
	"zigbee-go-stack/internal/pds"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/sys"
	"zigbee-go-stack/internal/zdo"
)

// Stack is one device: NWK, APS and ZDO over a MAC, persisted to a PDS
// store.
type Stack struct {
	env    *sys.Env
	radio  mac.MAC
	store  pds.Store
	cfg    Config
	logger *slog.Logger
	events *EventBus

	nwk *nwk.Layer
	aps *aps.Layer
	zdo *zdo.Layer

	restored bool
}

// New wires the layers of a device on env. store may be nil for a device
// without persistence.
func New(env *sys.Env, radio mac.MAC, store pds.Store, cfg Config, logger *slog.Logger) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TrustCenter {
		cfg.APS.TrustCenter = radio.ExtAddr()
	}
	logger = logger.With("ext", radio.ExtAddr().String())

	n, err := nwk.New(env, radio, store, cfg.NWK, logger)
	if err != nil {
		return nil, fmt.Errorf("create nwk: %w", err)
	}
	a, err := aps.New(env, n, store, cfg.APS, logger)
	if err != nil {
		return nil, fmt.Errorf("create aps: %w", err)
	}
	z, err := zdo.New(env, n, a, store, cfg.ZDO, logger)
	if err != nil {
		return nil, fmt.Errorf("create zdo: %w", err)
	}

	s := &Stack{
		env:    env,
		radio:  radio,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "stack"),
		events: NewEventBus(logger),
		nwk:    n,
		aps:    a,
		zdo:    z,
	}
	s.registerIndicationHandlers()
	env.Fatal.Subscribe(s.onFatal)
	return s, nil
}

// Events returns the event bus.
func (s *Stack) Events() *EventBus { return s.events }

// Env returns the environment the stack runs on.
func (s *Stack) Env() *sys.Env { return s.env }

// ExtAddr returns the device's extended address.
func (s *Stack) ExtAddr() mac.ExtAddr { return s.radio.ExtAddr() }

// Config returns the configuration the stack was built with.
func (s *Stack) Config() Config { return s.cfg }

// NWK returns the network layer. Use it on the stack goroutine only.
func (s *Stack) NWK() *nwk.Layer { return s.nwk }

// APS returns the application support layer. Use it on the stack
// goroutine only.
func (s *Stack) APS() *aps.Layer { return s.aps }

// ZDO returns the device object. Use it on the stack goroutine only.
func (s *Stack) ZDO() *zdo.Layer { return s.zdo }

func (s *Stack) registerIndicationHandlers() {
	s.zdo.OnStateChanged(func(st zdo.State) {
		nib := s.nwk.NIB()
		s.emit(EventNetworkState, NetworkStateEvent{
			State:     st.String(),
			ShortAddr: nib.ShortAddr.String(),
			PanID:     nib.PanID.String(),
			Channel:   nib.Channel,
		})
		if st == zdo.StateRunning {
			s.persist()
		}
	})
	s.zdo.OnDeviceJoined(func(n zdo.Node) {
		s.emit(EventDeviceJoined, DeviceEvent{
			ExtAddr:   n.ExtAddr.String(),
			ShortAddr: n.ShortAddr.String(),
			Parent:    n.Parent.String(),
		})
	})
	s.zdo.OnDeviceLeft(func(d zdo.DeviceLeft) {
		s.emit(EventDeviceLeft, DeviceEvent{
			ExtAddr:   d.ExtAddr.String(),
			ShortAddr: d.ShortAddr.String(),
			Rejoin:    d.Rejoin,
		})
	})
	s.zdo.OnDeviceAnnounce(func(a zdo.DeviceAnnounce) {
		s.emit(EventDeviceAnnounce, DeviceEvent{
			ExtAddr:   a.ExtAddr.String(),
			ShortAddr: a.ShortAddr.String(),
		})
	})
	s.zdo.OnKeySwitched(func(seq uint8) {
		s.emit(EventKeySwitched, KeySwitchedEvent{Seq: seq})
		s.persist()
	})
	s.zdo.OnNetworkStatus(func(ind nwk.NetworkStatusInd) {
		s.emit(EventNetworkStatus, NetworkStatusEvent{
			Code: ind.Code.String(),
			Addr: ind.Addr.String(),
		})
	})
	s.nwk.OnPanIDChanged(func(pan mac.PanID) {
		s.emit(EventPanIDChanged, PanIDChangedEvent{PanID: pan.String()})
		s.persist()
	})
}

func (s *Stack) emit(typ string, data any) {
	s.events.Emit(Event{Type: typ, Time: s.env.Clock.Now(), Data: data})
}

// RegisterEndpoint serves an application endpoint. Received frames are
// published as data events and passed to handler, which may be nil.
func (s *Stack) RegisterEndpoint(ep uint8, handler func(aps.DataInd)) {
	s.aps.RegisterEndpoint(ep, func(ind aps.DataInd) {
		s.emit(EventData, DataEvent{
			SrcAddr:     ind.SrcShort.String(),
			SrcEndpoint: ind.SrcEndpoint,
			DstEndpoint: ind.DstEndpoint,
			ProfileID:   ind.ProfileID,
			ClusterID:   ind.ClusterID,
			Payload:     ind.Payload,
			Secured:     ind.Secured,
		})
		if handler != nil {
			handler(ind)
		}
	})
}

// StartNetwork restores persisted state on the first call, then starts
// the ZDO. It must run on the stack goroutine.
func (s *Stack) StartNetwork(done func(error)) {
	if !s.restored {
		s.restored = true
		if err := s.restore(); err != nil {
			s.env.Tasks.Post(func() { done(err) })
			return
		}
	}
	s.zdo.StartNetwork(done)
}

func (s *Stack) restore() error {
	ok, err := s.nwk.Restore()
	if err != nil {
		return fmt.Errorf("restore nwk: %w", err)
	}
	if !ok {
		s.logger.Info("no stored network")
		return nil
	}
	if _, err := s.aps.Restore(); err != nil {
		return fmt.Errorf("restore aps: %w", err)
	}
	if _, err := s.zdo.Restore(); err != nil {
		return fmt.Errorf("restore zdo: %w", err)
	}
	nib := s.nwk.NIB()
	s.logger.Info("network restored",
		"addr", nib.ShortAddr.String(),
		"pan_id", nib.PanID.String(),
		"channel", nib.Channel)
	return nil
}

// persist writes the layers' state to the store.
func (s *Stack) persist() {
	if s.store == nil {
		return
	}
	if err := errors.Join(s.nwk.Persist(), s.aps.Persist()); err != nil {
		s.logger.Error("persist stack state", "err", err)
	}
}

func (s *Stack) onFatal(code sys.FatalCode) {
	s.emit(EventFatal, FatalEvent{Code: code.String()})
	s.persist()
}

// Run drives the task manager until ctx is cancelled, then saves the
// stack state.
func (s *Stack) Run(ctx context.Context) error {
	err := s.env.Tasks.Run(ctx)
	s.persist()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Do runs fn on the stack goroutine and waits for it. Run must be active.
func (s *Stack) Do(ctx context.Context, fn func()) error {
	return s.env.Tasks.Call(ctx, fn)
}

// await starts an asynchronous operation on the stack goroutine and
// waits for its completion.
func (s *Stack) await(ctx context.Context, op func(done func(error))) error {
	errc := make(chan error, 1)
	if err := s.Do(ctx, func() { op(func(err error) { errc <- err }) }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start restores the stored network, or forms or joins one, and waits
// until the device is running.
func (s *Stack) Start(ctx context.Context) error {
	if err := s.await(ctx, s.StartNetwork); err != nil {
		return fmt.Errorf("start network: %w", err)
	}
	return nil
}

// Leave takes the device off the network.
func (s *Stack) Leave(ctx context.Context) error {
	return s.await(ctx, s.zdo.LeaveNetwork)
}

// Rejoin rejoins the current network.
func (s *Stack) Rejoin(ctx context.Context) error {
	return s.await(ctx, s.zdo.Rejoin)
}

// PermitJoin opens the network for seconds, or closes it with 0.
func (s *Stack) PermitJoin(ctx context.Context, seconds uint8) error {
	var err error
	if derr := s.Do(ctx, func() { err = s.zdo.PermitJoin(seconds) }); derr != nil {
		return derr
	}
	return err
}

// RotateNetworkKey distributes key and switches the network to it. A zero
// key draws a random one.
func (s *Stack) RotateNetworkKey(ctx context.Context, key security.Key) error {
	return s.await(ctx, func(done func(error)) { s.zdo.RotateNetworkKey(key, done) })
}

// RemoveDevice asks a device to leave the network.
func (s *Stack) RemoveDevice(ctx context.Context, ext mac.ExtAddr) error {
	return s.await(ctx, func(done func(error)) { s.zdo.RemoveDevice(ext, done) })
}

// Send transmits an application frame and waits for its confirm. The
// request's own Confirm is replaced.
func (s *Stack) Send(ctx context.Context, req aps.DataReq) error {
	return s.await(ctx, func(done func(error)) {
		req.Confirm = func(c aps.DataConf) { done(c.Status.Err()) }
		s.aps.DataReq(&req)
	})
}

// Snapshot captures the stack state for other goroutines.
func (s *Stack) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.Do(ctx, func() { snap = s.TakeSnapshot() })
	return snap, err
}
