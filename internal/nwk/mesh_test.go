package nwk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/pds"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/sys"
)

const testExtPanID = 0x00124B00DEADBEEF

type testMesh struct {
	t      *testing.T
	env    *sys.Env
	medium *mac.Medium
}

type testNode struct {
	radio  *mac.SimRadio
	layer  *Layer
	store  *pds.MemStore
	data   []DataInd
	joins  []JoinInd
	leaves []LeaveInd
}

func newTestMesh(t *testing.T) *testMesh {
	env := sys.NewManualEnv(newTestLogger(), 42)
	return &testMesh{t: t, env: env, medium: mac.NewMedium(env, newTestLogger())}
}

func (m *testMesh) node(ext mac.ExtAddr, dt DeviceType, tune func(*Config)) *testNode {
	m.t.Helper()
	cfg := DefaultConfig(dt)
	cfg.SecurityEnabled = false
	if tune != nil {
		tune(&cfg)
	}
	n := &testNode{radio: m.medium.NewRadio(ext), store: pds.NewMemStore()}
	l, err := New(m.env, n.radio, n.store, cfg, newTestLogger())
	require.NoError(m.t, err)
	n.layer = l
	l.OnDataInd(func(ind DataInd) { n.data = append(n.data, ind) })
	l.OnJoinInd(func(ind JoinInd) { n.joins = append(n.joins, ind) })
	l.OnLeaveInd(func(ind LeaveInd) { n.leaves = append(n.leaves, ind) })
	return n
}

func (m *testMesh) form(n *testNode, pan mac.PanID) {
	m.t.Helper()
	var st Status = 0xFF
	n.layer.FormReq(&FormReq{PanID: pan, ExtPanID: testExtPanID, Confirm: func(s Status) { st = s }})
	m.env.Advance(2 * time.Second)
	require.Equal(m.t, StatusSuccess, st, "form")
	n.layer.PermitJoiningReq(0xFF, nil)
	m.env.Settle()
}

func (m *testMesh) join(n *testNode) {
	m.t.Helper()
	var conf *JoinConf
	n.layer.JoinReq(&JoinReq{ExtPanID: testExtPanID, Confirm: func(c JoinConf) { conf = &c }})
	m.env.Advance(3 * time.Second)
	require.NotNil(m.t, conf, "join did not finish")
	require.Equal(m.t, StatusSuccess, conf.Status, "join")
	if n.layer.IsRouter() {
		n.layer.PermitJoiningReq(0xFF, nil)
		m.env.Settle()
	}
}

func (m *testMesh) send(from *testNode, dst mac.ShortAddr, payload []byte) Status {
	m.t.Helper()
	var st Status = 0xFF
	from.layer.DataReq(&DataReq{Dst: dst, Payload: payload, Confirm: func(c DataConf) { st = c.Status }})
	m.env.Advance(5 * time.Second)
	return st
}

// chain builds coordinator - router - router, each only in range of its
// neighbors in the chain.
func (m *testMesh) chain(tune func(*Config)) (c, r1, r2 *testNode) {
	c = m.node(0x01, Coordinator, tune)
	r1 = m.node(0x02, Router, tune)
	r2 = m.node(0x03, Router, tune)
	m.medium.LinkChain(0x01, 0x02, 0x03)
	m.form(c, 0x1A62)
	m.join(r1)
	m.join(r2)
	return c, r1, r2
}

func TestFormAndJoin(t *testing.T) {
	m := newTestMesh(t)
	c, r1, r2 := m.chain(nil)

	nib := c.layer.NIB()
	require.True(t, nib.Joined)
	require.Equal(t, mac.ShortAddr(0x0000), nib.ShortAddr)
	require.Equal(t, mac.PanID(0x1A62), nib.PanID)

	n1 := r1.layer.NIB()
	require.Equal(t, mac.ShortAddr(0x0000), n1.Parent)
	require.Equal(t, uint8(1), n1.Depth)
	require.Equal(t, uint64(testExtPanID), n1.ExtPanID)

	n2 := r2.layer.NIB()
	require.Equal(t, n1.ShortAddr, n2.Parent, "r2 only hears r1")
	require.Equal(t, uint8(2), n2.Depth)
	require.NotEqual(t, n1.ShortAddr, n2.ShortAddr)

	require.Len(t, c.joins, 1)
	require.Equal(t, mac.ExtAddr(0x02), c.joins[0].ExtAddr)
	child := c.layer.Neighbors().FindByExt(0x02)
	require.NotNil(t, child)
	require.Equal(t, RelChild, child.Relationship)
}

func TestJoinRefusedWhenPermitClosed(t *testing.T) {
	m := newTestMesh(t)
	c := m.node(0x01, Coordinator, nil)
	r := m.node(0x02, Router, nil)
	m.medium.LinkAll()
	m.form(c, 0x1A62)
	c.layer.PermitJoiningReq(0, nil)
	m.env.Settle()

	var conf *JoinConf
	r.layer.JoinReq(&JoinReq{Confirm: func(jc JoinConf) { conf = &jc }})
	m.env.Advance(3 * time.Second)
	require.NotNil(t, conf)
	require.Equal(t, StatusNoNetworks, conf.Status)
	require.False(t, r.layer.NIB().Joined)
}

func TestPermitJoiningCloses(t *testing.T) {
	m := newTestMesh(t)
	c := m.node(0x01, Coordinator, nil)
	m.form(c, 0x1A62)
	c.layer.PermitJoiningReq(2, nil)
	m.env.Settle()
	require.True(t, c.radio.PIB().AssociationPermit)
	m.env.Advance(3 * time.Second)
	require.False(t, c.radio.PIB().AssociationPermit)
	require.False(t, c.layer.NIB().PermitJoining)
}

func TestRouteDiscoveryAndMultiHopDelivery(t *testing.T) {
	m := newTestMesh(t)
	c, r1, r2 := m.chain(nil)
	r2Addr := r2.layer.NIB().ShortAddr

	st := m.send(c, r2Addr, []byte("hello"))
	require.Equal(t, StatusSuccess, st)
	require.Len(t, r2.data, 1)
	require.Equal(t, []byte("hello"), r2.data[0].Payload)
	require.Equal(t, mac.ShortAddr(0x0000), r2.data[0].Src)
	require.Equal(t, r1.layer.NIB().ShortAddr, r2.data[0].MacSrc)

	e := c.layer.Routes().Find(r2Addr, false)
	require.NotNil(t, e)
	require.Equal(t, RouteActive, e.Status)
	require.Equal(t, r1.layer.NIB().ShortAddr, e.NextHop)
	require.Equal(t, uint64(1), c.layer.Counters().Discoveries)

	require.Equal(t, StatusSuccess, m.send(c, r2Addr, []byte("again")))
	require.Len(t, r2.data, 2)
	require.Equal(t, uint64(1), c.layer.Counters().Discoveries, "route is reused")
}

func TestRouteDiscoveryFailsForUnknownDevice(t *testing.T) {
	m := newTestMesh(t)
	c, _, _ := m.chain(func(cfg *Config) { cfg.RouteDiscoveryTime = 2 * time.Second })

	var got *Status
	c.layer.RouteDiscoveryReq(0x7777, func(s Status) { got = &s })
	m.env.Advance(3 * time.Second)
	require.NotNil(t, got)
	require.Equal(t, StatusRouteDiscoveryFailed, *got)
	require.Nil(t, c.layer.Routes().Find(0x7777, false))
}

func TestBroadcastDeliveredOncePerDevice(t *testing.T) {
	m := newTestMesh(t)
	c, r1, r2 := m.chain(nil)

	require.Equal(t, StatusSuccess, m.send(c, BroadcastAll, []byte{0xB0}))
	require.Len(t, r1.data, 1)
	require.Len(t, r2.data, 1)
	require.Empty(t, c.data, "the originator does not deliver its own broadcast")
	require.Equal(t, BroadcastAll, r2.data[0].Dst)
	if got := r2.layer.Counters().Duplicates + r1.layer.Counters().Duplicates + c.layer.Counters().Duplicates; got == 0 {
		t.Fatalf("got no duplicates, want relays to be heard back")
	}
}

func TestSourceRoutingFromConcentrator(t *testing.T) {
	m := newTestMesh(t)
	c, r1, r2 := m.chain(func(cfg *Config) {
		cfg.Concentrator = true
		cfg.ConcentratorInterval = time.Hour
	})
	r1Addr := r1.layer.NIB().ShortAddr
	r2Addr := r2.layer.NIB().ShortAddr

	c.layer.sendManyToOne()
	m.env.Advance(2 * time.Second)
	e := r2.layer.Routes().Find(0x0000, false)
	require.NotNil(t, e)
	require.True(t, e.ManyToOne)
	require.Equal(t, r1Addr, e.NextHop)

	require.Equal(t, StatusSuccess, m.send(r2, 0x0000, []byte("report")))
	require.Len(t, c.data, 1)
	sr, ok := c.layer.RouteCache().Find(r2Addr)
	require.True(t, ok, "route record stored")
	require.Equal(t, []mac.ShortAddr{r1Addr}, sr.Relays)

	require.Equal(t, StatusSuccess, m.send(c, r2Addr, []byte("command")))
	require.Len(t, r2.data, 1)
	require.Equal(t, uint64(0), c.layer.Counters().Discoveries, "source route needs no discovery")
}

func TestSecuredFramesAndWrongKey(t *testing.T) {
	m := newTestMesh(t)
	secure := func(cfg *Config) { cfg.SecurityEnabled = true }
	c, r1, r2 := m.chain(secure)
	key := security.Key{0x01, 0x02, 0x03}
	c.layer.SetNetworkKey(0, key)
	r1.layer.SetNetworkKey(0, key)
	r2.layer.SetNetworkKey(0, key)

	r2Addr := r2.layer.NIB().ShortAddr
	require.Equal(t, StatusSuccess, m.send(c, r2Addr, []byte("secret")))
	require.Len(t, r2.data, 1)
	require.True(t, r2.data[0].Secured)
	require.Equal(t, []byte("secret"), r2.data[0].Payload)
	require.Equal(t, RelChild, c.layer.Neighbors().FindByExt(0x02).Relationship,
		"a secured frame from the child authenticates it")

	r2.layer.sec.Reset()
	r2.layer.SetNetworkKey(0, security.Key{0xFF})
	m.send(c, r2Addr, []byte("secret"))
	require.Len(t, r2.data, 1, "wrong key must not deliver")
	require.NotZero(t, r2.layer.Counters().SecurityFailures)
	require.Greater(t, c.layer.Security().OutCounter(), uint32(0))
}

func TestLeaveSelfAndRemoveChild(t *testing.T) {
	m := newTestMesh(t)
	c, r1, r2 := m.chain(nil)
	r2Addr := r2.layer.NIB().ShortAddr

	var st Status = 0xFF
	r2.layer.LeaveReq(&LeaveReq{Confirm: func(s Status) { st = s }})
	m.env.Advance(time.Second)
	require.Equal(t, StatusSuccess, st)
	require.False(t, r2.layer.NIB().Joined)
	require.Nil(t, r1.layer.Neighbors().FindByShort(r2Addr))
	require.Len(t, r1.leaves, 1)
	require.Equal(t, mac.ExtAddr(0x03), r1.leaves[0].ExtAddr)
	_, err := r2.store.Load(pds.MemNetworkParams)
	require.ErrorIs(t, err, pds.ErrNotFound, "leaving without rejoin forgets the network")

	st = 0xFF
	c.layer.LeaveReq(&LeaveReq{DeviceAddr: 0x02, Confirm: func(s Status) { st = s }})
	m.env.Advance(time.Second)
	require.Equal(t, StatusSuccess, st)
	require.False(t, r1.layer.NIB().Joined, "child obeys its parent")
	require.Nil(t, c.layer.Neighbors().FindByExt(0x02))

	c.layer.LeaveReq(&LeaveReq{DeviceAddr: 0x99, Confirm: func(s Status) { st = s }})
	m.env.Settle()
	require.Equal(t, StatusUnknownDevice, st)
}

func TestRejoinKeepsNetwork(t *testing.T) {
	m := newTestMesh(t)
	c, r1, _ := m.chain(nil)
	before := r1.layer.NIB()

	r1.layer.LeaveReq(&LeaveReq{Rejoin: true})
	m.env.Advance(time.Second)
	require.False(t, r1.layer.NIB().Joined)
	require.Equal(t, before.ExtPanID, r1.layer.NIB().ExtPanID)

	var conf *JoinConf
	r1.layer.JoinReq(&JoinReq{Rejoin: true, Confirm: func(jc JoinConf) { conf = &jc }})
	m.env.Advance(3 * time.Second)
	require.NotNil(t, conf)
	require.Equal(t, StatusSuccess, conf.Status)
	require.Equal(t, before.ShortAddr, conf.ShortAddr, "the parent keeps a free address")
	require.Equal(t, mac.ShortAddr(0x0000), conf.Parent)

	last := c.joins[len(c.joins)-1]
	require.True(t, last.Rejoin)
	require.Equal(t, mac.ExtAddr(0x02), last.ExtAddr)
}

func TestAddressConflictResolution(t *testing.T) {
	m := newTestMesh(t)
	c, r1, _ := m.chain(nil)
	old := r1.layer.NIB().ShortAddr

	// Someone else claims r1's address.
	c.layer.AddAddress(old, 0xBAD)
	m.env.Advance(3 * time.Second)

	fresh := r1.layer.NIB().ShortAddr
	require.NotEqual(t, old, fresh)
	require.Equal(t, fresh, r1.radio.PIB().ShortAddr)
	short, ok := c.layer.ShortAddrOf(0x02)
	require.True(t, ok)
	require.Equal(t, fresh, short)
	require.Equal(t, ConflictIdle, c.layer.ConflictResolver().State())
	require.Equal(t, ConflictIdle, r1.layer.ConflictResolver().State())
}

func TestPanIDConflictLowerAddressYields(t *testing.T) {
	m := newTestMesh(t)
	a := m.node(0x10, Coordinator, nil)
	b := m.node(0x20, Coordinator, nil)
	r := m.node(0x30, Router, nil)
	m.medium.Link(0x10, 0x20, 200)
	m.medium.Link(0x10, 0x30, 255)
	m.form(a, 0x1111)
	m.join(r)
	m.form(b, 0x2222)

	var trace []NetManagerState
	a.layer.NetworkManager().OnTransition(func(s NetManagerState) { trace = append(trace, s) })
	var moved mac.PanID
	a.layer.OnPanIDChanged(func(p mac.PanID) { moved = p })

	var foundA, foundB bool
	a.layer.CheckPanConflict(func(found bool) { foundA = found })
	b.layer.CheckPanConflict(func(found bool) { foundB = found })
	m.env.Advance(20 * time.Second)

	require.True(t, foundA)
	require.True(t, foundB)
	require.Equal(t, []NetManagerState{
		NetManagerMACScan, NetManagerPrepareMACData, NetManagerSendUpdateCmd, NetManagerSetPanID, NetManagerIdle,
	}, trace)

	pan := a.layer.NIB().PanID
	require.Equal(t, moved, pan)
	require.NotEqual(t, mac.PanID(0x1111), pan)
	require.NotEqual(t, mac.PanID(0x2222), pan)
	require.Equal(t, mac.PanID(0x2222), b.layer.NIB().PanID, "the higher address keeps its PAN ID")
	require.Equal(t, pan, r.layer.NIB().PanID, "routers follow the network update")
	require.Equal(t, a.layer.NIB().UpdateID, r.layer.NIB().UpdateID)
}

func TestPersistAndRestore(t *testing.T) {
	m := newTestMesh(t)
	secure := func(cfg *Config) { cfg.SecurityEnabled = true }
	c, r1, _ := m.chain(secure)
	key := security.Key{0xAB}
	c.layer.SetNetworkKey(3, key)
	r1.layer.SetNetworkKey(3, key)
	require.Equal(t, StatusSuccess, m.send(c, r1.layer.NIB().ShortAddr, []byte{1}))
	require.NoError(t, c.layer.Persist())
	used := c.layer.Security().OutCounter()
	want := c.layer.NIB()

	l, err := New(m.env, c.radio, c.store, c.layer.Config(), newTestLogger())
	require.NoError(t, err)
	ok, err := l.Restore()
	require.NoError(t, err)
	require.True(t, ok)
	m.env.Settle()

	got := l.NIB()
	require.True(t, got.Joined)
	require.Equal(t, want.PanID, got.PanID)
	require.Equal(t, want.ExtPanID, got.ExtPanID)
	require.Equal(t, want.Channel, got.Channel)
	active, ok := l.Security().Active()
	require.True(t, ok)
	require.Equal(t, uint8(3), active.Seq)
	require.GreaterOrEqual(t, l.Security().OutCounter(), used, "frame counter never goes back")
	require.NotNil(t, l.Neighbors().FindByExt(0x02), "children survive a restart")

	fresh, err := New(m.env, m.medium.NewRadio(0x77), pds.NewMemStore(), c.layer.Config(), newTestLogger())
	require.NoError(t, err)
	ok, err = fresh.Restore()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRestoreRejectsOtherDeviceType(t *testing.T) {
	m := newTestMesh(t)
	c := m.node(0x01, Coordinator, nil)
	m.form(c, 0x1A62)
	require.NoError(t, c.layer.Persist())

	l, err := New(m.env, c.radio, c.store, DefaultConfig(Router), newTestLogger())
	require.NoError(t, err)
	_, err = l.Restore()
	require.Error(t, err)
}

func TestDiscoveryReAddsEvictedRoute(t *testing.T) {
	m := newTestMesh(t)
	c, r1, r2 := m.chain(nil)
	r2Addr := r2.layer.NIB().ShortAddr

	require.Equal(t, StatusSuccess, m.send(c, r2Addr, []byte{1}))
	e := c.layer.Routes().Find(r2Addr, false)
	require.NotNil(t, e)

	failOrder := c.layer.Config().FailOrder
	for i := 0; i < failOrder; i++ {
		require.True(t, c.layer.Routes().Update(e, StatusRouteError))
	}
	require.False(t, c.layer.Routes().Update(e, StatusRouteError), "failure beyond fail order frees the route")
	require.Nil(t, c.layer.Routes().Find(r2Addr, false))

	require.Equal(t, StatusSuccess, m.send(c, r2Addr, []byte{2}))
	require.Len(t, r2.data, 2)
	e = c.layer.Routes().Find(r2Addr, false)
	require.NotNil(t, e, "a fresh discovery installs the route again")
	require.Equal(t, RouteActive, e.Status)
	require.Equal(t, r1.layer.NIB().ShortAddr, e.NextHop)
	require.Zero(t, e.Failures)
	require.Equal(t, uint64(2), c.layer.Counters().Discoveries)
}

func TestNetworkStatusRemovesRoute(t *testing.T) {
	m := newTestMesh(t)
	c, r1, r2 := m.chain(nil)
	r2Addr := r2.layer.NIB().ShortAddr

	var got []NetworkStatusInd
	c.layer.OnNetworkStatus(func(ind NetworkStatusInd) { got = append(got, ind) })

	require.Equal(t, StatusSuccess, m.send(c, r2Addr, []byte{1}))
	require.NotNil(t, c.layer.Routes().Find(r2Addr, false))

	r1.layer.sendNetworkStatusTo(0x0000, NetStatusNoRouteAvailable, r2Addr)
	m.env.Advance(time.Second)

	require.Equal(t, []NetworkStatusInd{{Code: NetStatusNoRouteAvailable, Addr: r2Addr}}, got)
	require.Nil(t, c.layer.Routes().Find(r2Addr, false), "reported route is dropped")

	require.Equal(t, StatusSuccess, m.send(c, r2Addr, []byte{2}))
	require.NotNil(t, c.layer.Routes().Find(r2Addr, false))
	require.Equal(t, uint64(2), c.layer.Counters().Discoveries)
}

func TestResetConfirmsFramesWaitingForRoute(t *testing.T) {
	m := newTestMesh(t)
	c, _, r2 := m.chain(nil)

	var got []Status
	c.layer.DataReq(&DataReq{
		Dst:     r2.layer.NIB().ShortAddr,
		Payload: []byte{0x01},
		Confirm: func(cf DataConf) { got = append(got, cf.Status) },
	})
	m.env.Settle()
	require.Len(t, c.layer.discoveries, 1, "discovery running")
	require.Empty(t, got)

	c.layer.Reset()
	m.env.Settle()
	require.Equal(t, []Status{StatusFrameNotBuffered}, got)
	m.env.Advance(5 * time.Second)
	require.Len(t, got, 1, "confirmed once")
	require.Empty(t, r2.data)
}

func TestLoopbackUsesLoopbackBuffers(t *testing.T) {
	m := newTestMesh(t)
	c := m.node(0x01, Coordinator, nil)
	m.form(c, 0x1A62)

	var loop, extern []int
	c.layer.OnDataInd(func(ind DataInd) {
		c.data = append(c.data, ind)
		loop = append(loop, c.layer.packets.InUse(PacketLoopback))
		extern = append(extern, c.layer.packets.InUse(PacketExtern))
	})
	self := c.layer.NIB().ShortAddr
	var got []Status
	for i := range 2 {
		c.layer.DataReq(&DataReq{
			Dst:     self,
			Payload: []byte{byte(i)},
			Confirm: func(cf DataConf) { got = append(got, cf.Status) },
		})
	}
	m.env.Advance(time.Second)

	require.Equal(t, []Status{StatusSuccess, StatusSuccess}, got)
	require.Len(t, c.data, 2)
	require.Equal(t, []byte{0}, c.data[0].Payload)
	require.Equal(t, []byte{1}, c.data[1].Payload)
	require.Equal(t, []int{1, 1}, loop, "one loopback buffer at a time")
	require.Equal(t, []int{0, 0}, extern)
	require.Zero(t, c.layer.packets.InUse(PacketLoopback))
}
