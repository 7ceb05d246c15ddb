package zdo

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zigbee-go-stack/internal/aps"
	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/nwk"
	"zigbee-go-stack/internal/pds"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/sys"
)

const testExtPanID = 0x00124B00CAFEF00D

var (
	firstKey   = security.Key{0x10, 0x11, 0x12, 0x13}
	rotatedKey = security.Key{0x20, 0x21, 0x22, 0x23}
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testMesh struct {
	t      *testing.T
	env    *sys.Env
	medium *mac.Medium
}

type testNode struct {
	radio *mac.SimRadio
	nwk   *nwk.Layer
	aps   *aps.Layer
	zdo   *Layer
	store *pds.MemStore

	states    []State
	announces []DeviceAnnounce
	joined    []Node
	left      []DeviceLeft
	switched  []uint8
}

func newTestMesh(t *testing.T) *testMesh {
	env := sys.NewManualEnv(newTestLogger(), 7)
	return &testMesh{t: t, env: env, medium: mac.NewMedium(env, newTestLogger())}
}

// node creates a device. A coordinator created with tc set is the trust
// center.
func (m *testMesh) node(ext mac.ExtAddr, dt nwk.DeviceType, tc bool) *testNode {
	m.t.Helper()
	n := &testNode{radio: m.medium.NewRadio(ext), store: pds.NewMemStore()}
	ncfg := nwk.DefaultConfig(dt)
	ncfg.ExtPanID = testExtPanID
	nl, err := nwk.New(m.env, n.radio, n.store, ncfg, newTestLogger())
	require.NoError(m.t, err)
	acfg := aps.DefaultConfig()
	if tc {
		acfg.TrustCenter = ext
	}
	al, err := aps.New(m.env, nl, n.store, acfg, newTestLogger())
	require.NoError(m.t, err)
	zcfg := DefaultConfig()
	zcfg.PermitJoinDuration = 0xFF
	if dt == nwk.Coordinator {
		zcfg.NetworkKey = firstKey
	}
	zl, err := New(m.env, nl, al, n.store, zcfg, newTestLogger())
	require.NoError(m.t, err)
	n.nwk, n.aps, n.zdo = nl, al, zl

	zl.OnStateChanged(func(s State) { n.states = append(n.states, s) })
	zl.OnDeviceAnnounce(func(a DeviceAnnounce) { n.announces = append(n.announces, a) })
	zl.OnDeviceJoined(func(d Node) { n.joined = append(n.joined, d) })
	zl.OnDeviceLeft(func(d DeviceLeft) { n.left = append(n.left, d) })
	zl.OnKeySwitched(func(seq uint8) { n.switched = append(n.switched, seq) })
	return n
}

// start runs StartNetwork to completion and returns its result.
func (m *testMesh) start(n *testNode) error {
	m.t.Helper()
	var res error
	finished := false
	n.zdo.StartNetwork(func(err error) { res, finished = err, true })
	m.env.Advance(15 * time.Second)
	require.True(m.t, finished, "start did not finish")
	return res
}

// chain starts a trust center followed by routers, each in range of its
// neighbors in the chain only.
func (m *testMesh) chain(exts ...mac.ExtAddr) []*testNode {
	m.t.Helper()
	nodes := make([]*testNode, len(exts))
	for i, ext := range exts {
		if i == 0 {
			nodes[i] = m.node(ext, nwk.Coordinator, true)
		} else {
			nodes[i] = m.node(ext, nwk.Router, false)
		}
	}
	m.medium.LinkChain(exts...)
	for _, n := range nodes {
		require.NoError(m.t, m.start(n))
		require.Equal(m.t, StateRunning, n.zdo.State())
	}
	return nodes
}

func requireActiveKey(t *testing.T, n *testNode, seq uint8, key security.Key) {
	t.Helper()
	k, ok := n.nwk.Security().Active()
	require.True(t, ok, "no active key on %v", n.radio.ExtAddr())
	require.Equal(t, seq, k.Seq, "active key seq on %v", n.radio.ExtAddr())
	require.Equal(t, key, k.Key, "active key on %v", n.radio.ExtAddr())
}

func TestStartDistributesNetworkKey(t *testing.T) {
	m := newTestMesh(t)
	nodes := m.chain(0x01, 0x02, 0x03)
	c, r1, r2 := nodes[0], nodes[1], nodes[2]

	for _, n := range nodes {
		requireActiveKey(t, n, 0, firstKey)
	}
	require.Equal(t, []State{StateStarting, StateRunning}, c.states)
	require.Equal(t, []State{StateStarting, StateAuthenticating, StateRunning}, r2.states)

	devices := c.zdo.Devices()
	require.Len(t, devices, 2)
	require.Equal(t, mac.ExtAddr(0x02), devices[0].ExtAddr)
	require.Equal(t, mac.ExtAddr(0x03), devices[1].ExtAddr)
	for _, d := range devices {
		if !d.Authorized {
			t.Errorf("device %v not authorized", d.ExtAddr)
		}
	}
	require.Equal(t, r1.nwk.NIB().ShortAddr, devices[1].Parent, "r2 joined through r1")

	require.Len(t, c.joined, 2)
	require.Len(t, r1.joined, 1, "r1 reports the device joining through it")
	require.Len(t, c.announces, 2)
	require.Equal(t, r2.nwk.NIB().ShortAddr, c.announces[1].ShortAddr)
	ext, ok := c.nwk.ExtAddrOf(r2.nwk.NIB().ShortAddr)
	require.True(t, ok, "announce did not reach the address map")
	require.Equal(t, mac.ExtAddr(0x03), ext)
}

func TestStartTwiceIsBusy(t *testing.T) {
	m := newTestMesh(t)
	c := m.node(0x01, nwk.Coordinator, true)
	require.NoError(t, m.start(c))

	var got error
	c.zdo.StartNetwork(func(err error) { got = err })
	m.env.Settle()
	require.ErrorIs(t, got, ErrBusy)
}

func TestAuthenticationTimeout(t *testing.T) {
	m := newTestMesh(t)
	c := m.node(0x01, nwk.Coordinator, false)
	r := m.node(0x02, nwk.Router, false)
	m.medium.LinkAll()
	require.NoError(t, m.start(c))

	err := m.start(r)
	require.ErrorIs(t, err, ErrAuthTimeout)
	require.Equal(t, StateIdle, r.zdo.State())
	require.False(t, r.nwk.NIB().Joined, "device stayed on the network")
	require.Equal(t, []State{StateStarting, StateAuthenticating, StateIdle}, r.states)
}

func TestRotateNetworkKey(t *testing.T) {
	m := newTestMesh(t)
	nodes := m.chain(0x01, 0x02, 0x03)
	c := nodes[0]

	var got error
	finished := false
	c.zdo.RotateNetworkKey(rotatedKey, func(err error) { got, finished = err, true })
	m.env.Advance(30 * time.Second)
	require.True(t, finished, "rotation did not finish")
	require.NoError(t, got)

	for _, n := range nodes {
		requireActiveKey(t, n, 1, rotatedKey)
		if _, ok := n.nwk.Security().Key(0); ok {
			t.Errorf("old key still held on %v", n.radio.ExtAddr())
		}
		require.Equal(t, []uint8{1}, n.switched, "switch events on %v", n.radio.ExtAddr())
	}

	var st aps.Status = 0xFF
	nodes[2].aps.DataReq(&aps.DataReq{
		DstMode:     aps.AddrModeShort,
		DstShort:    0x0000,
		DstEndpoint: 0,
		ProfileID:   zdpProfile,
		ClusterID:   ClusterDeviceAnnounce,
		SrcEndpoint: 0,
		Payload:     DeviceAnnounce{Seq: 9, ShortAddr: nodes[2].nwk.NIB().ShortAddr, ExtAddr: 0x03}.Encode(),
		Confirm:     func(c aps.DataConf) { st = c.Status },
	})
	m.env.Advance(5 * time.Second)
	require.Equal(t, aps.StatusSuccess, st)
	require.Equal(t, uint8(9), c.announces[len(c.announces)-1].Seq, "frame under the new key not delivered")
}

func TestRotateRequiresTrustCenter(t *testing.T) {
	m := newTestMesh(t)
	nodes := m.chain(0x01, 0x02)

	var got error
	nodes[1].zdo.RotateNetworkKey(rotatedKey, func(err error) { got = err })
	m.env.Settle()
	require.ErrorIs(t, got, ErrNotTrustCenter)

	nodes[0].zdo.RotateNetworkKey(rotatedKey, nil)
	nodes[0].zdo.RotateNetworkKey(rotatedKey, func(err error) { got = err })
	m.env.Settle()
	require.ErrorIs(t, got, ErrBusy)
}

func TestLeaveAndStartAgain(t *testing.T) {
	m := newTestMesh(t)
	nodes := m.chain(0x01, 0x02, 0x03)
	c, r1, r2 := nodes[0], nodes[1], nodes[2]

	var got error = ErrBusy
	r2.zdo.LeaveNetwork(func(err error) { got = err })
	m.env.Advance(15 * time.Second)
	require.NoError(t, got)
	require.Equal(t, StateIdle, r2.zdo.State())
	require.False(t, r2.nwk.NIB().Joined)

	require.Len(t, r1.left, 1)
	require.Equal(t, mac.ExtAddr(0x03), r1.left[0].ExtAddr)
	require.Len(t, c.zdo.Devices(), 1, "trust center still tracks the departed device")
	require.Len(t, c.left, 1)

	require.NoError(t, m.start(r2))
	require.Equal(t, StateRunning, r2.zdo.State())
	requireActiveKey(t, r2, 0, firstKey)
	require.Len(t, c.zdo.Devices(), 2)
}

func TestLeaveWhenIdle(t *testing.T) {
	m := newTestMesh(t)
	r := m.node(0x02, nwk.Router, false)

	var got error
	r.zdo.LeaveNetwork(func(err error) { got = err })
	m.env.Settle()
	require.ErrorIs(t, got, ErrNotRunning)
	require.ErrorIs(t, r.zdo.PermitJoin(10), ErrNotRunning)
}

func TestRejoinKeepsNetworkKey(t *testing.T) {
	m := newTestMesh(t)
	nodes := m.chain(0x01, 0x02)
	c, r := nodes[0], nodes[1]
	r.states = nil
	announced := len(c.announces)

	var got error = ErrBusy
	r.zdo.Rejoin(func(err error) { got = err })
	m.env.Advance(20 * time.Second)
	require.NoError(t, got)
	require.Equal(t, StateRunning, r.zdo.State())
	require.Equal(t, []State{StateRejoining, StateRunning}, r.states)
	requireActiveKey(t, r, 0, firstKey)

	require.Len(t, c.zdo.Devices(), 1)
	require.Greater(t, len(c.announces), announced, "no announce after rejoin")
	require.Len(t, c.joined, 1, "a rejoin is not a new device")
}

func TestRemoveDeviceThroughParent(t *testing.T) {
	m := newTestMesh(t)
	nodes := m.chain(0x01, 0x02, 0x03)
	c, r2 := nodes[0], nodes[2]

	var got error = ErrBusy
	c.zdo.RemoveDevice(0x03, func(err error) { got = err })
	m.env.Advance(20 * time.Second)
	require.NoError(t, got)
	require.Equal(t, StateIdle, r2.zdo.State())

	devices := c.zdo.Devices()
	require.Len(t, devices, 1)
	require.Equal(t, mac.ExtAddr(0x02), devices[0].ExtAddr)
	require.Nil(t, c.aps.Keys().Find(0x03), "link key of removed device kept")
}

func TestRemoveUnknownDevice(t *testing.T) {
	m := newTestMesh(t)
	nodes := m.chain(0x01, 0x02)

	var got error
	nodes[0].zdo.RemoveDevice(0x99, func(err error) { got = err })
	m.env.Settle()
	require.ErrorIs(t, got, nwk.ErrStatus)
}

func TestPermitJoinReachesRouters(t *testing.T) {
	m := newTestMesh(t)
	nodes := m.chain(0x01, 0x02, 0x03)
	for _, n := range nodes {
		require.True(t, n.nwk.NIB().PermitJoining)
	}

	require.NoError(t, nodes[0].zdo.PermitJoin(0))
	m.env.Advance(10 * time.Second)
	for _, n := range nodes {
		if n.nwk.NIB().PermitJoining {
			t.Errorf("joining still permitted on %v", n.radio.ExtAddr())
		}
	}
}

func TestDevicesSurviveRestart(t *testing.T) {
	m := newTestMesh(t)
	nodes := m.chain(0x01, 0x02)
	c := nodes[0]

	zl, err := New(m.env, c.nwk, c.aps, c.store, DefaultConfig(), newTestLogger())
	require.NoError(t, err)
	restored, err := zl.Restore()
	require.NoError(t, err)
	require.True(t, restored)
	require.Equal(t, c.zdo.Devices(), zl.Devices())

	empty, err := New(m.env, c.nwk, c.aps, pds.NewMemStore(), DefaultConfig(), newTestLogger())
	require.NoError(t, err)
	restored, err = empty.Restore()
	require.NoError(t, err)
	require.False(t, restored)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.AuthTimeout = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxDevices = 0
	require.Error(t, cfg.Validate())
}
