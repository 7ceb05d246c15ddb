package scenario

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-go-stack/internal/aps"
	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/nwk"
	"zigbee-go-stack/internal/pds"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/stack"
	"zigbee-go-stack/internal/sys"
)

const (
	nodeTypeName    = "zigbee.node"
	defaultExtPanID = 0x00124B000000BEEF
	dataEndpoint    = 1
	maxNodes        = 64
)

// mesh is the simulated network one script builds.
type mesh struct {
	L      *lua.LState
	env    *sys.Env
	medium *mac.Medium
	logger *slog.Logger
	logf   func(string)
	start  time.Time

	nodes map[mac.ExtAddr]*node
	order []*node

	// err is the first error raised by a Lua callback.
	err error
}

type luaHandler struct {
	eventType string // "*" matches every event
	fn        *lua.LFunction
}

// node is one stack instance on the medium.
type node struct {
	m        *mesh
	st       *stack.Stack
	ext      mac.ExtAddr
	received []aps.DataInd
	handlers []luaHandler
}

func newMesh(L *lua.LState, seed uint64, logger *slog.Logger, logf func(string)) *mesh {
	env := sys.NewManualEnv(logger, seed)
	m := &mesh{
		L:      L,
		env:    env,
		medium: mac.NewMedium(env, logger),
		logger: logger,
		logf:   logf,
		start:  env.Clock.Now(),
		nodes:  make(map[mac.ExtAddr]*node),
	}
	// A fatal error fails the script instead of resetting the process.
	env.Fatal.Reset = func(code sys.FatalCode) {
		if m.err == nil {
			m.err = fmt.Errorf("fatal error: %s", code)
		}
	}
	return m
}

func (m *mesh) elapsed() time.Duration {
	return m.env.Clock.Now().Sub(m.start)
}

// call runs a Lua callback from inside the simulation, keeping the first
// error for the enclosing mesh.run.
func (m *mesh) call(fn *lua.LFunction, args ...lua.LValue) {
	if err := m.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...); err != nil {
		m.logger.Warn("lua callback error", "err", err)
		if m.err == nil {
			m.err = err
		}
	}
}

func (m *mesh) takeErr() error {
	err := m.err
	m.err = nil
	return err
}

// registerMeshModule registers the `mesh` global table and the node type.
func registerMeshModule(L *lua.LState, m *mesh) {
	mt := L.NewTypeMetatable(nodeTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), nodeMethods()))
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		n := checkNode(L, 1)
		L.Push(lua.LString(fmt.Sprintf("node(%016X)", uint64(n.ext))))
		return 1
	}))

	mod := L.NewTable()
	mod.RawSetString("node", L.NewFunction(m.luaNode))
	mod.RawSetString("get", L.NewFunction(m.luaGet))
	mod.RawSetString("link", L.NewFunction(m.luaLink))
	mod.RawSetString("unlink", L.NewFunction(m.luaUnlink))
	mod.RawSetString("link_all", L.NewFunction(func(L *lua.LState) int {
		m.medium.LinkAll()
		return 0
	}))
	mod.RawSetString("chain", L.NewFunction(m.luaChain))
	mod.RawSetString("nodes", L.NewFunction(func(L *lua.LState) int {
		t := L.NewTable()
		for _, n := range m.order {
			t.Append(n.userData(L))
		}
		L.Push(t)
		return 1
	}))
	mod.RawSetString("run", L.NewFunction(m.luaRun))
	mod.RawSetString("now", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(m.elapsed().Milliseconds()))
		return 1
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		m.logf(L.CheckString(1))
		return 0
	}))
	L.SetGlobal("mesh", mod)
}

func nodeMethods() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"start":          nodeStart,
		"leave":          nodeLeave,
		"rejoin":         nodeRejoin,
		"permit_join":    nodePermitJoin,
		"send":           nodeSend,
		"received":       nodeReceived,
		"rotate_key":     nodeRotateKey,
		"remove":         nodeRemove,
		"check_conflict": nodeCheckConflict,
		"on":             nodeOn,
		"ext":            nodeExt,
		"short":          nodeShort,
		"panid":          nodePanID,
		"channel":        nodeChannel,
		"state":          nodeState,
		"joined":         nodeJoined,
		"key_seq":        nodeKeySeq,
		"route":          nodeRoute,
		"neighbors":      nodeNeighbors,
		"devices":        nodeDevices,
		"counters":       nodeCounters,
	}
}

// mesh.node{ext=..., type="router", pan=..., epid=..., channel=..., key="hex", permit=255, security=true, concentrator=false}
func (m *mesh) luaNode(L *lua.LState) int {
	opts := L.CheckTable(1)
	if len(m.nodes) >= maxNodes {
		L.RaiseError("too many nodes (max %d)", maxNodes)
		return 0
	}
	ext := toExt(L, opts.RawGetString("ext"))
	if _, ok := m.nodes[ext]; ok {
		L.RaiseError("node %016X already exists", uint64(ext))
		return 0
	}

	dt := nwk.Router
	if v, ok := opts.RawGetString("type").(lua.LString); ok {
		parsed, err := nwk.ParseDeviceType(string(v))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		dt = parsed
	}

	cfg := stack.DefaultConfig(dt)
	cfg.NWK.ExtPanID = uint64(optNumber(opts, "epid", defaultExtPanID))
	cfg.NWK.PanID = mac.PanID(optNumber(opts, "pan", 0))
	if ch := optNumber(opts, "channel", 0); ch != 0 {
		if ch < 11 || ch > 26 {
			L.RaiseError("channel %d out of range", int(ch))
			return 0
		}
		cfg.NWK.Channels = 1 << uint(ch)
	}
	cfg.NWK.Concentrator = optBool(opts, "concentrator", false)
	secure := optBool(opts, "security", true)
	cfg.NWK.SecurityEnabled = secure
	cfg.APS.SecurityEnabled = secure
	cfg.ZDO.PermitJoinDuration = uint8(optNumber(opts, "permit", 0xFF))
	if v, ok := opts.RawGetString("key").(lua.LString); ok {
		key, err := stack.ParseKey(string(v))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		cfg.ZDO.NetworkKey = key
	}

	st, err := stack.New(m.env, m.medium.NewRadio(ext), pds.NewMemStore(), cfg, m.logger)
	if err != nil {
		L.RaiseError("create node: %s", err.Error())
		return 0
	}
	n := &node{m: m, st: st, ext: ext}
	st.RegisterEndpoint(dataEndpoint, func(ind aps.DataInd) {
		n.received = append(n.received, ind)
	})
	st.Events().OnAll(n.dispatch)

	m.nodes[ext] = n
	m.order = append(m.order, n)
	L.Push(n.userData(L))
	return 1
}

func (n *node) userData(L *lua.LState) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = n
	L.SetMetatable(ud, L.GetTypeMetatable(nodeTypeName))
	return ud
}

// mesh.get(ext)
func (m *mesh) luaGet(L *lua.LState) int {
	n, ok := m.nodes[toExt(L, L.CheckAny(1))]
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(n.userData(L))
	return 1
}

// mesh.link(a, b [, lqi])
func (m *mesh) luaLink(L *lua.LState) int {
	a := m.checkEndpoint(L, 1)
	b := m.checkEndpoint(L, 2)
	m.medium.Link(a, b, uint8(L.OptInt(3, 255)))
	return 0
}

// mesh.unlink(a, b)
func (m *mesh) luaUnlink(L *lua.LState) int {
	m.medium.Unlink(m.checkEndpoint(L, 1), m.checkEndpoint(L, 2))
	return 0
}

// mesh.chain(a, b, c, ...)
func (m *mesh) luaChain(L *lua.LState) int {
	exts := make([]mac.ExtAddr, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		exts = append(exts, m.checkEndpoint(L, i))
	}
	m.medium.LinkChain(exts...)
	return 0
}

// mesh.run(ms) advances simulated time.
func (m *mesh) luaRun(L *lua.LState) int {
	ms := L.CheckInt(1)
	if ms < 0 {
		L.ArgError(1, "negative duration")
		return 0
	}
	m.env.Advance(time.Duration(ms) * time.Millisecond)
	if err := m.takeErr(); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// checkEndpoint accepts a node or an extended address.
func (m *mesh) checkEndpoint(L *lua.LState, idx int) mac.ExtAddr {
	v := L.CheckAny(idx)
	if ud, ok := v.(*lua.LUserData); ok {
		if n, ok := ud.Value.(*node); ok {
			return n.ext
		}
	}
	return toExt(L, v)
}

func checkNode(L *lua.LState, idx int) *node {
	ud := L.CheckUserData(idx)
	n, ok := ud.Value.(*node)
	if !ok {
		L.ArgError(idx, "node expected")
		return nil
	}
	return n
}

// toExt reads an extended address from a number or a hex string.
func toExt(L *lua.LState, v lua.LValue) mac.ExtAddr {
	switch val := v.(type) {
	case lua.LNumber:
		if val <= 0 {
			L.RaiseError("invalid extended address %v", val)
			return 0
		}
		return mac.ExtAddr(uint64(val))
	case lua.LString:
		ext, err := stack.ParseExtAddr(string(val))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		return ext
	}
	L.RaiseError("extended address expected, got %s", v.Type().String())
	return 0
}

// doneCallback wraps an optional Lua callback as a completion function.
// The callback receives nil on success or the error text.
func (n *node) doneCallback(L *lua.LState, idx int) func(error) {
	fn, _ := L.Get(idx).(*lua.LFunction)
	return func(err error) {
		if err != nil {
			n.m.logger.Debug("node operation failed", "ext", n.ext.String(), "err", err)
		}
		if fn == nil {
			return
		}
		if err != nil {
			n.m.call(fn, lua.LString(err.Error()))
			return
		}
		n.m.call(fn, lua.LNil)
	}
}

// node:start([fn])
func nodeStart(L *lua.LState) int {
	n := checkNode(L, 1)
	n.st.StartNetwork(n.doneCallback(L, 2))
	return 0
}

// node:leave([fn])
func nodeLeave(L *lua.LState) int {
	n := checkNode(L, 1)
	n.st.ZDO().LeaveNetwork(n.doneCallback(L, 2))
	return 0
}

// node:rejoin([fn])
func nodeRejoin(L *lua.LState) int {
	n := checkNode(L, 1)
	n.st.ZDO().Rejoin(n.doneCallback(L, 2))
	return 0
}

// node:permit_join(seconds)
func nodePermitJoin(L *lua.LState) int {
	n := checkNode(L, 1)
	if err := n.st.ZDO().PermitJoin(uint8(L.CheckInt(2))); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// node:send(dst, payload [, {endpoint=, cluster=, profile=, ack=, secure=, group=, done=fn}])
func nodeSend(L *lua.LState) int {
	n := checkNode(L, 1)
	dst := L.CheckInt(2)
	payload := L.CheckString(3)
	opts := L.OptTable(4, L.NewTable())

	req := &aps.DataReq{
		DstMode:     aps.AddrModeShort,
		DstShort:    mac.ShortAddr(dst),
		DstEndpoint: uint8(optNumber(opts, "endpoint", dataEndpoint)),
		ProfileID:   uint16(optNumber(opts, "profile", 0x0104)),
		ClusterID:   uint16(optNumber(opts, "cluster", 0x0006)),
		SrcEndpoint: dataEndpoint,
		Payload:     []byte(payload),
		AckRequest:  optBool(opts, "ack", false),
		Secure:      optBool(opts, "secure", false),
	}
	if optBool(opts, "group", false) {
		req.DstMode = aps.AddrModeGroup
		req.GroupID = uint16(dst)
	}
	fn, _ := opts.RawGetString("done").(*lua.LFunction)
	req.Confirm = func(c aps.DataConf) {
		if fn != nil {
			n.m.call(fn, lua.LString(c.Status.String()))
		}
	}
	n.st.APS().DataReq(req)
	return 0
}

// node:received() returns the frames delivered to the data endpoint.
func nodeReceived(L *lua.LState) int {
	n := checkNode(L, 1)
	t := L.NewTable()
	for _, ind := range n.received {
		row := L.NewTable()
		row.RawSetString("src", lua.LNumber(ind.SrcShort))
		row.RawSetString("cluster", lua.LNumber(ind.ClusterID))
		row.RawSetString("payload", lua.LString(ind.Payload))
		row.RawSetString("secured", lua.LBool(ind.Secured))
		row.RawSetString("lqi", lua.LNumber(ind.LinkQuality))
		t.Append(row)
	}
	L.Push(t)
	return 1
}

// node:rotate_key([key_hex] [, fn])
func nodeRotateKey(L *lua.LState) int {
	n := checkNode(L, 1)
	cbIdx := 2
	var key security.Key
	if s, ok := L.Get(2).(lua.LString); ok {
		k, err := stack.ParseKey(string(s))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		key = k
		cbIdx = 3
	}
	n.st.ZDO().RotateNetworkKey(key, n.doneCallback(L, cbIdx))
	return 0
}

// node:remove(ext [, fn])
func nodeRemove(L *lua.LState) int {
	n := checkNode(L, 1)
	ext := n.m.checkEndpoint(L, 2)
	n.st.ZDO().RemoveDevice(ext, n.doneCallback(L, 3))
	return 0
}

// node:check_conflict([fn]) scans for another network on the same PAN ID.
func nodeCheckConflict(L *lua.LState) int {
	n := checkNode(L, 1)
	fn, _ := L.Get(2).(*lua.LFunction)
	n.st.NWK().CheckPanConflict(func(found bool) {
		if fn != nil {
			n.m.call(fn, lua.LBool(found))
		}
	})
	return 0
}

// node:on(type, fn) registers an event handler; "*" matches every event.
func nodeOn(L *lua.LState) int {
	n := checkNode(L, 1)
	eventType := L.CheckString(2)
	fn := L.CheckFunction(3)
	n.handlers = append(n.handlers, luaHandler{eventType: eventType, fn: fn})
	return 0
}

func (n *node) dispatch(event stack.Event) {
	for _, h := range n.handlers {
		if h.eventType != "*" && h.eventType != event.Type {
			continue
		}
		n.m.call(h.fn, n.eventTable(event))
	}
}

func (n *node) eventTable(event stack.Event) *lua.LTable {
	L := n.m.L
	t := L.NewTable()
	t.RawSetString("type", lua.LString(event.Type))
	t.RawSetString("node", lua.LString(n.ext.String()))
	t.RawSetString("time", lua.LNumber(event.Time.Sub(n.m.start).Milliseconds()))

	// Payload structs reach Lua through their JSON form.
	if event.Data != nil {
		raw, err := json.Marshal(event.Data)
		if err == nil {
			var data map[string]interface{}
			if json.Unmarshal(raw, &data) == nil {
				t.RawSetString("data", goToLua(L, data))
			}
		}
	}
	return t
}

func nodeExt(L *lua.LState) int {
	n := checkNode(L, 1)
	L.Push(lua.LString(n.ext.String()))
	return 1
}

func nodeShort(L *lua.LState) int {
	n := checkNode(L, 1)
	L.Push(lua.LNumber(n.st.NWK().NIB().ShortAddr))
	return 1
}

func nodePanID(L *lua.LState) int {
	n := checkNode(L, 1)
	L.Push(lua.LNumber(n.st.NWK().NIB().PanID))
	return 1
}

func nodeChannel(L *lua.LState) int {
	n := checkNode(L, 1)
	L.Push(lua.LNumber(n.st.NWK().NIB().Channel))
	return 1
}

func nodeState(L *lua.LState) int {
	n := checkNode(L, 1)
	L.Push(lua.LString(n.st.ZDO().State().String()))
	return 1
}

func nodeJoined(L *lua.LState) int {
	n := checkNode(L, 1)
	L.Push(lua.LBool(n.st.NWK().NIB().Joined))
	return 1
}

// node:key_seq() returns the active network key sequence or nil.
func nodeKeySeq(L *lua.LState) int {
	n := checkNode(L, 1)
	key, ok := n.st.NWK().Security().Active()
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(key.Seq))
	return 1
}

// node:route(dst) returns the next hop toward dst, or nil without a
// route. Neighbors are reached directly.
func nodeRoute(L *lua.LState) int {
	n := checkNode(L, 1)
	dst := mac.ShortAddr(L.CheckInt(2))
	l := n.st.NWK()
	if !l.IsRouter() {
		L.Push(lua.LNumber(l.NIB().Parent))
		return 1
	}
	if l.Neighbors().FindByShort(dst) != nil {
		L.Push(lua.LNumber(dst))
		return 1
	}
	if e := l.Routes().Find(dst, false); e != nil && e.Status == nwk.RouteActive {
		L.Push(lua.LNumber(e.NextHop))
		return 1
	}
	L.Push(lua.LNil)
	return 1
}

func nodeNeighbors(L *lua.LState) int {
	n := checkNode(L, 1)
	t := L.NewTable()
	for _, nb := range n.st.NWK().Neighbors().Entries() {
		t.Append(lua.LNumber(nb.Short))
	}
	L.Push(t)
	return 1
}

// node:devices() lists the devices known to a trust center.
func nodeDevices(L *lua.LState) int {
	n := checkNode(L, 1)
	t := L.NewTable()
	for _, d := range n.st.ZDO().Devices() {
		t.Append(lua.LString(d.ExtAddr.String()))
	}
	L.Push(t)
	return 1
}

func nodeCounters(L *lua.LState) int {
	n := checkNode(L, 1)
	raw, err := json.Marshal(n.st.Counters())
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(goToLua(L, data))
	return 1
}

func optNumber(t *lua.LTable, key string, def float64) float64 {
	if v, ok := t.RawGetString(key).(lua.LNumber); ok {
		return float64(v)
	}
	return def
}

func optBool(t *lua.LTable, key string, def bool) bool {
	if v, ok := t.RawGetString(key).(lua.LBool); ok {
		return bool(v)
	}
	return def
}
