package scenario

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine() *Engine {
	return NewEngine(DefaultConfig(), newTestLogger())
}

func requireOK(t *testing.T, res *RunResult) {
	t.Helper()
	if !res.OK {
		t.Fatalf("scenario failed: %s\nlogs: %s", res.Error, strings.Join(res.Logs, "\n"))
	}
}

func TestScenarioFormJoinAndSend(t *testing.T) {
	res := newTestEngine().Run(`
		local c = mesh.node{ext = 1, type = "coordinator", pan = 0x1A62}
		local r1 = mesh.node{ext = 2}
		local r2 = mesh.node{ext = "0000000000000003"}
		mesh.chain(c, r1, r2)

		local started = 0
		local function ok(err)
			assert(err == nil, err)
			started = started + 1
		end
		c:start(ok)
		mesh.run(15000)
		r1:start(ok)
		mesh.run(15000)
		r2:start(ok)
		mesh.run(15000)
		assert(started == 3, "started " .. started)

		assert(c:state() == "running")
		assert(r2:joined())
		assert(r2:panid() == 0x1A62)
		assert(c:short() == 0)
		assert(#c:devices() == 2, "devices " .. #c:devices())
		assert(r2:key_seq() == 0)

		local status
		r2:send(0x0000, "hello", {cluster = 6, done = function(s) status = s end})
		mesh.run(5000)
		assert(status == "success", tostring(status))

		local rx = c:received()
		assert(#rx == 1, "received " .. #rx)
		assert(rx[1].payload == "hello")
		assert(rx[1].src == r2:short())
		assert(r2:route(0x0000) == r1:short(), "route via r1")
		assert(r1:route(r2:short()) == r2:short(), "neighbor reached directly")
		print("mesh formed in", mesh.now(), "ms")
	`)
	requireOK(t, res)
	require.Equal(t, 3, res.Nodes)
	require.Equal(t, "50s", res.SimTime)
	require.Len(t, res.Logs, 1)
	require.Contains(t, res.Logs[0], "mesh formed in")
}

func TestScenarioRotateKey(t *testing.T) {
	res := newTestEngine().Run(`
		local c = mesh.node{ext = 1, type = "coordinator"}
		local r = mesh.node{ext = 2}
		mesh.link_all()
		c:start()
		mesh.run(15000)
		r:start()
		mesh.run(15000)

		local switched
		r:on("key_switched", function(ev)
			assert(ev.node == "0000000000000002")
			switched = ev.data.seq
		end)
		local result
		c:rotate_key("000102030405060708090A0B0C0D0E0F", function(err) result = err or "ok" end)
		mesh.run(30000)

		assert(result == "ok", tostring(result))
		assert(switched == 1, tostring(switched))
		assert(c:key_seq() == 1 and r:key_seq() == 1)
		mesh.log("rotated")
	`)
	requireOK(t, res)
	require.Equal(t, []string{"rotated"}, res.Logs)
}

func TestScenarioPanIDConflict(t *testing.T) {
	res := newTestEngine().Run(`
		local a = mesh.node{ext = 0x10, type = "coordinator", pan = 0x1111, security = false}
		local b = mesh.node{ext = 0x20, type = "coordinator", pan = 0x2222, security = false}
		local r = mesh.node{ext = 0x30, security = false}
		mesh.link(a, b, 200)
		mesh.link(a, r)

		a:start()
		mesh.run(15000)
		r:start()
		mesh.run(15000)
		b:start()
		mesh.run(15000)
		assert(r:panid() == 0x1111)

		local changed
		a:on("pan_id_changed", function(ev) changed = ev.data.pan_id end)
		local foundA, foundB
		a:check_conflict(function(found) foundA = found end)
		b:check_conflict(function(found) foundB = found end)
		mesh.run(20000)

		assert(foundA and foundB)
		assert(a:panid() ~= 0x1111 and a:panid() ~= 0x2222, "a moved")
		assert(b:panid() == 0x2222, "higher address keeps its PAN ID")
		assert(r:panid() == a:panid(), "router follows")
		assert(changed ~= nil)
	`)
	requireOK(t, res)
}

func TestScenarioScriptError(t *testing.T) {
	res := newTestEngine().Run(`error("boom")`)
	require.False(t, res.OK)
	require.Contains(t, res.Error, "boom")
}

func TestScenarioCallbackErrorFailsRun(t *testing.T) {
	res := newTestEngine().Run(`
		local c = mesh.node{ext = 1, type = "coordinator"}
		c:start(function() error("callback failed") end)
		mesh.run(15000)
		mesh.log("not reached")
	`)
	require.False(t, res.OK)
	require.Contains(t, res.Error, "callback failed")
	require.Empty(t, res.Logs)
}

func TestScenarioInvalidNode(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"bad type", `mesh.node{ext = 1, type = "gateway"}`, "unknown device type"},
		{"missing ext", `mesh.node{type = "router"}`, "extended address expected"},
		{"duplicate", `mesh.node{ext = 1} mesh.node{ext = 1}`, "already exists"},
		{"bad channel", `mesh.node{ext = 1, channel = 30}`, "out of range"},
		{"bad key", `mesh.node{ext = 1, key = "0102"}`, "key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newTestEngine().Run(tt.code)
			require.False(t, res.OK)
			require.Contains(t, res.Error, tt.want)
		})
	}
}

func TestScenarioSandbox(t *testing.T) {
	res := newTestEngine().Run(`
		assert(os == nil)
		assert(io == nil)
		assert(require == nil)
		assert(load == nil)
	`)
	requireOK(t, res)
}

func TestScenarioTimeout(t *testing.T) {
	e := NewEngine(Config{Seed: 1, Timeout: 100 * time.Millisecond}, newTestLogger())
	res := e.Run(`while true do end`)
	require.False(t, res.OK)
	require.Contains(t, res.Error, "timeout")
}

func TestScenarioRunFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "form.lua")
	require.NoError(t, os.WriteFile(path, []byte(`
		local c = mesh.node{ext = 1, type = "coordinator"}
		c:start()
		mesh.run(15000)
		assert(mesh.get(1):state() == "running")
		assert(#mesh.nodes() == 1)
	`), 0o644))

	res, err := newTestEngine().RunFile(path)
	require.NoError(t, err)
	requireOK(t, res)

	_, err = newTestEngine().RunFile(filepath.Join(t.TempDir(), "missing.lua"))
	require.Error(t, err)
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"float64", 3.14, lua.LTNumber},
		{"uint16", uint16(1024), lua.LTNumber},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := goToLua(L, tt.val)
			if result.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, result.Type(), tt.want)
			}
		})
	}
}
