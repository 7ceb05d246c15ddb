// Package scenario runs Lua scripts that build a simulated mesh of stack
// instances on one manual clock and drive it.
package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// RunResult is the result of a scenario run.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
	// SimTime is the simulated time the scenario advanced.
	SimTime string `json:"sim_time"`
	Nodes   int    `json:"nodes"`
}

// Config holds engine settings.
type Config struct {
	// Seed makes the simulated mesh deterministic.
	Seed uint64
	// Timeout bounds the wall-clock time of one run.
	Timeout time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{Seed: 1, Timeout: 30 * time.Second}
}

// Engine executes scenario scripts. Every run gets a fresh mesh.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates a new scenario engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger.With("component", "scenario")}
}

// RunFile executes the script at path.
func (e *Engine) RunFile(path string) (*RunResult, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return e.Run(string(code)), nil
}

// Run executes code in a sandboxed VM.
func (e *Engine) Run(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()

	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()

	// Sandbox
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	L.SetContext(ctx)

	var logs []string
	var logMu sync.Mutex
	logf := func(msg string) {
		logMu.Lock()
		logs = append(logs, msg)
		logMu.Unlock()
		e.logger.Info("scenario log", "msg", msg)
	}

	m := newMesh(L, e.cfg.Seed, e.logger, logf)
	registerMeshModule(L, m)
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		logf(strings.Join(parts, "\t"))
		return 0
	}))

	e.logger.Debug("scenario: executing", "code_len", len(code))

	result := func(err error) *RunResult {
		res := &RunResult{
			OK:       err == nil,
			Logs:     logs,
			Duration: time.Since(start).String(),
			SimTime:  m.elapsed().String(),
			Nodes:    len(m.nodes),
		}
		if err != nil {
			errStr := err.Error()
			if strings.Contains(errStr, "context deadline exceeded") {
				errStr = fmt.Sprintf("timeout (%s)", e.cfg.Timeout)
			}
			res.Error = errStr
			e.logger.Warn("scenario: script error", "err", errStr)
		}
		return res
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}
	if err := m.takeErr(); err != nil {
		return result(err)
	}
	res := result(nil)
	e.logger.Info("scenario: complete", "nodes", res.Nodes, "sim_time", res.SimTime, "duration", res.Duration)
	return res
}
