package sys

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Env bundles the runtime services shared by every layer of one stack
// instance (or of a whole simulated mesh).
type Env struct {
	Clock  Clock
	Tasks  *TaskManager
	Fatal  *FatalHandler
	Logger *slog.Logger
	Rand   *rand.Rand

	manual *ManualClock
}

// NewEnv creates an environment on the real clock.
func NewEnv(logger *slog.Logger) *Env {
	e := &Env{
		Clock:  RealClock(),
		Tasks:  NewTaskManager(),
		Fatal:  NewFatalHandler(logger),
		Logger: logger,
		Rand:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	e.Tasks.OnPanic = func(v any) {
		e.Fatal.Raise(FatalTaskPanic, fmt.Sprint(v))
	}
	return e
}

// NewManualEnv creates an environment driven by a ManualClock with a
// deterministic random source.
func NewManualEnv(logger *slog.Logger, seed uint64) *Env {
	clk := NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return &Env{
		Clock:  clk,
		Tasks:  NewTaskManager(),
		Fatal:  NewFatalHandler(logger),
		Logger: logger,
		Rand:   rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
		manual: clk,
	}
}

// Manual returns the manual clock, or nil for a real-time environment.
func (e *Env) Manual() *ManualClock {
	return e.manual
}

// Settle runs every pending task.
func (e *Env) Settle() {
	e.Tasks.RunPending()
}

// Advance moves a manual environment forward by d, running tasks after
// every timer that fires.
func (e *Env) Advance(d time.Duration) {
	if e.manual == nil {
		panic("sys: Advance on a real-time environment")
	}
	e.Settle()
	e.manual.AdvanceWith(d, e.Settle)
}

// Jitter returns a uniformly distributed duration in [0, max].
func (e *Env) Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(e.Rand.Int64N(int64(max) + 1))
}
