package sys

import "time"

// TimerMode selects one-shot or periodic firing.
type TimerMode uint8

const (
	TimerOneShot TimerMode = iota
	TimerRepeat
)

// Timer is an application timer whose callback runs as a task.
// Start and Stop must be called from a task. A callback already in flight
// when the timer is stopped or restarted is discarded.
type Timer struct {
	env      *Env
	Interval time.Duration
	Mode     TimerMode
	Fired    func()

	gen     uint64
	pending Stopper
	running bool
}

// NewTimer creates a stopped timer.
func NewTimer(env *Env, interval time.Duration, mode TimerMode, fired func()) *Timer {
	return &Timer{env: env, Interval: interval, Mode: mode, Fired: fired}
}

// Start arms the timer, restarting it if it is already running.
func (t *Timer) Start() {
	t.Stop()
	t.running = true
	t.arm()
}

// StartAfter arms the timer with a one-off interval.
func (t *Timer) StartAfter(d time.Duration) {
	t.Interval = d
	t.Start()
}

func (t *Timer) arm() {
	t.gen++
	gen := t.gen
	t.pending = t.env.Clock.AfterFunc(t.Interval, func() {
		t.env.Tasks.Post(func() { t.fire(gen) })
	})
}

func (t *Timer) fire(gen uint64) {
	if !t.running || gen != t.gen {
		return
	}
	if t.Mode == TimerRepeat {
		t.arm()
	} else {
		t.running = false
		t.pending = nil
	}
	if t.Fired != nil {
		t.Fired()
	}
}

// Stop disarms the timer.
func (t *Timer) Stop() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.running = false
	t.gen++
}

// Running reports whether the timer is armed.
func (t *Timer) Running() bool {
	return t.running
}
