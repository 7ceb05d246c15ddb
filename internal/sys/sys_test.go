package sys

import (
	"log/slog"
	"os"
	"reflect"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestManualClockFiresInOrder(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	var order []int
	clk.AfterFunc(30*time.Millisecond, func() { order = append(order, 3) })
	clk.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
	clk.AfterFunc(20*time.Millisecond, func() { order = append(order, 2) })
	stopped := clk.AfterFunc(15*time.Millisecond, func() { order = append(order, 99) })
	stopped.Stop()

	clk.Advance(25 * time.Millisecond)
	if !reflect.DeepEqual(order, []int{1, 2}) {
		t.Fatalf("order = %v, want [1 2]", order)
	}
	clk.Advance(10 * time.Millisecond)
	if !reflect.DeepEqual(order, []int{1, 2, 3}) {
		t.Fatalf("order = %v, want [1 2 3]", order)
	}
	if got := clk.Now(); !got.Equal(time.Unix(0, 0).Add(35 * time.Millisecond)) {
		t.Errorf("now = %v", got)
	}
}

func TestTaskManagerRunsPostedTasksInOrder(t *testing.T) {
	tm := NewTaskManager()
	var order []int
	tm.Post(func() {
		order = append(order, 1)
		tm.Post(func() { order = append(order, 3) })
	})
	tm.Post(func() { order = append(order, 2) })

	if n := tm.RunPending(); n != 3 {
		t.Errorf("ran %d tasks, want 3", n)
	}
	if !reflect.DeepEqual(order, []int{1, 2, 3}) {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestTimerOneShotAndRepeat(t *testing.T) {
	env := NewManualEnv(newTestLogger(), 1)

	oneShot := 0
	repeat := 0
	t1 := NewTimer(env, 100*time.Millisecond, TimerOneShot, func() { oneShot++ })
	t2 := NewTimer(env, 100*time.Millisecond, TimerRepeat, func() { repeat++ })
	t1.Start()
	t2.Start()

	env.Advance(350 * time.Millisecond)
	if oneShot != 1 {
		t.Errorf("one-shot fired %d times, want 1", oneShot)
	}
	if repeat != 3 {
		t.Errorf("repeat fired %d times, want 3", repeat)
	}
	if t1.Running() {
		t.Error("one-shot still running after firing")
	}

	t2.Stop()
	env.Advance(time.Second)
	if repeat != 3 {
		t.Errorf("repeat fired after stop: %d", repeat)
	}
}

func TestTimerRestartDiscardsStaleCallback(t *testing.T) {
	env := NewManualEnv(newTestLogger(), 1)
	fired := 0
	tm := NewTimer(env, 100*time.Millisecond, TimerOneShot, func() { fired++ })
	tm.Start()
	env.Advance(50 * time.Millisecond)
	tm.Start() // restart: deadline moves to 150ms
	env.Advance(60 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired = %d at 110ms, want 0", fired)
	}
	env.Advance(50 * time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d at 160ms, want 1", fired)
	}
}

func TestDuplicateTableScenario(t *testing.T) {
	env := NewManualEnv(newTestLogger(), 1)
	dt := NewDuplicateTable(env, DuplicateTableConfig{Size: 4, TTL: 500 * time.Millisecond})

	if got := dt.Check(0x1234, 7); got != DuplicateAdded {
		t.Fatalf("first check = %s, want added", got)
	}
	env.Advance(100 * time.Millisecond)
	if got := dt.Check(0x1234, 7); got != DuplicateFound {
		t.Fatalf("second check = %s, want found", got)
	}
	env.Advance(500 * time.Millisecond)
	if dt.Len() != 0 {
		t.Fatalf("len after ttl = %d, want 0", dt.Len())
	}
	if got := dt.Check(0x1234, 7); got != DuplicateAdded {
		t.Fatalf("check after ttl = %s, want added", got)
	}
}

func TestDuplicateTableMidPeriodInsertKeepsFullTTL(t *testing.T) {
	env := NewManualEnv(newTestLogger(), 1)
	dt := NewDuplicateTable(env, DuplicateTableConfig{Size: 4, TTL: 500 * time.Millisecond})

	// Arms the aging tick at t=0.
	dt.Check(0x0001, 1)
	env.Advance(120 * time.Millisecond)
	if got := dt.Check(0x1234, 7); got != DuplicateAdded {
		t.Fatalf("insert at 120ms = %s, want added", got)
	}
	env.Advance(380 * time.Millisecond)
	if got := dt.Check(0x1234, 7); got != DuplicateFound {
		t.Fatalf("repeat 380ms after insert with ttl 500ms = %s, want found", got)
	}
	env.Advance(120 * time.Millisecond)
	if got := dt.Check(0x1234, 7); got != DuplicateAdded {
		t.Fatalf("repeat 500ms after insert = %s, want added", got)
	}
}

func TestDuplicateTableFullPolicy(t *testing.T) {
	env := NewManualEnv(newTestLogger(), 1)

	strict := NewDuplicateTable(env, DuplicateTableConfig{Size: 2, TTL: time.Second})
	strict.Check(1, 1)
	strict.Check(2, 1)
	if got := strict.Check(3, 1); got != DuplicateFull {
		t.Errorf("strict table: %s, want full", got)
	}

	evicting := NewDuplicateTable(env, DuplicateTableConfig{Size: 2, TTL: time.Second, AgingPeriod: 100 * time.Millisecond, RemoveOldest: true})
	evicting.Check(1, 1)
	env.Advance(200 * time.Millisecond)
	evicting.Check(2, 1)
	if got := evicting.Check(3, 1); got != DuplicateAdded {
		t.Fatalf("evicting table: %s, want added", got)
	}
	if evicting.Find(1, 1) != nil {
		t.Error("oldest entry (1,1) survived eviction")
	}
	if evicting.Find(2, 1) == nil || evicting.Find(3, 1) == nil {
		t.Error("newer entries missing after eviction")
	}
}

func TestDuplicateTableNeverReportsTwoLiveEntries(t *testing.T) {
	env := NewManualEnv(newTestLogger(), 1)
	dt := NewDuplicateTable(env, DuplicateTableConfig{Size: 8, TTL: time.Second, RemoveOldest: true})
	for i := 0; i < 50; i++ {
		dt.Check(uint16(i%5), uint8(i%3))
	}
	seen := map[[2]int]bool{}
	for _, e := range dt.entries {
		if !e.active {
			continue
		}
		k := [2]int{int(e.Address), int(e.SeqNumber)}
		if seen[k] {
			t.Fatalf("duplicate live entry %v", k)
		}
		seen[k] = true
	}
}

func TestMutexHandsOverInOrder(t *testing.T) {
	env := NewManualEnv(newTestLogger(), 1)
	m := NewMutex(env)
	var granted []string
	a := &MutexOwner{Granted: func() { granted = append(granted, "a") }}
	b := &MutexOwner{Granted: func() { granted = append(granted, "b") }}
	c := &MutexOwner{Granted: func() { granted = append(granted, "c") }}

	if !m.Lock(a) {
		t.Fatal("first lock not granted")
	}
	if m.Lock(b) || m.Lock(c) {
		t.Fatal("lock granted while owned")
	}
	m.Unlock(a)
	env.Settle()
	if m.Owner() != b {
		t.Fatal("ownership did not pass to b")
	}
	m.Unlock(b)
	env.Settle()
	m.Unlock(c)
	if !reflect.DeepEqual(granted, []string{"b", "c"}) {
		t.Errorf("granted = %v, want [b c]", granted)
	}
	if m.Owner() != nil {
		t.Error("mutex still owned")
	}
}

func TestFatalRunsHandlersInReverse(t *testing.T) {
	f := NewFatalHandler(newTestLogger())
	var order []int
	f.Subscribe(func(FatalCode) { order = append(order, 1) })
	f.Subscribe(func(FatalCode) { order = append(order, 2) })
	f.Subscribe(func(FatalCode) { panic("handler failure") })
	var resetCode FatalCode
	f.Reset = func(c FatalCode) { resetCode = c }

	f.Assert(true, FatalDoubleFree, "not raised")
	if resetCode != 0 {
		t.Fatal("assert(true) raised")
	}
	f.Raise(FatalDoubleFree, "packet freed twice")
	if !reflect.DeepEqual(order, []int{2, 1}) {
		t.Errorf("order = %v, want [2 1]", order)
	}
	if resetCode != FatalDoubleFree {
		t.Errorf("reset code = %s, want %s", resetCode, FatalDoubleFree)
	}
}
