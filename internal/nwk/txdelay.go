package nwk

import (
	"time"

	"zigbee-go-stack/internal/sys"
)

// TxDelay defers transmissions by a random jitter. One timer serves the
// whole queue: requests run strictly in arrival order, and a request that
// arrives while the timer is armed waits its turn without restarting it.
type TxDelay struct {
	env    *sys.Env
	max    time.Duration
	queue  []*delayedTx
	timer  *sys.Timer
	nextID uint64
}

type delayedTx struct {
	id   uint64
	send func()
}

// DelayHandle identifies a queued transmission.
type DelayHandle uint64

// NewTxDelay creates an empty queue with jitter in [0, max].
func NewTxDelay(env *sys.Env, max time.Duration) *TxDelay {
	d := &TxDelay{env: env, max: max}
	d.timer = sys.NewTimer(env, 0, sys.TimerOneShot, d.fire)
	return d
}

// Req queues send.
func (d *TxDelay) Req(send func()) DelayHandle {
	d.nextID++
	d.queue = append(d.queue, &delayedTx{id: d.nextID, send: send})
	if !d.timer.Running() {
		d.timer.StartAfter(d.env.Jitter(d.max))
	}
	return DelayHandle(d.nextID)
}

// Cancel removes a queued transmission. It reports whether it was still
// queued.
func (d *TxDelay) Cancel(h DelayHandle) bool {
	for i, tx := range d.queue {
		if tx.id == uint64(h) {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			if len(d.queue) == 0 {
				d.timer.Stop()
			}
			return true
		}
	}
	return false
}

func (d *TxDelay) fire() {
	if len(d.queue) == 0 {
		return
	}
	tx := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	if len(d.queue) > 0 {
		d.timer.StartAfter(d.env.Jitter(d.max))
	}
	tx.send()
}

// Len returns the number of queued transmissions.
func (d *TxDelay) Len() int {
	return len(d.queue)
}

// Reset drops every queued transmission.
func (d *TxDelay) Reset() {
	d.queue = nil
	d.timer.Stop()
}
