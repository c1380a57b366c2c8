package monitor

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const DefaultDebounce = 500 * time.Millisecond

// Debouncer collapses bursts of Trigger calls into one call of fn, made once
// the triggers have been quiet for the delay.
type Debouncer struct {
	clock clock.WithDelayedExecution
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer clock.Timer
	// seq identifies the timer currently in the slot
	seq uint64
}

func NewDebouncer(c clock.WithDelayedExecution, delay time.Duration, fn func()) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{clock: c, delay: delay, fn: fn}
}

func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(seq) })
}

// fire runs for the timer armed as seq. A Trigger that armed a newer timer in
// the meantime owns the slot, so the slot is only cleared for seq itself.
func (d *Debouncer) fire(seq uint64) {
	d.mu.Lock()
	if d.seq == seq {
		d.timer = nil
	}
	d.mu.Unlock()

	// fake clocks run timer funcs under their own lock
	go d.fn()
}

// Stop drops a pending call.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
