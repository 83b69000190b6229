// Package hostio connects the crank decoder to a Linux host: a software
// capture/compare timer on CLOCK_MONOTONIC, GPIO character-device inputs
// and outputs, and real-time process setup.
//
// Timing on a host is best effort. Compare and virtual tooth events run
// from Go timers, so they fire with scheduler latency on top of the
// requested delay.
package hostio

import (
	"context"
	"sync"
	"time"

	"ecu-core/pkg/ckps"
)

// Handlers are the decoder entry points driven by the timer.
type Handlers interface {
	OnCompare()
	OnVirtualTooth()
	OnOverflow()
}

// Timer implements ckps.Peripheral on a monotonic clock scaled to a
// 16-bit counter running at hz.
type Timer struct {
	hz  uint32
	now func() time.Duration

	mu         sync.Mutex
	h          Handlers
	edge       func(ckps.Edge)
	compare    *time.Timer
	compareGen uint64
	virtual    *time.Timer
	virtualGen uint64
}

var _ ckps.Peripheral = (*Timer)(nil)

// NewTimer returns a timer counting at hz on the given clock. A nil clock
// selects the host monotonic clock.
func NewTimer(hz uint32, clock func() time.Duration) *Timer {
	if clock == nil {
		clock = Monotonic
	}
	return &Timer{hz: hz, now: clock}
}

// Bind sets the handlers. Events armed before Bind are dropped.
func (t *Timer) Bind(h Handlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h = h
}

// OnSelectEdge installs the hook that changes the capture polarity.
func (t *Timer) OnSelectEdge(fn func(ckps.Edge)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edge = fn
}

// Count is the full tick count for a clock reading.
func (t *Timer) Count(d time.Duration) uint64 {
	sec := uint64(d / time.Second)
	ns := uint64(d % time.Second)
	return sec*uint64(t.hz) + ns*uint64(t.hz)/uint64(time.Second)
}

// Stamp converts a clock reading, such as a GPIO event timestamp, to a
// counter value.
func (t *Timer) Stamp(d time.Duration) uint16 {
	return uint16(t.Count(d))
}

// Duration is the time taken by n ticks, rounded up.
func (t *Timer) Duration(n uint64) time.Duration {
	hz := uint64(t.hz)
	return time.Duration((n*uint64(time.Second) + hz - 1) / hz)
}

func (t *Timer) Now() uint16 {
	return t.Stamp(t.now())
}

// ArmCompare schedules OnCompare when the counter reaches at. A target
// equal to the current count fires at once.
func (t *Timer) ArmCompare(at uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stop(t.compare)
	t.compareGen++
	gen := t.compareGen
	delay := t.Duration(uint64(at - t.Now()))
	t.compare = time.AfterFunc(delay, func() {
		if h := t.current(&t.compareGen, gen); h != nil {
			h.OnCompare()
		}
	})
}

func (t *Timer) DisarmCompare() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stop(t.compare)
	t.compareGen++
}

// ArmVirtualTooth schedules OnVirtualTooth after ticks.
func (t *Timer) ArmVirtualTooth(ticks uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stop(t.virtual)
	t.virtualGen++
	gen := t.virtualGen
	t.virtual = time.AfterFunc(t.Duration(uint64(ticks)), func() {
		if h := t.current(&t.virtualGen, gen); h != nil {
			h.OnVirtualTooth()
		}
	})
}

func (t *Timer) CancelVirtualTooth() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stop(t.virtual)
	t.virtualGen++
}

func (t *Timer) SelectEdge(e ckps.Edge) {
	t.mu.Lock()
	fn := t.edge
	t.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

// current returns the handlers if gen is still the armed generation.
func (t *Timer) current(counter *uint64, gen uint64) Handlers {
	t.mu.Lock()
	defer t.mu.Unlock()
	if *counter != gen {
		return nil
	}
	return t.h
}

func (t *Timer) stop(tm *time.Timer) {
	if tm != nil {
		tm.Stop()
	}
}

// Run calls OnOverflow each time the 16-bit counter wraps until ctx is
// done.
func (t *Timer) Run(ctx context.Context) {
	wrap := time.NewTimer(time.Hour)
	defer wrap.Stop()
	for {
		count := t.Count(t.now())
		next := (count/ckps.TimerRange + 1) * ckps.TimerRange
		wrap.Reset(t.Duration(next - count))
		select {
		case <-ctx.Done():
			return
		case <-wrap.C:
		}
		t.mu.Lock()
		h := t.h
		t.mu.Unlock()
		if h != nil {
			h.OnOverflow()
		}
	}
}
