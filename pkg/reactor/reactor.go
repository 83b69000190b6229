// Package reactor runs the engine main loop. Timers and work posted from
// other goroutines all execute on the single loop goroutine, so the
// control loop state needs no locking.
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

var (
	ErrReactorClosed = errors.New("reactor: reactor closed")
	ErrQueueFull     = errors.New("reactor: async queue full")
)

// maxSleep bounds one wait of the loop.
const maxSleep = time.Second

// TimerCallback is called when a timer fires with the event time and
// returns the next wake time. Return NEVER to stop the timer.
type TimerCallback func(eventtime float64) float64

// Timer is a registered timer.
type Timer struct {
	callback TimerCallback
	waketime float64
	removed  bool
}

// Reactor owns the loop goroutine.
type Reactor struct {
	mu     sync.Mutex
	timers []*Timer

	async chan func(eventtime float64)
	wake  chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	done    chan struct{}

	overruns atomic.Uint64
	start    time.Time
}

// New returns a reactor that is not yet running.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		async:  make(chan func(float64), 256),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		start:  time.Now(),
	}
}

// Monotonic returns seconds since New.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.start).Seconds()
}

func (r *Reactor) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RegisterTimer adds a timer. Safe from any goroutine.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	t := &Timer{callback: callback, waketime: waketime}
	r.mu.Lock()
	r.timers = append(r.timers, t)
	r.mu.Unlock()
	r.poke()
	return t
}

// UnregisterTimer removes t. It does not fire again.
func (r *Reactor) UnregisterTimer(t *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.removed = true
	t.waketime = NEVER
	for i, x := range r.timers {
		if x == t {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer moves t to waketime.
func (r *Reactor) UpdateTimer(t *Timer, waketime float64) {
	r.mu.Lock()
	if !t.removed {
		t.waketime = waketime
	}
	r.mu.Unlock()
	r.poke()
}

// Waketime returns when t fires next.
func (r *Reactor) Waketime(t *Timer) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return t.waketime
}

// RegisterPeriodic calls fn every period, starting now. Wake times are
// kept on the period grid; a pass that starts after its successor was due
// counts as an overrun and the grid restarts from the current time.
func (r *Reactor) RegisterPeriodic(period time.Duration, fn func(eventtime float64)) *Timer {
	p := period.Seconds()
	var next float64
	started := false
	return r.RegisterTimer(func(eventtime float64) float64 {
		fn(eventtime)
		if !started {
			started = true
			next = eventtime
		}
		next += p
		if now := r.Monotonic(); next <= now {
			r.overruns.Add(1)
			next = now + p
		}
		return next
	}, NOW)
}

// Overruns counts periodic passes that missed their slot.
func (r *Reactor) Overruns() uint64 {
	return r.overruns.Load()
}

// Post queues fn to run on the loop goroutine.
func (r *Reactor) Post(fn func(eventtime float64)) error {
	if r.ctx.Err() != nil {
		return ErrReactorClosed
	}
	select {
	case r.async <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Call runs fn on the loop goroutine and waits for its result.
func (r *Reactor) Call(ctx context.Context, fn func(eventtime float64) error) error {
	res := make(chan error, 1)
	if err := r.Post(func(eventtime float64) { res <- fn(eventtime) }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		select {
		case err := <-res:
			return err
		default:
			return ErrReactorClosed
		}
	}
}

// Run starts the loop goroutine.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	go r.loop()
}

// End stops the loop. Queued work that has not started is dropped.
func (r *Reactor) End() {
	r.cancel()
}

// Done is closed when the loop goroutine exits.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the loop goroutine exits. It returns at once if Run
// was never called.
func (r *Reactor) Wait() {
	if r.running.Load() {
		<-r.done
	}
}

func (r *Reactor) loop() {
	defer close(r.done)
	sleep := time.NewTimer(maxSleep)
	defer sleep.Stop()

	for {
		delay := r.fireTimers(r.Monotonic())
		if delay <= 0 {
			// A callback asked to run again at once; still give queued
			// work and shutdown a chance.
			select {
			case fn := <-r.async:
				fn(r.Monotonic())
			case <-r.ctx.Done():
				return
			default:
			}
			continue
		}

		d := time.Duration(delay * float64(time.Second))
		if d > maxSleep {
			d = maxSleep
		}
		sleep.Reset(d)
		select {
		case <-sleep.C:
		case fn := <-r.async:
			fn(r.Monotonic())
		case <-r.wake:
		case <-r.ctx.Done():
			return
		}
	}
}

// fireTimers runs every due timer and returns the time to the next one.
func (r *Reactor) fireTimers(eventtime float64) float64 {
	r.mu.Lock()
	var due []*Timer
	for _, t := range r.timers {
		if t.waketime <= eventtime {
			t.waketime = NEVER
			due = append(due, t)
		}
	}
	r.mu.Unlock()

	for _, t := range due {
		next := t.callback(eventtime)
		r.mu.Lock()
		// An UpdateTimer from inside the callback wins if it is earlier.
		if !t.removed && next < t.waketime {
			t.waketime = next
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	nextWake := NEVER
	for _, t := range r.timers {
		if t.waketime < nextWake {
			nextWake = t.waketime
		}
	}
	return nextWake - r.Monotonic()
}
