package sim

import "sort"

// Profile gives the engine speed in min^-1 at a virtual time in seconds.
// A non-positive value stops the wheel.
type Profile func(sec float64) float64

// Constant turns the wheel at a fixed speed.
func Constant(rpm float64) Profile {
	return func(float64) float64 { return rpm }
}

// Ramp changes speed linearly from one value to another over seconds and
// holds the final value.
func Ramp(from, to, seconds float64) Profile {
	return func(sec float64) float64 {
		if sec >= seconds {
			return to
		}
		return from + (to-from)*sec/seconds
	}
}

// Stop runs at rpm until at seconds, then the wheel stops.
func Stop(rpm, at float64) Profile {
	return func(sec float64) float64 {
		if sec >= at {
			return 0
		}
		return rpm
	}
}

// Wheel describes the crank wheel. Positions 0..Cogs-1 are numbered from
// the first tooth after the gap; the last Missing positions are absent.
type Wheel struct {
	Cogs    int
	Missing int
	RPM     Profile

	// StartTooth is the position under the sensor at time zero.
	StartTooth int

	// Reference emits a reference pulse half a tooth before position 0.
	Reference bool

	// Drop removes single physical teeth to fabricate faults.
	Drop func(rev, pos int) bool
}

type wheelState struct {
	w          Wheel
	hz         float64
	start      int
	pos        int
	t          float64
	times      []uint64
	lastPeriod uint64
	stopped    bool
}

func newWheelState(w Wheel, hz float64) *wheelState {
	if w.RPM == nil {
		w.RPM = Constant(0)
	}
	ws := &wheelState{w: w, hz: hz, start: w.StartTooth, pos: w.StartTooth}
	if w.Cogs <= 0 {
		ws.stopped = true
		return ws
	}
	rpm := w.RPM(0)
	if rpm <= 0 {
		ws.stopped = true
		return ws
	}
	ws.t = ws.period(rpm)
	return ws
}

func (ws *wheelState) period(rpm float64) float64 {
	return ws.hz * 60 / (rpm * float64(ws.w.Cogs))
}

// next returns the position passing the sensor next and advances.
func (ws *wheelState) next() (at uint64, pos, rev int, ok bool) {
	if ws.stopped {
		return 0, 0, 0, false
	}
	at = uint64(ws.t)
	pos = ws.pos % ws.w.Cogs
	rev = ws.pos / ws.w.Cogs
	ws.times = append(ws.times, at)

	rpm := ws.w.RPM(ws.t / ws.hz)
	if rpm <= 0 {
		ws.stopped = true
		return at, pos, rev, true
	}
	p := ws.period(rpm)
	ws.lastPeriod = uint64(p)
	ws.t += p
	ws.pos++
	return at, pos, rev, true
}

func (ws *wheelState) angle(ticks uint64) float64 {
	n := len(ws.times)
	if n == 0 {
		return 0
	}
	step := 360 / float64(ws.w.Cogs)
	i := sort.Search(n, func(i int) bool { return ws.times[i] > ticks }) - 1
	if i < 0 {
		return float64(ws.start) * step
	}
	var span float64
	if i+1 < n {
		span = float64(ws.times[i+1] - ws.times[i])
	} else {
		span = float64(ws.lastPeriod)
	}
	frac := 0.0
	if span > 0 {
		frac = float64(ticks-ws.times[i]) / span
	}
	return (float64(ws.start+i) + frac) * step
}
