package hostio

import (
	"sync/atomic"

	"ecu-core/pkg/ckps"
)

// Target receives the edges decoded from the crank and reference inputs.
type Target interface {
	OnCapture(ts uint16)
	OnReferencePulse()
}

// BoardConfig names the GPIO lines. A negative line is not connected.
type BoardConfig struct {
	Chip          string
	Consumer      string
	CrankLine     int
	ReferenceLine int
	ThrottleLine  int
	IgnitionLines []int
	HallLine      int
	FuelPumpLine  int
	IdleValveLine int
	GasLine       int

	// IgnitionSenseLine reads the ignition switch, PowerRelayLine is
	// driven high from OpenBoard until released.
	IgnitionSenseLine int
	PowerRelayLine    int
	Edge              ckps.Edge
}

// lineWriter is the part of an output line an Output drives.
type lineWriter interface {
	SetValue(v int) error
}

// Output drives one GPIO output line as a ckps.OutputSink. Write errors
// are counted rather than reported since Set runs in handler context.
type Output struct {
	name   string
	line   lineWriter
	level  atomic.Bool
	errors atomic.Uint64
}

// Set drives the line high for true.
func (o *Output) Set(level bool) {
	v := 0
	if level {
		v = 1
	}
	if err := o.line.SetValue(v); err != nil {
		o.errors.Add(1)
		return
	}
	o.level.Store(level)
}

// Level is the last level written successfully.
func (o *Output) Level() bool { return o.level.Load() }

// Errors counts failed writes.
func (o *Output) Errors() uint64 { return o.errors.Load() }

// Name identifies the output in logs.
func (o *Output) Name() string { return o.name }

// dispatcher forwards edge events to the attached target. Events arriving
// before Attach are dropped.
type dispatcher struct {
	timer  *Timer
	target atomic.Pointer[Target]
	edges  atomic.Uint64
}

func (d *dispatcher) attach(t Target) {
	d.target.Store(&t)
}

func (d *dispatcher) capture(stamp uint16) {
	d.edges.Add(1)
	if t := d.target.Load(); t != nil {
		(*t).OnCapture(stamp)
	}
}

func (d *dispatcher) reference() {
	if t := d.target.Load(); t != nil {
		(*t).OnReferencePulse()
	}
}
