package ckps

// Peripheral is the capture/compare timer hardware seen by the decoder.
// All times are raw 16-bit timer values.
type Peripheral interface {
	// Now returns the free-running timer value.
	Now() uint16
	// ArmCompare schedules OnCompare when the timer reaches at.
	ArmCompare(at uint16)
	DisarmCompare()
	// ArmVirtualTooth schedules OnVirtualTooth after ticks.
	ArmVirtualTooth(ticks uint16)
	CancelVirtualTooth()
	// SelectEdge selects the capture polarity.
	SelectEdge(e Edge)
}

// KnockMode is the state of the knock integrator.
type KnockMode int

const (
	KnockHold KnockMode = iota
	KnockIntegrate
)

func (m KnockMode) String() string {
	if m == KnockIntegrate {
		return "integrate"
	}
	return "hold"
}

// Knock is the knock sensor front end.
type Knock interface {
	SetIntegrationMode(m KnockMode)
	StartSettingsLatch()
}

// Sampler is the analog sampling driver.
type Sampler interface {
	BeginMeasure(fast bool)
	BeginKnockMeasure(fast bool)
}

// Injector starts injection pulses.
type Injector interface {
	StartInjection(ch int)
}

// Cam is the camshaft phase sensor cross-check.
type Cam interface {
	DetectEdge()
}

// OutputSink drives one output line.
type OutputSink interface {
	Set(level bool)
}

// OutputFunc adapts a function to OutputSink.
type OutputFunc func(level bool)

// Set calls f(level).
func (f OutputFunc) Set(level bool) { f(level) }

// Ports groups the collaborators called from the handlers. Nil members are
// replaced with no-ops. Callbacks run with the decoder gate held and must
// not call back into the decoder.
type Ports struct {
	Knock    Knock
	Sampler  Sampler
	Injector Injector
	Cam      Cam

	// Hall is the emulated Hall sensor output.
	Hall OutputSink

	// Outputs is the bank of ignition outputs bound to channels by
	// SetCylinders.
	Outputs []OutputSink
}

type nopPorts struct{}

func (nopPorts) SetIntegrationMode(KnockMode) {}
func (nopPorts) StartSettingsLatch()          {}
func (nopPorts) BeginMeasure(bool)            {}
func (nopPorts) BeginKnockMeasure(bool)       {}
func (nopPorts) StartInjection(int)           {}
func (nopPorts) DetectEdge()                  {}
func (nopPorts) Set(bool)                     {}

func (p Ports) withDefaults() Ports {
	if p.Knock == nil {
		p.Knock = nopPorts{}
	}
	if p.Sampler == nil {
		p.Sampler = nopPorts{}
	}
	if p.Injector == nil {
		p.Injector = nopPorts{}
	}
	if p.Cam == nil {
		p.Cam = nopPorts{}
	}
	if p.Hall == nil {
		p.Hall = nopPorts{}
	}
	outs := make([]OutputSink, len(p.Outputs))
	for i, o := range p.Outputs {
		if o == nil {
			o = nopPorts{}
		}
		outs[i] = o
	}
	p.Outputs = outs
	return p
}
