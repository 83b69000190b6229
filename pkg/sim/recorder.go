package sim

import "ecu-core/pkg/ckps"

// recorder implements the decoder collaborators and logs every call.
type recorder struct {
	s *Sim
}

func (r recorder) SetIntegrationMode(m ckps.KnockMode) {
	kind := EvKnockHold
	if m == ckps.KnockIntegrate {
		kind = EvKnockIntegrate
	}
	r.s.record(Event{Time: r.s.clock(), Kind: kind, Channel: -1})
}

func (r recorder) StartSettingsLatch() {
	r.s.record(Event{Time: r.s.clock(), Kind: EvLatch, Channel: -1})
}

func (r recorder) BeginMeasure(fast bool) {
	r.s.record(Event{Time: r.s.clock(), Kind: EvMeasure, Channel: -1, Level: fast})
}

func (r recorder) BeginKnockMeasure(fast bool) {
	r.s.record(Event{Time: r.s.clock(), Kind: EvKnockMeasure, Channel: -1, Level: fast})
}

func (r recorder) StartInjection(ch int) {
	r.s.record(Event{Time: r.s.clock(), Kind: EvInjection, Channel: ch})
}

func (r recorder) DetectEdge() {
	r.s.record(Event{Time: r.s.clock(), Kind: EvCam, Channel: -1})
}

// Pin records level changes of one output line.
type Pin struct {
	s     *Sim
	kind  EventKind
	index int
	level bool
	set   bool
}

// Set implements ckps.OutputSink. Only transitions are recorded.
func (p *Pin) Set(level bool) {
	if p.set && p.level == level {
		return
	}
	p.set = true
	p.level = level
	p.s.record(Event{Time: p.s.clock(), Kind: p.kind, Channel: p.index, Level: level})
}

// Level returns the last driven level.
func (p *Pin) Level() bool { return p.level }

// Ports returns recording collaborators with n ignition outputs and a Hall
// output.
func (s *Sim) Ports(n int) (ckps.Ports, []*Pin) {
	r := recorder{s: s}
	pins := make([]*Pin, n)
	outs := make([]ckps.OutputSink, n)
	for i := range pins {
		pins[i] = &Pin{s: s, kind: EvOutput, index: i}
		outs[i] = pins[i]
	}
	return ckps.Ports{
		Knock:    r,
		Sampler:  r,
		Injector: r,
		Cam:      r,
		Hall:     &Pin{s: s, kind: EvHall, index: -1},
		Outputs:  outs,
	}, pins
}
