// Simulated capture/compare timer and crank wheel
//
// Drives a crank decoder in virtual time: a 16-bit free running timer with
// overflow, one compare channel, one one-shot timer for virtual teeth and a
// toothed wheel turning along an RPM profile. Everything the decoder does
// to its collaborators is recorded as a timeline.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"container/heap"

	"ecu-core/pkg/ckps"
)

// Target receives the simulated interrupts. *ckps.Decoder satisfies it.
type Target interface {
	OnCapture(ts uint16)
	OnVirtualTooth()
	OnCompare()
	OnOverflow()
	OnReferencePulse()
}

// EventKind identifies a timeline entry.
type EventKind int

const (
	EvCapture EventKind = iota
	EvReference
	EvVirtual
	EvCompare
	EvOverflow
	EvArm
	EvLatch
	EvKnockIntegrate
	EvKnockHold
	EvMeasure
	EvKnockMeasure
	EvInjection
	EvCam
	EvOutput
	EvHall
	EvEdgeSelect
)

var kindNames = map[EventKind]string{
	EvCapture:        "capture",
	EvReference:      "reference",
	EvVirtual:        "virtual",
	EvCompare:        "compare",
	EvOverflow:       "overflow",
	EvArm:            "arm",
	EvLatch:          "latch",
	EvKnockIntegrate: "knock_integrate",
	EvKnockHold:      "knock_hold",
	EvMeasure:        "measure",
	EvKnockMeasure:   "knock_measure",
	EvInjection:      "injection",
	EvCam:            "cam",
	EvOutput:         "output",
	EvHall:           "hall",
	EvEdgeSelect:     "edge_select",
}

func (k EventKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event is one timeline entry. Time is in absolute ticks.
type Event struct {
	Time    uint64
	Kind    EventKind
	Channel int
	Level   bool
	Value   uint16
}

// Config configures a simulation.
type Config struct {
	TimerHz uint32
	Wheel   Wheel
	// Latency is how late the capture handler observes the timer, in ticks.
	Latency uint64
}

type pending struct {
	at   uint64
	seq  uint64
	kind EventKind
	gen  uint64
	ts   uint16
}

type queue []pending

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}
func (q queue) Swap(i, j int)        { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x interface{}) { *q = append(*q, x.(pending)) }
func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// Sim is the virtual peripheral. It implements ckps.Peripheral and is not
// safe for concurrent use; handlers run synchronously from Run.
type Sim struct {
	cfg    Config
	now    uint64
	lag    uint64
	target Target
	q      queue
	seq    uint64

	compareGen   uint64
	compareArmed bool
	virtualGen   uint64
	edge         ckps.Edge

	wheel *wheelState
	log   []Event
}

// New creates a simulation. Attach the decoder before running.
func New(cfg Config) *Sim {
	if cfg.TimerHz == 0 {
		cfg.TimerHz = ckps.DefaultTimerHz
	}
	s := &Sim{cfg: cfg}
	s.wheel = newWheelState(cfg.Wheel, float64(cfg.TimerHz))
	s.push(ckps.TimerRange, EvOverflow, 0, 0)
	s.scheduleTooth()
	return s
}

// Attach sets the interrupt target.
func (s *Sim) Attach(t Target) { s.target = t }

// Ticks returns the absolute virtual time.
func (s *Sim) Ticks() uint64 { return s.now }

// Seconds returns the virtual time in seconds.
func (s *Sim) Seconds() float64 { return float64(s.now) / float64(s.cfg.TimerHz) }

// SetLatency changes the capture handler delay.
func (s *Sim) SetLatency(ticks uint64) { s.cfg.Latency = ticks }

// clock is the timer value seen by the running handler.
func (s *Sim) clock() uint64 { return s.now + s.lag }

// Now implements ckps.Peripheral.
func (s *Sim) Now() uint16 { return uint16(s.clock()) }

// ArmCompare implements ckps.Peripheral. The compare fires the next time
// the 16-bit timer equals at.
func (s *Sim) ArmCompare(at uint16) {
	s.compareGen++
	s.compareArmed = true
	now := s.clock()
	when := now + uint64(at-uint16(now))
	s.push(when, EvCompare, s.compareGen, at)
	s.record(Event{Time: when, Kind: EvArm, Channel: -1, Value: at})
}

// DisarmCompare implements ckps.Peripheral.
func (s *Sim) DisarmCompare() {
	s.compareGen++
	s.compareArmed = false
}

// ArmVirtualTooth implements ckps.Peripheral.
func (s *Sim) ArmVirtualTooth(ticks uint16) {
	s.virtualGen++
	s.push(s.clock()+uint64(ticks), EvVirtual, s.virtualGen, 0)
}

// CancelVirtualTooth implements ckps.Peripheral.
func (s *Sim) CancelVirtualTooth() { s.virtualGen++ }

// SelectEdge implements ckps.Peripheral.
func (s *Sim) SelectEdge(e ckps.Edge) {
	s.edge = e
	s.record(Event{Time: s.clock(), Kind: EvEdgeSelect, Channel: -1, Value: uint16(e)})
}

// Edge returns the polarity last selected by the decoder.
func (s *Sim) Edge() ckps.Edge { return s.edge }

func (s *Sim) push(at uint64, kind EventKind, gen uint64, ts uint16) {
	s.seq++
	heap.Push(&s.q, pending{at: at, seq: s.seq, kind: kind, gen: gen, ts: ts})
}

func (s *Sim) record(ev Event) {
	s.log = append(s.log, ev)
}

// RunUntil delivers events until the virtual time reaches ticks or the
// wheel stops.
func (s *Sim) RunUntil(ticks uint64) {
	for len(s.q) > 0 && s.q[0].at <= ticks {
		s.step()
	}
	if s.now < ticks {
		s.now = ticks
	}
}

// RunFor advances the simulation by seconds of virtual time.
func (s *Sim) RunFor(seconds float64) {
	s.RunUntil(s.now + uint64(seconds*float64(s.cfg.TimerHz)))
}

// RunRevolutions runs until n more wheel revolutions have been generated.
func (s *Sim) RunRevolutions(n int) {
	goal := s.wheel.pos + n*s.wheel.w.Cogs
	for len(s.q) > 0 && s.wheel.pos < goal && !s.wheel.stopped {
		s.step()
	}
}

// Step delivers the next pending event. It returns false when nothing is
// left to deliver.
func (s *Sim) Step() bool {
	if len(s.q) == 0 {
		return false
	}
	s.step()
	return true
}

func (s *Sim) step() {
	ev := heap.Pop(&s.q).(pending)
	if ev.at > s.now {
		s.now = ev.at
	}
	switch ev.kind {
	case EvOverflow:
		s.push(ev.at+ckps.TimerRange, EvOverflow, 0, 0)
		s.deliver(ev, func(t Target) { t.OnOverflow() })
	case EvCapture:
		s.scheduleTooth()
		s.lag = s.cfg.Latency
		s.deliver(ev, func(t Target) { t.OnCapture(ev.ts) })
		s.lag = 0
	case EvReference:
		s.deliver(ev, func(t Target) { t.OnReferencePulse() })
	case EvVirtual:
		if ev.gen != s.virtualGen {
			return
		}
		s.deliver(ev, func(t Target) { t.OnVirtualTooth() })
	case EvCompare:
		if ev.gen != s.compareGen || !s.compareArmed {
			return
		}
		s.compareArmed = false
		s.deliver(ev, func(t Target) { t.OnCompare() })
	}
}

func (s *Sim) deliver(ev pending, call func(Target)) {
	if ev.kind != EvOverflow {
		s.record(Event{Time: ev.at, Kind: ev.kind, Channel: -1, Value: ev.ts})
	}
	if s.target != nil {
		call(s.target)
	}
}

// scheduleTooth queues the next physical edge of the wheel, walking over
// missing and dropped positions.
func (s *Sim) scheduleTooth() {
	for !s.wheel.stopped {
		at, pos, rev, ok := s.wheel.next()
		if !ok {
			return
		}
		if pos == 0 && s.wheel.w.Reference {
			half := s.wheel.lastPeriod / 2
			if at > half && at-half >= s.now {
				s.push(at-half, EvReference, 0, 0)
			}
		}
		if pos >= s.wheel.w.Cogs-s.wheel.w.Missing {
			continue
		}
		if s.wheel.w.Drop != nil && s.wheel.w.Drop(rev, pos) {
			continue
		}
		s.push(at, EvCapture, 0, uint16(at))
		return
	}
}

// Events returns the recorded timeline, filtered by kind when kinds are
// given.
func (s *Sim) Events(kinds ...EventKind) []Event {
	if len(kinds) == 0 {
		out := make([]Event, len(s.log))
		copy(out, s.log)
		return out
	}
	want := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var out []Event
	for _, ev := range s.log {
		if want[ev.Kind] {
			out = append(out, ev)
		}
	}
	return out
}

// ClearEvents drops the recorded timeline.
func (s *Sim) ClearEvents() { s.log = s.log[:0] }

// CrankAngle returns the true crank angle in degrees at absolute time
// ticks, counted from tooth position 0 of the first revolution.
func (s *Sim) CrankAngle(ticks uint64) float64 {
	return s.wheel.angle(ticks)
}
