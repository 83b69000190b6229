package main

import (
	"fmt"
	"time"

	"ecu-core/pkg/ckps"
	"ecu-core/pkg/enginelogic"
	"ecu-core/pkg/sim"
)

type options struct {
	Decoder       ckps.Config
	Logic         enginelogic.Config
	ControlPeriod time.Duration

	From, To float64
	Ramp     time.Duration
	Duration time.Duration
	Latency  uint64
	Throttle bool
	// DropEvery removes the middle tooth of every Nth revolution.
	DropEvery int

	SampleEvery time.Duration
	// Window is the tail of the run used for the spark statistics.
	Window time.Duration
}

func defaultOptions() options {
	return options{
		Decoder:       ckps.DefaultConfig(),
		Logic:         enginelogic.DefaultConfig(),
		ControlPeriod: 10 * time.Millisecond,
		From:          300,
		To:            3000,
		Ramp:          2 * time.Second,
		Duration:      4 * time.Second,
		SampleEvery:   250 * time.Millisecond,
		Window:        time.Second,
	}
}

type sample struct {
	Time    float64
	TrueRPM float64
	State   string
	Status  enginelogic.Status
}

type result struct {
	Samples    []sample
	Final      ckps.Snapshot
	Status     enginelogic.Status
	Tables     []ckps.ChannelTable
	SparkError sim.Summary
	// Events is the timeline of the statistics window.
	Events []sim.Event
}

func run(opts options) (*result, error) {
	if opts.ControlPeriod <= 0 {
		return nil, fmt.Errorf("control period must be positive")
	}
	if opts.Duration < opts.ControlPeriod {
		return nil, fmt.Errorf("duration %s shorter than one control period", opts.Duration)
	}

	dc := opts.Decoder
	profile := sim.Ramp(opts.From, opts.To, opts.Ramp.Seconds())
	wheel := sim.Wheel{
		Cogs:      dc.Cogs,
		Missing:   dc.Missing,
		RPM:       profile,
		Reference: dc.Missing == 0,
	}
	if opts.DropEvery > 0 {
		every, mid := opts.DropEvery, dc.Cogs/2
		wheel.Drop = func(rev, pos int) bool {
			return rev > 0 && rev%every == 0 && pos == mid
		}
	}

	s := sim.New(sim.Config{TimerHz: dc.TimerHz, Wheel: wheel, Latency: opts.Latency})
	ports, _ := s.Ports(dc.Cylinders)
	dec, err := ckps.New(s, dc, ports)
	if err != nil {
		return nil, err
	}
	s.Attach(dec)
	ctl, err := enginelogic.New(dec, opts.Logic, enginelogic.Actuators{})
	if err != nil {
		return nil, err
	}

	steps := int(opts.Duration / opts.ControlPeriod)
	sampleEvery := int(opts.SampleEvery / opts.ControlPeriod)
	if sampleEvery < 1 {
		sampleEvery = 1
	}
	windowStart := steps - int(opts.Window/opts.ControlPeriod)
	if windowStart < 0 {
		windowStart = 0
	}

	res := &result{}
	base := time.Unix(0, 0)
	in := enginelogic.Inputs{ThrottleOpen: opts.Throttle}
	for i := 1; i <= steps; i++ {
		if i-1 == windowStart {
			s.ClearEvents()
		}
		s.RunFor(opts.ControlPeriod.Seconds())
		st := ctl.Tick(base.Add(time.Duration(i)*opts.ControlPeriod), in)
		if i%sampleEvery == 0 {
			res.Samples = append(res.Samples, sample{
				Time:    s.Seconds(),
				TrueRPM: profile(s.Seconds()),
				State:   dec.Snapshot().StateName,
				Status:  st,
			})
		}
	}

	res.Final = dec.Snapshot()
	res.Status = ctl.Status()
	res.Tables = dec.Tables()
	res.Events = s.Events()
	res.SparkError = sparkError(s, res.Final, res.Tables, dc)
	return res, nil
}

// sparkError compares the simulated spark instants of the window against
// TDC of the first channel minus the applied advance.
func sparkError(s *sim.Sim, snap ckps.Snapshot, tables []ckps.ChannelTable, dc ckps.Config) sim.Summary {
	if len(tables) == 0 || snap.Geometry.Total == 0 {
		return sim.Summary{}
	}
	angles := s.SparkAngles(!dc.InvertOutputs)
	total := int(snap.Geometry.Total)
	tdc := float64((int(tables[0].TDC)-1)%total) * 360 / float64(total)
	period := 720 / float64(snap.Geometry.Cylinders)
	return sim.Summarize(sim.AngleError(angles, tdc-snap.Advance.Degrees(), period))
}
