// Engine control loop logic
//
// Runs in the main loop above the crank decoder: selects the engine mode,
// picks the advance angle, detects stalls, drives the fuel pump and the
// idle cut-off valve, limits revs, holds the power relay after the
// ignition is switched off and supervises synchronization errors.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package enginelogic

import (
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"

	"ecu-core/pkg/ckps"
	ecuerrors "ecu-core/pkg/errors"
	"ecu-core/pkg/log"
)

// Decoder is the part of the crank decoder the control loop uses.
type Decoder interface {
	Frequency() uint16
	StrokeEvent() bool
	CogChanged() bool
	Reset()
	SetAdvanceAngle(a ckps.Angle) error
	Err() error
	ClearError()
}

// Mode is the engine operating mode.
type Mode int

const (
	ModeStart Mode = iota
	ModeIdle
	ModeWork
)

func (m Mode) String() string {
	switch m {
	case ModeStart:
		return "start"
	case ModeIdle:
		return "idle"
	case ModeWork:
		return "work"
	default:
		return "unknown"
	}
}

// Config holds the control loop settings. Speeds are in min^-1.
type Config struct {
	// AbandonRPM ends cranking.
	AbandonRPM uint16

	StartAdvance ckps.Angle
	IdleAdvance  ckps.Angle
	WorkAdvance  ckps.Angle

	// RotationTimeout without a tooth means the engine stopped.
	RotationTimeout time.Duration

	// AverageSamples is the window of the averaged speed, in strokes.
	AverageSamples int

	PumpStartTimeout time.Duration
	PumpStopTimeout  time.Duration

	RevLimitHigh uint16
	RevLimitLow  uint16

	IdleCutHigh  uint16
	IdleCutLow   uint16
	IdleCutDelay time.Duration
	// Thresholds used instead while running on gas.
	IdleCutHighGas uint16
	IdleCutLowGas  uint16

	// PowerDownTimeout releases the power relay even if the engine still
	// turns. Below PowerDownVoltage the ignition counts as off when there
	// is no ignition switch input.
	PowerDownTimeout time.Duration
	PowerDownVoltage float64
}

// DefaultConfig returns settings for a small petrol engine.
func DefaultConfig() Config {
	return Config{
		AbandonRPM:       400,
		StartAdvance:     ckps.Deg(0),
		IdleAdvance:      ckps.Deg(10),
		WorkAdvance:      ckps.Deg(25),
		RotationTimeout:  200 * time.Millisecond,
		AverageSamples:   4,
		PumpStartTimeout: 5 * time.Second,
		PumpStopTimeout:  3 * time.Second,
		RevLimitHigh:     7000,
		RevLimitLow:      6800,
		IdleCutHigh:      1500,
		IdleCutLow:       1250,
		IdleCutHighGas:   1600,
		IdleCutLowGas:    1350,
		PowerDownTimeout: 60 * time.Second,
		PowerDownVoltage: 4.5,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	for _, a := range []struct {
		name string
		v    ckps.Angle
	}{
		{"start_advance", c.StartAdvance},
		{"idle_advance", c.IdleAdvance},
		{"work_advance", c.WorkAdvance},
	} {
		if a.v < ckps.MinAdvance || a.v > ckps.MaxAdvance {
			return ecuerrors.AngleRangeError(a.name, a.v.Degrees(),
				ckps.MinAdvance.Degrees(), ckps.MaxAdvance.Degrees())
		}
	}
	switch {
	case c.RotationTimeout <= 0:
		return ecuerrors.ConfigValidationError("logic", "rotation_timeout", "must be positive")
	case c.AverageSamples < 1 || c.AverageSamples > 64:
		return ecuerrors.ConfigValidationError("logic", "average_samples", "must be between 1 and 64")
	case c.PumpStartTimeout <= 0 || c.PumpStopTimeout <= 0:
		return ecuerrors.ConfigValidationError("logic", "pump_timeout", "must be positive")
	case c.RevLimitLow >= c.RevLimitHigh:
		return ecuerrors.ConfigValidationError("logic", "rev_limit_low", "must be below rev_limit_high")
	case c.IdleCutLow >= c.IdleCutHigh:
		return ecuerrors.ConfigValidationError("logic", "idle_cut_low", "must be below idle_cut_high")
	case c.IdleCutLowGas >= c.IdleCutHighGas:
		return ecuerrors.ConfigValidationError("logic", "idle_cut_low_gas", "must be below idle_cut_high_gas")
	case c.IdleCutDelay < 0:
		return ecuerrors.ConfigValidationError("logic", "idle_cut_delay", "must not be negative")
	case c.PowerDownTimeout <= 0:
		return ecuerrors.ConfigValidationError("logic", "power_down_timeout", "must be positive")
	}
	return nil
}

// IgnitionSense is the state of the ignition switch input.
type IgnitionSense int

const (
	// IgnitionUnknown means there is no switch input; the board voltage
	// decides.
	IgnitionUnknown IgnitionSense = iota
	IgnitionOff
	IgnitionOn
)

// Inputs are the switch inputs read once per tick.
type Inputs struct {
	// ThrottleOpen is true while the throttle switch reports an open gate.
	ThrottleOpen bool
	// Gas selects the gas idle cut-off thresholds.
	Gas bool

	Ignition IgnitionSense
	// Voltage is the board supply in volts, used without an ignition input.
	Voltage float64
}

// Actuators are the outputs driven by the control loop. Nil members are
// ignored.
type Actuators struct {
	FuelPump  ckps.OutputSink
	IdleValve ckps.OutputSink
	// PowerRelay keeps the unit powered after the ignition is off. Nil
	// disables power management.
	PowerRelay ckps.OutputSink
}

// Status is the result of one tick.
type Status struct {
	Mode       Mode       `json:"-"`
	ModeName   string     `json:"mode"`
	RPM        uint16     `json:"rpm"`
	AverageRPM uint16     `json:"average_rpm"`
	Advance    ckps.Angle `json:"advance"`
	Running    bool       `json:"running"`
	FuelPump   bool       `json:"fuel_pump"`
	IdleValve  bool       `json:"idle_valve"`
	RevLimit   bool       `json:"rev_limit"`
	PowerDown  bool       `json:"power_down"`
	PowerRelay bool       `json:"power_relay"`
	Strokes    uint32     `json:"strokes_after_start"`
	SyncErrors uint32     `json:"sync_errors"`
	Stalls     uint32     `json:"stalls"`
}

// Controller is the control loop state. Tick is not safe for concurrent
// use; call it from one goroutine.
type Controller struct {
	dec  Decoder
	cfg  Config
	acts Actuators
	log  *log.Logger

	started      bool
	lastRotation time.Time
	running      bool
	avg          *movingaverage.MovingAverage
	status       Status

	pump     pump
	idleCut  idleCut
	revLimit hysteresis
	power    powerRelay

	onPowerDown func()
}

// New returns a controller in Start mode with the fuel pump on.
func New(dec Decoder, cfg Config, acts Actuators) (*Controller, error) {
	if dec == nil {
		return nil, ecuerrors.RuntimeErrorInit("logic", "nil decoder")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		dec:  dec,
		cfg:  cfg,
		acts: acts,
		log:  log.GetLogger("logic"),
		avg:  movingaverage.New(cfg.AverageSamples),
	}
	c.revLimit = hysteresis{high: cfg.RevLimitHigh, low: cfg.RevLimitLow}
	c.idleCut = idleCut{open: true}
	c.status.Advance = cfg.StartAdvance
	c.setMode(ModeStart)
	if err := dec.SetAdvanceAngle(cfg.StartAdvance); err != nil {
		return nil, err
	}
	c.power = powerRelay{on: true}
	c.status.PowerRelay = true
	c.drive(acts.FuelPump, true)
	c.drive(acts.IdleValve, true)
	c.drive(acts.PowerRelay, true)
	return c, nil
}

// OnPowerDown sets fn to run once, just before the power relay is
// released.
func (c *Controller) OnPowerDown(fn func()) { c.onPowerDown = fn }

// Config returns the active settings.
func (c *Controller) Config() Config { return c.cfg }

// SetConfig replaces the settings between ticks. The new advance for the
// current mode is written at the next tick.
func (c *Controller) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.AverageSamples != c.cfg.AverageSamples {
		c.avg = movingaverage.New(cfg.AverageSamples)
	}
	c.revLimit.high, c.revLimit.low = cfg.RevLimitHigh, cfg.RevLimitLow
	c.cfg = cfg
	return nil
}

// Status returns the result of the last tick.
func (c *Controller) Status() Status { return c.status }

// Tick runs one pass of the control loop at time now.
func (c *Controller) Tick(now time.Time, in Inputs) Status {
	if !c.started {
		c.started = true
		c.lastRotation = now
		c.pump.start(now, c.cfg.PumpStartTimeout)
	}
	st := &c.status

	c.checkRotation(now)
	rpm := uint16(0)
	if c.running {
		rpm = c.dec.Frequency()
	}
	st.RPM = rpm
	st.Running = c.running

	if c.dec.StrokeEvent() {
		c.avg.Add(float64(rpm))
		if st.Mode != ModeStart {
			st.Strokes++
		}
	}
	if c.running {
		st.AverageRPM = uint16(c.avg.Avg() + 0.5)
	} else {
		st.AverageRPM = 0
	}

	c.updateMode(rpm, in)
	c.superviseSync()

	st.FuelPump = c.pump.update(now, st.AverageRPM > 0, c.cfg.PumpStopTimeout)
	st.RevLimit = c.revLimit.update(rpm)
	st.IdleValve = c.idleCut.update(now, rpm, in, c.cfg) && !st.RevLimit
	c.drive(c.acts.FuelPump, st.FuelPump)
	c.drive(c.acts.IdleValve, st.IdleValve)
	c.updatePower(now, in)
	return *st
}

// updatePower releases the power relay once the ignition is off and the
// engine has stopped, or after the power-down timeout.
func (c *Controller) updatePower(now time.Time, in Inputs) {
	if c.acts.PowerRelay == nil {
		return
	}
	st := &c.status
	down := in.Ignition == IgnitionOff ||
		(in.Ignition == IgnitionUnknown && in.Voltage < c.cfg.PowerDownVoltage)
	if down && !st.PowerDown {
		c.log.WithField("timeout", c.cfg.PowerDownTimeout).Info("ignition off, power down pending")
	}
	st.PowerDown = down
	if !c.power.update(now, down, c.running, c.cfg.PowerDownTimeout) {
		return
	}
	c.log.WithField("running", c.running).Info("releasing power relay")
	if c.onPowerDown != nil {
		c.onPowerDown()
	}
	st.PowerRelay = false
	c.drive(c.acts.PowerRelay, false)
}

// checkRotation resets the decoder once no tooth has been seen for the
// rotation timeout.
func (c *Controller) checkRotation(now time.Time) {
	if c.dec.CogChanged() {
		if !c.running {
			c.log.Info("rotation detected")
		}
		c.lastRotation = now
		c.running = true
		return
	}
	if !c.running || now.Sub(c.lastRotation) < c.cfg.RotationTimeout {
		return
	}
	c.running = false
	c.status.Stalls++
	c.log.WithField("after", now.Sub(c.lastRotation)).Warn("engine stopped")
	c.dec.Reset()
	c.avg = movingaverage.New(c.cfg.AverageSamples)
	c.status.Strokes = 0
	c.setMode(ModeStart)
}

func (c *Controller) updateMode(rpm uint16, in Inputs) {
	switch c.status.Mode {
	case ModeStart:
		if rpm > c.cfg.AbandonRPM {
			c.setMode(ModeIdle)
		}
	case ModeIdle:
		if in.ThrottleOpen {
			c.setMode(ModeWork)
		}
	case ModeWork:
		if !in.ThrottleOpen {
			c.setMode(ModeIdle)
		}
	}

	var adv ckps.Angle
	switch c.status.Mode {
	case ModeIdle:
		adv = c.cfg.IdleAdvance
	case ModeWork:
		adv = c.cfg.WorkAdvance
	default:
		adv = c.cfg.StartAdvance
	}
	if adv == c.status.Advance {
		return
	}
	if err := c.dec.SetAdvanceAngle(adv); err != nil {
		c.log.WithError(err).Error("advance rejected")
		return
	}
	c.status.Advance = adv
}

func (c *Controller) setMode(m Mode) {
	if c.status.ModeName != "" && c.status.Mode != m {
		c.log.WithFields(log.Fields{"from": c.status.Mode, "to": m}).Info("mode change")
	}
	c.status.Mode = m
	c.status.ModeName = m.String()
}

// superviseSync counts and acknowledges the decoder's sticky sync error.
func (c *Controller) superviseSync() {
	err := c.dec.Err()
	if err == nil {
		return
	}
	c.status.SyncErrors++
	c.log.WithError(err).WithField("count", c.status.SyncErrors).Warn("crank synchronization error")
	c.dec.ClearError()
}

func (c *Controller) drive(out ckps.OutputSink, on bool) {
	if out != nil {
		out.Set(on)
	}
}
