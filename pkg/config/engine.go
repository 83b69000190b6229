package config

import (
	"time"

	"ecu-core/pkg/ckps"
	"ecu-core/pkg/enginelogic"
)

// EngineConfig is everything the unit reads from its configuration file.
type EngineConfig struct {
	Decoder ckps.Config
	Logic   enginelogic.Config
	Outputs OutputsConfig
	Monitor MonitorConfig
	Safety  SafetyConfig
	Log     LogConfig
}

// OutputsConfig names the GPIO lines of the live runner. A negative line
// is not connected.
type OutputsConfig struct {
	Chip          string
	CrankLine     int
	ReferenceLine int
	ThrottleLine  int
	IgnitionLines []int
	HallLine      int
	FuelPumpLine  int
	IdleValveLine int
	GasLine       int

	// IgnitionSenseLine reads the ignition switch; PowerRelayLine holds
	// the unit powered after it opens.
	IgnitionSenseLine int
	PowerRelayLine    int

	// ControlPeriod is the main loop interval.
	ControlPeriod time.Duration
	LockMemory    bool
	CPU           int
}

// MonitorConfig configures the diagnostics HTTP server.
type MonitorConfig struct {
	Listen   string
	Interval time.Duration
	Metrics  bool
}

// SafetyConfig configures the shutdown watchdog.
type SafetyConfig struct {
	// WatchdogTimeout is the longest control loop silence before the
	// outputs are shut down. Zero disables the watchdog.
	WatchdogTimeout time.Duration
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeKB  int
	MaxBackups int
	Compress   bool
}

// EngineSections are the sections FromConfig understands.
var EngineSections = []string{"wheel", "ignition", "knock", "hall", "injection", "logic", "outputs", "monitor", "safety", "log"}

// ReloadableSections can be applied to a running engine.
var ReloadableSections = map[string]bool{
	"wheel":     true,
	"ignition":  true,
	"knock":     true,
	"hall":      true,
	"injection": true,
	"logic":     true,
}

// DefaultEngineConfig returns the settings used for absent options.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Decoder: ckps.DefaultConfig(),
		Logic:   enginelogic.DefaultConfig(),
		Outputs: OutputsConfig{
			Chip:              "gpiochip0",
			CrankLine:         -1,
			ReferenceLine:     -1,
			ThrottleLine:      -1,
			HallLine:          -1,
			FuelPumpLine:      -1,
			IdleValveLine:     -1,
			GasLine:           -1,
			IgnitionSenseLine: -1,
			PowerRelayLine:    -1,
			ControlPeriod:     10 * time.Millisecond,
			CPU:               -1,
		},
		Monitor: MonitorConfig{Listen: ":7130", Interval: 100 * time.Millisecond, Metrics: true},
		Safety:  SafetyConfig{WatchdogTimeout: 250 * time.Millisecond},
		Log:     LogConfig{Level: "info", Format: "text", MaxSizeKB: 1024, MaxBackups: 3},
	}
}

// LoadEngine reads and validates an engine configuration file.
func LoadEngine(path string) (EngineConfig, *Config, error) {
	c, err := Load(path)
	if err != nil {
		return EngineConfig{}, nil, err
	}
	e, err := FromConfig(c)
	return e, c, err
}

// FromConfig maps the parsed sections onto an EngineConfig. Absent options
// keep their defaults; angles are given in degrees.
func FromConfig(c *Config) (EngineConfig, error) {
	e := DefaultEngineConfig()
	p := parser{c: c}

	d := &e.Decoder
	w := p.section("wheel")
	d.Cogs = p.intRange(w, "cogs", ckps.MinWheelCogs, ckps.MaxWheelCogs, d.Cogs)
	d.Missing = p.intRange(w, "missing", 0, ckps.MaxMissCogs, d.Missing)
	d.TeethBeforeTDC = p.intRange(w, "teeth_before_tdc", 1, ckps.MaxWheelCogs, d.TeethBeforeTDC)
	d.TimerHz = uint32(p.intRange(w, "timer_hz", 1000, 20000000, int(d.TimerHz)))
	edge := p.choice(w, "edge", []string{"rising", "falling"}, d.Edge.String())
	if parsed, err := ckps.ParseEdge(edge); err == nil {
		d.Edge = parsed
	}

	ig := p.section("ignition")
	d.Cylinders = p.intRange(ig, "cylinders", 1, ckps.MaxChannels, d.Cylinders)
	d.Advance = p.angle(ig, "advance", d.Advance)
	d.IgnitionCogs = p.intRange(ig, "ignition_cogs", 1, ckps.MaxWheelCogs, d.IgnitionCogs)
	d.Ignition = p.boolean(ig, "enabled", d.Ignition)
	d.InvertOutputs = p.boolean(ig, "invert_outputs", d.InvertOutputs)

	kn := p.section("knock")
	d.UseKnock = p.boolean(kn, "enabled", d.UseKnock)
	d.KnockBegin = p.angle(kn, "begin", d.KnockBegin)
	d.KnockEnd = p.angle(kn, "end", d.KnockEnd)

	h := p.section("hall")
	d.UseHall = p.boolean(h, "enabled", d.UseHall)
	d.HallOffset = p.angle(h, "offset", d.HallOffset)
	d.HallDuration = p.angle(h, "duration", d.HallDuration)

	inj := p.section("injection")
	d.UseInjection = p.boolean(inj, "enabled", d.UseInjection)
	d.InjectionPhase = p.angle(inj, "phase", d.InjectionPhase)

	l := &e.Logic
	lg := p.section("logic")
	l.AbandonRPM = uint16(p.intRange(lg, "abandon_rpm", 0, 65535, int(l.AbandonRPM)))
	l.StartAdvance = p.angle(lg, "start_advance", l.StartAdvance)
	l.IdleAdvance = p.angle(lg, "idle_advance", l.IdleAdvance)
	l.WorkAdvance = p.angle(lg, "work_advance", l.WorkAdvance)
	l.RotationTimeout = p.duration(lg, "rotation_timeout", l.RotationTimeout)
	l.AverageSamples = p.intRange(lg, "average_samples", 1, 64, l.AverageSamples)
	l.PumpStartTimeout = p.duration(lg, "pump_start_timeout", l.PumpStartTimeout)
	l.PumpStopTimeout = p.duration(lg, "pump_stop_timeout", l.PumpStopTimeout)
	l.RevLimitHigh = uint16(p.intRange(lg, "rev_limit_high", 0, 65535, int(l.RevLimitHigh)))
	l.RevLimitLow = uint16(p.intRange(lg, "rev_limit_low", 0, 65535, int(l.RevLimitLow)))
	l.IdleCutHigh = uint16(p.intRange(lg, "idle_cut_high", 0, 65535, int(l.IdleCutHigh)))
	l.IdleCutLow = uint16(p.intRange(lg, "idle_cut_low", 0, 65535, int(l.IdleCutLow)))
	l.IdleCutDelay = p.duration(lg, "idle_cut_delay", l.IdleCutDelay)
	l.IdleCutHighGas = uint16(p.intRange(lg, "idle_cut_high_gas", 0, 65535, int(l.IdleCutHighGas)))
	l.IdleCutLowGas = uint16(p.intRange(lg, "idle_cut_low_gas", 0, 65535, int(l.IdleCutLowGas)))
	l.PowerDownTimeout = p.duration(lg, "power_down_timeout", l.PowerDownTimeout)
	l.PowerDownVoltage = p.float(lg, "power_down_voltage", 0, 30, l.PowerDownVoltage)

	o := &e.Outputs
	out := p.section("outputs")
	o.Chip = p.str(out, "chip", o.Chip)
	o.CrankLine = p.line(out, "crank_line", o.CrankLine)
	o.ReferenceLine = p.line(out, "reference_line", o.ReferenceLine)
	o.ThrottleLine = p.line(out, "throttle_line", o.ThrottleLine)
	o.HallLine = p.line(out, "hall_line", o.HallLine)
	o.FuelPumpLine = p.line(out, "fuel_pump_line", o.FuelPumpLine)
	o.IdleValveLine = p.line(out, "idle_valve_line", o.IdleValveLine)
	o.GasLine = p.line(out, "gas_line", o.GasLine)
	o.IgnitionSenseLine = p.line(out, "ignition_sense_line", o.IgnitionSenseLine)
	o.PowerRelayLine = p.line(out, "power_relay_line", o.PowerRelayLine)
	if p.err == nil {
		lines, err := out.GetIntList("ignition_lines", o.IgnitionLines)
		p.fail(err)
		o.IgnitionLines = lines
	}
	o.ControlPeriod = p.duration(out, "control_period", o.ControlPeriod)
	o.LockMemory = p.boolean(out, "lock_memory", o.LockMemory)
	o.CPU = p.intRange(out, "cpu", -1, 1023, o.CPU)

	m := &e.Monitor
	mon := p.section("monitor")
	m.Listen = p.str(mon, "listen", m.Listen)
	m.Interval = p.duration(mon, "interval", m.Interval)
	m.Metrics = p.boolean(mon, "metrics", m.Metrics)

	sf := p.section("safety")
	e.Safety.WatchdogTimeout = p.duration(sf, "watchdog_timeout", e.Safety.WatchdogTimeout)

	lc := &e.Log
	ls := p.section("log")
	lc.Level = p.choice(ls, "level", []string{"debug", "info", "warn", "error"}, lc.Level)
	lc.Format = p.choice(ls, "format", []string{"text", "json"}, lc.Format)
	lc.File = p.str(ls, "file", lc.File)
	lc.MaxSizeKB = p.intRange(ls, "max_size_kb", 1, 1<<20, lc.MaxSizeKB)
	lc.MaxBackups = p.intRange(ls, "max_backups", 1, 100, lc.MaxBackups)
	lc.Compress = p.boolean(ls, "compress", lc.Compress)

	if p.err != nil {
		return EngineConfig{}, p.err
	}
	if err := e.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return e, nil
}

// Validate checks the cross-option constraints the getters cannot.
func (e EngineConfig) Validate() error {
	if err := e.Decoder.Validate(); err != nil {
		return err
	}
	if err := e.Logic.Validate(); err != nil {
		return err
	}
	if len(e.Outputs.IgnitionLines) > 2*ckps.MaxChannels {
		return NewConfigError("outputs", "ignition_lines", "too many lines")
	}
	if e.Outputs.ControlPeriod <= 0 {
		return NewConfigError("outputs", "control_period", "must be positive")
	}
	// The host has no supply voltage input to fall back on.
	if e.Outputs.PowerRelayLine >= 0 && e.Outputs.IgnitionSenseLine < 0 {
		return NewConfigError("outputs", "power_relay_line", "needs ignition_sense_line")
	}
	if e.Monitor.Interval <= 0 {
		return NewConfigError("monitor", "interval", "must be positive")
	}
	if wd := e.Safety.WatchdogTimeout; wd != 0 && wd < 2*e.Outputs.ControlPeriod {
		return NewConfigError("safety", "watchdog_timeout", "must be zero or at least two control periods")
	}
	return nil
}

// Apply installs the decoder and control loop settings on a running
// engine. The advance angle stays with the control loop.
func (e EngineConfig) Apply(dec *ckps.Decoder, ctl *enginelogic.Controller) error {
	next := e.Decoder
	next.Advance = dec.Config().Advance
	if err := dec.Configure(next); err != nil {
		return err
	}
	if ctl != nil {
		return ctl.SetConfig(e.Logic)
	}
	return nil
}

// parser keeps the first error so that FromConfig reads as a list of
// assignments.
type parser struct {
	c   *Config
	err error
}

func (p *parser) fail(err error) {
	if p.err == nil && err != nil {
		p.err = err
	}
}

// section returns the named section or an empty stand-in.
func (p *parser) section(name string) *Section {
	if s := p.c.Section(name); s != nil {
		return s
	}
	return newSection(name, nil)
}

func (p *parser) intRange(s *Section, option string, min, max, def int) int {
	if p.err != nil {
		return def
	}
	v, err := s.GetIntRange(option, min, max, def)
	p.fail(err)
	return v
}

func (p *parser) line(s *Section, option string, def int) int {
	return p.intRange(s, option, -1, 1023, def)
}

func (p *parser) angle(s *Section, option string, def ckps.Angle) ckps.Angle {
	if p.err != nil {
		return def
	}
	v, err := s.GetFloatRange(option, -720, 720, def.Degrees())
	p.fail(err)
	return ckps.Deg(v)
}

func (p *parser) float(s *Section, option string, min, max, def float64) float64 {
	if p.err != nil {
		return def
	}
	v, err := s.GetFloatRange(option, min, max, def)
	p.fail(err)
	return v
}

func (p *parser) boolean(s *Section, option string, def bool) bool {
	if p.err != nil {
		return def
	}
	v, err := s.GetBool(option, def)
	p.fail(err)
	return v
}

func (p *parser) str(s *Section, option, def string) string {
	if p.err != nil {
		return def
	}
	v, err := s.Get(option, def)
	p.fail(err)
	return v
}

func (p *parser) choice(s *Section, option string, choices []string, def string) string {
	if p.err != nil {
		return def
	}
	v, err := s.GetChoice(option, choices, def)
	p.fail(err)
	return v
}

func (p *parser) duration(s *Section, option string, def time.Duration) time.Duration {
	if p.err != nil {
		return def
	}
	v, err := s.GetDuration(option, def)
	p.fail(err)
	return v
}
