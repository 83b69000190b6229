package ckps

import (
	"errors"
	"sync"
	"sync/atomic"

	ecuerrors "ecu-core/pkg/errors"
)

// ErrSyncLost is wrapped by Decoder.Err after a wrong tooth count between
// two gaps.
var ErrSyncLost = errors.New("ckps: synchronization lost")

// Config is the complete decoder setup.
type Config struct {
	TimerHz uint32

	Cogs      int // teeth on the wheel, missing ones included
	Missing   int
	Cylinders int

	TeethBeforeTDC int
	Advance        Angle

	// Knock window relative to TDC, positive after TDC.
	KnockBegin Angle
	KnockEnd   Angle
	UseKnock   bool

	// Hall pulse starts HallOffset before TDC.
	HallOffset   Angle
	HallDuration Angle
	UseHall      bool

	// Injection starts InjectionPhase before TDC.
	InjectionPhase Angle
	UseInjection   bool

	IgnitionCogs  int
	Ignition      bool
	InvertOutputs bool
	Edge          Edge
}

// DefaultConfig returns a 60-2 wheel, 4 cylinder setup.
func DefaultConfig() Config {
	return Config{
		TimerHz:        DefaultTimerHz,
		Cogs:           60,
		Missing:        2,
		Cylinders:      4,
		TeethBeforeTDC: 20,
		Advance:        Deg(10),
		KnockBegin:     Deg(5),
		KnockEnd:       Deg(45),
		HallOffset:     Deg(60),
		HallDuration:   Deg(45),
		InjectionPhase: Deg(360),
		IgnitionCogs:   DefaultIgnitionCogs,
		Ignition:       true,
		Edge:           Rising,
	}
}

// Setting limits.
var (
	MinAdvance        = Deg(-15)
	MaxAdvance        = Deg(60)
	MinKnockAngle     = Deg(-60)
	MaxKnockAngle     = Deg(180)
	MaxHallOffset     = Deg(180)
	MaxHallDuration   = Deg(180)
	MaxInjectionPhase = Deg(719)
)

// Validate checks every field and returns the first violation as a coded
// error.
func (c Config) Validate() error {
	if c.TimerHz < 1000 || c.TimerHz > 20000000 {
		return ecuerrors.ConfigValidationError("ckps", "timer_hz", "must be within 1 kHz..20 MHz")
	}
	if err := validateWheel(c.Cogs, c.Missing); err != nil {
		return err
	}
	if c.Cylinders < 1 || c.Cylinders > MaxChannels {
		return ecuerrors.CylinderCountError(c.Cylinders, MaxChannels)
	}
	if c.TeethBeforeTDC < 1 || c.TeethBeforeTDC > c.Cogs {
		return ecuerrors.ToothRangeError("teeth_before_tdc", c.TeethBeforeTDC, 1, c.Cogs)
	}
	if c.IgnitionCogs < 1 || c.IgnitionCogs > c.Cogs {
		return ecuerrors.ToothRangeError("ignition_cogs", c.IgnitionCogs, 1, c.Cogs)
	}
	if err := checkAngle("advance", c.Advance, MinAdvance, MaxAdvance); err != nil {
		return err
	}
	if err := checkAngle("knock_begin", c.KnockBegin, MinKnockAngle, MaxKnockAngle); err != nil {
		return err
	}
	if err := checkAngle("knock_end", c.KnockEnd, c.KnockBegin+1, MaxKnockAngle); err != nil {
		return err
	}
	if err := checkAngle("hall_offset", c.HallOffset, 0, MaxHallOffset); err != nil {
		return err
	}
	if err := checkAngle("hall_duration", c.HallDuration, 1, MaxHallDuration); err != nil {
		return err
	}
	return checkAngle("injection_phase", c.InjectionPhase, 0, MaxInjectionPhase)
}

func validateWheel(total, missing int) error {
	switch {
	case total < MinWheelCogs || total > MaxWheelCogs:
		return ecuerrors.WheelGeometryError(total, missing, "tooth count out of range 16..200")
	case missing < 0 || missing > MaxMissCogs:
		return ecuerrors.WheelGeometryError(total, missing, "missing teeth must be 0, 1 or 2")
	case total-missing < 2:
		return ecuerrors.WheelGeometryError(total, missing, "too few physical teeth")
	}
	return nil
}

func checkAngle(option string, a, min, max Angle) error {
	if a < min || a > max {
		return ecuerrors.AngleRangeError(option, a.Degrees(), min.Degrees(), max.Degrees())
	}
	return nil
}

// Decoder is the crank position decoder and event scheduler. The On*
// methods are the interrupt handlers; everything else is the control API.
type Decoder struct {
	hw    Peripheral
	ports Ports

	// cfgMu serializes reconfiguration. Taken before the gate, never under it.
	cfgMu sync.Mutex
	cfg   Config

	gate gate

	// Installed by the reconfigurator, read by the handlers.
	geo          Geometry
	tables       [MaxChannels]ChannelTable
	outs         [MaxChannels][2]OutputSink
	assert       bool
	dividend     uint32
	ignitionCogs int
	useKnock     bool
	useHall      bool
	useInjection bool
	ignition     bool

	// Capture state.
	state      SyncState
	skipped    int
	prevTS     uint16
	periodCurr uint16
	periodPrev uint16
	cog        uint16
	cog360     uint16
	refPending bool

	// Virtual teeth still owed in the current gap.
	owed          int
	virtualTS     uint16
	virtualPeriod uint16

	// Stroke measurement.
	measureStart uint16
	measureValid bool
	ovf          uint8
	strokePeriod uint16
	strokeOvf    uint8
	strokeSign   bool

	// Spark positioning.
	needArm      bool
	currentAngle Angle
	advance      Angle
	advanceBuf   Angle
	compareArmed bool
	compareAt    uint16
	armedCh      int // channel the armed compare fires
	pulse        [MaxChannels]int

	lastCounted int
	stats       Stats

	channel     atomic.Int32
	strokeEvent atomic.Bool
	cogChanged  atomic.Bool
	syncErr     atomic.Bool
	synced      atomic.Bool
}

// New validates cfg and returns a decoder in the Unsynced state with all
// ignition outputs at their safe level.
func New(hw Peripheral, cfg Config, ports Ports) (*Decoder, error) {
	if hw == nil {
		return nil, ecuerrors.RuntimeErrorInit("ckps", "nil peripheral")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Decoder{
		hw:    hw,
		ports: ports.withDefaults(),
		cfg:   cfg,
	}
	p := buildPlan(cfg, d.ports.Outputs)
	exit := d.gate.enter()
	d.install(p)
	d.advanceBuf = cfg.Advance
	d.rebind(p)
	d.resetLocked()
	exit()
	hw.SelectEdge(cfg.Edge)
	return d, nil
}

// Reset drops synchronization and all in-flight events. The sticky sync
// error survives until ClearError.
func (d *Decoder) Reset() {
	defer d.gate.enter()()
	d.resetLocked()
}

func (d *Decoder) resetLocked() {
	d.hw.DisarmCompare()
	d.hw.CancelVirtualTooth()

	d.state = Unsynced
	d.synced.Store(false)
	d.skipped = 0
	d.refPending = false
	d.owed = 0
	d.cog, d.cog360 = 0, 0
	d.periodCurr, d.periodPrev = 0, 0

	d.measureValid = false
	d.ovf = 0
	d.strokePeriod = 0xFFFF
	d.strokeOvf = 255
	d.strokeSign = false

	d.channel.Store(NoChannel)
	d.needArm = false
	d.compareArmed = false
	d.armedCh = NoChannel
	d.currentAngle = 0
	d.advance = d.advanceBuf
	d.safeOutputs()
	d.ports.Hall.Set(false)
}

// Config returns the active configuration.
func (d *Decoder) Config() Config {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	return d.cfg
}

// StrokeEvent reports whether a TDC passed since the last call.
func (d *Decoder) StrokeEvent() bool {
	return d.strokeEvent.Swap(false)
}

// CogChanged reports whether a tooth was processed since the last call.
func (d *Decoder) CogChanged() bool {
	return d.cogChanged.Swap(false)
}

// Synchronized reports whether tooth numbering is valid.
func (d *Decoder) Synchronized() bool {
	return d.synced.Load()
}

// Channel returns the channel armed to fire or NoChannel.
func (d *Decoder) Channel() int {
	return int(d.channel.Load())
}

// Err returns the sticky synchronization error, or nil.
func (d *Decoder) Err() error {
	if !d.syncErr.Load() {
		return nil
	}
	defer d.gate.enter()()
	return ecuerrors.SyncError(ErrSyncLost, d.lastCounted, int(d.geo.Total))
}

// ClearError acknowledges the sync error.
func (d *Decoder) ClearError() {
	d.syncErr.Store(false)
}

// Snapshot returns a consistent copy of the decoder state.
func (d *Decoder) Snapshot() Snapshot {
	exit := d.gate.enter()
	s := Snapshot{
		State:           d.state,
		Synchronized:    d.state == Synchronized,
		SyncError:       d.syncErr.Load(),
		Cog:             d.cog,
		Cog360:          d.cog360,
		PeriodCurr:      d.periodCurr,
		PeriodPrev:      d.periodPrev,
		StrokePeriod:    d.strokePeriod,
		StrokeOverflow:  d.strokeOvf,
		StrokeWrapped:   d.strokeSign,
		Channel:         int(d.channel.Load()),
		CurrentAngle:    d.currentAngle,
		Advance:         d.advance,
		AdvanceBuffered: d.advanceBuf,
		CompareArmed:    d.compareArmed,
		Geometry:        d.geo,
		Stats:           d.stats,
	}
	div := d.dividend
	exit()
	s.StateName = s.State.String()
	s.Frequency = frequency(div, s.StrokePeriod, s.StrokeOverflow, s.StrokeWrapped)
	return s
}

// Tables returns a copy of the active channel tables.
func (d *Decoder) Tables() []ChannelTable {
	defer d.gate.enter()()
	out := make([]ChannelTable, d.geo.Cylinders)
	copy(out, d.tables[:d.geo.Cylinders])
	return out
}
