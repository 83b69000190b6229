// Package ckps decodes the crankshaft toothed-wheel signal and schedules
// ignition, knock, Hall and injection events from the decoded position.
package ckps

import (
	"fmt"
	"math"
)

// Angle is a crank angle in fixed point, degrees scaled by AngleMultiplier.
type Angle int16

// AngleMultiplier is the fixed-point scale of Angle.
const AngleMultiplier = 32

// Deg converts degrees to the nearest Angle.
func Deg(deg float64) Angle {
	return Angle(math.Round(deg * AngleMultiplier))
}

// Degrees returns the angle in degrees.
func (a Angle) Degrees() float64 {
	return float64(a) / AngleMultiplier
}

func (a Angle) String() string {
	return fmt.Sprintf("%.2f°", a.Degrees())
}

const (
	// MaxChannels is the number of ignition channels (cylinders) supported.
	MaxChannels = 8

	// NoChannel marks that no ignition channel is selected.
	NoChannel = -1

	// CogsPerChannelScale is the fixed-point scale of Geometry.CogsPerChannel.
	CogsPerChannelScale = 256

	// LatchAngle is the minimum lead before TDC at which a channel latches
	// its settings. The latch tooth is rounded to the next whole tooth.
	LatchAngle Angle = 66 * AngleMultiplier

	// StartSkipCogs is the number of edges ignored after a reset.
	StartSkipCogs = 5

	// CompareLatency is subtracted from every compare target (ticks).
	CompareLatency = 2

	// DefaultIgnitionCogs is the ignition pulse length in teeth.
	DefaultIgnitionCogs = 10

	// FastStrokePeriod is the stroke period (ticks) below which collaborators
	// are asked for the fast measurement variant.
	FastStrokePeriod = 1024

	// DefaultTimerHz is the capture timer rate (4us ticks).
	DefaultTimerHz = 250000

	// TimerRange is the span of the 16-bit capture timer.
	TimerRange = 65536

	// Wheel limits.
	MinWheelCogs = 16
	MaxWheelCogs = 200
	MaxMissCogs  = 2
)

// SyncState is the state of the tooth capture state machine.
type SyncState int

const (
	// Unsynced skips the first edges after a reset to prime period history.
	Unsynced SyncState = iota
	// SeekingGap compares periods against the gap barrier.
	SeekingGap
	// Synchronized means tooth numbering is trustworthy.
	Synchronized
)

func (s SyncState) String() string {
	switch s {
	case Unsynced:
		return "unsynced"
	case SeekingGap:
		return "seeking_gap"
	case Synchronized:
		return "synchronized"
	default:
		return "unknown"
	}
}

// Edge selects the active polarity of the crank sensor input.
type Edge int

const (
	Rising Edge = iota
	Falling
)

func (e Edge) String() string {
	if e == Falling {
		return "falling"
	}
	return "rising"
}

// ParseEdge parses "rising" or "falling".
func ParseEdge(s string) (Edge, error) {
	switch s {
	case "rising":
		return Rising, nil
	case "falling":
		return Falling, nil
	}
	return Rising, fmt.Errorf("ckps: unknown edge %q", s)
}

// Geometry holds the constants derived from the wheel layout and the
// cylinder count.
type Geometry struct {
	Total     uint16 `json:"total"`
	Missing   uint16 `json:"missing"`
	Cogs2     uint16 `json:"cogs2"`
	LastCog   uint16 `json:"last_cog"`
	Cylinders int    `json:"cylinders"`

	DegreesPerCog  Angle  `json:"degrees_per_cog"`
	CogsPerChannel uint32 `json:"cogs_per_channel"` // teeth x CogsPerChannelScale, truncated
	LatchLeadCogs  uint16 `json:"latch_lead_cogs"`
	StartAngle     Angle  `json:"start_angle"`
}

// ChannelTable is the per-channel set of event teeth, all in [1, Cogs2].
type ChannelTable struct {
	TDC        uint16 `json:"tdc"`
	Latch      uint16 `json:"latch"`
	KnockBegin uint16 `json:"knock_begin"`
	KnockEnd   uint16 `json:"knock_end"`
	HallBegin  uint16 `json:"hall_begin"`
	HallEnd    uint16 `json:"hall_end"`
	Injection  uint16 `json:"injection"`
}

// Stats counts decoder activity since construction.
type Stats struct {
	Edges        uint32 `json:"edges"`
	Teeth        uint32 `json:"teeth"`
	VirtualTeeth uint32 `json:"virtual_teeth"`
	Gaps         uint32 `json:"gaps"`
	SyncErrors   uint32 `json:"sync_errors"`
	Latches      uint32 `json:"latches"`
	Strokes      uint32 `json:"strokes"`
	Arms         uint32 `json:"arms"`
	Sparks       uint32 `json:"sparks"`
	ForcedSparks uint32 `json:"forced_sparks"`
}

// Snapshot is a consistent copy of the decoder state.
type Snapshot struct {
	State        SyncState `json:"-"`
	StateName    string    `json:"state"`
	Synchronized bool      `json:"synchronized"`
	SyncError    bool      `json:"sync_error"`

	Cog        uint16 `json:"cog"`
	Cog360     uint16 `json:"cog360"`
	PeriodCurr uint16 `json:"period_curr"`
	PeriodPrev uint16 `json:"period_prev"`

	StrokePeriod   uint16 `json:"stroke_period"`
	StrokeOverflow uint8  `json:"stroke_overflow"`
	StrokeWrapped  bool   `json:"stroke_wrapped"`
	Frequency      uint16 `json:"frequency"`

	Channel         int   `json:"channel"`
	CurrentAngle    Angle `json:"current_angle"`
	Advance         Angle `json:"advance"`
	AdvanceBuffered Angle `json:"advance_buffered"`
	CompareArmed    bool  `json:"compare_armed"`

	Geometry Geometry `json:"geometry"`
	Stats    Stats    `json:"stats"`
}
