//go:build linux

package hostio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"

	"ecu-core/pkg/ckps"
	ecuerrors "ecu-core/pkg/errors"
	"ecu-core/pkg/log"
)

// Board owns the GPIO lines of the engine unit.
type Board struct {
	cfg   BoardConfig
	timer *Timer
	disp  dispatcher
	log   *log.Logger

	crank    *gpiocdev.Line
	ref      *gpiocdev.Line
	throttle *gpiocdev.Line
	gas      *gpiocdev.Line
	ignSense *gpiocdev.Line
	lines    []*gpiocdev.Line

	ignition  []*Output
	hall      *Output
	fuelPump   *Output
	idleValve  *Output
	powerRelay *Output
}

// OpenBoard requests every configured line. Crank edges are stamped with
// the kernel event time converted to timer ticks.
func OpenBoard(cfg BoardConfig, timer *Timer) (b *Board, err error) {
	if cfg.Consumer == "" {
		cfg.Consumer = "ecu"
	}
	b = &Board{cfg: cfg, timer: timer, log: log.GetLogger("hostio")}
	b.disp.timer = timer
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if cfg.CrankLine < 0 {
		return nil, ecuerrors.ConfigValidationError("outputs", "crank_line", "crank input is required")
	}
	b.crank, err = b.request("crank", cfg.CrankLine,
		gpiocdev.WithPullUp,
		edgeOption(cfg.Edge),
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			b.disp.capture(timer.Stamp(evt.Timestamp))
		}))
	if err != nil {
		return nil, err
	}
	timer.OnSelectEdge(b.selectEdge)

	if cfg.ReferenceLine >= 0 {
		b.ref, err = b.request("reference", cfg.ReferenceLine,
			gpiocdev.WithPullUp,
			gpiocdev.WithRisingEdge,
			gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { b.disp.reference() }))
		if err != nil {
			return nil, err
		}
	}
	for _, in := range []struct {
		name   string
		offset int
		line   **gpiocdev.Line
	}{
		{"throttle", cfg.ThrottleLine, &b.throttle},
		{"gas", cfg.GasLine, &b.gas},
		{"ignition", cfg.IgnitionSenseLine, &b.ignSense},
	} {
		if in.offset < 0 {
			continue
		}
		if *in.line, err = b.request(in.name, in.offset, gpiocdev.AsInput, gpiocdev.WithPullUp); err != nil {
			return nil, err
		}
	}

	for i, offset := range cfg.IgnitionLines {
		out, err := b.output(fmt.Sprintf("ignition%d", i), offset, 0)
		if err != nil {
			return nil, err
		}
		b.ignition = append(b.ignition, out)
	}
	if b.hall, err = b.output("hall", cfg.HallLine, 0); err != nil {
		return nil, err
	}
	if b.fuelPump, err = b.output("fuel_pump", cfg.FuelPumpLine, 0); err != nil {
		return nil, err
	}
	if b.idleValve, err = b.output("idle_valve", cfg.IdleValveLine, 0); err != nil {
		return nil, err
	}
	if b.powerRelay, err = b.output("power_relay", cfg.PowerRelayLine, 1); err != nil {
		return nil, err
	}

	b.log.WithFields(log.Fields{
		"chip":     cfg.Chip,
		"crank":    cfg.CrankLine,
		"ignition": cfg.IgnitionLines,
	}).Info("gpio lines requested")
	return b, nil
}

func edgeOption(e ckps.Edge) gpiocdev.LineEdge {
	if e == ckps.Falling {
		return gpiocdev.WithFallingEdge
	}
	return gpiocdev.WithRisingEdge
}

func (b *Board) request(name string, offset int, opts ...gpiocdev.LineReqOption) (*gpiocdev.Line, error) {
	opts = append(opts, gpiocdev.WithConsumer(b.cfg.Consumer+"-"+name))
	l, err := gpiocdev.RequestLine(b.cfg.Chip, offset, opts...)
	if err != nil {
		return nil, ecuerrors.HardwareError(fmt.Sprintf("request %s line %d", name, offset), err)
	}
	b.lines = append(b.lines, l)
	return l, nil
}

// output requests offset as an output at the initial value. A negative
// offset returns nil.
func (b *Board) output(name string, offset, initial int) (*Output, error) {
	if offset < 0 {
		return nil, nil
	}
	l, err := b.request(name, offset, gpiocdev.AsOutput(initial))
	if err != nil {
		return nil, err
	}
	o := &Output{name: name, line: l}
	o.level.Store(initial != 0)
	return o, nil
}

func (b *Board) selectEdge(e ckps.Edge) {
	if b.crank == nil {
		return
	}
	if err := b.crank.Reconfigure(edgeOption(e)); err != nil {
		b.log.WithError(err).WithField("edge", e).Error("crank edge change failed")
	}
}

// Attach starts delivering edges to t.
func (b *Board) Attach(t Target) { b.disp.attach(t) }

// Edges counts crank edges seen since OpenBoard.
func (b *Board) Edges() uint64 { return b.disp.edges.Load() }

// IgnitionOutputs returns the ignition outputs in configuration order.
func (b *Board) IgnitionOutputs() []ckps.OutputSink {
	out := make([]ckps.OutputSink, len(b.ignition))
	for i, o := range b.ignition {
		out[i] = o
	}
	return out
}

// Hall returns the Hall emulation output or nil.
func (b *Board) Hall() ckps.OutputSink { return sink(b.hall) }

// FuelPump returns the fuel pump relay output or nil.
func (b *Board) FuelPump() ckps.OutputSink { return sink(b.fuelPump) }

// IdleValve returns the idle cut-off valve output or nil.
func (b *Board) IdleValve() ckps.OutputSink { return sink(b.idleValve) }

// PowerRelay returns the power relay output or nil.
func (b *Board) PowerRelay() ckps.OutputSink { return sink(b.powerRelay) }

// sink keeps a nil *Output from becoming a non-nil interface.
func sink(o *Output) ckps.OutputSink {
	if o == nil {
		return nil
	}
	return o
}

// ThrottleOpen reads the throttle switch. The switch closes to ground at
// idle, so a high level means open. Without a throttle line it is false.
func (b *Board) ThrottleOpen() bool {
	if b.throttle == nil {
		return false
	}
	v, err := b.throttle.Value()
	return err == nil && v == 1
}

// GasSelected reads the fuel selector; high selects gas.
func (b *Board) GasSelected() bool {
	if b.gas == nil {
		return false
	}
	v, err := b.gas.Value()
	return err == nil && v == 1
}

// IgnitionOn reads the ignition switch. ok is false without an ignition
// input or when the read fails.
func (b *Board) IgnitionOn() (on, ok bool) {
	if b.ignSense == nil {
		return false, false
	}
	v, err := b.ignSense.Value()
	if err != nil {
		return false, false
	}
	return v == 1, true
}

// Close releases every line.
func (b *Board) Close() error {
	var first error
	for _, l := range b.lines {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	b.lines = nil
	return first
}
