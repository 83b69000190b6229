package ckps_test

import (
	"math"
	"testing"

	"ecu-core/pkg/ckps"
	"ecu-core/pkg/sim"
)

type bench struct {
	s    *sim.Sim
	d    *ckps.Decoder
	pins []*sim.Pin
}

func newBench(t *testing.T, cfg ckps.Config, wheel sim.Wheel, outputs int) *bench {
	t.Helper()
	s := sim.New(sim.Config{TimerHz: cfg.TimerHz, Wheel: wheel})
	ports, pins := s.Ports(outputs)
	d, err := ckps.New(s, cfg, ports)
	if err != nil {
		t.Fatalf("ckps.New: %v", err)
	}
	s.Attach(d)
	return &bench{s: s, d: d, pins: pins}
}

// stepToCog delivers events until tooth c is the next to be processed.
func (b *bench) stepToCog(t *testing.T, c uint16) {
	t.Helper()
	for i := 0; i < 100000; i++ {
		if b.d.Synchronized() && b.d.Snapshot().Cog == c {
			return
		}
		if !b.s.Step() {
			break
		}
	}
	t.Fatalf("tooth %d never reached", c)
}

// stepTeeth delivers events until n more teeth have been processed.
func (b *bench) stepTeeth(t *testing.T, n uint32) {
	t.Helper()
	goal := b.d.Snapshot().Stats.Teeth + n
	for b.d.Snapshot().Stats.Teeth < goal {
		if !b.s.Step() {
			t.Fatal("simulation ran dry")
		}
	}
}

func scenarioConfig() ckps.Config {
	cfg := ckps.DefaultConfig()
	cfg.TeethBeforeTDC = 60
	cfg.Advance = ckps.Deg(15)
	return cfg
}

func TestScenario60_2FourCylinders(t *testing.T) {
	b := newBench(t, scenarioConfig(), sim.Wheel{Cogs: 60, Missing: 2, RPM: sim.Constant(1000), StartTooth: 12}, 4)

	b.stepToCog(t, 1)
	b.s.ClearEvents()
	b.stepTeeth(t, 120)

	seq := b.s.Events(sim.EvLatch, sim.EvArm)
	arms := 0
	for i, ev := range seq {
		want := sim.EvLatch
		if i%2 == 1 {
			want = sim.EvArm
		}
		if ev.Kind != want {
			t.Fatalf("event %d is %v, want %v (sequence %v)", i, ev.Kind, want, seq)
		}
		if ev.Kind == sim.EvArm {
			arms++
		}
	}
	if arms != 4 || len(seq) != 8 {
		t.Fatalf("%d arms in %d events per 720 degrees, want 4 in 8", arms, len(seq))
	}
	if err := b.d.Err(); err != nil {
		t.Fatalf("sync error: %v", err)
	}
}

func TestScenarioSparkAngle(t *testing.T) {
	tests := []struct {
		name    string
		profile sim.Profile
		tol     float64
	}{
		{"constant 1000", sim.Constant(1000), 0.2},
		{"constant 4500", sim.Constant(4500), 0.5},
		{"ramp 800 to 3000", sim.Ramp(800, 3000, 2), 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBench(t, scenarioConfig(), sim.Wheel{Cogs: 60, Missing: 2, RPM: tt.profile, StartTooth: 30}, 4)
			b.s.RunFor(0.3)
			b.s.ClearEvents()
			b.s.RunFor(1.0)

			angles := b.s.SparkAngles(true)
			if len(angles) < 8 {
				t.Fatalf("only %d sparks", len(angles))
			}
			// TDC of channel 0 is tooth 60, i.e. 354 degrees after the gap.
			errs := sim.AngleError(angles, 354-15, 180)
			sum := sim.Summarize(errs)
			if math.Abs(sum.Min) > tt.tol || math.Abs(sum.Max) > tt.tol {
				t.Errorf("spark angle error %+.3f..%+.3f deg (mean %+.3f), tolerance %.2f", sum.Min, sum.Max, sum.Mean, tt.tol)
			}
		})
	}
}

func TestScenarioSyncWithinOneRevolution(t *testing.T) {
	tests := []struct {
		cogs, missing int
	}{
		{60, 2}, {36, 1}, {36, 0}, {24, 2}, {12 + 4, 0},
	}
	for _, tt := range tests {
		cfg := ckps.DefaultConfig()
		cfg.Cogs, cfg.Missing = tt.cogs, tt.missing
		cfg.TeethBeforeTDC = 1
		b := newBench(t, cfg, sim.Wheel{
			Cogs:       tt.cogs,
			Missing:    tt.missing,
			RPM:        sim.Constant(600),
			StartTooth: 6,
			Reference:  tt.missing == 0,
		}, 2)
		b.s.RunRevolutions(1)
		if !b.d.Synchronized() {
			t.Errorf("%d-%d: not synchronized after one revolution", tt.cogs, tt.missing)
			continue
		}
		b.s.RunRevolutions(4)
		if err := b.d.Err(); err != nil {
			t.Errorf("%d-%d: %v", tt.cogs, tt.missing, err)
		}
	}
}

func TestScenarioReferencePulseRequired(t *testing.T) {
	cfg := ckps.DefaultConfig()
	cfg.Cogs, cfg.Missing = 36, 0
	wheel := sim.Wheel{Cogs: 36, RPM: sim.Ramp(200, 2000, 1), StartTooth: 3}
	wheel.Drop = func(rev, pos int) bool { return pos == 10 || pos == 11 }

	b := newBench(t, cfg, wheel, 4)
	b.s.RunFor(1.5)
	if b.d.Synchronized() {
		t.Fatal("a wheel without missing teeth synchronized on period ratio")
	}

	wheel.Reference = true
	wheel.Drop = nil
	b = newBench(t, cfg, wheel, 4)
	b.s.RunFor(1.5)
	if !b.d.Synchronized() {
		t.Fatal("reference pulse did not synchronize")
	}
	if err := b.d.Err(); err != nil {
		t.Fatalf("sync error: %v", err)
	}
	if n := len(b.s.Events(sim.EvArm)); n == 0 {
		t.Fatal("no sparks scheduled after reference sync")
	}
}

func TestScenarioWrongGapBoundedDisturbance(t *testing.T) {
	wheel := sim.Wheel{
		Cogs:       60,
		Missing:    2,
		RPM:        sim.Constant(1500),
		StartTooth: 20,
		Drop:       func(rev, pos int) bool { return rev == 3 && (pos == 30 || pos == 31) },
	}
	b := newBench(t, scenarioConfig(), wheel, 4)
	b.s.RunRevolutions(6)

	err := b.d.Err()
	if err == nil {
		t.Fatal("fabricated gap did not raise the sync error")
	}
	if !b.d.Synchronized() {
		t.Fatal("decoder lost lock")
	}
	snap := b.d.Snapshot()
	if snap.Stats.SyncErrors == 0 || snap.Stats.SyncErrors > 2 {
		t.Errorf("sync errors %d, want 1 or 2", snap.Stats.SyncErrors)
	}

	b.d.ClearError()
	b.s.ClearEvents()
	b.s.RunRevolutions(6)
	if err := b.d.Err(); err != nil {
		t.Fatalf("disturbance not bounded: %v", err)
	}
	errs := sim.AngleError(b.s.SparkAngles(true), 354-15, 180)
	sum := sim.Summarize(errs)
	if sum.N == 0 || math.Abs(sum.Min) > 0.5 || math.Abs(sum.Max) > 0.5 {
		t.Errorf("spark angles after recovery off by %+.3f..%+.3f", sum.Min, sum.Max)
	}
}

func TestScenarioHandlerLatencyForcesSpark(t *testing.T) {
	b := newBench(t, scenarioConfig(), sim.Wheel{Cogs: 60, Missing: 2, RPM: sim.Constant(1000), StartTooth: 12}, 4)
	b.s.RunRevolutions(2)
	b.s.SetLatency(600)
	b.s.RunRevolutions(4)

	st := b.d.Snapshot().Stats
	if st.ForcedSparks == 0 {
		t.Fatal("no spark was forced despite stale compares")
	}
	if st.Sparks < 8 {
		t.Errorf("sparks %d: stale compares were lost", st.Sparks)
	}
}

func TestScenarioCrankingFrequency(t *testing.T) {
	b := newBench(t, scenarioConfig(), sim.Wheel{Cogs: 60, Missing: 2, RPM: sim.Constant(100), StartTooth: 40}, 4)
	b.s.RunRevolutions(4)
	if got := b.d.Frequency(); got != 100 {
		t.Errorf("cranking frequency = %d, want 100", got)
	}
	if b.s.Edge() != ckps.Rising {
		t.Errorf("capture edge %v", b.s.Edge())
	}
}

// On a 30-2 wheel with 8 cylinders the next channel latches 12 degrees
// after TDC, before a retarded spark at 15 degrees after TDC is due.
func TestScenarioLatchBeforeRetardedSpark(t *testing.T) {
	cfg := ckps.DefaultConfig()
	cfg.Cogs, cfg.Missing = 30, 2
	cfg.Cylinders = 8
	cfg.TeethBeforeTDC = 1
	cfg.Advance = ckps.MinAdvance
	b := newBench(t, cfg, sim.Wheel{Cogs: 30, Missing: 2, RPM: sim.Constant(1000), StartTooth: 5}, 8)

	b.s.RunRevolutions(3)
	if !b.d.Synchronized() {
		t.Fatal("not synchronized")
	}
	b.s.ClearEvents()
	before := b.d.Snapshot().Stats
	b.s.RunRevolutions(10)
	st := b.d.Snapshot().Stats

	latches, sparks := st.Latches-before.Latches, st.Sparks-before.Sparks
	if latches != 40 || sparks < 39 || sparks > 41 {
		t.Fatalf("%d latches, %d sparks in 10 revolutions, want 40 and 40", latches, sparks)
	}

	// Channel i drives pins i and i+4, whose TDCs are 360 degrees apart.
	deg := 360.0 / 30
	tables := b.d.Tables()
	asserts := make([]int, 8)
	for _, ev := range b.s.Events(sim.EvOutput) {
		if !ev.Level {
			continue
		}
		asserts[ev.Channel]++
		tdc := float64(tables[ev.Channel].TDC-1) * deg
		want := tdc - float64(cfg.Advance)/ckps.AngleMultiplier
		got := math.Mod(b.s.CrankAngle(ev.Time), 360)
		if e := sim.AngleError([]float64{got}, want, 360)[0]; math.Abs(e) > 0.5 {
			t.Errorf("pin %d fired at %.2f deg, want %.2f", ev.Channel, got, math.Mod(want, 360))
		}
	}
	for pin, n := range asserts {
		if n < 9 {
			t.Errorf("pin %d asserted %d times in 10 revolutions, want 10", pin, n)
		}
	}
}
