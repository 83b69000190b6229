package ckps

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	ecuerrors "ecu-core/pkg/errors"
)

type fakeHW struct {
	now          uint16
	lag          uint16
	compareArmed bool
	compareAt    uint16
	arms         int
	virtualArmed bool
	virtualTicks uint16
	edge         Edge
}

func (f *fakeHW) Now() uint16 { return f.now + f.lag }
func (f *fakeHW) ArmCompare(at uint16) {
	f.compareArmed = true
	f.compareAt = at
	f.arms++
}
func (f *fakeHW) DisarmCompare() { f.compareArmed = false }
func (f *fakeHW) ArmVirtualTooth(ticks uint16) {
	f.virtualArmed = true
	f.virtualTicks = ticks
}
func (f *fakeHW) CancelVirtualTooth() { f.virtualArmed = false }
func (f *fakeHW) SelectEdge(e Edge)   { f.edge = e }

type levelSink struct {
	level bool
	sets  int
	// calls, when set, also logs each level with the current tooth.
	calls *callLog
}

func (s *levelSink) Set(level bool) {
	s.level = level
	s.sets++
	if s.calls != nil {
		kind := "hall_off"
		if level {
			kind = "hall_on"
		}
		s.calls.at(kind, -1)
	}
}

// toothCall is a collaborator call and the tooth being processed.
type toothCall struct {
	kind string
	ch   int
	cog  uint16
}

type callLog struct {
	integrate, hold, latches int
	measures, knockMeasures  int
	injections               []int
	camEdges                 int

	// cog is the tooth the rig is delivering.
	cog   uint16
	teeth []toothCall
}

func (c *callLog) at(kind string, ch int) {
	c.teeth = append(c.teeth, toothCall{kind, ch, c.cog})
}

func (c *callLog) SetIntegrationMode(m KnockMode) {
	if m == KnockIntegrate {
		c.integrate++
		c.at("integrate", -1)
	} else {
		c.hold++
		c.at("hold", -1)
	}
}
func (c *callLog) StartSettingsLatch()    { c.latches++ }
func (c *callLog) BeginMeasure(bool)      { c.measures++ }
func (c *callLog) BeginKnockMeasure(bool) { c.knockMeasures++ }
func (c *callLog) StartInjection(ch int) {
	c.injections = append(c.injections, ch)
	c.at("injection", ch)
}
func (c *callLog) DetectEdge()            { c.camEdges++ }

// testRig turns a wheel at a constant tooth period against a fake timer.
type testRig struct {
	t      *testing.T
	d      *Decoder
	hw     *fakeHW
	calls  *callLog
	hall   *levelSink
	outs   []*levelSink
	total  int
	miss   int
	pos    int
	ts     uint16
	period uint16
	// skipVirtual leaves armed virtual teeth unserved.
	skipVirtual bool
	// drop removes the physical tooth at this absolute position.
	drop map[int]bool
}

func newTestDecoder(t *testing.T, cfg Config, outputs int) (*Decoder, *testRig) {
	t.Helper()
	hw := &fakeHW{}
	calls := &callLog{}
	r := &testRig{
		t:      t,
		hw:     hw,
		calls:  calls,
		hall:   &levelSink{calls: calls},
		total:  cfg.Cogs,
		miss:   cfg.Missing,
		pos:    10,
		period: 250,
		drop:   map[int]bool{},
	}
	bank := make([]OutputSink, outputs)
	for i := range bank {
		s := &levelSink{}
		r.outs = append(r.outs, s)
		bank[i] = s
	}
	d, err := New(hw, cfg, Ports{
		Knock:    calls,
		Sampler:  calls,
		Injector: calls,
		Cam:      calls,
		Hall:     r.hall,
		Outputs:  bank,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.d = d
	return d, r
}

// tooth advances the wheel by one position, serving a due compare first.
func (r *testRig) tooth() {
	prev := r.ts
	r.ts += r.period
	if r.ts < prev {
		r.d.OnOverflow()
	}
	if r.hw.compareArmed && int16(r.ts-r.hw.compareAt) >= 0 {
		r.hw.compareArmed = false
		r.hw.now = r.hw.compareAt
		r.d.OnCompare()
	}
	r.hw.now = r.ts
	abs := r.pos
	pos := r.pos % r.total
	r.pos++
	r.calls.cog = r.d.Snapshot().Cog
	if pos >= r.total-r.miss {
		if r.hw.virtualArmed && !r.skipVirtual {
			r.hw.virtualArmed = false
			r.d.OnVirtualTooth()
		}
		return
	}
	if r.drop[abs] {
		return
	}
	r.d.OnCapture(r.ts)
}

func (r *testRig) teeth(n int) {
	for i := 0; i < n; i++ {
		r.tooth()
	}
}

// syncUp turns the wheel until the decoder synchronizes.
func (r *testRig) syncUp() {
	r.t.Helper()
	for i := 0; i < 3*r.total; i++ {
		r.tooth()
		if r.d.Synchronized() {
			return
		}
	}
	r.t.Fatal("decoder did not synchronize")
}

// toGap turns the wheel until the next tooth position is 0.
func (r *testRig) toGap() {
	for r.pos%r.total != 0 {
		r.tooth()
	}
}

// toCog turns the wheel until tooth c is the next to be processed.
func (r *testRig) toCog(c uint16) {
	r.t.Helper()
	for i := 0; i < 4*r.total; i++ {
		if r.d.Snapshot().Cog == c {
			return
		}
		r.tooth()
	}
	r.t.Fatalf("tooth %d never reached", c)
}

func TestSyncAtGap(t *testing.T) {
	wheels := [][2]int{{60, 2}, {36, 1}, {24, 2}}
	for _, w := range wheels {
		cfg := DefaultConfig()
		cfg.Cogs, cfg.Missing = w[0], w[1]
		d, r := newTestDecoder(t, cfg, 4)
		fed := 0
		for !d.Synchronized() && fed < w[0] {
			r.tooth()
			fed++
		}
		if !d.Synchronized() {
			t.Fatalf("%v: not synchronized within one revolution", w)
		}
		if r.pos%w[0] != 1 {
			t.Errorf("%v: synchronized at position %d, want 0", w, (r.pos-1)%w[0])
		}
		s := d.Snapshot()
		// Tooth 1 has been processed, both counters moved on to 2.
		if s.Cog != 2 || s.Cog360 != 2 {
			t.Errorf("%v: cog/cog360 = %d/%d after first tooth, want 2/2", w, s.Cog, s.Cog360)
		}
		if s.PeriodCurr != r.period {
			t.Errorf("%v: gap period not replaced: %d", w, s.PeriodCurr)
		}
	}
}

func TestVirtualTeethFillGap(t *testing.T) {
	d, r := newTestDecoder(t, DefaultConfig(), 4)
	r.syncUp()
	start := d.Snapshot().Stats
	r.teeth(3 * 60)
	s := d.Snapshot()

	if got := s.Stats.VirtualTeeth - start.VirtualTeeth; got != 6 {
		t.Errorf("virtual teeth = %d, want 6", got)
	}
	if got := s.Stats.Teeth - start.Teeth; got != 180 {
		t.Errorf("teeth processed = %d, want 180", got)
	}
	if s.SyncError || d.Err() != nil {
		t.Fatalf("unexpected sync error: %v", d.Err())
	}
}

func TestCatchUpOwedVirtualTeeth(t *testing.T) {
	d, r := newTestDecoder(t, DefaultConfig(), 4)
	r.syncUp()
	r.toGap()
	r.skipVirtual = true
	r.teeth(60)
	if !r.hw.virtualArmed {
		t.Fatal("virtual tooth timer not armed at the last physical tooth")
	}
	before := d.Snapshot().Stats.VirtualTeeth
	r.skipVirtual = false
	r.tooth() // gap edge
	s := d.Snapshot()
	if got := s.Stats.VirtualTeeth - before; got != 2 {
		t.Errorf("caught up %d virtual teeth, want 2", got)
	}
	if r.hw.virtualArmed {
		t.Error("virtual timer left armed after catch-up")
	}
	if d.Err() != nil {
		t.Errorf("catch-up raised sync error: %v", d.Err())
	}
	if s.Cog360 != 2 {
		t.Errorf("cog360 = %d, want 2", s.Cog360)
	}
}

func TestWrongToothCountSetsError(t *testing.T) {
	d, r := newTestDecoder(t, DefaultConfig(), 4)
	r.syncUp()
	r.toGap()
	r.drop[r.pos+20] = true
	r.teeth(61)

	err := d.Err()
	if err == nil {
		t.Fatal("expected sync error after a dropped tooth")
	}
	if !errors.Is(err, ErrSyncLost) || !ecuerrors.Is(err, ecuerrors.ErrSync) {
		t.Errorf("unexpected error chain: %v", err)
	}
	if !d.Synchronized() {
		t.Error("decoder dropped lock on a tooth count mismatch")
	}
	s := d.Snapshot()
	if s.Cog != 2 || s.Cog360 != 2 {
		t.Errorf("cog/cog360 = %d/%d after forced resync, want 2/2", s.Cog, s.Cog360)
	}

	d.ClearError()
	if d.Err() != nil {
		t.Fatal("ClearError did not clear")
	}
	r.teeth(240)
	if d.Err() != nil {
		t.Errorf("error came back on a clean wheel: %v", d.Err())
	}
	if got := d.Snapshot().Stats.SyncErrors; got != 1 {
		t.Errorf("SyncErrors = %d, want 1", got)
	}
}

func TestReferencePulseOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cogs, cfg.Missing = 36, 0
	d, r := newTestDecoder(t, cfg, 4)

	r.teeth(3 * 36)
	r.period = 900 // a long period looks like a gap to a missing-tooth wheel
	r.tooth()
	r.period = 250
	r.teeth(36)
	if d.Synchronized() {
		t.Fatal("synchronized without a reference pulse")
	}

	r.toGap()
	d.OnReferencePulse()
	r.tooth()
	if !d.Synchronized() {
		t.Fatal("not synchronized by the reference pulse")
	}
	if s := d.Snapshot(); s.Cog != 2 || s.Cog360 != 2 {
		t.Errorf("cog/cog360 = %d/%d, want 2/2", s.Cog, s.Cog360)
	}

	for rev := 0; rev < 3; rev++ {
		r.teeth(35)
		d.OnReferencePulse()
		r.tooth()
	}
	if err := d.Err(); err != nil {
		t.Errorf("unexpected sync error: %v", err)
	}
	if v := d.Snapshot().Stats.VirtualTeeth; v != 0 {
		t.Errorf("virtual teeth on a wheel without gap: %d", v)
	}
}

func TestLatchArmAndSpark(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TeethBeforeTDC = 60
	cfg.Advance = Deg(15)
	d, r := newTestDecoder(t, cfg, 4)
	r.syncUp()
	r.toGap()

	latches := r.calls.latches
	arms := r.hw.arms
	r.teeth(120)
	if got := r.calls.latches - latches; got != 4 {
		t.Errorf("latches per 720 = %d, want 4", got)
	}
	if got := r.hw.arms - arms; got != 4 {
		t.Errorf("compare arms per 720 = %d, want 4", got)
	}
	s := d.Snapshot()
	if s.Stats.Sparks < 4 || s.Stats.ForcedSparks != 0 {
		t.Errorf("sparks %d forced %d", s.Stats.Sparks, s.Stats.ForcedSparks)
	}
	if r.calls.measures != int(s.Stats.Latches) {
		t.Errorf("measures %d != latches %d", r.calls.measures, s.Stats.Latches)
	}
}

func TestArmTargetInterpolated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TeethBeforeTDC = 60
	cfg.Advance = Deg(15)
	d, r := newTestDecoder(t, cfg, 4)
	r.syncUp()
	r.toCog(1)
	// Channel 0 latches on tooth 49 and arms 7 teeth later.
	r.teeth(55)
	arms := r.hw.arms
	r.tooth()
	if r.hw.arms != arms+1 {
		t.Fatalf("compare not armed on tooth 56")
	}
	want := r.ts + uint16(288*uint32(r.period)/192) - CompareLatency
	if r.hw.compareAt != want {
		t.Errorf("compare at %d, want %d", r.hw.compareAt, want)
	}
	if d.Channel() != 0 {
		t.Errorf("channel = %d, want 0", d.Channel())
	}
}

func TestAdvanceBufferedUntilLatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TeethBeforeTDC = 60
	cfg.Advance = Deg(10)
	d, r := newTestDecoder(t, cfg, 4)
	r.syncUp()
	r.toCog(1)
	r.teeth(50) // channel 0 latched on tooth 49

	if err := d.SetAdvanceAngle(Deg(20)); err != nil {
		t.Fatal(err)
	}
	s := d.Snapshot()
	if s.Advance != Deg(10) || s.AdvanceBuffered != Deg(20) {
		t.Fatalf("advance %v buffered %v mid-cycle", s.Advance, s.AdvanceBuffered)
	}
	r.teeth(30) // channel 1 latches on tooth 79
	if s := d.Snapshot(); s.Advance != Deg(20) {
		t.Errorf("advance %v after latch, want 20", s.Advance)
	}
}

func TestForcePendingSpark(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TeethBeforeTDC = 60
	d, r := newTestDecoder(t, cfg, 4)
	r.syncUp()
	r.hw.lag = 2 * r.period
	r.teeth(120)

	s := d.Snapshot()
	if s.Stats.ForcedSparks == 0 {
		t.Fatal("stale compares were not forced")
	}
	if s.Stats.Sparks != s.Stats.ForcedSparks {
		t.Errorf("sparks %d, forced %d: a stale compare waited for the timer", s.Stats.Sparks, s.Stats.ForcedSparks)
	}
	if s.CompareArmed {
		t.Error("compare left armed after forced spark")
	}
}

func TestSparkDrivesPairAndEndsPulse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TeethBeforeTDC = 60
	cfg.IgnitionCogs = 4
	d, r := newTestDecoder(t, cfg, 4)
	r.syncUp()
	r.toCog(1)
	r.teeth(56) // channel 0 armed on tooth 56
	limit := r.pos + 2*r.total
	for !r.outs[0].level && r.pos < limit {
		r.tooth()
	}
	if !r.outs[0].level || !r.outs[2].level {
		t.Fatalf("wasted spark pair not asserted: %v %v", r.outs[0].level, r.outs[2].level)
	}
	if d.Channel() != NoChannel {
		t.Errorf("channel %d after spark", d.Channel())
	}
	r.teeth(5)
	if r.outs[0].level || r.outs[2].level {
		t.Error("ignition pulse did not end")
	}
}

func TestEnableIgnitionGatesOutputs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ignition = false
	d, r := newTestDecoder(t, cfg, 4)
	r.syncUp()
	r.teeth(240)
	for i, o := range r.outs {
		if o.level {
			t.Errorf("output %d asserted with ignition disabled", i)
		}
	}
	if d.Snapshot().Stats.Sparks == 0 {
		t.Error("scheduling stopped with ignition disabled")
	}
}

func TestSetCylindersDrivesOutputsSafe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InvertOutputs = true
	d, r := newTestDecoder(t, cfg, 4)
	for i, o := range r.outs {
		if !o.level {
			t.Fatalf("output %d not at inverted safe level after New", i)
		}
	}
	r.syncUp()
	r.teeth(100)
	if err := d.SetCylinders(2); err != nil {
		t.Fatal(err)
	}
	for i, o := range r.outs {
		if !o.level {
			t.Errorf("output %d not safe after SetCylinders", i)
		}
	}
	if d.Channel() != NoChannel {
		t.Errorf("channel %d survived rebinding", d.Channel())
	}
	if len(d.Tables()) != 2 {
		t.Errorf("tables for %d channels, want 2", len(d.Tables()))
	}
}

func TestCollaboratorEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseKnock = true
	cfg.UseHall = true
	cfg.UseInjection = true
	d, r := newTestDecoder(t, cfg, 4)
	r.syncUp()
	r.toGap()
	*r.calls = callLog{}
	r.teeth(120)

	if r.calls.integrate != 4 || r.calls.hold != 4 || r.calls.knockMeasures != 4 {
		t.Errorf("knock window calls %+v", *r.calls)
	}
	if len(r.calls.injections) != 4 {
		t.Fatalf("injections %v", r.calls.injections)
	}
	seen := map[int]bool{}
	for _, ch := range r.calls.injections {
		seen[ch] = true
	}
	if len(seen) != 4 {
		t.Errorf("injections not spread over channels: %v", r.calls.injections)
	}
	if r.hall.sets < 8 {
		t.Errorf("hall output set %d times, want >= 8", r.hall.sets)
	}
	if r.calls.camEdges == 0 {
		t.Error("cam not called on edges")
	}

	// Every call lands on the tooth its channel table names.
	want := map[string][]uint16{}
	for i, tb := range d.Tables() {
		want["integrate"] = append(want["integrate"], tb.KnockBegin)
		want["hold"] = append(want["hold"], tb.KnockEnd)
		want["hall_on"] = append(want["hall_on"], tb.HallBegin)
		want["hall_off"] = append(want["hall_off"], tb.HallEnd)
		want[fmt.Sprintf("injection %d", i)] = []uint16{tb.Injection}
	}
	got := map[string][]uint16{}
	for _, c := range r.calls.teeth {
		kind := c.kind
		if c.ch >= 0 {
			kind = fmt.Sprintf("%s %d", kind, c.ch)
		}
		got[kind] = append(got[kind], c.cog)
	}
	for kind, cogs := range want {
		slices.Sort(cogs)
		slices.Sort(got[kind])
		if !slices.Equal(got[kind], cogs) {
			t.Errorf("%s on teeth %v, want %v", kind, got[kind], cogs)
		}
	}

	if err := d.UseHall(false); err != nil {
		t.Fatal(err)
	}
	if r.hall.level {
		t.Error("hall output left high after disabling")
	}
}

func TestFrequencyFromStrokes(t *testing.T) {
	d, r := newTestDecoder(t, DefaultConfig(), 4)
	if got := d.Frequency(); got != 0 {
		t.Fatalf("frequency before any stroke = %d, want 0", got)
	}
	r.syncUp()
	r.teeth(120)
	// 30 teeth of 250 ticks per stroke at 250 kHz is 1000 min^-1.
	if got := d.Frequency(); got != 1000 {
		t.Errorf("frequency = %d, want 1000", got)
	}
	if !d.StrokeEvent() {
		t.Error("stroke event not raised")
	}
	if d.StrokeEvent() {
		t.Error("stroke event not consumed")
	}
	if !d.CogChanged() || d.CogChanged() {
		t.Error("cog changed flag not consume-once")
	}
}

func TestFrequencyAcrossOverflows(t *testing.T) {
	d, r := newTestDecoder(t, DefaultConfig(), 4)
	r.period = 3000 // 83 min^-1, one stroke spans 90000 ticks
	r.syncUp()
	r.teeth(150)
	if got := d.Frequency(); got != 83 {
		t.Errorf("frequency = %d, want 83", got)
	}
}

func TestResetKeepsStickyError(t *testing.T) {
	d, r := newTestDecoder(t, DefaultConfig(), 4)
	r.syncUp()
	r.toGap()
	r.drop[r.pos+5] = true
	r.teeth(61)
	if d.Err() == nil {
		t.Fatal("expected sync error")
	}
	d.Reset()
	if d.Synchronized() || d.Channel() != NoChannel {
		t.Error("reset left decoder synchronized")
	}
	if d.Err() == nil {
		t.Error("reset cleared the sticky error")
	}
	if d.Frequency() != 0 {
		t.Error("frequency survived reset")
	}
	for i, o := range r.outs {
		if o.level {
			t.Errorf("output %d asserted after reset", i)
		}
	}
}

func TestSetEdgeForwarded(t *testing.T) {
	d, r := newTestDecoder(t, DefaultConfig(), 0)
	if err := d.SetEdge(Falling); err != nil {
		t.Fatal(err)
	}
	if r.hw.edge != Falling {
		t.Errorf("peripheral edge = %v", r.hw.edge)
	}
}

func TestSetCogsNumResynchronizes(t *testing.T) {
	d, r := newTestDecoder(t, DefaultConfig(), 4)
	r.syncUp()
	if err := d.SetCogsNum(36, 1); err != nil {
		t.Fatal(err)
	}
	if d.Synchronized() {
		t.Fatal("geometry change kept synchronization")
	}
	g := d.Snapshot().Geometry
	if g.Total != 36 || g.Missing != 1 || g.DegreesPerCog != 320 {
		t.Errorf("geometry not installed: %+v", g)
	}
	r.total, r.miss = 36, 1
	r.syncUp()
}
