package ckps

// plan is a fully derived decoder setup, computed outside the gate and
// installed in one step.
type plan struct {
	cfg      Config
	geo      Geometry
	tables   [MaxChannels]ChannelTable
	outs     [MaxChannels][2]OutputSink
	assert   bool
	dividend uint32
}

// newGeometry derives the wheel constants. degrees_per_cog is rounded,
// the latch lead is rounded up to whole teeth and the channel spacing is
// truncated.
func newGeometry(total, missing, cylinders int) Geometry {
	deg := (360*AngleMultiplier + total/2) / total
	lead := (int(LatchAngle) + deg - 1) / deg
	return Geometry{
		Total:          uint16(total),
		Missing:        uint16(missing),
		Cogs2:          uint16(2 * total),
		LastCog:        uint16(total - missing),
		Cylinders:      cylinders,
		DegreesPerCog:  Angle(deg),
		CogsPerChannel: uint32(2*total*CogsPerChannelScale) / uint32(cylinders),
		LatchLeadCogs:  uint16(lead),
		StartAngle:     Angle(lead * deg),
	}
}

// normalize wraps a tooth number into [1, cogs2].
func normalize(v, cogs2 int) uint16 {
	r := (v - 1) % cogs2
	if r < 0 {
		r += cogs2
	}
	return uint16(r + 1)
}

// angleCogs rounds an angle to whole teeth, half away from zero.
func angleCogs(a, deg Angle) int {
	if a >= 0 {
		return (int(a) + int(deg)/2) / int(deg)
	}
	return -((-int(a) + int(deg)/2) / int(deg))
}

// buildTables computes every channel's event teeth. Pure function of its
// inputs.
func buildTables(g Geometry, cfg Config) [MaxChannels]ChannelTable {
	var tables [MaxChannels]ChannelTable
	cogs2 := int(g.Cogs2)
	deg := g.DegreesPerCog
	for i := 0; i < g.Cylinders; i++ {
		tdc := int(normalize(cfg.TeethBeforeTDC+int((uint32(i)*g.CogsPerChannel)>>8), cogs2))

		knockBegin := tdc + angleCogs(cfg.KnockBegin, deg)
		knockEnd := tdc + angleCogs(cfg.KnockEnd, deg)
		if knockEnd <= knockBegin {
			knockEnd = knockBegin + 1
		}

		hallBegin := tdc - angleCogs(cfg.HallOffset, deg)
		hallLen := angleCogs(cfg.HallDuration, deg)
		if hallLen < 1 {
			hallLen = 1
		}

		tables[i] = ChannelTable{
			TDC:        uint16(tdc),
			Latch:      normalize(tdc-int(g.LatchLeadCogs), cogs2),
			KnockBegin: normalize(knockBegin, cogs2),
			KnockEnd:   normalize(knockEnd, cogs2),
			HallBegin:  normalize(hallBegin, cogs2),
			HallEnd:    normalize(hallBegin+hallLen, cogs2),
			Injection:  normalize(tdc-angleCogs(cfg.InjectionPhase, deg), cogs2),
		}
	}
	return tables
}

func buildPlan(cfg Config, bank []OutputSink) plan {
	p := plan{
		cfg:      cfg,
		geo:      newGeometry(cfg.Cogs, cfg.Missing, cfg.Cylinders),
		assert:   !cfg.InvertOutputs,
		dividend: strokeDividend(cfg.TimerHz, cfg.Cylinders),
	}
	p.tables = buildTables(p.geo, cfg)
	for i, pair := range bindOutputs(cfg.Cylinders, len(bank)) {
		for h, idx := range pair {
			if idx < 0 {
				p.outs[i][h] = nopPorts{}
			} else {
				p.outs[i][h] = bank[idx]
			}
		}
	}
	return p
}

// install swaps the derived tables in. Gate held.
func (d *Decoder) install(p plan) {
	d.geo = p.geo
	d.tables = p.tables
	d.dividend = p.dividend
	d.ignitionCogs = p.cfg.IgnitionCogs
	d.useKnock = p.cfg.UseKnock
	d.useHall = p.cfg.UseHall
	d.useInjection = p.cfg.UseInjection
	d.ignition = p.cfg.Ignition
}

// rebind drops the armed spark, drives the bank safe and attaches the new
// output pairs. Gate held.
func (d *Decoder) rebind(p plan) {
	d.hw.DisarmCompare()
	d.compareArmed = false
	d.armedCh = NoChannel
	d.needArm = false
	d.channel.Store(NoChannel)
	d.assert = p.assert
	d.safeOutputs()
	d.outs = p.outs
}

// reconfigure applies mutate to a copy of the configuration, validates it
// and installs the derived plan. resync forces a return to Unsynced even
// when the wheel is unchanged.
func (d *Decoder) reconfigure(mutate func(*Config), resync bool) error {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	next := d.cfg
	mutate(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	prev := d.cfg
	p := buildPlan(next, d.ports.Outputs)

	wheel := resync || next.Cogs != prev.Cogs || next.Missing != prev.Missing || next.TimerHz != prev.TimerHz
	outputs := next.Cylinders != prev.Cylinders || next.InvertOutputs != prev.InvertOutputs

	exit := d.gate.enter()
	d.install(p)
	d.advanceBuf = next.Advance
	if outputs {
		d.rebind(p)
	}
	if wheel {
		d.resetLocked()
	}
	if prev.UseHall && !next.UseHall {
		d.ports.Hall.Set(false)
	}
	exit()

	if next.Edge != prev.Edge {
		d.hw.SelectEdge(next.Edge)
	}
	d.cfg = next
	return nil
}

// Configure installs a complete configuration. The decoder resynchronizes
// only if the wheel or timer changed.
func (d *Decoder) Configure(cfg Config) error {
	return d.reconfigure(func(c *Config) { *c = cfg }, false)
}

// SetCogsNum sets the wheel layout and drops synchronization.
func (d *Decoder) SetCogsNum(total, missing int) error {
	return d.reconfigure(func(c *Config) {
		c.Cogs, c.Missing = total, missing
		if c.TeethBeforeTDC > total {
			c.TeethBeforeTDC = total
		}
		if c.IgnitionCogs > total {
			c.IgnitionCogs = total
		}
	}, true)
}

// SetCylinders sets the channel count and rebinds the ignition outputs.
func (d *Decoder) SetCylinders(n int) error {
	return d.reconfigure(func(c *Config) { c.Cylinders = n }, false)
}

// SetTeethBeforeTDC sets the tooth of channel 0's TDC counted from the gap.
func (d *Decoder) SetTeethBeforeTDC(teeth int) error {
	return d.reconfigure(func(c *Config) { c.TeethBeforeTDC = teeth }, false)
}

// SetKnockWindow sets the knock window relative to TDC.
func (d *Decoder) SetKnockWindow(begin, end Angle) error {
	return d.reconfigure(func(c *Config) { c.KnockBegin, c.KnockEnd = begin, end }, false)
}

// UseKnock switches the knock window events on or off.
func (d *Decoder) UseKnock(on bool) error {
	return d.reconfigure(func(c *Config) { c.UseKnock = on }, false)
}

// SetHallPulse sets the emulated Hall pulse start before TDC and its width.
func (d *Decoder) SetHallPulse(offset, duration Angle) error {
	return d.reconfigure(func(c *Config) { c.HallOffset, c.HallDuration = offset, duration }, false)
}

// UseHall switches the Hall emulation output on or off. Off leaves the
// output low.
func (d *Decoder) UseHall(on bool) error {
	return d.reconfigure(func(c *Config) { c.UseHall = on }, false)
}

// SetInjectionPhase sets the injection start before TDC.
func (d *Decoder) SetInjectionPhase(phase Angle) error {
	return d.reconfigure(func(c *Config) { c.InjectionPhase = phase }, false)
}

// UseInjection switches injection starts on or off.
func (d *Decoder) UseInjection(on bool) error {
	return d.reconfigure(func(c *Config) { c.UseInjection = on }, false)
}

// SetIgnitionCogs sets the ignition pulse length in teeth.
func (d *Decoder) SetIgnitionCogs(n int) error {
	return d.reconfigure(func(c *Config) { c.IgnitionCogs = n }, false)
}

// EnableIgnition gates the ignition outputs. Scheduling continues either way.
func (d *Decoder) EnableIgnition(on bool) error {
	return d.reconfigure(func(c *Config) { c.Ignition = on }, false)
}

// SetEdge selects the capture polarity.
func (d *Decoder) SetEdge(e Edge) error {
	return d.reconfigure(func(c *Config) { c.Edge = e }, false)
}

// SetAdvanceAngle buffers the advance angle. It is taken over at the next
// latch tooth.
func (d *Decoder) SetAdvanceAngle(a Angle) error {
	if err := checkAngle("advance", a, MinAdvance, MaxAdvance); err != nil {
		return err
	}
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	d.cfg.Advance = a
	defer d.gate.enter()()
	d.advanceBuf = a
	return nil
}
