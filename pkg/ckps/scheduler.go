package ckps

// processCog runs the per-tooth schedule for tooth d.cog stamped t, then
// advances the counters. Called with the gate held, for physical and
// virtual teeth alike.
func (d *Decoder) processCog(t uint16) {
	d.forcePending()

	fast := d.strokeOvf == 0 && d.strokePeriod < FastStrokePeriod
	for i := 0; i < d.geo.Cylinders; i++ {
		tb := &d.tables[i]

		if d.useKnock {
			if d.cog == tb.KnockBegin {
				d.ports.Knock.SetIntegrationMode(KnockIntegrate)
			}
			if d.cog == tb.KnockEnd {
				d.ports.Knock.SetIntegrationMode(KnockHold)
				d.ports.Sampler.BeginKnockMeasure(fast)
			}
		}

		if d.cog == tb.Latch {
			d.channel.Store(int32(i))
			d.needArm = true
			d.currentAngle = d.geo.StartAngle
			d.advance = d.advanceBuf
			d.ports.Knock.StartSettingsLatch()
			d.ports.Sampler.BeginMeasure(fast)
			d.stats.Latches++
		}

		if d.cog == tb.TDC {
			d.stroke(t)
		}

		if d.useHall {
			if d.cog == tb.HallBegin {
				d.ports.Hall.Set(true)
			}
			if d.cog == tb.HallEnd {
				d.ports.Hall.Set(false)
			}
		}

		if d.useInjection && d.cog == tb.Injection {
			d.ports.Injector.StartInjection(i)
		}
	}

	if ch := int(d.channel.Load()); d.needArm && ch != NoChannel {
		diff := d.currentAngle - d.advance
		if diff <= 2*d.geo.DegreesPerCog {
			if diff < 0 {
				diff = 0
			}
			// One compare channel: a spark still owed by the previous
			// channel goes out now.
			if d.compareArmed {
				d.fireSpark(true)
			}
			d.armedCh = ch
			d.compareAt = t + interpolate(diff, d.periodCurr, d.geo.DegreesPerCog) - CompareLatency
			d.compareArmed = true
			d.needArm = false
			d.stats.Arms++
			d.hw.ArmCompare(d.compareAt)
		}
	}

	d.forcePending()
	d.endPulses()

	if d.channel.Load() != NoChannel {
		d.currentAngle -= d.geo.DegreesPerCog
	}
	d.cog++
	if d.cog > d.geo.Cogs2 {
		d.cog = 1
	}
	d.cog360++
	d.stats.Teeth++
	d.cogChanged.Store(true)

	d.forcePending()
}

// interpolate converts an angle below the current tooth into timer ticks
// using the last tooth period. Small operands stay in 16 bits. The result
// is capped at half the timer range so a pending compare is never mistaken
// for a stale one.
func interpolate(diff Angle, period uint16, degPerCog Angle) uint16 {
	if degPerCog <= 0 {
		return 0
	}
	if period <= 0xFF && diff <= 0xFF {
		return uint16(diff) * period / uint16(degPerCog)
	}
	ticks := uint32(diff) * uint32(period) / uint32(degPerCog)
	if ticks > 0x7FFF {
		return 0x7FFF
	}
	return uint16(ticks)
}
