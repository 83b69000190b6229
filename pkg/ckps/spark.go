package ckps

// OnCompare handles the compare match armed by the scheduler.
func (d *Decoder) OnCompare() {
	defer d.gate.enter()()
	if !d.compareArmed {
		return
	}
	d.fireSpark(false)
}

// forcePending fires an armed spark whose compare time has already passed.
func (d *Decoder) forcePending() {
	if d.compareArmed && int16(d.hw.Now()-d.compareAt) >= 0 {
		d.fireSpark(true)
	}
}

func (d *Decoder) fireSpark(forced bool) {
	d.hw.DisarmCompare()
	d.compareArmed = false

	// A later latch may already have selected the next channel; the
	// spark belongs to the channel that armed the compare.
	ch := d.armedCh
	d.armedCh = NoChannel
	if ch == NoChannel {
		return
	}
	if d.ignition {
		d.outs[ch][0].Set(d.assert)
		d.outs[ch][1].Set(d.assert)
		d.pulse[ch] = d.ignitionCogs
	}
	d.stats.Sparks++
	if forced {
		d.stats.ForcedSparks++
	}
	d.channel.CompareAndSwap(int32(ch), NoChannel)
}

// endPulses counts down running ignition pulses and returns finished
// channels to the safe level.
func (d *Decoder) endPulses() {
	for i := 0; i < d.geo.Cylinders; i++ {
		if d.pulse[i] == 0 {
			continue
		}
		d.pulse[i]--
		if d.pulse[i] == 0 {
			d.outs[i][0].Set(!d.assert)
			d.outs[i][1].Set(!d.assert)
		}
	}
}

// safeOutputs ends every pulse and drives the whole bank safe.
func (d *Decoder) safeOutputs() {
	for i := range d.pulse {
		d.pulse[i] = 0
	}
	for _, o := range d.ports.Outputs {
		o.Set(!d.assert)
	}
}
