package ckps

// OnCapture handles an active edge of the crank sensor captured at ts.
func (d *Decoder) OnCapture(ts uint16) {
	defer d.gate.enter()()

	d.ports.Cam.DetectEdge()
	d.stats.Edges++

	// Teeth owed from the gap come first, at their nominal times.
	if d.owed > 0 {
		d.hw.CancelVirtualTooth()
		for d.owed > 0 {
			d.virtualTooth()
		}
	}

	d.periodPrev = d.periodCurr
	d.periodCurr = ts - d.prevTS
	d.prevTS = ts

	switch d.state {
	case Unsynced:
		d.refPending = false
		d.skipped++
		if d.skipped >= StartSkipCogs {
			d.state = SeekingGap
		}
		return

	case SeekingGap:
		if !d.gapDetected() {
			return
		}
		d.stats.Gaps++
		d.state = Synchronized
		d.synced.Store(true)
		d.cog, d.cog360 = 1, 1
		d.measureValid = false

	case Synchronized:
		if d.gapDetected() {
			d.stats.Gaps++
			if d.cog360 != d.geo.Total+1 {
				// Lock is kept; only the 720 degree counter restarts.
				d.lastCounted = int(d.cog360) - 1
				d.syncErr.Store(true)
				d.stats.SyncErrors++
				d.cog = 1
				d.measureValid = false
			}
			d.cog360 = 1
		}
	}

	lastPhysical := d.geo.Missing > 0 && d.cog360 == d.geo.LastCog
	d.processCog(ts)
	if lastPhysical && d.periodCurr > 0 {
		d.owed = int(d.geo.Missing)
		d.virtualTS = ts
		d.virtualPeriod = d.periodCurr
		d.hw.ArmVirtualTooth(d.virtualPeriod)
	}
}

// gapDetected reports whether this edge ends the reference gap. With no
// missing teeth only the reference pulse counts.
func (d *Decoder) gapDetected() bool {
	if d.geo.Missing == 0 {
		if d.refPending {
			d.refPending = false
			return true
		}
		return false
	}
	p := uint32(d.periodPrev)
	barrier := p*uint32(d.geo.Missing) + p/2
	if uint32(d.periodCurr) > barrier {
		d.periodCurr = d.periodPrev
		return true
	}
	return false
}

// OnVirtualTooth handles the secondary timer standing in for a missing
// tooth.
func (d *Decoder) OnVirtualTooth() {
	defer d.gate.enter()()
	if d.state != Synchronized || d.owed == 0 {
		return
	}
	d.virtualTooth()
	if d.owed > 0 {
		d.hw.ArmVirtualTooth(d.virtualPeriod)
	}
}

func (d *Decoder) virtualTooth() {
	d.owed--
	d.virtualTS += d.virtualPeriod
	d.stats.VirtualTeeth++
	d.processCog(d.virtualTS)
}

// OnReferencePulse marks the next edge as tooth 1. It is only used on
// wheels without missing teeth.
func (d *Decoder) OnReferencePulse() {
	defer d.gate.enter()()
	if d.geo.Missing == 0 && d.state != Unsynced {
		d.refPending = true
	}
}

// OnOverflow counts a capture timer rollover.
func (d *Decoder) OnOverflow() {
	defer d.gate.enter()()
	if d.ovf < 255 {
		d.ovf++
	}
}
