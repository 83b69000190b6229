package ckps

// Frequency returns the instantaneous crankshaft speed in min^-1, derived
// from the last stroke period and the timer overflows counted during it.
func (d *Decoder) Frequency() uint16 {
	exit := d.gate.enter()
	period, ovf, wrapped, div := d.strokePeriod, d.strokeOvf, d.strokeSign, d.dividend
	exit()
	return frequency(div, period, ovf, wrapped)
}

// frequency divides the per-stroke dividend by the elapsed ticks. When the
// end timestamp is below the start one, the last overflow was already part
// of the 16-bit period.
func frequency(dividend uint32, period uint16, ovf uint8, wrapped bool) uint16 {
	var ticks int64
	if wrapped && ovf > 0 {
		ticks = int64(ovf)*TimerRange - (TimerRange - int64(period))
	} else {
		ticks = int64(ovf)*TimerRange + int64(period)
	}
	if ticks <= 0 {
		return 0
	}
	f := int64(dividend) / ticks
	if f > 0xFFFF {
		return 0xFFFF
	}
	return uint16(f)
}

// strokeDividend is ticks per minute times revolutions per stroke.
func strokeDividend(timerHz uint32, cylinders int) uint32 {
	return uint32(uint64(timerHz) * 60 * 2 / uint64(cylinders))
}

// stroke closes the stroke measurement at a TDC tooth and opens the next.
func (d *Decoder) stroke(t uint16) {
	if d.measureValid {
		d.strokePeriod = t - d.measureStart
		d.strokeSign = t < d.measureStart
		d.strokeOvf = d.ovf
		d.stats.Strokes++
	}
	d.ovf = 0
	d.measureStart = t
	d.measureValid = true
	d.strokeEvent.Store(true)
}
