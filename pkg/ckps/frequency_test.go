package ckps

import "testing"

func TestStrokeDividend(t *testing.T) {
	tests := []struct {
		hz   uint32
		cyl  int
		want uint32
	}{
		{250000, 4, 7500000},
		{250000, 1, 30000000},
		{250000, 6, 5000000},
		{16000000, 1, 1920000000},
	}
	for _, tt := range tests {
		if got := strokeDividend(tt.hz, tt.cyl); got != tt.want {
			t.Errorf("strokeDividend(%d, %d) = %d, want %d", tt.hz, tt.cyl, got, tt.want)
		}
	}
}

func TestFrequencyValues(t *testing.T) {
	div := strokeDividend(DefaultTimerHz, 4)
	tests := []struct {
		name    string
		period  uint16
		ovf     uint8
		wrapped bool
		want    uint16
	}{
		{"no stroke yet", 0xFFFF, 255, false, 0},
		{"6000 rpm", 1250, 0, false, 6000},
		{"1000 rpm", 7500, 0, false, 1000},
		{"wrapped once", 7500, 1, true, 1000},
		{"one overflow", 24464, 1, false, 83},
		{"two overflows wrapped", 24464, 2, true, 83},
		{"zero ticks", 0, 0, false, 0},
		{"clamped", 1, 0, false, 0xFFFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := frequency(div, tt.period, tt.ovf, tt.wrapped); got != tt.want {
				t.Errorf("frequency = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFrequencyMonotonic(t *testing.T) {
	div := strokeDividend(DefaultTimerHz, 1)
	prev := uint16(0xFFFF)
	for elapsed := int64(1); elapsed < 255*TimerRange; elapsed += 4099 {
		ovf := uint8(elapsed / TimerRange)
		period := uint16(elapsed % TimerRange)
		f := frequency(div, period, ovf, false)
		if f > prev {
			t.Fatalf("frequency rose from %d to %d at %d ticks", prev, f, elapsed)
		}
		prev = f

		// The same elapsed time measured across a timer wrap.
		if ovf < 255 && period > 0 {
			if w := frequency(div, period, ovf+1, true); w != f {
				t.Fatalf("wrapped form %d != plain form %d at %d ticks", w, f, elapsed)
			}
		}
	}
}

func TestInterpolate(t *testing.T) {
	tests := []struct {
		diff   Angle
		period uint16
		deg    Angle
		want   uint16
	}{
		{192, 250, 192, 250},
		{96, 200, 192, 100},
		{288, 250, 192, 375},
		{384, 3000, 192, 6000},
		{0, 3000, 192, 0},
		{384, 0xFFFF, 192, 0x7FFF},
	}
	for _, tt := range tests {
		if got := interpolate(tt.diff, tt.period, tt.deg); got != tt.want {
			t.Errorf("interpolate(%d, %d, %d) = %d, want %d", tt.diff, tt.period, tt.deg, got, tt.want)
		}
	}
}
