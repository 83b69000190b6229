package sim

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes a sample set.
type Summary struct {
	N      int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Summarize computes the sample statistics of x.
func Summarize(x []float64) Summary {
	if len(x) == 0 {
		return Summary{}
	}
	mean, std := stat.MeanStdDev(x, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return Summary{
		N:      len(x),
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(x),
		Max:    floats.Max(x),
	}
}

// SparkAngles returns the crank angle modulo 720 of every transition of an
// ignition output to assertLevel.
func (s *Sim) SparkAngles(assertLevel bool) []float64 {
	var out []float64
	for _, ev := range s.log {
		if ev.Kind == EvOutput && ev.Level == assertLevel {
			out = append(out, math.Mod(s.CrankAngle(ev.Time), 720))
		}
	}
	return out
}

// AngleError folds each angle against a target on a period (e.g. 180 for
// a 4 cylinder wasted spark) and returns the signed errors in degrees.
func AngleError(angles []float64, target, period float64) []float64 {
	errs := make([]float64, len(angles))
	for i, a := range angles {
		e := math.Mod(a-target, period)
		if e > period/2 {
			e -= period
		} else if e < -period/2 {
			e += period
		}
		errs[i] = e
	}
	return errs
}
