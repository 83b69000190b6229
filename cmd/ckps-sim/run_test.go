package main

import (
	"math"
	"testing"
	"time"
)

func TestRunRampToIdle(t *testing.T) {
	opts := defaultOptions()
	opts.From, opts.To = 300, 1200
	opts.Ramp = time.Second
	opts.Duration = 2500 * time.Millisecond

	res, err := run(opts)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Final.Synchronized {
		t.Fatalf("not synchronized: %s", res.Final.StateName)
	}
	if res.Status.ModeName != "idle" || !res.Status.Running {
		t.Errorf("status %+v", res.Status)
	}
	if d := math.Abs(float64(res.Status.RPM) - 1200); d > 60 {
		t.Errorf("decoded %d min^-1, want about 1200", res.Status.RPM)
	}
	if res.Final.Advance != opts.Logic.IdleAdvance {
		t.Errorf("advance %s, want idle advance", res.Final.Advance)
	}
	if res.SparkError.N == 0 {
		t.Fatal("no sparks in the window")
	}
	if math.Abs(res.SparkError.Mean) > 2 {
		t.Errorf("spark error mean %+.3f deg", res.SparkError.Mean)
	}
	if len(res.Samples) != 10 {
		t.Errorf("%d samples", len(res.Samples))
	}
	if len(res.Tables) != opts.Decoder.Cylinders {
		t.Errorf("%d channel tables", len(res.Tables))
	}
}

func TestRunDroppedTeeth(t *testing.T) {
	opts := defaultOptions()
	opts.From, opts.To = 1000, 1000
	opts.Duration = time.Second
	opts.DropEvery = 3

	res, err := run(opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Final.Stats.SyncErrors == 0 || res.Status.SyncErrors == 0 {
		t.Errorf("dropped teeth went unnoticed: decoder %d, logic %d",
			res.Final.Stats.SyncErrors, res.Status.SyncErrors)
	}
}

func TestRunRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*options)
	}{
		{"no period", func(o *options) { o.ControlPeriod = 0 }},
		{"too short", func(o *options) { o.Duration = time.Millisecond }},
		{"bad wheel", func(o *options) { o.Decoder.Cogs = 8 }},
		{"bad logic", func(o *options) { o.Logic.AverageSamples = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOptions()
			tt.modify(&opts)
			if _, err := run(opts); err == nil {
				t.Error("accepted")
			}
		})
	}
}
