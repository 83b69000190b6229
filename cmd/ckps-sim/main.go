// ckps-sim runs the crank decoder and the control loop against a simulated
// toothed wheel in virtual time and reports what they did.
//
// Usage:
//
//	ckps-sim [options]
//
// Options:
//
//	-config string     Engine configuration file (optional, wheel and logic sections are used)
//	-cogs int          Teeth on the wheel including missing ones (default 60)
//	-missing int       Missing teeth (default 2)
//	-cylinders int     Cylinder count (default 4)
//	-tdc int           Teeth from the gap to TDC of cylinder 1 (default 20)
//	-from float        Start speed in min^-1 (default 300)
//	-to float          Final speed in min^-1 (default 3000)
//	-ramp duration     Time to reach the final speed (default 2s)
//	-duration duration Simulated time (default 4s)
//	-latency int       Capture handler latency in timer ticks
//	-throttle          Report the throttle as open
//	-drop int          Drop one tooth every N revolutions to provoke sync errors
//	-events int        Print the last N timeline events
//
// Examples:
//
//	# Crank a 36-1 wheel up to idle
//	ckps-sim -cogs 36 -missing 1 -from 150 -to 900
//
//	# Use the wheel of a unit configuration and show the end of the timeline
//	ckps-sim -config /etc/ecu.cfg -events 40
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"

	"ecu-core/pkg/config"
)

func main() {
	configFile := flag.String("config", "", "Engine configuration file (optional)")
	cogs := flag.Int("cogs", 60, "Teeth on the wheel including missing ones")
	missing := flag.Int("missing", 2, "Missing teeth")
	cylinders := flag.Int("cylinders", 4, "Cylinder count")
	tdc := flag.Int("tdc", 20, "Teeth from the gap to TDC of cylinder 1")
	from := flag.Float64("from", 300, "Start speed in min^-1")
	to := flag.Float64("to", 3000, "Final speed in min^-1")
	ramp := flag.Duration("ramp", 2*time.Second, "Time to reach the final speed")
	duration := flag.Duration("duration", 4*time.Second, "Simulated time")
	latency := flag.Uint64("latency", 0, "Capture handler latency in timer ticks")
	throttle := flag.Bool("throttle", false, "Report the throttle as open")
	drop := flag.Int("drop", 0, "Drop one tooth every N revolutions")
	events := flag.Int("events", 0, "Print the last N timeline events")
	flag.Parse()

	opts := defaultOptions()
	if *configFile != "" {
		ec, _, err := config.LoadEngine(*configFile)
		if err != nil {
			pterm.Error.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
		opts.Decoder = ec.Decoder
		opts.Logic = ec.Logic
		opts.ControlPeriod = ec.Outputs.ControlPeriod
	}

	// Wheel flags override the configuration file only when given.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	use := func(name string) bool { return *configFile == "" || set[name] }
	if use("cogs") {
		opts.Decoder.Cogs = *cogs
	}
	if use("missing") {
		opts.Decoder.Missing = *missing
	}
	if use("cylinders") {
		opts.Decoder.Cylinders = *cylinders
	}
	if use("tdc") {
		opts.Decoder.TeethBeforeTDC = *tdc
	}
	opts.From, opts.To = *from, *to
	opts.Ramp, opts.Duration = *ramp, *duration
	opts.Latency = *latency
	opts.Throttle = *throttle
	opts.DropEvery = *drop

	res, err := run(opts)
	if err != nil {
		pterm.Error.Printf("Simulation failed: %v\n", err)
		os.Exit(1)
	}
	render(opts, res, *events)
}

func render(opts options, res *result, events int) {
	g := res.Final.Geometry
	pterm.DefaultHeader.WithFullWidth().Println("CKPS simulation")
	pterm.Info.Printf("Wheel %d-%d, %d cylinders, %.0f to %.0f min^-1 over %s, %s simulated\n",
		g.Total, g.Missing, g.Cylinders, opts.From, opts.To, opts.Ramp, opts.Duration)

	pterm.DefaultSection.Println("Timeline")
	data := pterm.TableData{{"Time", "True", "Decoded", "Average", "Mode", "Advance", "State"}}
	for _, s := range res.Samples {
		data = append(data, []string{
			fmt.Sprintf("%.2fs", s.Time),
			fmt.Sprintf("%.0f", s.TrueRPM),
			fmt.Sprintf("%d", s.Status.RPM),
			fmt.Sprintf("%d", s.Status.AverageRPM),
			s.Status.ModeName,
			s.Status.Advance.String(),
			s.State,
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()

	pterm.DefaultSection.Println("Channel tables")
	tables := pterm.TableData{{"Ch", "TDC", "Latch", "Knock", "Hall", "Injection"}}
	for i, t := range res.Tables {
		tables = append(tables, []string{
			fmt.Sprintf("%d", i),
			fmt.Sprintf("%d", t.TDC),
			fmt.Sprintf("%d", t.Latch),
			fmt.Sprintf("%d..%d", t.KnockBegin, t.KnockEnd),
			fmt.Sprintf("%d..%d", t.HallBegin, t.HallEnd),
			fmt.Sprintf("%d", t.Injection),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(tables).Render()

	st := res.Final.Stats
	box := fmt.Sprintf("edges %d  teeth %d  virtual %d  gaps %d\n"+
		"strokes %d  latches %d  arms %d\n"+
		"sparks %d  forced %d  sync errors %d  stalls %d",
		st.Edges, st.Teeth, st.VirtualTeeth, st.Gaps,
		st.Strokes, st.Latches, st.Arms,
		st.Sparks, st.ForcedSparks, st.SyncErrors, res.Status.Stalls)
	pterm.DefaultBox.WithTitle("Decoder").WithTitleTopLeft().Println(box)

	if res.SparkError.N > 0 {
		e := res.SparkError
		msg := fmt.Sprintf("%d sparks at %.2f deg BTDC: mean %+.3f, stddev %.3f, range %+.3f..%+.3f deg",
			e.N, res.Status.Advance.Degrees(), e.Mean, e.StdDev, e.Min, e.Max)
		if e.Max-e.Min > 1 {
			pterm.Warning.Println(msg)
		} else {
			pterm.Success.Println(msg)
		}
	} else {
		pterm.Warning.Println("No sparks in the final window")
	}

	if events > 0 {
		pterm.DefaultSection.Printf("Last %d events\n", events)
		ev := res.Events
		if len(ev) > events {
			ev = ev[len(ev)-events:]
		}
		rows := pterm.TableData{{"Tick", "Event", "Channel", "Level", "Value"}}
		for _, e := range ev {
			rows = append(rows, []string{
				fmt.Sprintf("%d", e.Time),
				e.Kind.String(),
				fmt.Sprintf("%d", e.Channel),
				fmt.Sprintf("%t", e.Level),
				fmt.Sprintf("%d", e.Value),
			})
		}
		pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}
}
