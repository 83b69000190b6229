package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ecu-core/pkg/ckps"
	"ecu-core/pkg/config"
	"ecu-core/pkg/enginelogic"
	ecuerrors "ecu-core/pkg/errors"
	"ecu-core/pkg/hostio"
	"ecu-core/pkg/log"
	"ecu-core/pkg/metrics"
	"ecu-core/pkg/monitor"
	"ecu-core/pkg/reactor"
	"ecu-core/pkg/safety"
)

const shutdownTimeout = 5 * time.Second

// run wires the board, decoder, control loop and diagnostics together and
// blocks until ctx is done or the diagnostics server fails.
func run(ctx context.Context, path string, ec config.EngineConfig, raw *config.Config) error {
	lg := log.GetLogger("main")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if ec.Outputs.LockMemory {
		if err := hostio.LockMemory(); err != nil {
			return err
		}
	}
	if ec.Outputs.CPU >= 0 {
		if err := hostio.PinCPU(ec.Outputs.CPU); err != nil {
			return err
		}
	}

	timer := hostio.NewTimer(ec.Decoder.TimerHz, nil)
	board, err := hostio.OpenBoard(boardConfig(ec), timer)
	if err != nil {
		return err
	}
	defer board.Close()

	dec, err := ckps.New(timer, ec.Decoder, ckps.Ports{
		Hall:    board.Hall(),
		Outputs: board.IgnitionOutputs(),
	})
	if err != nil {
		return err
	}
	timer.Bind(dec)
	board.Attach(dec)

	ctl, err := enginelogic.New(dec, ec.Logic, enginelogic.Actuators{
		FuelPump:   board.FuelPump(),
		IdleValve:  board.IdleValve(),
		PowerRelay: board.PowerRelay(),
	})
	if err != nil {
		return err
	}

	em := metrics.NewEngineMetrics()
	mon := monitor.New()
	react := reactor.New()
	safe := newSafety(ec, dec, board)
	// The loop stops ignition and actuators before the relay drops.
	ctl.OnPowerDown(func() { _ = safe.RequestShutdown("ignition off, power relay released") })
	// ignition is the configured ignition enable, restored by a reset.
	// It is only touched on the loop goroutine.
	ignition := ec.Decoder.Ignition

	react.RegisterPeriodic(ec.Outputs.ControlPeriod, func(float64) {
		safe.Heartbeat()
		if !safe.IsOperational() {
			return
		}
		start := time.Now()
		st := ctl.Tick(start, controlInputs(board))
		em.ObserveTick(time.Since(start))
		em.ObserveStatus(st)
	})
	react.RegisterPeriodic(ec.Monitor.Interval, func(float64) {
		snap := dec.Snapshot()
		em.ObserveDecoder(snap)
		em.ObserveLoop(react.Overruns(), safe.IsOperational())
		mon.Publish(monitor.Update{
			Time:    time.Now(),
			Decoder: snap,
			Engine:  ctl.Status(),
			Safety:  safe.Status(),
		})
	})

	watcher, err := config.NewWatcher(path, raw, func(next config.EngineConfig, changed []string) error {
		if err := needsRestart(dec.Config(), next.Decoder); err != nil {
			return err
		}
		return react.Call(ctx, func(float64) error {
			if err := safe.CheckOperational(); err != nil {
				return err
			}
			if err := next.Apply(dec, ctl); err != nil {
				return err
			}
			ignition = next.Decoder.Ignition
			return nil
		})
	})
	if err != nil {
		return err
	}
	watcher.OnReload(func(r config.ReloadResult) {
		em.RecordReload(r.Applied, r.Err)
		if len(r.Restart) > 0 {
			lg.WithField("sections", r.Restart).Warn("changes take effect after a restart")
		}
	})

	mon.HandleMethod("engine.tables", func(map[string]any) (any, error) {
		return dec.Tables(), nil
	})
	mon.HandleMethod("engine.clear_error", func(map[string]any) (any, error) {
		err := react.Call(ctx, func(float64) error {
			dec.ClearError()
			return nil
		})
		return err == nil, err
	})
	mon.HandleMethod("engine.emergency_stop", func(params map[string]any) (any, error) {
		msg, _ := params["reason"].(string)
		if msg == "" {
			msg = "requested over the monitor"
		}
		// Between passes when the loop is alive, directly when it is not.
		cctx, ccancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer ccancel()
		err := react.Call(cctx, func(float64) error { return safe.EmergencyStop(msg) })
		if err != nil {
			err = safe.EmergencyStop(msg)
		}
		return safe.Status(), err
	})
	mon.HandleMethod("engine.reset", func(map[string]any) (any, error) {
		err := react.Call(ctx, func(float64) error {
			if err := safe.Reset(); err != nil {
				return err
			}
			if ec.Safety.WatchdogTimeout > 0 {
				safe.StartWatchdog()
			}
			return dec.EnableIgnition(ignition)
		})
		return safe.Status(), err
	})
	mon.HandleMethod("engine.reload", func(map[string]any) (any, error) {
		r := watcher.Reload()
		return map[string]any{"applied": r.Applied, "changed": r.Changed, "restart": r.Restart}, r.Err
	})

	scfg := metrics.DefaultServerConfig()
	scfg.Address = ec.Monitor.Listen
	scfg.ExposeMetrics = ec.Monitor.Metrics
	srv := metrics.NewServer(em, scfg)
	mon.Mount(srv)
	srv.SetReadiness(func() bool { return dec.Synchronized() && safe.IsOperational() })

	go timer.Run(ctx)
	react.Run()
	if ec.Safety.WatchdogTimeout > 0 {
		safe.StartWatchdog()
	}
	go watcher.Run(ctx)
	srvErr := srv.StartAsync()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	lg.WithFields(log.Fields{
		"wheel":     dec.Snapshot().Geometry,
		"cylinders": ec.Decoder.Cylinders,
		"period":    ec.Outputs.ControlPeriod,
		"listen":    ec.Monitor.Listen,
	}).Info("engine unit running")

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-hup:
			lg.Info("reload requested")
			watcher.Reload()
		case err, ok := <-srvErr:
			if ok && err != nil {
				runErr = err
			}
			break loop
		}
	}

	lg.Info("shutting down")
	safe.StopWatchdog()
	cancel()
	react.End()
	react.Wait()
	_ = safe.RequestShutdown("process exit")

	mon.Close()
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// newSafety registers the safe-state actions: ignition first, then the
// actuators the control loop drives.
func newSafety(ec config.EngineConfig, dec *ckps.Decoder, board *hostio.Board) *safety.Manager {
	safe := safety.New()
	safe.Configure(safety.Config{WatchdogTimeout: ec.Safety.WatchdogTimeout})
	safe.Register("ignition", func() error {
		if err := dec.EnableIgnition(false); err != nil {
			return err
		}
		dec.Reset()
		return nil
	})
	for _, a := range []struct {
		name string
		out  ckps.OutputSink
	}{
		{"fuel_pump", board.FuelPump()},
		{"idle_valve", board.IdleValve()},
	} {
		if a.out == nil {
			continue
		}
		out := a.out
		safe.Register(a.name, func() error {
			out.Set(false)
			return nil
		})
	}
	return safe
}

func controlInputs(board *hostio.Board) enginelogic.Inputs {
	return enginelogic.Inputs{
		ThrottleOpen: board.ThrottleOpen(),
		Gas:          board.GasSelected(),
		Ignition:     ignitionSense(board.IgnitionOn()),
	}
}

func ignitionSense(on, ok bool) enginelogic.IgnitionSense {
	switch {
	case !ok:
		return enginelogic.IgnitionUnknown
	case on:
		return enginelogic.IgnitionOn
	default:
		return enginelogic.IgnitionOff
	}
}

func boardConfig(ec config.EngineConfig) hostio.BoardConfig {
	o := ec.Outputs
	return hostio.BoardConfig{
		Chip:              o.Chip,
		Consumer:          "ecu",
		CrankLine:         o.CrankLine,
		ReferenceLine:     o.ReferenceLine,
		ThrottleLine:      o.ThrottleLine,
		IgnitionLines:     o.IgnitionLines,
		HallLine:          o.HallLine,
		FuelPumpLine:      o.FuelPumpLine,
		IdleValveLine:     o.IdleValveLine,
		GasLine:           o.GasLine,
		IgnitionSenseLine: o.IgnitionSenseLine,
		PowerRelayLine:    o.PowerRelayLine,
		Edge:              ec.Decoder.Edge,
	}
}

// needsRestart rejects decoder changes the host timer cannot follow while
// running.
func needsRestart(cur, next ckps.Config) error {
	if cur.TimerHz != next.TimerHz {
		return ecuerrors.ConfigValidationError("wheel", "timer_hz", "changes take effect after a restart")
	}
	return nil
}
