// ecu runs the crank decoder and the engine control loop on a Linux board.
// Crank and reference edges come from GPIO character-device lines; ignition,
// Hall, fuel pump and idle valve outputs are driven on the same chip.
//
// Usage:
//
//	ecu -config /etc/ecu.cfg [options]
//
// Options:
//
//	-config string    Engine configuration file (required)
//	-listen string    Diagnostics address, overrides [monitor] listen
//	-log-level string Log level, overrides [log] level
//	-check            Validate the configuration and exit
//
// The diagnostics server exposes /metrics, /health, /ready, /status and a
// websocket at /ws. The configuration file is polled and reloadable
// sections are applied between control loop passes; SIGHUP reloads at once.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ecu-core/pkg/config"
	"ecu-core/pkg/log"
)

func main() {
	configFile := flag.String("config", "", "Engine configuration file (required)")
	listen := flag.String("listen", "", "Diagnostics address, overrides [monitor] listen")
	level := flag.String("log-level", "", "Log level, overrides [log] level")
	check := flag.Bool("check", false, "Validate the configuration and exit")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	ec, raw, err := config.LoadEngine(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		ec.Monitor.Listen = *listen
	}
	if *level != "" {
		ec.Log.Level = *level
	}

	closeLog, err := setupLogging(ec.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log: %v\n", err)
		os.Exit(1)
	}
	lg := log.GetLogger("main")
	for _, s := range raw.UnknownSections(config.EngineSections) {
		lg.WithField("section", s).Warn("unknown config section ignored")
	}
	for _, o := range raw.UnusedOptions() {
		lg.WithField("option", o).Warn("unknown config option ignored")
	}

	if *check {
		lg.WithFields(log.Fields{
			"wheel":     fmt.Sprintf("%d-%d", ec.Decoder.Cogs, ec.Decoder.Missing),
			"cylinders": ec.Decoder.Cylinders,
		}).Info("configuration valid")
		closeLog()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, *configFile, ec, raw)
	stop()
	if err != nil {
		lg.WithError(err).Error("engine unit stopped")
		closeLog()
		os.Exit(1)
	}
	closeLog()
}

// setupLogging installs the root logger described by lc and returns the
// function that flushes and closes it.
func setupLogging(lc config.LogConfig) (func(), error) {
	root := log.New("ecu")
	closer := func() {}
	if lc.File != "" {
		l, fw, err := log.NewFileLogger("ecu", log.RotationConfig{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeKB,
			MaxBackups: lc.MaxBackups,
			Compress:   lc.Compress,
		}, os.Stderr)
		if err != nil {
			return nil, err
		}
		root = l
		closer = func() {
			_ = fw.Sync()
			_ = fw.Close()
		}
	}
	root.SetLevel(log.ParseLevel(lc.Level))
	if lc.Format == "json" {
		root.SetFormat(log.FormatJSON)
	}
	log.ConfigureFromEnv(root)
	log.SetDefaultLogger(root)
	return closer, nil
}
