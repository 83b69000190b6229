// Engine metrics definitions
//
// Decoder, control loop and runtime metrics of the engine unit.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"time"

	"ecu-core/pkg/ckps"
	"ecu-core/pkg/enginelogic"
)

// EngineMetrics holds every metric the unit exports.
type EngineMetrics struct {
	// Decoder
	SyncState    *Gauge
	Synchronized *Gauge
	Frequency    *Gauge
	Advance      *Gauge
	CurrentAngle *Gauge
	Cog          *Gauge
	Events       *Counter

	// Control loop
	Mode        *Gauge
	AverageRPM  *Gauge
	Running     *Gauge
	FuelPump    *Gauge
	IdleValve   *Gauge
	PowerRelay  *Gauge
	RevLimit    *Gauge
	Strokes     *Gauge
	Stalls      *Counter
	SyncErrors  *Counter
	TickSeconds *Histogram
	Overruns    *Counter
	Reloads     *Counter
	Operational *Gauge

	// Runtime
	Uptime     *Gauge
	Goroutines *Gauge
	HeapBytes  *Gauge
	GCCycles   *Counter

	start    time.Time
	registry *Registry
}

// NewEngineMetrics creates and registers the engine metrics.
func NewEngineMetrics() *EngineMetrics {
	m := &EngineMetrics{
		start:    time.Now(),
		registry: NewRegistry(),

		SyncState:    NewGauge("ecu_ckps_sync_state", "Capture state machine state (0 unsynced, 1 seeking gap, 2 synchronized)"),
		Synchronized: NewGauge("ecu_ckps_synchronized", "1 while the decoder is locked to the wheel"),
		Frequency:    NewGauge("ecu_ckps_frequency_rpm", "Crankshaft speed from the last stroke period"),
		Advance:      NewGauge("ecu_ckps_advance_degrees", "Ignition advance in use"),
		CurrentAngle: NewGauge("ecu_ckps_current_angle_degrees", "Angle remaining to TDC at the last tooth"),
		Cog:          NewGauge("ecu_ckps_cog", "Tooth index within the 720 degree cycle"),
		Events:       NewCounter("ecu_ckps_events_total", "Decoder events by kind"),

		Mode:        NewGauge("ecu_engine_mode", "1 for the active engine mode"),
		AverageRPM:  NewGauge("ecu_engine_average_rpm", "Crankshaft speed averaged over strokes"),
		Running:     NewGauge("ecu_engine_running", "1 while teeth are being received"),
		FuelPump:    NewGauge("ecu_fuel_pump_on", "Fuel pump output"),
		IdleValve:   NewGauge("ecu_idle_valve_open", "Idle cut-off valve output"),
		PowerRelay:  NewGauge("ecu_power_relay_on", "Power relay output"),
		RevLimit:    NewGauge("ecu_rev_limit_active", "1 while the rev limiter is cutting"),
		Strokes:     NewGauge("ecu_engine_strokes_after_start", "Strokes since cranking ended"),
		Stalls:      NewCounter("ecu_engine_stalls_total", "Rotation timeouts"),
		SyncErrors:  NewCounter("ecu_ckps_sync_errors_acknowledged_total", "Synchronization errors seen by the control loop"),
		TickSeconds: NewHistogram("ecu_control_tick_seconds", "Control loop pass duration", ExponentialBuckets(5e-6, 4, 8)),
		Overruns:    NewCounter("ecu_control_overruns_total", "Control loop passes that missed their slot"),
		Reloads:     NewCounter("ecu_config_reloads_total", "Configuration reload attempts by result"),
		Operational: NewGauge("ecu_safety_operational", "0 after a shutdown until reset"),

		Uptime:     NewGauge("ecu_uptime_seconds", "Time since start"),
		Goroutines: NewGauge("ecu_go_goroutines", "Number of goroutines"),
		HeapBytes:  NewGauge("ecu_go_heap_bytes", "Heap bytes allocated"),
		GCCycles:   NewCounter("ecu_go_gc_cycles_total", "Completed GC cycles"),
	}
	m.registry.MustRegister(
		m.SyncState, m.Synchronized, m.Frequency, m.Advance, m.CurrentAngle, m.Cog, m.Events,
		m.Mode, m.AverageRPM, m.Running, m.FuelPump, m.IdleValve, m.PowerRelay, m.RevLimit, m.Strokes,
		m.Stalls, m.SyncErrors, m.TickSeconds, m.Overruns, m.Reloads, m.Operational,
		m.Uptime, m.Goroutines, m.HeapBytes, m.GCCycles,
	)
	return m
}

// ObserveDecoder copies a decoder snapshot into the gauges and counters.
func (m *EngineMetrics) ObserveDecoder(s ckps.Snapshot) {
	m.SyncState.Set(nil, float64(s.State))
	m.Synchronized.SetBool(nil, s.Synchronized)
	m.Frequency.Set(nil, float64(s.Frequency))
	m.Advance.Set(nil, s.Advance.Degrees())
	m.CurrentAngle.Set(nil, s.CurrentAngle.Degrees())
	m.Cog.Set(nil, float64(s.Cog))

	st := s.Stats
	for kind, n := range map[string]uint32{
		"edge":         st.Edges,
		"tooth":        st.Teeth,
		"virtual":      st.VirtualTeeth,
		"gap":          st.Gaps,
		"sync_error":   st.SyncErrors,
		"latch":        st.Latches,
		"stroke":       st.Strokes,
		"arm":          st.Arms,
		"spark":        st.Sparks,
		"forced_spark": st.ForcedSparks,
	} {
		m.Events.Mirror(Labels{"kind": kind}, uint64(n))
	}
}

// ObserveStatus copies a control loop status.
func (m *EngineMetrics) ObserveStatus(st enginelogic.Status) {
	for _, mode := range []enginelogic.Mode{enginelogic.ModeStart, enginelogic.ModeIdle, enginelogic.ModeWork} {
		m.Mode.SetBool(Labels{"mode": mode.String()}, st.Mode == mode)
	}
	m.AverageRPM.Set(nil, float64(st.AverageRPM))
	m.Running.SetBool(nil, st.Running)
	m.FuelPump.SetBool(nil, st.FuelPump)
	m.IdleValve.SetBool(nil, st.IdleValve)
	m.PowerRelay.SetBool(nil, st.PowerRelay)
	m.RevLimit.SetBool(nil, st.RevLimit)
	m.Strokes.Set(nil, float64(st.Strokes))
	m.Stalls.Mirror(nil, uint64(st.Stalls))
	m.SyncErrors.Mirror(nil, uint64(st.SyncErrors))
}

// ObserveTick records the duration of one control loop pass.
func (m *EngineMetrics) ObserveTick(d time.Duration) {
	m.TickSeconds.Observe(nil, d.Seconds())
}

// ObserveLoop mirrors the loop overrun total and the safety state.
func (m *EngineMetrics) ObserveLoop(overruns uint64, operational bool) {
	m.Overruns.Mirror(nil, overruns)
	m.Operational.SetBool(nil, operational)
}

// RecordReload counts a configuration reload by result.
func (m *EngineMetrics) RecordReload(applied bool, err error) {
	result := "unchanged"
	switch {
	case err != nil:
		result = "rejected"
	case applied:
		result = "applied"
	}
	m.Reloads.Inc(Labels{"result": result})
}

func (m *EngineMetrics) updateRuntime() {
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	m.Uptime.Set(nil, time.Since(m.start).Seconds())
	m.Goroutines.Set(nil, float64(goruntime.NumGoroutine()))
	m.HeapBytes.Set(nil, float64(ms.HeapAlloc))
	m.GCCycles.Mirror(nil, uint64(ms.NumGC))
}

// Gather refreshes the runtime metrics and renders everything.
func (m *EngineMetrics) Gather() string {
	m.updateRuntime()
	return m.registry.Gather()
}

// Registry returns the underlying registry.
func (m *EngineMetrics) Registry() *Registry { return m.registry }
