package safety

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) action(name string, err error) func() error {
	return func() error {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		return err
	}
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestNew(t *testing.T) {
	m := New()
	if m.State() != StateRunning || !m.IsOperational() {
		t.Errorf("initial state %s", m.State())
	}
	if err := m.CheckOperational(); err != nil {
		t.Errorf("CheckOperational: %v", err)
	}
}

func TestShutdownStateString(t *testing.T) {
	tests := []struct {
		state    ShutdownState
		expected string
	}{
		{StateRunning, "running"},
		{StateShuttingDown, "shutting_down"},
		{StateShutdown, "shutdown"},
		{StateError, "error"},
		{ShutdownState(99), "unknown"},
	}
	for _, tt := range tests {
		if tt.state.String() != tt.expected {
			t.Errorf("state %d = %s, want %s", tt.state, tt.state, tt.expected)
		}
	}
}

func TestShutdownReasons(t *testing.T) {
	tests := []struct {
		name   string
		invoke func(*Manager) error
		reason ShutdownReason
		state  ShutdownState
	}{
		{"emergency", func(m *Manager) error { return m.EmergencyStop("operator") }, ReasonEmergencyStop, StateError},
		{"watchdog", func(m *Manager) error { return m.WatchdogTimeout(time.Second) }, ReasonWatchdogTimeout, StateError},
		{"hardware", func(m *Manager) error { return m.HardwareError("ignition0", errors.New("EIO")) }, ReasonHardwareError, StateError},
		{"request", func(m *Manager) error { return m.RequestShutdown("service") }, ReasonUserRequest, StateShutdown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			if err := tt.invoke(m); err != nil {
				t.Fatal(err)
			}
			if m.State() != tt.state {
				t.Errorf("state %s, want %s", m.State(), tt.state)
			}
			reason, _, at := m.ShutdownInfo()
			if reason != tt.reason || at.IsZero() {
				t.Errorf("info %s at %v", reason, at)
			}
			if err := m.CheckOperational(); !errors.Is(err, ErrShutdown) {
				t.Errorf("CheckOperational = %v", err)
			}
		})
	}
}

func TestActionsRunInOrder(t *testing.T) {
	m := New()
	r := &recorder{}
	m.Register("ignition", r.action("ignition", nil))
	m.Register("fuel_pump", r.action("fuel_pump", errors.New("line busy")))
	m.Register("idle_valve", r.action("idle_valve", nil))

	var shutdowns atomic.Int32
	var transitions []ShutdownState
	m.OnShutdown(func(ShutdownReason, string) { shutdowns.Add(1) })
	m.OnStateChange(func(_, to ShutdownState) { transitions = append(transitions, to) })

	_ = m.EmergencyStop("first")
	_ = m.EmergencyStop("second")

	want := []string{"ignition", "fuel_pump", "idle_valve"}
	if got := r.calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("actions %v, want %v once", got, want)
	}
	if shutdowns.Load() != 1 {
		t.Errorf("shutdown callbacks %d", shutdowns.Load())
	}
	if !reflect.DeepEqual(transitions, []ShutdownState{StateError}) {
		t.Errorf("transitions %v", transitions)
	}
	if _, msg, _ := m.ShutdownInfo(); msg != "first" {
		t.Errorf("message %q", msg)
	}
}

func TestWatchdogHeartbeat(t *testing.T) {
	m := New()
	m.Configure(Config{WatchdogTimeout: 100 * time.Millisecond})
	m.StartWatchdog()
	defer m.StopWatchdog()

	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		m.Heartbeat()
	}
	if !m.IsOperational() {
		t.Fatalf("shut down despite heartbeats: %+v", m.Status())
	}
}

func TestWatchdogTrigger(t *testing.T) {
	m := New()
	m.Configure(Config{WatchdogTimeout: 20 * time.Millisecond})
	r := &recorder{}
	m.Register("ignition", r.action("ignition", nil))
	m.StartWatchdog()

	deadline := time.Now().Add(time.Second)
	for m.IsOperational() {
		if time.Now().After(deadline) {
			t.Fatal("watchdog never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Actions may still be running right after the state changes.
	for m.State() == StateShuttingDown {
		time.Sleep(time.Millisecond)
	}
	if reason, _, _ := m.ShutdownInfo(); reason != ReasonWatchdogTimeout {
		t.Errorf("reason %s", reason)
	}
	if got := r.calls(); len(got) != 1 {
		t.Errorf("actions %v", got)
	}
}

func TestReset(t *testing.T) {
	m := New()
	if err := m.Reset(); err == nil {
		t.Error("reset while running accepted")
	}
	_ = m.RequestShutdown("test")
	var back atomic.Bool
	m.OnStateChange(func(_, to ShutdownState) { back.Store(to == StateRunning) })
	if err := m.Reset(); err != nil {
		t.Fatal(err)
	}
	if !m.IsOperational() || !back.Load() {
		t.Error("not running after reset")
	}
	if reason, msg, _ := m.ShutdownInfo(); reason != ReasonNone || msg != "" {
		t.Errorf("info kept: %s %q", reason, msg)
	}
}

func TestStatus(t *testing.T) {
	m := New()
	if st := m.Status(); st.State != "running" || !st.Operational {
		t.Errorf("status %+v", st)
	}
	_ = m.HardwareError("crank", errors.New("line lost"))
	st := m.Status()
	if st.State != "error" || st.Operational || st.ShutdownReason != "hardware_error" || st.ShutdownMsg != "crank: line lost" {
		t.Errorf("status %+v", st)
	}
}
