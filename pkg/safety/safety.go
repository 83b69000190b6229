// Package safety holds the shutdown state of the engine unit. A shutdown
// runs every registered safe-state action once, in registration order:
// ignition off before pump and valves. A heartbeat watchdog shuts the unit
// down when the control loop stops running.
package safety

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"ecu-core/pkg/log"
)

// ShutdownState is the state of the unit.
type ShutdownState int

const (
	StateRunning ShutdownState = iota
	StateShuttingDown
	StateShutdown
	// StateError is a shutdown caused by a fault rather than a request.
	StateError
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ShutdownReason describes why the unit shut down.
type ShutdownReason string

const (
	ReasonNone            ShutdownReason = ""
	ReasonEmergencyStop   ShutdownReason = "emergency_stop"
	ReasonWatchdogTimeout ShutdownReason = "watchdog_timeout"
	ReasonHardwareError   ShutdownReason = "hardware_error"
	ReasonUserRequest     ShutdownReason = "user_request"
)

var ErrShutdown = errors.New("safety: engine unit is shut down")

// DefaultWatchdogTimeout is used when Configure is never called.
const DefaultWatchdogTimeout = 250 * time.Millisecond

type action struct {
	name string
	fn   func() error
}

// Manager tracks the shutdown state.
type Manager struct {
	mu sync.RWMutex

	state          ShutdownState
	shutdownReason ShutdownReason
	shutdownMsg    string
	shutdownTime   time.Time

	actions       []action
	onShutdown    []func(reason ShutdownReason, msg string)
	onStateChange []func(oldState, newState ShutdownState)

	watchdogMu      sync.Mutex
	watchdogCancel  context.CancelFunc
	watchdogTimeout time.Duration
	lastHeartbeat   time.Time

	log *log.Logger
}

// New returns a manager in the running state.
func New() *Manager {
	return &Manager{
		state:           StateRunning,
		watchdogTimeout: DefaultWatchdogTimeout,
		log:             log.GetLogger("safety"),
	}
}

// Config configures the manager.
type Config struct {
	// WatchdogTimeout is the longest gap between heartbeats. Zero keeps
	// the current value.
	WatchdogTimeout time.Duration
}

// Configure applies cfg.
func (m *Manager) Configure(cfg Config) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if cfg.WatchdogTimeout > 0 {
		m.watchdogTimeout = cfg.WatchdogTimeout
	}
}

// Register adds a safe-state action. Actions run once per shutdown;
// their errors are logged and do not stop the sequence.
func (m *Manager) Register(name string, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, action{name: name, fn: fn})
}

// OnShutdown registers a callback run after the actions.
func (m *Manager) OnShutdown(fn func(reason ShutdownReason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// OnStateChange registers a callback for state transitions.
func (m *Manager) OnStateChange(fn func(oldState, newState ShutdownState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = append(m.onStateChange, fn)
}

// State returns the current state.
func (m *Manager) State() ShutdownState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ShutdownInfo returns why and when the unit shut down.
func (m *Manager) ShutdownInfo() (ShutdownReason, string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shutdownReason, m.shutdownMsg, m.shutdownTime
}

// IsOperational reports whether the unit is running normally.
func (m *Manager) IsOperational() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateRunning
}

// CheckOperational returns ErrShutdown with the reason unless running.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateRunning {
		return fmt.Errorf("%w: %s: %s", ErrShutdown, m.shutdownReason, m.shutdownMsg)
	}
	return nil
}

// EmergencyStop shuts down at once and leaves the unit in the error state.
func (m *Manager) EmergencyStop(msg string) error {
	return m.invokeShutdown(ReasonEmergencyStop, msg)
}

// WatchdogTimeout shuts down after a missed heartbeat.
func (m *Manager) WatchdogTimeout(elapsed time.Duration) error {
	return m.invokeShutdown(ReasonWatchdogTimeout, fmt.Sprintf("control loop silent for %s", elapsed))
}

// HardwareError shuts down after a failed board operation.
func (m *Manager) HardwareError(component string, err error) error {
	return m.invokeShutdown(ReasonHardwareError, fmt.Sprintf("%s: %v", component, err))
}

// RequestShutdown shuts down on request.
func (m *Manager) RequestShutdown(msg string) error {
	return m.invokeShutdown(ReasonUserRequest, msg)
}

func (m *Manager) invokeShutdown(reason ShutdownReason, msg string) error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return nil
	}
	oldState := m.state
	m.state = StateShuttingDown
	m.shutdownReason = reason
	m.shutdownMsg = msg
	m.shutdownTime = time.Now()
	actions := append([]action(nil), m.actions...)
	m.mu.Unlock()

	m.StopWatchdog()
	m.log.WithFields(log.Fields{"reason": reason, "msg": msg}).Error("shutting down engine outputs")

	for _, a := range actions {
		if err := a.fn(); err != nil {
			m.log.WithError(err).WithField("action", a.name).Error("safe-state action failed")
		}
	}

	finalState := StateShutdown
	if reason == ReasonEmergencyStop || reason == ReasonHardwareError || reason == ReasonWatchdogTimeout {
		finalState = StateError
	}
	m.mu.Lock()
	m.state = finalState
	onShutdown := slices.Clone(m.onShutdown)
	onStateChange := slices.Clone(m.onStateChange)
	m.mu.Unlock()

	for _, fn := range onStateChange {
		fn(oldState, finalState)
	}
	for _, fn := range onShutdown {
		fn(reason, msg)
	}
	return nil
}

// StartWatchdog starts checking heartbeats. It is a no-op while running.
func (m *Manager) StartWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.watchdogCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.watchdogCancel = cancel
	m.lastHeartbeat = time.Now()

	check := m.watchdogTimeout / 4
	if check < time.Millisecond {
		check = time.Millisecond
	}
	go m.watchdogLoop(ctx, check)
}

// StopWatchdog stops checking heartbeats.
func (m *Manager) StopWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.watchdogCancel != nil {
		m.watchdogCancel()
		m.watchdogCancel = nil
	}
}

// Heartbeat marks the control loop alive. Call it every pass.
func (m *Manager) Heartbeat() {
	m.watchdogMu.Lock()
	m.lastHeartbeat = time.Now()
	m.watchdogMu.Unlock()
}

func (m *Manager) watchdogLoop(ctx context.Context, check time.Duration) {
	ticker := time.NewTicker(check)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.watchdogMu.Lock()
			elapsed := time.Since(m.lastHeartbeat)
			timeout := m.watchdogTimeout
			m.watchdogMu.Unlock()
			if elapsed > timeout {
				_ = m.WatchdogTimeout(elapsed)
				return
			}
		}
	}
}

// Reset returns a shut down unit to the running state. The caller
// re-arms whatever the actions disabled.
func (m *Manager) Reset() error {
	m.mu.Lock()
	if m.state == StateRunning || m.state == StateShuttingDown {
		m.mu.Unlock()
		return errors.New("safety: cannot reset while running or shutting down")
	}
	oldState := m.state
	m.state = StateRunning
	m.shutdownReason = ReasonNone
	m.shutdownMsg = ""
	m.shutdownTime = time.Time{}
	onStateChange := slices.Clone(m.onStateChange)
	m.mu.Unlock()

	m.log.Info("safety reset, engine outputs re-enabled")
	for _, fn := range onStateChange {
		fn(oldState, StateRunning)
	}
	return nil
}

// Status is the reportable state.
type Status struct {
	State          string    `json:"state"`
	ShutdownReason string    `json:"shutdown_reason,omitempty"`
	ShutdownMsg    string    `json:"shutdown_msg,omitempty"`
	ShutdownTime   time.Time `json:"shutdown_time,omitempty"`
	Operational    bool      `json:"operational"`
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:          m.state.String(),
		ShutdownReason: string(m.shutdownReason),
		ShutdownMsg:    m.shutdownMsg,
		ShutdownTime:   m.shutdownTime,
		Operational:    m.state == StateRunning,
	}
}
