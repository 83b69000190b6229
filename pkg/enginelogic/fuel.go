package enginelogic

import "time"

// pump switches the fuel pump off when the engine does not turn. After
// power-up it waits the start timeout, later the stop timeout.
type pump struct {
	on       bool
	deadline time.Time
}

func (p *pump) start(now time.Time, timeout time.Duration) {
	p.on = true
	p.deadline = now.Add(timeout)
}

func (p *pump) update(now time.Time, rotating bool, stopTimeout time.Duration) bool {
	if p.on && !now.Before(p.deadline) {
		p.on = false
	}
	if rotating {
		p.on = true
		p.deadline = now.Add(stopTimeout)
	}
	return p.on
}

// idleCut controls the idle cut-off valve of a carburettor: with the
// throttle closed the valve shuts above the high threshold and stays shut
// down to the low threshold. Opening the throttle opens the valve and
// restarts the shut-off delay. Gas and petrol have their own thresholds.
type idleCut struct {
	open      bool
	holdUntil time.Time
}

func (v *idleCut) update(now time.Time, rpm uint16, in Inputs, cfg Config) bool {
	if in.ThrottleOpen {
		v.open = true
		v.holdUntil = now.Add(cfg.IdleCutDelay)
		return true
	}
	low, high := cfg.IdleCutLow, cfg.IdleCutHigh
	if in.Gas {
		low, high = cfg.IdleCutLowGas, cfg.IdleCutHighGas
	}
	expired := !now.Before(v.holdUntil)
	shut := expired && ((rpm > low && !v.open) || rpm > high)
	v.open = !shut
	return v.open
}

// hysteresis is a two-threshold switch used by the rev limiter.
type hysteresis struct {
	high, low uint16
	active    bool
}

func (h *hysteresis) update(v uint16) bool {
	if v > h.high {
		h.active = true
	} else if v < h.low {
		h.active = false
	}
	return h.active
}

// powerRelay holds the unit powered after the ignition goes off. The
// relay is released when the engine has stopped or the timeout runs out,
// and stays released.
type powerRelay struct {
	on       bool
	pending  bool
	deadline time.Time
}

// update reports whether the relay is to be released now.
func (p *powerRelay) update(now time.Time, down, running bool, timeout time.Duration) bool {
	if !p.on {
		return false
	}
	if !down {
		p.pending = false
		return false
	}
	if !p.pending {
		p.pending = true
		p.deadline = now.Add(timeout)
	}
	if running && now.Before(p.deadline) {
		return false
	}
	p.on = false
	return true
}
