package ckps

import "sync"

// gate stands in for interrupt disable. Handlers hold it for their whole
// run and the control side holds it for multi-field reads and writes:
//
//	defer d.gate.enter()()
//
// Code running under the gate never enters it again.
type gate struct {
	mu sync.Mutex
}

func (g *gate) enter() (exit func()) {
	g.mu.Lock()
	return g.mu.Unlock
}
