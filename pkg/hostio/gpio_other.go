//go:build !linux

package hostio

import (
	"errors"

	"ecu-core/pkg/ckps"
	ecuerrors "ecu-core/pkg/errors"
)

var errNoGPIO = errors.New("gpio character device requires linux")

// Board is unavailable on this platform.
type Board struct{}

// OpenBoard always fails on this platform.
func OpenBoard(BoardConfig, *Timer) (*Board, error) {
	return nil, ecuerrors.HardwareError("open gpio", errNoGPIO)
}

func (b *Board) Attach(Target)                      {}
func (b *Board) Edges() uint64                      { return 0 }
func (b *Board) IgnitionOutputs() []ckps.OutputSink { return nil }
func (b *Board) Hall() ckps.OutputSink              { return nil }
func (b *Board) FuelPump() ckps.OutputSink          { return nil }
func (b *Board) IdleValve() ckps.OutputSink         { return nil }
func (b *Board) PowerRelay() ckps.OutputSink        { return nil }
func (b *Board) ThrottleOpen() bool                 { return false }
func (b *Board) GasSelected() bool                  { return false }
func (b *Board) IgnitionOn() (on, ok bool)          { return false, false }
func (b *Board) Close() error                       { return nil }
