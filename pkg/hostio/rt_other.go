//go:build !linux

package hostio

// LockMemory is a no-op on this platform.
func LockMemory() error { return nil }

// PinCPU is a no-op on this platform.
func PinCPU(int) error { return nil }
