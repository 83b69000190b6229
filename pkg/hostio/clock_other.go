//go:build !linux

package hostio

import "time"

var epoch = time.Now()

// Monotonic is the time since process start on hosts without
// CLOCK_MONOTONIC edge stamps.
func Monotonic() time.Duration {
	return time.Since(epoch)
}
