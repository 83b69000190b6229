//go:build linux

package hostio

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	ecuerrors "ecu-core/pkg/errors"
)

// LockMemory locks current and future pages into RAM.
func LockMemory() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return ecuerrors.HardwareError("mlockall", err)
	}
	return nil
}

// PinCPU restricts every thread of the process to cpu. Threads started
// later inherit the mask.
func PinCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)

	tasks, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return ecuerrors.HardwareError("list threads", err)
	}
	for _, task := range tasks {
		tid, err := strconv.Atoi(task.Name())
		if err != nil {
			continue
		}
		if err := unix.SchedSetaffinity(tid, &set); err != nil {
			return ecuerrors.HardwareError("sched_setaffinity", err).SetContext("cpu", cpu)
		}
	}
	return nil
}
