//go:build linux

package affinity

import (
	"os"

	"golang.org/x/sys/unix"
)

// Pin restricts the calling thread to core. The caller must hold its OS
// thread with runtime.LockOSThread.
func Pin(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return os.NewSyscallError("sched_setaffinity", unix.SchedSetaffinity(0, &set))
}

// Current lists the cores the calling thread may run on.
func Current() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, os.NewSyscallError("sched_getaffinity", err)
	}
	var cores []int
	for i := 0; len(cores) < set.Count(); i++ {
		if set.IsSet(i) {
			cores = append(cores, i)
		}
	}
	return cores, nil
}
