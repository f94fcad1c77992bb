// Package affinity maps workers onto CPU cores and pins OS threads to them.
package affinity

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
)

var ErrNoSuchCore = errors.New("core out of range")

// Core returns the core worker i runs on: first + i*stride.
func Core(i, first, stride int) int {
	return first + i*stride
}

// Check verifies that all of workers fit on the logical cores of this
// machine.
func Check(workers, first, stride int) error {
	n, err := cpu.Counts(true)
	if err != nil {
		return fmt.Errorf("count cores: %w", err)
	}
	return check(n, workers, first, stride)
}

func check(cores, workers, first, stride int) error {
	if workers < 1 {
		return fmt.Errorf("%w: %d workers", ErrNoSuchCore, workers)
	}
	if first < 0 || stride < 0 {
		return fmt.Errorf("%w: first core %d, stride %d", ErrNoSuchCore, first, stride)
	}
	if last := Core(workers-1, first, stride); last >= cores {
		return fmt.Errorf("%w: worker %d needs core %d, machine has %d", ErrNoSuchCore, workers-1, last, cores)
	}
	return nil
}
