//go:build !linux

package affinity

import "errors"

var errUnsupported = errors.New("thread pinning is only supported on Linux")

func Pin(core int) error {
	return errUnsupported
}

func Current() ([]int, error) {
	return nil, errUnsupported
}
