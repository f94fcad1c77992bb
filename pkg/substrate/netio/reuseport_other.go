//go:build !unix

package netio

import (
	"fmt"
	"syscall"

	"github.com/runningwild/pingring/pkg/substrate"
)

func reusePort(network, address string, c syscall.RawConn) error {
	return fmt.Errorf("SO_REUSEPORT: %w", substrate.ErrNotSupported)
}
