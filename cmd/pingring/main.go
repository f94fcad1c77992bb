// Command pingring runs network microbenchmarks over pluggable asynchronous
// I/O substrates.
package main

import (
	"os"

	"github.com/tebeka/atexit"
	"go.uber.org/zap"
)

func main() {
	a := newApp(os.Stdout)
	if err := a.rootCmd().Execute(); err != nil {
		a.log.Error("pingring failed", zap.Error(err))
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
