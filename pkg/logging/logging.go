// Package logging builds the process logger. Logs go to stderr so benchmark
// output on stdout stays machine readable.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger when json is set and a console logger otherwise.
func New(level string, json bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var cfg zap.Config
	if json {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// Run tags every entry with the run, mode and substrate.
func Run(log *zap.Logger, runID, mode, substrate string) *zap.Logger {
	return log.With(
		zap.String("run_id", runID),
		zap.String("mode", mode),
		zap.String("substrate", substrate),
	)
}

// Worker tags every entry with the worker index.
func Worker(log *zap.Logger, id int) *zap.Logger {
	return log.With(zap.Int("worker", id))
}
