// Package logging builds the process-wide zap logger and hands out named
// subsystem loggers (store, queue, reasoner, ...).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs the root logger. verbose enables debug level.
func New(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return config.Build()
}

// NewNop returns a no-op logger for tests and disabled components.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
