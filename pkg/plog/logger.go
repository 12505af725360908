// Package plog builds the zap loggers shared by the store's
// components. Components default to a nop logger and only emit when a
// caller opts in with a level.
package plog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// LogLevelInfo emits info and above
	LogLevelInfo = "info"

	// LogLevelDebug emits debug and above
	LogLevelDebug = "debug"

	// LogLevelNone disables logging entirely
	LogLevelNone = "none"
)

// Default returns the logger components fall back to when none is
// injected.
func Default() *zap.Logger {
	return zap.NewNop()
}

// GetLogger builds a JSON logger at the given level. An empty level or
// LogLevelNone yields a nop logger.
func GetLogger(logLevel string) (*zap.Logger, error) {
	if logLevel == "" || logLevel == LogLevelNone {
		return Default(), nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// MustGetLogger is GetLogger, panicking on an invalid level.
func MustGetLogger(logLevel string) *zap.Logger {
	l, err := GetLogger(logLevel)
	if err != nil {
		panic(err)
	}
	return l
}
