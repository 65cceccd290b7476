// Package logging is the logging layer used across the robolink stack. It is
// a thin wrapper over zap sugared loggers so components can be handed a
// leveled, named logger without knowing the backend.
package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Logger is what all robolink components log through.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	// Sublogger returns a child logger with the given name appended.
	Sublogger(name string) Logger
	// SetLevel changes the minimum level this logger emits at.
	SetLevel(level Level)
}

type impl struct {
	*zap.SugaredLogger
	level zap.AtomicLevel
}

func (l *impl) Sublogger(name string) Logger {
	return &impl{l.Named(name), l.level}
}

func (l *impl) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

func newConfig(level Level) zap.Config {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	return cfg
}

// NewLogger returns a named logger at INFO.
func NewLogger(name string) Logger {
	return newWithLevel(name, INFO)
}

// NewDebugLogger returns a named logger at DEBUG.
func NewDebugLogger(name string) Logger {
	return newWithLevel(name, DEBUG)
}

func newWithLevel(name string, level Level) Logger {
	cfg := newConfig(level)
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return &impl{logger.Sugar().Named(name), cfg.Level}
}

// NewTestLogger returns a DEBUG logger that writes through the test runner.
func NewTestLogger(tb testing.TB) Logger {
	logger, _ := NewObservedTestLogger(tb)
	return logger
}

// NewObservedTestLogger is NewTestLogger plus an observer that records every
// emitted entry so tests can assert on log output.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	observerCore, observedLogs := observer.New(zap.DebugLevel)
	level := zap.NewAtomicLevelAt(zap.DebugLevel)
	logger := zap.New(zapcore.NewTee(
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(newConfig(DEBUG).EncoderConfig),
			zapcore.AddSync(&testWriter{tb}),
			level,
		),
		observerCore,
	))
	return &impl{logger.Sugar().Named(tb.Name()), level}, observedLogs
}

type testWriter struct {
	tb testing.TB
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.tb.Helper()
	w.tb.Log(string(p))
	return len(p), nil
}
