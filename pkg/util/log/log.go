// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package log implements the global logging facade used across the control
// plane. Components call the package-level helpers instead of holding a
// logger handle; the inner zap logger is swappable which keeps tests quiet
// and lets the runtime reconfigure the encoding at startup.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.SugaredLogger

	// Lines emitted before SetupLogger runs are buffered and replayed once
	// the logger exists. Config loading and secret resolution both log, so
	// this window is short but real.
	preInitBuffer []func()
)

// SetupLogger configures the global logger. Format is "console" or "json".
// It replays any lines buffered before initialization.
func SetupLogger(level string, format string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	mu.Lock()
	logger = l.Sugar()
	buffered := preInitBuffer
	preInitBuffer = nil
	mu.Unlock()

	for _, line := range buffered {
		line()
	}
	return nil
}

// ReplaceLogger swaps the inner logger and returns the previous one. Used by
// tests to capture output.
func ReplaceLogger(l *zap.SugaredLogger) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	old := logger
	logger = l
	return old
}

// Flush flushes any buffered log entries.
func Flush() {
	mu.RLock()
	defer mu.RUnlock()
	if logger != nil {
		_ = logger.Sync()
	}
}

func emit(f func(l *zap.SugaredLogger)) {
	mu.Lock()
	if logger == nil {
		preInitBuffer = append(preInitBuffer, func() {
			mu.RLock()
			l := logger
			mu.RUnlock()
			if l != nil {
				f(l)
			}
		})
		mu.Unlock()
		return
	}
	l := logger
	mu.Unlock()
	f(l)
}

// Debugf formats and logs at the debug level.
func Debugf(format string, args ...interface{}) {
	emit(func(l *zap.SugaredLogger) { l.Debugf(format, args...) })
}

// Infof formats and logs at the info level.
func Infof(format string, args ...interface{}) {
	emit(func(l *zap.SugaredLogger) { l.Infof(format, args...) })
}

// Warnf formats and logs at the warn level.
func Warnf(format string, args ...interface{}) {
	emit(func(l *zap.SugaredLogger) { l.Warnf(format, args...) })
}

// Errorf formats and logs at the error level.
func Errorf(format string, args ...interface{}) {
	emit(func(l *zap.SugaredLogger) { l.Errorf(format, args...) })
}

// Debug logs at the debug level.
func Debug(args ...interface{}) {
	emit(func(l *zap.SugaredLogger) { l.Debug(args...) })
}

// Info logs at the info level.
func Info(args ...interface{}) {
	emit(func(l *zap.SugaredLogger) { l.Info(args...) })
}

// Warn logs at the warn level.
func Warn(args ...interface{}) {
	emit(func(l *zap.SugaredLogger) { l.Warn(args...) })
}

// Error logs at the error level.
func Error(args ...interface{}) {
	emit(func(l *zap.SugaredLogger) { l.Error(args...) })
}
