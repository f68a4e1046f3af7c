// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides a package-global structured logger backed by zap,
// used throughout torrentd instead of the standard library log package.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the global logger.
type Config struct {
	Level         string `yaml:"level"`
	DisableCaller bool   `yaml:"disable_caller"`
}

func (c Config) applyDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	return c
}

func (c Config) level() zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// Logger is the interface satisfied by the global logger and by loggers
// returned from With.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Panic(args ...interface{})
	Panicf(format string, args ...interface{})
	Println(args ...interface{})
	Printf(format string, args ...interface{})
	With(args ...interface{}) Logger
	Sync() error
}

type sugarLogger struct {
	s *zap.SugaredLogger
}

func (l *sugarLogger) Debug(args ...interface{})            { l.s.Debug(args...) }
func (l *sugarLogger) Debugf(f string, args ...interface{}) { l.s.Debugf(f, args...) }
func (l *sugarLogger) Info(args ...interface{})             { l.s.Info(args...) }
func (l *sugarLogger) Infof(f string, args ...interface{})  { l.s.Infof(f, args...) }
func (l *sugarLogger) Warn(args ...interface{})             { l.s.Warn(args...) }
func (l *sugarLogger) Warnf(f string, args ...interface{})  { l.s.Warnf(f, args...) }
func (l *sugarLogger) Error(args ...interface{})            { l.s.Error(args...) }
func (l *sugarLogger) Errorf(f string, args ...interface{}) { l.s.Errorf(f, args...) }
func (l *sugarLogger) Fatal(args ...interface{})            { l.s.Fatal(args...) }
func (l *sugarLogger) Fatalf(f string, args ...interface{}) { l.s.Fatalf(f, args...) }
func (l *sugarLogger) Panic(args ...interface{})            { l.s.Panic(args...) }
func (l *sugarLogger) Panicf(f string, args ...interface{}) { l.s.Panicf(f, args...) }
func (l *sugarLogger) Println(args ...interface{})          { l.s.Info(args...) }
func (l *sugarLogger) Printf(f string, args ...interface{}) { l.s.Infof(f, args...) }
func (l *sugarLogger) Sync() error                          { return l.s.Sync() }

func (l *sugarLogger) With(args ...interface{}) Logger {
	return &sugarLogger{s: l.s.With(args...)}
}

// New creates a new Logger from config.
func New(config Config) (Logger, error) {
	config = config.applyDefaults()
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(config.level())
	zc.DisableCaller = config.DisableCaller
	zc.Encoding = "console"
	zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return &sugarLogger{s: l.Sugar()}, nil
}

// NewNopLogger returns a Logger that discards all output, useful for tests.
func NewNopLogger() Logger {
	return &sugarLogger{s: zap.NewNop().Sugar()}
}

var (
	mu      sync.Mutex
	current Logger = NewNopLogger()
)

// SetGlobalLogger overrides the package-global logger.
func SetGlobalLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

// Configure builds a new global logger from config and installs it.
func Configure(config Config) error {
	l, err := New(config)
	if err != nil {
		return err
	}
	SetGlobalLogger(l)
	return nil
}

func global() Logger {
	mu.Lock()
	defer mu.Unlock()
	return current
}

// With returns a Logger that prepends the given key/value pairs to every
// subsequent log line.
func With(args ...interface{}) Logger { return global().With(args...) }

// Debug logs at debug level.
func Debug(args ...interface{}) { global().Debug(args...) }

// Debugf logs at debug level with formatting.
func Debugf(format string, args ...interface{}) { global().Debugf(format, args...) }

// Info logs at info level.
func Info(args ...interface{}) { global().Info(args...) }

// Infof logs at info level with formatting.
func Infof(format string, args ...interface{}) { global().Infof(format, args...) }

// Warn logs at warn level.
func Warn(args ...interface{}) { global().Warn(args...) }

// Warnf logs at warn level with formatting.
func Warnf(format string, args ...interface{}) { global().Warnf(format, args...) }

// Error logs at error level.
func Error(args ...interface{}) { global().Error(args...) }

// Errorf logs at error level with formatting.
func Errorf(format string, args ...interface{}) { global().Errorf(format, args...) }

// Fatal logs at fatal level then exits the process.
func Fatal(args ...interface{}) { global().Fatal(args...) }

// Fatalf logs at fatal level with formatting then exits the process.
func Fatalf(format string, args ...interface{}) { global().Fatalf(format, args...) }

// Panic logs then panics.
func Panic(args ...interface{}) { global().Panic(args...) }

// Panicf logs with formatting then panics.
func Panicf(format string, args ...interface{}) { global().Panicf(format, args...) }

// Println logs at info level, matching the stdlib log.Println signature.
func Println(args ...interface{}) { global().Println(args...) }

// Printf logs at info level with formatting, matching the stdlib log.Printf signature.
func Printf(format string, args ...interface{}) { global().Printf(format, args...) }

// Sync flushes any buffered log entries.
func Sync() error { return global().Sync() }
