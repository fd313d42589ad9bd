// Copyright 2019-2022 Intel Corporation. All Rights Reserved.
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

package log

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Level describes the severity of log messages.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
	// LevelPanic is the severity for panic messages.
	LevelPanic
	// LevelFatal is the severity for fatal errors.
	LevelFatal
	// levelHighest is the highest externally visible level
	levelHighest
)

var levelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warning",
	LevelError: "error",
	LevelPanic: "panic",
	LevelFatal: "fatal",
}

// String returns the name of the level.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("<level %d>", int(l))
}

// ParseLevel parses a level name.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, errors.Errorf("invalid log level %q", name)
}

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock formats and emits a multiline warning message.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock formats and emits a multiline error message.
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string
}

// logger implements our Logger.
type logger struct {
	source string
	debug  atomic.Bool
}

func (l *logger) setDebug(state bool) bool {
	return l.debug.Swap(state)
}

// EnableDebug enables/disables debug logging for this logger.
func (l *logger) EnableDebug(state bool) bool {
	log.Lock()
	log.debug[l.source] = state
	log.Unlock()
	return l.setDebug(state)
}

// DebugEnabled checks debug logging is enabled for this logger.
func (l *logger) DebugEnabled() bool {
	if l.debug.Load() {
		return true
	}
	log.RLock()
	defer log.RUnlock()
	return log.forced
}

// Source returns the source for the given logger.
func (l *logger) Source() string {
	return l.source
}

// Debug logs a debug message.
func (l *logger) Debug(format string, args ...interface{}) {
	if l.DebugEnabled() {
		log.activeBackend().Log(LevelDebug, l.source, format, args...)
	}
}

// Info logs a informational message.
func (l *logger) Info(format string, args ...interface{}) {
	if l.passes(LevelInfo) {
		log.activeBackend().Log(LevelInfo, l.source, format, args...)
	}
}

// Warn logs a warning message.
func (l *logger) Warn(format string, args ...interface{}) {
	if l.passes(LevelWarn) {
		log.activeBackend().Log(LevelWarn, l.source, format, args...)
	}
}

// Error logs an error message.
func (l *logger) Error(format string, args ...interface{}) {
	if l.passes(LevelError) {
		log.activeBackend().Log(LevelError, l.source, format, args...)
	}
}

// Fatal logs a fatal error message and os.Exit(1)'s.
func (l *logger) Fatal(format string, args ...interface{}) {
	active := log.activeBackend()
	active.Log(LevelFatal, l.source, format, args...)
	active.Sync()

	os.Exit(1)
}

// Panic logs a panic message and panic()'s.
func (l *logger) Panic(format string, args ...interface{}) {
	active := log.activeBackend()
	active.Log(LevelPanic, l.source, format, args...)
	active.Sync()

	panic(fmt.Sprintf(l.source+": "+format, args...))
}

// DebugBlock logs a multi-line debug message.
func (l *logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if l.DebugEnabled() {
		log.activeBackend().Block(LevelDebug, l.source, prefix, format, args...)
	}
}

// InfoBlock logs a multi-line informational message.
func (l *logger) InfoBlock(prefix string, format string, args ...interface{}) {
	if l.passes(LevelInfo) {
		log.activeBackend().Block(LevelInfo, l.source, prefix, format, args...)
	}
}

// WarnBlock logs a multi-line warning message.
func (l *logger) WarnBlock(prefix string, format string, args ...interface{}) {
	if l.passes(LevelWarn) {
		log.activeBackend().Block(LevelWarn, l.source, prefix, format, args...)
	}
}

// ErrorBlock logs a multi-line error message.
func (l *logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	if l.passes(LevelError) {
		log.activeBackend().Block(LevelError, l.source, prefix, format, args...)
	}
}

// passes checks if a message of the given level should be emitted.
func (l *logger) passes(level Level) bool {
	return level >= GetLevel()
}
