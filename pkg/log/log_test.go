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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// a test Backend that records messages for verification
type testlogger struct {
	sync.Mutex
	recorded []string
}

var testlog = &testlogger{}

const testLoggerName = "testlogger"

func (l *testlogger) Name() string {
	return testLoggerName
}

func (l *testlogger) Log(level Level, source, format string, args ...interface{}) {
	l.Lock()
	defer l.Unlock()
	l.recorded = append(l.recorded, level.String()+" ["+source+"] "+fmt.Sprintf(format, args...))
}

func (l *testlogger) Block(level Level, source, prefix, format string, args ...interface{}) {
	l.Log(level, source, prefix+format, args...)
}

func (l *testlogger) Flush()                 {}
func (l *testlogger) Sync()                  {}
func (l *testlogger) Stop()                  {}
func (l *testlogger) SetSourceAlignment(int) {}

func (l *testlogger) reset() []string {
	l.Lock()
	defer l.Unlock()
	recorded := l.recorded
	l.recorded = nil
	return recorded
}

func init() {
	RegisterBackend(testLoggerName, func() Backend { return testlog })
}

func setup(t *testing.T) {
	require.NoError(t, SetBackend(testLoggerName))
	SetLevel(LevelInfo)
	SetDebug("")
	testlog.reset()
}

func TestLevels(t *testing.T) {
	setup(t)
	l := NewLogger("levels")

	l.Debug("suppressed debug")
	l.Info("info %d", 1)
	l.Warn("warn %d", 2)
	l.Error("error %d", 3)
	require.Equal(t, []string{
		"info [levels] info 1",
		"warning [levels] warn 2",
		"error [levels] error 3",
	}, testlog.reset())

	SetLevel(LevelError)
	l.Info("suppressed info")
	l.Warn("suppressed warning")
	l.Error("passed")
	require.Equal(t, []string{"error [levels] passed"}, testlog.reset())
}

func TestDebugSources(t *testing.T) {
	setup(t)
	a := NewLogger("a")
	b := NewLogger("b")

	SetDebug("a")
	a.Debug("a on")
	b.Debug("b off")
	require.Equal(t, []string{"debug [a] a on"}, testlog.reset())

	SetDebug("*,off:a")
	a.Debug("a off")
	b.Debug("b on")
	require.Equal(t, []string{"debug [b] b on"}, testlog.reset())

	require.True(t, b.EnableDebug(false))
	require.False(t, b.DebugEnabled())

	// loggers created after configuration pick it up
	SetDebug("late")
	NewLogger("late").Debug("late on")
	require.Equal(t, []string{"debug [late] late on"}, testlog.reset())
}

func TestForcedDebug(t *testing.T) {
	setup(t)
	l := NewLogger("forced")

	require.True(t, ToggleForcedDebug())
	l.Debug("on")
	require.False(t, ToggleForcedDebug())
	l.Debug("off")
	require.Equal(t, []string{"debug [forced] on"}, testlog.reset())
}

func TestGetReturnsSameLogger(t *testing.T) {
	require.Equal(t, NewLogger("same"), Get("[same]"))
	require.Equal(t, "same", Get("same").Source())
}

func TestParseLevel(t *testing.T) {
	for name, level := range map[string]Level{
		"debug":   LevelDebug,
		"":        LevelInfo,
		"warning": LevelWarn,
		"WARN":    LevelWarn,
		"error":   LevelError,
	} {
		parsed, err := ParseLevel(name)
		require.NoError(t, err)
		require.Equal(t, level, parsed, name)
	}
	_, err := ParseLevel("chatty")
	require.Error(t, err)
}

func TestConfigure(t *testing.T) {
	setup(t)
	require.Error(t, Configure(Options{Backend: "no-such-backend"}))
	require.NoError(t, Configure(Options{Level: "warning", Debug: "cfg", Backend: testLoggerName}))
	require.Equal(t, LevelWarn, GetLevel())
	require.True(t, NewLogger("cfg").DebugEnabled())
}
