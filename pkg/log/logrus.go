// Copyright 2022 Intel Corporation. All Rights Reserved.
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
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	// LogrusBackendName is the name of the logrus-based backend.
	LogrusBackendName = "logrus"
)

// logrusBackend emits messages as structured logrus entries, with the
// source in a separate field.
type logrusBackend struct {
	l *logrus.Logger
}

func createLogrusBackend() Backend {
	l := logrus.New()
	l.SetOutput(fmtOutput)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000",
	})
	return &logrusBackend{l: l}
}

func (*logrusBackend) Name() string {
	return LogrusBackendName
}

func (b *logrusBackend) Log(level Level, source, format string, args ...interface{}) {
	b.emit(level, source, fmt.Sprintf(format, args...))
}

func (b *logrusBackend) Block(level Level, source, prefix, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		b.emit(level, source, prefix+line)
	}
}

func (b *logrusBackend) emit(level Level, source, msg string) {
	entry := b.l.WithField("source", source)
	switch level {
	case LevelDebug:
		entry.Debug(msg)
	case LevelInfo:
		entry.Info(msg)
	case LevelWarn:
		entry.Warn(msg)
	default:
		// Panic and Fatal are handled by our logger, logrus must not exit.
		entry.Error(msg)
	}
}

func (*logrusBackend) Flush()                 {}
func (*logrusBackend) Sync()                  {}
func (*logrusBackend) Stop()                  {}
func (*logrusBackend) SetSourceAlignment(int) {}

func init() {
	RegisterBackend(LogrusBackendName, createLogrusBackend)
}
