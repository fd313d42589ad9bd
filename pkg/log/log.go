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
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// state is the runtime state of logging.
type state struct {
	sync.RWMutex
	level    Level                // lowest unsuppressed severity
	active   Backend              // active backend
	backend  map[string]BackendFn // registered backends
	loggers  map[string]*logger   // known loggers by source
	debug    map[string]bool      // per-source debug overrides
	debugAll bool                 // debug enabled for all sources
	forced   bool                 // forced full debugging (signal toggle)
	align    int                  // longest source name seen
}

// log is our logging state.
var log = &state{
	level:   LevelInfo,
	backend: make(map[string]BackendFn),
	loggers: make(map[string]*logger),
	debug:   make(map[string]bool),
}

// NewLogger returns the Logger for the given source, creating it if needed.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Get is an alias for NewLogger.
func Get(source string) Logger {
	return log.get(source)
}

// get looks up or creates the logger for source.
func (s *state) get(source string) *logger {
	source = strings.Trim(source, "[] ")

	s.RLock()
	l, ok := s.loggers[source]
	s.RUnlock()
	if ok {
		return l
	}

	s.Lock()
	defer s.Unlock()

	if l, ok = s.loggers[source]; ok {
		return l
	}
	l = &logger{source: source}
	l.debug.Store(s.debugFor(source))
	s.loggers[source] = l
	if len(source) > s.align {
		s.align = len(source)
		if s.active != nil {
			s.active.SetSourceAlignment(s.align)
		}
	}

	return l
}

// debugFor returns the configured debug state for source, with the lock held.
func (s *state) debugFor(source string) bool {
	if enabled, ok := s.debug[source]; ok {
		return enabled
	}
	return s.debugAll
}

// SetLevel sets the lowest severity of messages to emit.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// GetLevel returns the lowest severity of emitted messages.
func GetLevel() Level {
	log.RLock()
	defer log.RUnlock()
	return log.level
}

// SetDebug configures debugging for a comma-separated list of sources. A
// source can be prefixed with "off:" to disable it, '*' or "all" refers to
// every source.
func SetDebug(sources string) {
	log.Lock()
	defer log.Unlock()

	log.debug = make(map[string]bool)
	log.debugAll = false

	enable := true
	for _, name := range strings.Split(sources, ",") {
		name = strings.TrimSpace(name)
		switch {
		case strings.HasPrefix(name, "off:"):
			enable = false
			name = strings.TrimPrefix(name, "off:")
		case strings.HasPrefix(name, "on:"):
			enable = true
			name = strings.TrimPrefix(name, "on:")
		}
		switch name {
		case "":
		case "*", "all":
			log.debugAll = enable
		default:
			log.debug[name] = enable
		}
	}

	for source, l := range log.loggers {
		l.setDebug(log.debugFor(source))
	}
}

// SetBackend activates the named, registered backend.
func SetBackend(name string) error {
	log.Lock()
	defer log.Unlock()

	fn, ok := log.backend[name]
	if !ok {
		return errors.Errorf("logger backend %q not registered", name)
	}

	if log.active != nil {
		if log.active.Name() == name {
			return nil
		}
		log.active.Flush()
		log.active.Stop()
	}

	log.active = fn()
	log.active.SetSourceAlignment(log.align)

	return nil
}

// Flush flushes any buffered messages of the active backend.
func Flush() {
	log.RLock()
	active := log.active
	log.RUnlock()
	if active != nil {
		active.Flush()
	}
}

// Sync waits until the active backend has emitted all pending messages.
func Sync() {
	log.RLock()
	active := log.active
	log.RUnlock()
	if active != nil {
		active.Sync()
	}
}

// activeBackend returns the active backend, activating the default one if needed.
func (s *state) activeBackend() Backend {
	s.RLock()
	active := s.active
	s.RUnlock()
	if active != nil {
		return active
	}

	s.Lock()
	defer s.Unlock()
	if s.active == nil {
		s.active = s.backend[FmtBackendName]()
		s.active.SetSourceAlignment(s.align)
	}
	return s.active
}
