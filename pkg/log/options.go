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
	"flag"
)

// Options is the configuration of logging, as found in the daemon config.
type Options struct {
	// Level is the lowest severity to emit: debug, info, warning or error.
	Level string `json:"level,omitempty"`
	// Debug is a comma-separated list of sources to enable debugging for.
	Debug string `json:"debug,omitempty"`
	// Backend is the name of the logger backend to use.
	Backend string `json:"backend,omitempty"`
}

// Configure applies the given options.
func Configure(o Options) error {
	level, err := ParseLevel(o.Level)
	if err != nil {
		return err
	}
	backend := o.Backend
	if backend == "" {
		backend = FmtBackendName
	}
	if err := SetBackend(backend); err != nil {
		return err
	}
	SetLevel(level)
	SetDebug(o.Debug)
	return nil
}

// RegisterFlags registers command line flags for the given options.
func (o *Options) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.Level, "log-level", o.Level, "lowest severity of log messages (debug, info, warning, error)")
	fs.StringVar(&o.Debug, "log-debug", o.Debug, "comma-separated list of sources to debug, '*' for all")
	fs.StringVar(&o.Backend, "log-backend", o.Backend, "logger backend (fmt, logrus)")
}
