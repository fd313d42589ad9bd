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

// Package log implements source-tagged logging with pluggable backends.
//
// Every package creates its own Logger with NewLogger(source). Messages of
// severity info and above pass when they are at or above the configured
// level; debug messages pass only for sources with debugging enabled, or
// when full debugging is forced on (see SetupDebugToggleSignal).
//
// Two backends are registered by default: "fmt", an asynchronous writer to
// stderr, and "logrus", which emits structured entries with the source in a
// separate field. Hot paths can wrap their Logger with RateLimit to suppress
// repeated messages.
package log
