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

package metrics

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	logger "github.com/intel/fluidmem/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	lock                 sync.Mutex
	builtInCollectors    = make(map[string]InitCollector)
	initializedCollector = make(map[string]prometheus.Collector)
	log                  = logger.NewLogger("metrics")
)

// InitCollector is the type for functions that initialize collectors.
type InitCollector func() (prometheus.Collector, error)

// RegisterCollector registers the named prometheus.Collector for metrics collection.
func RegisterCollector(name string, init InitCollector) error {
	lock.Lock()
	defer lock.Unlock()

	log.Info("registering collector %s...", name)

	if _, found := builtInCollectors[name]; found {
		return metricsError("collector %s already registered", name)
	}

	builtInCollectors[name] = init

	return nil
}

// UnregisterCollector forgets the named collector.
func UnregisterCollector(name string) {
	lock.Lock()
	defer lock.Unlock()
	delete(builtInCollectors, name)
	delete(initializedCollector, name)
}

// Collectors returns the names of all registered collectors.
func Collectors() []string {
	lock.Lock()
	defer lock.Unlock()
	names := make([]string, 0, len(builtInCollectors))
	for name := range builtInCollectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewMetricGatherer creates a new prometheus.Gatherer with all registered collectors.
// Collectors failing to initialize are skipped and reported in the returned error.
func NewMetricGatherer() (prometheus.Gatherer, error) {
	lock.Lock()
	defer lock.Unlock()

	var errs *multierror.Error
	reg := prometheus.NewPedanticRegistry()

	for name, cb := range builtInCollectors {
		c, ok := initializedCollector[name]
		if !ok {
			var err error
			if c, err = cb(); err != nil {
				log.Error("failed to initialize collector '%s': %v, skipping it", name, err)
				errs = multierror.Append(errs, metricsError("collector %s: %v", name, err))
				continue
			}
			initializedCollector[name] = c
		}
		if err := reg.Register(c); err != nil {
			errs = multierror.Append(errs, metricsError("collector %s: %v", name, err))
		}
	}

	return reg, errs.ErrorOrNil()
}

func metricsError(format string, args ...interface{}) error {
	return fmt.Errorf("metrics: "+format, args...)
}
