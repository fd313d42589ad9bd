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

package fluidmem

import (
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	e := newTestEngine(t, testConfig(1, 4))
	r, m, _ := newTestRegion(t, e, os.Getpid())
	fault(t, e, r, 0)
	m.write(t, addr(0), pageOf(1))
	fault(t, e, r, 1)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(e.Collector()))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			name := mf.GetName()
			for _, label := range metric.GetLabel() {
				name += "/" + label.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				values[name] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[name] = metric.GetGauge().GetValue()
			}
		}
	}

	for name, want := range map[string]float64{
		"fluidmem_events_total/fault":     2,
		"fluidmem_events_total/eviction":  1,
		"fluidmem_pages/lru":              1,
		"fluidmem_pages/all":              2,
		"fluidmem_capacity_pages/lru":     1,
		"fluidmem_capacity_pages/cache":   4,
		"fluidmem_pending_pages/write":    1,
		"fluidmem_pending_pages/prefetch": 0,
		"fluidmem_regions":                1,
		"fluidmem_cache_hit_ratio":        0,
	} {
		got, ok := values[name]
		require.True(t, ok, "missing metric %s", name)
		require.Equal(t, want, got, "metric %s", name)
	}
}
