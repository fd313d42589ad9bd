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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/fluidmem/pkg/metrics"
)

// Prometheus Metric descriptor indices and descriptor table
const (
	eventsDesc = iota
	cacheHitRatioDesc
	faultRateDesc
	pagesDesc
	capacityDesc
	pendingDesc
	regionsDesc
	numDescriptors
)

var descriptors = [numDescriptors]*prometheus.Desc{
	eventsDesc: prometheus.NewDesc(
		"fluidmem_events_total",
		"Number of page events handled.",
		[]string{
			// event type
			"event",
		}, nil,
	),
	cacheHitRatioDesc: prometheus.NewDesc(
		"fluidmem_cache_hit_ratio",
		"Ratio of page data faults served from the page cache.",
		nil, nil,
	),
	faultRateDesc: prometheus.NewDesc(
		"fluidmem_fault_rate",
		"Page faults handled during the last second.",
		nil, nil,
	),
	pagesDesc: prometheus.NewDesc(
		"fluidmem_pages",
		"Number of pages tracked.",
		[]string{
			// lru, cache or all
			"type",
		}, nil,
	),
	capacityDesc: prometheus.NewDesc(
		"fluidmem_capacity_pages",
		"Configured capacity in pages.",
		[]string{
			// lru or cache
			"type",
		}, nil,
	),
	pendingDesc: prometheus.NewDesc(
		"fluidmem_pending_pages",
		"Number of pages waiting for background I/O.",
		[]string{
			// write or prefetch
			"list",
		}, nil,
	),
	regionsDesc: prometheus.NewDesc(
		"fluidmem_regions",
		"Number of registered regions.",
		nil, nil,
	),
}

// collector exposes the stats of an engine.
type collector struct {
	engine *Engine
}

// RegisterCollector registers the metrics collector of the engine.
func (e *Engine) RegisterCollector() error {
	return metrics.RegisterCollector("fluidmem", func() (prometheus.Collector, error) {
		return e.Collector(), nil
	})
}

// Collector returns a prometheus collector for the engine.
func (e *Engine) Collector() prometheus.Collector {
	return &collector{engine: e}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.engine.Stats().Snapshot()
	state := c.engine.State()

	events := map[string]uint64{
		"fault":           snap.Faults,
		"zero_page":       snap.ZeroPages,
		"placed_page":     snap.PlacedPages,
		"duplicate_fault": snap.DuplicateFault,
		"eviction":        snap.Evictions,
		"cache_hit":       snap.CacheHits,
		"cache_miss":      snap.CacheMisses,
		"write_avoided":   snap.WritesAvoided,
		"zero_page_left":  snap.ZeroPagesLeft,
		"invalid_dropped": snap.InvalidDropped,
		"evict_failure":   snap.EvictFailures,
		"prefetch":        snap.PrefetchIssued,
		"write_batch":     snap.WriteBatches,
		"page_written":    snap.PagesWritten,
		"store_retry":     snap.StoreRetries,
	}
	for event, value := range events {
		ch <- prometheus.MustNewConstMetric(descriptors[eventsDesc],
			prometheus.CounterValue, float64(value), event)
	}

	ch <- prometheus.MustNewConstMetric(descriptors[cacheHitRatioDesc],
		prometheus.GaugeValue, snap.CacheHitRatio())
	ch <- prometheus.MustNewConstMetric(descriptors[faultRateDesc],
		prometheus.GaugeValue, float64(snap.FaultRate))

	ch <- prometheus.MustNewConstMetric(descriptors[pagesDesc],
		prometheus.GaugeValue, float64(state.LRUSize), "lru")
	ch <- prometheus.MustNewConstMetric(descriptors[pagesDesc],
		prometheus.GaugeValue, float64(state.CacheSize), "cache")
	ch <- prometheus.MustNewConstMetric(descriptors[pagesDesc],
		prometheus.GaugeValue, float64(state.Pages), "all")
	ch <- prometheus.MustNewConstMetric(descriptors[capacityDesc],
		prometheus.GaugeValue, float64(state.LRUCapacity), "lru")
	ch <- prometheus.MustNewConstMetric(descriptors[capacityDesc],
		prometheus.GaugeValue, float64(state.CacheCapacity), "cache")
	ch <- prometheus.MustNewConstMetric(descriptors[pendingDesc],
		prometheus.GaugeValue, float64(state.WriteList), "write")
	ch <- prometheus.MustNewConstMetric(descriptors[pendingDesc],
		prometheus.GaugeValue, float64(state.PrefetchList), "prefetch")
	ch <- prometheus.MustNewConstMetric(descriptors[regionsDesc],
		prometheus.GaugeValue, float64(state.Regions))
}
