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
	"fmt"
	"strings"
	"sync"
	"time"
)

// Stats collects the events of an engine.
type Stats struct {
	sync.Mutex
	counters  StatsCounters
	lastFault time.Time
	second    int64  // unix second of the current fault count
	current   uint64 // faults seen during second
	previous  uint64 // faults seen during the second before
}

// StatsCounters are the cumulative event counters of an engine.
type StatsCounters struct {
	Faults         uint64
	ZeroPages      uint64
	PlacedPages    uint64
	DuplicateFault uint64
	Evictions      uint64
	CacheHits      uint64
	CacheMisses    uint64
	WritesAvoided  uint64
	ZeroPagesLeft  uint64
	InvalidDropped uint64
	EvictFailures  uint64
	PrefetchIssued uint64
	WriteBatches   uint64
	PagesWritten   uint64
	StoreRetries   uint64
}

// StatsSnapshot is a copy of the stats at one point in time.
type StatsSnapshot struct {
	StatsCounters
	LastFault time.Time
	FaultRate uint64
}

// CacheHitRatio returns the ratio of faults served from the page cache to
// faults needing page data.
func (s *StatsSnapshot) CacheHitRatio() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// StatsFault is stored for every fault handled.
type StatsFault struct{}

// StatsPlaced is stored for every page placed in the application.
type StatsPlaced struct {
	Zero bool
}

// StatsDuplicateFault is stored for a fault on a page already resolved.
type StatsDuplicateFault struct{}

// StatsEvicted is stored for every page moved out of the application.
type StatsEvicted struct{}

// StatsCacheHit is stored for a fault served from the page cache.
type StatsCacheHit struct{}

// StatsCacheMiss is stored for a fault served from the store.
type StatsCacheMiss struct{}

// StatsWriteAvoided is stored for an evicted zero page never written.
type StatsWriteAvoided struct{}

// StatsZeroPageLeft is stored for a zero page left in the application.
type StatsZeroPageLeft struct{}

// StatsInvalidDropped is stored for a page of a dead region dropped.
type StatsInvalidDropped struct{}

// StatsEvictFailed is stored for a page that could not be moved out.
type StatsEvictFailed struct{}

// StatsPrefetchIssued is stored for pages scheduled for read-ahead.
type StatsPrefetchIssued struct {
	Pages int
}

// StatsWriteBatch is stored for every batch written to a store.
type StatsWriteBatch struct {
	Pages int
}

// StatsStoreRetry is stored for every failed store write.
type StatsStoreRetry struct{}

// NewStats creates a new set of stats.
func NewStats() *Stats {
	return &Stats{}
}

// Store records an event.
func (s *Stats) Store(entry interface{}) {
	s.Lock()
	defer s.Unlock()

	c := &s.counters
	switch v := entry.(type) {
	case StatsFault:
		now := time.Now()
		c.Faults++
		s.lastFault = now
		if sec := now.Unix(); sec != s.second {
			if sec == s.second+1 {
				s.previous = s.current
			} else {
				s.previous = 0
			}
			s.second = sec
			s.current = 0
		}
		s.current++
	case StatsPlaced:
		if v.Zero {
			c.ZeroPages++
		} else {
			c.PlacedPages++
		}
	case StatsDuplicateFault:
		c.DuplicateFault++
	case StatsEvicted:
		c.Evictions++
	case StatsCacheHit:
		c.CacheHits++
	case StatsCacheMiss:
		c.CacheMisses++
	case StatsWriteAvoided:
		c.WritesAvoided++
	case StatsZeroPageLeft:
		c.ZeroPagesLeft++
	case StatsInvalidDropped:
		c.InvalidDropped++
	case StatsEvictFailed:
		c.EvictFailures++
	case StatsPrefetchIssued:
		c.PrefetchIssued += uint64(v.Pages)
	case StatsWriteBatch:
		c.WriteBatches++
		c.PagesWritten += uint64(v.Pages)
	case StatsStoreRetry:
		c.StoreRetries++
	default:
		log.Warn("unknown stats entry %T", entry)
	}
}

// Snapshot returns the current stats.
func (s *Stats) Snapshot() StatsSnapshot {
	s.Lock()
	defer s.Unlock()

	snap := StatsSnapshot{
		StatsCounters: s.counters,
		LastFault:     s.lastFault,
	}
	switch time.Now().Unix() {
	case s.second:
		snap.FaultRate = s.previous
	case s.second + 1:
		snap.FaultRate = s.current
	}
	return snap
}

// Clear resets all stats.
func (s *Stats) Clear() {
	s.Lock()
	defer s.Unlock()
	s.counters = StatsCounters{}
	s.lastFault = time.Time{}
	s.second, s.current, s.previous = 0, 0, 0
}

// Summarize returns the stats as text tables.
func (s *Stats) Summarize() string {
	snap := s.Snapshot()
	lastFault := "never"
	if !snap.LastFault.IsZero() {
		lastFault = fmt.Sprintf("%.3fs ago", time.Since(snap.LastFault).Seconds())
	}

	lines := []string{}
	lines = append(lines, "table: faults")
	lines = append(lines, "  faults    zero  placed duplicate rate[1/s] last")
	lines = append(lines, fmt.Sprintf("%8d %7d %7d %9d %9d %s",
		snap.Faults,
		snap.ZeroPages,
		snap.PlacedPages,
		snap.DuplicateFault,
		snap.FaultRate,
		lastFault))
	lines = append(lines, "table: page cache")
	lines = append(lines, "    hits  misses ratio prefetched")
	lines = append(lines, fmt.Sprintf("%8d %7d %5.3f %10d",
		snap.CacheHits,
		snap.CacheMisses,
		snap.CacheHitRatio(),
		snap.PrefetchIssued))
	lines = append(lines, "table: evictions")
	lines = append(lines, " evicted avoided zeroleft invalid  failed")
	lines = append(lines, fmt.Sprintf("%8d %7d %8d %7d %7d",
		snap.Evictions,
		snap.WritesAvoided,
		snap.ZeroPagesLeft,
		snap.InvalidDropped,
		snap.EvictFailures))
	lines = append(lines, "table: write-back")
	lines = append(lines, " batches   pages retries")
	lines = append(lines, fmt.Sprintf("%8d %7d %7d",
		snap.WriteBatches,
		snap.PagesWritten,
		snap.StoreRetries))

	return strings.Join(lines, "\n")
}
