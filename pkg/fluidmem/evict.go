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
	"time"

	"github.com/pkg/errors"

	"github.com/intel/fluidmem/pkg/uffd"
)

// Evict evicts up to n least recently used pages, returning the number of
// pages evicted.
func (e *Engine) Evict(n int) int {
	count := 0
	for i := 0; i < n; i++ {
		key, ok := e.lru.PopTail()
		if !ok {
			break
		}
		if e.evictVictim(key) {
			count++
		}
	}
	return count
}

// evictVictim evicts a page pushed out of the LRU. Invariant failures are
// logged where they are detected.
func (e *Engine) evictVictim(key PageKey) bool {
	r, ok := e.regions.Load(key.Region)
	if !ok {
		if r, ok = e.closing.Load(key.Region); !ok {
			log.Debug("not evicting %s, region is gone", key)
			return false
		}
	}
	err := e.evictKey(r, key)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrRegionDead):
		log.Debug("not evicting %s: %v", key, err)
		if _, ok := e.regions.Load(r.ID); ok {
			e.ScheduleTeardown(r.ID, TeardownDiscard)
		}
	case errors.Is(err, errZeroPageLeft), errors.Is(err, ErrInvariant):
	default:
		rlog.Error("failed to evict %s: %v", key, err)
	}
	return false
}

// evictKey moves a page out of the application and hands it over to the
// write-back worker. Zero pages are recorded without writing them.
func (e *Engine) evictKey(r *Region, key PageKey) error {
	if !r.acquireEvict() {
		return errors.Wrapf(ErrRegionDead, "evict %s", key)
	}
	defer r.release()
	return e.evictOwned(r, key)
}

// evictOwned evicts a page of a region the caller keeps from being closed.
func (e *Engine) evictOwned(r *Region, key PageKey) error {
	if state, ok := e.owners.Lookup(key); !ok || state.Tier() != TierApplication {
		err := errors.Wrapf(ErrInvariant, "evict %s: page not in application", key)
		rlog.Error("%v", err)
		e.invariant(err)
		return err
	}

	if !e.writes.Reserve(key) {
		err := errors.Wrapf(ErrInvariant, "evict %s: page already on write list", key)
		rlog.Error("%v", err)
		e.invariant(err)
		return err
	}

	buf, err := e.evictPool.Get(e.ctx)
	if err != nil {
		e.writes.Cancel(key)
		return errors.Wrapf(err, "evict %s", key)
	}

	backoff := retryBackoff
	for i := 0; ; i++ {
		err = r.Mapper.MoveOut(key.Addr, buf)
		if uffd.Classify(err) != uffd.Retry || i >= evictRetries {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}

	hole := uffd.IsHole(err)
	switch {
	case err == nil:
	case hole:
		// Dropped by the application, it reads back as zeroes.
		log.Debug("evict %s: page not present", key)
	case uffd.Classify(err) == uffd.Busy:
		// Still the kernel zero page, leave it mapped and tracked.
		buf.Release()
		e.writes.Cancel(key)
		e.lru.PutBack(key)
		e.stats.Store(StatsZeroPageLeft{})
		log.Debug("evict %s: zero page left in place", key)
		return errors.Wrapf(errZeroPageLeft, "evict %s", key)
	case uffd.Classify(err) == uffd.Dead:
		buf.Release()
		e.writes.Cancel(key)
		e.stats.Store(StatsInvalidDropped{})
		return errors.Wrapf(ErrRegionDead, "evict %s: %v", key, err)
	default:
		buf.Release()
		e.writes.Cancel(key)
		e.lru.PutBack(key)
		e.stats.Store(StatsEvictFailed{})
		return errors.Wrapf(err, "evict %s", key)
	}

	e.stats.Store(StatsEvicted{})

	if hole || (e.GetConfig().SkipZeroPages && buf.IsZero()) {
		buf.Release()
		err := e.owners.RecordEvictionWrite(key, true)
		e.writes.Cancel(key)
		e.stats.Store(StatsWriteAvoided{})
		e.invariant(err)
		return err
	}

	if err := e.owners.RecordEvictionWrite(key, false); err != nil {
		buf.Release()
		e.writes.Cancel(key)
		e.invariant(err)
		return err
	}
	if n := e.writes.Attach(key, &writeItem{region: r, buf: buf}); n >= e.writer.batch {
		e.writer.Kick()
	}

	return nil
}
