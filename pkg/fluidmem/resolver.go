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

	"github.com/intel/fluidmem/pkg/store"
	"github.com/intel/fluidmem/pkg/uffd"
)

// retryNow is a closed channel for retrying without waiting.
var retryNow = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// HandleFault resolves a fault at addr of a region. Once the page has been
// placed it is recorded as resident, evicting pages as necessary. An error
// wrapping ErrRegionDead means the region should be torn down.
func (e *Engine) HandleFault(id RegionID, addr uint64) error {
	r, ok := e.regions.Load(id)
	if !ok {
		return errors.Wrapf(ErrUnknownRegion, "fault at 0x%x of region %s", addr, id)
	}
	if !r.acquire() {
		return errors.Wrapf(ErrRegionDead, "fault at 0x%x of region %s", addr, id)
	}
	defer r.release()

	e.stats.Store(StatsFault{})

	key := NewPageKey(id, addr)
	seq := r.sequential(key.Addr)

	for i := 0; i < resolveRetries; i++ {
		wait, resident, err := e.resolve(r, key, seq)
		if err != nil {
			return err
		}
		if wait == nil {
			if resident {
				e.makeResident(key)
			}
			return nil
		}
		select {
		case <-wait:
		case <-e.ctx.Done():
			return ErrClosed
		}
	}

	return errors.Errorf("page %s still busy after %d retries", key, resolveRetries)
}

// resolve tries to place the page of a fault. If the page is being worked
// on in the background, the channel to wait on before retrying is returned.
func (e *Engine) resolve(r *Region, key PageKey, seq bool) (<-chan struct{}, bool, error) {
	switch state, wait := e.writes.State(key); state {
	case InFlight:
		e.writer.Kick()
		return wait, false, nil
	case Queued:
		item, ok := e.writes.Steal(key)
		if !ok {
			return retryNow, false, nil
		}
		return nil, true, e.placeStolen(r, key, item)
	}

	switch state, wait := e.prefetches.State(key); state {
	case InFlight:
		return wait, false, nil
	case Queued:
		if _, ok := e.prefetches.Steal(key); !ok {
			return retryNow, false, nil
		}
	}

	state, ok := e.owners.Lookup(key)
	if !ok {
		e.owners.MarkApplication(key)
		return nil, true, e.placeZero(r, key)
	}

	switch s := state.(type) {
	case Application:
		e.stats.Store(StatsDuplicateFault{})
		return nil, false, e.wake(r, key)

	case Cached:
		buf, length, ok := e.owners.takeCached(key)
		if !ok {
			return retryNow, false, nil
		}
		e.stats.Store(StatsCacheHit{})
		defer buf.Release()
		if length == 0 {
			return nil, true, e.placeZero(r, key)
		}
		return nil, true, e.placeData(r, key, buf)

	case Remote:
		if s.Zero {
			e.owners.MarkApplication(key)
			return nil, true, e.placeZero(r, key)
		}
		return nil, true, e.readRemote(r, key, seq)
	}

	return nil, false, errors.Errorf("page %s in unknown state %v", key, state)
}

// placeStolen places a page taken over from the write list.
func (e *Engine) placeStolen(r *Region, key PageKey, item *writeItem) error {
	defer item.buf.Release()
	if err := e.owners.RecordSkippedRead(key); err != nil {
		e.invariant(err)
		e.owners.MarkApplication(key)
	}
	return e.placeData(r, key, item.buf)
}

// readRemote reads the page from the store of the region and places it,
// reading ahead if the fault continues a sequential run.
func (e *Engine) readRemote(r *Region, key PageKey, seq bool) error {
	cfg := e.GetConfig()

	var ahead []PageKey
	if cfg.Prefetch && seq && cfg.PrefetchSize > 0 {
		ahead = e.lookahead(key, cfg.PrefetchSize)
	}

	e.stats.Store(StatsCacheMiss{})

	var (
		buf    *PageBuffer
		length int
		err    error
	)
	if len(ahead) > 0 && !cfg.AsyncPrefetch {
		buf, length, err = e.readWithAhead(r, key, ahead)
	} else {
		if len(ahead) > 0 {
			for _, k := range ahead {
				e.prefetches.Add(k, r)
			}
			e.stats.Store(StatsPrefetchIssued{Pages: len(ahead)})
			e.prefetcher.Kick()
		}
		buf, length, err = e.read(r, key)
	}
	if err != nil {
		return err
	}
	defer buf.Release()

	e.owners.MarkApplication(key)
	if length == 0 {
		return e.placeZero(r, key)
	}
	return e.placeData(r, key, buf)
}

// read reads a single page from the store.
func (e *Engine) read(r *Region, key PageKey) (*PageBuffer, int, error) {
	buf, err := e.readPool.Get(e.ctx)
	if err != nil {
		return nil, 0, err
	}

	backoff := retryBackoff
	for i := 0; ; i++ {
		length, err := r.Store.Read(store.Key(key.Addr), buf.Bytes())
		if err == nil {
			return buf, length, nil
		}
		if !store.IsTransient(err) || i >= placeRetries {
			buf.Release()
			return nil, 0, errors.Wrapf(err, "failed to read page %s", key)
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

// readWithAhead reads a page and the pages ahead of it in a single batch,
// caching the pages ahead.
func (e *Engine) readWithAhead(r *Region, key PageKey, ahead []PageKey) (*PageBuffer, int, error) {
	keys := make([]store.Key, 0, len(ahead)+1)
	bufs := make([]*PageBuffer, 0, len(ahead)+1)
	data := make([][]byte, 0, len(ahead)+1)
	for _, k := range append([]PageKey{key}, ahead...) {
		buf, err := e.readPool.Get(e.ctx)
		if err != nil {
			releaseAll(bufs)
			return nil, 0, err
		}
		keys = append(keys, store.Key(k.Addr))
		bufs = append(bufs, buf)
		data = append(data, buf.Bytes())
	}

	lengths, err := r.Store.MultiRead(keys, data)
	if err != nil {
		releaseAll(bufs)
		return nil, 0, errors.Wrapf(err, "failed to read page %s", key)
	}

	e.stats.Store(StatsPrefetchIssued{Pages: len(ahead)})
	for i, k := range ahead {
		if lengths[i+1] > 0 && e.owners.StoreInCache(k, bufs[i+1], lengths[i+1]) {
			continue
		}
		bufs[i+1].Release()
	}

	return bufs[0], lengths[0], nil
}

// lookahead collects the pages after key worth reading ahead.
func (e *Engine) lookahead(key PageKey, size int) []PageKey {
	var ahead []PageKey
	for i := 1; i <= prefetchScanLimit && len(ahead) < size; i++ {
		k := key.Next(i)
		state, ok := e.owners.Lookup(k)
		if !ok {
			continue
		}
		if remote, ok := state.(Remote); !ok || remote.Zero {
			continue
		}
		if e.writes.Contains(k) || e.prefetches.Contains(k) {
			continue
		}
		ahead = append(ahead, k)
	}
	return ahead
}

// makeResident records a placed page in the LRU, evicting what no longer
// fits. Zero pages which cannot be moved stay in the LRU over capacity.
func (e *Engine) makeResident(key PageKey) {
	for _, victim := range e.lru.Insert(key) {
		e.evictVictim(victim)
	}
}

func (e *Engine) placeZero(r *Region, key PageKey) error {
	err := e.place(key, "zero page", func() error {
		return r.Mapper.PlaceZero(key.Addr)
	})
	if err == nil {
		e.stats.Store(StatsPlaced{Zero: true})
	}
	return err
}

func (e *Engine) placeData(r *Region, key PageKey, buf *PageBuffer) error {
	err := e.place(key, "copy page", func() error {
		return r.Mapper.PlaceData(key.Addr, buf)
	})
	if err == nil {
		e.stats.Store(StatsPlaced{})
	}
	return err
}

func (e *Engine) wake(r *Region, key PageKey) error {
	return e.place(key, "wake", func() error {
		return r.Mapper.Wake(key.Addr)
	})
}

// place runs a placement operation, retrying it if the kernel asks for it.
func (e *Engine) place(key PageKey, op string, fn func() error) error {
	backoff := retryBackoff
	for i := 0; ; i++ {
		err := fn()
		switch uffd.Classify(err) {
		case uffd.Ok:
			return nil
		case uffd.Retry:
			if i < placeRetries {
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
		case uffd.Busy, uffd.Exists:
			log.Debug("%s %s: %v", op, key, err)
			return nil
		case uffd.Dead:
			e.stats.Store(StatsInvalidDropped{})
			return errors.Wrapf(ErrRegionDead, "%s %s: %v", op, key, err)
		}
		return errors.Wrapf(err, "%s %s", op, key)
	}
}
