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
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/intel/fluidmem/pkg/store"
	"github.com/intel/fluidmem/pkg/upid"
)

// TeardownMode selects what happens to the pages of a region torn down.
type TeardownMode int

const (
	// TeardownDiscard drops all pages, including their copies in the store.
	TeardownDiscard TeardownMode = iota
	// TeardownFlush writes resident pages to the store and keeps them there.
	TeardownFlush
)

// String returns the name of the teardown mode.
func (m TeardownMode) String() string {
	if m == TeardownFlush {
		return "flush"
	}
	return "discard"
}

// Engine resolves page faults of registered regions and moves their pages
// between the application, the page cache and the store.
type Engine struct {
	sync.Mutex
	config     *Config
	registry   upid.Registry
	node       uint16
	regions    *xsync.MapOf[RegionID, *Region]
	closing    *xsync.MapOf[RegionID, *Region] // being torn down
	lru        *EvictionBuffer
	owners     *OwnershipCache
	writes     *PendingList[*writeItem]
	prefetches *PendingList[*Region]
	writer     *WriteBackWorker
	prefetcher *PrefetchWorker
	evictPool  *BufferPool
	readPool   *BufferPool
	stats      *Stats
	unregister []func(*Region)
	shutdown   chan error
	ctx        context.Context
	cancel     context.CancelFunc
	teardowns  sync.WaitGroup
	started    bool
	stopped    bool
}

// New creates an engine registering unique ids of regions in registry.
func New(cfg *Config, registry upid.Registry) (*Engine, error) {
	return newEngine(cfg, registry, defaultAllocator())
}

func newEngine(cfg *Config, registry upid.Registry, alloc Allocator) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Copy()

	lru, err := NewEvictionBuffer(cfg.LRUCapacity)
	if err != nil {
		return nil, err
	}
	owners, err := NewOwnershipCache(cfg.CacheCapacity)
	if err != nil {
		return nil, err
	}
	evictPool, err := NewBufferPool("evict", cfg.PoolSize, cfg.PoolBatch, alloc)
	if err != nil {
		return nil, err
	}
	readPool, err := NewBufferPool("read", cfg.PoolSize, cfg.PoolBatch, alloc)
	if err != nil {
		evictPool.Close()
		return nil, err
	}

	e := &Engine{
		config:     cfg,
		registry:   registry,
		node:       upid.NodeID(),
		regions:    xsync.NewMapOf[RegionID, *Region](),
		closing:    xsync.NewMapOf[RegionID, *Region](),
		lru:        lru,
		owners:     owners,
		writes:     NewPendingList[*writeItem]("write"),
		prefetches: NewPendingList[*Region]("prefetch"),
		evictPool:  evictPool,
		readPool:   readPool,
		stats:      NewStats(),
		shutdown:   make(chan error, 1),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.writer = newWriteBackWorker(e.writes, cfg.WriteBatchSize, e.stats)
	e.prefetcher = newPrefetchWorker(e.prefetches, e.owners, e.readPool,
		cfg.PrefetchBatchSize, e.stats)

	return e, nil
}

// SetConfigJson reconfigures the engine from JSON.
func (e *Engine) SetConfigJson(configJson string) error {
	cfg := e.GetConfig()
	if err := json.Unmarshal([]byte(configJson), cfg); err != nil {
		return errors.Wrap(err, "invalid engine configuration")
	}
	return e.SetConfig(cfg)
}

// SetConfig reconfigures the engine. The sizes of the buffer pools and the
// batches can only be set when the engine is created.
func (e *Engine) SetConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := e.ResizeLRU(cfg.LRUCapacity); err != nil {
		return err
	}
	if err := e.ResizeCache(cfg.CacheCapacity); err != nil {
		return err
	}

	e.Lock()
	defer e.Unlock()
	cfg = cfg.Copy()
	cfg.LRUCapacity = e.lru.Capacity()
	cfg.CacheCapacity = e.owners.Capacity()
	cfg.WriteBatchSize = e.config.WriteBatchSize
	cfg.PrefetchBatchSize = e.config.PrefetchBatchSize
	cfg.PoolSize = e.config.PoolSize
	cfg.PoolBatch = e.config.PoolBatch
	e.config = cfg

	return nil
}

// GetConfig returns a copy of the current configuration.
func (e *Engine) GetConfig() *Config {
	e.Lock()
	defer e.Unlock()
	return e.config.Copy()
}

// Start starts the background workers.
func (e *Engine) Start() error {
	e.Lock()
	defer e.Unlock()

	if e.stopped {
		return ErrClosed
	}
	if e.started {
		return nil
	}
	e.started = true

	e.writer.Start(e.ctx)
	e.prefetcher.Start(e.ctx)
	if interval := e.config.LivenessInterval.Std(); interval > 0 {
		go e.purger(interval)
	}

	log.Info("engine started, LRU %d pages, page cache %d pages, store %s",
		e.config.LRUCapacity, e.config.CacheCapacity, e.config.Store.Backend)

	return nil
}

// Stop tears down all regions, flushing their resident pages to the store,
// and stops the background workers.
func (e *Engine) Stop(ctx context.Context) error {
	e.Lock()
	if e.stopped {
		e.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	e.Unlock()

	var result *multierror.Error
	for _, r := range e.Regions() {
		if err := e.TeardownRegion(ctx, r.ID, TeardownFlush); err != nil {
			result = multierror.Append(result, err)
		}
	}
	e.teardowns.Wait()

	e.cancel()
	if started {
		<-e.writer.Done()
		<-e.prefetcher.Done()
	}
	e.evictPool.Close()
	e.readPool.Close()

	log.Info("engine stopped")

	return result.ErrorOrNil()
}

// RequestShutdown asks the owner of the engine to shut down.
func (e *Engine) RequestShutdown(reason error) {
	select {
	case e.shutdown <- reason:
	default:
	}
}

// ShutdownRequested returns the channel shutdown requests are sent to.
func (e *Engine) ShutdownRequested() <-chan error {
	return e.shutdown
}

// OnUnregister adds a function called when a region is unregistered.
func (e *Engine) OnUnregister(fn func(*Region)) {
	e.Lock()
	defer e.Unlock()
	e.unregister = append(e.unregister, fn)
}

// AddRegion registers a region of process pid faulting through mapper.
func (e *Engine) AddRegion(pid int, mapper PageMapper) (*Region, error) {
	cfg := e.GetConfig()

	e.Lock()
	stopped := e.stopped
	e.Unlock()
	if stopped {
		return nil, ErrClosed
	}

	id, err := upid.Allocate(e.registry, e.node, uint32(pid))
	if err != nil {
		return nil, errors.Wrapf(err, "pid %d: failed to allocate unique id", pid)
	}

	st, err := store.New(cfg.Store.Backend, store.Options{
		Config:      cfg.Store.Config,
		Namespace:   id.String(),
		Compression: cfg.Store.Compression,
	})
	if err != nil {
		if rerr := e.registry.Remove(id); rerr != nil {
			log.Warn("failed to remove unique id %s: %v", id, rerr)
		}
		return nil, errors.Wrapf(err, "pid %d: failed to create store", pid)
	}

	r := newRegion(id, pid, mapper, st)
	e.regions.Store(r.ID, r)

	log.Info("registered region %s of pid %d (%s)", r.ID, pid, id.Describe())

	return r, nil
}

// Region looks up a registered region.
func (e *Engine) Region(id RegionID) (*Region, bool) {
	return e.regions.Load(id)
}

// Regions returns all registered regions ordered by id.
func (e *Engine) Regions() []*Region {
	regions := make([]*Region, 0, e.regions.Size())
	e.regions.Range(func(_ RegionID, r *Region) bool {
		regions = append(regions, r)
		return true
	})
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].ID < regions[j].ID
	})
	return regions
}

// ListPids returns the registered regions ordered by pid.
func (e *Engine) ListPids() []RegionInfo {
	regions := e.Regions()
	infos := make([]RegionInfo, 0, len(regions))
	for _, r := range regions {
		infos = append(infos, r.Info())
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].Pid < infos[j].Pid
	})
	return infos
}

// ScheduleTeardown tears down a region in the background.
func (e *Engine) ScheduleTeardown(id RegionID, mode TeardownMode) {
	timeout := e.GetConfig().TeardownTimeout.Std()

	e.teardowns.Add(1)
	go func() {
		defer e.teardowns.Done()

		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		err := e.TeardownRegion(ctx, id, mode)
		switch {
		case errors.Is(err, ErrUnknownRegion):
			log.Debug("region %s already torn down", id)
		case err != nil:
			log.Error("failed to tear down region %s: %v", id, err)
		}
	}()
}

// TeardownRegion unregisters a region and drops all of its state.
func (e *Engine) TeardownRegion(ctx context.Context, id RegionID, mode TeardownMode) error {
	r, ok := e.regions.Load(id)
	if !ok {
		return errors.Wrapf(ErrUnknownRegion, "region %s", id)
	}
	if _, loaded := e.closing.LoadOrStore(id, r); loaded {
		return errors.Wrapf(ErrUnknownRegion, "region %s", id)
	}
	defer e.closing.Delete(id)
	e.regions.Delete(id)

	log.Info("tearing down region %s of pid %d (%s)", id, r.Pid, mode)

	e.Lock()
	hooks := append([]func(*Region){}, e.unregister...)
	e.Unlock()
	for _, fn := range hooks {
		fn(r)
	}

	var result *multierror.Error

	// Faults are done once killed, evictions of other regions' faults can
	// still push out pages of this one until it is closed.
	r.kill(mode == TeardownFlush)
	if mode == TeardownFlush {
		for _, key := range e.lru.RemoveAllForRegion(id) {
			err := e.evictOwned(r, key)
			if err == nil || errors.Is(err, errZeroPageLeft) {
				continue
			}
			result = multierror.Append(result, err)
			if errors.Is(err, ErrRegionDead) {
				break
			}
		}
	}
	r.close()

	if err := e.writer.Flush(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "failed to flush write list"))
	}
	if err := e.prefetcher.Flush(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "failed to flush prefetch list"))
	}

	writes, inFlight := e.writes.RemoveRegion(id)
	for _, item := range writes {
		item.buf.Release()
	}
	if inFlight > 0 {
		log.Warn("region %s: %d pages still being written", id, inFlight)
	}
	e.prefetches.RemoveRegion(id)

	e.lru.RemoveAllForRegion(id)
	remote := e.owners.RemoveAllForRegion(id)

	if mode == TeardownDiscard {
		removed := 0
		for _, key := range remote {
			ok, err := r.Store.Remove(store.Key(key.Addr))
			if err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "failed to remove page %s", key))
				continue
			}
			if ok {
				removed++
			}
		}
		log.Debug("region %s: removed %d of %d remote pages", id, removed, len(remote))
	}

	if err := e.registry.Remove(r.UPID); err != nil {
		result = multierror.Append(result, errors.Wrapf(err, "failed to remove unique id %s", r.UPID))
	}
	if err := r.Mapper.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "failed to close region"))
	}
	if err := r.Store.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "failed to close store"))
	}

	return result.ErrorOrNil()
}

// DisconnectPid tears down all regions of a process, returning their number.
func (e *Engine) DisconnectPid(ctx context.Context, pid int) (int, error) {
	var (
		result *multierror.Error
		count  int
	)
	for _, r := range e.Regions() {
		if r.Pid != pid {
			continue
		}
		if err := e.TeardownRegion(ctx, r.ID, TeardownDiscard); err != nil {
			result = multierror.Append(result, err)
		}
		count++
	}
	return count, result.ErrorOrNil()
}

// PurgeDead tears down the regions of processes which are gone and drops
// their unique ids of this node from the registry. It returns the number
// of regions torn down.
func (e *Engine) PurgeDead(ctx context.Context) (int, error) {
	var (
		result *multierror.Error
		count  int
	)

	active := map[upid.UPID]struct{}{}
	for _, r := range e.Regions() {
		if upid.Alive(r.Pid) {
			active[r.UPID] = struct{}{}
			continue
		}
		log.Info("pid %d of region %s is gone", r.Pid, r.ID)
		if err := e.TeardownRegion(ctx, r.ID, TeardownDiscard); err != nil {
			result = multierror.Append(result, err)
		}
		count++
	}

	upids, err := e.registry.List()
	if err != nil {
		return count, multierror.Append(result, errors.Wrap(err, "failed to list unique ids")).ErrorOrNil()
	}
	for _, u := range upids {
		if _, ok := active[u]; ok || u.Node() != e.node || upid.Alive(int(u.Pid())) {
			continue
		}
		if _, ok := e.regions.Load(RegionID(u)); ok {
			continue
		}
		log.Info("removing stale unique id %s", u.Describe())
		if err := e.registry.Remove(u); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return count, result.ErrorOrNil()
}

func (e *Engine) purger(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.PurgeDead(e.ctx); err != nil {
				log.Error("failed to purge dead regions: %v", err)
			}
		}
	}
}

// Usage returns the usage of the servers behind the store of the first
// region, nil if there are no regions.
func (e *Engine) Usage() ([]store.ServerUsage, error) {
	regions := e.Regions()
	if len(regions) == 0 {
		return nil, nil
	}
	return regions[0].Store.Usage()
}

// ResizeLRU changes the number of resident pages, evicting pages that no
// longer fit.
func (e *Engine) ResizeLRU(capacity int) error {
	victims, err := e.lru.Resize(capacity)
	if err != nil {
		return err
	}
	e.Lock()
	e.config.LRUCapacity = capacity
	e.Unlock()

	for _, key := range victims {
		e.evictVictim(key)
	}
	return nil
}

// ResizeCache changes the number of locally cached pages.
func (e *Engine) ResizeCache(capacity int) error {
	if err := e.owners.Resize(capacity); err != nil {
		return err
	}
	e.Lock()
	e.config.CacheCapacity = capacity
	e.Unlock()
	return nil
}

// Stats returns the stats of the engine.
func (e *Engine) Stats() *Stats {
	return e.stats
}

// EngineState is a snapshot of the sizes of the engine structures.
type EngineState struct {
	Regions       int
	LRUSize       int
	LRUCapacity   int
	CacheSize     int
	CacheCapacity int
	Pages         int
	WriteList     int
	PrefetchList  int
}

// State returns the current sizes of the engine structures.
func (e *Engine) State() EngineState {
	return EngineState{
		Regions:       e.regions.Size(),
		LRUSize:       e.lru.Len(),
		LRUCapacity:   e.lru.Capacity(),
		CacheSize:     e.owners.CachedLen(),
		CacheCapacity: e.owners.Capacity(),
		Pages:         e.owners.Len(),
		WriteList:     e.writes.Len(),
		PrefetchList:  e.prefetches.Len(),
	}
}

// invariant reports a page state error.
func (e *Engine) invariant(err error) {
	if err == nil {
		return
	}
	if e.GetConfig().ExitOnRecoverableError {
		e.RequestShutdown(err)
	}
}
