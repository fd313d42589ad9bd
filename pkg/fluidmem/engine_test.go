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
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel/fluidmem/pkg/store"
	"github.com/intel/fluidmem/pkg/testutils"
	"github.com/intel/fluidmem/pkg/upid"
)

func fault(t *testing.T, e *Engine, r *Region, n int) {
	t.Helper()
	require.NoError(t, e.HandleFault(r.ID, addr(n)+17))
}

func requireState(t *testing.T, e *Engine, r *Region, n int, want PageState) {
	t.Helper()
	state, ok := e.owners.Lookup(NewPageKey(r.ID, addr(n)))
	require.True(t, ok, "page %d has no state", n)
	require.Equal(t, want, state, "page %d", n)
}

func flushWrites(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.writer.Flush(context.Background()))
}

func flushPrefetches(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.prefetcher.Flush(context.Background()))
}

// deadPid returns the pid of a process which has exited.
func deadPid(t *testing.T) int {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestFirstTouch(t *testing.T) {
	e := newTestEngine(t, testConfig(4, 4))
	r, m, s := newTestRegion(t, e, os.Getpid())

	fault(t, e, r, 0)

	require.True(t, m.mapped(addr(0)))
	require.Equal(t, 1, m.zeroes)
	requireState(t, e, r, 0, Application{})
	require.True(t, e.lru.Contains(NewPageKey(r.ID, addr(0))))
	writes, reads := s.counts()
	require.Zero(t, writes)
	require.Zero(t, reads)

	snap := e.Stats().Snapshot()
	require.EqualValues(t, 1, snap.Faults)
	require.EqualValues(t, 1, snap.ZeroPages)
}

func TestUnknownRegion(t *testing.T) {
	e := newTestEngine(t, testConfig(4, 4))
	require.ErrorIs(t, e.HandleFault(12345, addr(0)), ErrUnknownRegion)
}

func TestDuplicateFault(t *testing.T) {
	e := newTestEngine(t, testConfig(4, 4))
	r, m, _ := newTestRegion(t, e, os.Getpid())

	fault(t, e, r, 0)
	fault(t, e, r, 0)

	require.Equal(t, 1, m.zeroes)
	require.Equal(t, 1, m.wakes)
	require.EqualValues(t, 1, e.Stats().Snapshot().DuplicateFault)
}

func TestRemoteRoundTrip(t *testing.T) {
	e := newTestEngine(t, testConfig(2, 4))
	r, m, s := newTestRegion(t, e, os.Getpid())

	fault(t, e, r, 0)
	m.write(t, addr(0), pageOf(0xa))
	fault(t, e, r, 1)
	m.write(t, addr(1), pageOf(0xb))

	// LRU holds {0, 1}, faulting 2 pushes out 0
	fault(t, e, r, 2)
	require.False(t, m.mapped(addr(0)))
	requireState(t, e, r, 0, Remote{})
	require.True(t, e.writes.Contains(NewPageKey(r.ID, addr(0))))
	verifyKeys(t, []PageKey{NewPageKey(r.ID, addr(1)), NewPageKey(r.ID, addr(2))}, e.lru.Keys())

	flushWrites(t, e)
	require.Equal(t, pageOf(0xa), s.has(t, store.Key(addr(0))))
	require.Zero(t, e.writes.Len())

	fault(t, e, r, 0)
	require.Equal(t, pageOf(0xa), m.read(addr(0)))
	requireState(t, e, r, 0, Application{})
	requireState(t, e, r, 1, Remote{})
	require.False(t, m.mapped(addr(1)))

	flushWrites(t, e)
	fault(t, e, r, 1)
	require.Equal(t, pageOf(0xb), m.read(addr(1)))

	require.Equal(t, 2, m.copies)
	snap := e.Stats().Snapshot()
	require.EqualValues(t, 2, snap.CacheMisses)
	require.EqualValues(t, 2, snap.PlacedPages)
}

func TestZeroPageSkipsWrite(t *testing.T) {
	e := newTestEngine(t, testConfig(1, 4))
	r, m, s := newTestRegion(t, e, os.Getpid())

	fault(t, e, r, 0)
	m.write(t, addr(0), make([]byte, PageSize))
	fault(t, e, r, 1)

	requireState(t, e, r, 0, Remote{Zero: true})
	require.False(t, e.writes.Contains(NewPageKey(r.ID, addr(0))))
	flushWrites(t, e)

	fault(t, e, r, 0)
	require.Equal(t, make([]byte, PageSize), m.read(addr(0)))

	writes, reads := s.counts()
	require.Zero(t, writes)
	require.Zero(t, reads)
	require.EqualValues(t, 1, e.Stats().Snapshot().WritesAvoided)
}

func TestZeroPageLeftMapped(t *testing.T) {
	e := newTestEngine(t, testConfig(1, 4))
	r, m, _ := newTestRegion(t, e, os.Getpid())
	k0, k1, k2 := NewPageKey(r.ID, addr(0)), NewPageKey(r.ID, addr(1)), NewPageKey(r.ID, addr(2))

	// page 0 is still the zero page, it is put back into the LRU
	fault(t, e, r, 0)
	fault(t, e, r, 1)

	require.True(t, m.mapped(addr(0)))
	require.True(t, m.mapped(addr(1)))
	require.Equal(t, 1, m.moveCalls)
	require.Zero(t, m.moves)
	requireState(t, e, r, 0, Application{})
	requireState(t, e, r, 1, Application{})
	require.True(t, e.lru.Contains(k0))
	require.True(t, e.lru.Contains(k1))
	require.Zero(t, e.writes.Len())
	require.EqualValues(t, 1, e.Stats().Snapshot().ZeroPagesLeft)

	// once written the page is evicted like any other
	m.write(t, addr(0), pageOf(7))
	fault(t, e, r, 2)

	require.False(t, m.mapped(addr(0)))
	requireState(t, e, r, 0, Remote{})
	require.True(t, e.writes.Contains(k0))
	require.False(t, e.lru.Contains(k0))
	require.True(t, e.lru.Contains(k1))
	require.True(t, e.lru.Contains(k2))

	require.Zero(t, e.Evict(10))
	require.Equal(t, 2, e.lru.Len())
}

func TestEvictHole(t *testing.T) {
	e := newTestEngine(t, testConfig(1, 4))
	r, m, s := newTestRegion(t, e, os.Getpid())

	fault(t, e, r, 0)
	m.write(t, addr(0), pageOf(3))
	m.drop(addr(0))
	fault(t, e, r, 1)

	requireState(t, e, r, 0, Remote{Zero: true})
	require.False(t, e.writes.Contains(NewPageKey(r.ID, addr(0))))
	e.teardowns.Wait()
	_, ok := e.Region(r.ID)
	require.True(t, ok, "region torn down after evicting a hole")
	require.Zero(t, e.Stats().Snapshot().InvalidDropped)

	fault(t, e, r, 0)
	require.Equal(t, make([]byte, PageSize), m.read(addr(0)))
	writes, reads := s.counts()
	require.Zero(t, writes)
	require.Zero(t, reads)
}

func TestStealQueuedWrite(t *testing.T) {
	e := newTestEngine(t, testConfig(1, 4))
	r, m, s := newTestRegion(t, e, os.Getpid())

	fault(t, e, r, 0)
	m.write(t, addr(0), pageOf(0x5a))
	fault(t, e, r, 1)
	requireState(t, e, r, 0, Remote{})
	state, _ := e.writes.State(NewPageKey(r.ID, addr(0)))
	require.Equal(t, Queued, state)

	fault(t, e, r, 0)
	require.Equal(t, pageOf(0x5a), m.read(addr(0)))
	requireState(t, e, r, 0, Application{})
	require.False(t, e.writes.Contains(NewPageKey(r.ID, addr(0))))

	flushWrites(t, e)
	writes, reads := s.counts()
	require.Zero(t, writes)
	require.Zero(t, reads)
}

func TestFaultWaitsForInFlightWrite(t *testing.T) {
	e := newTestEngine(t, testConfig(1, 4))
	r, m, s := newTestRegion(t, e, os.Getpid())

	fault(t, e, r, 0)
	m.write(t, addr(0), pageOf(0x77))
	fault(t, e, r, 1)

	s.block()
	flushed := make(chan error, 1)
	go func() {
		flushed <- e.writer.Flush(context.Background())
	}()
	<-s.writing

	state, _ := e.writes.State(NewPageKey(r.ID, addr(0)))
	require.Equal(t, InFlight, state)

	resolved := make(chan error, 1)
	go func() {
		resolved <- e.HandleFault(r.ID, addr(0))
	}()

	select {
	case err := <-resolved:
		t.Fatalf("fault resolved while write in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	s.unblock()
	require.NoError(t, <-flushed)
	require.NoError(t, <-resolved)

	require.Equal(t, pageOf(0x77), m.read(addr(0)))
	requireState(t, e, r, 0, Application{})
	writes, reads := s.counts()
	require.Equal(t, 1, writes)
	require.Equal(t, 1, reads)
}

func TestWriteRetry(t *testing.T) {
	e := newTestEngine(t, testConfig(1, 4))
	r, m, s := newTestRegion(t, e, os.Getpid())

	fault(t, e, r, 0)
	m.write(t, addr(0), pageOf(1))
	fault(t, e, r, 1)

	s.Lock()
	s.failWrites = 2
	s.Unlock()

	flushWrites(t, e)
	require.Equal(t, pageOf(1), s.has(t, store.Key(addr(0))))
	require.EqualValues(t, 2, e.Stats().Snapshot().StoreRetries)
	require.EqualValues(t, 1, e.Stats().Snapshot().WriteBatches)
}

// evictAll writes pages 0..n-1 with data and pushes them to the store.
func evictAll(t *testing.T, e *Engine, r *Region, m *fakeMapper, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		fault(t, e, r, i)
		m.write(t, addr(i), pageOf(byte(i+1)))
	}
	require.NoError(t, e.ResizeLRU(0))
	flushWrites(t, e)
	require.NoError(t, e.ResizeLRU(16))
	for i := 0; i < n; i++ {
		requireState(t, e, r, i, Remote{})
	}
}

func TestAsyncPrefetch(t *testing.T) {
	cfg := testConfig(16, 8)
	cfg.Prefetch = true
	cfg.AsyncPrefetch = true
	cfg.PrefetchSize = 2
	e := newTestEngine(t, cfg)
	r, m, s := newTestRegion(t, e, os.Getpid())

	evictAll(t, e, r, m, 6)

	fault(t, e, r, 0)
	require.Zero(t, e.prefetches.Len())
	fault(t, e, r, 1)
	verifyKeys(t, []PageKey{NewPageKey(r.ID, addr(2)), NewPageKey(r.ID, addr(3))}, e.prefetches.Keys())

	flushPrefetches(t, e)
	require.Zero(t, e.prefetches.Len())
	state, _ := e.owners.Lookup(NewPageKey(r.ID, addr(2)))
	require.Equal(t, TierCache, state.Tier())
	require.Equal(t, 2, e.owners.CachedLen())

	_, readsBefore := s.counts()
	fault(t, e, r, 2)
	_, readsAfter := s.counts()
	require.Equal(t, readsBefore, readsAfter)
	require.Equal(t, pageOf(3), m.read(addr(2)))
	requireState(t, e, r, 2, Application{})

	snap := e.Stats().Snapshot()
	require.EqualValues(t, 1, snap.CacheHits)
	require.GreaterOrEqual(t, snap.PrefetchIssued, uint64(2))
}

func TestQueuedPrefetchCancelled(t *testing.T) {
	cfg := testConfig(16, 8)
	cfg.Prefetch = true
	cfg.PrefetchSize = 2
	e := newTestEngine(t, cfg)
	r, m, _ := newTestRegion(t, e, os.Getpid())

	evictAll(t, e, r, m, 4)

	fault(t, e, r, 0)
	fault(t, e, r, 1)
	require.True(t, e.prefetches.Contains(NewPageKey(r.ID, addr(2))))

	fault(t, e, r, 2)
	require.False(t, e.prefetches.Contains(NewPageKey(r.ID, addr(2))))
	require.Equal(t, pageOf(3), m.read(addr(2)))
}

func TestSyncPrefetch(t *testing.T) {
	cfg := testConfig(16, 8)
	cfg.Prefetch = true
	cfg.AsyncPrefetch = false
	cfg.PrefetchSize = 2
	e := newTestEngine(t, cfg)
	r, m, s := newTestRegion(t, e, os.Getpid())

	evictAll(t, e, r, m, 6)

	fault(t, e, r, 0)
	fault(t, e, r, 1)
	require.Equal(t, 1, s.multiReads)
	require.Equal(t, pageOf(2), m.read(addr(1)))
	require.Zero(t, e.prefetches.Len())

	for _, n := range []int{2, 3} {
		state, _ := e.owners.Lookup(NewPageKey(r.ID, addr(n)))
		require.Equal(t, TierCache, state.Tier(), "page %d", n)
	}
	requireState(t, e, r, 4, Remote{})
}

func TestZeroPagesNotPrefetched(t *testing.T) {
	cfg := testConfig(16, 8)
	cfg.Prefetch = true
	cfg.PrefetchSize = 2
	e := newTestEngine(t, cfg)
	r, m, _ := newTestRegion(t, e, os.Getpid())

	for i := 0; i < 4; i++ {
		fault(t, e, r, i)
		m.write(t, addr(i), pageOf(byte(i+1)))
	}
	m.write(t, addr(2), make([]byte, PageSize))
	require.NoError(t, e.ResizeLRU(0))
	flushWrites(t, e)
	require.NoError(t, e.ResizeLRU(16))
	requireState(t, e, r, 2, Remote{Zero: true})

	fault(t, e, r, 0)
	fault(t, e, r, 1)
	verifyKeys(t, []PageKey{NewPageKey(r.ID, addr(3))}, e.prefetches.Keys())
}

func TestTeardownDiscard(t *testing.T) {
	cfg := testConfig(2, 8)
	cfg.Prefetch = true
	cfg.PrefetchSize = 1
	e := newTestEngine(t, cfg)
	r, m, s := newTestRegion(t, e, os.Getpid())
	other, om, _ := newTestRegion(t, e, os.Getpid())

	for i := 0; i < 6; i++ {
		fault(t, e, r, i)
		m.write(t, addr(i), pageOf(byte(i+1)))
	}
	fault(t, e, other, 0)
	om.write(t, addr(0), pageOf(9))
	flushWrites(t, e)
	fault(t, e, r, 1)
	fault(t, e, r, 2)
	flushPrefetches(t, e)
	fault(t, e, r, 4)

	require.NotZero(t, e.owners.RegionLen(r.ID))
	require.NotZero(t, e.writes.RegionLen(r.ID))

	require.NoError(t, e.TeardownRegion(context.Background(), r.ID, TeardownDiscard))

	require.Zero(t, e.owners.RegionLen(r.ID))
	require.Zero(t, e.writes.RegionLen(r.ID))
	require.Zero(t, e.prefetches.RegionLen(r.ID))
	for _, key := range e.lru.Keys() {
		require.NotEqual(t, r.ID, key.Region)
	}
	require.True(t, m.closed)
	require.True(t, s.closed)
	require.Contains(t, s.removed, store.Key(addr(0)))
	require.Contains(t, s.removed, store.Key(addr(3)))
	require.NotContains(t, s.removed, store.Key(addr(2)))

	_, ok := e.Region(r.ID)
	require.False(t, ok)
	upids, err := e.registry.List()
	require.NoError(t, err)
	require.Equal(t, []upid.UPID{other.UPID}, upids)

	require.ErrorIs(t, e.HandleFault(r.ID, addr(0)), ErrUnknownRegion)
	require.ErrorIs(t, e.TeardownRegion(context.Background(), r.ID, TeardownDiscard), ErrUnknownRegion)

	require.NotZero(t, e.owners.RegionLen(other.ID))
}

func TestTeardownFlush(t *testing.T) {
	e := newTestEngine(t, testConfig(4, 8))
	r, m, s := newTestRegion(t, e, os.Getpid())

	for i := 0; i < 3; i++ {
		fault(t, e, r, i)
		m.write(t, addr(i), pageOf(byte(i+1)))
	}

	require.NoError(t, e.TeardownRegion(context.Background(), r.ID, TeardownFlush))

	require.Empty(t, s.removed)
	for i := 0; i < 3; i++ {
		require.Equal(t, pageOf(byte(i+1)), s.has(t, store.Key(addr(i))))
	}
	require.Zero(t, e.lru.Len())
	require.Zero(t, e.owners.Len())
}

func TestDeadRegion(t *testing.T) {
	e := newTestEngine(t, testConfig(1, 4))
	r, m, _ := newTestRegion(t, e, os.Getpid())

	fault(t, e, r, 0)
	m.write(t, addr(0), pageOf(1))
	m.kill()

	err := e.HandleFault(r.ID, addr(1))
	require.ErrorIs(t, err, ErrRegionDead)
	require.EqualValues(t, 1, e.Stats().Snapshot().InvalidDropped)

	// evicting a page of a dead region tears it down
	require.Equal(t, 0, e.Evict(1))
	testutils.Eventually(t, time.Second, func() bool {
		_, ok := e.Region(r.ID)
		return !ok
	}, "dead region not torn down")
	e.teardowns.Wait()
	require.Zero(t, e.owners.RegionLen(r.ID))
}

func TestEvictWhileTearingDown(t *testing.T) {
	e := newTestEngine(t, testConfig(4, 4))
	flushed, fm, fs := newTestRegion(t, e, os.Getpid())
	discarded, dm, _ := newTestRegion(t, e, os.Getpid())

	for _, r := range []*Region{flushed, discarded} {
		fault(t, e, r, 0)
	}
	fm.write(t, addr(0), pageOf(9))
	dm.write(t, addr(0), pageOf(9))

	// pages popped from the LRU by faults of other regions
	fk, dk := NewPageKey(flushed.ID, addr(0)), NewPageKey(discarded.ID, addr(0))
	require.True(t, e.lru.Remove(fk))
	require.True(t, e.lru.Remove(dk))

	for _, tc := range []struct {
		r     *Region
		flush bool
	}{
		{flushed, true},
		{discarded, false},
	} {
		tc.r.kill(tc.flush)
		e.closing.Store(tc.r.ID, tc.r)
		e.regions.Delete(tc.r.ID)
	}

	require.True(t, e.evictVictim(fk))
	requireState(t, e, flushed, 0, Remote{})
	require.False(t, fm.mapped(addr(0)))
	flushWrites(t, e)
	require.Equal(t, pageOf(9), fs.has(t, store.Key(addr(0))))

	require.False(t, e.evictVictim(dk))
	requireState(t, e, discarded, 0, Application{})
	require.True(t, dm.mapped(addr(0)))

	flushed.close()
	late := NewPageKey(flushed.ID, addr(1))
	e.owners.MarkApplication(late)
	require.False(t, e.evictVictim(late))
	requireState(t, e, flushed, 1, Application{})
}

func TestDisconnectAndListPids(t *testing.T) {
	e := newTestEngine(t, testConfig(4, 4))
	r1, _, _ := newTestRegion(t, e, 100)
	r2, _, _ := newTestRegion(t, e, 100)
	r3, _, _ := newTestRegion(t, e, 50)

	infos := e.ListPids()
	require.Len(t, infos, 3)
	require.Equal(t, 50, infos[0].Pid)
	require.Equal(t, r3.ID, infos[0].ID)

	cnt, err := e.DisconnectPid(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, 2, cnt)
	for _, r := range []*Region{r1, r2} {
		_, ok := e.Region(r.ID)
		require.False(t, ok)
	}
	require.Len(t, e.ListPids(), 1)

	usage, err := e.Usage()
	require.NoError(t, err)
	require.Len(t, usage, 1)
}

func TestPurgeDead(t *testing.T) {
	e := newTestEngine(t, testConfig(4, 4))
	pid, stalePid := deadPid(t), deadPid(t)

	live, _, _ := newTestRegion(t, e, os.Getpid())
	dead, _, _ := newTestRegion(t, e, pid)
	stale := upid.New(e.node, uint32(stalePid), 7)
	require.NoError(t, e.registry.Add(stale))
	foreign := upid.New(e.node+1, uint32(stalePid), 7)
	require.NoError(t, e.registry.Add(foreign))

	cnt, err := e.PurgeDead(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, cnt)

	_, ok := e.Region(dead.ID)
	require.False(t, ok)
	_, ok = e.Region(live.ID)
	require.True(t, ok)

	upids, err := e.registry.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []upid.UPID{live.UPID, foreign}, upids)
}

func TestSetConfigJson(t *testing.T) {
	e := newTestEngine(t, testConfig(4, 4))
	r, m, _ := newTestRegion(t, e, os.Getpid())
	for i := 0; i < 4; i++ {
		fault(t, e, r, i)
		m.write(t, addr(i), pageOf(1))
	}

	require.NoError(t, e.SetConfigJson(`{"lruCapacity": 1, "prefetch": true, "poolSize": 1000}`))
	cfg := e.GetConfig()
	require.Equal(t, 1, cfg.LRUCapacity)
	require.True(t, cfg.Prefetch)
	require.Equal(t, 8, cfg.PoolSize)
	require.Equal(t, 1, e.lru.Len())
	require.Equal(t, 3, e.writes.Len())

	require.Error(t, e.SetConfigJson(`{"lruCapacity": -1}`))
	require.Error(t, e.SetConfigJson(`{`))
}

func TestExitOnRecoverableError(t *testing.T) {
	cfg := testConfig(4, 4)
	cfg.ExitOnRecoverableError = true
	e := newTestEngine(t, cfg)
	r, _, _ := newTestRegion(t, e, os.Getpid())

	err := e.evictKey(r, NewPageKey(r.ID, addr(3)))
	require.ErrorIs(t, err, ErrInvariant)

	select {
	case reason := <-e.ShutdownRequested():
		require.ErrorIs(t, reason, ErrInvariant)
	default:
		t.Fatalf("no shutdown requested")
	}
}

func TestStartStop(t *testing.T) {
	cfg := testConfig(2, 4)
	cfg.WriteBatchSize = 2
	e, err := newEngine(cfg, upid.NewLocal(), HeapAllocator())
	require.NoError(t, err)
	require.NoError(t, e.Start())

	r, m, s := newTestRegion(t, e, os.Getpid())
	for i := 0; i < 6; i++ {
		fault(t, e, r, i)
		m.write(t, addr(i), pageOf(byte(i+1)))
	}

	testutils.Eventually(t, time.Second, func() bool {
		return s.has(t, store.Key(addr(1))) != nil
	}, "write-back worker did not write pages")

	require.NoError(t, e.Stop(context.Background()))
	require.NoError(t, e.Stop(context.Background()))

	_, ok := e.Region(r.ID)
	require.False(t, ok)
	require.Equal(t, pageOf(6), s.has(t, store.Key(addr(5))))
	require.ErrorIs(t, e.Start(), ErrClosed)

	_, err = e.AddRegion(os.Getpid(), newFakeMapper())
	require.ErrorIs(t, err, ErrClosed)
}

func TestTierExclusivity(t *testing.T) {
	cfg := testConfig(4, 4)
	cfg.Prefetch = true
	cfg.PrefetchSize = 3
	e := newTestEngine(t, cfg)
	r, m, s := newTestRegion(t, e, os.Getpid())

	const pages = 16
	rnd := rand.New(rand.NewSource(1))
	content := make([]byte, pages)
	touched := make([]bool, pages)

	check := func(step int) {
		for _, key := range e.lru.Keys() {
			state, ok := e.owners.Lookup(key)
			require.True(t, ok, "step %d: %s in LRU has no state", step, key)
			require.Equal(t, TierApplication, state.Tier(), "step %d: %s", step, key)
		}
		require.LessOrEqual(t, e.owners.CachedLen(), e.owners.Capacity(), "step %d", step)

		for i := 0; i < pages; i++ {
			state, ok := e.owners.Lookup(NewPageKey(r.ID, addr(i)))
			if !ok {
				require.False(t, touched[i], "step %d: page %d lost its state", step, i)
				continue
			}
			mapped := m.mapped(addr(i))
			switch st := state.(type) {
			case Application:
				require.True(t, mapped, "step %d: page %d", step, i)
				require.True(t, e.lru.Contains(NewPageKey(r.ID, addr(i))), "step %d: page %d", step, i)
			case Cached:
				require.False(t, mapped, "step %d: page %d", step, i)
				require.False(t, st.Buffer.Released(), "step %d: page %d", step, i)
			case Remote:
				require.False(t, mapped, "step %d: page %d", step, i)
			}
			if mapped {
				require.Equal(t, pageOf(content[i]), m.read(addr(i)), "step %d: page %d", step, i)
			}
		}
	}

	for step := 0; step < 2000; step++ {
		i := rnd.Intn(pages)
		switch op := rnd.Intn(10); {
		case op < 6:
			if m.mapped(addr(i)) {
				content[i] = byte(rnd.Intn(3))
				m.write(t, addr(i), pageOf(content[i]))
			} else {
				fault(t, e, r, i)
				touched[i] = true
				// only zero pages are kept over capacity
				written := 0
				for _, key := range e.lru.Keys() {
					if !m.isZero(key.Addr) {
						written++
					}
				}
				require.LessOrEqual(t, written, e.lru.Capacity(), "step %d", step)
			}
		case op < 8:
			e.Evict(1)
		case op < 9:
			flushWrites(t, e)
		default:
			flushPrefetches(t, e)
		}
		check(step)
	}

	var flushed []int
	for i := 0; i < pages; i++ {
		if _, ok := e.owners.Lookup(NewPageKey(r.ID, addr(i))); ok && content[i] != 0 {
			flushed = append(flushed, i)
		}
	}

	require.NoError(t, e.TeardownRegion(context.Background(), r.ID, TeardownFlush))
	for _, i := range flushed {
		require.Equal(t, pageOf(content[i]), s.has(t, store.Key(addr(i))), "page %d", i)
	}
}
