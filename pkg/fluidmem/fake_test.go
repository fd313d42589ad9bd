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
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/intel/fluidmem/pkg/store"
	"github.com/intel/fluidmem/pkg/upid"
)

// fakeMapper keeps the pages of a fake application in memory.
type fakeMapper struct {
	sync.Mutex
	mem       map[uint64][]byte
	zero      map[uint64]bool // still the kernel zero page
	moveErr   map[uint64]error
	dead      bool
	closed    bool
	zeroes    int
	copies    int
	moves     int
	wakes     int
	moveCalls int
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{
		mem:     make(map[uint64][]byte),
		zero:    make(map[uint64]bool),
		moveErr: make(map[uint64]error),
	}
}

func (m *fakeMapper) PlaceZero(addr uint64) error {
	m.Lock()
	defer m.Unlock()
	if m.dead {
		return unix.ESRCH
	}
	if _, ok := m.mem[addr]; ok {
		return unix.EEXIST
	}
	m.mem[addr] = make([]byte, PageSize)
	m.zero[addr] = true
	m.zeroes++
	return nil
}

func (m *fakeMapper) PlaceData(addr uint64, buf *PageBuffer) error {
	m.Lock()
	defer m.Unlock()
	if m.dead {
		return unix.ESRCH
	}
	if _, ok := m.mem[addr]; ok {
		return unix.EEXIST
	}
	m.mem[addr] = append([]byte(nil), buf.Bytes()...)
	m.copies++
	return nil
}

func (m *fakeMapper) MoveOut(addr uint64, buf *PageBuffer) error {
	m.Lock()
	defer m.Unlock()
	m.moveCalls++
	if m.dead {
		return unix.ESRCH
	}
	if err, ok := m.moveErr[addr]; ok {
		return err
	}
	data, ok := m.mem[addr]
	if !ok {
		return unix.ENOENT
	}
	if m.zero[addr] {
		return unix.EBUSY
	}
	copy(buf.Bytes(), data)
	delete(m.mem, addr)
	m.moves++
	return nil
}

func (m *fakeMapper) Wake(addr uint64) error {
	m.Lock()
	defer m.Unlock()
	if m.dead {
		return unix.ESRCH
	}
	m.wakes++
	return nil
}

func (m *fakeMapper) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}

// write stores data at a mapped page, like a write by the application.
func (m *fakeMapper) write(t *testing.T, addr uint64, data []byte) {
	m.Lock()
	defer m.Unlock()
	page, ok := m.mem[addr]
	require.True(t, ok, "write to unmapped page 0x%x", addr)
	copy(page, data)
	m.zero[addr] = false
}

// read returns the contents of a page, nil if it is not mapped.
func (m *fakeMapper) read(addr uint64) []byte {
	m.Lock()
	defer m.Unlock()
	if page, ok := m.mem[addr]; ok {
		return append([]byte(nil), page...)
	}
	return nil
}

func (m *fakeMapper) mapped(addr uint64) bool {
	m.Lock()
	defer m.Unlock()
	_, ok := m.mem[addr]
	return ok
}

// drop unmaps a page, like madvise(MADV_DONTNEED) by the application.
func (m *fakeMapper) drop(addr uint64) {
	m.Lock()
	defer m.Unlock()
	delete(m.mem, addr)
	delete(m.zero, addr)
}

// isZero checks if a page is still the kernel zero page.
func (m *fakeMapper) isZero(addr uint64) bool {
	m.Lock()
	defer m.Unlock()
	return m.zero[addr]
}

func (m *fakeMapper) kill() {
	m.Lock()
	defer m.Unlock()
	m.dead = true
}

// testStore wraps a store, counting calls and optionally blocking writes.
type testStore struct {
	store.Store
	sync.Mutex
	gate       chan struct{}
	writing    chan struct{}
	writes     int
	reads      int
	multiReads int
	removed    []store.Key
	failWrites int
	closed     bool
}

func newTestStore(t *testing.T) *testStore {
	s, err := store.New("memory", store.Options{})
	require.NoError(t, err)
	return &testStore{Store: s}
}

// block makes writes wait until unblock is called.
func (s *testStore) block() {
	s.Lock()
	defer s.Unlock()
	s.gate = make(chan struct{})
	s.writing = make(chan struct{}, 16)
}

func (s *testStore) unblock() {
	s.Lock()
	defer s.Unlock()
	close(s.gate)
}

func (s *testStore) MultiWrite(keys []store.Key, data [][]byte) error {
	s.Lock()
	gate, writing := s.gate, s.writing
	if s.failWrites > 0 {
		s.failWrites--
		s.Unlock()
		return store.ErrTemporary
	}
	s.writes += len(keys)
	s.Unlock()

	if gate != nil {
		writing <- struct{}{}
		<-gate
	}
	return s.Store.MultiWrite(keys, data)
}

func (s *testStore) Write(key store.Key, data []byte) error {
	return s.MultiWrite([]store.Key{key}, [][]byte{data})
}

func (s *testStore) Read(key store.Key, buf []byte) (int, error) {
	s.Lock()
	s.reads++
	s.Unlock()
	return s.Store.Read(key, buf)
}

func (s *testStore) MultiRead(keys []store.Key, bufs [][]byte) ([]int, error) {
	s.Lock()
	s.multiReads++
	s.reads += len(keys)
	s.Unlock()
	return s.Store.MultiRead(keys, bufs)
}

func (s *testStore) Remove(key store.Key) (bool, error) {
	s.Lock()
	s.removed = append(s.removed, key)
	s.Unlock()
	return s.Store.Remove(key)
}

// Close only marks the store closed, keeping the pages for inspection.
func (s *testStore) Close() error {
	s.Lock()
	defer s.Unlock()
	s.closed = true
	return nil
}

func (s *testStore) counts() (writes, reads int) {
	s.Lock()
	defer s.Unlock()
	return s.writes, s.reads
}

func (s *testStore) has(t *testing.T, key store.Key) []byte {
	buf := make([]byte, PageSize)
	n, err := s.Store.Read(key, buf)
	require.NoError(t, err)
	if n == 0 {
		return nil
	}
	return buf[:n]
}

// testConfig returns a small configuration for tests.
func testConfig(lru, cache int) *Config {
	cfg := DefaultConfig()
	cfg.LRUCapacity = lru
	cfg.CacheCapacity = cache
	cfg.PoolSize = 8
	cfg.PoolBatch = 2
	cfg.WriteBatchSize = 1000
	cfg.LivenessInterval = 0
	cfg.TeardownTimeout = 0
	return cfg
}

// newTestEngine creates an engine with heap buffers and a local registry.
func newTestEngine(t *testing.T, cfg *Config) *Engine {
	e, err := newEngine(cfg, upid.NewLocal(), HeapAllocator())
	require.NoError(t, err)
	t.Cleanup(func() {
		e.cancel()
		e.evictPool.Close()
		e.readPool.Close()
	})
	return e
}

// newTestRegion registers a region with a fake mapper and a test store.
func newTestRegion(t *testing.T, e *Engine, pid int) (*Region, *fakeMapper, *testStore) {
	m := newFakeMapper()
	r, err := e.AddRegion(pid, m)
	require.NoError(t, err)
	require.NoError(t, r.Store.Close())
	s := newTestStore(t)
	r.Store = s
	return r, m, s
}

// pageOf returns a page filled with b.
func pageOf(b byte) []byte {
	return bytes.Repeat([]byte{b}, PageSize)
}

// addr returns the address of the nth page of the test regions.
func addr(n int) uint64 {
	return 0x7f0000000000 + uint64(n)*PageSize
}
