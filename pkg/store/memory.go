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

package store

import (
	"sync"
)

const (
	// MemoryBackend is the name of the in-process backend.
	MemoryBackend = "memory"
)

// Memory is an in-process store. Its configuration string may set
// capacity=<pages> to bound the number of stored pages.
type Memory struct {
	sync.Mutex
	pages    map[Key][]byte
	capacity uint64
	closed   bool
	counters MemoryCounters
}

// MemoryCounters count the operations issued against a Memory store.
type MemoryCounters struct {
	Reads   int
	Writes  int
	Removes int
}

// NewMemory creates an in-process store.
func NewMemory(opts Options) (*Memory, error) {
	capacity, err := parseConfig(opts.Config).uint("capacity", 0)
	if err != nil {
		return nil, err
	}
	return &Memory{
		pages:    make(map[Key][]byte),
		capacity: capacity,
	}, nil
}

func (m *Memory) Write(key Key, data []byte) error {
	return m.MultiWrite([]Key{key}, [][]byte{data})
}

func (m *Memory) MultiWrite(keys []Key, data [][]byte) error {
	if err := checkMulti(keys, len(data)); err != nil {
		return err
	}

	m.Lock()
	defer m.Unlock()

	if m.closed {
		return ErrClosed
	}

	for i, key := range keys {
		if m.isFull(key) {
			return ErrFull
		}
		m.pages[key] = append([]byte(nil), data[i]...)
		m.counters.Writes++
	}

	return nil
}

func (m *Memory) Read(key Key, buf []byte) (int, error) {
	lens, err := m.MultiRead([]Key{key}, [][]byte{buf})
	if err != nil {
		return 0, err
	}
	return lens[0], nil
}

func (m *Memory) MultiRead(keys []Key, bufs [][]byte) ([]int, error) {
	if err := checkMulti(keys, len(bufs)); err != nil {
		return nil, err
	}

	m.Lock()
	defer m.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	lens := make([]int, len(keys))
	for i, key := range keys {
		m.counters.Reads++
		if data, ok := m.pages[key]; ok {
			lens[i] = copy(bufs[i], data)
		}
	}

	return lens, nil
}

func (m *Memory) Remove(key Key) (bool, error) {
	m.Lock()
	defer m.Unlock()

	if m.closed {
		return false, ErrClosed
	}

	m.counters.Removes++
	_, ok := m.pages[key]
	delete(m.pages, key)

	return ok, nil
}

func (m *Memory) IsFull(key Key) bool {
	m.Lock()
	defer m.Unlock()
	return m.isFull(key)
}

func (m *Memory) isFull(key Key) bool {
	if m.capacity == 0 {
		return false
	}
	if _, ok := m.pages[key]; ok {
		return false
	}
	return uint64(len(m.pages)) >= m.capacity
}

func (m *Memory) IsFullAll() bool {
	m.Lock()
	defer m.Unlock()
	return m.capacity != 0 && uint64(len(m.pages)) >= m.capacity
}

func (m *Memory) Usage() ([]ServerUsage, error) {
	m.Lock()
	defer m.Unlock()

	used := uint64(0)
	for _, data := range m.pages {
		used += uint64(len(data))
	}
	usage := ServerUsage{Server: MemoryBackend, Used: used}
	if m.capacity > 0 {
		usage.Capacity = m.capacity * pageSize
		usage.Free = freeOf(usage.Capacity, used)
	}

	return []ServerUsage{usage}, nil
}

func (m *Memory) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	m.pages = nil
	return nil
}

// Len returns the number of stored pages.
func (m *Memory) Len() int {
	m.Lock()
	defer m.Unlock()
	return len(m.pages)
}

// Contains checks if key is stored.
func (m *Memory) Contains(key Key) bool {
	m.Lock()
	defer m.Unlock()
	_, ok := m.pages[key]
	return ok
}

// Counters returns the operation counters of the store.
func (m *Memory) Counters() MemoryCounters {
	m.Lock()
	defer m.Unlock()
	return m.counters
}

// pageSize is used to convert page capacities to bytes.
const pageSize = 4096

func init() {
	Register(MemoryBackend, func(opts Options) (Store, error) {
		return NewMemory(opts)
	})
}
