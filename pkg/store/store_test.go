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
	"bytes"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func page(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, pageSize)
}

// randomish returns a page that does not compress.
func randomish(seed byte) []byte {
	p := make([]byte, pageSize)
	x := uint32(seed) + 1
	for i := range p {
		x = x*1664525 + 1013904223
		p[i] = byte(x >> 24)
	}
	return p
}

// verifyStore runs the common contract checks against a store.
func verifyStore(t *testing.T, s Store) {
	buf := make([]byte, pageSize)

	n, err := s.Read(0x1000, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n, "missing key reads as length 0")

	require.NoError(t, s.Write(0x1000, page(0xaa)))
	n, err = s.Read(0x1000, buf)
	require.NoError(t, err)
	require.Equal(t, pageSize, n)
	require.Equal(t, page(0xaa), buf)

	keys := []Key{0x2000, 0x3000, 0x4000}
	data := [][]byte{randomish(1), page(0xbb), randomish(3)}
	require.NoError(t, s.MultiWrite(keys, data))

	bufs := [][]byte{make([]byte, pageSize), make([]byte, pageSize), make([]byte, pageSize), make([]byte, pageSize)}
	lens, err := s.MultiRead(append(keys, 0x5000), bufs)
	require.NoError(t, err)
	require.Equal(t, []int{pageSize, pageSize, pageSize, 0}, lens)
	for i := range keys {
		require.Equal(t, data[i], bufs[i], "key 0x%x", keys[i])
	}

	// overwrite
	require.NoError(t, s.Write(0x2000, page(0xcc)))
	n, err = s.Read(0x2000, buf)
	require.NoError(t, err)
	require.Equal(t, pageSize, n)
	require.Equal(t, page(0xcc), buf)

	found, err := s.Remove(0x2000)
	require.NoError(t, err)
	require.True(t, found)
	found, err = s.Remove(0x2000)
	require.NoError(t, err)
	require.False(t, found)
	n, err = s.Read(0x2000, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, err = s.MultiRead(keys, bufs[:1])
	require.Error(t, err)

	usage, err := s.Usage()
	require.NoError(t, err)
	require.NotEmpty(t, usage)

	require.NoError(t, s.Close())
	require.Error(t, s.Write(0x1000, page(0)))
}

func TestRegistry(t *testing.T) {
	require.Subset(t, List(), []string{MemoryBackend, MemcachedBackend, BoltBackend})

	_, err := New("no-such-backend", Options{})
	require.Error(t, err)
	require.Equal(t, ErrUnknownBackend, errors.Cause(err))

	s, err := New(MemoryBackend, Options{Compression: CompressionSnappy})
	require.NoError(t, err)
	require.IsType(t, &Compressed{}, s)
	s.Close()

	_, err = New(MemoryBackend, Options{Compression: "zip"})
	require.Error(t, err)
}

func TestMemory(t *testing.T) {
	s, err := New(MemoryBackend, Options{})
	require.NoError(t, err)
	verifyStore(t, s)
}

func TestMemoryCapacity(t *testing.T) {
	m, err := NewMemory(Options{Config: "capacity=2"})
	require.NoError(t, err)

	require.NoError(t, m.Write(1, page(1)))
	require.False(t, m.IsFullAll())
	require.NoError(t, m.Write(2, page(2)))
	require.True(t, m.IsFullAll())
	require.True(t, m.IsFull(3))
	require.False(t, m.IsFull(2), "overwriting needs no room")

	err = m.Write(3, page(3))
	require.Equal(t, ErrFull, err)
	require.True(t, IsTransient(err))
	require.True(t, IsTransient(errors.Wrap(ErrTemporary, "wrapped")))
	require.False(t, IsTransient(ErrClosed))

	usage, err := m.Usage()
	require.NoError(t, err)
	require.Equal(t, []ServerUsage{{Server: MemoryBackend, Capacity: 2 * pageSize, Used: 2 * pageSize, Free: 0}}, usage)

	require.Equal(t, MemoryCounters{Reads: 0, Writes: 2, Removes: 0}, m.Counters())

	_, err = NewMemory(Options{Config: "capacity=lots"})
	require.Error(t, err)
}

func TestBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	s, err := New(BoltBackend, Options{Config: path, Namespace: "r1"})
	require.NoError(t, err)
	verifyStore(t, s)
}

func TestBoltSharedNamespaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	a, err := NewBolt(Options{Config: path, Namespace: "a"})
	require.NoError(t, err)
	b, err := NewBolt(Options{Config: path, Namespace: "b"})
	require.NoError(t, err)
	require.Same(t, a.db, b.db)

	require.NoError(t, a.Write(0x1000, page(1)))
	buf := make([]byte, pageSize)
	n, err := b.Read(0x1000, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n, "namespaces are separate")
	require.Equal(t, 1, a.Len())
	require.Equal(t, 0, b.Len())

	require.NoError(t, a.Close())
	n, err = b.Read(0x1000, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.NoError(t, b.Close())

	// reopening finds the durable data
	a, err = NewBolt(Options{Config: path, Namespace: "a"})
	require.NoError(t, err)
	n, err = a.Read(0x1000, buf)
	require.NoError(t, err)
	require.Equal(t, pageSize, n)
	require.Equal(t, page(1), buf)
	require.NoError(t, a.Close())

	_, err = NewBolt(Options{})
	require.Error(t, err)
}

func TestCompressed(t *testing.T) {
	for _, algo := range []string{CompressionSnappy, CompressionLZ4} {
		t.Run(algo, func(t *testing.T) {
			m, err := NewMemory(Options{})
			require.NoError(t, err)
			c, err := NewCompressed(m, algo)
			require.NoError(t, err)
			require.Equal(t, algo, c.Algorithm())

			// compressible pages are stored smaller than a page
			require.NoError(t, c.Write(0x1000, page(0x11)))
			usage, err := m.Usage()
			require.NoError(t, err)
			require.Less(t, usage[0].Used, uint64(pageSize))

			// incompressible pages are stored raw with a tag
			require.NoError(t, c.Write(0x2000, randomish(7)))
			raw := make([]byte, pageSize+1)
			n, err := m.Read(0x2000, raw)
			require.NoError(t, err)
			require.Equal(t, pageSize+1, n)
			require.Equal(t, tagRaw, raw[0])

			require.NoError(t, m.Write(0x3000, []byte{9, 1, 2}))
			_, err = c.Read(0x3000, make([]byte, pageSize))
			require.Error(t, err)
			_, err = m.Remove(0x3000)
			require.NoError(t, err)

			m.Remove(0x1000)
			m.Remove(0x2000)
			verifyStore(t, c)
		})
	}
}

func TestParseConfig(t *testing.T) {
	c := parseConfig("10.0.0.1:11211,10.0.0.2:11211; capacity=128 ;timeout=100")
	require.Equal(t, "10.0.0.1:11211,10.0.0.2:11211", c.main)
	require.Equal(t, map[string]string{"capacity": "128", "timeout": "100"}, c.params)

	v, err := c.uint("capacity", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(128), v)
	v, err = c.uint("missing", 7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), v)
}
