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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel/fluidmem/pkg/testutils"
)

// countingAllocator counts outstanding pages.
type countingAllocator struct {
	sync.Mutex
	allocated int
	freed     int
}

func (a *countingAllocator) Alloc(n int) ([][]byte, error) {
	a.Lock()
	a.allocated += n
	a.Unlock()
	return heapAllocator{}.Alloc(n)
}

func (a *countingAllocator) Free([]byte) error {
	a.Lock()
	a.freed++
	a.Unlock()
	return nil
}

func (a *countingAllocator) outstanding() int {
	a.Lock()
	defer a.Unlock()
	return a.allocated - a.freed
}

func TestBufferPoolSize(t *testing.T) {
	_, err := NewBufferPool("test", 3, 2, HeapAllocator())
	require.Error(t, err)
}

func TestBufferPoolRefill(t *testing.T) {
	alloc := &countingAllocator{}
	p, err := NewBufferPool("test", 8, 2, alloc)
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, 8, p.Ready())

	var bufs []*PageBuffer
	for i := 0; i < 32; i++ {
		b, err := p.Get(context.Background())
		require.NoError(t, err)
		require.Len(t, b.Bytes(), PageSize)
		require.True(t, b.IsZero())
		bufs = append(bufs, b)
	}

	testutils.Eventually(t, time.Second, func() bool { return p.Ready() == 8 },
		"pool not refilled, %d ready", p.Ready())

	for _, b := range bufs {
		b.Release()
		b.Release()
		require.True(t, b.Released())
	}
	require.Equal(t, 8, alloc.outstanding())

	p.Close()
	require.Equal(t, 0, alloc.outstanding())
}

func TestBufferPoolContext(t *testing.T) {
	p, err := NewBufferPool("test", 4, 2, &failingAllocator{initial: 4})
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 3; i++ {
		_, err := p.Get(context.Background())
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBufferPoolClose(t *testing.T) {
	p, err := NewBufferPool("test", 4, 2, &failingAllocator{initial: 4})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := p.Get(context.Background())
		require.NoError(t, err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Get(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatalf("Get not woken up by Close")
	}
}

func TestPageBufferIsZero(t *testing.T) {
	b := NewPageBuffer(make([]byte, PageSize), HeapAllocator())
	require.True(t, b.IsZero())
	b.Bytes()[PageSize-1] = 1
	require.False(t, b.IsZero())
	require.NotZero(t, b.Addr())
}

// failingAllocator allocates the initial fill, then fails.
type failingAllocator struct {
	sync.Mutex
	initial int
}

func (a *failingAllocator) Alloc(n int) ([][]byte, error) {
	a.Lock()
	defer a.Unlock()
	if a.initial < n {
		return nil, ErrClosed
	}
	a.initial -= n
	return heapAllocator{}.Alloc(n)
}

func (a *failingAllocator) Free([]byte) error { return nil }
