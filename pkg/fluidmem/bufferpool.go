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
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// Allocator allocates and frees page sized buffers.
type Allocator interface {
	// Alloc allocates n pages.
	Alloc(n int) ([][]byte, error)
	// Free frees a page returned by Alloc.
	Free([]byte) error
}

var zeroPage [PageSize]byte

// PageBuffer is a page checked out from a BufferPool. Whoever holds the
// buffer must Release it exactly once it is no longer needed. Releasing
// more than once is harmless.
type PageBuffer struct {
	data     []byte
	alloc    Allocator
	released atomic.Bool
}

// NewPageBuffer wraps a page allocated by alloc.
func NewPageBuffer(data []byte, alloc Allocator) *PageBuffer {
	return &PageBuffer{data: data, alloc: alloc}
}

// Bytes returns the contents of the buffer.
func (b *PageBuffer) Bytes() []byte {
	return b.data
}

// Addr returns the address of the buffer.
func (b *PageBuffer) Addr() uintptr {
	return uintptr(unsafe.Pointer(&b.data[0]))
}

// IsZero checks if the buffer holds only zero bytes.
func (b *PageBuffer) IsZero() bool {
	return bytes.Equal(b.data, zeroPage[:len(b.data)])
}

// Release frees the buffer.
func (b *PageBuffer) Release() {
	if b == nil || b.released.Swap(true) {
		return
	}
	if err := b.alloc.Free(b.data); err != nil {
		log.Error("failed to free page buffer: %v", err)
	}
}

// Released checks if the buffer has been released.
func (b *PageBuffer) Released() bool {
	return b.released.Load()
}

// BufferPool is a ring of preallocated page buffers. A refill goroutine
// replaces the buffers handed out in batches.
type BufferPool struct {
	sync.Mutex
	cond   *sync.Cond
	name   string
	alloc  Allocator
	slots  []*PageBuffer
	next   int // slot of the next buffer to hand out
	ready  int // number of buffers in the ring
	batch  int
	closed bool
	kick   chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewBufferPool creates a pool of size buffers refilled batch at a time.
func NewBufferPool(name string, size, batch int, alloc Allocator) (*BufferPool, error) {
	if batch < 1 {
		batch = 1
	}
	if size < batch+2 {
		return nil, errors.Errorf("buffer pool %s: size %d too small for batch %d",
			name, size, batch)
	}

	p := &BufferPool{
		name:  name,
		alloc: alloc,
		slots: make([]*PageBuffer, size),
		batch: batch,
		kick:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.Mutex)

	pages, err := alloc.Alloc(size)
	if err != nil {
		return nil, errors.Wrapf(err, "buffer pool %s: failed to allocate pages", name)
	}
	for i, data := range pages {
		p.slots[i] = NewPageBuffer(data, alloc)
	}
	p.ready = size

	go p.refiller()

	return p, nil
}

// Get checks out a buffer, waiting for the pool to be refilled if needed.
func (p *BufferPool) Get(ctx context.Context) (*PageBuffer, error) {
	stop := context.AfterFunc(ctx, func() {
		p.Lock()
		p.cond.Broadcast()
		p.Unlock()
	})
	defer stop()

	p.Lock()
	defer p.Unlock()

	for p.ready <= 1 {
		if p.closed {
			return nil, errors.Wrapf(ErrClosed, "buffer pool %s", p.name)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.refill()
		p.cond.Wait()
	}
	if p.closed {
		return nil, errors.Wrapf(ErrClosed, "buffer pool %s", p.name)
	}

	b := p.slots[p.next]
	p.slots[p.next] = nil
	p.next = (p.next + 1) % len(p.slots)
	p.ready--

	if len(p.slots)-p.ready >= p.batch+1 {
		p.refill()
	}

	return b, nil
}

// Ready returns the number of buffers in the pool.
func (p *BufferPool) Ready() int {
	p.Lock()
	defer p.Unlock()
	return p.ready
}

// Size returns the number of slots in the pool.
func (p *BufferPool) Size() int {
	return len(p.slots)
}

// Close stops refilling and frees all buffers still in the pool.
func (p *BufferPool) Close() {
	p.Lock()
	if p.closed {
		p.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	p.cond.Broadcast()
	p.Unlock()

	<-p.done

	p.Lock()
	defer p.Unlock()
	for i, b := range p.slots {
		if b != nil {
			b.Release()
			p.slots[i] = nil
		}
	}
	p.ready = 0
}

// refill kicks the refill goroutine.
func (p *BufferPool) refill() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *BufferPool) refiller() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case <-p.kick:
		}

		p.Lock()
		missing := len(p.slots) - p.ready
		p.Unlock()
		if missing == 0 {
			continue
		}

		pages, err := p.alloc.Alloc(missing)
		if err != nil {
			log.Error("buffer pool %s: failed to refill %d pages: %v", p.name, missing, err)
			continue
		}

		p.Lock()
		for _, data := range pages {
			b := NewPageBuffer(data, p.alloc)
			if p.closed || p.ready == len(p.slots) {
				b.Release()
				continue
			}
			p.slots[(p.next+p.ready)%len(p.slots)] = b
			p.ready++
		}
		p.cond.Broadcast()
		p.Unlock()
	}
}

// heapAllocator allocates pages from the Go heap.
type heapAllocator struct{}

// HeapAllocator returns an Allocator for pages that are never handed to
// the kernel.
func HeapAllocator() Allocator {
	return heapAllocator{}
}

func (heapAllocator) Alloc(n int) ([][]byte, error) {
	pages := make([][]byte, n)
	for i := range pages {
		pages[i] = make([]byte, PageSize)
	}
	return pages, nil
}

func (heapAllocator) Free([]byte) error { return nil }
