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
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
)

// OwnershipCache records the state of every page seen so far. Cached
// pages are limited in number, overflowing the capacity demotes the
// least recently cached page to Remote.
type OwnershipCache struct {
	sync.Mutex
	pages    map[RegionID]map[uint64]PageState
	cached   *simplelru.LRU[PageKey, struct{}]
	capacity int
	count    int
}

// NewOwnershipCache creates a cache with room for capacity cached pages.
func NewOwnershipCache(capacity int) (*OwnershipCache, error) {
	if capacity < 0 {
		return nil, errors.Errorf("invalid page cache capacity %d", capacity)
	}
	cached, err := simplelru.NewLRU[PageKey, struct{}](lruSize(capacity), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create page cache index")
	}
	return &OwnershipCache{
		pages:    make(map[RegionID]map[uint64]PageState),
		cached:   cached,
		capacity: capacity,
	}, nil
}

// simplelru insists on a positive size.
func lruSize(capacity int) int {
	if capacity < 1 {
		return 1
	}
	return capacity
}

// Lookup returns the state of the page, if it has one.
func (c *OwnershipCache) Lookup(key PageKey) (PageState, bool) {
	c.Lock()
	defer c.Unlock()
	return c.get(key)
}

// MarkApplication records the page as mapped in the application.
func (c *OwnershipCache) MarkApplication(key PageKey) {
	c.Lock()
	prev, _ := c.get(key)
	c.set(key, Application{})
	c.Unlock()

	if cached, ok := prev.(Cached); ok {
		cached.Buffer.Release()
	}
}

// StoreInCache records a prefetched page in the cache, taking over the
// buffer. Only pages in the store can be cached, for any other page false
// is returned and the buffer remains with the caller.
func (c *OwnershipCache) StoreInCache(key PageKey, buf *PageBuffer, length int) bool {
	var release []*PageBuffer

	c.Lock()
	prev, _ := c.get(key)
	switch s := prev.(type) {
	case Remote:
		if s.Zero {
			c.Unlock()
			return false
		}
	case Cached:
		if s.Buffer != buf {
			release = append(release, s.Buffer)
		}
	case nil:
		// no record, a page never seen by the application
	default:
		c.Unlock()
		return false
	}

	if c.capacity == 0 {
		c.Unlock()
		return false
	}

	if !c.cached.Contains(key) {
		for c.cached.Len() >= c.capacity {
			if b := c.demoteOldest(); b != nil {
				release = append(release, b)
			}
		}
	}
	c.set(key, Cached{Buffer: buf, Length: length})
	c.cached.Add(key, struct{}{})
	c.Unlock()

	for _, b := range release {
		b.Release()
	}
	return true
}

// TakeFromCache moves a cached page to the application, returning its
// buffer and the length of the data.
func (c *OwnershipCache) TakeFromCache(key PageKey) (*PageBuffer, int, error) {
	c.Lock()
	defer c.Unlock()

	if buf, length, ok := c.take(key); ok {
		return buf, length, nil
	}
	prev, _ := c.get(key)
	return nil, 0, c.violation(key, prev, "take from cache")
}

// takeCached is TakeFromCache for callers prepared to lose a race against
// demotion.
func (c *OwnershipCache) takeCached(key PageKey) (*PageBuffer, int, bool) {
	c.Lock()
	defer c.Unlock()
	return c.take(key)
}

func (c *OwnershipCache) take(key PageKey) (*PageBuffer, int, bool) {
	prev, _ := c.get(key)
	cached, ok := prev.(Cached)
	if !ok {
		return nil, 0, false
	}
	c.set(key, Application{})
	return cached.Buffer, cached.Length, true
}

// RecordEvictionWrite records a page moved out of the application to the
// store. Zero pages are never written.
func (c *OwnershipCache) RecordEvictionWrite(key PageKey, zero bool) error {
	c.Lock()
	defer c.Unlock()

	prev, _ := c.get(key)
	if _, ok := prev.(Application); !ok {
		return c.violation(key, prev, "record eviction write")
	}
	c.set(key, Remote{Zero: zero})
	return nil
}

// RecordSkippedRead records a page handed back to the application without
// reading it from the store.
func (c *OwnershipCache) RecordSkippedRead(key PageKey) error {
	c.Lock()
	defer c.Unlock()

	prev, _ := c.get(key)
	if _, ok := prev.(Remote); !ok {
		return c.violation(key, prev, "record skipped read")
	}
	c.set(key, Application{})
	return nil
}

// RemoveAllForRegion drops all pages of a region, freeing cached buffers.
// The keys of pages in the store are returned.
func (c *OwnershipCache) RemoveAllForRegion(id RegionID) []PageKey {
	var (
		remote  []PageKey
		release []*PageBuffer
	)

	c.Lock()
	for addr, state := range c.pages[id] {
		key := PageKey{Region: id, Addr: addr}
		switch s := state.(type) {
		case Remote:
			remote = append(remote, key)
		case Cached:
			c.cached.Remove(key)
			release = append(release, s.Buffer)
			remote = append(remote, key)
		}
	}
	c.count -= len(c.pages[id])
	delete(c.pages, id)
	c.Unlock()

	for _, b := range release {
		b.Release()
	}
	sortKeys(remote)
	return remote
}

// Resize changes the number of pages the cache can hold.
func (c *OwnershipCache) Resize(capacity int) error {
	if capacity < 0 {
		return errors.Errorf("invalid page cache capacity %d", capacity)
	}

	var release []*PageBuffer

	c.Lock()
	for c.cached.Len() > capacity {
		if b := c.demoteOldest(); b != nil {
			release = append(release, b)
		}
	}
	c.cached.Resize(lruSize(capacity))
	c.capacity = capacity
	c.Unlock()

	for _, b := range release {
		b.Release()
	}
	return nil
}

// Len returns the number of pages with a recorded state.
func (c *OwnershipCache) Len() int {
	c.Lock()
	defer c.Unlock()
	return c.count
}

// CachedLen returns the number of cached pages.
func (c *OwnershipCache) CachedLen() int {
	c.Lock()
	defer c.Unlock()
	return c.cached.Len()
}

// Capacity returns the number of pages the cache can hold.
func (c *OwnershipCache) Capacity() int {
	c.Lock()
	defer c.Unlock()
	return c.capacity
}

// RegionLen returns the number of pages of a region with a recorded state.
func (c *OwnershipCache) RegionLen(id RegionID) int {
	c.Lock()
	defer c.Unlock()
	return len(c.pages[id])
}

func (c *OwnershipCache) get(key PageKey) (PageState, bool) {
	state, ok := c.pages[key.Region][key.Addr]
	return state, ok
}

func (c *OwnershipCache) set(key PageKey, state PageState) {
	region, ok := c.pages[key.Region]
	if !ok {
		region = make(map[uint64]PageState)
		c.pages[key.Region] = region
	}
	if prev, ok := region[key.Addr]; !ok {
		c.count++
	} else if _, wasCached := prev.(Cached); wasCached {
		if _, isCached := state.(Cached); !isCached {
			c.cached.Remove(key)
		}
	}
	region[key.Addr] = state
}

// demoteOldest turns the least recently cached page into a remote one and
// returns its buffer for releasing.
func (c *OwnershipCache) demoteOldest() *PageBuffer {
	key, _, ok := c.cached.RemoveOldest()
	if !ok {
		return nil
	}
	prev, _ := c.get(key)
	c.set(key, Remote{})
	if cached, ok := prev.(Cached); ok {
		return cached.Buffer
	}
	return nil
}

func (c *OwnershipCache) violation(key PageKey, state PageState, op string) error {
	have := "no record"
	if state != nil {
		have = state.String()
	}
	rlog.Error("%s: page %s is in state %s", op, key, have)
	return errors.Wrapf(ErrInvariant, "%s: page %s is %s", op, key, have)
}
