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

// EvictionBuffer is an LRU of the pages resident in the application. It
// never holds more keys than its capacity, inserting into a full buffer
// returns the least recently used keys for eviction.
type EvictionBuffer struct {
	sync.Mutex
	lru      *simplelru.LRU[PageKey, struct{}]
	capacity int
	size     int // size of lru, at least capacity
}

// NewEvictionBuffer creates an eviction buffer for capacity pages.
func NewEvictionBuffer(capacity int) (*EvictionBuffer, error) {
	if capacity < 0 {
		return nil, errors.Errorf("invalid LRU capacity %d", capacity)
	}
	lru, err := simplelru.NewLRU[PageKey, struct{}](lruSize(capacity), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create LRU")
	}
	return &EvictionBuffer{
		lru:      lru,
		capacity: capacity,
		size:     lruSize(capacity),
	}, nil
}

// Insert makes key the most recently used one. Keys pushed out of the
// buffer are returned, least recently used first.
func (b *EvictionBuffer) Insert(key PageKey) []PageKey {
	b.Lock()
	defer b.Unlock()

	if b.lru.Contains(key) {
		b.lru.Get(key)
		return nil
	}
	if b.capacity == 0 {
		return []PageKey{key}
	}

	var victims []PageKey
	for b.lru.Len() >= b.capacity {
		victim, _, ok := b.lru.RemoveOldest()
		if !ok {
			break
		}
		victims = append(victims, victim)
	}
	b.lru.Add(key, struct{}{})

	return victims
}

// PutBack makes key the most recently used one without evicting anything.
// The buffer can grow over its capacity this way, the excess is returned
// by later inserts.
func (b *EvictionBuffer) PutBack(key PageKey) {
	b.Lock()
	defer b.Unlock()

	if b.lru.Contains(key) {
		b.lru.Get(key)
		return
	}
	if b.lru.Len() >= b.size {
		b.size = b.lru.Len() + 1
		b.lru.Resize(b.size)
	}
	b.lru.Add(key, struct{}{})
}

// PopTail removes and returns the least recently used key.
func (b *EvictionBuffer) PopTail() (PageKey, bool) {
	b.Lock()
	defer b.Unlock()
	key, _, ok := b.lru.RemoveOldest()
	return key, ok
}

// IsOverCapacity checks if the buffer holds more keys than its capacity.
func (b *EvictionBuffer) IsOverCapacity() bool {
	b.Lock()
	defer b.Unlock()
	return b.lru.Len() > b.capacity
}

// Remove drops a key from the buffer.
func (b *EvictionBuffer) Remove(key PageKey) bool {
	b.Lock()
	defer b.Unlock()
	return b.lru.Remove(key)
}

// RemoveAllForRegion drops all keys of a region, returning them least
// recently used first.
func (b *EvictionBuffer) RemoveAllForRegion(id RegionID) []PageKey {
	b.Lock()
	defer b.Unlock()

	var removed []PageKey
	for _, key := range b.lru.Keys() {
		if key.Region == id {
			b.lru.Remove(key)
			removed = append(removed, key)
		}
	}
	return removed
}

// Resize changes the capacity of the buffer. When shrinking, the keys no
// longer fitting are returned, least recently used first.
func (b *EvictionBuffer) Resize(capacity int) ([]PageKey, error) {
	if capacity < 0 {
		return nil, errors.Errorf("invalid LRU capacity %d", capacity)
	}

	b.Lock()
	defer b.Unlock()

	var victims []PageKey
	for b.lru.Len() > capacity {
		victim, _, ok := b.lru.RemoveOldest()
		if !ok {
			break
		}
		victims = append(victims, victim)
	}
	b.size = lruSize(capacity)
	b.lru.Resize(b.size)
	b.capacity = capacity

	return victims, nil
}

// Contains checks if key is in the buffer.
func (b *EvictionBuffer) Contains(key PageKey) bool {
	b.Lock()
	defer b.Unlock()
	return b.lru.Contains(key)
}

// Keys returns the keys in the buffer, least recently used first.
func (b *EvictionBuffer) Keys() []PageKey {
	b.Lock()
	defer b.Unlock()
	return b.lru.Keys()
}

// Len returns the number of keys in the buffer.
func (b *EvictionBuffer) Len() int {
	b.Lock()
	defer b.Unlock()
	return b.lru.Len()
}

// Capacity returns the capacity of the buffer.
func (b *EvictionBuffer) Capacity() int {
	b.Lock()
	defer b.Unlock()
	return b.capacity
}
