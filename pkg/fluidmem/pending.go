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
)

// PendingState is the state of a key on a PendingList.
type PendingState int

const (
	// NotPending means the key is not on the list.
	NotPending PendingState = iota
	// Queued means the key waits on the list, nobody works on it yet.
	Queued
	// InFlight means the key is owned by whoever is working on it.
	InFlight
)

// pendingEntry is a key waiting for its I/O to be done.
type pendingEntry[T any] struct {
	key      PageKey
	payload  T
	inFlight bool
	done     chan struct{}
}

// wake wakes up everybody waiting for the entry to change.
func (e *pendingEntry[T]) wake() {
	close(e.done)
	e.done = make(chan struct{})
}

// PendingList is a FIFO of keys waiting for background I/O. Entries are
// taken in per-region batches and marked in flight while they are worked
// on. Waiters get notified whenever an entry leaves the in flight state or
// the list.
type PendingList[T any] struct {
	sync.Mutex
	name     string
	entries  map[PageKey]*pendingEntry[T]
	order    []*pendingEntry[T]
	drain    RegionID // region of the last batch taken
	draining bool
}

// PendingBatch is a set of in flight entries of a single region.
type PendingBatch[T any] struct {
	Region   RegionID
	Keys     []PageKey
	Payloads []T
}

// Len returns the number of entries in the batch.
func (b *PendingBatch[T]) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Keys)
}

// NewPendingList creates a new pending list.
func NewPendingList[T any](name string) *PendingList[T] {
	return &PendingList[T]{
		name:    name,
		entries: make(map[PageKey]*pendingEntry[T]),
	}
}

// Add queues key with payload. It fails if key is already on the list.
func (l *PendingList[T]) Add(key PageKey, payload T) bool {
	l.Lock()
	defer l.Unlock()
	return l.add(key, payload, false)
}

// Reserve puts key on the list in flight without a payload. The reserver
// must Attach a payload or Cancel the entry.
func (l *PendingList[T]) Reserve(key PageKey) bool {
	var none T
	l.Lock()
	defer l.Unlock()
	return l.add(key, none, true)
}

// Attach sets the payload of a reserved entry and queues it. It returns
// the length of the list or -1 if key is not on the list.
func (l *PendingList[T]) Attach(key PageKey, payload T) int {
	l.Lock()
	defer l.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return -1
	}
	e.payload = payload
	e.inFlight = false
	e.wake()

	return len(l.entries)
}

// State returns the state of key and, if key is on the list, a channel
// closed on the next change of the entry.
func (l *PendingList[T]) State(key PageKey) (PendingState, <-chan struct{}) {
	l.Lock()
	defer l.Unlock()

	e, ok := l.entries[key]
	switch {
	case !ok:
		return NotPending, nil
	case e.inFlight:
		return InFlight, e.done
	default:
		return Queued, e.done
	}
}

// Contains checks if key is on the list.
func (l *PendingList[T]) Contains(key PageKey) bool {
	l.Lock()
	defer l.Unlock()
	_, ok := l.entries[key]
	return ok
}

// Steal removes a queued entry, returning its payload. Entries in flight
// cannot be stolen.
func (l *PendingList[T]) Steal(key PageKey) (T, bool) {
	var none T

	l.Lock()
	defer l.Unlock()

	e, ok := l.entries[key]
	if !ok || e.inFlight {
		return none, false
	}
	l.remove(e)
	l.compact()
	return e.payload, true
}

// Cancel removes an entry regardless of its state, returning its payload.
func (l *PendingList[T]) Cancel(key PageKey) (T, bool) {
	var none T

	l.Lock()
	defer l.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return none, false
	}
	l.remove(e)
	l.compact()
	return e.payload, true
}

// TakeBatch marks up to limit queued entries of one region in flight. A
// region being drained keeps getting batches while it has queued entries,
// otherwise the region is that of the oldest queued entry. It returns nil
// if there is nothing queued.
func (l *PendingList[T]) TakeBatch(limit int) *PendingBatch[T] {
	l.Lock()
	defer l.Unlock()

	var batch *PendingBatch[T]
	if l.draining {
		batch = l.take(l.drain, true, limit)
	}
	if batch == nil {
		batch = l.take(0, false, limit)
	}

	l.draining = batch != nil
	if batch != nil {
		l.drain = batch.Region
	}

	return batch
}

// take collects queued entries of region, or of the region of the first
// queued entry if fixed is false.
func (l *PendingList[T]) take(region RegionID, fixed bool, limit int) *PendingBatch[T] {
	var batch *PendingBatch[T]
	for _, e := range l.order {
		if e.inFlight {
			continue
		}
		if batch == nil {
			if fixed && e.key.Region != region {
				continue
			}
			batch = &PendingBatch[T]{Region: e.key.Region}
		} else if e.key.Region != batch.Region {
			continue
		}
		e.inFlight = true
		batch.Keys = append(batch.Keys, e.key)
		batch.Payloads = append(batch.Payloads, e.payload)
		if len(batch.Keys) >= limit {
			break
		}
	}
	return batch
}

// Requeue clears the in flight state of the given keys.
func (l *PendingList[T]) Requeue(keys []PageKey) {
	l.Lock()
	defer l.Unlock()

	for _, key := range keys {
		if e, ok := l.entries[key]; ok && e.inFlight {
			e.inFlight = false
			e.wake()
		}
	}
}

// Complete removes the given keys from the list.
func (l *PendingList[T]) Complete(keys []PageKey) {
	l.Lock()
	defer l.Unlock()

	for _, key := range keys {
		if e, ok := l.entries[key]; ok {
			l.remove(e)
		}
	}
	l.compact()
}

// RemoveRegion removes the queued entries of a region, returning their
// payloads and the number of entries left in flight.
func (l *PendingList[T]) RemoveRegion(id RegionID) ([]T, int) {
	l.Lock()
	defer l.Unlock()

	var (
		payloads []T
		inFlight int
	)
	for _, e := range l.order {
		if e.key.Region != id {
			continue
		}
		if e.inFlight {
			inFlight++
			continue
		}
		payloads = append(payloads, e.payload)
		l.remove(e)
	}
	l.compact()

	return payloads, inFlight
}

// Len returns the number of entries on the list.
func (l *PendingList[T]) Len() int {
	l.Lock()
	defer l.Unlock()
	return len(l.entries)
}

// RegionLen returns the number of entries of a region on the list.
func (l *PendingList[T]) RegionLen(id RegionID) int {
	l.Lock()
	defer l.Unlock()

	cnt := 0
	for _, e := range l.order {
		if e.key.Region == id {
			cnt++
		}
	}
	return cnt
}

// Keys returns the keys on the list in FIFO order.
func (l *PendingList[T]) Keys() []PageKey {
	l.Lock()
	defer l.Unlock()

	keys := make([]PageKey, 0, len(l.order))
	for _, e := range l.order {
		keys = append(keys, e.key)
	}
	return keys
}

func (l *PendingList[T]) add(key PageKey, payload T, inFlight bool) bool {
	if _, ok := l.entries[key]; ok {
		return false
	}
	e := &pendingEntry[T]{
		key:      key,
		payload:  payload,
		inFlight: inFlight,
		done:     make(chan struct{}),
	}
	l.entries[key] = e
	l.order = append(l.order, e)
	return true
}

func (l *PendingList[T]) remove(e *pendingEntry[T]) {
	delete(l.entries, e.key)
	e.wake()
}

// compact drops removed entries from the FIFO.
func (l *PendingList[T]) compact() {
	order := l.order[:0]
	for _, e := range l.order {
		if l.entries[e.key] == e {
			order = append(order, e)
		}
	}
	for i := len(order); i < len(l.order); i++ {
		l.order[i] = nil
	}
	l.order = order
}
