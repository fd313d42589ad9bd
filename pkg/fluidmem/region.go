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

	"github.com/intel/fluidmem/pkg/store"
	"github.com/intel/fluidmem/pkg/upid"
)

// Region is a memory region registered for fault handling.
type Region struct {
	ID     RegionID
	UPID   upid.UPID
	Pid    int
	Mapper PageMapper
	Store  store.Store

	sync.Mutex
	cond      *sync.Cond
	refs      int  // operations in progress
	dead      bool // teardown started, no more faults
	flushing  bool // dead but resident pages may still be evicted
	closed    bool // no more operations at all
	lastFault uint64
	run       int
}

// RegionInfo describes a registered region.
type RegionInfo struct {
	ID   RegionID
	UPID upid.UPID
	Pid  int
}

func newRegion(id upid.UPID, pid int, mapper PageMapper, st store.Store) *Region {
	r := &Region{
		ID:     RegionID(id),
		UPID:   id,
		Pid:    pid,
		Mapper: mapper,
		Store:  st,
	}
	r.cond = sync.NewCond(&r.Mutex)
	return r
}

// Info returns a description of the region.
func (r *Region) Info() RegionInfo {
	return RegionInfo{ID: r.ID, UPID: r.UPID, Pid: r.Pid}
}

// acquire starts an operation on the region. It fails once a teardown has
// killed the region.
func (r *Region) acquire() bool {
	r.Lock()
	defer r.Unlock()
	if r.dead {
		return false
	}
	r.refs++
	return true
}

// release ends an operation started with acquire.
func (r *Region) release() {
	r.Lock()
	defer r.Unlock()
	r.refs--
	if r.refs == 0 {
		r.cond.Broadcast()
	}
}

// acquireEvict starts an eviction on the region. Evictions are allowed
// until the region is closed if it is being torn down with flushing.
func (r *Region) acquireEvict() bool {
	r.Lock()
	defer r.Unlock()
	if r.closed || (r.dead && !r.flushing) {
		return false
	}
	r.refs++
	return true
}

// kill fails further faults and waits for ongoing operations to finish.
// If flush is set, evictions are still allowed until close.
func (r *Region) kill(flush bool) {
	r.Lock()
	defer r.Unlock()
	r.dead = true
	r.flushing = flush
	for r.refs > 0 {
		r.cond.Wait()
	}
}

// close fails all further operations and waits for ongoing ones to finish.
func (r *Region) close() {
	r.Lock()
	defer r.Unlock()
	r.dead = true
	r.closed = true
	for r.refs > 0 {
		r.cond.Wait()
	}
}

// Dead checks if the region has been killed.
func (r *Region) Dead() bool {
	r.Lock()
	defer r.Unlock()
	return r.dead
}

// sequential records a fault on addr and checks if it continues a run of
// faults on consecutive pages.
func (r *Region) sequential(addr uint64) bool {
	r.Lock()
	defer r.Unlock()

	seq := r.lastFault != 0 && addr == r.lastFault+PageSize
	if seq {
		r.run++
	} else {
		r.run = 0
	}
	r.lastFault = addr

	return seq
}
