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

	"github.com/intel/fluidmem/pkg/store"
)

// PrefetchWorker reads pages ahead of faults into the page cache.
type PrefetchWorker struct {
	*worker
	list   *PendingList[*Region]
	owners *OwnershipCache
	pool   *BufferPool
	batch  int
	stats  *Stats
}

func newPrefetchWorker(list *PendingList[*Region], owners *OwnershipCache, pool *BufferPool,
	batch int, stats *Stats) *PrefetchWorker {
	w := &PrefetchWorker{
		list:   list,
		owners: owners,
		pool:   pool,
		batch:  batch,
		stats:  stats,
	}
	w.worker = newWorker("prefetch", w.drainBatch)
	return w
}

// drainBatch reads a single batch of pages. It returns false once there
// is nothing left to read.
func (w *PrefetchWorker) drainBatch(ctx context.Context) bool {
	batch := w.list.TakeBatch(w.batch)
	if batch == nil {
		return false
	}
	defer w.list.Complete(batch.Keys)

	r := batch.Payloads[0]
	keys := make([]store.Key, 0, batch.Len())
	bufs := make([]*PageBuffer, 0, batch.Len())
	data := make([][]byte, 0, batch.Len())
	for _, key := range batch.Keys {
		buf, err := w.pool.Get(ctx)
		if err != nil {
			log.Warn("region %s: dropping prefetch of %d pages: %v", r.ID, batch.Len(), err)
			releaseAll(bufs)
			return ctx.Err() == nil
		}
		keys = append(keys, store.Key(key.Addr))
		bufs = append(bufs, buf)
		data = append(data, buf.Bytes())
	}

	lengths, err := r.Store.MultiRead(keys, data)
	if err != nil {
		rlog.Warn("region %s: failed to prefetch %d pages: %v", r.ID, batch.Len(), err)
		releaseAll(bufs)
		return true
	}

	for i, key := range batch.Keys {
		if lengths[i] > 0 && w.owners.StoreInCache(key, bufs[i], lengths[i]) {
			continue
		}
		bufs[i].Release()
	}

	return true
}

func releaseAll(bufs []*PageBuffer) {
	for _, b := range bufs {
		b.Release()
	}
}
