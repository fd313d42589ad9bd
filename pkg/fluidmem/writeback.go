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
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/intel/fluidmem/pkg/store"
)

const (
	// minWriteRetry is the initial interval of retrying a failed write.
	minWriteRetry = 10 * time.Millisecond
	// maxWriteRetry is the longest interval of retrying a failed write.
	maxWriteRetry = time.Second
)

// writeItem is a page moved out of the application waiting to be written.
type writeItem struct {
	region *Region
	buf    *PageBuffer
}

// WriteBackWorker writes evicted pages to the store of their region.
type WriteBackWorker struct {
	*worker
	list    *PendingList[*writeItem]
	batch   int
	stats   *Stats
	limiter *rate.Limiter
	backoff time.Duration
}

func newWriteBackWorker(list *PendingList[*writeItem], batch int, stats *Stats) *WriteBackWorker {
	w := &WriteBackWorker{
		list:    list,
		batch:   batch,
		stats:   stats,
		limiter: rate.NewLimiter(rate.Every(minWriteRetry), 1),
		backoff: minWriteRetry,
	}
	w.worker = newWorker("write-back", w.drainBatch)
	return w
}

// drainBatch writes a single batch of pages. It returns false once there
// is nothing left to write.
func (w *WriteBackWorker) drainBatch(ctx context.Context) bool {
	batch := w.list.TakeBatch(w.batch)
	if batch == nil {
		return false
	}

	r := batch.Payloads[0].region
	keys := make([]store.Key, 0, batch.Len())
	data := make([][]byte, 0, batch.Len())
	for i, item := range batch.Payloads {
		keys = append(keys, store.Key(batch.Keys[i].Addr))
		data = append(data, item.buf.Bytes())
	}

	err := r.Store.MultiWrite(keys, data)
	switch {
	case err == nil:
		w.finish(batch)
		w.stats.Store(StatsWriteBatch{Pages: batch.Len()})
		w.backoff = minWriteRetry
		w.limiter.SetLimit(rate.Every(w.backoff))

	case errors.Is(err, store.ErrClosed):
		log.Error("region %s: dropping %d pages, store closed", r.ID, batch.Len())
		w.finish(batch)

	default:
		// Written pages are only known to the store, keep retrying until
		// the write succeeds or the region is gone.
		w.list.Requeue(batch.Keys)
		w.stats.Store(StatsStoreRetry{})
		rlog.Warn("region %s: failed to write %d pages, retrying: %v", r.ID, batch.Len(), err)
		if err := w.limiter.Wait(ctx); err != nil {
			return false
		}
		if w.backoff < maxWriteRetry {
			w.backoff *= 2
			w.limiter.SetLimit(rate.Every(w.backoff))
		}
	}

	return true
}

// finish releases the buffers of a finished batch and removes its entries.
func (w *WriteBackWorker) finish(batch *PendingBatch[*writeItem]) {
	for _, item := range batch.Payloads {
		item.buf.Release()
	}
	w.list.Complete(batch.Keys)
}
