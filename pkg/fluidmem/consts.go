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
	"time"
)

const (
	// PageSize is the size of the pages we handle.
	PageSize = 4096
	// pageMask masks an address down to its page.
	pageMask = ^uint64(PageSize - 1)

	// resolveRetries bounds re-running the race checks of a single fault.
	resolveRetries = 16
	// placeRetries bounds retrying an EAGAIN from a placement ioctl.
	placeRetries = 8
	// evictRetries bounds retrying an EAGAIN from moving a page out.
	evictRetries = 5
	// retryBackoff is the initial delay between retries of an ioctl.
	retryBackoff = 50 * time.Microsecond
	// prefetchScanLimit bounds the addresses inspected for read-ahead.
	prefetchScanLimit = 100

	// DefaultLRUCapacity is the default number of resident pages.
	DefaultLRUCapacity = 20000
	// DefaultCacheCapacity is the default number of locally cached pages.
	DefaultCacheCapacity = 10000
	// DefaultPrefetchSize is the default number of pages to read ahead.
	DefaultPrefetchSize = 8
	// DefaultWriteBatchSize is the write list length that triggers a write-back.
	DefaultWriteBatchSize = 32
	// DefaultPrefetchBatchSize is the maximum number of pages read in one prefetch.
	DefaultPrefetchBatchSize = 32
	// DefaultPoolSize is the default number of pages in a buffer pool.
	DefaultPoolSize = 256
	// DefaultPoolBatch is the default number of pages refilled at once.
	DefaultPoolBatch = 32
	// DefaultLivenessInterval is the default period of purging dead regions.
	DefaultLivenessInterval = 10 * time.Second
	// DefaultTeardownTimeout bounds flushing the workers during a teardown.
	DefaultTeardownTimeout = 30 * time.Second
)
