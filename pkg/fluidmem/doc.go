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

/*
Package fluidmem resolves userfaultfd page faults of registered memory
regions and tiers their pages between the application, a bounded local
page cache and a remote page store.

Pages are identified by a PageKey, a region id and a page aligned address.
The authoritative location of every page seen so far is kept in the
OwnershipCache as one of three states:

	Application  the page is mapped in the application
	Cached       the page is in a local buffer, prefetched but not delivered
	Remote       the page is only in the store, or known to be zero

An Engine owns all shared state. Faults are resolved by HandleFault, which
places a zero page or data into the faulting region and then records the
page in the EvictionBuffer, an LRU of resident pages. Pages pushed out of
the EvictionBuffer are moved out of the application into pooled buffers
and handed to the write-back worker, which writes them to the store in
per-region batches. Sequential fault patterns trigger read-ahead, either
synchronously in one batched read or through the prefetch worker.

A page on the write-back or prefetch lists is owned by the worker while it
is in flight. Resolving a fault on such a page waits for the worker to
finish, and a queued write that has not been started yet is taken over by
the resolver directly.

Regions are torn down when their owner dies, disconnects or the daemon
exits. Teardown flushes the workers before dropping the state of the
region and closing its store and userfaultfd.
*/
package fluidmem
