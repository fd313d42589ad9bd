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
	"fmt"
	"sort"
)

// RegionID identifies a registered memory region. It is the value of the
// unique process id allocated for the region.
type RegionID uint64

// String returns the region id in hex.
func (id RegionID) String() string {
	return fmt.Sprintf("%x", uint64(id))
}

// PageKey identifies a page of a region.
type PageKey struct {
	Region RegionID
	Addr   uint64
}

// NewPageKey returns the key of the page containing addr.
func NewPageKey(region RegionID, addr uint64) PageKey {
	return PageKey{Region: region, Addr: addr & pageMask}
}

// Next returns the key of the page n pages after this one.
func (k PageKey) Next(n int) PageKey {
	return PageKey{Region: k.Region, Addr: k.Addr + uint64(n)*PageSize}
}

// String returns the key as region/address.
func (k PageKey) String() string {
	return fmt.Sprintf("%s/0x%x", k.Region, k.Addr)
}

// sortKeys sorts keys by region, then by address.
func sortKeys(keys []PageKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Region != keys[j].Region {
			return keys[i].Region < keys[j].Region
		}
		return keys[i].Addr < keys[j].Addr
	})
}
