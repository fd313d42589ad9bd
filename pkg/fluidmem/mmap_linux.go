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
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mmapAllocator maps anonymous private pages.
type mmapAllocator struct{}

// MmapAllocator returns an Allocator for pages mapped with mmap(2).
func MmapAllocator() Allocator {
	return mmapAllocator{}
}

func (mmapAllocator) Alloc(n int) ([][]byte, error) {
	pages := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		data, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			for _, p := range pages {
				_ = unix.Munmap(p)
			}
			return nil, errors.Wrap(err, "failed to map page")
		}
		pages = append(pages, data)
	}
	return pages, nil
}

func (mmapAllocator) Free(data []byte) error {
	return unix.Munmap(data)
}

func defaultAllocator() Allocator {
	return mmapAllocator{}
}
