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

// PageMapper places pages into and moves pages out of the address space
// of a region owner. Errors are classified with uffd.Classify.
type PageMapper interface {
	// PlaceZero maps a zero page at addr.
	PlaceZero(addr uint64) error
	// PlaceData copies buf to the page at addr.
	PlaceData(addr uint64, buf *PageBuffer) error
	// MoveOut moves the page at addr into buf, leaving addr unmapped.
	MoveOut(addr uint64, buf *PageBuffer) error
	// Wake wakes up threads waiting for the page at addr.
	Wake(addr uint64) error
	// Close releases the mapper.
	Close() error
}
