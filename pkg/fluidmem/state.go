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
)

// Tier is the location of a page.
type Tier int

const (
	// TierApplication means the page is mapped in the application.
	TierApplication Tier = iota
	// TierCache means the page is in the local page cache.
	TierCache
	// TierRemote means the page is in the store, or known to be zero.
	TierRemote
)

var tierNames = map[Tier]string{
	TierApplication: "application",
	TierCache:       "cache",
	TierRemote:      "remote",
}

// String returns the name of the tier.
func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("<tier %d>", int(t))
}

// PageState is the recorded location of a page. It is one of Application,
// Cached and Remote.
type PageState interface {
	// Tier returns the tier of the page.
	Tier() Tier
	// String returns a short description of the state.
	String() string

	isPageState()
}

// Application is the state of a page mapped in the application.
type Application struct{}

// Cached is the state of a page held in a local buffer.
type Cached struct {
	Buffer *PageBuffer
	Length int
}

// Remote is the state of a page in the store. Zero pages are known to be
// all zeroes and are never read back.
type Remote struct {
	Zero bool
}

func (Application) Tier() Tier { return TierApplication }
func (Cached) Tier() Tier      { return TierCache }
func (Remote) Tier() Tier      { return TierRemote }

func (Application) String() string { return "application" }
func (c Cached) String() string    { return fmt.Sprintf("cached(%d)", c.Length) }
func (r Remote) String() string {
	if r.Zero {
		return "remote(zero)"
	}
	return "remote"
}

func (Application) isPageState() {}
func (Cached) isPageState()      {}
func (Remote) isPageState()      {}
