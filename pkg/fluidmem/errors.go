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
)

var (
	// ErrRegionDead is returned when the owner of a region is gone.
	ErrRegionDead = errors.New("region is dead")
	// ErrInvariant is returned when a page state transition is not allowed.
	ErrInvariant = errors.New("page state invariant violated")
	// ErrUnknownRegion is returned for regions that are not registered.
	ErrUnknownRegion = errors.New("unknown region")
	// ErrClosed is returned once the engine has been stopped.
	ErrClosed = errors.New("engine stopped")

	// errZeroPageLeft is returned when a zero page stays in the application.
	errZeroPageLeft = errors.New("zero page left in place")
)
