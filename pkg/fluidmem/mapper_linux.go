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
	"golang.org/x/sys/unix"

	"github.com/intel/fluidmem/pkg/uffd"
)

// uffdMapper is a PageMapper for a userfaultfd.
type uffdMapper struct {
	h *uffd.Handle
}

// NewUffdMapper returns a PageMapper for the given userfaultfd.
func NewUffdMapper(h *uffd.Handle) PageMapper {
	return &uffdMapper{h: h}
}

func (m *uffdMapper) PlaceZero(addr uint64) error {
	_, err := m.h.ZeroPage(addr, PageSize, 0)
	return err
}

func (m *uffdMapper) PlaceData(addr uint64, buf *PageBuffer) error {
	_, err := m.h.Copy(addr, uint64(buf.Addr()), PageSize, 0)
	return err
}

// MoveOut skips a source hole, reporting it as ENOENT.
func (m *uffdMapper) MoveOut(addr uint64, buf *PageBuffer) error {
	n, err := m.h.Move(uint64(buf.Addr()), addr, PageSize, uffd.MoveModeDontWake|uffd.MoveModeAllowHoles)
	if err == nil && n == 0 {
		return &uffd.Error{Op: "move", Addr: addr, Errno: unix.ENOENT}
	}
	return err
}

func (m *uffdMapper) Wake(addr uint64) error {
	return m.h.Wake(addr, PageSize)
}

func (m *uffdMapper) Close() error {
	return m.h.Close()
}
