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

// Package uffd implements the parts of the Linux userfaultfd interface a
// fault handling daemon needs: event decoding, page placement ioctls and
// classification of their errors.
package uffd

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// API is the userfaultfd API version we speak.
	API = 0xAA

	// MsgSize is the size of a struct uffd_msg.
	MsgSize = 32
)

// Event is the type of a userfaultfd message.
type Event uint8

// Userfaultfd message types.
const (
	EventPagefault Event = 0x12
	EventFork      Event = 0x13
	EventRemap     Event = 0x14
	EventRemove    Event = 0x15
	EventUnmap     Event = 0x16
)

var eventNames = map[Event]string{
	EventPagefault: "pagefault",
	EventFork:      "fork",
	EventRemap:     "remap",
	EventRemove:    "remove",
	EventUnmap:     "unmap",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("<event 0x%x>", uint8(e))
}

// Flags of a pagefault message.
const (
	PagefaultFlagWrite uint64 = 1 << 0
	PagefaultFlagWP    uint64 = 1 << 1
	PagefaultFlagMinor uint64 = 1 << 2
)

// Features negotiated with UFFDIO_API.
const (
	FeatureEventFork   uint64 = 1 << 1
	FeatureEventRemap  uint64 = 1 << 2
	FeatureEventRemove uint64 = 1 << 3
	FeatureEventUnmap  uint64 = 1 << 6
	FeatureThreadID    uint64 = 1 << 8
	FeatureMove        uint64 = 1 << 16
)

// Modes of UFFDIO_REGISTER and of the placement ioctls.
const (
	RegisterModeMissing uint64 = 1 << 0
	RegisterModeWP      uint64 = 1 << 1

	CopyModeDontWake     uint64 = 1 << 0
	ZeroPageModeDontWake uint64 = 1 << 0
	MoveModeDontWake     uint64 = 1 << 0
	MoveModeAllowHoles   uint64 = 1 << 1
)

// ioctl request numbers, _IOWR/_IOR(0xAA, nr, sizeof(arg)).
const (
	ioctlRegister   = 0xC020AA00
	ioctlUnregister = 0x8010AA01
	ioctlWake       = 0x8010AA02
	ioctlCopy       = 0xC028AA03
	ioctlZeroPage   = 0xC020AA04
	ioctlMove       = 0xC028AA05
	ioctlAPI        = 0xC018AA3F
)

// uffdioAPI is struct uffdio_api.
type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

// uffdioRange is struct uffdio_range.
type uffdioRange struct {
	start uint64
	len   uint64
}

// uffdioRegister is struct uffdio_register.
type uffdioRegister struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

// uffdioCopy is struct uffdio_copy.
type uffdioCopy struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

// uffdioZeroPage is struct uffdio_zeropage.
type uffdioZeroPage struct {
	rng      uffdioRange
	mode     uint64
	zeropage int64
}

// uffdioMove is struct uffdio_move.
type uffdioMove struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	move int64
}

// Msg is a decoded struct uffd_msg. Only the fields of the union arm
// matching Event are set.
type Msg struct {
	Event Event

	// pagefault
	Flags   uint64
	Address uint64
	Ptid    uint32

	// fork
	Ufd uint32

	// remap
	From uint64
	To   uint64
	Len  uint64

	// remove, unmap
	Start uint64
	End   uint64
}

// IsWrite returns true for a pagefault caused by a write access.
func (m *Msg) IsWrite() bool {
	return m.Event == EventPagefault && m.Flags&PagefaultFlagWrite != 0
}

func (m *Msg) String() string {
	switch m.Event {
	case EventPagefault:
		return fmt.Sprintf("pagefault{addr: 0x%x, flags: 0x%x, ptid: %d}", m.Address, m.Flags, m.Ptid)
	case EventFork:
		return fmt.Sprintf("fork{ufd: %d}", m.Ufd)
	case EventRemap:
		return fmt.Sprintf("remap{from: 0x%x, to: 0x%x, len: %d}", m.From, m.To, m.Len)
	case EventRemove, EventUnmap:
		return fmt.Sprintf("%s{start: 0x%x, end: 0x%x}", m.Event, m.Start, m.End)
	}
	return m.Event.String()
}

// DecodeMsg decodes a single struct uffd_msg.
func DecodeMsg(buf []byte) (Msg, error) {
	if len(buf) < MsgSize {
		return Msg{}, errors.Errorf("uffd: short message (%d < %d bytes)", len(buf), MsgSize)
	}

	le := binary.LittleEndian
	msg := Msg{Event: Event(buf[0])}
	arg := buf[8:MsgSize]

	switch msg.Event {
	case EventPagefault:
		msg.Flags = le.Uint64(arg[0:])
		msg.Address = le.Uint64(arg[8:])
		msg.Ptid = le.Uint32(arg[16:])
	case EventFork:
		msg.Ufd = le.Uint32(arg[0:])
	case EventRemap:
		msg.From = le.Uint64(arg[0:])
		msg.To = le.Uint64(arg[8:])
		msg.Len = le.Uint64(arg[16:])
	case EventRemove, EventUnmap:
		msg.Start = le.Uint64(arg[0:])
		msg.End = le.Uint64(arg[8:])
	default:
		return msg, errors.Errorf("uffd: unknown event 0x%x", uint8(msg.Event))
	}

	return msg, nil
}

// DecodeMsgs decodes all complete messages in buf.
func DecodeMsgs(buf []byte) ([]Msg, error) {
	msgs := make([]Msg, 0, len(buf)/MsgSize)
	for len(buf) >= MsgSize {
		msg, err := DecodeMsg(buf[:MsgSize])
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
		buf = buf[MsgSize:]
	}
	return msgs, nil
}

// Class is the handling class of a placement error.
type Class int

const (
	// Ok means no error.
	Ok Class = iota
	// Retry is a transient error, the operation can be retried.
	Retry
	// Busy means the page was already placed or cannot be moved.
	Busy
	// Dead means the region or its owner is gone.
	Dead
	// Exists means the page is already mapped.
	Exists
	// Fatal is any other error.
	Fatal
)

var classNames = map[Class]string{
	Ok:     "ok",
	Retry:  "retry",
	Busy:   "busy",
	Dead:   "dead",
	Exists: "exists",
	Fatal:  "fatal",
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("<class %d>", int(c))
}

// Classify returns the handling class of an error returned by a placement ioctl.
func Classify(err error) Class {
	if err == nil {
		return Ok
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return Fatal
	}
	switch errno {
	case unix.EAGAIN:
		return Retry
	case unix.EBUSY:
		return Busy
	case unix.ENOENT, unix.EINVAL, unix.ESRCH:
		return Dead
	case unix.EEXIST:
		return Exists
	}
	return Fatal
}

// IsHole checks if a move failed because there is no page at the source.
func IsHole(err error) bool {
	return errors.Is(err, unix.ENOENT)
}

// Error is an error returned by a userfaultfd ioctl.
type Error struct {
	Op    string
	Addr  uint64
	Errno unix.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("uffd: %s 0x%x: %v", e.Op, e.Addr, e.Errno)
}

// Unwrap returns the underlying errno.
func (e *Error) Unwrap() error {
	return e.Errno
}
