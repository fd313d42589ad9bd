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

package uffd

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Handle is an open userfaultfd file descriptor.
type Handle struct {
	sync.Mutex
	fd     int
	closed bool
}

// New creates a new non-blocking userfaultfd and negotiates the API with
// the given features.
func New(features uint64) (*Handle, error) {
	// syscall:
	// int syscall(SYS_userfaultfd, int flags);
	fd, _, en := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if en != 0 {
		return nil, errors.Wrap(unix.Errno(en), "uffd: userfaultfd() failed")
	}

	h := &Handle{fd: int(fd)}
	if _, err := h.API(features); err != nil {
		h.Close()
		return nil, err
	}

	return h, nil
}

// FromFd wraps an existing userfaultfd, for instance one received from a
// client process. The Handle takes ownership of the descriptor.
func FromFd(fd int) *Handle {
	return &Handle{fd: fd}
}

// Fd returns the file descriptor of the userfaultfd.
func (h *Handle) Fd() int {
	return h.fd
}

// Close closes the userfaultfd. It is safe to call Close more than once.
func (h *Handle) Close() error {
	h.Lock()
	defer h.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return unix.Close(h.fd)
}

func (h *Handle) ioctl(req uintptr, arg unsafe.Pointer) unix.Errno {
	_, _, en := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), req, uintptr(arg))
	return en
}

// API negotiates the userfaultfd API and returns the supported features.
func (h *Handle) API(features uint64) (uint64, error) {
	arg := uffdioAPI{api: API, features: features}
	if en := h.ioctl(ioctlAPI, unsafe.Pointer(&arg)); en != 0 {
		return 0, &Error{Op: "api", Errno: en}
	}
	return arg.features, nil
}

// Register registers the given address range for fault handling.
func (h *Handle) Register(start, length, mode uint64) error {
	arg := uffdioRegister{rng: uffdioRange{start: start, len: length}, mode: mode}
	if en := h.ioctl(ioctlRegister, unsafe.Pointer(&arg)); en != 0 {
		return &Error{Op: "register", Addr: start, Errno: en}
	}
	return nil
}

// Unregister unregisters the given address range.
func (h *Handle) Unregister(start, length uint64) error {
	arg := uffdioRange{start: start, len: length}
	if en := h.ioctl(ioctlUnregister, unsafe.Pointer(&arg)); en != 0 {
		return &Error{Op: "unregister", Addr: start, Errno: en}
	}
	return nil
}

// Copy atomically copies length bytes from src in our address space to dst
// in the registered region, waking the faulting thread unless DontWake is
// set in mode. It returns the number of bytes copied.
func (h *Handle) Copy(dst, src, length, mode uint64) (int64, error) {
	arg := uffdioCopy{dst: dst, src: src, len: length, mode: mode}
	if en := h.ioctl(ioctlCopy, unsafe.Pointer(&arg)); en != 0 {
		return arg.copy, &Error{Op: "copy", Addr: dst, Errno: en}
	}
	return arg.copy, nil
}

// ZeroPage maps zero pages over the given range.
func (h *Handle) ZeroPage(start, length, mode uint64) (int64, error) {
	arg := uffdioZeroPage{rng: uffdioRange{start: start, len: length}, mode: mode}
	if en := h.ioctl(ioctlZeroPage, unsafe.Pointer(&arg)); en != 0 {
		return arg.zeropage, &Error{Op: "zeropage", Addr: start, Errno: en}
	}
	return arg.zeropage, nil
}

// Move remaps length bytes from src to dst without copying.
func (h *Handle) Move(dst, src, length, mode uint64) (int64, error) {
	arg := uffdioMove{dst: dst, src: src, len: length, mode: mode}
	if en := h.ioctl(ioctlMove, unsafe.Pointer(&arg)); en != 0 {
		return arg.move, &Error{Op: "move", Addr: src, Errno: en}
	}
	return arg.move, nil
}

// Wake wakes up threads waiting on faults in the given range.
func (h *Handle) Wake(start, length uint64) error {
	arg := uffdioRange{start: start, len: length}
	if en := h.ioctl(ioctlWake, unsafe.Pointer(&arg)); en != 0 {
		return &Error{Op: "wake", Addr: start, Errno: en}
	}
	return nil
}

// ReadMsgs reads pending messages into buf, which should be a multiple of
// MsgSize. It returns unix.EAGAIN if no message is pending.
func (h *Handle) ReadMsgs(buf []byte) ([]Msg, error) {
	n, err := unix.Read(h.fd, buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.Wrap(unix.ENOENT, "uffd: descriptor closed")
	}
	return DecodeMsgs(buf[:n])
}

// ReadMsg reads a single pending message.
func (h *Handle) ReadMsg() (Msg, error) {
	var buf [MsgSize]byte
	msgs, err := h.ReadMsgs(buf[:])
	if err != nil {
		return Msg{}, err
	}
	if len(msgs) == 0 {
		return Msg{}, errors.Errorf("uffd: short read")
	}
	return msgs[0], nil
}
