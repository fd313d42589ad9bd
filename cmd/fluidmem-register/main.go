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

//go:build linux

// fluidmem-register hands an anonymous mapping over to the fluidmem daemon
// and touches its pages.
package main

import (
	"flag"
	"fmt"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/intel/fluidmem/pkg/control"
	"github.com/intel/fluidmem/pkg/uffd"
	_ "github.com/intel/fluidmem/pkg/version"
)

const pageSize = 4096

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "fluidmem-register: "+format+"\n", a...)
	os.Exit(1)
}

func main() {
	optSocket := flag.String("socket", control.DefaultSocket, "-socket=PATH control socket of the daemon")
	optPages := flag.Int("pages", 1024, "-pages=NUM size of the mapping in pages")
	optPasses := flag.Int("passes", 2, "-passes=NUM times to write and verify all pages")
	flag.Parse()

	if *optPages < 1 {
		exit("invalid -pages %d", *optPages)
	}

	mem, err := unix.Mmap(-1, 0, *optPages*pageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		exit("failed to map %d pages: %v", *optPages, err)
	}
	defer unix.Munmap(mem)

	h, err := register(*optSocket, mem)
	if err != nil {
		exit("%v", err)
	}
	defer h.Close()

	fmt.Printf("registered %d pages at 0x%x with pid %d\n",
		*optPages, uintptr(unsafe.Pointer(&mem[0])), os.Getpid())

	for pass := 0; pass < *optPasses; pass++ {
		if err := touch(mem, byte(pass)); err != nil {
			exit("pass %d: %v", pass, err)
		}
		fmt.Printf("pass %d: verified %d pages\n", pass, *optPages)
	}
}

// register creates a userfaultfd for mem and sends it to the daemon.
func register(socket string, mem []byte) (*uffd.Handle, error) {
	h, err := uffd.New(uffd.FeatureEventRemap | uffd.FeatureEventRemove | uffd.FeatureEventUnmap)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create userfaultfd")
	}

	start := uint64(uintptr(unsafe.Pointer(&mem[0])))
	if err := h.Register(start, uint64(len(mem)), uffd.RegisterModeMissing); err != nil {
		h.Close()
		return nil, errors.Wrap(err, "failed to register mapping")
	}
	if err := control.Send(socket, os.Getpid(), h.Fd()); err != nil {
		h.Close()
		return nil, err
	}

	return h, nil
}

// touch checks every page holds the pattern of the previous pass, then
// writes the pattern of this one.
func touch(mem []byte, pass byte) error {
	for off := 0; off < len(mem); off += pageSize {
		page := mem[off : off+pageSize]
		want := byte(0)
		if pass > 0 {
			want = pattern(off, pass-1)
		}
		if page[0] != want || page[pageSize-1] != want {
			return errors.Errorf("page at offset 0x%x: found 0x%02x, expected 0x%02x",
				off, page[0], want)
		}
		next := pattern(off, pass)
		for i := range page {
			page[i] = next
		}
	}
	return nil
}

func pattern(off int, pass byte) byte {
	return byte(off/pageSize) + pass + 1
}
