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

// Package upid allocates and tracks unique process ids. A UPID identifies
// one registered memory region across all nodes sharing a page store.
package upid

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	logger "github.com/intel/fluidmem/pkg/log"
)

// UPID packs a 16-bit node id, a 32-bit pid and a 16-bit counter, laid
// out in this order in little-endian memory.
type UPID uint64

const (
	maxCounter = 0xffff
)

var (
	// ErrExists is returned when adding a UPID that is already registered.
	ErrExists = errors.New("upid: already registered")
	// ErrExhausted is returned when no free counter value is left for a pid.
	ErrExhausted = errors.New("upid: counter space exhausted")

	log = logger.NewLogger("upid")
)

// New creates a UPID from its components.
func New(node uint16, pid uint32, counter uint16) UPID {
	return UPID(uint64(node) | uint64(pid)<<16 | uint64(counter)<<48)
}

// Node returns the node id of the UPID.
func (u UPID) Node() uint16 {
	return uint16(u)
}

// Pid returns the process id of the UPID.
func (u UPID) Pid() uint32 {
	return uint32(u >> 16)
}

// Counter returns the uniquifying counter of the UPID.
func (u UPID) Counter() uint16 {
	return uint16(u >> 48)
}

// String returns the UPID in hex, as used for store namespaces.
func (u UPID) String() string {
	return strconv.FormatUint(uint64(u), 16)
}

// Parse parses a UPID in hex.
func Parse(s string) (UPID, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "upid: invalid UPID %q", s)
	}
	return UPID(v), nil
}

// Describe returns a human readable form of the UPID.
func (u UPID) Describe() string {
	return fmt.Sprintf("%s (node %04x, pid %d, counter %d)", u, u.Node(), u.Pid(), u.Counter())
}

// machineIDFile identifies the node, with the hostname as a fallback.
var machineIDFile = "/etc/machine-id"

// NodeID returns the 16-bit id of this node.
func NodeID() uint16 {
	id, err := os.ReadFile(machineIDFile)
	if err != nil || len(strings.TrimSpace(string(id))) == 0 {
		host, herr := os.Hostname()
		if herr != nil {
			log.Warn("failed to determine machine id (%v) or hostname (%v)", err, herr)
		}
		id = []byte(host)
	}
	return FoldHash(xxhash.Sum64(id))
}

// FoldHash folds a 64-bit hash to 16 bits.
func FoldHash(h uint64) uint16 {
	return uint16(h ^ h>>16 ^ h>>32 ^ h>>48)
}

// Alive checks if the process with the given pid exists.
func Alive(pid int) bool {
	_, err := unix.Getpgid(pid)
	return err == nil || err == unix.EPERM
}

var random = rand.New(rand.NewSource(time.Now().UnixNano()))

// Allocate registers a new UPID for pid on node. It starts from a random
// counter value and tries every non-zero value once.
func Allocate(reg Registry, node uint16, pid uint32) (UPID, error) {
	start := uint16(random.Intn(maxCounter)) + 1
	counter := start
	for {
		u := New(node, pid, counter)
		err := reg.Add(u)
		if err == nil {
			log.Debug("allocated UPID %s", u.Describe())
			return u, nil
		}
		if errors.Cause(err) != ErrExists {
			return 0, err
		}

		counter++
		if counter == 0 {
			counter = 1
		}
		if counter == start {
			log.Warn("tried all UPID values for pid %d on node %04x", pid, node)
			return 0, errors.Wrapf(ErrExhausted, "pid %d", pid)
		}
	}
}
