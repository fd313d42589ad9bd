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

// Package store is the remote page store interface of fluidmem together
// with its pluggable backends.
package store

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	logger "github.com/intel/fluidmem/pkg/log"
)

// Key identifies a page within a store namespace. It is the page address.
type Key uint64

// ServerUsage is the capacity and usage of one backing server, in bytes.
type ServerUsage struct {
	Server   string
	Capacity uint64
	Used     uint64
	Free     uint64
}

// Store is a key/value store for pages.
type Store interface {
	// Write stores data for key.
	Write(key Key, data []byte) error
	// MultiWrite stores data[i] for keys[i].
	MultiWrite(keys []Key, data [][]byte) error
	// Read reads the data of key into buf. It returns 0 if key is not found.
	Read(key Key, buf []byte) (int, error)
	// MultiRead reads the data of keys[i] into bufs[i], returning the lengths.
	MultiRead(keys []Key, bufs [][]byte) ([]int, error)
	// Remove removes key, returning whether it was found.
	Remove(key Key) (bool, error)
	// IsFull checks if a write of key would exceed the capacity.
	IsFull(key Key) bool
	// IsFullAll checks if all backing servers are full.
	IsFullAll() bool
	// Usage returns capacity and usage for each backing server.
	Usage() ([]ServerUsage, error)
	// Close releases the store.
	Close() error
}

var (
	// ErrFull is returned when the store has no room for a write.
	ErrFull = errors.New("store: full")
	// ErrTemporary is returned for errors a retry may fix.
	ErrTemporary = errors.New("store: temporary failure")
	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store: closed")
	// ErrUnknownBackend is returned for an unregistered backend name.
	ErrUnknownBackend = errors.New("store: unknown backend")
)

// IsTransient returns true for errors a write should be retried after.
func IsTransient(err error) bool {
	cause := errors.Cause(err)
	return cause == ErrFull || cause == ErrTemporary
}

// Options configure a store instance.
type Options struct {
	// Config is the backend specific connection string.
	Config string `json:"config"`
	// Namespace separates the keys of different regions sharing a backend.
	Namespace string `json:"namespace,omitempty"`
	// Compression is the compression algorithm, "", "snappy" or "lz4".
	Compression string `json:"compression,omitempty"`
}

// Creator creates a store instance of a backend.
type Creator func(Options) (Store, error)

var (
	backendsLock sync.RWMutex
	backends     = make(map[string]Creator)

	log = logger.NewLogger("store")
)

// Register registers a store backend.
func Register(name string, creator Creator) {
	backendsLock.Lock()
	defer backendsLock.Unlock()
	backends[name] = creator
}

// New creates a store instance of the named backend.
func New(name string, opts Options) (Store, error) {
	backendsLock.RLock()
	creator, ok := backends[name]
	backendsLock.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBackend, "%q (known: %s)", name, strings.Join(List(), ", "))
	}

	s, err := creator(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "store: failed to create %s backend", name)
	}

	if opts.Compression != "" {
		if s, err = NewCompressed(s, opts.Compression); err != nil {
			return nil, err
		}
	}

	log.Debug("created %s store (namespace %q, compression %q)", name, opts.Namespace, opts.Compression)

	return s, nil
}

// List returns the names of the registered backends.
func List() []string {
	backendsLock.RLock()
	defer backendsLock.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// config is a parsed connection string of the form
// "<main>[;<param>=<value>]...".
type config struct {
	main   string
	params map[string]string
}

func parseConfig(s string) config {
	c := config{params: make(map[string]string)}
	for _, field := range strings.Split(s, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if kv := strings.SplitN(field, "=", 2); len(kv) == 2 {
			c.params[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		} else {
			c.main = field
		}
	}
	return c
}

// uint returns the named unsigned parameter, or def if it is not set.
func (c config) uint(name string, def uint64) (uint64, error) {
	v, ok := c.params[name]
	if !ok {
		return def, nil
	}
	u, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "store: invalid %s %q", name, v)
	}
	return u, nil
}

func checkMulti(keys []Key, n int) error {
	if len(keys) != n {
		return errors.Errorf("store: %d keys but %d buffers", len(keys), n)
	}
	return nil
}

func freeOf(capacity, used uint64) uint64 {
	if used >= capacity {
		return 0
	}
	return capacity - used
}
