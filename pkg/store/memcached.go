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

package store

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
)

const (
	// MemcachedBackend is the name of the memcached backend.
	MemcachedBackend = "memcached"

	// default per-server capacity in megabytes, as memcached's default -m
	defaultMemcachedCapacityMB = 64
	defaultMemcachedTimeout    = 500 * time.Millisecond
)

// Memcached stores pages in a set of memcached servers. Its configuration
// string is "<server>[,<server>...][;capacity=<MB per server>][;timeout=<ms>]".
type Memcached struct {
	sync.Mutex
	client    *memcache.Client
	selector  *memcache.ServerList
	servers   []string
	names     map[string]string // resolved address to configured server
	namespace string
	capacity  uint64            // per server, in bytes
	sizes     map[Key]int       // sizes of the values we have written
	used      map[string]uint64 // bytes written per server
	closed    bool
}

// NewMemcached creates a memcached store.
func NewMemcached(opts Options) (*Memcached, error) {
	cfg := parseConfig(opts.Config)

	servers := []string{}
	for _, s := range strings.Split(cfg.main, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	if len(servers) == 0 {
		return nil, errors.Errorf("store: memcached: no servers in %q", opts.Config)
	}

	capacity, err := cfg.uint("capacity", defaultMemcachedCapacityMB)
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.uint("timeout", uint64(defaultMemcachedTimeout/time.Millisecond))
	if err != nil {
		return nil, err
	}

	selector := &memcache.ServerList{}
	if err := selector.SetServers(servers...); err != nil {
		return nil, errors.Wrapf(err, "store: memcached: invalid servers %q", cfg.main)
	}
	names := make(map[string]string)
	for _, s := range servers {
		sl := &memcache.ServerList{}
		if err := sl.SetServers(s); err != nil {
			return nil, errors.Wrapf(err, "store: memcached: invalid server %q", s)
		}
		if addr, err := sl.PickServer(""); err == nil {
			names[addr.String()] = s
		}
	}

	client := memcache.NewFromSelector(selector)
	client.Timeout = time.Duration(timeout) * time.Millisecond
	client.MaxIdleConns = 2 * len(servers)

	return &Memcached{
		client:    client,
		selector:  selector,
		servers:   servers,
		names:     names,
		namespace: opts.Namespace,
		capacity:  capacity << 20,
		sizes:     make(map[Key]int),
		used:      make(map[string]uint64),
	}, nil
}

// itemKey returns the memcached key for a page.
func (m *Memcached) itemKey(key Key) string {
	if m.namespace == "" {
		return fmt.Sprintf("%x", uint64(key))
	}
	return fmt.Sprintf("%s:%x", m.namespace, uint64(key))
}

// server returns the configured server a key is hashed to.
func (m *Memcached) server(key string) string {
	if len(m.servers) == 1 {
		return m.servers[0]
	}
	addr, err := m.selector.PickServer(key)
	if err != nil {
		return m.servers[0]
	}
	if s, ok := m.names[addr.String()]; ok {
		return s
	}
	return addr.String()
}

func (m *Memcached) Write(key Key, data []byte) error {
	return m.MultiWrite([]Key{key}, [][]byte{data})
}

func (m *Memcached) MultiWrite(keys []Key, data [][]byte) error {
	if err := checkMulti(keys, len(data)); err != nil {
		return err
	}
	if m.isClosed() {
		return ErrClosed
	}

	for i, key := range keys {
		if m.IsFull(key) {
			return ErrFull
		}
		ikey := m.itemKey(key)
		if err := m.client.Set(&memcache.Item{Key: ikey, Value: data[i]}); err != nil {
			return memcachedError(err, "set %s", ikey)
		}
		m.account(key, ikey, len(data[i]))
	}

	return nil
}

func (m *Memcached) Read(key Key, buf []byte) (int, error) {
	if m.isClosed() {
		return 0, ErrClosed
	}
	ikey := m.itemKey(key)
	item, err := m.client.Get(ikey)
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return 0, nil
		}
		return 0, memcachedError(err, "get %s", ikey)
	}
	return copy(buf, item.Value), nil
}

func (m *Memcached) MultiRead(keys []Key, bufs [][]byte) ([]int, error) {
	if err := checkMulti(keys, len(bufs)); err != nil {
		return nil, err
	}
	if m.isClosed() {
		return nil, ErrClosed
	}

	ikeys := make([]string, len(keys))
	for i, key := range keys {
		ikeys[i] = m.itemKey(key)
	}
	items, err := m.client.GetMulti(ikeys)
	if err != nil {
		return nil, memcachedError(err, "get %d keys", len(keys))
	}

	lens := make([]int, len(keys))
	for i, ikey := range ikeys {
		if item, ok := items[ikey]; ok {
			lens[i] = copy(bufs[i], item.Value)
		}
	}

	return lens, nil
}

func (m *Memcached) Remove(key Key) (bool, error) {
	if m.isClosed() {
		return false, ErrClosed
	}
	ikey := m.itemKey(key)
	err := m.client.Delete(ikey)
	m.account(key, ikey, 0)
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return false, nil
		}
		return false, memcachedError(err, "delete %s", ikey)
	}
	return true, nil
}

// account updates the locally tracked usage after a write or delete.
func (m *Memcached) account(key Key, ikey string, size int) {
	m.Lock()
	defer m.Unlock()
	server := m.server(ikey)
	if old, ok := m.sizes[key]; ok {
		m.used[server] -= uint64(old)
		delete(m.sizes, key)
	}
	if size > 0 {
		m.sizes[key] = size
		m.used[server] += uint64(size)
	}
}

func (m *Memcached) IsFull(key Key) bool {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.sizes[key]; ok {
		return false
	}
	return m.used[m.server(m.itemKey(key))]+pageSize > m.capacity
}

func (m *Memcached) IsFullAll() bool {
	m.Lock()
	defer m.Unlock()
	for _, s := range m.servers {
		if m.used[s]+pageSize <= m.capacity {
			return false
		}
	}
	return true
}

func (m *Memcached) Usage() ([]ServerUsage, error) {
	m.Lock()
	defer m.Unlock()
	usage := make([]ServerUsage, 0, len(m.servers))
	for _, s := range m.servers {
		usage = append(usage, ServerUsage{
			Server:   s,
			Capacity: m.capacity,
			Used:     m.used[s],
			Free:     freeOf(m.capacity, m.used[s]),
		})
	}
	return usage, nil
}

func (m *Memcached) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}

func (m *Memcached) isClosed() bool {
	m.Lock()
	defer m.Unlock()
	return m.closed
}

// memcachedError maps a client error to our error taxonomy.
func memcachedError(err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case strings.Contains(err.Error(), "out of memory"), strings.Contains(err.Error(), "SERVER_ERROR object too large"):
		return errors.Wrapf(ErrFull, "memcached %s: %v", msg, err)
	case err == memcache.ErrServerError, err == memcache.ErrNoServers:
		return errors.Wrapf(ErrTemporary, "memcached %s: %v", msg, err)
	}
	var (
		nerr    net.Error
		timeout *memcache.ConnectTimeoutError
	)
	if errors.As(err, &timeout) || errors.As(err, &nerr) {
		return errors.Wrapf(ErrTemporary, "memcached %s: %v", msg, err)
	}
	return errors.Wrapf(err, "memcached %s", msg)
}

func init() {
	Register(MemcachedBackend, func(opts Options) (Store, error) {
		return NewMemcached(opts)
	})
}
