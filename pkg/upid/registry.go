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

package upid

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/pkg/errors"
)

// Registry keeps track of allocated UPIDs.
type Registry interface {
	// Add registers a UPID. It returns ErrExists if it is already taken.
	Add(UPID) error
	// Remove unregisters a UPID. Removing an unknown UPID is not an error.
	Remove(UPID) error
	// List returns the registered UPIDs in ascending order.
	List() ([]UPID, error)
	// Close releases the registry.
	Close() error
}

const (
	// LocalRegistry is the name of the in-process registry.
	LocalRegistry = "local"
	// ZookeeperRegistry is the name of the zookeeper backed registry.
	ZookeeperRegistry = "zookeeper"

	defaultZookeeperTimeout = 5 * time.Second
)

// Open opens the named registry. For zookeeper config is a comma-separated
// list of servers.
func Open(name, config string) (Registry, error) {
	switch name {
	case LocalRegistry, "":
		return NewLocal(), nil
	case ZookeeperRegistry:
		servers := []string{}
		for _, s := range strings.Split(config, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		return NewZookeeper(servers, DefaultZookeeperRoot, defaultZookeeperTimeout)
	}
	return nil, errors.Errorf("upid: unknown registry %q", name)
}

// Local is an in-process Registry. Its set is an immutable map, so List
// works on a consistent snapshot without holding the lock.
type Local struct {
	sync.Mutex
	upids *immutable.Map
}

type upidHasher struct{}

func (upidHasher) Hash(key interface{}) uint32 {
	u := uint64(key.(UPID))
	return uint32(u ^ u>>32)
}

func (upidHasher) Equal(a, b interface{}) bool {
	return a.(UPID) == b.(UPID)
}

// NewLocal creates an in-process Registry.
func NewLocal() *Local {
	return &Local{upids: immutable.NewMap(upidHasher{})}
}

func (l *Local) Add(u UPID) error {
	l.Lock()
	defer l.Unlock()
	if _, ok := l.upids.Get(u); ok {
		return errors.Wrapf(ErrExists, "%s", u)
	}
	l.upids = l.upids.Set(u, time.Now())
	return nil
}

func (l *Local) Remove(u UPID) error {
	l.Lock()
	defer l.Unlock()
	l.upids = l.upids.Delete(u)
	return nil
}

func (l *Local) snapshot() *immutable.Map {
	l.Lock()
	defer l.Unlock()
	return l.upids
}

func (l *Local) List() ([]UPID, error) {
	return listMap(l.snapshot()), nil
}

func listMap(m *immutable.Map) []UPID {
	upids := make([]UPID, 0, m.Len())
	for itr := m.Iterator(); !itr.Done(); {
		k, _ := itr.Next()
		upids = append(upids, k.(UPID))
	}
	sortUPIDs(upids)
	return upids
}

func (l *Local) Close() error {
	return nil
}

func sortUPIDs(upids []UPID) {
	sort.Slice(upids, func(i, j int) bool { return upids[i] < upids[j] })
}
