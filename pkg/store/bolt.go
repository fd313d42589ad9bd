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
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	// BoltBackend is the name of the embedded bbolt backend.
	BoltBackend = "bolt"

	defaultBoltNamespace = "pages"
)

// Bolt stores pages durably in a bbolt database file, one bucket per
// namespace. Its configuration string is "<path>[;capacity=<MB>]". Stores
// using the same path share the database.
type Bolt struct {
	db       *sharedDB
	bucket   []byte
	capacity uint64
	// guards closed
	sync.RWMutex
	closed bool
}

// sharedDB is a reference counted database shared between stores.
type sharedDB struct {
	*bolt.DB
	path string
	refs int
}

var (
	boltLock sync.Mutex
	boltDBs  = make(map[string]*sharedDB)
)

func openSharedDB(path string) (*sharedDB, error) {
	boltLock.Lock()
	defer boltLock.Unlock()

	if db, ok := boltDBs[path]; ok {
		db.refs++
		return db, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "store: bolt: failed to create directory for %q", path)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second, NoFreelistSync: true})
	if err != nil {
		return nil, errors.Wrapf(err, "store: bolt: failed to open %q", path)
	}

	shared := &sharedDB{DB: db, path: path, refs: 1}
	boltDBs[path] = shared
	return shared, nil
}

func (db *sharedDB) release() error {
	boltLock.Lock()
	defer boltLock.Unlock()

	db.refs--
	if db.refs > 0 {
		return nil
	}
	delete(boltDBs, db.path)
	return db.Close()
}

// NewBolt creates a bbolt backed store.
func NewBolt(opts Options) (*Bolt, error) {
	cfg := parseConfig(opts.Config)
	if cfg.main == "" {
		return nil, errors.Errorf("store: bolt: no database path in %q", opts.Config)
	}
	capacity, err := cfg.uint("capacity", 0)
	if err != nil {
		return nil, err
	}

	db, err := openSharedDB(cfg.main)
	if err != nil {
		return nil, err
	}

	ns := opts.Namespace
	if ns == "" {
		ns = defaultBoltNamespace
	}
	b := &Bolt{
		db:       db,
		bucket:   []byte(ns),
		capacity: capacity << 20,
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	})
	if err != nil {
		db.release()
		return nil, errors.Wrapf(err, "store: bolt: failed to create bucket %q", ns)
	}

	return b, nil
}

func boltKey(key Key) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(key))
	return k
}

func (b *Bolt) Write(key Key, data []byte) error {
	return b.MultiWrite([]Key{key}, [][]byte{data})
}

func (b *Bolt) MultiWrite(keys []Key, data [][]byte) error {
	if err := checkMulti(keys, len(data)); err != nil {
		return err
	}

	b.RLock()
	defer b.RUnlock()
	if b.closed {
		return ErrClosed
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		for i, key := range keys {
			k := boltKey(key)
			if b.capacity > 0 && bkt.Get(k) == nil && uint64(tx.Size())+pageSize > b.capacity {
				return ErrFull
			}
			if err := bkt.Put(k, data[i]); err != nil {
				return errors.Wrapf(err, "store: bolt: failed to write key 0x%x", uint64(key))
			}
		}
		return nil
	})
}

func (b *Bolt) Read(key Key, buf []byte) (int, error) {
	lens, err := b.MultiRead([]Key{key}, [][]byte{buf})
	if err != nil {
		return 0, err
	}
	return lens[0], nil
}

func (b *Bolt) MultiRead(keys []Key, bufs [][]byte) ([]int, error) {
	if err := checkMulti(keys, len(bufs)); err != nil {
		return nil, err
	}

	b.RLock()
	defer b.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	lens := make([]int, len(keys))
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		for i, key := range keys {
			// values are only valid during the transaction
			if v := bkt.Get(boltKey(key)); v != nil {
				lens[i] = copy(bufs[i], v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: bolt: read failed")
	}

	return lens, nil
}

func (b *Bolt) Remove(key Key) (bool, error) {
	b.RLock()
	defer b.RUnlock()
	if b.closed {
		return false, ErrClosed
	}

	found := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		k := boltKey(key)
		if bkt.Get(k) == nil {
			return nil
		}
		found = true
		return bkt.Delete(k)
	})
	if err != nil {
		return false, errors.Wrapf(err, "store: bolt: failed to remove key 0x%x", uint64(key))
	}

	return found, nil
}

func (b *Bolt) IsFull(key Key) bool {
	if b.capacity == 0 {
		return false
	}
	full := false
	b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(b.bucket).Get(boltKey(key)) == nil {
			full = uint64(tx.Size())+pageSize > b.capacity
		}
		return nil
	})
	return full
}

func (b *Bolt) IsFullAll() bool {
	if b.capacity == 0 {
		return false
	}
	full := false
	b.db.View(func(tx *bolt.Tx) error {
		full = uint64(tx.Size())+pageSize > b.capacity
		return nil
	})
	return full
}

func (b *Bolt) Usage() ([]ServerUsage, error) {
	b.RLock()
	defer b.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	usage := ServerUsage{Server: b.db.path, Capacity: b.capacity}
	err := b.db.View(func(tx *bolt.Tx) error {
		usage.Used = uint64(tx.Size())
		return nil
	})
	if err != nil {
		return nil, err
	}
	if usage.Capacity > 0 {
		usage.Free = freeOf(usage.Capacity, usage.Used)
	}

	return []ServerUsage{usage}, nil
}

// Len returns the number of pages in the namespace of this store.
func (b *Bolt) Len() int {
	n := 0
	b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(b.bucket).Stats().KeyN
		return nil
	})
	return n
}

func (b *Bolt) Close() error {
	b.Lock()
	defer b.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.release()
}

func init() {
	Register(BoltBackend, func(opts Options) (Store, error) {
		return NewBolt(opts)
	})
}
