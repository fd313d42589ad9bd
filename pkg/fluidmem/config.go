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
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/intel/fluidmem/pkg/config"
)

// Config is the configuration of an Engine.
type Config struct {
	// LRUCapacity is the number of pages kept resident in applications.
	LRUCapacity int `json:"lruCapacity"`
	// CacheCapacity is the number of prefetched pages cached locally.
	CacheCapacity int `json:"cacheCapacity"`
	// Prefetch enables read-ahead on sequential faults.
	Prefetch bool `json:"prefetch"`
	// AsyncPrefetch reads ahead in the background instead of the fault path.
	AsyncPrefetch bool `json:"asyncPrefetch"`
	// PrefetchSize is the number of pages to read ahead.
	PrefetchSize int `json:"prefetchSize"`
	// SkipZeroPages avoids writing evicted pages that are all zeroes.
	SkipZeroPages bool `json:"skipZeroPages"`
	// WriteBatchSize is the write list length that triggers a write-back.
	WriteBatchSize int `json:"writeBatchSize"`
	// PrefetchBatchSize is the maximum number of pages read in one prefetch.
	PrefetchBatchSize int `json:"prefetchBatchSize"`
	// PoolSize is the number of pages in each buffer pool.
	PoolSize int `json:"poolSize"`
	// PoolBatch is the number of pages refilled at once.
	PoolBatch int `json:"poolBatch"`
	// LivenessInterval is the period of purging regions of dead processes.
	LivenessInterval config.Duration `json:"livenessInterval"`
	// TeardownTimeout bounds waiting for the workers in a teardown.
	TeardownTimeout config.Duration `json:"teardownTimeout"`
	// ExitOnRecoverableError requests a shutdown on page state errors.
	ExitOnRecoverableError bool `json:"exitOnRecoverableError"`
	// Store configures the stores created for regions.
	Store StoreConfig `json:"store"`
}

// StoreConfig selects and configures the store of regions.
type StoreConfig struct {
	// Backend is the name of the store backend.
	Backend string `json:"backend"`
	// Config is the backend specific connection string.
	Config string `json:"config"`
	// Compression is the optional compression of stored pages.
	Compression string `json:"compression"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		LRUCapacity:       DefaultLRUCapacity,
		CacheCapacity:     DefaultCacheCapacity,
		Prefetch:          false,
		AsyncPrefetch:     true,
		PrefetchSize:      DefaultPrefetchSize,
		SkipZeroPages:     true,
		WriteBatchSize:    DefaultWriteBatchSize,
		PrefetchBatchSize: DefaultPrefetchBatchSize,
		PoolSize:          DefaultPoolSize,
		PoolBatch:         DefaultPoolBatch,
		LivenessInterval:  config.Duration(DefaultLivenessInterval),
		TeardownTimeout:   config.Duration(DefaultTeardownTimeout),
		Store: StoreConfig{
			Backend: "memory",
		},
	}
}

// ParseConfigJson parses a JSON configuration on top of the defaults.
func ParseConfigJson(configJson string) (*Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal([]byte(configJson), cfg); err != nil {
		return nil, errors.Wrap(err, "invalid engine configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.LRUCapacity < 0:
		return errors.Errorf("invalid LRU capacity %d", c.LRUCapacity)
	case c.CacheCapacity < 0:
		return errors.Errorf("invalid page cache capacity %d", c.CacheCapacity)
	case c.PrefetchSize < 0:
		return errors.Errorf("invalid prefetch size %d", c.PrefetchSize)
	case c.WriteBatchSize < 1:
		return errors.Errorf("invalid write batch size %d", c.WriteBatchSize)
	case c.PrefetchBatchSize < 1:
		return errors.Errorf("invalid prefetch batch size %d", c.PrefetchBatchSize)
	case c.PoolBatch < 1:
		return errors.Errorf("invalid buffer pool batch %d", c.PoolBatch)
	case c.PoolSize < c.PoolBatch+2:
		return errors.Errorf("buffer pool size %d too small for batch %d", c.PoolSize, c.PoolBatch)
	case c.Store.Backend == "":
		return errors.New("missing store backend")
	}
	return nil
}

// Copy returns a copy of the configuration.
func (c *Config) Copy() *Config {
	cfg := *c
	return &cfg
}
