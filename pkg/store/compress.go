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
	"bytes"
	"io"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

const (
	// CompressionSnappy selects snappy block compression.
	CompressionSnappy = "snappy"
	// CompressionLZ4 selects lz4 frame compression.
	CompressionLZ4 = "lz4"
)

// value tags of stored data
const (
	tagRaw        byte = 0
	tagCompressed byte = 1
)

type codec struct {
	encode func([]byte) ([]byte, error)
	decode func(dst, src []byte) (int, error)
}

var codecs = map[string]codec{
	CompressionSnappy: {
		encode: func(in []byte) ([]byte, error) {
			return snappy.Encode(nil, in), nil
		},
		decode: func(dst, src []byte) (int, error) {
			n, err := snappy.DecodedLen(src)
			if err != nil {
				return 0, err
			}
			if n > len(dst) {
				return 0, errors.Errorf("decoded length %d exceeds buffer of %d bytes", n, len(dst))
			}
			out, err := snappy.Decode(dst, src)
			if err != nil {
				return 0, err
			}
			return len(out), nil
		},
	},
	CompressionLZ4: {
		encode: func(in []byte) ([]byte, error) {
			buf := &bytes.Buffer{}
			w := lz4.NewWriter(buf)
			w.NoChecksum = true
			if _, err := w.Write(in); err != nil {
				return nil, err
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		decode: func(dst, src []byte) (int, error) {
			r := lz4.NewReader(bytes.NewReader(src))
			n, err := io.ReadFull(r, dst)
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				err = nil
			}
			return n, err
		},
	},
}

// Compressed wraps a store, compressing values on the way in. Values
// that do not shrink are stored as is.
type Compressed struct {
	Store
	algorithm string
	codec     codec
}

// NewCompressed wraps a store with the given compression algorithm.
func NewCompressed(s Store, algorithm string) (*Compressed, error) {
	c, ok := codecs[algorithm]
	if !ok {
		return nil, errors.Errorf("store: unknown compression %q", algorithm)
	}
	return &Compressed{Store: s, algorithm: algorithm, codec: c}, nil
}

// Algorithm returns the compression algorithm used.
func (c *Compressed) Algorithm() string {
	return c.algorithm
}

func (c *Compressed) pack(data []byte) ([]byte, error) {
	enc, err := c.codec.encode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "store: %s compression failed", c.algorithm)
	}
	if len(enc) < len(data) {
		return append([]byte{tagCompressed}, enc...), nil
	}
	return append([]byte{tagRaw}, data...), nil
}

func (c *Compressed) unpack(stored, buf []byte) (int, error) {
	if len(stored) == 0 {
		return 0, nil
	}
	switch stored[0] {
	case tagRaw:
		return copy(buf, stored[1:]), nil
	case tagCompressed:
		n, err := c.codec.decode(buf, stored[1:])
		if err != nil {
			return 0, errors.Wrapf(err, "store: %s decompression failed", c.algorithm)
		}
		return n, nil
	}
	return 0, errors.Errorf("store: invalid value tag %d", stored[0])
}

func (c *Compressed) Write(key Key, data []byte) error {
	packed, err := c.pack(data)
	if err != nil {
		return err
	}
	return c.Store.Write(key, packed)
}

func (c *Compressed) MultiWrite(keys []Key, data [][]byte) error {
	if err := checkMulti(keys, len(data)); err != nil {
		return err
	}
	packed := make([][]byte, len(data))
	for i, d := range data {
		p, err := c.pack(d)
		if err != nil {
			return err
		}
		packed[i] = p
	}
	return c.Store.MultiWrite(keys, packed)
}

func (c *Compressed) Read(key Key, buf []byte) (int, error) {
	stored := make([]byte, len(buf)+1)
	n, err := c.Store.Read(key, stored)
	if err != nil || n == 0 {
		return 0, err
	}
	return c.unpack(stored[:n], buf)
}

func (c *Compressed) MultiRead(keys []Key, bufs [][]byte) ([]int, error) {
	if err := checkMulti(keys, len(bufs)); err != nil {
		return nil, err
	}
	stored := make([][]byte, len(bufs))
	for i, buf := range bufs {
		stored[i] = make([]byte, len(buf)+1)
	}
	lens, err := c.Store.MultiRead(keys, stored)
	if err != nil {
		return nil, err
	}
	for i, n := range lens {
		if n == 0 {
			continue
		}
		if lens[i], err = c.unpack(stored[i][:n], bufs[i]); err != nil {
			return nil, errors.Wrapf(err, "key 0x%x", uint64(keys[i]))
		}
	}
	return lens, nil
}
