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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func verifyKeys(t *testing.T, want, got []PageKey) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected keys (-want +got):\n%s", diff)
	}
}

func TestEvictionBufferOrder(t *testing.T) {
	b, err := NewEvictionBuffer(2)
	require.NoError(t, err)

	A, B, C := NewPageKey(1, addr(0)), NewPageKey(1, addr(1)), NewPageKey(1, addr(2))

	require.Empty(t, b.Insert(A))
	require.Empty(t, b.Insert(B))
	verifyKeys(t, []PageKey{A}, b.Insert(C))
	verifyKeys(t, []PageKey{B, C}, b.Keys())

	// relocating does not evict
	require.Empty(t, b.Insert(B))
	verifyKeys(t, []PageKey{C, B}, b.Keys())
	require.False(t, b.IsOverCapacity())

	key, ok := b.PopTail()
	require.True(t, ok)
	require.Equal(t, C, key)
	require.Equal(t, 1, b.Len())
}

func TestEvictionBufferPutBack(t *testing.T) {
	b, err := NewEvictionBuffer(2)
	require.NoError(t, err)

	A, B, C, D := NewPageKey(1, addr(0)), NewPageKey(1, addr(1)), NewPageKey(1, addr(2)), NewPageKey(1, addr(3))

	require.Empty(t, b.Insert(A))
	require.Empty(t, b.Insert(B))
	b.PutBack(C)
	verifyKeys(t, []PageKey{A, B, C}, b.Keys())
	require.True(t, b.IsOverCapacity())

	// the next insert returns the excess
	verifyKeys(t, []PageKey{A, B}, b.Insert(D))
	verifyKeys(t, []PageKey{C, D}, b.Keys())
	require.False(t, b.IsOverCapacity())

	b.PutBack(C)
	verifyKeys(t, []PageKey{D, C}, b.Keys())
}

func TestEvictionBufferBound(t *testing.T) {
	b, err := NewEvictionBuffer(5)
	require.NoError(t, err)

	var evicted []PageKey
	for i := 0; i < 20; i++ {
		evicted = append(evicted, b.Insert(NewPageKey(1, addr(i)))...)
		require.LessOrEqual(t, b.Len(), 5)
	}
	require.Len(t, evicted, 15)
	for i, k := range evicted {
		require.Equal(t, NewPageKey(1, addr(i)), k)
	}
}

func TestEvictionBufferResize(t *testing.T) {
	b, err := NewEvictionBuffer(4)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		b.Insert(NewPageKey(1, addr(i)))
	}

	victims, err := b.Resize(2)
	require.NoError(t, err)
	verifyKeys(t, []PageKey{NewPageKey(1, addr(0)), NewPageKey(1, addr(1))}, victims)
	require.Equal(t, 2, b.Len())

	victims, err = b.Resize(8)
	require.NoError(t, err)
	require.Empty(t, victims)
	require.Equal(t, 8, b.Capacity())

	victims, err = b.Resize(0)
	require.NoError(t, err)
	require.Len(t, victims, 2)
	verifyKeys(t, []PageKey{NewPageKey(1, addr(9))}, b.Insert(NewPageKey(1, addr(9))))
	require.Equal(t, 0, b.Len())

	_, err = b.Resize(-1)
	require.Error(t, err)
}

func TestEvictionBufferRemoveRegion(t *testing.T) {
	b, err := NewEvictionBuffer(8)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		b.Insert(NewPageKey(1, addr(i)))
		b.Insert(NewPageKey(2, addr(i)))
	}

	removed := b.RemoveAllForRegion(1)
	verifyKeys(t, []PageKey{NewPageKey(1, addr(0)), NewPageKey(1, addr(1)), NewPageKey(1, addr(2))}, removed)
	require.Equal(t, 3, b.Len())
	require.False(t, b.Contains(NewPageKey(1, addr(0))))
	require.True(t, b.Contains(NewPageKey(2, addr(0))))
	require.True(t, b.Remove(NewPageKey(2, addr(0))))
}
