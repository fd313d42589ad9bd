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

package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testPidFile = "pidfile-test.pid"
)

func prepare(t *testing.T) *PidFile {
	return New(filepath.Join(t.TempDir(), testPidFile))
}

func TestPath(t *testing.T) {
	p := New("/some/where.pid")
	require.Equal(t, "/some/where.pid", p.Path())
	require.NotEmpty(t, New("").Path())
}

func TestReadNonExisting(t *testing.T) {
	p := prepare(t)
	pid, err := p.Read()
	require.Nil(t, err)
	require.Equal(t, 0, pid)
}

func TestRemoveNonExisting(t *testing.T) {
	p := prepare(t)
	require.Nil(t, p.Remove())
}

func TestWrite(t *testing.T) {
	p := prepare(t)

	require.Nil(t, p.Write())
	pid, err := p.Read()
	require.Nil(t, err)
	require.Equal(t, os.Getpid(), pid)

	// a second Write while we hold the file is a no-op
	require.Nil(t, p.Write())
	pid, err = p.Read()
	require.Nil(t, err)
	require.Equal(t, os.Getpid(), pid)
}

func TestReadClosed(t *testing.T) {
	p := prepare(t)

	require.Nil(t, p.Write())
	p.Close()

	pid, err := p.Read()
	require.NotNil(t, err)
	require.Equal(t, -1, pid)
}

func TestFailToOverwrite(t *testing.T) {
	p := prepare(t)

	require.Nil(t, p.Write())
	other := New(p.Path())
	require.NotNil(t, other.Write())
}

func TestRemoveToOverwrite(t *testing.T) {
	p := prepare(t)

	require.Nil(t, p.Write())
	require.Nil(t, p.Remove())
	require.Nil(t, p.Write())

	pid, err := p.Read()
	require.Nil(t, err)
	require.Equal(t, os.Getpid(), pid)
}

func TestOwnerPid(t *testing.T) {
	p := prepare(t)

	require.Nil(t, p.Write())
	pid, err := p.OwnerPid()
	require.Nil(t, err)
	require.Equal(t, os.Getpid(), pid)
}

func TestAcquire(t *testing.T) {
	p := prepare(t)

	// a running owner blocks acquisition
	require.Nil(t, p.Write())
	other := New(p.Path())
	require.Nil(t, os.WriteFile(p.Path(), []byte("1\n"), 0644))
	require.NotNil(t, other.Acquire())

	// a stale owner is replaced
	require.Nil(t, os.WriteFile(p.Path(), []byte("2147483646\n"), 0644))
	require.Nil(t, other.Acquire())
	pid, err := other.Read()
	require.Nil(t, err)
	require.Equal(t, os.Getpid(), pid)
}
