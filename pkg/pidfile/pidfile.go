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

// Package pidfile guards against running two daemons with the same state.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/pkg/errors"
)

// PidFile is a process ID file that is held open for the lifetime of the daemon.
type PidFile struct {
	sync.Mutex
	path string
	file *os.File
}

// New returns a PidFile for the given path, or for the default path if empty.
func New(path string) *PidFile {
	if path == "" {
		path = DefaultPath()
	}
	return &PidFile{path: path}
}

// Path returns the path of the PID file.
func (p *PidFile) Path() string {
	return p.path
}

// Write creates the PID file exclusively and writes os.Getpid() to it. If the
// PID file already exists Write fails. On success the file is kept open.
func (p *PidFile) Write() error {
	p.Lock()
	defer p.Unlock()

	if p.file != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return errors.Wrap(err, "failed to create PID file")
	}

	file, err := os.OpenFile(p.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to create PID file")
	}
	p.file = file

	if _, err = p.file.Write([]byte(fmt.Sprintf("%d\n", os.Getpid()))); err != nil {
		p.close()
		return errors.Wrap(err, "failed to write PID file")
	}

	return nil
}

// Acquire writes the PID file, first removing it if it was left behind by
// a process that is no longer running.
func (p *PidFile) Acquire() error {
	owner, err := p.OwnerPid()
	if err != nil {
		return err
	}
	switch {
	case owner == os.Getpid():
		return nil
	case owner > 0:
		return errors.Errorf("PID file %s is owned by running process %d", p.path, owner)
	}
	if err := p.Remove(); err != nil {
		return errors.Wrap(err, "failed to remove stale PID file")
	}
	return p.Write()
}

// Read returns the process ID found in the PID file, 0 if the file does not
// exist, or -1 and an error if the file cannot be read or parsed.
func (p *PidFile) Read() (int, error) {
	buf, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return -1, errors.Wrap(err, "failed to read PID file")
	}

	pid, err := strconv.Atoi(strings.TrimRight(string(buf), "\n"))
	if err != nil {
		return -1, errors.Wrapf(err, "invalid PID (%q) in PID file", string(buf))
	}

	return pid, nil
}

// Close closes the PID file and truncates it to zero length.
func (p *PidFile) Close() {
	p.Lock()
	defer p.Unlock()
	p.close()
}

func (p *PidFile) close() {
	if p.file != nil {
		p.file.Truncate(0)
		p.file.Close()
		p.file = nil
	}
}

// Remove removes the PID file unconditionally, regardless of whether this
// process created it.
func (p *PidFile) Remove() error {
	p.Lock()
	defer p.Unlock()
	p.close()
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// OwnerPid returns the ID of the running process owning the PID file, 0 if
// no process owns it, or -1 and an error if this cannot be determined.
func (p *PidFile) OwnerPid() (int, error) {
	pid, err := p.Read()
	if err != nil {
		return -1, err
	}
	if pid == 0 {
		return 0, nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return -1, errors.Wrapf(err, "FindProcess() failed for PID %d", pid)
	}

	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return pid, nil
	case err == os.ErrProcessDone, errors.Is(err, syscall.ESRCH):
		return 0, nil
	}

	return -1, errors.Wrapf(err, "failed to check process %d", pid)
}

// DefaultPath returns the default PID file path for this binary.
func DefaultPath() string {
	name := "fluidmemd"
	if len(os.Args) > 0 {
		name = filepath.Base(os.Args[0])
	}
	if os.Geteuid() > 0 {
		return filepath.Join(os.TempDir(), name+".pid")
	}
	return filepath.Join("/", "var", "run", name+".pid")
}
