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

// Package control implements the local socket clients use to hand their
// userfaultfd over to the fluidmem daemon.
//
// A client connects to the socket and sends a single message with its pid
// as a 4-byte little-endian integer in the payload and the userfaultfd in
// an SCM_RIGHTS control message. The daemon answers with a single status
// byte, 0 for success.
package control

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	logger "github.com/intel/fluidmem/pkg/log"
)

const (
	// DefaultSocket is the default path of the control socket.
	DefaultSocket = "/var/run/fluidmem/monitor.socket"

	statusOk     byte = 0
	statusFailed byte = 1

	ioTimeout = 5 * time.Second
)

var log = logger.NewLogger("control")

// Handler takes ownership of a received descriptor for the given pid.
type Handler func(pid int, fd int) error

// Server accepts descriptors on a unix socket.
type Server struct {
	sync.Mutex
	path     string
	listener *net.UnixListener
	handler  Handler
	wg       sync.WaitGroup
	stopped  bool
}

// NewServer creates the control socket at path, removing a stale one.
func NewServer(path string, handler Handler) (*Server, error) {
	if path == "" {
		path = DefaultSocket
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "control: failed to create directory for %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "control: failed to remove stale socket %s", path)
	}

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.Wrapf(err, "control: failed to listen on %s", path)
	}

	return &Server{
		path:     path,
		listener: l,
		handler:  handler,
	}, nil
}

// Path returns the path of the control socket.
func (s *Server) Path() string {
	return s.path
}

// Start starts accepting connections.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.accept()
	log.Info("listening for regions on %s", s.path)
}

// Stop stops accepting connections and removes the socket.
func (s *Server) Stop() error {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return nil
	}
	s.stopped = true
	s.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	os.Remove(s.path)

	return err
}

func (s *Server) isStopped() bool {
	s.Lock()
	defer s.Unlock()
	return s.stopped
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if s.isStopped() {
				return
			}
			log.Error("accept failed: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn *net.UnixConn) {
	defer conn.Close()

	pid, fd, err := Receive(conn)
	if err != nil {
		log.Error("failed to receive descriptor: %v", err)
		return
	}

	status := statusOk
	if err := s.handler(pid, fd); err != nil {
		log.Error("failed to register pid %d (fd %d): %v", pid, fd, err)
		status = statusFailed
	} else {
		log.Info("registered pid %d (fd %d)", pid, fd)
	}

	conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	if _, err := conn.Write([]byte{status}); err != nil {
		log.Warn("failed to acknowledge pid %d: %v", pid, err)
	}
}

// Receive reads a pid and a descriptor from conn.
func Receive(conn *net.UnixConn) (int, int, error) {
	buf := make([]byte, 4)
	oob := make([]byte, unix.CmsgSpace(4))

	conn.SetReadDeadline(time.Now().Add(ioTimeout))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, -1, errors.Wrap(err, "control: read failed")
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, -1, errors.Wrap(err, "control: invalid control message")
	}
	fds := []int{}
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	if len(fds) == 0 {
		return 0, -1, errors.New("control: no descriptor received")
	}
	for _, extra := range fds[1:] {
		unix.Close(extra)
	}
	if n < 4 {
		unix.Close(fds[0])
		return 0, -1, errors.Errorf("control: short pid message (%d bytes)", n)
	}

	return int(int32(binary.LittleEndian.Uint32(buf))), fds[0], nil
}

// Send passes fd for pid to the daemon listening on path.
func Send(path string, pid int, fd int) error {
	if path == "" {
		path = DefaultSocket
	}
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return errors.Wrapf(err, "control: failed to connect to %s", path)
	}
	defer conn.Close()

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(pid))

	conn.SetDeadline(time.Now().Add(ioTimeout))
	if _, _, err := conn.WriteMsgUnix(buf, unix.UnixRights(fd), nil); err != nil {
		return errors.Wrap(err, "control: failed to send descriptor")
	}

	status := make([]byte, 1)
	if _, err := conn.Read(status); err != nil {
		return errors.Wrap(err, "control: no acknowledgement")
	}
	if status[0] != statusOk {
		return errors.Errorf("control: daemon refused pid %d", pid)
	}

	return nil
}
