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
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/intel/fluidmem/pkg/uffd"
)

const (
	// pollTimeout is the longest time in milliseconds spent in poll(2).
	pollTimeout = 1000
	// pollMsgs is the number of messages read from a userfaultfd at once.
	pollMsgs = 16
)

// Poller waits for the events of the userfaultfds of all regions and feeds
// them to an Engine.
type Poller struct {
	sync.Mutex
	engine  *Engine
	handles map[RegionID]*uffd.Handle
	addFd   int // signalled when a region is added
	delFd   int // signalled when a region is removed
	stopped bool
	done    chan struct{}
	msgs    []byte
}

// NewPoller creates a poller for the regions of an engine.
func NewPoller(e *Engine) (*Poller, error) {
	addFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create eventfd")
	}
	delFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(addFd)
		return nil, errors.Wrap(err, "failed to create eventfd")
	}

	p := &Poller{
		engine:  e,
		handles: make(map[RegionID]*uffd.Handle),
		addFd:   addFd,
		delFd:   delFd,
		done:    make(chan struct{}),
		msgs:    make([]byte, pollMsgs*uffd.MsgSize),
	}
	e.OnUnregister(p.unregistered)

	return p, nil
}

// Register registers the userfaultfd fd of process pid. It is meant to be
// used as the handler of a control server.
func (p *Poller) Register(pid, fd int) error {
	h := uffd.FromFd(fd)
	r, err := p.engine.AddRegion(pid, NewUffdMapper(h))
	if err != nil {
		h.Close()
		return err
	}

	p.Lock()
	p.handles[r.ID] = h
	p.Unlock()

	return signal(p.addFd)
}

func (p *Poller) unregistered(r *Region) {
	p.Lock()
	_, ok := p.handles[r.ID]
	delete(p.handles, r.ID)
	p.Unlock()

	if ok {
		if err := signal(p.delFd); err != nil {
			log.Error("failed to signal region removal: %v", err)
		}
	}
}

// Start starts polling in a goroutine.
func (p *Poller) Start() {
	go p.run()
}

// Stop stops polling and waits for the poller goroutine to exit.
func (p *Poller) Stop() {
	p.Lock()
	if p.stopped {
		p.Unlock()
		return
	}
	p.stopped = true
	p.Unlock()

	if err := signal(p.addFd); err == nil {
		<-p.done
	}
	unix.Close(p.addFd)
	unix.Close(p.delFd)
}

func (p *Poller) isStopped() bool {
	p.Lock()
	defer p.Unlock()
	return p.stopped
}

// pollSet returns the descriptors to poll with the regions they belong to.
func (p *Poller) pollSet() ([]unix.PollFd, []RegionID, []*uffd.Handle) {
	p.Lock()
	defer p.Unlock()

	fds := []unix.PollFd{
		{Fd: int32(p.addFd), Events: unix.POLLIN},
		{Fd: int32(p.delFd), Events: unix.POLLIN},
	}
	ids := []RegionID{0, 0}
	handles := []*uffd.Handle{nil, nil}
	for id, h := range p.handles {
		fds = append(fds, unix.PollFd{Fd: int32(h.Fd()), Events: unix.POLLIN})
		ids = append(ids, id)
		handles = append(handles, h)
	}
	return fds, ids, handles
}

func (p *Poller) run() {
	defer close(p.done)
	log.Info("polling for page faults")

	for !p.isStopped() {
		fds, ids, handles := p.pollSet()
		if _, err := unix.Poll(fds, pollTimeout); err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Error("poll failed: %v", err)
			return
		}

		for i, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			if i < 2 {
				drain(int(pfd.Fd))
				continue
			}
			id := ids[i]
			if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				log.Warn("region %s: userfaultfd error (revents 0x%x)", id, pfd.Revents)
				p.engine.ScheduleTeardown(id, TeardownDiscard)
				continue
			}
			if pfd.Revents&unix.POLLIN != 0 {
				p.handleEvents(id, handles[i])
			}
		}
	}

	log.Info("stopped polling for page faults")
}

// handleEvents reads and handles the pending messages of a region.
func (p *Poller) handleEvents(id RegionID, h *uffd.Handle) {
	msgs, err := h.ReadMsgs(p.msgs)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		log.Error("region %s: failed to read userfaultfd: %v", id, err)
		p.engine.ScheduleTeardown(id, TeardownDiscard)
		return
	}

	for _, msg := range msgs {
		switch msg.Event {
		case uffd.EventPagefault:
			err := p.engine.HandleFault(id, msg.Address)
			switch {
			case err == nil:
			case errors.Is(err, ErrRegionDead):
				log.Debug("region %s: %v", id, err)
				p.engine.ScheduleTeardown(id, TeardownDiscard)
				return
			case errors.Is(err, ErrUnknownRegion):
				return
			default:
				rlog.Error("region %s: failed to resolve fault: %v", id, err)
			}
		case uffd.EventFork, uffd.EventRemap, uffd.EventRemove, uffd.EventUnmap:
			log.Warn("region %s: got %s event, removing region", id, msg.Event)
			p.engine.ScheduleTeardown(id, TeardownDiscard)
			return
		default:
			log.Error("region %s: unexpected event %s", id, msg.Event)
		}
	}
}

// signal increments an eventfd.
func signal(fd int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(fd, buf[:])
	return err
}

// drain resets an eventfd.
func drain(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}
