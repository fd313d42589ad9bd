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
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

// worker runs a drain function in a goroutine whenever it is kicked or
// flushed. A single wakeup drains until nothing is left.
type worker struct {
	name    string
	drain   func(context.Context) bool
	kick    chan struct{}
	flush   chan chan struct{}
	done    chan struct{}
	running atomic.Bool
}

func newWorker(name string, drain func(context.Context) bool) *worker {
	return &worker{
		name:  name,
		drain: drain,
		kick:  make(chan struct{}, 1),
		flush: make(chan chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start starts the worker goroutine, which runs until ctx is done.
func (w *worker) Start(ctx context.Context) {
	if w.running.Swap(true) {
		return
	}
	go w.run(ctx)
}

// Kick wakes up the worker.
func (w *worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Flush waits until the worker has drained everything queued before the
// call. Without a running worker the drain happens synchronously.
func (w *worker) Flush(ctx context.Context) error {
	if !w.running.Load() {
		for w.drain(ctx) {
		}
		return ctx.Err()
	}

	req := make(chan struct{})
	select {
	case w.flush <- req:
	case <-w.done:
		return errors.Wrapf(ErrClosed, "%s worker", w.name)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req:
		return nil
	case <-w.done:
		return errors.Wrapf(ErrClosed, "%s worker", w.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the worker has stopped.
func (w *worker) Done() <-chan struct{} {
	return w.done
}

func (w *worker) run(ctx context.Context) {
	log.Debug("%s worker started", w.name)
	defer func() {
		log.Debug("%s worker stopped", w.name)
		close(w.done)
	}()

	var flushes []chan struct{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
		case req := <-w.flush:
			flushes = append(flushes, req)
		}

		for w.drain(ctx) {
			if ctx.Err() != nil {
				return
			}
		}

		for _, req := range flushes {
			close(req)
		}
		flushes = flushes[:0]
	}
}
