// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package worker provides a scoped, named worker goroutine. All tasks
// submitted to a handle run serially on the same goroutine, which makes
// it suitable for owning resources that forbid concurrent access.
package worker

import (
	"errors"
	"sync"
)

// ErrReleased is returned by Do after Release has been called.
var ErrReleased = errors.New("worker: handle released")

// ErrBusy is returned by Do when the submission queue is full.
var ErrBusy = errors.New("worker: task queue full")

const taskQueueSize = 8

// Handle is a reference to an acquired worker goroutine.
type Handle struct {
	name string

	mu       sync.Mutex
	released bool
	tasks    chan func()
	done     chan struct{}
}

// Acquire starts a worker goroutine and returns its handle. The caller
// must call Release once the worker is no longer needed.
func Acquire(name string) *Handle {
	h := &Handle{
		name:  name,
		tasks: make(chan func(), taskQueueSize),
		done:  make(chan struct{}),
	}
	go h.run()
	return h
}

// Name returns the name the handle was acquired with.
func (h *Handle) Name() string { return h.name }

func (h *Handle) run() {
	defer close(h.done)
	for fn := range h.tasks {
		fn()
	}
}

// Do submits fn to run on the worker goroutine. Tasks run serially in
// submission order. Returns ErrReleased if the handle has been
// released, or ErrBusy if the submission queue is full.
func (h *Handle) Do(fn func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	select {
	case h.tasks <- fn:
		return nil
	default:
		return ErrBusy
	}
}

// Release stops the worker. Tasks already submitted still run; Do
// fails afterwards. Release blocks until the worker goroutine has
// exited and is safe to call more than once.
func (h *Handle) Release() {
	h.mu.Lock()
	if !h.released {
		h.released = true
		close(h.tasks)
	}
	h.mu.Unlock()
	<-h.done
}
