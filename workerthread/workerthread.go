/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package workerthread runs a single long-lived work function on its own
goroutine, with methods to start and stop it.

The work function receives a running flag and is expected to return
soon after the flag becomes false.
*/
package workerthread

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrAlreadyRunning is returned by Start when the worker is running
	ErrAlreadyRunning = errors.New("attempted to start working thread when it is already running")
	// ErrNotRunning is returned by Stop when the worker is not running
	ErrNotRunning = errors.New("attempted to stop working thread when it is not running")
)

// WorkFunc is the function executed by WorkerThread
type WorkFunc func(running *atomic.Bool)

// WorkerThread runs WorkFunc until stopped
type WorkerThread struct {
	sync.Mutex
	running atomic.Bool
	doWork  WorkFunc
	done    chan struct{}

	// read without the mutex, so the work function may ask for it while Stop joins
	name atomic.Value
}

// New creates a WorkerThread that will run doWork
func New(doWork WorkFunc) *WorkerThread {
	return &WorkerThread{doWork: doWork}
}

// Running reports whether the work function has been started and not stopped
func (w *WorkerThread) Running() bool {
	return w.running.Load()
}

// Name returns the name given on the last Start
func (w *WorkerThread) Name() string {
	name, _ := w.name.Load().(string)
	return name
}

// Start launches the work function on a new goroutine
func (w *WorkerThread) Start(name string) error {
	w.Lock()
	defer w.Unlock()
	if w.running.Load() {
		return fmt.Errorf("%s: %w", name, ErrAlreadyRunning)
	}
	w.name.Store(name)
	w.done = make(chan struct{})
	w.running.Store(true)
	go func(done chan struct{}) {
		defer close(done)
		log.Debugf("working thread %q started", name)
		w.doWork(&w.running)
		log.Debugf("working thread %q finished", name)
	}(w.done)
	return nil
}

// Stop clears the running flag and waits for the work function to return
func (w *WorkerThread) Stop() error {
	w.Lock()
	defer w.Unlock()
	if !w.running.Load() {
		return ErrNotRunning
	}
	w.running.Store(false)
	<-w.done
	return nil
}
