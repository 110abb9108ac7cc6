// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs tasks, the simulated cores of a launch, on a bounded number of goroutines.
package workerspool

import (
	"sync"
)

// Pool of workers.
type Pool struct {
	// maxParallelism is the number of tasks running at once: 0 runs them inline in the caller,
	// and a negative value doesn't limit them.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning decreases.
	numRunning     int
}

// New returns a Pool with the given parallelism.
func New(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether tasks run in their own goroutines.
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether any number of tasks can run at once.
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// WaitToStart blocks until a worker is available, and starts task on it.
//
// With parallelism disabled, it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if !w.IsEnabled() {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// Running returns the number of tasks started and not yet finished.
func (w *Pool) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numRunning
}
