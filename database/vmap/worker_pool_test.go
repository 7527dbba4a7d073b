// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package vmap

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestWorkerPool_RunAllExecutesAllTasks(t *testing.T) {
	for _, workers := range []int{0, 1, 2, 8} {
		pool := newWorkerPool(workers)
		var counter atomic.Int32
		tasks := make([]func(), 100)
		for i := range tasks {
			tasks[i] = func() { counter.Add(1) }
		}
		pool.runAll(tasks)
		if got := counter.Load(); got != 100 {
			t.Errorf("unexpected number of executed tasks with %d workers: %d", workers, got)
		}
		pool.close()
	}
}

func TestWorkerPool_CloseWaitsForSubmittedTasks(t *testing.T) {
	pool := newWorkerPool(2)
	var mutex sync.Mutex
	executed := 0
	for i := 0; i < 10; i++ {
		pool.submit(func() {
			mutex.Lock()
			executed++
			mutex.Unlock()
		})
	}
	pool.close()
	if executed != 10 {
		t.Errorf("not all tasks were executed: %d", executed)
	}
	// closing twice is fine
	pool.close()
}
