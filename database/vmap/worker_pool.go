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

import "sync"

// workerPool runs tasks on a fixed number of goroutines.
type workerPool struct {
	tasks chan func()
	done  sync.WaitGroup
	once  sync.Once
}

func newWorkerPool(workers int) *workerPool {
	if workers < 1 {
		workers = 1
	}
	res := &workerPool{
		tasks: make(chan func(), workers),
	}
	res.done.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer res.done.Done()
			for task := range res.tasks {
				task()
			}
		}()
	}
	return res
}

// submit schedules a task without waiting for its completion.
func (p *workerPool) submit(task func()) {
	p.tasks <- task
}

// runAll executes all tasks and waits for their completion. It must not be
// called from within a task of the same pool.
func (p *workerPool) runAll(tasks []func()) {
	if len(tasks) == 1 {
		tasks[0]()
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, task := range tasks {
		task := task
		p.tasks <- func() {
			defer wg.Done()
			task()
		}
	}
	wg.Wait()
}

// close waits for all submitted tasks and stops the workers.
func (p *workerPool) close() {
	p.once.Do(func() {
		close(p.tasks)
	})
	p.done.Wait()
}
