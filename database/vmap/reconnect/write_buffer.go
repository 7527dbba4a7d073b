// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package reconnect

import (
	"sync"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

// writeBuffer collects the leaves reconstructed by a learner and writes
// them asynchronously to the learner's data source in a managed background
// goroutine. A write is triggered whenever the configured number of leaves
// got added since the last one. If writing falls behind, Add blocks until
// the buffer is emptied, such that the memory used by a learner is bounded.
type writeBuffer struct {
	sink                    datasource.DataSource
	layout                  topology.Layout
	capacity                int
	counter                 int
	buffer                  map[topology.Path]*datasource.LeafRecord
	bufferMutex             sync.Mutex
	emptyBufferSignal       chan bool // true if an explicit flush is triggered, false for an implicit
	emptyBufferSignalMutex  sync.Mutex
	emptyBufferSignalClosed bool
	flushDone               chan struct{}
	done                    chan struct{}
	errs                    []error
	errsMutex               sync.Mutex
	written                 int
}

func newWriteBuffer(sink datasource.DataSource, layout topology.Layout, capacity int) *writeBuffer {
	if capacity < 1 {
		capacity = 1
	}
	res := &writeBuffer{
		sink:              sink,
		layout:            layout,
		capacity:          capacity,
		buffer:            make(map[topology.Path]*datasource.LeafRecord, capacity),
		emptyBufferSignal: make(chan bool, 1),
		flushDone:         make(chan struct{}),
		done:              make(chan struct{}),
	}

	go func() {
		defer close(res.done)
		defer close(res.flushDone)
		for flush := range res.emptyBufferSignal {
			res.emptyBuffer()
			if flush {
				res.flushDone <- struct{}{}
			}
		}
		// Leaves added since the last write are written on close.
		res.emptyBuffer()
	}()

	return res
}

// Add queues the given leaf for being written. A leaf replaces any other
// leaf queued for the same path.
func (b *writeBuffer) Add(record *datasource.LeafRecord) error {
	b.bufferMutex.Lock()
	b.buffer[record.Path] = record
	size := len(b.buffer)
	b.bufferMutex.Unlock()

	b.emptyBufferSignalMutex.Lock()
	b.counter++
	if b.counter >= b.capacity && !b.emptyBufferSignalClosed {
		select {
		case b.emptyBufferSignal <- false: // a write is scheduled
		default: // a write is already pending
		}
		b.counter = 0
	}
	b.emptyBufferSignalMutex.Unlock()

	if size >= 2*b.capacity {
		return b.Flush()
	}
	return b.getError()
}

// Flush writes all buffered leaves to the sink.
func (b *writeBuffer) Flush() error {
	b.emptyBufferSignalMutex.Lock()
	if !b.emptyBufferSignalClosed {
		b.emptyBufferSignal <- true
	}
	b.emptyBufferSignalMutex.Unlock()
	<-b.flushDone // finishes either due to flush signal or being closed
	return b.getError()
}

// Close writes buffered leaves and stops the background goroutine.
func (b *writeBuffer) Close() error {
	b.emptyBufferSignalMutex.Lock()
	if !b.emptyBufferSignalClosed {
		close(b.emptyBufferSignal)
		b.emptyBufferSignalClosed = true
	}
	b.emptyBufferSignalMutex.Unlock()
	<-b.done
	return b.getError()
}

func (b *writeBuffer) getError() error {
	b.errsMutex.Lock()
	defer b.errsMutex.Unlock()
	var res error
	for _, err := range b.errs {
		res = errors.CombineErrors(res, err)
	}
	return res
}

func (b *writeBuffer) emptyBuffer() {
	b.bufferMutex.Lock()
	leaves := make([]*datasource.LeafRecord, 0, len(b.buffer))
	for _, record := range b.buffer {
		leaves = append(leaves, record)
	}
	b.bufferMutex.Unlock()
	if len(leaves) == 0 {
		return
	}

	// Sorted batches keep LevelDB writes local.
	slices.SortFunc(leaves, func(a, b *datasource.LeafRecord) bool {
		return a.Path < b.Path
	})

	err := b.sink.SaveBatch(&datasource.Batch{Layout: b.layout, Leaves: leaves})
	if err != nil {
		b.errsMutex.Lock()
		b.errs = append(b.errs, errors.Wrap(err, "failed to write reconstructed leaves"))
		b.errsMutex.Unlock()
	}

	// Leaves replaced in the meantime are kept for the next write.
	b.bufferMutex.Lock()
	for _, record := range leaves {
		if b.buffer[record.Path] == record {
			delete(b.buffer, record.Path)
		}
	}
	b.written += len(leaves)
	b.bufferMutex.Unlock()
}
