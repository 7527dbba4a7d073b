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
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/log"
)

var familyCounter atomic.Uint64

// family is the set of generations sharing a data source. It owns the
// background pipeline hashing, flushing and destroying generations.
type family struct {
	id     uint64
	config Config
	source datasource.DataSource
	hasher *hasher
	logger log.Logger

	mutex         sync.Mutex
	chain         []*generation // oldest first, the last one may be mutable
	nextId        uint64
	unflushedSize int64 // bytes copied since the last size based flush selection

	errMutex sync.Mutex
	err      error
	failed   chan struct{} // closed on the first fatal error

	hashPool    *workerPool
	cleanerPool *workerPool
	signal      chan struct{}
	closed      chan struct{} // closed once the data source is closed
}

func newFamily(source datasource.DataSource, config Config, layout topology.Layout) *family {
	id := familyCounter.Add(1)
	hashPool := newWorkerPool(config.hashThreads(runtime.NumCPU()))
	res := &family{
		id:          id,
		config:      config,
		source:      source,
		hasher:      newHasher(config.Hashing, config.VirtualHasherChunkHeight, hashPool),
		logger:      log.New("family", id),
		nextId:      1,
		failed:      make(chan struct{}),
		hashPool:    hashPool,
		cleanerPool: newWorkerPool(config.NumCleanerThreads),
		signal:      make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	res.chain = []*generation{res.newGeneration(nil, layout)}
	return res
}

// newGeneration creates a mutable generation; the family mutex must be held
// unless the family is under construction.
func (f *family) newGeneration(parent *generation, layout topology.Layout) *generation {
	res := newGeneration(f, f.nextId, parent, layout)
	f.nextId++
	return res
}

// notify wakes up the pipeline.
func (f *family) notify() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *family) getError() error {
	f.errMutex.Lock()
	defer f.errMutex.Unlock()
	return f.err
}

// fail records a fatal error. Only the first error is retained.
func (f *family) fail(err error) {
	f.errMutex.Lock()
	defer f.errMutex.Unlock()
	if f.err != nil {
		return
	}
	f.err = err
	close(f.failed)
	f.logger.Error("Virtual map family failed", "err", err)
}

// copy freezes the given mutable generation and creates its successor.
func (f *family) copy(g *generation) (*generation, error) {
	if err := f.getError(); err != nil {
		return nil, err
	}
	if g.released.Load() {
		return nil, ErrReleased
	}
	if !g.copied.CompareAndSwap(false, true) {
		return nil, ErrImmutableGeneration
	}

	f.throttle()

	layout := g.getLayout()
	g.state.Store(int32(Frozen))

	f.mutex.Lock()
	if f.selectForFlush(g) {
		g.shouldFlush.Store(true)
	}
	res := f.newGeneration(g, layout)
	f.chain = append(f.chain, res)
	f.mutex.Unlock()

	f.notify()
	return res, nil
}

// selectForFlush applies the flush policy to a generation being frozen. The
// family mutex must be held.
func (f *family) selectForFlush(g *generation) bool {
	if threshold := f.config.CopyFlushThreshold; threshold > 0 {
		f.unflushedSize += g.size.Load()
		if g.shouldFlush.Load() || f.unflushedSize >= threshold {
			f.unflushedSize = 0
			return true
		}
		return false
	}
	if interval := uint64(f.config.FlushInterval); interval > 0 && g.id%interval == 0 {
		return true
	}
	return g.shouldFlush.Load()
}

// getBacklog returns the estimated size of all unreleased generations and
// the number of generations awaiting a flush.
func (f *family) getBacklog() (int64, int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	size := int64(0)
	backlog := 0
	for _, g := range f.chain {
		if !g.released.Load() {
			size += g.size.Load()
		}
		if g.shouldFlush.Load() && !g.isFlushed() {
			backlog++
		}
	}
	return size, backlog
}

// throttle delays the creation of a new generation if the family holds too
// much unflushed data.
func (f *family) throttle() {
	size, backlog := f.getBacklog()
	familySizeGauge.Update(size)
	delay := getThrottleDelay(&f.config, size, backlog)
	if delay <= 0 {
		return
	}
	f.logger.Debug("Throttling copy", "size", size, "backlog", backlog, "delay", delay)
	throttleTimer.Update(delay)
	time.Sleep(delay)
}

// getThrottleDelay computes the delay of a copy for a family of the given
// size with the given number of generations awaiting a flush.
func getThrottleDelay(config *Config, familySize int64, backlog int) time.Duration {
	if config.FamilyThrottleThreshold <= 0 || familySize <= config.FamilyThrottleThreshold {
		return 0
	}
	excess := backlog - config.PreferredFlushQueueSize
	if excess <= 0 {
		return 0
	}
	return min(time.Duration(excess)*config.FlushThrottleStepSize, config.MaximumFlushThrottlePeriod)
}

// checkSize logs a warning when a growing map crosses the warning threshold
// or one of the following intervals.
func (f *family) checkSize(size uint64) {
	threshold := f.config.VirtualMapWarningThreshold
	if threshold <= 0 || int64(size) < threshold {
		return
	}
	if (int64(size)-threshold)%f.config.VirtualMapWarningInterval == 0 {
		f.logger.Warn("Virtual map is approaching its capacity", "size", size, "maximum", f.config.MaximumVirtualMapSize)
	}
}

func (f *family) enableFlush(g *generation) error {
	if g.released.Load() {
		return ErrReleased
	}
	g.shouldFlush.Store(true)
	f.notify()
	return nil
}

func (f *family) release(g *generation) {
	if g.release() {
		f.notify()
	}
}

func (f *family) waitUntilHashed(ctx context.Context, g *generation) error {
	if g.getState() == Mutable && !g.copied.Load() {
		return ErrGenerationMutable
	}
	select {
	case <-g.hashed:
		return nil
	case <-f.failed:
		return f.getError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *family) waitUntilFlushed(ctx context.Context, g *generation) error {
	if !g.shouldFlush.Load() {
		return ErrNotScheduledForFlush
	}
	select {
	case <-g.flushed:
		return nil
	case <-f.failed:
		return f.getError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wrapFlushError marks an error as a flush failure, keeping its cause.
func wrapFlushError(err error, id uint64) error {
	return errors.Mark(errors.Wrapf(err, "failed to flush generation %d", id), ErrFlushIO)
}
