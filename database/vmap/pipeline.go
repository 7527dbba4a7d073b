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
	"bytes"
	"time"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

// pipelinePeriod is the interval in which the pipeline checks for work in
// the absence of explicit signals.
const pipelinePeriod = 100 * time.Millisecond

// run is the main loop of the background pipeline of a family. Each round
// hashes frozen generations in order, flushes the newest eligible generation
// and destroys generations no longer reachable. The loop ends once all
// generations of the family are released.
func (f *family) run() {
	defer close(f.closed)
	ticker := time.NewTicker(pipelinePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-f.signal:
		case <-ticker.C:
		}
		if f.process() {
			f.shutdown()
			return
		}
	}
}

// process performs one round of the pipeline and reports whether the
// family is completely released.
func (f *family) process() bool {
	if f.getError() == nil {
		if err := f.hashPending(); err != nil {
			f.fail(err)
		}
	}
	// Flushing may enable further flushes by destroying released generations.
	for f.getError() == nil {
		flushed, err := f.flushPending()
		if err != nil {
			f.fail(err)
		}
		if !flushed {
			break
		}
	}
	return f.cleanup()
}

func (f *family) getChain() []*generation {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return slices.Clone(f.chain)
}

// hashPending hashes all frozen generations in the order of their creation.
func (f *family) hashPending() error {
	for _, g := range f.getChain() {
		state := State(g.state.Load())
		if state == Mutable {
			break
		}
		if state != Frozen {
			continue
		}
		root, err := f.hasher.hash(g)
		if err != nil {
			return errors.Wrapf(err, "failed to hash generation %d", g.id)
		}
		g.root = root
		g.state.CompareAndSwap(int32(Frozen), int32(Hashed))
		close(g.hashed)
	}
	return nil
}

// flushPending flushes the newest generation selected for flushing whose
// older generations are all released. A generation is never flushed while
// an older one may still be read, since the data source is shared by all
// generations of the family.
func (f *family) flushPending() (bool, error) {
	chain := f.getChain()
	candidate := -1
	for i, g := range chain {
		// Only generations newer than the last flush are candidates.
		if g.isFlushed() {
			candidate = -1
		}
		if g.shouldFlush.Load() && State(g.state.Load()) == Hashed {
			candidate = i
		}
		if !g.released.Load() {
			break
		}
	}
	if candidate < 0 {
		return false, nil
	}
	return true, f.flush(chain[:candidate+1])
}

// flush writes the changes of all unflushed generations of the given chain
// to the data source as a single batch. The last generation of the chain is
// the flush target; newer changes override older ones.
func (f *family) flush(chain []*generation) error {
	start := time.Now()
	target := chain[len(chain)-1]

	leaves := map[topology.Path]*datasource.LeafRecord{}
	keys := map[string]topology.Path{}
	internals := map[topology.Path]common.Digest{}
	for _, g := range chain {
		g.mutex.RLock()
		if !g.isFlushed() {
			for path, record := range g.leaves {
				leaves[path] = record
			}
			for key, path := range g.keys {
				keys[key] = path
			}
			for path, digest := range g.internals {
				internals[path] = digest
			}
		}
		g.mutex.RUnlock()
	}

	layout := target.getLayout()
	batch := &datasource.Batch{
		Layout:    layout,
		Leaves:    make([]*datasource.LeafRecord, 0, len(leaves)),
		Internals: make([]datasource.InternalRecord, 0, len(internals)),
	}
	for path, record := range leaves {
		if layout.IsLeaf(path) {
			batch.Leaves = append(batch.Leaves, record)
		}
	}
	slices.SortFunc(batch.Leaves, func(a, b *datasource.LeafRecord) bool {
		return a.Path < b.Path
	})
	for path, digest := range internals {
		if layout.IsInternal(path) {
			batch.Internals = append(batch.Internals, datasource.InternalRecord{Path: path, Digest: digest})
		}
	}
	slices.SortFunc(batch.Internals, func(a, b datasource.InternalRecord) bool {
		return a.Path < b.Path
	})
	for key, path := range keys {
		if path == topology.InvalidPath {
			batch.DeletedKeys = append(batch.DeletedKeys, []byte(key))
		}
	}
	slices.SortFunc(batch.DeletedKeys, func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})

	if err := f.source.SaveBatch(batch); err != nil {
		return wrapFlushError(err, target.id)
	}

	// All generations of the chain are now represented by the data source.
	// The older ones are released, so their records can be dropped as well.
	for _, g := range chain {
		g.prune()
		g.markFlushed()
	}
	flushCounter.Inc(1)
	flushTimer.UpdateSince(start)
	f.logger.Debug("Flushed generation", "id", target.id, "generations", len(chain),
		"leaves", len(batch.Leaves), "internals", len(batch.Internals),
		"deleted", len(batch.DeletedKeys), "time", time.Since(start))
	return nil
}

// cleanup destroys the released generations preceding the newest flushed
// generation, since their content is now provided by the data source. It
// reports whether all generations of the family are released.
func (f *family) cleanup() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	lastFlushed := -1
	for i, g := range f.chain {
		if g.isFlushed() {
			lastFlushed = i
		}
	}
	remove := 0
	for remove <= lastFlushed && f.chain[remove].released.Load() {
		remove++
	}
	for _, g := range f.chain[:remove] {
		g := g
		g.markFlushed()
		f.cleanerPool.submit(g.destroy)
	}
	f.chain = f.chain[remove:]
	if remove > 0 && len(f.chain) > 0 {
		f.chain[0].parent.Store(nil)
	}

	for _, g := range f.chain {
		if !g.released.Load() {
			return false
		}
	}
	return true
}

// shutdown stops the background workers and closes the data source once
// all generations are released.
func (f *family) shutdown() {
	f.mutex.Lock()
	for _, g := range f.chain {
		f.cleanerPool.submit(g.destroy)
	}
	f.chain = nil
	f.mutex.Unlock()

	f.hashPool.close()
	f.cleanerPool.close()
	if err := f.source.Close(); err != nil {
		f.logger.Error("Failed to close data source", "err", err)
	}
	f.logger.Debug("Virtual map family closed")
}
