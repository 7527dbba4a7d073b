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
	"time"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// leafTaskSize is the number of leaves hashed by a single task.
const leafTaskSize = 1024

// hasher computes the digests of the nodes modified in a generation. Leaf
// digests are computed first. Internal nodes are processed in bands of
// chunkHeight ranks, starting with the deepest band. Within a band, the
// dirty nodes are grouped into chunks by their ancestor at the top rank of
// the band; chunks of a band are hashed in parallel and a band is only
// started once the band below it is complete.
type hasher struct {
	algorithm   common.HashAlgorithm
	chunkHeight int
	pool        *workerPool
}

func newHasher(algorithm common.HashAlgorithm, chunkHeight int, pool *workerPool) *hasher {
	return &hasher{
		algorithm:   algorithm,
		chunkHeight: max(1, chunkHeight),
		pool:        pool,
	}
}

// hash computes all digests of the given frozen generation and returns its
// root digest. The parent of the generation must be hashed.
func (h *hasher) hash(g *generation) (common.Digest, error) {
	start := time.Now()
	defer hashTimer.UpdateSince(start)

	g.mutex.RLock()
	layout := g.layout
	dirty := make([]*datasource.LeafRecord, 0, len(g.leaves))
	for path, record := range g.leaves {
		if layout.IsLeaf(path) {
			dirty = append(dirty, record)
		}
	}
	g.mutex.RUnlock()

	if layout.IsEmpty() {
		return common.NullDigest, nil
	}

	leafDigests := h.hashLeaves(dirty)
	hashedLeavesMeter.Mark(int64(len(dirty)))
	g.mutex.Lock()
	for _, record := range dirty {
		if record.Digest.IsNull() {
			updated := *record
			updated.Digest = leafDigests[record.Path]
			g.leaves[record.Path] = &updated
		}
	}
	g.mutex.Unlock()

	computed, err := h.hashInternals(g, layout, getDirtyInternals(layout, dirty), leafDigests)
	if err != nil {
		return common.Digest{}, err
	}

	g.mutex.Lock()
	for path, digest := range computed {
		g.internals[path] = digest
	}
	g.mutex.Unlock()
	return computed[topology.RootPath], nil
}

// hashLeaves computes the digests of the given leaf records in parallel.
// Records with a known digest are not rehashed.
func (h *hasher) hashLeaves(records []*datasource.LeafRecord) map[topology.Path]common.Digest {
	digests := make([]common.Digest, len(records))
	tasks := make([]func(), 0, len(records)/leafTaskSize+1)
	for from := 0; from < len(records); from += leafTaskSize {
		from, to := from, min(from+leafTaskSize, len(records))
		tasks = append(tasks, func() {
			for i := from; i < to; i++ {
				if digest := records[i].Digest; !digest.IsNull() {
					digests[i] = digest
				} else {
					digests[i] = h.algorithm.LeafDigest(records[i].Key, records[i].Value)
				}
			}
		})
	}
	if len(tasks) > 0 {
		h.pool.runAll(tasks)
	}
	res := make(map[topology.Path]common.Digest, len(records))
	for i, record := range records {
		res[record.Path] = digests[i]
	}
	return res
}

// getDirtyInternals collects the ancestors of all modified leaves, grouped
// by rank. The root is always included since the layout may have changed.
func getDirtyInternals(layout topology.Layout, dirty []*datasource.LeafRecord) [][]topology.Path {
	seen := map[topology.Path]struct{}{topology.RootPath: {}}
	for _, record := range dirty {
		for path := record.Path; path != topology.RootPath; {
			path = path.Parent()
			if _, found := seen[path]; found {
				break
			}
			seen[path] = struct{}{}
		}
	}
	res := make([][]topology.Path, layout.LastInternalPath().Rank()+1)
	for path := range seen {
		rank := path.Rank()
		res[rank] = append(res[rank], path)
	}
	return res
}

func (h *hasher) hashInternals(
	g *generation,
	layout topology.Layout,
	byRank [][]topology.Path,
	leafDigests map[topology.Path]common.Digest,
) (map[topology.Path]common.Digest, error) {
	computed := map[topology.Path]common.Digest{}

	getChildDigest := func(path topology.Path, local map[topology.Path]common.Digest) (common.Digest, error) {
		if !layout.Contains(path) {
			return common.NullDigest, nil
		}
		if layout.IsLeaf(path) {
			if digest, found := leafDigests[path]; found {
				return digest, nil
			}
			record, err := g.leafAt(path)
			if err != nil {
				return common.Digest{}, err
			}
			return record.Digest, nil
		}
		if digest, found := local[path]; found {
			return digest, nil
		}
		if digest, found := computed[path]; found {
			return digest, nil
		}
		return g.internalAt(path)
	}

	for bottom := len(byRank) - 1; bottom >= 0; bottom -= h.chunkHeight {
		top := max(0, bottom-h.chunkHeight+1)

		chunks := map[topology.Path][]topology.Path{}
		for rank := bottom; rank >= top; rank-- {
			for _, path := range byRank[rank] {
				anchor := path.Ancestor(rank - top)
				chunks[anchor] = append(chunks[anchor], path)
			}
		}
		anchors := maps.Keys(chunks)
		slices.Sort(anchors)

		results := make([]map[topology.Path]common.Digest, len(anchors))
		errs := make([]error, len(anchors))
		tasks := make([]func(), len(anchors))
		for i, anchor := range anchors {
			i, paths := i, chunks[anchor]
			tasks[i] = func() {
				local := make(map[topology.Path]common.Digest, len(paths))
				// Paths are ordered from the bottom rank to the top.
				for _, path := range paths {
					left, err := getChildDigest(path.LeftChild(), local)
					if err != nil {
						errs[i] = err
						return
					}
					right, err := getChildDigest(path.RightChild(), local)
					if err != nil {
						errs[i] = err
						return
					}
					local[path] = h.algorithm.InternalDigest(left, right)
				}
				results[i] = local
			}
		}
		if len(tasks) > 0 {
			h.pool.runAll(tasks)
		}

		for i := range anchors {
			if errs[i] != nil {
				return nil, errs[i]
			}
			for path, digest := range results[i] {
				computed[path] = digest
			}
		}
	}
	return computed, nil
}
