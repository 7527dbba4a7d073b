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
	"math/rand"
	"testing"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/backend/datasource/memory"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"github.com/cockroachdb/errors"
	"go.uber.org/mock/gomock"
)

func putRaw(t *testing.T, g *generation, key, value uint64) {
	t.Helper()
	codec := common.Uint64Codec{}
	keyBytes := codec.Serialize(key, nil)
	existing, err := g.findKey(keyBytes)
	if err != nil {
		t.Fatalf("failed to find key: %v", err)
	}
	if err := g.put(keyBytes, codec.Serialize(value, nil), existing); err != nil {
		t.Fatalf("failed to put key: %v", err)
	}
}

func removeRaw(t *testing.T, g *generation, key uint64) {
	t.Helper()
	existing, err := g.findKey((common.Uint64Codec{}).Serialize(key, nil))
	if err != nil {
		t.Fatalf("failed to find key: %v", err)
	}
	if existing == nil {
		return
	}
	if err := g.remove(existing); err != nil {
		t.Fatalf("failed to remove key: %v", err)
	}
}

// newTestFamily creates a family without starting its pipeline.
func newTestFamily(t *testing.T, source datasource.DataSource) *family {
	t.Helper()
	layout, err := source.LoadLayout()
	if err != nil {
		t.Fatalf("failed to load layout: %v", err)
	}
	res := newFamily(source, getTestConfig(), layout)
	t.Cleanup(func() {
		res.hashPool.close()
		res.cleanerPool.close()
	})
	return res
}

// freeze creates the successor of the given generation without involving
// the pipeline.
func freeze(g *generation) *generation {
	g.copied.Store(true)
	g.state.Store(int32(Frozen))
	f := g.family
	f.mutex.Lock()
	defer f.mutex.Unlock()
	res := f.newGeneration(g, g.getLayout())
	f.chain = append(f.chain, res)
	return res
}

// buildTestGenerations creates a chain of two frozen generations with
// random content.
func buildTestGenerations(t *testing.T, seed int64) (*generation, *generation) {
	family := newTestFamily(t, memory.New())
	r := rand.New(rand.NewSource(seed))
	first := family.chain[0]
	for i := 0; i < 1000; i++ {
		putRaw(t, first, uint64(r.Intn(2000)), r.Uint64())
	}
	second := freeze(first)
	for i := 0; i < 300; i++ {
		key := uint64(r.Intn(2000))
		if r.Intn(2) == 0 {
			removeRaw(t, second, key)
		} else {
			putRaw(t, second, key, r.Uint64())
		}
	}
	freeze(second)
	return first, second
}

func getLeavesOf(t *testing.T, g *generation) map[topology.Path]*datasource.LeafRecord {
	t.Helper()
	res := map[topology.Path]*datasource.LeafRecord{}
	layout := g.getLayout()
	for path := layout.FirstLeafPath; layout.IsLeaf(path); path++ {
		leaf, err := g.leafAt(path)
		if err != nil {
			t.Fatalf("failed to load leaf: %v", err)
		}
		res[path] = leaf
	}
	return res
}

func TestHasher_ResultIsIndependentOfChunkHeightAndWorkers(t *testing.T) {
	var want [2]common.Digest
	first, second := buildTestGenerations(t, 1)
	for i, g := range []*generation{first, second} {
		want[i] = getReferenceDigest(common.Sha3Hashing, g.getLayout(), getLeavesOf(t, g), topology.RootPath)
	}

	for chunkHeight := 1; chunkHeight <= 6; chunkHeight++ {
		for workers := 1; workers <= 8; workers++ {
			first, second := buildTestGenerations(t, 1)
			pool := newWorkerPool(workers)
			hasher := newHasher(common.Sha3Hashing, chunkHeight, pool)
			for j, g := range []*generation{first, second} {
				root, err := hasher.hash(g)
				if err != nil {
					t.Fatalf("failed to hash: %v", err)
				}
				if root != want[j] {
					t.Errorf("unexpected root of generation %d with chunk height %d and %d workers", j, chunkHeight, workers)
				}
			}
			pool.close()
		}
	}
}

func TestHasher_OnlyAncestorsOfModifiedLeavesAreRecomputed(t *testing.T) {
	family := newTestFamily(t, memory.New())
	first := family.chain[0]
	for i := uint64(0); i < 100; i++ {
		putRaw(t, first, i, i)
	}
	second := freeze(first)
	putRaw(t, second, 42, 0)
	freeze(second)

	for _, g := range []*generation{first, second} {
		if _, err := family.hasher.hash(g); err != nil {
			t.Fatalf("failed to hash: %v", err)
		}
	}
	record, err := second.findKey((common.Uint64Codec{}).Serialize(42, nil))
	if err != nil || record == nil {
		t.Fatalf("failed to find key: %v", err)
	}
	if got, want := len(second.internals), int(record.Path.Rank()); got != want {
		t.Errorf("unexpected number of recomputed internal nodes, wanted %d, got %d", want, got)
	}
	if record.Digest.IsNull() {
		t.Errorf("hashed leaf should carry its digest")
	}
}

func TestHasher_LoadErrorsAreReported(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := datasource.NewMockDataSource(ctrl)
	injected := errors.New("injected")

	key := (common.Uint64Codec{}).Serialize(1, nil)
	source.EXPECT().LoadLayout().Return(topology.LayoutForSize(4), nil)
	source.EXPECT().LoadLeafByKey(key).Return(&datasource.LeafRecord{Path: 3, Key: key}, nil)
	source.EXPECT().LoadLeaf(gomock.Any()).Return(nil, injected).AnyTimes()
	source.EXPECT().LoadInternal(gomock.Any()).Return(common.Digest{}, false, injected).AnyTimes()

	family := newTestFamily(t, source)
	first := family.chain[0]
	putRaw(t, first, 1, 2)
	freeze(first)

	if _, err := family.hasher.hash(first); !errors.Is(err, injected) {
		t.Errorf("expected injected error, got %v", err)
	}
}
