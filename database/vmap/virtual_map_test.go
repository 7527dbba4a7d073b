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
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/backend/datasource/memory"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"github.com/cockroachdb/errors"
)

type testMap = VirtualMap[uint64, uint64]

func getTestConfig() Config {
	config := DefaultConfig()
	config.FlushInterval = 0
	config.FamilyThrottleThreshold = 0
	config.VirtualMapWarningThreshold = 0
	return config
}

func newTestMap(t *testing.T, source datasource.DataSource, config Config) *testMap {
	t.Helper()
	m, err := New[uint64, uint64](source, common.Uint64Codec{}, common.Uint64Codec{}, config)
	if err != nil {
		t.Fatalf("failed to create map: %v", err)
	}
	return m
}

// releaseAll releases the given handles and waits for the family to shut
// down.
func releaseAll(t *testing.T, maps ...*testMap) {
	t.Helper()
	if len(maps) == 0 {
		return
	}
	for _, m := range maps {
		m.Release()
	}
	select {
	case <-maps[0].family().closed:
	case <-time.After(10 * time.Second):
		t.Fatalf("family was not closed after releasing all generations")
	}
}

func mustGet(t *testing.T, m *testMap, key uint64) (uint64, bool) {
	t.Helper()
	value, found, err := m.Get(key)
	if err != nil {
		t.Fatalf("failed to get key %d: %v", key, err)
	}
	return value, found
}

func mustPut(t *testing.T, m *testMap, key, value uint64) {
	t.Helper()
	if err := m.Put(key, value); err != nil {
		t.Fatalf("failed to put key %d: %v", key, err)
	}
}

func mustRemove(t *testing.T, m *testMap, key uint64) bool {
	t.Helper()
	found, err := m.Remove(key)
	if err != nil {
		t.Fatalf("failed to remove key %d: %v", key, err)
	}
	return found
}

func mustCopy(t *testing.T, m *testMap) *testMap {
	t.Helper()
	res, err := m.Copy()
	if err != nil {
		t.Fatalf("failed to copy map: %v", err)
	}
	return res
}

// getReferenceDigest computes the digest of the node at the given path by
// recursively hashing the full tree described by the given leaves.
func getReferenceDigest(
	algorithm common.HashAlgorithm,
	layout topology.Layout,
	leaves map[topology.Path]*datasource.LeafRecord,
	path topology.Path,
) common.Digest {
	if !layout.Contains(path) {
		return common.NullDigest
	}
	if layout.IsLeaf(path) {
		leaf := leaves[path]
		return algorithm.LeafDigest(leaf.Key, leaf.Value)
	}
	return algorithm.InternalDigest(
		getReferenceDigest(algorithm, layout, leaves, path.LeftChild()),
		getReferenceDigest(algorithm, layout, leaves, path.RightChild()),
	)
}

func getLeaves(t *testing.T, m *testMap) map[topology.Path]*datasource.LeafRecord {
	t.Helper()
	res := map[topology.Path]*datasource.LeafRecord{}
	if m.Size() == 0 {
		return res
	}
	for path := m.FirstLeafPath(); path <= m.LastLeafPath(); path++ {
		leaf, err := m.LeafAt(path)
		if err != nil || leaf == nil {
			t.Fatalf("failed to load leaf at path %v: %v", path, err)
		}
		if leaf.Path != path {
			t.Fatalf("leaf at path %v reports path %v", path, leaf.Path)
		}
		res[path] = leaf
	}
	return res
}

func TestVirtualMap_EmptyMapHasNoEntries(t *testing.T) {
	m := newTestMap(t, memory.New(), getTestConfig())
	defer releaseAll(t, m)

	if _, found := mustGet(t, m, 12); found {
		t.Errorf("empty map should not contain any keys")
	}
	if m.Size() != 0 {
		t.Errorf("unexpected size %d", m.Size())
	}
	if m.FirstLeafPath() != topology.InvalidPath || m.LastLeafPath() != topology.InvalidPath {
		t.Errorf("unexpected leaf range [%v,%v]", m.FirstLeafPath(), m.LastLeafPath())
	}
	if mustRemove(t, m, 12) {
		t.Errorf("removing a missing key should report false")
	}
}

func TestVirtualMap_PutGetAndRemove(t *testing.T) {
	m := newTestMap(t, memory.New(), getTestConfig())
	defer releaseAll(t, m)

	for i := uint64(0); i < 100; i++ {
		mustPut(t, m, i, i*i)
	}
	for i := uint64(0); i < 100; i++ {
		if value, found := mustGet(t, m, i); !found || value != i*i {
			t.Errorf("unexpected value for key %d: %d, found %t", i, value, found)
		}
	}
	for i := uint64(0); i < 100; i += 2 {
		if !mustRemove(t, m, i) {
			t.Errorf("key %d should have been present", i)
		}
	}
	for i := uint64(0); i < 100; i++ {
		_, found := mustGet(t, m, i)
		if want := i%2 == 1; found != want {
			t.Errorf("unexpected presence of key %d: %t", i, found)
		}
	}
	if m.Size() != 50 {
		t.Errorf("unexpected size %d", m.Size())
	}
}

func TestVirtualMap_UpdateKeepsPath(t *testing.T) {
	m := newTestMap(t, memory.New(), getTestConfig())
	defer releaseAll(t, m)

	for i := uint64(0); i < 5; i++ {
		mustPut(t, m, i, 0)
	}
	before := getLeaves(t, m)
	mustPut(t, m, 3, 42)
	mustPut(t, m, 4, 0) // no-op update
	after := getLeaves(t, m)
	if len(before) != len(after) {
		t.Fatalf("update changed the number of leaves")
	}
	for path, leaf := range before {
		if string(leaf.Key) != string(after[path].Key) {
			t.Errorf("update relocated leaves")
		}
	}
	if value, _ := mustGet(t, m, 3); value != 42 {
		t.Errorf("unexpected value %d", value)
	}
}

func TestVirtualMap_KeyZeroIsAtPathSevenInEightLeafMap(t *testing.T) {
	m := newTestMap(t, memory.New(), getTestConfig())
	defer releaseAll(t, m)

	for i := uint64(0); i < 8; i++ {
		mustPut(t, m, i, i)
	}
	if m.FirstLeafPath() != 7 || m.LastLeafPath() != 14 {
		t.Fatalf("unexpected leaf range [%v,%v]", m.FirstLeafPath(), m.LastLeafPath())
	}
	leaf, err := m.LeafAt(7)
	if err != nil {
		t.Fatalf("failed to load leaf: %v", err)
	}
	if want := (common.Uint64Codec{}).Serialize(0, nil); string(leaf.Key) != string(want) {
		t.Errorf("unexpected key at path 7: %x", leaf.Key)
	}
}

func TestVirtualMap_LeafRangeStaysContiguous(t *testing.T) {
	m := newTestMap(t, memory.New(), getTestConfig())
	handles := []*testMap{m}
	defer func() { releaseAll(t, handles...) }()

	r := rand.New(rand.NewSource(42))
	model := map[uint64]uint64{}
	for i := 0; i < 5000; i++ {
		key := uint64(r.Intn(300))
		if r.Intn(3) == 0 {
			mustRemove(t, m, key)
			delete(model, key)
		} else {
			mustPut(t, m, key, uint64(i))
			model[key] = uint64(i)
		}
		if i%500 == 0 {
			m = mustCopy(t, m)
			handles = append(handles, m)
		}
		got := topology.Layout{FirstLeafPath: m.FirstLeafPath(), LastLeafPath: m.LastLeafPath()}
		if want := topology.LayoutForSize(uint64(len(model))); got != want {
			t.Fatalf("unexpected layout after step %d, wanted %v, got %v", i, want, got)
		}
	}

	// Every leaf is reachable by its key and every key is located at its leaf.
	seen := map[uint64]bool{}
	for path, leaf := range getLeaves(t, m) {
		key, _ := (common.Uint64Codec{}).Deserialize(leaf.Key)
		if seen[key] {
			t.Errorf("key %d is present twice", key)
		}
		seen[key] = true
		record, err := m.generation.findKey(leaf.Key)
		if err != nil || record == nil || record.Path != path {
			t.Errorf("key %d at path %v not found by key lookup: %v, %v", key, path, record, err)
		}
	}
	for key, value := range model {
		if got, found := mustGet(t, m, key); !found || got != value {
			t.Errorf("unexpected value for key %d: %d, found %t", key, got, found)
		}
	}
	if len(seen) != len(model) {
		t.Errorf("unexpected number of leaves %d, wanted %d", len(seen), len(model))
	}
}

func TestVirtualMap_CopiesAreIsolated(t *testing.T) {
	m1 := newTestMap(t, memory.New(), getTestConfig())
	for i := uint64(0); i < 50; i++ {
		mustPut(t, m1, i, i)
	}
	m2 := mustCopy(t, m1)
	for i := uint64(0); i < 50; i += 3 {
		mustRemove(t, m2, i)
	}
	for i := uint64(50); i < 80; i++ {
		mustPut(t, m2, i, i)
	}
	mustPut(t, m2, 1, 1000)
	m3 := mustCopy(t, m2)
	mustPut(t, m3, 1, 2000)
	defer releaseAll(t, m1, m2, m3)

	for i := uint64(0); i < 80; i++ {
		value, found := mustGet(t, m1, i)
		if want := i < 50; found != want || (found && value != i) {
			t.Errorf("first generation changed for key %d: %d, %t", i, value, found)
		}
	}
	if m1.Size() != 50 {
		t.Errorf("unexpected size of first generation: %d", m1.Size())
	}
	if value, _ := mustGet(t, m2, 1); value != 1000 {
		t.Errorf("second generation changed: %d", value)
	}
	if value, _ := mustGet(t, m3, 1); value != 2000 {
		t.Errorf("unexpected value in third generation: %d", value)
	}
}

func TestVirtualMap_CopyIsSingleUse(t *testing.T) {
	m1 := newTestMap(t, memory.New(), getTestConfig())
	m2 := mustCopy(t, m1)
	defer releaseAll(t, m1, m2)

	if _, err := m1.Copy(); !errors.Is(err, ErrImmutableGeneration) {
		t.Errorf("second copy should fail, got %v", err)
	}
	if err := m1.Put(1, 2); !errors.Is(err, ErrImmutableGeneration) {
		t.Errorf("put on frozen generation should fail, got %v", err)
	}
	if _, err := m1.Remove(1); !errors.Is(err, ErrImmutableGeneration) {
		t.Errorf("remove on frozen generation should fail, got %v", err)
	}
	if m1.IsMutable() || !m2.IsMutable() {
		t.Errorf("unexpected mutability")
	}
}

func TestVirtualMap_ReleasedHandlesCanNotBeUsed(t *testing.T) {
	m1 := newTestMap(t, memory.New(), getTestConfig())
	m2 := mustCopy(t, m1)
	m1.Release()
	defer releaseAll(t, m2)

	if m1.State() != Released {
		t.Errorf("unexpected state %v", m1.State())
	}
	if _, _, err := m1.Get(1); !errors.Is(err, ErrReleased) {
		t.Errorf("unexpected error %v", err)
	}
	if err := m1.EnableFlush(); !errors.Is(err, ErrReleased) {
		t.Errorf("unexpected error %v", err)
	}
}

func TestVirtualMap_RetainedHandlesNeedToBeReleasedMultipleTimes(t *testing.T) {
	m := newTestMap(t, memory.New(), getTestConfig())
	if err := m.Retain(); err != nil {
		t.Fatalf("failed to retain map: %v", err)
	}
	m.Release()
	if m.State() == Released {
		t.Fatalf("retained map should not be released")
	}
	mustPut(t, m, 1, 2)
	releaseAll(t, m)
	if m.State() != Released {
		t.Errorf("unexpected state %v", m.State())
	}
}

func TestVirtualMap_ReleasedHandlesCanNotBeRetained(t *testing.T) {
	m := newTestMap(t, memory.New(), getTestConfig())
	releaseAll(t, m)
	if err := m.Retain(); !errors.Is(err, ErrReleased) {
		t.Errorf("unexpected error %v", err)
	}
	if m.State() != Released {
		t.Errorf("unexpected state %v", m.State())
	}
}

func TestVirtualMap_CapacityIsEnforced(t *testing.T) {
	config := getTestConfig()
	config.MaximumVirtualMapSize = 3
	m := newTestMap(t, memory.New(), config)
	defer releaseAll(t, m)

	for i := uint64(0); i < 3; i++ {
		mustPut(t, m, i, i)
	}
	if err := m.Put(3, 3); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("expected capacity error, got %v", err)
	}
	mustPut(t, m, 2, 20)
	mustRemove(t, m, 0)
	mustPut(t, m, 3, 3)
	if m.Size() != 3 {
		t.Errorf("unexpected size %d", m.Size())
	}
}

func TestVirtualMap_RootDigestMatchesReference(t *testing.T) {
	for _, algorithm := range []common.HashAlgorithm{common.Sha3Hashing, common.Blake2bHashing} {
		t.Run(algorithm.Name(), func(t *testing.T) {
			config := getTestConfig()
			config.Hashing = algorithm
			config.VirtualHasherChunkHeight = 2
			m := newTestMap(t, memory.New(), config)
			handles := []*testMap{m}
			defer func() { releaseAll(t, handles...) }()

			r := rand.New(rand.NewSource(7))
			for round := 0; round < 20; round++ {
				for i := 0; i < 40; i++ {
					key := uint64(r.Intn(100))
					if r.Intn(4) == 0 {
						mustRemove(t, m, key)
					} else {
						mustPut(t, m, key, r.Uint64())
					}
				}
				next := mustCopy(t, m)
				handles = append(handles, next)

				root, err := m.RootDigest()
				if err != nil {
					t.Fatalf("failed to get root digest: %v", err)
				}
				layout := topology.Layout{FirstLeafPath: m.FirstLeafPath(), LastLeafPath: m.LastLeafPath()}
				leaves := getLeaves(t, m)
				if want := getReferenceDigest(algorithm, layout, leaves, topology.RootPath); root != want {
					t.Fatalf("unexpected root digest in round %d, wanted %v, got %v", round, want, root)
				}
				for path := topology.Path(0); layout.Contains(path); path++ {
					got, err := m.DigestAt(path)
					if err != nil {
						t.Fatalf("failed to get digest at %v: %v", path, err)
					}
					if want := getReferenceDigest(algorithm, layout, leaves, path); got != want {
						t.Fatalf("unexpected digest at path %v in round %d", path, round)
					}
				}
				m = next
			}
		})
	}
}

func TestVirtualMap_RootDigestOfSmallMaps(t *testing.T) {
	algorithm := common.Sha3Hashing
	codec := common.Uint64Codec{}
	leaf := func(key uint64) common.Digest {
		return algorithm.LeafDigest(codec.Serialize(key, nil), codec.Serialize(key, nil))
	}

	m := newTestMap(t, memory.New(), getTestConfig())
	handles := []*testMap{m}
	defer func() { releaseAll(t, handles...) }()

	check := func(want common.Digest) {
		t.Helper()
		next := mustCopy(t, m)
		handles = append(handles, next)
		if got, err := m.RootDigest(); err != nil || got != want {
			t.Errorf("unexpected root digest %v, wanted %v, err %v", got, want, err)
		}
		m = next
	}

	check(common.NullDigest)
	mustPut(t, m, 1, 1)
	check(algorithm.InternalDigest(leaf(1), common.NullDigest))
	mustPut(t, m, 2, 2)
	check(algorithm.InternalDigest(leaf(1), leaf(2)))
	mustRemove(t, m, 2)
	check(algorithm.InternalDigest(leaf(1), common.NullDigest))
	mustRemove(t, m, 1)
	check(common.NullDigest)
}

func TestVirtualMap_DigestsOfMutableGenerationAreNotAvailable(t *testing.T) {
	m := newTestMap(t, memory.New(), getTestConfig())
	defer releaseAll(t, m)

	if _, err := m.RootDigest(); !errors.Is(err, ErrGenerationMutable) {
		t.Errorf("unexpected error %v", err)
	}
	if _, ok := m.TryRootDigest(); ok {
		t.Errorf("mutable generation should not provide a root digest")
	}
	if err := m.WaitUntilFlushed(context.Background()); !errors.Is(err, ErrNotScheduledForFlush) {
		t.Errorf("unexpected error %v", err)
	}
}

func TestVirtualMap_ForEachVisitsAllEntries(t *testing.T) {
	m := newTestMap(t, memory.New(), getTestConfig())
	defer releaseAll(t, m)

	for i := uint64(0); i < 20; i++ {
		mustPut(t, m, i, 2*i)
	}
	seen := map[uint64]uint64{}
	err := m.ForEach(func(key, value uint64) bool {
		seen[key] = value
		return true
	})
	if err != nil {
		t.Fatalf("failed to iterate: %v", err)
	}
	if len(seen) != 20 {
		t.Errorf("unexpected number of entries %d", len(seen))
	}
	for key, value := range seen {
		if value != 2*key {
			t.Errorf("unexpected value %d for key %d", value, key)
		}
	}

	count := 0
	if err := m.ForEach(func(uint64, uint64) bool { count++; return count < 5 }); err != nil || count != 5 {
		t.Errorf("iteration was not aborted: %d, %v", count, err)
	}
}

func TestVirtualMap_MemoryFootprintCoversGenerationsAndSource(t *testing.T) {
	m1 := newTestMap(t, memory.New(), getTestConfig())
	mustPut(t, m1, 1, 1)
	m2 := mustCopy(t, m1)
	defer releaseAll(t, m1, m2)

	mf := m2.GetMemoryFootprint()
	if mf.Total() == 0 {
		t.Errorf("memory footprint should not be empty")
	}
	str := mf.ToString("map")
	for _, part := range []string{"generation-1", "generation-2", "source"} {
		if !strings.Contains(str, part) {
			t.Errorf("missing %s in footprint:\n%s", part, str)
		}
	}
}
