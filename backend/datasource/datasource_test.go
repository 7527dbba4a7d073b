// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package datasource_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/backend/datasource/cache"
	"github.com/Fantom-foundation/vmap/backend/datasource/ldb"
	"github.com/Fantom-foundation/vmap/backend/datasource/memory"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
)

type sourceFactory struct {
	name   string
	create func(t *testing.T) datasource.DataSource
}

func getSourceFactories() []sourceFactory {
	return []sourceFactory{
		{"memory", func(*testing.T) datasource.DataSource { return memory.New() }},
		{"ldb", func(t *testing.T) datasource.DataSource {
			source, err := ldb.Open(t.TempDir(), ldb.Options{})
			if err != nil {
				t.Fatalf("failed to open LevelDB source: %v", err)
			}
			return source
		}},
		{"cached-memory", func(t *testing.T) datasource.DataSource {
			source, err := cache.New(memory.New(), 16)
			if err != nil {
				t.Fatalf("failed to create cache: %v", err)
			}
			return source
		}},
		{"cached-ldb", func(t *testing.T) datasource.DataSource {
			inner, err := ldb.Open(t.TempDir(), ldb.Options{})
			if err != nil {
				t.Fatalf("failed to open LevelDB source: %v", err)
			}
			source, err := cache.New(inner, 16)
			if err != nil {
				t.Fatalf("failed to create cache: %v", err)
			}
			return source
		}},
	}
}

func makeLeaf(path topology.Path, key, value string) *datasource.LeafRecord {
	return &datasource.LeafRecord{
		Path:   path,
		Key:    []byte(key),
		Value:  []byte(value),
		Digest: common.Sha3Hashing.LeafDigest([]byte(key), []byte(value)),
	}
}

func TestDataSource_EmptySourceHasEmptyLayout(t *testing.T) {
	for _, factory := range getSourceFactories() {
		t.Run(factory.name, func(t *testing.T) {
			source := factory.create(t)
			defer source.Close()
			layout, err := source.LoadLayout()
			if err != nil {
				t.Fatalf("failed to load layout: %v", err)
			}
			if !layout.IsEmpty() {
				t.Errorf("expected empty layout, got %v", layout)
			}
			if leaf, err := source.LoadLeaf(1); leaf != nil || err != nil {
				t.Errorf("unexpected leaf %v, err %v", leaf, err)
			}
			if leaf, err := source.LoadLeafByKey([]byte("a")); leaf != nil || err != nil {
				t.Errorf("unexpected leaf %v, err %v", leaf, err)
			}
			if _, found, err := source.LoadInternal(0); found || err != nil {
				t.Errorf("unexpected internal, found %t, err %v", found, err)
			}
		})
	}
}

func TestDataSource_SavedRecordsCanBeLoaded(t *testing.T) {
	for _, factory := range getSourceFactories() {
		t.Run(factory.name, func(t *testing.T) {
			source := factory.create(t)
			defer source.Close()

			a := makeLeaf(1, "a", "1")
			b := makeLeaf(2, "b", "2")
			root := common.Sha3Hashing.InternalDigest(a.Digest, b.Digest)
			batch := &datasource.Batch{
				Layout:    topology.LayoutForSize(2),
				Leaves:    []*datasource.LeafRecord{a, b},
				Internals: []datasource.InternalRecord{{Path: 0, Digest: root}},
			}
			if err := source.SaveBatch(batch); err != nil {
				t.Fatalf("failed to save batch: %v", err)
			}

			layout, err := source.LoadLayout()
			if err != nil || layout != topology.LayoutForSize(2) {
				t.Errorf("unexpected layout %v, err %v", layout, err)
			}
			for _, want := range []*datasource.LeafRecord{a, b} {
				got, err := source.LoadLeaf(want.Path)
				if err != nil || !got.Equal(want) {
					t.Errorf("unexpected leaf at %v: %v, err %v", want.Path, got, err)
				}
				got, err = source.LoadLeafByKey(want.Key)
				if err != nil || !got.Equal(want) {
					t.Errorf("unexpected leaf for key %s: %v, err %v", want.Key, got, err)
				}
			}
			digest, found, err := source.LoadInternal(0)
			if err != nil || !found || digest != root {
				t.Errorf("unexpected root digest %v, found %t, err %v", digest, found, err)
			}
		})
	}
}

func TestDataSource_MovedAndDeletedKeysAreUpdated(t *testing.T) {
	for _, factory := range getSourceFactories() {
		t.Run(factory.name, func(t *testing.T) {
			source := factory.create(t)
			defer source.Close()

			first := &datasource.Batch{
				Layout: topology.LayoutForSize(3),
				Leaves: []*datasource.LeafRecord{
					makeLeaf(2, "b", "2"),
					makeLeaf(3, "a", "1"),
					makeLeaf(4, "c", "3"),
				},
			}
			if err := source.SaveBatch(first); err != nil {
				t.Fatalf("failed to save batch: %v", err)
			}
			// Warm up caches.
			for _, key := range []string{"a", "b", "c"} {
				if leaf, err := source.LoadLeafByKey([]byte(key)); leaf == nil || err != nil {
					t.Fatalf("missing key %s, err %v", key, err)
				}
			}

			// Remove c, causing a to move to path 1.
			second := &datasource.Batch{
				Layout:      topology.LayoutForSize(2),
				Leaves:      []*datasource.LeafRecord{makeLeaf(1, "a", "1")},
				DeletedKeys: [][]byte{[]byte("c")},
			}
			if err := source.SaveBatch(second); err != nil {
				t.Fatalf("failed to save batch: %v", err)
			}

			if leaf, err := source.LoadLeafByKey([]byte("c")); leaf != nil || err != nil {
				t.Errorf("deleted key still present: %v, err %v", leaf, err)
			}
			leaf, err := source.LoadLeafByKey([]byte("a"))
			if err != nil || leaf == nil || leaf.Path != 1 {
				t.Errorf("moved key not found at new location: %v, err %v", leaf, err)
			}
		})
	}
}

func TestDataSource_ConcurrentReadsDuringWrites(t *testing.T) {
	for _, factory := range getSourceFactories() {
		t.Run(factory.name, func(t *testing.T) {
			source := factory.create(t)
			defer source.Close()

			const N = 100
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < N; i++ {
					batch := &datasource.Batch{
						Layout: topology.LayoutForSize(1),
						Leaves: []*datasource.LeafRecord{makeLeaf(1, "k", fmt.Sprintf("%d", i))},
					}
					if err := source.SaveBatch(batch); err != nil {
						t.Errorf("failed to save batch: %v", err)
						return
					}
				}
			}()
			for r := 0; r < 4; r++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < N; i++ {
						if _, err := source.LoadLeafByKey([]byte("k")); err != nil {
							t.Errorf("failed to load: %v", err)
							return
						}
					}
				}()
			}
			wg.Wait()

			leaf, err := source.LoadLeafByKey([]byte("k"))
			if err != nil || leaf == nil || string(leaf.Value) != fmt.Sprintf("%d", N-1) {
				t.Errorf("unexpected final value %v, err %v", leaf, err)
			}
		})
	}
}

func TestDataSource_DropDiscardsContent(t *testing.T) {
	source := memory.New()
	if err := source.SaveBatch(&datasource.Batch{
		Layout: topology.LayoutForSize(1),
		Leaves: []*datasource.LeafRecord{makeLeaf(1, "a", "b")},
	}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if err := datasource.Drop(source); err != nil {
		t.Fatalf("failed to drop: %v", err)
	}
	if source.Size() != 0 {
		t.Errorf("content was not discarded")
	}
}
