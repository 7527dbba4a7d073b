// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package cache

import (
	"bytes"
	"sync"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	lru "github.com/hashicorp/golang-lru"
)

// DataSource wraps another data source and keeps recently loaded leaves and
// digests in LRU caches. Updates are written through.
type DataSource struct {
	source    datasource.DataSource
	leaves    *lru.Cache // topology.Path -> *datasource.LeafRecord
	keys      *lru.Cache // string -> topology.Path
	internals *lru.Cache // topology.Path -> common.Digest

	// epoch is incremented by each SaveBatch. Values loaded from the wrapped
	// source in an outdated epoch are not cached since they may have been
	// replaced concurrently.
	epoch uint64
	mutex sync.Mutex
}

// New creates a caching data source retaining up to capacity entries per
// record type.
func New(source datasource.DataSource, capacity int) (*DataSource, error) {
	leaves, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	keys, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	internals, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &DataSource{
		source:    source,
		leaves:    leaves,
		keys:      keys,
		internals: internals,
	}, nil
}

func (s *DataSource) currentEpoch() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.epoch
}

// addIfCurrent runs the given update if no batch was saved since the epoch.
func (s *DataSource) addIfCurrent(epoch uint64, update func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.epoch == epoch {
		update()
	}
}

func (s *DataSource) LoadLeaf(path topology.Path) (*datasource.LeafRecord, error) {
	if leaf, found := s.leaves.Get(path); found {
		return leaf.(*datasource.LeafRecord), nil
	}
	epoch := s.currentEpoch()
	leaf, err := s.source.LoadLeaf(path)
	if err != nil || leaf == nil {
		return leaf, err
	}
	s.addIfCurrent(epoch, func() { s.leaves.Add(path, leaf) })
	return leaf, nil
}

func (s *DataSource) LoadLeafByKey(key []byte) (*datasource.LeafRecord, error) {
	if path, found := s.keys.Get(string(key)); found {
		if leaf, found := s.leaves.Get(path); found {
			if res := leaf.(*datasource.LeafRecord); bytes.Equal(res.Key, key) {
				return res, nil
			}
		}
	}
	epoch := s.currentEpoch()
	leaf, err := s.source.LoadLeafByKey(key)
	if err != nil || leaf == nil {
		return leaf, err
	}
	s.addIfCurrent(epoch, func() {
		s.keys.Add(string(key), leaf.Path)
		s.leaves.Add(leaf.Path, leaf)
	})
	return leaf, nil
}

func (s *DataSource) LoadInternal(path topology.Path) (common.Digest, bool, error) {
	if digest, found := s.internals.Get(path); found {
		return digest.(common.Digest), true, nil
	}
	epoch := s.currentEpoch()
	digest, found, err := s.source.LoadInternal(path)
	if err != nil || !found {
		return digest, found, err
	}
	s.addIfCurrent(epoch, func() { s.internals.Add(path, digest) })
	return digest, true, nil
}

func (s *DataSource) LoadLayout() (topology.Layout, error) {
	return s.source.LoadLayout()
}

func (s *DataSource) SaveBatch(batch *datasource.Batch) error {
	if err := s.source.SaveBatch(batch); err != nil {
		// The state of the wrapped source is unknown, start over.
		s.mutex.Lock()
		s.epoch++
		s.leaves.Purge()
		s.keys.Purge()
		s.internals.Purge()
		s.mutex.Unlock()
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.epoch++
	for _, key := range batch.DeletedKeys {
		s.keys.Remove(string(key))
	}
	for _, leaf := range batch.Leaves {
		s.leaves.Add(leaf.Path, leaf)
		s.keys.Add(string(leaf.Key), leaf.Path)
	}
	for _, internal := range batch.Internals {
		s.internals.Add(internal.Path, internal.Digest)
	}
	return nil
}

func (s *DataSource) Close() error {
	s.mutex.Lock()
	s.leaves.Purge()
	s.keys.Purge()
	s.internals.Purge()
	s.mutex.Unlock()
	return s.source.Close()
}

func (s *DataSource) Drop() error {
	s.mutex.Lock()
	s.leaves.Purge()
	s.keys.Purge()
	s.internals.Purge()
	s.mutex.Unlock()
	return datasource.Drop(s.source)
}
