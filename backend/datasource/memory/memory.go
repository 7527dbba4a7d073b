// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package memory

import (
	"sync"
	"unsafe"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"github.com/cockroachdb/errors"
)

// ErrClosed is returned by operations on a closed data source.
const ErrClosed = common.ConstError("data source is closed")

// DataSource is an in-memory datasource.DataSource implementation. It is
// mainly intended for tests and for transient learner state.
type DataSource struct {
	leaves    map[topology.Path]*datasource.LeafRecord
	keys      map[string]topology.Path
	internals map[topology.Path]common.Digest
	layout    topology.Layout
	closed    bool
	mutex     sync.RWMutex
}

func New() *DataSource {
	return &DataSource{
		leaves:    map[topology.Path]*datasource.LeafRecord{},
		keys:      map[string]topology.Path{},
		internals: map[topology.Path]common.Digest{},
		layout:    topology.EmptyLayout,
	}
}

func (s *DataSource) LoadLeaf(path topology.Path) (*datasource.LeafRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.leaves[path], nil
}

func (s *DataSource) LoadLeafByKey(key []byte) (*datasource.LeafRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	path, found := s.keys[string(key)]
	if !found {
		return nil, nil
	}
	return s.leaves[path], nil
}

func (s *DataSource) LoadInternal(path topology.Path) (common.Digest, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return common.Digest{}, false, ErrClosed
	}
	digest, found := s.internals[path]
	return digest, found, nil
}

func (s *DataSource) LoadLayout() (topology.Layout, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return topology.EmptyLayout, ErrClosed
	}
	return s.layout, nil
}

func (s *DataSource) SaveBatch(batch *datasource.Batch) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, key := range batch.DeletedKeys {
		delete(s.keys, string(key))
	}
	for _, leaf := range batch.Leaves {
		s.leaves[leaf.Path] = leaf
		s.keys[string(leaf.Key)] = leaf.Path
	}
	for _, internal := range batch.Internals {
		s.internals[internal.Path] = internal.Digest
	}
	s.layout = batch.Layout
	return nil
}

// Export returns a batch recreating the current content of this source in
// another source. Records outside the current layout are not included.
// Closed sources can still be exported.
func (s *DataSource) Export() (*datasource.Batch, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	res := &datasource.Batch{Layout: s.layout}
	if s.layout.IsEmpty() {
		return res, nil
	}
	for path := s.layout.FirstLeafPath; path <= s.layout.LastLeafPath; path++ {
		leaf, found := s.leaves[path]
		if !found {
			return nil, errors.Wrapf(datasource.ErrCorrupted, "missing leaf at path %v", path)
		}
		res.Leaves = append(res.Leaves, leaf)
	}
	for path := topology.RootPath; path < s.layout.FirstLeafPath; path++ {
		if digest, found := s.internals[path]; found {
			res.Internals = append(res.Internals, datasource.InternalRecord{Path: path, Digest: digest})
		}
	}
	return res, nil
}

// Size returns the number of keys currently stored.
func (s *DataSource) Size() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.keys)
}

func (s *DataSource) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	return nil
}

func (s *DataSource) Drop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.leaves = map[topology.Path]*datasource.LeafRecord{}
	s.keys = map[string]topology.Path{}
	s.internals = map[topology.Path]common.Digest{}
	s.layout = topology.EmptyLayout
	s.closed = true
	return nil
}

// GetMemoryFootprint provides an estimate of the memory used by this data
// source.
func (s *DataSource) GetMemoryFootprint() *common.MemoryFootprint {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var leafBytes int64
	for _, leaf := range s.leaves {
		leafBytes += leaf.EstimatedSize()
	}
	mf := common.NewMemoryFootprint(unsafe.Sizeof(*s))
	mf.AddChild("leaves", common.NewMemoryFootprint(uintptr(leafBytes)))
	mf.AddChild("internals", common.NewMemoryFootprint(uintptr(len(s.internals))*unsafe.Sizeof(common.Digest{})))
	return mf
}
