// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package datasource

//go:generate mockgen -source datasource.go -destination datasource_mocks.go -package datasource

import (
	"bytes"

	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
)

// LeafRecord is the serialized form of a leaf of a virtual map. A record is
// immutable once created; relocating a leaf produces a new record.
type LeafRecord struct {
	Path   topology.Path
	Key    []byte
	Value  []byte
	Digest common.Digest
}

// WithPath returns a copy of the record located at the given path.
func (r *LeafRecord) WithPath(path topology.Path) *LeafRecord {
	res := *r
	res.Path = path
	return &res
}

// Equal compares records including their paths and digests.
func (r *LeafRecord) Equal(other *LeafRecord) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Path == other.Path &&
		bytes.Equal(r.Key, other.Key) &&
		bytes.Equal(r.Value, other.Value) &&
		r.Digest == other.Digest
}

// EstimatedSize is the approximate number of bytes retained by the record.
func (r *LeafRecord) EstimatedSize() int64 {
	const overhead = 8 + 2*24 + common.DigestSize + 16
	return int64(len(r.Key)+len(r.Value)) + overhead
}

// InternalRecord holds the digest of the internal node at a path.
type InternalRecord struct {
	Path   topology.Path
	Digest common.Digest
}

// Batch is a set of updates persisted atomically by SaveBatch.
type Batch struct {
	// Layout is the leaf range of the state described by this batch.
	Layout topology.Layout
	// Leaves are inserted or replace the leaves at their paths and register
	// the key to path association of their keys.
	Leaves []*LeafRecord
	// Internals are inserted or replace the digests at their paths.
	Internals []InternalRecord
	// DeletedKeys are keys no longer part of the state.
	DeletedKeys [][]byte
}

// DataSource is the durable store a virtual map flushes its state to and
// loads evicted state from. Implementations must support a single writer
// calling SaveBatch concurrently with any number of readers.
type DataSource interface {
	// LoadLeaf loads the leaf stored at the given path. If there is none,
	// (nil, nil) is returned. Records of paths outside of the current leaf
	// range may be stale; callers are responsible for range checks.
	LoadLeaf(path topology.Path) (*LeafRecord, error)
	// LoadLeafByKey loads the leaf holding the given serialized key. If the
	// key is not present, (nil, nil) is returned.
	LoadLeafByKey(key []byte) (*LeafRecord, error)
	// LoadInternal loads the digest of the internal node at the given path.
	// The second result is false if no digest is stored.
	LoadInternal(path topology.Path) (common.Digest, bool, error)
	// LoadLayout returns the leaf range of the persisted state.
	LoadLayout() (topology.Layout, error)
	// SaveBatch persists the given updates atomically.
	SaveBatch(batch *Batch) error
	// Close releases all resources. The data source may not be used
	// afterwards.
	Close() error
}

// Dropper is implemented by data sources whose content can be discarded
// entirely, e.g. the partially reconstructed state of a failed reconnect.
type Dropper interface {
	// Drop closes the data source and deletes all its content.
	Drop() error
}

// Drop discards the content of the given data source if supported, and
// closes it otherwise.
func Drop(source DataSource) error {
	if dropper, ok := source.(Dropper); ok {
		return dropper.Drop()
	}
	return source.Close()
}

// ErrCorrupted is reported when stored records can not be decoded.
const ErrCorrupted = common.ConstError("corrupted data source record")
