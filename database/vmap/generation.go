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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"github.com/cockroachdb/errors"
)

// State is the life-cycle state of a generation.
type State int32

const (
	Mutable State = iota
	Frozen
	Hashed
	Flushed
	Released
)

func (s State) String() string {
	switch s {
	case Mutable:
		return "mutable"
	case Frozen:
		return "frozen"
	case Hashed:
		return "hashed"
	case Flushed:
		return "flushed"
	case Released:
		return "released"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// generation is a copy-on-write snapshot of a map. It holds the records
// modified since its parent generation; all other records are looked up in
// the parent chain and finally the data source of the family.
//
// A generation is mutated by a single writer while it is Mutable. After
// that, only the hasher adds digests and the flush pipeline prunes the
// records once they are stored in the data source. Readers may access a
// generation at any time.
type generation struct {
	id     uint64
	family *family
	parent atomic.Pointer[generation] // nil if the data source is authoritative

	mutex     sync.RWMutex
	layout    topology.Layout
	leaves    map[topology.Path]*datasource.LeafRecord
	keys      map[string]topology.Path // InvalidPath marks deleted keys
	internals map[topology.Path]common.Digest

	state       atomic.Int32 // Mutable, Frozen, Hashed or Flushed; Flushed is set with mutex held
	refs        atomic.Int64
	released    atomic.Bool
	copied      atomic.Bool
	shouldFlush atomic.Bool
	size        atomic.Int64 // estimated number of bytes held by the record maps

	root   common.Digest // valid once hashed is closed
	hashed chan struct{}

	flushed     chan struct{}
	flushedOnce sync.Once
}

func newGeneration(family *family, id uint64, parent *generation, layout topology.Layout) *generation {
	res := &generation{
		id:        id,
		family:    family,
		layout:    layout,
		leaves:    map[topology.Path]*datasource.LeafRecord{},
		keys:      map[string]topology.Path{},
		internals: map[topology.Path]common.Digest{},
		hashed:    make(chan struct{}),
		flushed:   make(chan struct{}),
	}
	res.parent.Store(parent)
	res.refs.Store(1)
	return res
}

func (g *generation) getState() State {
	if g.released.Load() {
		return Released
	}
	return State(g.state.Load())
}

func (g *generation) isHashed() bool {
	state := State(g.state.Load())
	return state == Hashed || state == Flushed
}

func (g *generation) isFlushed() bool {
	return State(g.state.Load()) == Flushed
}

func (g *generation) getLayout() topology.Layout {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.layout
}

func (g *generation) markFlushed() {
	g.flushedOnce.Do(func() { close(g.flushed) })
}

// retain increments the reference count unless the generation is released.
func (g *generation) retain() bool {
	for {
		refs := g.refs.Load()
		if refs <= 0 {
			return false
		}
		if g.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// release decrements the reference count and reports whether this was the
// last reference.
func (g *generation) release() bool {
	for {
		refs := g.refs.Load()
		if refs <= 0 {
			return false
		}
		if g.refs.CompareAndSwap(refs, refs-1) {
			if refs == 1 {
				g.released.Store(true)
				return true
			}
			return false
		}
	}
}

// -- record lookups --

func (g *generation) ownRecordOfKey(key []byte) (record *datasource.LeafRecord, found bool, flushed bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	if g.isFlushed() {
		return nil, false, true
	}
	path, found := g.keys[string(key)]
	if !found || path == topology.InvalidPath {
		return nil, found, false
	}
	return g.leaves[path], true, false
}

// findKey locates the record of the given key visible in this generation.
// It returns nil if there is no such key.
func (g *generation) findKey(key []byte) (*datasource.LeafRecord, error) {
	for cur := g; cur != nil; cur = cur.parent.Load() {
		record, found, flushed := cur.ownRecordOfKey(key)
		if found {
			return record, nil
		}
		if flushed {
			break
		}
	}
	record, err := g.family.source.LoadLeafByKey(key)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load leaf of key %x", key)
	}
	return record, nil
}

func (g *generation) ownLeaf(path topology.Path) (record *datasource.LeafRecord, flushed bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	if g.isFlushed() {
		return nil, true
	}
	return g.leaves[path], false
}

// leafAt returns the leaf record located at the given path, or nil if the
// path is not a leaf of this generation.
func (g *generation) leafAt(path topology.Path) (*datasource.LeafRecord, error) {
	if !g.getLayout().IsLeaf(path) {
		return nil, nil
	}
	for cur := g; cur != nil; cur = cur.parent.Load() {
		record, flushed := cur.ownLeaf(path)
		if record != nil {
			return record, nil
		}
		if flushed {
			break
		}
	}
	record, err := g.family.source.LoadLeaf(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load leaf at path %v", path)
	}
	if record == nil {
		return nil, errors.Wrapf(datasource.ErrCorrupted, "missing leaf at path %v", path)
	}
	return record, nil
}

func (g *generation) ownInternal(path topology.Path) (digest common.Digest, found bool, flushed bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	if g.isFlushed() {
		return digest, false, true
	}
	digest, found = g.internals[path]
	return digest, found, false
}

// internalAt looks up the digest of an internal node in this generation and
// its ancestors. The path must address an internal node of this generation
// not modified since the generation's parent, or this generation must be
// hashed.
func (g *generation) internalAt(path topology.Path) (common.Digest, error) {
	for cur := g; cur != nil; cur = cur.parent.Load() {
		digest, found, flushed := cur.ownInternal(path)
		if found {
			return digest, nil
		}
		if flushed {
			break
		}
	}
	digest, found, err := g.family.source.LoadInternal(path)
	if err != nil {
		return common.Digest{}, errors.Wrapf(err, "failed to load internal node at path %v", path)
	}
	if !found {
		return common.Digest{}, errors.Wrapf(datasource.ErrCorrupted, "missing internal node at path %v", path)
	}
	return digest, nil
}

// digestAt returns the digest of the node at the given path of a hashed
// generation. Paths outside of the tree have the null digest.
func (g *generation) digestAt(path topology.Path) (common.Digest, error) {
	layout := g.getLayout()
	switch {
	case !layout.Contains(path):
		return common.NullDigest, nil
	case layout.IsLeaf(path):
		record, err := g.leafAt(path)
		if err != nil {
			return common.Digest{}, err
		}
		return record.Digest, nil
	case path == topology.RootPath:
		return g.root, nil
	}
	return g.internalAt(path)
}

// -- mutations, only called by the single writer of a mutable generation --

// put adds or updates the record of the given key. The record of the
// relocated leaf, if any, is moved together with the insertion such that
// readers never observe an intermediate state.
func (g *generation) put(key, value []byte, existing *datasource.LeafRecord) error {
	if existing != nil {
		record := &datasource.LeafRecord{Path: existing.Path, Key: existing.Key, Value: value}
		g.mutex.Lock()
		g.leaves[record.Path] = record
		g.keys[string(record.Key)] = record.Path
		g.mutex.Unlock()
		g.size.Add(record.EstimatedSize())
		return nil
	}

	layout := g.getLayout()
	if int64(layout.Size()) >= g.family.config.MaximumVirtualMapSize {
		return errors.Wrapf(ErrCapacityExceeded, "map already holds %d keys", layout.Size())
	}
	newLayout, path, move := layout.Insert()
	var moved *datasource.LeafRecord
	if move != nil {
		source, err := g.leafAt(move.From)
		if err != nil {
			return err
		}
		moved = source.WithPath(move.To)
	}

	record := &datasource.LeafRecord{Path: path, Key: key, Value: value}
	g.mutex.Lock()
	if moved != nil {
		delete(g.leaves, move.From)
		g.leaves[moved.Path] = moved
		g.keys[string(moved.Key)] = moved.Path
	}
	g.leaves[path] = record
	g.keys[string(key)] = path
	g.layout = newLayout
	g.mutex.Unlock()

	added := record.EstimatedSize()
	if moved != nil {
		added += moved.EstimatedSize()
	}
	g.size.Add(added)
	g.family.checkSize(newLayout.Size())
	return nil
}

// remove deletes the given record. Records relocated to keep the leaf range
// contiguous are updated atomically with the removal.
func (g *generation) remove(record *datasource.LeafRecord) error {
	layout := g.getLayout()
	newLayout, moves, err := layout.Delete(record.Path)
	if err != nil {
		return errors.Wrapf(err, "failed to delete leaf at path %v", record.Path)
	}

	// All sources are read before any target is written.
	moved := make([]*datasource.LeafRecord, 0, len(moves))
	for _, move := range moves {
		source, err := g.leafAt(move.From)
		if err != nil {
			return err
		}
		moved = append(moved, source.WithPath(move.To))
	}

	g.mutex.Lock()
	for _, cur := range moved {
		g.leaves[cur.Path] = cur
		g.keys[string(cur.Key)] = cur.Path
	}
	g.keys[string(record.Key)] = topology.InvalidPath
	from := newLayout.LastLeafPath + 1
	if newLayout.IsEmpty() {
		from = layout.FirstLeafPath
	}
	for path := from; path <= layout.LastLeafPath; path++ {
		delete(g.leaves, path)
	}
	g.layout = newLayout
	g.mutex.Unlock()

	added := int64(len(record.Key) + 16)
	for _, cur := range moved {
		added += cur.EstimatedSize()
	}
	g.size.Add(added)
	return nil
}

// prune drops all records of a flushed generation; its content is retrieved
// from the data source from now on.
func (g *generation) prune() {
	g.mutex.Lock()
	g.state.Store(int32(Flushed))
	g.leaves = map[topology.Path]*datasource.LeafRecord{}
	g.keys = map[string]topology.Path{}
	g.internals = map[topology.Path]common.Digest{}
	g.mutex.Unlock()
	g.size.Store(0)
}

// destroy frees the records of a generation that is no longer reachable by
// any reader.
func (g *generation) destroy() {
	g.mutex.Lock()
	g.leaves = nil
	g.keys = nil
	g.internals = nil
	g.mutex.Unlock()
	g.size.Store(0)
	g.parent.Store(nil)
}

func (g *generation) getMemoryFootprint() *common.MemoryFootprint {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	leafBytes := int64(0)
	for _, record := range g.leaves {
		leafBytes += record.EstimatedSize()
	}
	keyBytes := 0
	for key := range g.keys {
		keyBytes += len(key) + 24
	}
	mf := common.NewMemoryFootprint(0)
	mf.AddChild("leaves", common.NewMemoryFootprint(uintptr(leafBytes)))
	mf.AddChild("keys", common.NewMemoryFootprint(uintptr(keyBytes)))
	mf.AddChild("internals", common.NewMemoryFootprint(uintptr(len(g.internals)*(common.DigestSize+8))))
	return mf
}
