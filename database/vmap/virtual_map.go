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
	"fmt"
	"unsafe"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"github.com/cockroachdb/errors"
)

// VirtualMap is a handle on one generation of a copy-on-write key/value map
// whose content is backed by a data source. A map is mutated through its
// newest generation only; Copy freezes the current generation and returns a
// handle on its mutable successor. Each generation provides the root digest
// of a Merkle tree over its leaves once it has been hashed in the
// background.
//
// Reads are safe for concurrent use on any handle. Put, Remove and Copy of
// a mutable generation must be called by a single goroutine at a time.
type VirtualMap[K any, V any] struct {
	generation *generation
	keyCodec   common.KeyCodec[K]
	valueCodec common.ValueCodec[V]
}

// New opens a virtual map on the given data source, which is owned by the
// resulting family of generations afterwards. The data source is closed
// once all generations of the family are released.
func New[K any, V any](
	source datasource.DataSource,
	keyCodec common.KeyCodec[K],
	valueCodec common.ValueCodec[V],
	config Config,
) (*VirtualMap[K, V], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	layout, err := source.LoadLayout()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load layout of data source")
	}
	family := newFamily(source, config, layout)
	go family.run()
	family.logger.Debug("Opened virtual map", "size", layout.Size(), "hashing", config.Hashing)
	return &VirtualMap[K, V]{
		generation: family.chain[0],
		keyCodec:   keyCodec,
		valueCodec: valueCodec,
	}, nil
}

func (m *VirtualMap[K, V]) family() *family {
	return m.generation.family
}

func (m *VirtualMap[K, V]) serializeKey(key K) []byte {
	return m.keyCodec.Serialize(key, make([]byte, 0, max(0, m.keyCodec.SerializedSize(key))))
}

// Get retrieves the value associated with the given key.
func (m *VirtualMap[K, V]) Get(key K) (V, bool, error) {
	var zero V
	if m.generation.released.Load() {
		return zero, false, ErrReleased
	}
	record, err := m.generation.findKey(m.serializeKey(key))
	if err != nil || record == nil {
		return zero, false, err
	}
	value, err := m.valueCodec.Deserialize(record.Value)
	if err != nil {
		return zero, false, errors.Wrapf(err, "failed to decode value at path %v", record.Path)
	}
	return value, true, nil
}

func (m *VirtualMap[K, V]) checkMutable() error {
	if err := m.family().getError(); err != nil {
		return err
	}
	if m.generation.released.Load() {
		return ErrReleased
	}
	if m.generation.copied.Load() {
		return ErrImmutableGeneration
	}
	return nil
}

// Put associates the given value with the given key. Adding a new key may
// relocate one other leaf of the map.
func (m *VirtualMap[K, V]) Put(key K, value V) error {
	if err := m.checkMutable(); err != nil {
		return err
	}
	keyBytes := m.serializeKey(key)
	existing, err := m.generation.findKey(keyBytes)
	if err != nil {
		return err
	}
	if existing != nil && m.valueCodec.FastEquals(value, existing.Value) {
		return nil
	}
	valueBytes := m.valueCodec.Serialize(value, make([]byte, 0, max(0, m.valueCodec.SerializedSize(value))))
	return m.generation.put(keyBytes, valueBytes, existing)
}

// Remove deletes the given key and reports whether it was present.
func (m *VirtualMap[K, V]) Remove(key K) (bool, error) {
	if err := m.checkMutable(); err != nil {
		return false, err
	}
	existing, err := m.generation.findKey(m.serializeKey(key))
	if err != nil || existing == nil {
		return false, err
	}
	if err := m.generation.remove(existing); err != nil {
		return false, err
	}
	return true, nil
}

// Copy freezes this generation and returns a handle on a new mutable
// generation with the same content. It may be called once per generation.
// If the family holds too much unflushed data, Copy is delayed to give the
// flush pipeline time to catch up.
func (m *VirtualMap[K, V]) Copy() (*VirtualMap[K, V], error) {
	next, err := m.family().copy(m.generation)
	if err != nil {
		return nil, err
	}
	return &VirtualMap[K, V]{
		generation: next,
		keyCodec:   m.keyCodec,
		valueCodec: m.valueCodec,
	}, nil
}

// Retain adds a reference to this generation that has to be released by an
// additional call to Release. Released generations can not be retained.
func (m *VirtualMap[K, V]) Retain() error {
	if !m.generation.retain() {
		return ErrReleased
	}
	return nil
}

// Release drops a reference to this generation. Once all references are
// released, the handle must no longer be used and the generation's memory
// is reclaimed in the background.
func (m *VirtualMap[K, V]) Release() {
	m.family().release(m.generation)
}

// RootDigest waits until this generation is hashed and returns its root
// digest. The root digest of an empty map is the null digest.
func (m *VirtualMap[K, V]) RootDigest() (common.Digest, error) {
	if err := m.WaitUntilHashed(context.Background()); err != nil {
		return common.Digest{}, err
	}
	return m.generation.root, nil
}

// TryRootDigest returns the root digest if this generation is hashed.
func (m *VirtualMap[K, V]) TryRootDigest() (common.Digest, bool) {
	if !m.generation.isHashed() {
		return common.Digest{}, false
	}
	return m.generation.root, true
}

// WaitUntilHashed blocks until this generation is hashed. Mutable
// generations are only hashed after being copied.
func (m *VirtualMap[K, V]) WaitUntilHashed(ctx context.Context) error {
	return m.family().waitUntilHashed(ctx, m.generation)
}

// WaitUntilFlushed blocks until the content of this generation is stored in
// the data source. Generations are only flushed once all older generations
// of the family are released.
func (m *VirtualMap[K, V]) WaitUntilFlushed(ctx context.Context) error {
	return m.family().waitUntilFlushed(ctx, m.generation)
}

// EnableFlush selects this generation for flushing regardless of the
// configured flush policy.
func (m *VirtualMap[K, V]) EnableFlush() error {
	return m.family().enableFlush(m.generation)
}

// Size returns the number of keys in this generation.
func (m *VirtualMap[K, V]) Size() uint64 {
	return m.generation.getLayout().Size()
}

func (m *VirtualMap[K, V]) FirstLeafPath() topology.Path {
	return m.generation.getLayout().FirstLeafPath
}

func (m *VirtualMap[K, V]) LastLeafPath() topology.Path {
	return m.generation.getLayout().LastLeafPath
}

func (m *VirtualMap[K, V]) State() State {
	return m.generation.getState()
}

func (m *VirtualMap[K, V]) IsMutable() bool {
	return m.generation.getState() == Mutable && !m.generation.copied.Load()
}

// Err returns the fatal error of the map's family, if any.
func (m *VirtualMap[K, V]) Err() error {
	return m.family().getError()
}

// LeafAt returns the record of the leaf located at the given path, or nil
// if the path does not address a leaf. Record digests are only available
// once the generation is hashed.
func (m *VirtualMap[K, V]) LeafAt(path topology.Path) (*datasource.LeafRecord, error) {
	if m.generation.released.Load() {
		return nil, ErrReleased
	}
	return m.generation.leafAt(path)
}

// DigestAt waits until this generation is hashed and returns the digest of
// the node at the given path.
func (m *VirtualMap[K, V]) DigestAt(path topology.Path) (common.Digest, error) {
	if err := m.WaitUntilHashed(context.Background()); err != nil {
		return common.Digest{}, err
	}
	if m.generation.released.Load() {
		return common.Digest{}, ErrReleased
	}
	return m.generation.digestAt(path)
}

// ForEach visits all entries of this generation in the order of their
// paths until the visitor returns false.
func (m *VirtualMap[K, V]) ForEach(visit func(key K, value V) bool) error {
	layout := m.generation.getLayout()
	if layout.IsEmpty() {
		return nil
	}
	for path := layout.FirstLeafPath; path <= layout.LastLeafPath; path++ {
		record, err := m.LeafAt(path)
		if err != nil {
			return err
		}
		key, err := m.keyCodec.Deserialize(record.Key)
		if err != nil {
			return errors.Wrapf(err, "failed to decode key at path %v", path)
		}
		value, err := m.valueCodec.Deserialize(record.Value)
		if err != nil {
			return errors.Wrapf(err, "failed to decode value at path %v", path)
		}
		if !visit(key, value) {
			return nil
		}
	}
	return nil
}

// GetMemoryFootprint estimates the memory used by the whole family of this
// map, including a cached or in-memory data source.
func (m *VirtualMap[K, V]) GetMemoryFootprint() *common.MemoryFootprint {
	family := m.family()
	mf := common.NewMemoryFootprint(unsafe.Sizeof(*m))
	for _, g := range family.getChain() {
		mf.AddChild(fmt.Sprintf("generation-%d", g.id), g.getMemoryFootprint())
	}
	if provider, ok := family.source.(common.MemoryFootprintProvider); ok {
		mf.AddChild("source", provider.GetMemoryFootprint())
	}
	return mf
}
