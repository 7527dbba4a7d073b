// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package ldb

import (
	"bytes"
	"os"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"github.com/cockroachdb/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// DataSource is a LevelDB backed datasource.DataSource implementation. All
// records are kept in a single LevelDB instance, separated by table space
// prefixes. Batches are written atomically.
type DataSource struct {
	db        *leveldb.DB
	directory string
	writeOpts *opt.WriteOptions
}

// Options customizing the LevelDB instance.
type Options struct {
	// CacheSize is the size of LevelDB's block cache in bytes.
	CacheSize int
	// Sync forces an fsync after each batch.
	Sync bool
}

// Open opens or creates a data source in the given directory.
func Open(directory string, options Options) (*DataSource, error) {
	dbOpts := &opt.Options{}
	if options.CacheSize > 0 {
		dbOpts.BlockCacheCapacity = options.CacheSize
	}
	db, err := leveldb.OpenFile(directory, dbOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open LevelDB in %s", directory)
	}
	return &DataSource{
		db:        db,
		directory: directory,
		writeOpts: &opt.WriteOptions{Sync: options.Sync},
	}, nil
}

func (s *DataSource) LoadLeaf(path topology.Path) (*datasource.LeafRecord, error) {
	data, err := s.db.Get(leafTable.pathKey(path), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeLeaf(path, data)
}

func (s *DataSource) LoadLeafByKey(key []byte) (*datasource.LeafRecord, error) {
	data, err := s.db.Get(keyTable.bytesKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	path, err := decodePath(data)
	if err != nil {
		return nil, err
	}
	leaf, err := s.LoadLeaf(path)
	if err != nil || leaf == nil {
		return nil, err
	}
	if !bytes.Equal(leaf.Key, key) {
		return nil, errors.Wrapf(datasource.ErrCorrupted, "key index points to foreign leaf at path %v", path)
	}
	return leaf, nil
}

func (s *DataSource) LoadInternal(path topology.Path) (common.Digest, bool, error) {
	data, err := s.db.Get(internalTable.pathKey(path), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return common.Digest{}, false, nil
	}
	if err != nil {
		return common.Digest{}, false, err
	}
	digest, err := common.DigestFromBytes(data)
	if err != nil {
		return common.Digest{}, false, errors.Mark(err, datasource.ErrCorrupted)
	}
	return digest, true, nil
}

func (s *DataSource) LoadLayout() (topology.Layout, error) {
	data, err := s.db.Get([]byte{byte(layoutTable)}, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return topology.EmptyLayout, nil
	}
	if err != nil {
		return topology.EmptyLayout, err
	}
	return decodeLayout(data)
}

func (s *DataSource) SaveBatch(batch *datasource.Batch) error {
	update := new(leveldb.Batch)
	for _, key := range batch.DeletedKeys {
		update.Delete(keyTable.bytesKey(key))
	}
	for _, leaf := range batch.Leaves {
		update.Put(leafTable.pathKey(leaf.Path), encodeLeaf(leaf))
		update.Put(keyTable.bytesKey(leaf.Key), encodePath(leaf.Path))
	}
	for _, internal := range batch.Internals {
		update.Put(internalTable.pathKey(internal.Path), internal.Digest[:])
	}
	update.Put([]byte{byte(layoutTable)}, encodeLayout(batch.Layout))
	return s.db.Write(update, s.writeOpts)
}

// CountKeys iterates over the key index and returns the number of keys.
func (s *DataSource) CountKeys() (int, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte{byte(keyTable)}), nil)
	defer iter.Release()
	count := 0
	for iter.Next() {
		count++
	}
	return count, iter.Error()
}

// Compact triggers a compaction of the full key range, reclaiming space
// occupied by overwritten and deleted records.
func (s *DataSource) Compact() error {
	return s.db.CompactRange(util.Range{})
}

func (s *DataSource) Close() error {
	err := s.db.Close()
	if errors.Is(err, leveldb.ErrClosed) {
		return nil
	}
	return err
}

// Drop closes the data source and removes its directory.
func (s *DataSource) Drop() error {
	return errors.CombineErrors(s.Close(), os.RemoveAll(s.directory))
}
