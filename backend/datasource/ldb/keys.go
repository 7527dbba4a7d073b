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
	"encoding/binary"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
)

// tableSpace is the prefix separating the different record types stored in
// a single LevelDB instance.
type tableSpace byte

const (
	leafTable     tableSpace = 'L' // path -> leaf record
	keyTable      tableSpace = 'K' // key -> path
	internalTable tableSpace = 'H' // path -> digest
	layoutTable   tableSpace = 'M' // - -> leaf range
)

func (t tableSpace) pathKey(path topology.Path) []byte {
	res := make([]byte, 9)
	res[0] = byte(t)
	binary.BigEndian.PutUint64(res[1:], uint64(path))
	return res
}

func (t tableSpace) bytesKey(key []byte) []byte {
	res := make([]byte, 0, len(key)+1)
	res = append(res, byte(t))
	return append(res, key...)
}

func encodePath(path topology.Path) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(path))
}

func decodePath(data []byte) (topology.Path, error) {
	if len(data) != 8 {
		return topology.InvalidPath, datasource.ErrCorrupted
	}
	return topology.Path(binary.BigEndian.Uint64(data)), nil
}

// encodeLeaf produces the stored form of a leaf record:
//
//	uvarint(len(key)) | key | digest | value
func encodeLeaf(leaf *datasource.LeafRecord) []byte {
	res := make([]byte, 0, binary.MaxVarintLen64+len(leaf.Key)+common.DigestSize+len(leaf.Value))
	res = binary.AppendUvarint(res, uint64(len(leaf.Key)))
	res = append(res, leaf.Key...)
	res = append(res, leaf.Digest[:]...)
	return append(res, leaf.Value...)
}

func decodeLeaf(path topology.Path, data []byte) (*datasource.LeafRecord, error) {
	keyLength, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < keyLength+common.DigestSize {
		return nil, datasource.ErrCorrupted
	}
	data = data[n:]
	res := &datasource.LeafRecord{
		Path: path,
		Key:  data[:keyLength:keyLength],
	}
	copy(res.Digest[:], data[keyLength:keyLength+common.DigestSize])
	res.Value = data[keyLength+common.DigestSize:]
	return res, nil
}

func encodeLayout(layout topology.Layout) []byte {
	res := binary.BigEndian.AppendUint64(nil, uint64(layout.FirstLeafPath))
	return binary.BigEndian.AppendUint64(res, uint64(layout.LastLeafPath))
}

func decodeLayout(data []byte) (topology.Layout, error) {
	if len(data) != 16 {
		return topology.EmptyLayout, datasource.ErrCorrupted
	}
	return topology.Layout{
		FirstLeafPath: topology.Path(binary.BigEndian.Uint64(data[:8])),
		LastLeafPath:  topology.Path(binary.BigEndian.Uint64(data[8:])),
	}, nil
}
