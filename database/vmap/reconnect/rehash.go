// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package reconnect

import (
	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"github.com/cockroachdb/errors"
)

// rehashBatchSize is the number of internal digests written per batch.
const rehashBatchSize = 1 << 14

// Rehash recomputes the digests of all internal nodes of the tree stored in
// the given data source from its leaves and stores them. The digests of the
// leaves are recomputed and checked against the stored ones. The resulting
// root digest is returned.
func Rehash(source datasource.DataSource, algorithm common.HashAlgorithm) (common.Digest, error) {
	return rehash(source, algorithm, true)
}

// Verify recomputes all digests of the tree stored in the given data source
// and compares them with the stored digests. It also checks that every key
// is indexed at the path of its leaf. The root digest is returned.
func Verify(source datasource.DataSource, algorithm common.HashAlgorithm) (common.Digest, error) {
	return rehash(source, algorithm, false)
}

func rehash(source datasource.DataSource, algorithm common.HashAlgorithm, write bool) (common.Digest, error) {
	layout, err := source.LoadLayout()
	if err != nil {
		return common.Digest{}, err
	}
	if layout.IsEmpty() {
		return common.NullDigest, nil
	}

	var batch []datasource.InternalRecord
	saveBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := source.SaveBatch(&datasource.Batch{Layout: layout, Internals: batch})
		batch = batch[:0]
		return err
	}

	// Nodes are processed from the highest internal path to the root, such
	// that both children of a node are done before the node itself. Digests
	// of internal nodes are dropped once their parent is computed.
	computed := map[topology.Path]common.Digest{}
	childDigest := func(path topology.Path) (common.Digest, error) {
		if !layout.Contains(path) {
			return common.NullDigest, nil
		}
		if layout.IsInternal(path) {
			res, found := computed[path]
			if !found {
				return res, errors.Newf("digest of path %v not computed", path)
			}
			delete(computed, path)
			return res, nil
		}
		return verifyLeaf(source, algorithm, path, !write)
	}

	for path := layout.LastInternalPath(); ; path-- {
		left, err := childDigest(path.LeftChild())
		if err != nil {
			return common.Digest{}, err
		}
		right, err := childDigest(path.RightChild())
		if err != nil {
			return common.Digest{}, err
		}
		digest := algorithm.InternalDigest(left, right)
		computed[path] = digest

		if write {
			batch = append(batch, datasource.InternalRecord{Path: path, Digest: digest})
			if len(batch) >= rehashBatchSize {
				if err := saveBatch(); err != nil {
					return common.Digest{}, err
				}
			}
		} else {
			stored, found, err := source.LoadInternal(path)
			if err != nil {
				return common.Digest{}, err
			}
			if !found || stored != digest {
				return common.Digest{}, errors.Wrapf(datasource.ErrCorrupted, "invalid digest of internal node %v", path)
			}
		}

		if path == topology.RootPath {
			break
		}
	}
	if err := saveBatch(); err != nil {
		return common.Digest{}, err
	}
	return computed[topology.RootPath], nil
}

// verifyLeaf loads the leaf at the given path and checks its digest and,
// if requested, its key index entry.
func verifyLeaf(
	source datasource.DataSource,
	algorithm common.HashAlgorithm,
	path topology.Path,
	checkIndex bool,
) (common.Digest, error) {
	record, err := source.LoadLeaf(path)
	if err != nil {
		return common.Digest{}, err
	}
	if record == nil {
		return common.Digest{}, errors.Wrapf(datasource.ErrCorrupted, "missing leaf at path %v", path)
	}
	digest := algorithm.LeafDigest(record.Key, record.Value)
	if record.Path != path || record.Digest != digest {
		return common.Digest{}, errors.Wrapf(datasource.ErrCorrupted, "invalid leaf at path %v", path)
	}
	if checkIndex {
		indexed, err := source.LoadLeafByKey(record.Key)
		if err != nil {
			return common.Digest{}, err
		}
		if indexed == nil || indexed.Path != path {
			return common.Digest{}, errors.Wrapf(datasource.ErrCorrupted, "key of leaf at path %v is not indexed", path)
		}
	}
	return digest, nil
}
