// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import (
	"encoding/binary"
	"fmt"
	"hash"
	"sync"

	"github.com/minio/blake2b-simd"
	"golang.org/x/crypto/sha3"
)

const (
	leafDigestPrefix     = 0x00
	internalDigestPrefix = 0x01
)

// HashAlgorithm is a configuration token selecting the hash function used
// for computing the digests of leaves and internal nodes. Instances are
// safe for concurrent use.
type HashAlgorithm struct {
	name string
	pool *sync.Pool
}

// Sha3Hashing computes digests using SHA3-384. It is the default.
var Sha3Hashing = newHashAlgorithm("sha3-384", sha3.New384)

// Blake2bHashing computes digests using BLAKE2b with a 384-bit output.
var Blake2bHashing = newHashAlgorithm("blake2b-384", func() hash.Hash {
	res, err := blake2b.New(&blake2b.Config{Size: DigestSize})
	if err != nil {
		panic(fmt.Sprintf("failed to create blake2b hasher: %v", err))
	}
	return res
})

var allHashAlgorithms = []HashAlgorithm{Sha3Hashing, Blake2bHashing}

func newHashAlgorithm(name string, create func() hash.Hash) HashAlgorithm {
	return HashAlgorithm{
		name: name,
		pool: &sync.Pool{New: func() any { return create() }},
	}
}

// GetHashAlgorithmByName locates the hash algorithm with the given name.
func GetHashAlgorithmByName(name string) (HashAlgorithm, bool) {
	for _, algorithm := range allHashAlgorithms {
		if algorithm.name == name {
			return algorithm, true
		}
	}
	return HashAlgorithm{}, false
}

func (a HashAlgorithm) Name() string {
	return a.name
}

// IsValid is false for the zero value of HashAlgorithm.
func (a HashAlgorithm) IsValid() bool {
	return a.pool != nil
}

// LeafDigest computes the digest of a leaf holding the given serialized key
// and value.
func (a HashAlgorithm) LeafDigest(key, value []byte) Digest {
	var length [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(length[:], uint64(len(key)))
	return a.sum([]byte{leafDigestPrefix}, length[:n], key, value)
}

// InternalDigest combines the digests of the children of an internal node.
// A missing child is represented by the NullDigest.
func (a HashAlgorithm) InternalDigest(left, right Digest) Digest {
	return a.sum([]byte{internalDigestPrefix}, left[:], right[:])
}

func (a HashAlgorithm) sum(parts ...[]byte) Digest {
	hasher := a.pool.Get().(hash.Hash)
	hasher.Reset()
	for _, part := range parts {
		hasher.Write(part)
	}
	var res Digest
	hasher.Sum(res[:0])
	a.pool.Put(hasher)
	return res
}

func (a HashAlgorithm) String() string {
	return a.name
}

func (a HashAlgorithm) MarshalText() ([]byte, error) {
	return []byte(a.name), nil
}

func (a *HashAlgorithm) UnmarshalText(text []byte) error {
	res, found := GetHashAlgorithmByName(string(text))
	if !found {
		return fmt.Errorf("unknown hash algorithm: %q", string(text))
	}
	*a = res
	return nil
}
