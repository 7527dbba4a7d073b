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
	"encoding/hex"
	"fmt"
)

// DigestSize is the number of bytes of a Digest.
const DigestSize = 48

// Digest is the 384-bit cryptographic summary of a node in a virtual map.
type Digest [DigestSize]byte

// NullDigest is the digest of a missing child and the root digest of an
// empty map.
var NullDigest = Digest{}

// IsNull returns true if d is the null digest.
func (d Digest) IsNull() bool {
	return d == NullDigest
}

// DigestFromBytes converts the given slice into a digest. The slice has to
// be exactly DigestSize bytes long.
func DigestFromBytes(data []byte) (Digest, error) {
	var res Digest
	if len(data) != DigestSize {
		return res, fmt.Errorf("invalid digest length: %d", len(data))
	}
	copy(res[:], data)
	return res, nil
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns an abbreviated hex form for log messages.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:4])
}
