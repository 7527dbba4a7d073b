// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package topology

import (
	"fmt"
	"math"
	"math/bits"
)

// Path addresses a node in the conceptual complete binary tree spanned by a
// virtual map. Nodes are numbered breadth first, starting with the root at
// path 0. The children of path p are 2p+1 and 2p+2.
type Path uint64

// RootPath is the path of the root node.
const RootPath Path = 0

// InvalidPath marks the absence of a path, e.g. the leaf bounds of an empty
// map.
const InvalidPath Path = math.MaxUint64

func (p Path) IsValid() bool {
	return p != InvalidPath
}

// Rank is the distance of the path from the root.
func (p Path) Rank() int {
	return bits.Len64(uint64(p)+1) - 1
}

// Parent returns the parent path. The root has no parent and InvalidPath is
// returned.
func (p Path) Parent() Path {
	if p == RootPath || p == InvalidPath {
		return InvalidPath
	}
	return (p - 1) / 2
}

func (p Path) LeftChild() Path {
	return 2*p + 1
}

func (p Path) RightChild() Path {
	return 2*p + 2
}

func (p Path) IsLeft() bool {
	return p != RootPath && p%2 == 1
}

// Sibling returns the other child of the parent of p.
func (p Path) Sibling() Path {
	switch {
	case p == RootPath || p == InvalidPath:
		return InvalidPath
	case p.IsLeft():
		return p + 1
	default:
		return p - 1
	}
}

// Ancestor returns the ancestor of p the given number of levels up. Zero
// levels yields p itself.
func (p Path) Ancestor(levels int) Path {
	if levels <= 0 {
		return p
	}
	if levels > p.Rank() {
		return InvalidPath
	}
	return ((p + 1) >> levels) - 1
}

// FirstPathOfRank returns the leftmost path on the given rank.
func FirstPathOfRank(rank int) Path {
	return Path(uint64(1)<<rank) - 1
}

// LastPathOfRank returns the rightmost path on the given rank.
func LastPathOfRank(rank int) Path {
	return Path(uint64(1)<<(rank+1)) - 2
}

// DescendantRange returns the first and last path of all descendants of p
// the given number of levels below p.
func (p Path) DescendantRange(levels int) (Path, Path) {
	first := ((p + 1) << levels) - 1
	return first, first + Path(uint64(1)<<levels) - 1
}

func (p Path) String() string {
	if p == InvalidPath {
		return "invalid"
	}
	return fmt.Sprintf("%d", uint64(p))
}
