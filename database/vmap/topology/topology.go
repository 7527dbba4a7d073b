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

import "github.com/Fantom-foundation/vmap/common"

// ErrNotFound is returned when deleting a path that is not a leaf.
const ErrNotFound = common.ConstError("leaf not found")

// Move describes the relocation of a leaf record from one path to another.
// Moves are a side effect of keeping the leaf range contiguous.
type Move struct {
	From, To Path
}

// Layout describes the shape of a left-complete tree by the range of its
// leaf paths. All leaves of a tree occupy exactly the paths
// [FirstLeafPath, LastLeafPath] and all internal nodes the paths
// [0, FirstLeafPath). Any leaf count n > 1 maps to the range [n-1, 2n-2];
// a single leaf is located at path 1 below an internal root.
type Layout struct {
	FirstLeafPath Path
	LastLeafPath  Path
}

// EmptyLayout is the layout of a tree without leaves.
var EmptyLayout = Layout{FirstLeafPath: InvalidPath, LastLeafPath: InvalidPath}

// LayoutForSize returns the layout of a tree with the given number of leaves.
func LayoutForSize(size uint64) Layout {
	switch size {
	case 0:
		return EmptyLayout
	case 1:
		return Layout{FirstLeafPath: 1, LastLeafPath: 1}
	default:
		return Layout{FirstLeafPath: Path(size - 1), LastLeafPath: Path(2*size - 2)}
	}
}

func (l Layout) IsEmpty() bool {
	return l.FirstLeafPath == InvalidPath
}

// Size returns the number of leaves in the tree.
func (l Layout) Size() uint64 {
	if l.IsEmpty() {
		return 0
	}
	return uint64(l.LastLeafPath-l.FirstLeafPath) + 1
}

// IsLeaf determines whether the given path addresses a leaf.
func (l Layout) IsLeaf(p Path) bool {
	return !l.IsEmpty() && p >= l.FirstLeafPath && p <= l.LastLeafPath
}

// IsInternal determines whether the given path addresses an internal node.
func (l Layout) IsInternal(p Path) bool {
	return !l.IsEmpty() && p < l.FirstLeafPath
}

// Contains determines whether the given path addresses any node.
func (l Layout) Contains(p Path) bool {
	return !l.IsEmpty() && p <= l.LastLeafPath
}

// LastInternalPath is the highest path of an internal node, or InvalidPath
// for an empty tree.
func (l Layout) LastInternalPath() Path {
	if l.IsEmpty() {
		return InvalidPath
	}
	return l.FirstLeafPath - 1
}

// Insert computes the layout after adding a leaf. It returns the path of
// the new leaf and, if the tree had to grow a level at its left edge, the
// relocation of the previous first leaf.
func (l Layout) Insert() (Layout, Path, *Move) {
	switch l.Size() {
	case 0:
		return Layout{FirstLeafPath: 1, LastLeafPath: 1}, 1, nil
	case 1:
		return Layout{FirstLeafPath: 1, LastLeafPath: 2}, 2, nil
	}
	// The first leaf becomes an internal node whose left child is the old
	// leaf and whose right child is the new leaf.
	move := &Move{From: l.FirstLeafPath, To: l.FirstLeafPath.LeftChild()}
	res := Layout{FirstLeafPath: l.FirstLeafPath + 1, LastLeafPath: l.LastLeafPath + 2}
	return res, l.LastLeafPath + 2, move
}

// Delete computes the layout after removing the leaf at the given path. The
// returned moves relocate the records required to keep the leaf range
// contiguous; they have to be applied in order, reading all sources before
// writing targets.
func (l Layout) Delete(p Path) (Layout, []Move, error) {
	if !l.IsLeaf(p) {
		return l, nil, ErrNotFound
	}
	switch l.Size() {
	case 1:
		return EmptyLayout, nil, nil
	case 2:
		res := Layout{FirstLeafPath: 1, LastLeafPath: 1}
		if p == 2 {
			return res, nil, nil
		}
		return res, []Move{{From: 2, To: 1}}, nil
	}

	// The last leaf and its sibling collapse into their parent, which is
	// the last internal node and becomes the new first leaf.
	last := l.LastLeafPath
	sibling := last.Sibling()
	parent := last.Parent()
	res := Layout{FirstLeafPath: l.FirstLeafPath - 1, LastLeafPath: last - 2}

	switch p {
	case last:
		return res, []Move{{From: sibling, To: parent}}, nil
	case sibling:
		return res, []Move{{From: last, To: parent}}, nil
	default:
		return res, []Move{{From: last, To: p}, {From: sibling, To: parent}}, nil
	}
}
