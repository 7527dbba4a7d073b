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
	"fmt"
	"sort"
	"strings"
)

// MemoryFootprint describes the estimated memory consumption of a component
// and its sub-components, e.g. a map family and its generations.
type MemoryFootprint struct {
	value    uintptr
	children map[string]*MemoryFootprint
}

// MemoryFootprintProvider is implemented by components able to report their
// memory usage.
type MemoryFootprintProvider interface {
	GetMemoryFootprint() *MemoryFootprint
}

func NewMemoryFootprint(value uintptr) *MemoryFootprint {
	return &MemoryFootprint{
		value:    value,
		children: map[string]*MemoryFootprint{},
	}
}

// AddChild attaches the footprint of a sub-component under the given name.
func (mf *MemoryFootprint) AddChild(name string, child *MemoryFootprint) {
	mf.children[name] = child
}

// Value is the number of bytes consumed by the component itself.
func (mf *MemoryFootprint) Value() uintptr {
	return mf.value
}

// Total is the number of bytes consumed by the component including its
// sub-components. Shared sub-components are only counted once.
func (mf *MemoryFootprint) Total() uintptr {
	return mf.total(map[*MemoryFootprint]struct{}{})
}

func (mf *MemoryFootprint) total(seen map[*MemoryFootprint]struct{}) uintptr {
	if _, found := seen[mf]; found {
		return 0
	}
	seen[mf] = struct{}{}
	res := mf.value
	for _, child := range mf.children {
		res += child.total(seen)
	}
	return res
}

// ToString renders the footprint as a tree, one component per line.
func (mf *MemoryFootprint) ToString(name string) string {
	var sb strings.Builder
	mf.render(&sb, name)
	return sb.String()
}

func (mf *MemoryFootprint) render(sb *strings.Builder, path string) {
	fmt.Fprintf(sb, "%s %s\n", formatMemoryAmount(mf.Total()), path)
	names := make([]string, 0, len(mf.children))
	for name := range mf.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		mf.children[name].render(sb, path+"/"+name)
	}
}

func formatMemoryAmount(bytes uintptr) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	const prefixes = "KMGTPE"
	div, exp := uintptr(unit), 0
	for n := bytes / unit; n >= unit && exp+1 < len(prefixes); n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), prefixes[exp])
}
