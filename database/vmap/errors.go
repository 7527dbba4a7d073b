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

import "github.com/Fantom-foundation/vmap/common"

const (
	// ErrImmutableGeneration is returned when mutating or copying a
	// generation that already has a successor.
	ErrImmutableGeneration = common.ConstError("generation is immutable")

	// ErrGenerationMutable is returned when requesting digests of a
	// generation that is still mutable and thus never hashed.
	ErrGenerationMutable = common.ConstError("generation is still mutable")

	// ErrCapacityExceeded is returned when an insert would exceed the
	// configured maximum map size.
	ErrCapacityExceeded = common.ConstError("maximum virtual map size exceeded")

	// ErrFlushIO marks failures of writing a generation to its data source.
	// Such failures are fatal for the affected family.
	ErrFlushIO = common.ConstError("failed to flush generation")

	// ErrNotScheduledForFlush is returned when waiting for the flush of a
	// generation that was not selected for flushing.
	ErrNotScheduledForFlush = common.ConstError("generation is not scheduled for flushing")

	// ErrReleased is returned by operations on released handles.
	ErrReleased = common.ConstError("generation has been released")
)
