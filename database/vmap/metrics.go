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

import "github.com/ethereum/go-ethereum/metrics"

var (
	flushCounter      = metrics.NewRegisteredCounter("vmap/flush/count", nil)
	flushTimer        = metrics.NewRegisteredTimer("vmap/flush/time", nil)
	hashTimer         = metrics.NewRegisteredTimer("vmap/hash/time", nil)
	throttleTimer     = metrics.NewRegisteredTimer("vmap/copy/throttle", nil)
	familySizeGauge   = metrics.NewRegisteredGauge("vmap/family/size", nil)
	hashedLeavesMeter = metrics.NewRegisteredMeter("vmap/hash/leaves", nil)
)
