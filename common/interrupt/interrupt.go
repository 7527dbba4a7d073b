// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package interrupt

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Fantom-foundation/vmap/common"
	"github.com/ethereum/go-ethereum/log"
)

const ErrCanceled = common.ConstError("interrupted")

// IsCancelled returns true if the given context has been canceled.
func IsCancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Register returns a context that is canceled on the first SIGTERM or SIGINT
// received by the process, allowing long running tools to stop between two
// consistent states. The returned stop function releases the signal handler
// and cancels the context; it must be called once the context is no longer
// needed.
func Register(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case sig := <-signals:
			log.Warn("Interrupted, waiting for pending flushes to complete", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		cancel()
		<-done
		signal.Stop(signals)
	}
}

// Check returns ErrCanceled if the given context has been canceled.
func Check(ctx context.Context) error {
	if IsCancelled(ctx) {
		return ErrCanceled
	}
	return nil
}
