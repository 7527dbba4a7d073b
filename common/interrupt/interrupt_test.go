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
	"syscall"
	"testing"
	"time"
)

func TestRegister_InterruptCancelsContext(t *testing.T) {
	ctx, stop := Register(context.Background())
	defer stop()
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("failed to send SIGINT: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("context was not canceled by interrupt")
	}
	if err := Check(ctx); err != ErrCanceled {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRegister_ParentCancellationIsPropagated(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := Register(parent)
	defer stop()
	if IsCancelled(ctx) {
		t.Fatalf("context should not be canceled")
	}
	if err := Check(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()
	<-ctx.Done()
	if !IsCancelled(ctx) {
		t.Fatalf("context should be canceled")
	}
}

func TestRegister_StopCancelsContext(t *testing.T) {
	ctx, stop := Register(context.Background())
	stop()
	if !IsCancelled(ctx) {
		t.Fatalf("context should be canceled after stop")
	}
}
