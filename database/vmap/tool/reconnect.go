// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/Fantom-foundation/vmap/backend/datasource/memory"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/common/interrupt"
	"github.com/Fantom-foundation/vmap/database/vmap"
	"github.com/Fantom-foundation/vmap/database/vmap/reconnect"
	"github.com/urfave/cli/v2"
)

var Reconnect = cli.Command{
	Action: addPerformanceDiagnoses(reconnectMaps),
	Name:   "reconnect",
	Usage:  "synchronizes two maps differing by random edits through a local pipe",
	Flags: []cli.Flag{
		&reconnectKeysFlag,
		&editsFlag,
		&modeFlag,
		&seedFlag,
	},
}

var (
	reconnectKeysFlag = cli.IntFlag{
		Name:  "keys",
		Usage: "the number of keys in the teacher's map",
		Value: 100_000,
	}
	editsFlag = cli.IntFlag{
		Name:  "edits",
		Usage: "the number of random updates applied to the learner's map",
		Value: 1_000,
	}
	modeFlag = cli.StringFlag{
		Name:  "mode",
		Usage: "the reconnect mode, overrides the configured mode if set",
	}
	seedFlag = cli.Int64Flag{
		Name:  "seed",
		Usage: "the seed of the random edits",
		Value: 1,
	}
)

// countingConn counts the bytes received through a connection.
type countingConn struct {
	net.Conn
	read atomic.Int64
}

func (c *countingConn) Read(data []byte) (int, error) {
	n, err := c.Conn.Read(data)
	c.read.Add(int64(n))
	return n, err
}

// newFrozenMap creates an in-memory map containing the keys [0,size)
// modified by the given number of random edits. The returned generation is
// frozen and its mutable successor is released.
func newFrozenMap(config vmap.Config, size, edits int, r *rand.Rand) (*vmap.VirtualMap[uint64, uint64], error) {
	m, err := vmap.New[uint64, uint64](memory.New(), common.Uint64Codec{}, common.Uint64Codec{}, config)
	if err != nil {
		return nil, err
	}
	for i := 0; i < size; i++ {
		if err := m.Put(uint64(i), uint64(i)); err != nil {
			m.Release()
			return nil, err
		}
	}
	for i := 0; i < edits; i++ {
		key := uint64(r.Intn(size + size/10 + 1))
		if r.Intn(4) == 0 {
			_, err = m.Remove(key)
		} else {
			err = m.Put(key, r.Uint64())
		}
		if err != nil {
			m.Release()
			return nil, err
		}
	}
	next, err := m.Copy()
	if err != nil {
		m.Release()
		return nil, err
	}
	next.Release()
	return m, nil
}

func reconnectMaps(context *cli.Context) error {
	config, err := getConfig(context)
	if err != nil {
		return err
	}
	if name := context.String(modeFlag.Name); name != "" {
		if config.ReconnectMode, err = vmap.ParseReconnectMode(name); err != nil {
			return err
		}
	}
	ctx, stop := interrupt.Register(context.Context)
	defer stop()
	size := context.Int(reconnectKeysFlag.Name)
	r := rand.New(rand.NewSource(context.Int64(seedFlag.Name)))

	progress := newProgressPrinter()
	progress.print("Creating maps with %d keys ...", size)
	teacher, err := newFrozenMap(config, size, 0, r)
	if err != nil {
		return err
	}
	defer teacher.Release()
	original, err := newFrozenMap(config, size, context.Int(editsFlag.Name), r)
	if err != nil {
		return err
	}
	defer original.Release()
	want, err := teacher.RootDigest()
	if err != nil {
		return err
	}
	if _, err := original.RootDigest(); err != nil {
		return err
	}

	progress.print("Synchronizing maps using %v ...", config.ReconnectMode)
	teacherConn, learnerConn := net.Pipe()
	counting := &countingConn{Conn: learnerConn}
	teachErr := make(chan error, 1)
	go func() {
		teachErr <- reconnect.Teach(ctx, teacherConn, teacher, config)
	}()
	start := time.Now()
	learned, learnErr := reconnect.LearnMap(ctx, counting, original, memory.New(), common.Uint64Codec{}, common.Uint64Codec{}, config)
	duration := time.Since(start)
	if learnErr != nil {
		learnerConn.Close()
	}
	if err := <-teachErr; err != nil && learnErr == nil {
		learned.Release()
		return fmt.Errorf("teacher failed: %w", err)
	}
	if learnErr != nil {
		return fmt.Errorf("learner failed: %w", learnErr)
	}
	defer learned.Release()

	got, err := getLearnedRoot(ctx, learned)
	if err != nil {
		return err
	}
	progress.print("Synchronization completed in %v, received %d bytes", duration, counting.read.Load())
	if got != want {
		return fmt.Errorf("learned root digest %v differs from teacher's root digest %v", got, want)
	}
	progress.print("Root digests match: %v", got)
	return nil
}

// getLearnedRoot freezes the learned map to obtain its root digest.
func getLearnedRoot(ctx context.Context, learned *vmap.VirtualMap[uint64, uint64]) (common.Digest, error) {
	next, err := learned.Copy()
	if err != nil {
		return common.Digest{}, err
	}
	defer next.Release()
	if err := learned.WaitUntilHashed(ctx); err != nil {
		return common.Digest{}, err
	}
	return learned.RootDigest()
}
