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
	"fmt"

	"github.com/Fantom-foundation/vmap/backend/datasource"
	"github.com/Fantom-foundation/vmap/backend/datasource/cache"
	"github.com/Fantom-foundation/vmap/backend/datasource/ldb"
	"github.com/Fantom-foundation/vmap/backend/datasource/memory"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/Fantom-foundation/vmap/common/interrupt"
	"github.com/Fantom-foundation/vmap/database/vmap"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"github.com/urfave/cli/v2"
)

var Stress = cli.Command{
	Action: addPerformanceDiagnoses(stress),
	Name:   "stress",
	Usage:  "inserts, removes and reinserts a large number of keys and checks the resulting maps",
	Flags: []cli.Flag{
		&dirFlag,
		&numKeysFlag,
		&copyIntervalFlag,
		&cacheSizeFlag,
	},
}

var (
	dirFlag = cli.StringFlag{
		Name:  "dir",
		Usage: "LevelDB directory backing the map, an in-memory data source is used if empty",
		Value: "",
	}
	numKeysFlag = cli.Uint64Flag{
		Name:  "keys",
		Usage: "the number of keys inserted in each phase",
		Value: 1_000_000,
	}
	copyIntervalFlag = cli.IntFlag{
		Name:  "copy-interval",
		Usage: "the number of updates between copies of the map",
		Value: 10_000,
	}
	cacheSizeFlag = cli.IntFlag{
		Name:  "cache-size",
		Usage: "the number of data source records cached in memory, disabled if 0",
		Value: 0,
	}
)

func openDataSource(dir string, cacheSize int) (datasource.DataSource, error) {
	var res datasource.DataSource = memory.New()
	if dir != "" {
		source, err := ldb.Open(dir, ldb.Options{})
		if err != nil {
			return nil, err
		}
		res = source
	}
	if cacheSize <= 0 {
		return res, nil
	}
	cached, err := cache.New(res, cacheSize)
	if err != nil {
		res.Close()
		return nil, err
	}
	return cached, nil
}

// stressRun applies updates to a map, replacing it by a copy in regular
// intervals like a client committing blocks would.
type stressRun struct {
	current      *vmap.VirtualMap[uint64, uint64]
	copyInterval int
	updates      int
}

func (r *stressRun) update(apply func(*vmap.VirtualMap[uint64, uint64]) error) error {
	if err := apply(r.current); err != nil {
		return err
	}
	r.updates++
	if r.copyInterval > 0 && r.updates%r.copyInterval == 0 {
		return r.copy()
	}
	return nil
}

func (r *stressRun) copy() error {
	next, err := r.current.Copy()
	if err != nil {
		return err
	}
	r.current.Release()
	r.current = next
	return nil
}

func stress(context *cli.Context) error {
	config, err := getConfig(context)
	if err != nil {
		return err
	}
	dir := context.String(dirFlag.Name)
	source, err := openDataSource(dir, context.Int(cacheSizeFlag.Name))
	if err != nil {
		return err
	}
	m, err := vmap.New[uint64, uint64](source, common.Uint64Codec{}, common.Uint64Codec{}, config)
	if err != nil {
		return err
	}
	if m.Size() != 0 {
		m.Release()
		return fmt.Errorf("data source in %s is not empty", dir)
	}

	ctx, stop := interrupt.Register(context.Context)
	defer stop()
	numKeys := context.Uint64(numKeysFlag.Name)
	run := &stressRun{current: m, copyInterval: context.Int(copyIntervalFlag.Name)}
	defer func() {
		run.current.Release()
	}()
	progress := newProgressPrinter()

	forEachKey := func(phase string, from, to uint64, action func(m *vmap.VirtualMap[uint64, uint64], key uint64) error) error {
		progress.print("%s keys [%d,%d) ...", phase, from, to)
		for key := from; key < to; key++ {
			if err := interrupt.Check(ctx); err != nil {
				return err
			}
			err := run.update(func(m *vmap.VirtualMap[uint64, uint64]) error {
				return action(m, key)
			})
			if err != nil {
				return fmt.Errorf("%s of key %d failed: %w", phase, key, err)
			}
		}
		return nil
	}

	// Phase 1: insert all keys.
	err = forEachKey("Inserting", 0, numKeys, func(m *vmap.VirtualMap[uint64, uint64], key uint64) error {
		return m.Put(key, key)
	})
	if err != nil {
		return err
	}
	if m, want := run.current, topology.LayoutForSize(numKeys); m.FirstLeafPath() != want.FirstLeafPath || m.LastLeafPath() != want.LastLeafPath {
		return fmt.Errorf("unexpected leaf range [%v,%v] for %d keys", m.FirstLeafPath(), m.LastLeafPath(), numKeys)
	}

	// Phase 2: remove all keys.
	err = forEachKey("Removing", 0, numKeys, func(m *vmap.VirtualMap[uint64, uint64], key uint64) error {
		found, err := m.Remove(key)
		if err == nil && !found {
			err = fmt.Errorf("key not found")
		}
		return err
	})
	if err != nil {
		return err
	}
	if size := run.current.Size(); size != 0 {
		return fmt.Errorf("map should be empty, has %d keys", size)
	}

	// Phase 3: insert new keys, the old ones have to remain absent.
	err = forEachKey("Reinserting", numKeys, 2*numKeys, func(m *vmap.VirtualMap[uint64, uint64], key uint64) error {
		return m.Put(key, key)
	})
	if err != nil {
		return err
	}
	progress.print("Checking keys ...")
	for key := uint64(0); key < 2*numKeys; key++ {
		value, found, err := run.current.Get(key)
		if err != nil {
			return err
		}
		if want := key >= numKeys; found != want || (found && value != key) {
			return fmt.Errorf("unexpected state of key %d: found %t, value %d", key, found, value)
		}
	}

	// Persist the final state.
	final := run.current
	if err := final.Retain(); err != nil {
		return err
	}
	defer final.Release()
	if err := run.copy(); err != nil {
		return err
	}
	if err := final.EnableFlush(); err != nil {
		return err
	}
	if err := final.WaitUntilFlushed(ctx); err != nil {
		return err
	}
	root, err := final.RootDigest()
	if err != nil {
		return err
	}
	progress.print("Done after %d updates, root digest %v", run.updates, root)
	return nil
}
