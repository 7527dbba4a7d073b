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

	"github.com/Fantom-foundation/vmap/backend/datasource/ldb"
	"github.com/Fantom-foundation/vmap/database/vmap/reconnect"
	"github.com/Fantom-foundation/vmap/database/vmap/topology"
	"github.com/urfave/cli/v2"
)

var Info = cli.Command{
	Action:    info,
	Name:      "info",
	Usage:     "lists information about a virtual map stored in a LevelDB directory",
	ArgsUsage: "<directory>",
}

var Verify = cli.Command{
	Action:    addPerformanceDiagnoses(verify),
	Name:      "verify",
	Usage:     "recomputes all digests of a virtual map stored in a LevelDB directory and checks them",
	ArgsUsage: "<directory>",
}

func openDirectory(context *cli.Context) (*ldb.DataSource, error) {
	if context.Args().Len() != 1 {
		return nil, fmt.Errorf("missing directory storing the virtual map")
	}
	return ldb.Open(context.Args().Get(0), ldb.Options{})
}

func info(context *cli.Context) error {
	source, err := openDirectory(context)
	if err != nil {
		return err
	}
	defer source.Close()

	layout, err := source.LoadLayout()
	if err != nil {
		return err
	}
	keys, err := source.CountKeys()
	if err != nil {
		return err
	}
	root, found, err := source.LoadInternal(topology.RootPath)
	if err != nil {
		return err
	}

	fmt.Printf("Directory contains a virtual map with the following properties:\n")
	fmt.Printf("\tSize:              %d\n", layout.Size())
	fmt.Printf("\tFirst leaf path:   %v\n", layout.FirstLeafPath)
	fmt.Printf("\tLast leaf path:    %v\n", layout.LastLeafPath)
	fmt.Printf("\tIndexed keys:      %d\n", keys)
	if found {
		fmt.Printf("\tRoot digest:       %v\n", root)
	} else {
		fmt.Printf("\tRoot digest:       -\n")
	}
	return nil
}

func verify(context *cli.Context) error {
	config, err := getConfig(context)
	if err != nil {
		return err
	}
	source, err := openDirectory(context)
	if err != nil {
		return err
	}
	defer source.Close()

	progress := newProgressPrinter()
	progress.print("Starting verification using %v ...", config.Hashing)
	root, err := reconnect.Verify(source, config.Hashing)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	progress.print("Verification successful, root digest %v", root)
	return nil
}
