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
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/Fantom-foundation/vmap/database/vmap"
	"github.com/urfave/cli/v2"
)

// Run using
//  go run ./database/vmap/tool <command> <flags>

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "JSON file providing the virtual map configuration, defaults are used if empty",
		Value: "",
	}
	cpuProfileFlag = cli.StringFlag{
		Name:  "cpuprofile",
		Usage: "sets the target file for storing CPU profiles to, disabled if empty",
		Value: "",
	}
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "vmap-tool",
		Usage:     "virtual map toolbox",
		Copyright: "(c) 2024 Fantom Foundation",
		Flags: []cli.Flag{
			&configFlag,
			&cpuProfileFlag,
		},
		Commands: []*cli.Command{
			&Info,
			&Reconnect,
			&Stress,
			&Verify,
		},
	}
}

func addPerformanceDiagnoses(action cli.ActionFunc) cli.ActionFunc {
	return func(context *cli.Context) error {
		cpuProfileFileName := context.String(cpuProfileFlag.Name)
		if strings.TrimSpace(cpuProfileFileName) != "" {
			if err := startCpuProfiler(cpuProfileFileName); err != nil {
				return err
			}
			defer stopCpuProfiler()
		}
		return action(context)
	}
}

func startCpuProfiler(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("could not create CPU profile: %s", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		return fmt.Errorf("could not start CPU profile: %s", err)
	}
	return nil
}

func stopCpuProfiler() {
	pprof.StopCPUProfile()
}

// getConfig loads the configuration selected by the global config flag.
func getConfig(context *cli.Context) (vmap.Config, error) {
	file := context.String(configFlag.Name)
	if strings.TrimSpace(file) == "" {
		return vmap.DefaultConfig(), nil
	}
	return vmap.LoadConfig(file)
}

type progressPrinter struct {
	start time.Time
}

func newProgressPrinter() *progressPrinter {
	return &progressPrinter{start: time.Now()}
}

func (p *progressPrinter) print(format string, args ...any) {
	now := time.Now()
	t := uint64(now.Sub(p.start).Seconds())
	fmt.Printf("%s [t=%4d:%02d] - %s\n", now.Format("15:04:05"), t/60, t%60, fmt.Sprintf(format, args...))
}
