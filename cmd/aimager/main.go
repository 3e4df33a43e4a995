/*
Copyright © 2022 - 2024 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command aimager is the CLI entrypoint described in spec.md §6.
// Argument parsing, help text and board/distro convenience presets are
// explicitly out of the core's scope (spec.md §1): this package is the
// thin collaborator that owns them, wiring spf13/cobra for the command
// surface and spf13/viper for flag and environment binding; the bound
// values are copied field by field into a types.BuildContext.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/7Ji/aimager/pkg/logging"
	"github.com/7Ji/aimager/pkg/types"
)

// childMarkerFlag is the argument the re-exec'd child side recognizes,
// per pkg/nsorch's documented "childArgv[0] re-execs the same binary
// with a marker argument" contract.
const childMarkerFlag = "--aimager-child"

func main() {
	logger := logging.New(logging.ProgramName())
	startTime := time.Now()

	if len(os.Args) > 1 && os.Args[1] == childMarkerFlag {
		if err := runChildEntry(logger, startTime, os.Args[2:]); err != nil {
			fail(logger, err)
		}
		return
	}

	root, err := newRootCommand(logger, startTime)
	if err != nil {
		fail(logger, err)
	}
	if err := root.Execute(); err != nil {
		fail(logger, err)
	}
}

// fail renders the single-line stderr record mandated by spec.md §7
// and exits 1. It is the only place in the program that calls os.Exit
// on an application error.
func fail(logger types.Logger, err error) {
	logger.Errorf("%v", err)
	os.Exit(1)
}

func newRootCommand(logger *logrus.Logger, startTime time.Time) (*cobra.Command, error) {
	v := viper.New()
	v.SetEnvPrefix("aimager")
	v.AutomaticEnv()

	var (
		dumpConfig bool
		boardHelp  string
		distroHelp string
	)

	cmd := &cobra.Command{
		Use:           "aimager",
		Short:         "rootless, cross-architecture Arch Linux image builder",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if boardHelp != "" {
				tag := ""
				if boardHelp != "help" {
					tag = boardHelp
				}
				fmt.Print(helpText("board", boardPresets, tag))
				return nil
			}
			if distroHelp != "" {
				tag := ""
				if distroHelp != "help" {
					tag = distroHelp
				}
				fmt.Print(helpText("distro", distroPresets, tag))
				return nil
			}

			bc, err := buildContextFromFlags(v, startTime)
			if err != nil {
				return err
			}

			if len(bc.Create) == 1 && bc.Create[0] == "help" {
				fmt.Print(artifactHelpText())
				return nil
			}

			if dumpConfig {
				out, err := yaml.Marshal(bc)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			}

			logging.DumpDebug(logger, "resolved build context", bc)

			return runParent(context.Background(), logger, startTime, bc)
		},
	}

	registerFlags(cmd, &dumpConfig, &boardHelp, &distroHelp)
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	return cmd, nil
}
