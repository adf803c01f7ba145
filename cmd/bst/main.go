//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Command bst launches a single process into a set of fresh Linux
// namespaces, performing the privileged id-map, ns-persistence, and NIC
// setup from a sibling process rather than from the caller's own,
// already-unprivileged, unshared process.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/containers/storage/pkg/reexec"

	"github.com/nestybox/bst/launcher"
)

func main() {
	// reexec.Init must run before cobra ever sees argv: if os.Args[0]
	// matches a registered name (the outer helper, the cgroup watcher, or
	// the target process bootstrap), this dispatches straight into that
	// entrypoint and never returns.
	if reexec.Init() {
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bst: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:   "bst [flags] -- <cmd> [args...]",
		Short: "Run a command in a new set of Linux namespaces",
		Long: `bst creates a target process under a chosen set of Linux namespaces,
delegating the privileged parts of that setup (id-map burning, namespace
persistence, NIC creation) to a sibling process so the launcher itself
never needs elevated privileges once it has unshared its own user
namespace.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f.register(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		opts, err := f.toOptions(args)
		if err != nil {
			return err
		}

		log := logrus.StandardLogger()
		if f.verbose {
			log.SetLevel(logrus.DebugLevel)
		}
		opts.Log = log

		code, err := launcher.Run(*opts)
		if err != nil {
			return err
		}
		os.Exit(code)
		return nil
	}

	return cmd
}
