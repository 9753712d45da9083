/* SPDX-License-Identifier: BSD-2-Clause */

// Command forksafe reports how fork safety behaves on this host.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var debug = flag.Bool("debug", false, "enable debug logging")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&probe{}, "")
	subcommands.Register(&maps{}, "")
	subcommands.Register(&resolve{}, "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
