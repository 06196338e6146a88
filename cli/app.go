// Copyright 2026 The Gristmill Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli implements the gristmill command line tool.
package cli

import (
	"context"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/flag/fixflagpos"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
)

var logCfg = gologger.LoggerConfig{
	Out: os.Stderr,
}

// application creates the application and configures its subcommands.
func application() *cli.Application {
	return &cli.Application{
		Name:  "gristmill",
		Title: "A cache-aware execution engine for pipelines of processes.",
		Context: func(ctx context.Context) context.Context {
			ctx = logCfg.Use(ctx)
			return logging.SetLevel(ctx, logging.Info)
		},
		Commands: []*subcommands.Command{
			cmdRun(),
			cmdGC(),

			{}, // a separator
			cmdServe(),
			cmdWorker(),

			{}, // a separator
			subcommands.CmdHelp,
		},
	}
}

// Main is the main function of the gristmill application.
func Main(args []string) int {
	return subcommands.Run(application(), fixflagpos.FixSubcommands(args))
}
