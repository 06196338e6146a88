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

package cli

import (
	"context"
	"net"
	"path/filepath"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/data/text"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"github.com/gristmill-build/gristmill/sandbox"
	"github.com/gristmill-build/gristmill/store"
	"github.com/gristmill-build/gristmill/wire"
	"github.com/gristmill-build/gristmill/worker"
)

func cmdWorker() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: `worker [flags]`,
		ShortDesc: "run executions for a remote coordinator",
		LongDesc: text.Doc(`
			Connect to a coordinator and execute what it dispatches. The
			worker keeps its own blob store, so inputs it has seen before
			are not transferred again.
		`),
		CommandRun: func() subcommands.CommandRun {
			r := &workerRun{}
			r.registerBaseFlags()
			r.Flags.StringVar(&r.coordinator, "coordinator", "localhost:7849", "Worker address of the coordinator.")
			r.Flags.StringVar(&r.name, "name", "", "Worker name in status reports; defaults to the hostname.")
			r.Flags.IntVar(&r.jobs, "jobs", 0, "Parallel executions to run; 0 means one per CPU.")
			return r
		},
	}
}

type workerRun struct {
	baseRun
	coordinator string
	name        string
	jobs        int
}

func (r *workerRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 0 {
		return r.done(errors.Reason("unexpected positional arguments").Err())
	}
	return r.done(r.work(ctx))
}

func (r *workerRun) work(ctx context.Context) error {
	dir, err := r.workDir()
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, filepath.Join(dir, "worker-store"))
	if err != nil {
		return errors.Annotate(err, "opening blob store").Err()
	}
	defer st.Close()
	runner, err := sandbox.New(filepath.Join(dir, "sandboxes"))
	if err != nil {
		return errors.Annotate(err, "preparing sandboxes").Err()
	}

	w := worker.New(st, runner, worker.Options{Name: r.name, Slots: r.jobs})

	// Serve forever, reconnecting while the coordinator is unreachable
	// or the link drops.
	return retry.Retry(ctx, transient.Only(retry.Default), func() error {
		conn, err := net.Dial("tcp", r.coordinator)
		if err != nil {
			return transient.Tag.Apply(errors.Annotate(err, "dialing coordinator").Err())
		}
		defer conn.Close()
		logging.Infof(ctx, "cli: connected to coordinator at %s", r.coordinator)
		if err := w.Run(ctx, wire.NewChannel(conn)); err != nil {
			return transient.Tag.Apply(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transient.Tag.Apply(errors.Reason("coordinator connection closed").Err())
	}, retry.LogCallback(ctx, "connect-coordinator"))
}
