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

// Package local evaluates a graph entirely in one process.
//
// It spins up an in-memory coordinator, connects a pool of workers to it
// over pipes, and plays the client against it. The blob store and
// execution cache live in a directory that survives between runs, so
// repeated evaluations of the same graph hit the cache exactly as they
// would against a long-lived coordinator.
package local

import (
	"context"
	"net"
	"path/filepath"
	"runtime"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/gristmill-build/gristmill/cache"
	"github.com/gristmill-build/gristmill/client"
	"github.com/gristmill-build/gristmill/dag"
	"github.com/gristmill-build/gristmill/sandbox"
	"github.com/gristmill-build/gristmill/sched"
	"github.com/gristmill-build/gristmill/store"
	"github.com/gristmill-build/gristmill/wire"
	"github.com/gristmill-build/gristmill/worker"
)

// Options tune a local evaluation.
type Options struct {
	// Dir hosts the blob store, the execution cache, and the sandboxes.
	Dir string
	// Workers is the size of the worker pool; zero means NumCPU.
	Workers int
	// NoCache forces every execution to run.
	NoCache bool
	// KeepSandboxes leaves sandbox directories behind for debugging.
	KeepSandboxes bool
	// OnStatus, if set, receives periodic progress reports.
	OnStatus func(*wire.StatusReport)
}

// Evaluate drives g to completion in-process and fires its callbacks.
func Evaluate(ctx context.Context, g *dag.Graph, opts Options) error {
	if opts.Dir == "" {
		return errors.Reason("a working directory is required").Err()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}

	st, err := store.Open(ctx, filepath.Join(opts.Dir, "store"))
	if err != nil {
		return errors.Annotate(err, "opening blob store").Err()
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Warningf(ctx, "local: closing store: %s", err)
		}
	}()

	c, err := cache.Open(ctx, filepath.Join(opts.Dir, "cache"), st)
	if err != nil {
		return errors.Annotate(err, "opening execution cache").Err()
	}
	defer func() {
		if err := c.Close(); err != nil {
			logging.Warningf(ctx, "local: closing cache: %s", err)
		}
	}()

	runner, err := sandbox.New(filepath.Join(opts.Dir, "sandboxes"))
	if err != nil {
		return errors.Annotate(err, "preparing sandboxes").Err()
	}
	runner.KeepBoxes = opts.KeepSandboxes

	co := sched.NewCoordinator(st, c)

	// Every connection lives until the evaluation ends; pipe reads do not
	// watch the context, so the pipes themselves are closed on the way out.
	evalCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var conns []net.Conn
	defer func() {
		for _, cn := range conns {
			cn.Close()
		}
	}()

	for i := 0; i < opts.Workers; i++ {
		wSide, coSide := net.Pipe()
		conns = append(conns, wSide, coSide)
		w := worker.New(st, runner, worker.Options{
			Name:  "local",
			Slots: 1,
			Local: true,
		})
		go func() {
			if err := co.HandleWorker(evalCtx, wire.NewChannel(coSide)); err != nil {
				logging.Debugf(evalCtx, "local: worker connection: %s", err)
			}
		}()
		go func() {
			if err := w.Run(evalCtx, wire.NewChannel(wSide)); err != nil {
				logging.Debugf(evalCtx, "local: worker: %s", err)
			}
		}()
	}

	clSide, coSide := net.Pipe()
	go func() {
		if err := co.HandleClient(evalCtx, wire.NewChannel(coSide)); err != nil {
			logging.Debugf(evalCtx, "local: coordinator: %s", err)
		}
	}()

	cch := wire.NewChannel(clSide)
	defer cch.Close()
	return client.Evaluate(ctx, cch, g, client.Options{
		NoCache:  opts.NoCache,
		OnStatus: opts.OnStatus,
	})
}
