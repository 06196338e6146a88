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

	"github.com/gristmill-build/gristmill/cache"
	"github.com/gristmill-build/gristmill/sched"
	"github.com/gristmill-build/gristmill/store"
	"github.com/gristmill-build/gristmill/wire"
)

func cmdServe() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: `serve [flags]`,
		ShortDesc: "run a coordinator for remote workers and clients",
		LongDesc: text.Doc(`
			Run a coordinator that accepts evaluation clients on one address
			and workers on another, sharing one blob store and execution
			cache across all of them.
		`),
		CommandRun: func() subcommands.CommandRun {
			r := &serveRun{}
			r.registerBaseFlags()
			r.Flags.StringVar(&r.addr, "addr", "localhost:7848", "Address to accept evaluation clients on.")
			r.Flags.StringVar(&r.workerAddr, "worker-addr", "localhost:7849", "Address to accept workers on.")
			return r
		},
	}
}

type serveRun struct {
	baseRun
	addr       string
	workerAddr string
}

func (r *serveRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 0 {
		return r.done(errors.Reason("unexpected positional arguments").Err())
	}
	return r.done(r.serve(ctx))
}

func (r *serveRun) serve(ctx context.Context) error {
	dir, err := r.workDir()
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, filepath.Join(dir, "store"))
	if err != nil {
		return errors.Annotate(err, "opening blob store").Err()
	}
	defer st.Close()
	c, err := cache.Open(ctx, filepath.Join(dir, "cache"), st)
	if err != nil {
		return errors.Annotate(err, "opening execution cache").Err()
	}
	defer c.Close()

	co := sched.NewCoordinator(st, c)

	clientL, err := net.Listen("tcp", r.addr)
	if err != nil {
		return errors.Annotate(err, "listening for clients").Err()
	}
	defer clientL.Close()
	workerL, err := net.Listen("tcp", r.workerAddr)
	if err != nil {
		return errors.Annotate(err, "listening for workers").Err()
	}
	defer workerL.Close()

	logging.Infof(ctx, "cli: accepting clients on %s, workers on %s", clientL.Addr(), workerL.Addr())

	go accept(ctx, workerL, func(ctx context.Context, ch *wire.Channel) error {
		return co.HandleWorker(ctx, ch)
	})
	accept(ctx, clientL, func(ctx context.Context, ch *wire.Channel) error {
		return co.HandleClient(ctx, ch)
	})
	return nil
}

// accept serves every connection of a listener until the listener dies.
func accept(ctx context.Context, l net.Listener, handle func(context.Context, *wire.Channel) error) {
	for {
		conn, err := l.Accept()
		if err != nil {
			logging.Warningf(ctx, "cli: accept on %s: %s", l.Addr(), err)
			return
		}
		go func() {
			logging.Infof(ctx, "cli: connection from %s", conn.RemoteAddr())
			if err := handle(ctx, wire.NewChannel(conn)); err != nil {
				logging.Warningf(ctx, "cli: connection from %s: %s", conn.RemoteAddr(), err)
			}
		}()
	}
}
