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
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/data/text"
	"go.chromium.org/luci/common/errors"

	"github.com/gristmill-build/gristmill/cache"
	"github.com/gristmill-build/gristmill/store"
)

func cmdGC() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: `gc [flags]`,
		ShortDesc: "trim the blob store",
		LongDesc: text.Doc(`
			Remove unreferenced blobs from the store. Blobs pinned by cached
			execution results are never touched.
		`),
		CommandRun: func() subcommands.CommandRun {
			r := &gcRun{}
			r.registerBaseFlags()
			r.Flags.StringVar(&r.maxSize, "max-size", "", "Trim the store down to this total size, e.g. 10GB.")
			r.Flags.DurationVar(&r.maxAge, "max-age", 0, "Remove unreferenced blobs unused for longer than this, e.g. 720h.")
			return r
		},
	}
}

type gcRun struct {
	baseRun
	maxSize string
	maxAge  time.Duration
}

func (r *gcRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 0 {
		return r.done(errors.Reason("unexpected positional arguments").Err())
	}
	return r.done(r.gc(ctx))
}

func (r *gcRun) gc(ctx context.Context) error {
	policy := store.GCPolicy{MaxAge: r.maxAge}
	if r.maxSize != "" {
		size, err := humanize.ParseBytes(r.maxSize)
		if err != nil {
			return errors.Annotate(err, "parsing -max-size").Err()
		}
		policy.MaxSize = int64(size)
	}
	if policy.MaxSize == 0 && policy.MaxAge == 0 {
		return errors.Reason("nothing to do: set -max-size and/or -max-age").Err()
	}

	dir, err := r.workDir()
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, filepath.Join(dir, "store"))
	if err != nil {
		return errors.Annotate(err, "opening blob store").Err()
	}
	defer st.Close()

	// Opening the cache re-pins everything cached results still need.
	c, err := cache.Open(ctx, filepath.Join(dir, "cache"), st)
	if err != nil {
		return errors.Annotate(err, "opening execution cache").Err()
	}
	defer c.Close()

	stats, err := st.GC(ctx, policy)
	if err != nil {
		return errors.Annotate(err, "collecting").Err()
	}
	fmt.Printf("scanned %d blobs, removed %d, reclaimed %s, %s in use\n",
		stats.Scanned, stats.Removed,
		humanize.IBytes(uint64(stats.Reclaimed)), humanize.IBytes(uint64(stats.Remaining)))
	return nil
}
