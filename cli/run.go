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
	"os"
	"strings"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/data/text"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/gristmill-build/gristmill/dag"
	"github.com/gristmill-build/gristmill/local"
)

func cmdRun() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: `run [flags] manifest.json`,
		ShortDesc: "evaluate a pipeline manifest locally",
		LongDesc: text.Doc(`
			Evaluate a pipeline manifest with an in-process pool of workers.

			Results are cached: running the same manifest again only re-runs
			the steps whose commands or inputs changed.
		`),
		CommandRun: func() subcommands.CommandRun {
			r := &runRun{}
			r.registerBaseFlags()
			r.Flags.IntVar(&r.jobs, "jobs", 0, "Parallel steps to run; 0 means one per CPU.")
			r.Flags.BoolVar(&r.noCache, "no-cache", false, "Run every step even if a cached result matches.")
			r.Flags.BoolVar(&r.keep, "keep-sandboxes", false, "Leave sandbox directories behind for debugging.")
			r.Flags.BoolVar(&r.quiet, "quiet", false, "Only report failures.")
			return r
		},
	}
}

type runRun struct {
	baseRun
	jobs    int
	noCache bool
	keep    bool
	quiet   bool
}

func (r *runRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 1 {
		return r.done(errors.Reason("expected exactly one manifest path").Err())
	}
	return r.done(r.run(ctx, args[0]))
}

func (r *runRun) run(ctx context.Context, manifestPath string) error {
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	g, files, err := m.BuildGraph()
	if err != nil {
		return err
	}

	var failures []string
	for _, s := range m.Steps {
		s := s
		id := stepID(g, s.Name)
		if !r.quiet {
			g.OnExecutionStart(id, func(worker string) error {
				fmt.Printf("[ RUN  ] %s (on %s)\n", s.Name, worker)
				return nil
			})
		}
		g.OnExecutionDone(id, func(res *dag.Result) error {
			if res.OK() {
				if !r.quiet {
					fmt.Printf("[  OK  ] %s (%.2fs)\n", s.Name, res.Usage.WallTime.Seconds())
				}
				return nil
			}
			failures = append(failures, s.Name)
			fmt.Printf("[ FAIL ] %s: %s\n", s.Name, describeFailure(res))
			return nil
		})
		g.OnExecutionSkip(id, func(res *dag.Result) error {
			failures = append(failures, s.Name)
			fmt.Printf("[ SKIP ] %s (caused by: %s)\n", s.Name, strings.Join(res.Cause, " -> "))
			return nil
		})
	}

	for _, name := range m.Print {
		name := name
		g.GetFileContent(files[name], 0, func(content []byte) error {
			if _, err := os.Stdout.Write(content); err != nil {
				return err
			}
			return nil
		})
	}

	dir, err := r.workDir()
	if err != nil {
		return err
	}
	err = local.Evaluate(ctx, g, local.Options{
		Dir:           dir,
		Workers:       r.jobs,
		NoCache:       r.noCache,
		KeepSandboxes: r.keep,
	})
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		return errors.Reason("%d step(s) did not succeed: %s", len(failures), strings.Join(failures, ", ")).Err()
	}
	logging.Debugf(ctx, "cli: all %d steps resolved", len(m.Steps))
	return nil
}

// stepID finds the execution named in the manifest. Descriptions are the
// manifest step names, unique by construction.
func stepID(g *dag.Graph, name string) dag.ExecutionID {
	for id, e := range g.Executions {
		if e.Description == name {
			return id
		}
	}
	return ""
}

// describeFailure renders a result for humans.
func describeFailure(res *dag.Result) string {
	switch res.Status {
	case dag.ResultNonZeroExit:
		return fmt.Sprintf("exited with code %d", res.ExitCode)
	case dag.ResultSignaled:
		return fmt.Sprintf("killed by signal %d", res.Signal)
	case dag.ResultTimeLimit:
		return "CPU time limit exceeded"
	case dag.ResultWallLimit:
		return "wall clock limit exceeded"
	case dag.ResultMemoryLimit:
		return "memory limit exceeded"
	case dag.ResultRetryExhausted:
		return res.Message
	case dag.ResultSandboxViolation:
		return res.Message
	default:
		return string(res.Status)
	}
}
